package exchange

import (
	"encoding/hex"
	"fmt"
	"net"
)

// KeyMID identifies an exchange by message ID and peer. At most one
// live exchange exists per KeyMID.
type KeyMID struct {
	MID  uint16
	Peer string
}

// NewKeyMID builds the MID key for a message from a peer.
func NewKeyMID(mid int, peer net.Addr) KeyMID {
	return KeyMID{MID: uint16(mid), Peer: peer.String()}
}

// String returns a human-readable form for logging.
func (k KeyMID) String() string {
	return fmt.Sprintf("MID=%d@%s", k.MID, k.Peer)
}

// KeyToken identifies an exchange by token and peer. At most one live
// exchange exists per KeyToken for outstanding local requests.
type KeyToken struct {
	Token string
	Peer  string
}

// NewKeyToken builds the token key for a message from a peer.
func NewKeyToken(token []byte, peer net.Addr) KeyToken {
	return KeyToken{Token: string(token), Peer: peer.String()}
}

// String returns a human-readable form for logging.
func (k KeyToken) String() string {
	return fmt.Sprintf("token=%s@%s", hex.EncodeToString([]byte(k.Token)), k.Peer)
}

// KeyURI identifies an observe registration by target URI and token.
// Observers may share a token as long as their KeyURI differs.
type KeyURI struct {
	URI   string
	Token string
}

// NewKeyURI builds the observe key.
func NewKeyURI(uri string, token []byte) KeyURI {
	return KeyURI{URI: uri, Token: string(token)}
}

// String returns a human-readable form for logging.
func (k KeyURI) String() string {
	return fmt.Sprintf("uri=%s token=%s", k.URI, hex.EncodeToString([]byte(k.Token)))
}
