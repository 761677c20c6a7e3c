// Package transport provides the connectors a CoAP endpoint binds to:
// plain UDP, DTLS (via pion/dtls), TCP with optional TLS, and an
// in-memory pipe for deterministic tests.
//
// A connector owns the socket and its I/O goroutines. It moves raw
// frames between the network and the endpoint's inbox; it never parses
// CoAP. Inbound frames are delivered through the registered
// RawDataReceiver with the source address populated and, for secure
// transports, the correlation context of the session they arrived on.
package transport

import "net"

// URI schemes served by the connectors (RFC 7252 Section 6, RFC 8323
// Section 8).
const (
	SchemeCoAP          = "coap"
	SchemeCoAPSecure    = "coaps"
	SchemeCoAPTCP       = "coap+tcp"
	SchemeCoAPSecureTCP = "coaps+tcp"
)

// EndpointContext is the opaque session identity a secure transport
// establishes for a peer. The matcher compares contexts to bind
// responses to the session their request was sent on; a zero context
// means the transport has no session notion (plain UDP).
type EndpointContext struct {
	// ID distinguishes one session from another. The format is
	// connector-specific and carries no meaning beyond equality.
	ID string
}

// IsZero reports whether no session identity is attached.
func (c EndpointContext) IsZero() bool {
	return c.ID == ""
}

// Equal reports whether two contexts identify the same session.
func (c EndpointContext) Equal(other EndpointContext) bool {
	return c.ID == other.ID
}

// RawData is one frame crossing the connector boundary, in either
// direction.
type RawData struct {
	// Data is the wire bytes of one datagram or one stream frame.
	Data []byte

	// Addr is the peer address: the source for inbound frames, the
	// destination for outbound frames.
	Addr net.Addr

	// Context is the session the frame belongs to, if the transport has
	// sessions. Populated by the connector on inbound frames.
	Context EndpointContext

	// Secure is set on inbound frames that arrived over an encrypted
	// transport.
	Secure bool

	// SenderIdentity is the authenticated peer identity on inbound
	// frames from secure transports. Empty otherwise.
	SenderIdentity string

	// OnContextEstablished, if set on an outbound frame, is invoked once
	// the transport has a session for the destination: immediately when
	// one exists, or after the handshake completes when sending
	// triggered one. Never invoked for transports without sessions.
	OnContextEstablished func(EndpointContext)
}

// RawDataReceiver consumes inbound frames from a connector. The
// connector's read goroutine calls it directly; implementations must
// hand off quickly.
type RawDataReceiver func(raw *RawData)

// Connector is the transport binding an endpoint owns. Implementations
// provide byte-level I/O for exactly one scheme pair.
type Connector interface {
	// Start acquires the socket and launches the I/O goroutines.
	Start() error

	// Stop releases the socket and stops I/O. A stopped connector can be
	// started again.
	Stop()

	// Destroy releases all resources. The connector is unusable after.
	Destroy()

	// Send transmits one frame. The UDP connector queues it for its
	// sender goroutines; the TCP and DTLS connectors dial or handshake
	// first when no session exists and write synchronously. A stopped
	// connector returns ErrClosed.
	Send(raw *RawData) error

	// SetRawDataReceiver registers the inbound frame consumer. Must be
	// called before Start.
	SetRawDataReceiver(receiver RawDataReceiver)

	// Addr returns the bound local address, or nil before Start.
	Addr() net.Addr

	// Scheme returns the primary scheme of this connector (coap or
	// coap+tcp); the secure variant is implied by IsSchemeSupported.
	Scheme() string

	// IsSchemeSupported reports whether the connector serves the scheme.
	IsSchemeSupported(scheme string) bool
}

// PortOf extracts the port from known address types. Returns -1 when the
// address type carries no port notion (such as pipe addresses).
func PortOf(addr net.Addr) int {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.Port
	case *net.TCPAddr:
		return a.Port
	default:
		return -1
	}
}
