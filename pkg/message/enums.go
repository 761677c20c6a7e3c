// Package message implements the CoAP message model and wire codecs.
//
// A message carries a type, a code, a 16-bit message ID, a token of up
// to eight bytes, an ordered option list and an opaque payload
// (RFC 7252 Section 3). The package provides two codecs: the datagram
// format of RFC 7252 for UDP and DTLS, and the length-prefixed stream
// format of RFC 8323 for TCP and TLS.
package message

import "fmt"

// Type is the CoAP message type (RFC 7252 Section 4.1).
type Type int

const (
	// TypeUnset marks a message whose type has not been decided yet. The
	// reliability layer picks ACK, CON or NON for unset responses when
	// they pass through; unset messages never reach the codec.
	TypeUnset Type = -1

	// TypeCon marks a confirmable message. The sender retransmits it
	// until it is acknowledged or rejected.
	TypeCon Type = 0

	// TypeNon marks a non-confirmable message.
	TypeNon Type = 1

	// TypeAck acknowledges a confirmable message. It echoes the MID of
	// the message it acknowledges and may piggy-back a response.
	TypeAck Type = 2

	// TypeRst rejects a message that could not be processed.
	TypeRst Type = 3
)

// String returns a human-readable name for the message type.
func (t Type) String() string {
	switch t {
	case TypeCon:
		return "CON"
	case TypeNon:
		return "NON"
	case TypeAck:
		return "ACK"
	case TypeRst:
		return "RST"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// IsValid returns true if the type is a defined value.
func (t Type) IsValid() bool {
	return t >= TypeCon && t <= TypeRst
}

// Code is the CoAP message code, a 3-bit class and a 5-bit detail
// written class.detail (RFC 7252 Section 3).
type Code uint8

// Request codes (class 0).
const (
	CodeEmpty  Code = 0x00
	CodeGET    Code = 0x01
	CodePOST   Code = 0x02
	CodePUT    Code = 0x03
	CodeDELETE Code = 0x04
)

// Response codes (classes 2, 4 and 5).
const (
	CodeCreated  Code = 2<<5 | 1  // 2.01
	CodeDeleted  Code = 2<<5 | 2  // 2.02
	CodeValid    Code = 2<<5 | 3  // 2.03
	CodeChanged  Code = 2<<5 | 4  // 2.04
	CodeContent  Code = 2<<5 | 5  // 2.05
	CodeContinue Code = 2<<5 | 31 // 2.31 (RFC 7959)

	CodeBadRequest              Code = 4<<5 | 0  // 4.00
	CodeUnauthorized            Code = 4<<5 | 1  // 4.01
	CodeBadOption               Code = 4<<5 | 2  // 4.02
	CodeForbidden               Code = 4<<5 | 3  // 4.03
	CodeNotFound                Code = 4<<5 | 4  // 4.04
	CodeMethodNotAllowed        Code = 4<<5 | 5  // 4.05
	CodeRequestEntityIncomplete Code = 4<<5 | 8  // 4.08 (RFC 7959)
	CodeRequestEntityTooLarge   Code = 4<<5 | 13 // 4.13

	CodeInternalServerError Code = 5<<5 | 0 // 5.00
	CodeNotImplemented      Code = 5<<5 | 1 // 5.01
	CodeServiceUnavailable  Code = 5<<5 | 3 // 5.03
)

// Class returns the 3-bit code class.
func (c Code) Class() int {
	return int(c >> 5)
}

// Detail returns the 5-bit code detail.
func (c Code) Detail() int {
	return int(c & 0x1f)
}

// String returns the dotted class.detail notation, e.g. "2.05".
func (c Code) String() string {
	return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
}

// IsRequest returns true for request codes (class 0, detail 1..31).
func (c Code) IsRequest() bool {
	return c.Class() == 0 && c.Detail() > 0
}

// IsResponse returns true for response codes (classes 2, 4 and 5).
func (c Code) IsResponse() bool {
	class := c.Class()
	return class == 2 || class == 4 || class == 5
}

// IsEmpty returns true for the 0.00 empty code.
func (c Code) IsEmpty() bool {
	return c == CodeEmpty
}
