package message

import "errors"

// Errors returned by the message package.
var (
	// ErrTokenTooLong is returned for tokens longer than MaxTokenLength.
	ErrTokenTooLong = errors.New("message: token exceeds 8 bytes")

	// ErrMessageTooLarge is returned when an encoded message would exceed
	// the configured maximum message size.
	ErrMessageTooLarge = errors.New("message: message too large")

	// ErrInvalidType is returned for undefined message types.
	ErrInvalidType = errors.New("message: invalid message type")

	// ErrInvalidOptionValue is returned when an option value does not fit
	// its defined format.
	ErrInvalidOptionValue = errors.New("message: invalid option value")

	// ErrUnknownCode is returned for well-formed messages whose code class
	// is neither request, response nor empty. Such messages are ignored.
	ErrUnknownCode = errors.New("message: unknown code class")
)

// Low-level parse errors, wrapped into FormatError by the codecs.
var (
	errZeroPayload     = errors.New("payload marker with zero-length payload")
	errTruncatedOption = errors.New("truncated option")
	errReservedNibble  = errors.New("reserved option nibble 15")
)

// FormatError reports a malformed inbound message. It records whether the
// broken message was confirmable and whether its MID could still be
// recovered, so the receiver can reject it with a Reset as mandated by
// RFC 7252 Section 4.2.
type FormatError struct {
	// Reason describes what was malformed.
	Reason string

	// Confirmable is true if the broken message was parsed far enough to
	// know it was a CON.
	Confirmable bool

	// MID is the recovered message ID. Valid only if HasMID is true.
	MID uint16

	// HasMID is true if the header was intact enough to recover the MID.
	HasMID bool
}

// Error implements the error interface.
func (e *FormatError) Error() string {
	return "message: malformed message: " + e.Reason
}

// IsRejectable returns true if the receiver should answer the broken
// message with a Reset (confirmable with a recoverable MID).
func (e *FormatError) IsRejectable() bool {
	return e.Confirmable && e.HasMID
}
