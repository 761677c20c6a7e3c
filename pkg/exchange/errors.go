package exchange

import "errors"

// Errors returned by the exchange package.
var (
	// ErrDuplicateToken is returned when a caller-supplied token is
	// already bound to another outstanding exchange.
	ErrDuplicateToken = errors.New("exchange: token already in use")

	// ErrDuplicateMID is returned when an MID is registered while another
	// live exchange still holds it for the same peer.
	ErrDuplicateMID = errors.New("exchange: message ID already in use")

	// ErrNoMID is returned when a confirmable message reaches the store
	// without an assigned MID.
	ErrNoMID = errors.New("exchange: message has no MID")

	// ErrStoreStopped is returned for registrations on a stopped store.
	ErrStoreStopped = errors.New("exchange: store is stopped")

	// ErrTokenGeneration is returned when no unused token could be
	// generated.
	ErrTokenGeneration = errors.New("exchange: cannot generate unused token")
)
