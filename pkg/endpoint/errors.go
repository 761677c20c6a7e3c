package endpoint

import "errors"

// Errors returned by the endpoint package.
var (
	// ErrEndpointStarted is returned for operations that require a
	// stopped endpoint, such as replacing the executor.
	ErrEndpointStarted = errors.New("endpoint: endpoint is started")

	// ErrEndpointDestroyed is returned when a destroyed endpoint is
	// started again.
	ErrEndpointDestroyed = errors.New("endpoint: endpoint is destroyed")

	// ErrNoDestination reports an outbound message without a destination
	// address or port. This is a programming error in the caller.
	ErrNoDestination = errors.New("endpoint: message has no destination address")

	// ErrNoSource reports an inbound frame without a source address or
	// port. This is a programming error in the connector.
	ErrNoSource = errors.New("endpoint: received frame has no source address")
)
