package endpoint

import (
	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
)

// Matcher maintains the table of in-flight exchanges: it assigns
// outbound identifiers, correlates inbound messages with the exchanges
// that produced them, and detects duplicates. The UDP and TCP variants
// share the exchange store but differ in MID handling: the stream
// variant has no MIDs in the reliability sense, no MID deduplication
// and no RST for unmatched responses.
//
// All matcher calls happen on the protocol stage.
type Matcher interface {
	// Start launches the store's lifetime machinery.
	Start()

	// Stop halts it.
	Stop()

	// Clear drops all correlation state.
	Clear()

	// SendRequest registers an outbound request: assigns MID and token
	// as needed and binds the exchange under its keys. Registration is
	// idempotent so retransmissions pass through unchanged.
	SendRequest(ex *exchange.Exchange, req *message.Request) error

	// SendResponse registers an outbound response: ACKs and RSTs carry
	// the request's MID, confirmable separate responses get their own.
	SendResponse(ex *exchange.Exchange, resp *message.Response) error

	// SendEmpty observes an outbound empty message; ACKs and RSTs echo
	// the peer's MID, so nothing is registered. The exchange may be nil
	// for RSTs rejecting unmatched messages.
	SendEmpty(ex *exchange.Exchange, msg *message.EmptyMessage)

	// ReceiveRequest returns the exchange for an inbound request,
	// creating a remote-origin one for first arrivals and flagging
	// duplicates on the message.
	ReceiveRequest(req *message.Request) (*exchange.Exchange, error)

	// ReceiveResponse returns the exchange awaiting this response, or
	// nil if none matches or the correlation context disagrees.
	ReceiveResponse(resp *message.Response, ctx transport.EndpointContext) *exchange.Exchange

	// ReceiveEmpty returns the exchange whose outstanding message the
	// ACK or RST refers to, or nil.
	ReceiveEmpty(msg *message.EmptyMessage) *exchange.Exchange

	// CancelObserve cancels the observation registered under the token
	// and the exchange carrying it.
	CancelObserve(token []byte)
}
