// Package stack implements the layered CoAP protocol stack: observe on
// top, blockwise in the middle, reliability at the bottom (UDP only).
//
// Traversal is bidirectional. Sends travel top to bottom and end in the
// Outbox; receives travel bottom to top and end in the
// MessageDeliverer. Every layer exposes the same six hooks, and layers
// are chained at stack construction time.
package stack

import (
	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
)

// Layer is one stage of the protocol stack. Implementations forward to
// the next layer below on sends and the next layer above on receives,
// transforming or consuming messages on the way.
type Layer interface {
	SendRequest(ex *exchange.Exchange, req *message.Request)
	SendResponse(ex *exchange.Exchange, resp *message.Response)
	SendEmpty(ex *exchange.Exchange, msg *message.EmptyMessage)

	ReceiveRequest(ex *exchange.Exchange, req *message.Request)
	ReceiveResponse(ex *exchange.Exchange, resp *message.Response)
	ReceiveEmpty(ex *exchange.Exchange, msg *message.EmptyMessage)

	setLower(lower Layer)
	setUpper(upper Layer)
}

// Outbox is the bottom-of-stack sink. The endpoint implements it: it
// registers messages with the matcher, fans them through the
// interceptors and hands them to the connector.
type Outbox interface {
	SendRequest(ex *exchange.Exchange, req *message.Request)
	SendResponse(ex *exchange.Exchange, resp *message.Response)
	SendEmpty(ex *exchange.Exchange, msg *message.EmptyMessage)
}

// MessageDeliverer consumes messages leaving the top of the stack:
// requests go to the resource tree, responses back to their requester.
type MessageDeliverer interface {
	DeliverRequest(ex *exchange.Exchange, req *message.Request)
	DeliverResponse(ex *exchange.Exchange, resp *message.Response)
}

// Stage posts work to the endpoint's protocol stage. Layer timers fire
// on clock goroutines and re-enter the stack through it.
type Stage interface {
	Execute(task func())
}

// BaseLayer forwards every hook unchanged. Layers embed it and override
// the hooks they care about.
type BaseLayer struct {
	lower Layer
	upper Layer
}

func (b *BaseLayer) setLower(lower Layer) { b.lower = lower }
func (b *BaseLayer) setUpper(upper Layer) { b.upper = upper }

// SendRequest forwards down.
func (b *BaseLayer) SendRequest(ex *exchange.Exchange, req *message.Request) {
	b.lower.SendRequest(ex, req)
}

// SendResponse forwards down.
func (b *BaseLayer) SendResponse(ex *exchange.Exchange, resp *message.Response) {
	b.lower.SendResponse(ex, resp)
}

// SendEmpty forwards down.
func (b *BaseLayer) SendEmpty(ex *exchange.Exchange, msg *message.EmptyMessage) {
	b.lower.SendEmpty(ex, msg)
}

// ReceiveRequest forwards up.
func (b *BaseLayer) ReceiveRequest(ex *exchange.Exchange, req *message.Request) {
	b.upper.ReceiveRequest(ex, req)
}

// ReceiveResponse forwards up.
func (b *BaseLayer) ReceiveResponse(ex *exchange.Exchange, resp *message.Response) {
	b.upper.ReceiveResponse(ex, resp)
}

// ReceiveEmpty forwards up.
func (b *BaseLayer) ReceiveEmpty(ex *exchange.Exchange, msg *message.EmptyMessage) {
	b.upper.ReceiveEmpty(ex, msg)
}
