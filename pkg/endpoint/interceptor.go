package endpoint

import (
	"github.com/backkem/coap/pkg/message"
)

// MessageInterceptor observes every message crossing the endpoint:
// outbound messages after matcher registration and before the codec,
// inbound messages after parsing and before matching. An interceptor
// may cancel a message; the endpoint checks the flag after every
// fan-out and short-circuits.
//
// Interceptors must not block; they run on the protocol stage. A panic
// in one interceptor is contained and logged, the remaining
// interceptors still run.
type MessageInterceptor interface {
	SendRequest(req *message.Request)
	SendResponse(resp *message.Response)
	SendEmpty(msg *message.EmptyMessage)

	ReceiveRequest(req *message.Request)
	ReceiveResponse(resp *message.Response)
	ReceiveEmpty(msg *message.EmptyMessage)
}

// EndpointObserver receives endpoint lifecycle callbacks. These have
// nothing to do with CoAP observe relations.
type EndpointObserver interface {
	Started(e *Endpoint)
	Stopped(e *Endpoint)
	Destroyed(e *Endpoint)
}

// NotificationListener receives every accepted observe notification,
// in addition to the message deliverer.
type NotificationListener interface {
	OnNotification(req *message.Request, resp *message.Response)
}
