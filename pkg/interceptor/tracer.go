// Package interceptor provides ready-made message interceptors: a
// logging tracer and a prometheus metrics collector. Register them on
// an endpoint with AddInterceptor; they observe every message crossing
// the endpoint and never modify delivery.
package interceptor

import (
	"encoding/hex"

	"github.com/pion/logging"

	"github.com/backkem/coap/pkg/endpoint"
	"github.com/backkem/coap/pkg/message"
)

// MessageTracer logs every inbound and outbound message. Tracing in the
// hot path costs; register the tracer only when debugging.
type MessageTracer struct {
	log logging.LeveledLogger
}

// NewMessageTracer creates a tracer logging through the factory.
func NewMessageTracer(loggerFactory logging.LoggerFactory) *MessageTracer {
	return &MessageTracer{log: loggerFactory.NewLogger("coap-trace")}
}

func (t *MessageTracer) trace(dir string, m *message.Message) {
	t.log.Infof("%s %v %s MID=%d token=%s payload=%dB",
		dir, m.Type, m.Code, m.MID, hex.EncodeToString(m.Token), len(m.Payload))
}

// SendRequest logs an outbound request.
func (t *MessageTracer) SendRequest(req *message.Request) {
	t.trace("-->", &req.Message)
}

// SendResponse logs an outbound response.
func (t *MessageTracer) SendResponse(resp *message.Response) {
	t.trace("-->", &resp.Message)
}

// SendEmpty logs an outbound empty message.
func (t *MessageTracer) SendEmpty(msg *message.EmptyMessage) {
	t.trace("-->", &msg.Message)
}

// ReceiveRequest logs an inbound request.
func (t *MessageTracer) ReceiveRequest(req *message.Request) {
	t.trace("<--", &req.Message)
}

// ReceiveResponse logs an inbound response.
func (t *MessageTracer) ReceiveResponse(resp *message.Response) {
	t.trace("<--", &resp.Message)
}

// ReceiveEmpty logs an inbound empty message.
func (t *MessageTracer) ReceiveEmpty(msg *message.EmptyMessage) {
	t.trace("<--", &msg.Message)
}

// Verify MessageTracer implements MessageInterceptor.
var _ endpoint.MessageInterceptor = (*MessageTracer)(nil)
