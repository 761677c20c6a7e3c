package interceptor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/backkem/coap/pkg/endpoint"
	"github.com/backkem/coap/pkg/message"
)

// Metrics counts messages crossing an endpoint, labeled by direction
// (send/receive) and kind (request/response/empty), plus a per-type
// counter for the four CoAP message types.
type Metrics struct {
	messages *prometheus.CounterVec
	types    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with the given
// registerer. Pass prometheus.DefaultRegisterer for the default.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coap",
			Subsystem: "endpoint",
			Name:      "messages_total",
			Help:      "Messages crossing the endpoint by direction and kind.",
		}, []string{"direction", "kind"}),
		types: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coap",
			Subsystem: "endpoint",
			Name:      "message_types_total",
			Help:      "Messages crossing the endpoint by direction and CoAP type.",
		}, []string{"direction", "type"}),
	}

	if reg != nil {
		if err := reg.Register(m.messages); err != nil {
			return nil, err
		}
		if err := reg.Register(m.types); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) count(direction, kind string, msg *message.Message) {
	m.messages.WithLabelValues(direction, kind).Inc()
	m.types.WithLabelValues(direction, msg.Type.String()).Inc()
}

// SendRequest counts an outbound request.
func (m *Metrics) SendRequest(req *message.Request) {
	m.count("send", "request", &req.Message)
}

// SendResponse counts an outbound response.
func (m *Metrics) SendResponse(resp *message.Response) {
	m.count("send", "response", &resp.Message)
}

// SendEmpty counts an outbound empty message.
func (m *Metrics) SendEmpty(msg *message.EmptyMessage) {
	m.count("send", "empty", &msg.Message)
}

// ReceiveRequest counts an inbound request.
func (m *Metrics) ReceiveRequest(req *message.Request) {
	m.count("receive", "request", &req.Message)
}

// ReceiveResponse counts an inbound response.
func (m *Metrics) ReceiveResponse(resp *message.Response) {
	m.count("receive", "response", &resp.Message)
}

// ReceiveEmpty counts an inbound empty message.
func (m *Metrics) ReceiveEmpty(msg *message.EmptyMessage) {
	m.count("receive", "empty", &msg.Message)
}

// Verify Metrics implements MessageInterceptor.
var _ endpoint.MessageInterceptor = (*Metrics)(nil)
