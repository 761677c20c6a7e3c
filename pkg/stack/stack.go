package stack

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
)

// Config carries the protocol parameters the layers need. The endpoint
// fills it from its own configuration.
type Config struct {
	// AckTimeout is the initial retransmission timeout. Default 2s.
	AckTimeout time.Duration

	// AckRandomFactor scales the initial timeout by a uniform random
	// factor in [1, AckRandomFactor]. Default 1.5.
	AckRandomFactor float64

	// MaxRetransmit is the number of retransmissions before a
	// confirmable message times out. Default 4.
	MaxRetransmit int

	// PreferredBlockSize is the block size offered for blockwise
	// transfers. Default 1024.
	PreferredBlockSize int

	// MaxMessageSize is the payload size above which outbound bodies are
	// sent blockwise. Default 1024.
	MaxMessageSize int

	// MaxResourceBodySize caps reassembled bodies. Oversize transfers
	// are answered with 4.13. Default 8192.
	MaxResourceBodySize int

	// ObservationStore keeps observe registrations. Required for the
	// observe layer.
	ObservationStore exchange.ObservationStore

	// NotificationSink receives every accepted observe notification in
	// addition to the deliverer. May be nil.
	NotificationSink func(req *message.Request, resp *message.Response)

	// Clock drives the retransmission timers and the observe freshness
	// window; nil uses the wall clock.
	Clock clock.Clock

	// Random supplies the retransmission jitter; nil uses math/rand.
	Random RandomSource

	// LoggerFactory creates the layers' loggers. Nil disables logging.
	LoggerFactory logging.LoggerFactory
}

// applyDefaults fills in RFC 7252 defaults for unset fields.
func (c *Config) applyDefaults() {
	if c.AckTimeout <= 0 {
		c.AckTimeout = 2 * time.Second
	}
	if c.AckRandomFactor < 1 {
		c.AckRandomFactor = 1.5
	}
	if c.MaxRetransmit <= 0 {
		c.MaxRetransmit = 4
	}
	if c.PreferredBlockSize <= 0 {
		c.PreferredBlockSize = 1024
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1024
	}
	if c.MaxResourceBodySize <= 0 {
		c.MaxResourceBodySize = 8192
	}
	if c.ObservationStore == nil {
		c.ObservationStore = exchange.NewInMemoryObservationStore()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Random == nil {
		c.Random = DefaultRandomSource
	}
}

// Stack is the assembled layer chain of one endpoint.
type Stack struct {
	top    *topLayer
	bottom *outboxLayer
}

// NewUDPStack assembles the datagram variant: observe over blockwise
// over reliability.
func NewUDPStack(config Config, outbox Outbox, stage Stage) *Stack {
	config.applyDefaults()
	return assemble(outbox, []Layer{
		NewObserveLayer(config),
		NewBlockwiseLayer(config),
		NewReliabilityLayer(config, stage),
	})
}

// NewTCPStack assembles the stream variant: observe over blockwise. The
// transport is reliable, so there is no reliability layer.
func NewTCPStack(config Config, outbox Outbox, stage Stage) *Stack {
	config.applyDefaults()
	_ = stage
	return assemble(outbox, []Layer{
		NewObserveLayer(config),
		NewBlockwiseLayer(config),
	})
}

// assemble chains top adapter, protocol layers and outbox adapter.
func assemble(outbox Outbox, layers []Layer) *Stack {
	s := &Stack{
		top:    &topLayer{},
		bottom: &outboxLayer{outbox: outbox},
	}

	chain := make([]Layer, 0, len(layers)+2)
	chain = append(chain, s.top)
	chain = append(chain, layers...)
	chain = append(chain, s.bottom)

	for i := 0; i < len(chain)-1; i++ {
		chain[i].setLower(chain[i+1])
		chain[i+1].setUpper(chain[i])
	}
	return s
}

// SetDeliverer installs the consumer for messages leaving the stack top.
func (s *Stack) SetDeliverer(deliverer MessageDeliverer) {
	s.top.setDeliverer(deliverer)
}

// HasDeliverer reports whether a deliverer is installed.
func (s *Stack) HasDeliverer() bool {
	return s.top.deliverer() != nil
}

// SendRequest enters the stack at the top on the send side.
func (s *Stack) SendRequest(ex *exchange.Exchange, req *message.Request) {
	s.top.SendRequest(ex, req)
}

// SendResponse enters the stack at the top on the send side.
func (s *Stack) SendResponse(ex *exchange.Exchange, resp *message.Response) {
	s.top.SendResponse(ex, resp)
}

// SendEmpty enters the stack at the top on the send side.
func (s *Stack) SendEmpty(ex *exchange.Exchange, msg *message.EmptyMessage) {
	s.top.SendEmpty(ex, msg)
}

// ReceiveRequest enters the stack at the bottom on the receive side:
// the outbox adapter forwards upward through reliability, blockwise and
// observe.
func (s *Stack) ReceiveRequest(ex *exchange.Exchange, req *message.Request) {
	s.bottom.ReceiveRequest(ex, req)
}

// ReceiveResponse enters the stack at the bottom on the receive side.
func (s *Stack) ReceiveResponse(ex *exchange.Exchange, resp *message.Response) {
	s.bottom.ReceiveResponse(ex, resp)
}

// ReceiveEmpty enters the stack at the bottom on the receive side.
func (s *Stack) ReceiveEmpty(ex *exchange.Exchange, msg *message.EmptyMessage) {
	s.bottom.ReceiveEmpty(ex, msg)
}

// topLayer connects the stack to the message deliverer.
type topLayer struct {
	BaseLayer

	mu  sync.Mutex
	del MessageDeliverer
}

func (t *topLayer) setDeliverer(d MessageDeliverer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.del = d
}

func (t *topLayer) deliverer() MessageDeliverer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.del
}

// SendRequest records the request on the exchange before descending.
func (t *topLayer) SendRequest(ex *exchange.Exchange, req *message.Request) {
	ex.SetRequest(req)
	t.lower.SendRequest(ex, req)
}

// SendResponse records the response on the exchange before descending.
func (t *topLayer) SendResponse(ex *exchange.Exchange, resp *message.Response) {
	ex.SetResponse(resp)
	t.lower.SendResponse(ex, resp)
}

// ReceiveRequest hands an assembled request to the deliverer.
func (t *topLayer) ReceiveRequest(ex *exchange.Exchange, req *message.Request) {
	if d := t.deliverer(); d != nil {
		d.DeliverRequest(ex, req)
	}
}

// ReceiveResponse hands a matched response to the deliverer and
// completes non-observing exchanges.
func (t *topLayer) ReceiveResponse(ex *exchange.Exchange, resp *message.Response) {
	if d := t.deliverer(); d != nil {
		d.DeliverResponse(ex, resp)
	}
	if ex.Observation() == nil {
		ex.Complete()
	}
}

// ReceiveEmpty consumes ACK and RST information; the reliability layer
// already applied it to the exchange.
func (t *topLayer) ReceiveEmpty(ex *exchange.Exchange, msg *message.EmptyMessage) {
}

// outboxLayer connects the stack bottom to the endpoint's outbox.
type outboxLayer struct {
	BaseLayer
	outbox Outbox
}

func (o *outboxLayer) SendRequest(ex *exchange.Exchange, req *message.Request) {
	o.outbox.SendRequest(ex, req)
}

func (o *outboxLayer) SendResponse(ex *exchange.Exchange, resp *message.Response) {
	o.outbox.SendResponse(ex, resp)
}

func (o *outboxLayer) SendEmpty(ex *exchange.Exchange, msg *message.EmptyMessage) {
	o.outbox.SendEmpty(ex, msg)
}
