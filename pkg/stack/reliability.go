package stack

import (
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
)

// RandomSource provides random values for retransmission jitter.
// Allows injection of deterministic sources for testing.
type RandomSource interface {
	// Float64 returns a random float64 in [0.0, 1.0).
	Float64() float64
}

// defaultRandomSource uses math/rand for production.
type defaultRandomSource struct{}

func (defaultRandomSource) Float64() float64 {
	return rand.Float64()
}

// DefaultRandomSource is the default random source using math/rand.
var DefaultRandomSource RandomSource = defaultRandomSource{}

// ReliabilityLayer implements the confirmable message machinery of
// RFC 7252 Section 4.2: retransmission with binary exponential backoff
// for outbound CONs, piggy-backed versus separate responses, and
// re-answering duplicate requests from the cached response.
//
// The layer only appears in the UDP stack; stream transports are
// reliable by themselves.
type ReliabilityLayer struct {
	BaseLayer

	ackTimeout      time.Duration
	ackRandomFactor float64
	maxRetransmit   int

	clk   clock.Clock
	rnd   RandomSource
	stage Stage
	log   logging.LeveledLogger
}

// NewReliabilityLayer creates the reliability layer. Timer callbacks
// re-enter the stack through the stage.
func NewReliabilityLayer(config Config, stage Stage) *ReliabilityLayer {
	l := &ReliabilityLayer{
		ackTimeout:      config.AckTimeout,
		ackRandomFactor: config.AckRandomFactor,
		maxRetransmit:   config.MaxRetransmit,
		clk:             config.Clock,
		rnd:             config.Random,
		stage:           stage,
	}
	if config.LoggerFactory != nil {
		l.log = config.LoggerFactory.NewLogger("reliability")
	}
	return l
}

// SendRequest arms retransmission for confirmable requests.
func (l *ReliabilityLayer) SendRequest(ex *exchange.Exchange, req *message.Request) {
	if req.Type == message.TypeCon {
		l.prepareRetransmission(ex, &req.Message, func() {
			l.lower.SendRequest(ex, req)
		})
	}
	l.lower.SendRequest(ex, req)
}

// SendResponse decides the response type and arms retransmission for
// confirmable responses. An unset type becomes a piggy-backed ACK when
// the request is a not-yet-acknowledged CON, a CON when the request was
// already acknowledged (separate response), and a NON otherwise.
func (l *ReliabilityLayer) SendResponse(ex *exchange.Exchange, resp *message.Response) {
	req := ex.Request()

	if resp.Type == message.TypeUnset {
		switch {
		case req != nil && req.Type == message.TypeCon && !req.IsAcknowledged():
			resp.Type = message.TypeAck
			resp.MID = req.MID
			req.SetAcknowledged(true)
		case req != nil && req.Type == message.TypeCon:
			resp.Type = message.TypeCon
		default:
			resp.Type = message.TypeNon
		}
	} else if resp.Type == message.TypeAck {
		// An explicit piggy-back carries the original request's MID.
		if req != nil {
			resp.MID = req.MID
			req.SetAcknowledged(true)
		}
	}

	if resp.Type == message.TypeCon {
		l.prepareRetransmission(ex, &resp.Message, func() {
			l.lower.SendResponse(ex, resp)
		})
	}
	l.lower.SendResponse(ex, resp)
}

// ReceiveRequest answers duplicates from the cached response instead of
// forwarding them up.
func (l *ReliabilityLayer) ReceiveRequest(ex *exchange.Exchange, req *message.Request) {
	if req.IsDuplicate() {
		if resp := ex.Response(); resp != nil {
			if l.log != nil {
				l.log.Debugf("re-sending cached response for duplicate request MID=%d", req.MID)
			}
			l.lower.SendResponse(ex, resp)
		} else if req.Type == message.TypeCon && req.IsAcknowledged() {
			// The separate-response ACK got lost; repeat it.
			l.lower.SendEmpty(ex, message.NewAckFor(&req.Message))
		}
		return
	}
	l.upper.ReceiveRequest(ex, req)
}

// ReceiveResponse disarms retransmission and acknowledges separate
// confirmable responses.
func (l *ReliabilityLayer) ReceiveResponse(ex *exchange.Exchange, resp *message.Response) {
	if req := ex.Request(); req != nil && resp.Type == message.TypeAck {
		req.SetAcknowledged(true)
	}
	ex.DisarmRetransmission()

	if resp.Type == message.TypeCon {
		l.lower.SendEmpty(ex, message.NewAckFor(&resp.Message))
	}
	if resp.IsDuplicate() {
		return
	}
	l.upper.ReceiveResponse(ex, resp)
}

// ReceiveEmpty applies ACK and RST to the outstanding message and
// disarms retransmission.
func (l *ReliabilityLayer) ReceiveEmpty(ex *exchange.Exchange, msg *message.EmptyMessage) {
	req := ex.Request()
	switch msg.Type {
	case message.TypeAck:
		if req != nil {
			req.SetAcknowledged(true)
		}
	case message.TypeRst:
		if req != nil {
			req.SetRejected(true)
		}
	}
	ex.DisarmRetransmission()

	if msg.Type == message.TypeRst {
		ex.Complete()
	}
	l.upper.ReceiveEmpty(ex, msg)
}

// prepareRetransmission arms the initial retransmission timer:
// ACK_TIMEOUT scaled by a uniform random factor in
// [1, ACK_RANDOM_FACTOR].
func (l *ReliabilityLayer) prepareRetransmission(ex *exchange.Exchange, m *message.Message, resend func()) {
	if ex.RetransmissionAttempt() > 0 {
		// Re-entry from a retransmission; the timer is managed in
		// onTimeout.
		return
	}
	scale := 1.0 + l.rnd.Float64()*(l.ackRandomFactor-1.0)
	timeout := time.Duration(float64(l.ackTimeout) * scale)
	ex.SetCurrentTimeout(timeout)
	l.armTimer(ex, m, resend, timeout)
}

// armTimer schedules the next timeout on the clock and re-enters the
// protocol stage when it fires.
func (l *ReliabilityLayer) armTimer(ex *exchange.Exchange, m *message.Message, resend func(), timeout time.Duration) {
	timer := l.clk.AfterFunc(timeout, func() {
		l.stage.Execute(func() {
			l.onTimeout(ex, m, resend)
		})
	})
	ex.SetRetransmissionHandle(func() { timer.Stop() })
}

// onTimeout retransmits or gives up.
func (l *ReliabilityLayer) onTimeout(ex *exchange.Exchange, m *message.Message, resend func()) {
	if ex.IsComplete() || ex.IsCanceled() || m.IsCanceled() || m.IsAcknowledged() || m.IsRejected() {
		return
	}

	attempt := ex.RetransmissionAttempt() + 1
	if attempt > l.maxRetransmit {
		if l.log != nil {
			l.log.Warnf("giving up on MID=%d after %d retransmissions", m.MID, l.maxRetransmit)
		}
		if req := ex.Request(); req != nil {
			req.SetTimedOut()
		}
		ex.Complete()
		return
	}

	ex.SetRetransmissionAttempt(attempt)
	timeout := ex.CurrentTimeout() * 2
	ex.SetCurrentTimeout(timeout)

	if l.log != nil {
		l.log.Debugf("retransmission %d of MID=%d, next timeout %v", attempt, m.MID, timeout)
	}
	resend()
	l.armTimer(ex, m, resend, timeout)
}
