package stack

import (
	"github.com/benbjohnson/clock"
	"github.com/pion/logging"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
)

// ObserveLayer implements the client side of RFC 7641: it tracks
// observe registrations, enforces notification ordering and fans
// accepted notifications out to the notification listeners.
type ObserveLayer struct {
	BaseLayer

	store  exchange.ObservationStore
	notify func(req *message.Request, resp *message.Response)
	clk    clock.Clock
	log    logging.LeveledLogger
}

// NewObserveLayer creates the observe layer.
func NewObserveLayer(config Config) *ObserveLayer {
	l := &ObserveLayer{
		store:  config.ObservationStore,
		notify: config.NotificationSink,
		clk:    config.Clock,
	}
	if config.LoggerFactory != nil {
		l.log = config.LoggerFactory.NewLogger("observe")
	}
	return l
}

// SendRequest records a pending observation for Observe=0 requests and
// removes the registration for Observe=1. The token may still be
// unassigned here; the outbox fills it in after the matcher bound one.
func (l *ObserveLayer) SendRequest(ex *exchange.Exchange, req *message.Request) {
	if seq, ok := req.Options.Observe(); ok {
		switch seq {
		case message.ObserveRegister:
			obs := &exchange.Observation{
				Token:   req.Token,
				URI:     req.Options.URIPath(),
				Request: req,
			}
			ex.SetObservation(obs)
		case message.ObserveDeregister:
			if prev := l.store.Get(req.Token); prev != nil {
				prev.Cancel()
				l.store.Remove(req.Token)
			}
		}
	}
	l.lower.SendRequest(ex, req)
}

// ReceiveResponse drops stale notifications, forwards fresh ones upward
// and then fans them out to the notification sink.
func (l *ObserveLayer) ReceiveResponse(ex *exchange.Exchange, resp *message.Response) {
	seq, isNotification := resp.Options.Observe()
	if !isNotification {
		l.upper.ReceiveResponse(ex, resp)
		return
	}

	obs := l.store.Get(resp.Token)
	if obs == nil {
		// A notification for an unknown registration still matched an
		// exchange by token; treat it as a plain response.
		l.upper.ReceiveResponse(ex, resp)
		return
	}

	if !obs.CheckFreshness(seq, l.clk.Now()) {
		if l.log != nil {
			l.log.Debugf("dropping stale notification seq=%d for %s", seq, obs.URI)
		}
		return
	}

	l.upper.ReceiveResponse(ex, resp)
	if l.notify != nil {
		l.notify(obs.Request, resp)
	}
}

// ReceiveEmpty cancels a server-side observe relation when the peer
// rejects a notification with RST.
func (l *ObserveLayer) ReceiveEmpty(ex *exchange.Exchange, msg *message.EmptyMessage) {
	if msg.Type == message.TypeRst {
		if obs := ex.Observation(); obs != nil {
			if l.log != nil {
				l.log.Debugf("observe relation for %s canceled by RST", obs.URI)
			}
			obs.Cancel()
			l.store.Remove(obs.Token)
		}
	}
	l.upper.ReceiveEmpty(ex, msg)
}
