package endpoint

import (
	"github.com/benbjohnson/clock"
	"github.com/pion/logging"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
)

// UdpMatcher is the datagram variant: full MID handling with duplicate
// detection and strict correlation context checking.
type UdpMatcher struct {
	store        exchange.Store
	dedup        *exchange.Deduplicator
	observations exchange.ObservationStore
	clk          clock.Clock
	log          logging.LeveledLogger
}

// NewUdpMatcher creates the datagram matcher.
func NewUdpMatcher(config Config, observations exchange.ObservationStore) *UdpMatcher {
	m := &UdpMatcher{
		dedup:        exchange.NewDeduplicator(config.ExchangeLifetime),
		observations: observations,
		clk:          config.Clock,
	}
	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("matcher")
	}
	return m
}

// SetExchangeStore installs the store. Called before Start.
func (m *UdpMatcher) SetExchangeStore(store exchange.Store) {
	m.store = store
}

// Start launches the store's lifetime sweep.
func (m *UdpMatcher) Start() {
	m.store.Start()
}

// Stop halts the sweep.
func (m *UdpMatcher) Stop() {
	m.store.Stop()
}

// Clear drops all correlation state.
func (m *UdpMatcher) Clear() {
	m.store.Clear()
	m.dedup.Clear()
}

// SendRequest registers an outbound request under KeyToken and, for
// CON, KeyMID. A first registration hooks key removal onto exchange
// completion and binds a pending observation to the assigned token.
func (m *UdpMatcher) SendRequest(ex *exchange.Exchange, req *message.Request) error {
	first := len(req.Token) == 0 ||
		m.store.FindByToken(exchange.NewKeyToken(req.Token, ex.Peer())) != ex

	if err := m.store.RegisterOutboundRequest(ex); err != nil {
		return err
	}
	if !first {
		return nil
	}

	tokenKey := exchange.NewKeyToken(req.Token, ex.Peer())
	midKey := exchange.NewKeyMID(req.MID, ex.Peer())
	isCon := req.Type == message.TypeCon
	ex.OnComplete(func() {
		m.store.RemoveToken(tokenKey, ex)
		if isCon {
			m.store.RemoveMID(midKey, ex)
		}
	})

	return m.bindObservation(ex, req)
}

// bindObservation attaches a pending observation to the token the store
// assigned and registers it under its KeyURI.
func (m *UdpMatcher) bindObservation(ex *exchange.Exchange, req *message.Request) error {
	obs := ex.Observation()
	if obs == nil || obs.IsCanceled() {
		return nil
	}
	if len(obs.Token) == 0 {
		obs.Token = req.Token
	}

	uriKey := exchange.NewKeyURI(obs.URI, obs.Token)
	if err := m.store.RegisterURI(uriKey, ex); err != nil {
		return err
	}
	m.observations.Add(obs)
	ex.OnComplete(func() {
		m.store.RemoveURI(uriKey, ex)
	})
	return nil
}

// SendResponse assigns an MID to separate responses and registers
// confirmable ones for ACK/RST matching. Piggy-backed ACKs already
// carry the request's MID.
func (m *UdpMatcher) SendResponse(ex *exchange.Exchange, resp *message.Response) error {
	if resp.Type != message.TypeAck {
		m.store.AssignMID(&resp.Message)
	}

	if resp.Type == message.TypeCon {
		midKey := exchange.NewKeyMID(resp.MID, ex.Peer())
		if prev := m.store.RegisterMID(midKey, ex); prev != nil {
			return exchange.ErrDuplicateMID
		}
		ex.OnComplete(func() {
			m.store.RemoveMID(midKey, ex)
		})
	}

	// The response concludes the exchange unless more blocks or an
	// observe relation keep it alive.
	if m.responseConcludes(ex, resp) {
		ex.Complete()
	}
	return nil
}

// responseConcludes reports whether a remote-origin exchange is done
// after this response.
func (m *UdpMatcher) responseConcludes(ex *exchange.Exchange, resp *message.Response) bool {
	if ex.Origin() != exchange.OriginRemote {
		return false
	}
	if resp.Type == message.TypeCon {
		// Stays open until the ACK arrives.
		return false
	}
	if resp.Code == message.CodeContinue {
		return false
	}
	if b, ok := resp.Options.Block(message.OptionBlock2); ok && b.More {
		return false
	}
	if _, ok := resp.Options.Observe(); ok {
		return false
	}
	return ex.Observation() == nil
}

// SendEmpty registers outbound empty messages. RSTs and ACKs echo the
// peer's MID, so there is nothing to register; the hook exists for
// symmetry and logging.
func (m *UdpMatcher) SendEmpty(ex *exchange.Exchange, msg *message.EmptyMessage) {
	if m.log != nil {
		m.log.Tracef("sending %v MID=%d", msg.Type, msg.MID)
	}
}

// ReceiveRequest creates or finds the exchange for an inbound request.
// A KeyMID hit within the exchange lifetime flags the request as a
// duplicate of the already known exchange. Requests continuing a
// blockwise transfer re-attach to the ongoing exchange by token.
func (m *UdpMatcher) ReceiveRequest(req *message.Request) (*exchange.Exchange, error) {
	key := exchange.NewKeyMID(req.MID, req.Source)

	if prev := m.dedup.Find(key); prev != nil {
		if m.log != nil {
			m.log.Debugf("duplicate request %s", key)
		}
		req.SetDuplicate(true)
		return prev, nil
	}

	ex := exchange.New(exchange.OriginRemote, req, req.Source, m.clk.Now())

	_, hasBlock1 := req.Options.Block(message.OptionBlock1)
	_, hasBlock2 := req.Options.Block(message.OptionBlock2)
	if (hasBlock1 || hasBlock2) && len(req.Token) > 0 {
		tokenKey := exchange.NewKeyToken(req.Token, req.Source)
		if ongoing := m.store.FindByToken(tokenKey); ongoing != nil {
			// A follow-up block of an ongoing transfer keeps its exchange;
			// the new MID still lands in the duplicate detector.
			ongoing.SetRequest(req)
			m.dedup.FindPrevious(key, ongoing)
			return ongoing, nil
		}
		if err := m.store.RegisterOutboundRequestWithTokenOnly(ex); err == nil {
			ex.OnComplete(func() {
				m.store.RemoveToken(tokenKey, ex)
			})
		}
	}

	m.dedup.FindPrevious(key, ex)
	return ex, nil
}

// ReceiveResponse looks the exchange up by token and validates the
// correlation context: a response arriving under a session other than
// the one the request was sent on is treated as unmatched.
func (m *UdpMatcher) ReceiveResponse(resp *message.Response, ctx transport.EndpointContext) *exchange.Exchange {
	tokenKey := exchange.NewKeyToken(resp.Token, resp.Source)
	ex := m.store.FindByToken(tokenKey)
	if ex == nil {
		return nil
	}

	if exCtx := ex.Context(); !exCtx.IsZero() && !exCtx.Equal(ctx) {
		if m.log != nil {
			m.log.Warnf("rejecting response %s from different session", tokenKey)
		}
		return nil
	}

	// Remember the response MID so a retransmitted separate CON response
	// is recognized as a duplicate.
	if resp.Type == message.TypeCon || resp.Type == message.TypeNon {
		midKey := exchange.NewKeyMID(resp.MID, resp.Source)
		if prev := m.dedup.FindPrevious(midKey, ex); prev != nil {
			resp.SetDuplicate(true)
		}
	}

	return ex
}

// ReceiveEmpty matches ACK and RST against the MID table.
func (m *UdpMatcher) ReceiveEmpty(msg *message.EmptyMessage) *exchange.Exchange {
	key := exchange.NewKeyMID(msg.MID, msg.Source)
	ex := m.store.FindByMID(key)
	if ex == nil {
		if m.log != nil {
			m.log.Debugf("ignoring %v for unknown %s", msg.Type, key)
		}
		return nil
	}
	// The MID is consumed; further ACKs for it are ignored.
	m.store.RemoveMID(key, ex)
	return ex
}

// CancelObserve cancels the observation under the token and the
// exchange carrying it.
func (m *UdpMatcher) CancelObserve(token []byte) {
	obs := m.observations.Get(token)
	if obs == nil {
		return
	}
	obs.Cancel()
	m.observations.Remove(token)

	uriKey := exchange.NewKeyURI(obs.URI, obs.Token)
	if ex := m.store.FindByURI(uriKey); ex != nil {
		ex.Cancel()
	}
}

// Verify UdpMatcher implements Matcher.
var _ Matcher = (*UdpMatcher)(nil)
