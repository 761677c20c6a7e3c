package endpoint

import (
	"github.com/benbjohnson/clock"
	"github.com/pion/logging"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
)

// TcpMatcher is the stream variant: correlation by token only. The
// transport already guarantees delivery and ordering, so there is no
// MID table, no duplicate detection and no RST for unmatched responses.
type TcpMatcher struct {
	store        exchange.Store
	observations exchange.ObservationStore
	clk          clock.Clock
	log          logging.LeveledLogger
}

// NewTcpMatcher creates the stream matcher.
func NewTcpMatcher(config Config, observations exchange.ObservationStore) *TcpMatcher {
	m := &TcpMatcher{
		observations: observations,
		clk:          config.Clock,
	}
	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("matcher")
	}
	return m
}

// SetExchangeStore installs the store. Called before Start.
func (m *TcpMatcher) SetExchangeStore(store exchange.Store) {
	m.store = store
}

// Start launches the store's lifetime sweep.
func (m *TcpMatcher) Start() {
	m.store.Start()
}

// Stop halts the sweep.
func (m *TcpMatcher) Stop() {
	m.store.Stop()
}

// Clear drops all correlation state.
func (m *TcpMatcher) Clear() {
	m.store.Clear()
}

// SendRequest registers an outbound request under its KeyToken.
func (m *TcpMatcher) SendRequest(ex *exchange.Exchange, req *message.Request) error {
	first := len(req.Token) == 0 ||
		m.store.FindByToken(exchange.NewKeyToken(req.Token, ex.Peer())) != ex

	if err := m.store.RegisterOutboundRequestWithTokenOnly(ex); err != nil {
		return err
	}
	if !first {
		return nil
	}

	tokenKey := exchange.NewKeyToken(req.Token, ex.Peer())
	ex.OnComplete(func() {
		m.store.RemoveToken(tokenKey, ex)
	})

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

// SendResponse completes remote exchanges once their final response is
// out; the stream needs no MID bookkeeping.
func (m *TcpMatcher) SendResponse(ex *exchange.Exchange, resp *message.Response) error {
	if ex.Origin() != exchange.OriginRemote {
		return nil
	}
	if resp.Code == message.CodeContinue {
		return nil
	}
	if b, ok := resp.Options.Block(message.OptionBlock2); ok && b.More {
		return nil
	}
	if _, ok := resp.Options.Observe(); ok {
		return nil
	}
	if ex.Observation() == nil {
		ex.Complete()
	}
	return nil
}

// SendEmpty is a no-op for streams.
func (m *TcpMatcher) SendEmpty(ex *exchange.Exchange, msg *message.EmptyMessage) {
}

// ReceiveRequest creates the exchange for an inbound request. Blockwise
// follow-ups re-attach by token, everything else gets a fresh exchange.
func (m *TcpMatcher) ReceiveRequest(req *message.Request) (*exchange.Exchange, error) {
	_, hasBlock1 := req.Options.Block(message.OptionBlock1)
	_, hasBlock2 := req.Options.Block(message.OptionBlock2)
	if (hasBlock1 || hasBlock2) && len(req.Token) > 0 {
		tokenKey := exchange.NewKeyToken(req.Token, req.Source)
		if ongoing := m.store.FindByToken(tokenKey); ongoing != nil {
			ongoing.SetRequest(req)
			return ongoing, nil
		}
	}

	ex := exchange.New(exchange.OriginRemote, req, req.Source, m.clk.Now())

	if (hasBlock1 || hasBlock2) && len(req.Token) > 0 {
		tokenKey := exchange.NewKeyToken(req.Token, req.Source)
		if err := m.store.RegisterOutboundRequestWithTokenOnly(ex); err == nil {
			ex.OnComplete(func() {
				m.store.RemoveToken(tokenKey, ex)
			})
		}
	}
	return ex, nil
}

// ReceiveResponse looks the exchange up by token and validates the
// correlation context of the carrying connection.
func (m *TcpMatcher) ReceiveResponse(resp *message.Response, ctx transport.EndpointContext) *exchange.Exchange {
	tokenKey := exchange.NewKeyToken(resp.Token, resp.Source)
	ex := m.store.FindByToken(tokenKey)
	if ex == nil {
		return nil
	}
	if exCtx := ex.Context(); !exCtx.IsZero() && !exCtx.Equal(ctx) {
		if m.log != nil {
			m.log.Warnf("rejecting response %s from different connection", tokenKey)
		}
		return nil
	}
	return ex
}

// ReceiveEmpty never matches: streams carry no MIDs.
func (m *TcpMatcher) ReceiveEmpty(msg *message.EmptyMessage) *exchange.Exchange {
	return nil
}

// CancelObserve cancels the observation under the token and the
// exchange carrying it.
func (m *TcpMatcher) CancelObserve(token []byte) {
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

// Verify TcpMatcher implements Matcher.
var _ Matcher = (*TcpMatcher)(nil)
