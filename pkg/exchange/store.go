package exchange

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"

	"github.com/backkem/coap/pkg/message"
)

// tokenGenerationAttempts bounds the search for an unused random token.
const tokenGenerationAttempts = 10

// Store keeps the tables of in-flight exchanges. The matcher is its
// only writer; all calls happen on the protocol stage, the store's own
// lock makes it safe for a multi-threaded stage.
type Store interface {
	// Start launches the lifetime sweep.
	Start()

	// Stop halts the sweep. Tables survive a stop; Clear empties them.
	Stop()

	// AssignMID assigns the next message ID from the wrapping 16-bit
	// counter if the message has none yet.
	AssignMID(m *message.Message)

	// RegisterOutboundRequest binds a local request under its KeyToken
	// and, for confirmable requests, its KeyMID. A missing MID is
	// assigned, a missing token generated. Idempotent for the same
	// exchange, so retransmissions re-register safely.
	RegisterOutboundRequest(ex *Exchange) error

	// RegisterOutboundRequestWithTokenOnly is the stream-transport
	// variant: token binding only, no MID table.
	RegisterOutboundRequestWithTokenOnly(ex *Exchange) error

	// RegisterMID binds an exchange under a KeyMID, returning the
	// previously bound exchange if the key is taken by another live one.
	RegisterMID(key KeyMID, ex *Exchange) *Exchange

	// RegisterURI binds an observe registration under its KeyURI.
	// Returns ErrDuplicateToken if another exchange holds the key.
	RegisterURI(key KeyURI, ex *Exchange) error

	// FindByMID returns the exchange bound under the key, or nil.
	FindByMID(key KeyMID) *Exchange

	// FindByToken returns the exchange bound under the key, or nil.
	FindByToken(key KeyToken) *Exchange

	// FindByURI returns the exchange bound under the key, or nil.
	FindByURI(key KeyURI) *Exchange

	// RemoveMID unbinds the key if it maps to the given exchange.
	RemoveMID(key KeyMID, ex *Exchange)

	// RemoveToken unbinds the key if it maps to the given exchange.
	RemoveToken(key KeyToken, ex *Exchange)

	// RemoveURI unbinds the key if it maps to the given exchange.
	RemoveURI(key KeyURI, ex *Exchange)

	// Clear empties all tables.
	Clear()
}

// StoreConfig configures the in-memory store.
type StoreConfig struct {
	// ExchangeLifetime is the eviction age for exchanges that never
	// completed. Default 247s (RFC 7252 EXCHANGE_LIFETIME).
	ExchangeLifetime time.Duration

	// SweepInterval is how often the eviction scan runs. Default
	// ExchangeLifetime / 2.
	SweepInterval time.Duration

	// TokenSizeLimit is the generated token length in bytes. Default 8.
	TokenSizeLimit int

	// Clock drives the sweep; nil uses the wall clock.
	Clock clock.Clock

	// LoggerFactory creates the store's logger. Nil disables logging.
	LoggerFactory logging.LoggerFactory
}

// InMemoryStore is the default exchange store.
type InMemoryStore struct {
	config StoreConfig
	clk    clock.Clock
	log    logging.LeveledLogger

	mu         sync.Mutex
	byMID      map[KeyMID]*Exchange
	byToken    map[KeyToken]*Exchange
	byURI      map[KeyURI]*Exchange
	midCounter uint16
	running    bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// NewInMemoryStore creates an empty store. The MID counter starts at a
// random position so restarts do not replay recent MIDs.
func NewInMemoryStore(config StoreConfig) *InMemoryStore {
	if config.ExchangeLifetime <= 0 {
		config.ExchangeLifetime = 247 * time.Second
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = config.ExchangeLifetime / 2
	}
	if config.TokenSizeLimit <= 0 || config.TokenSizeLimit > message.MaxTokenLength {
		config.TokenSizeLimit = message.MaxTokenLength
	}

	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}

	s := &InMemoryStore{
		config:  config,
		clk:     clk,
		byMID:   make(map[KeyMID]*Exchange),
		byToken: make(map[KeyToken]*Exchange),
		byURI:   make(map[KeyURI]*Exchange),
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("exchange-store")
	}

	var seed [2]byte
	if _, err := rand.Read(seed[:]); err == nil {
		s.midCounter = binary.BigEndian.Uint16(seed[:])
	}
	return s
}

// Start launches the lifetime sweep.
func (s *InMemoryStore) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.sweepLoop(stopCh)
}

// Stop halts the sweep.
func (s *InMemoryStore) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()
	s.wg.Wait()
}

// AssignMID assigns the next MID if the message has none.
func (s *InMemoryStore) AssignMID(m *message.Message) {
	if m.HasMID() {
		return
	}
	s.mu.Lock()
	m.MID = int(s.midCounter)
	s.midCounter++ // wraps at 2^16
	s.mu.Unlock()
}

// RegisterOutboundRequest binds a local request under KeyToken and, for
// CON, KeyMID.
func (s *InMemoryStore) RegisterOutboundRequest(ex *Exchange) error {
	if err := s.registerToken(ex); err != nil {
		return err
	}

	req := ex.Request()
	s.AssignMID(&req.Message)
	if req.Type != message.TypeCon {
		return nil
	}

	key := NewKeyMID(req.MID, ex.Peer())
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.byMID[key]; ok && prev != ex {
		return ErrDuplicateMID
	}
	s.byMID[key] = ex
	return nil
}

// RegisterOutboundRequestWithTokenOnly binds a local request under its
// KeyToken only.
func (s *InMemoryStore) RegisterOutboundRequestWithTokenOnly(ex *Exchange) error {
	return s.registerToken(ex)
}

// registerToken generates a token if needed and binds the KeyToken.
func (s *InMemoryStore) registerToken(ex *Exchange) error {
	req := ex.Request()

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(req.Token) == 0 {
		token, err := s.generateTokenLocked(ex.Peer())
		if err != nil {
			return err
		}
		req.Token = token
	}

	key := NewKeyToken(req.Token, ex.Peer())
	if prev, ok := s.byToken[key]; ok && prev != ex {
		// Token reuse while another exchange is outstanding is rejected,
		// not silently replaced.
		return ErrDuplicateToken
	}
	s.byToken[key] = ex
	return nil
}

// generateTokenLocked draws random tokens until one is unused for the
// peer. Caller holds s.mu.
func (s *InMemoryStore) generateTokenLocked(peer net.Addr) ([]byte, error) {
	for i := 0; i < tokenGenerationAttempts; i++ {
		token := make([]byte, s.config.TokenSizeLimit)
		if _, err := rand.Read(token); err != nil {
			return nil, err
		}
		if _, ok := s.byToken[NewKeyToken(token, peer)]; !ok {
			return token, nil
		}
	}
	return nil, ErrTokenGeneration
}

// RegisterMID binds an exchange under a KeyMID.
func (s *InMemoryStore) RegisterMID(key KeyMID, ex *Exchange) *Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.byMID[key]; ok && prev != ex {
		return prev
	}
	s.byMID[key] = ex
	return nil
}

// RegisterURI binds an observe registration under its KeyURI.
func (s *InMemoryStore) RegisterURI(key KeyURI, ex *Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.byURI[key]; ok && prev != ex {
		return ErrDuplicateToken
	}
	s.byURI[key] = ex
	return nil
}

// FindByMID returns the exchange bound under the key, or nil.
func (s *InMemoryStore) FindByMID(key KeyMID) *Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byMID[key]
}

// FindByToken returns the exchange bound under the key, or nil.
func (s *InMemoryStore) FindByToken(key KeyToken) *Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byToken[key]
}

// FindByURI returns the exchange bound under the key, or nil.
func (s *InMemoryStore) FindByURI(key KeyURI) *Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byURI[key]
}

// RemoveMID unbinds the key if it maps to the given exchange.
func (s *InMemoryStore) RemoveMID(key KeyMID, ex *Exchange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byMID[key] == ex {
		delete(s.byMID, key)
	}
}

// RemoveToken unbinds the key if it maps to the given exchange.
func (s *InMemoryStore) RemoveToken(key KeyToken, ex *Exchange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byToken[key] == ex {
		delete(s.byToken, key)
	}
}

// RemoveURI unbinds the key if it maps to the given exchange.
func (s *InMemoryStore) RemoveURI(key KeyURI, ex *Exchange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byURI[key] == ex {
		delete(s.byURI, key)
	}
}

// Clear empties all tables.
func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byMID = make(map[KeyMID]*Exchange)
	s.byToken = make(map[KeyToken]*Exchange)
	s.byURI = make(map[KeyURI]*Exchange)
}

// sweepLoop periodically evicts exchanges past their lifetime.
func (s *InMemoryStore) sweepLoop(stopCh chan struct{}) {
	defer s.wg.Done()

	ticker := s.clk.Ticker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep completes exchanges older than the exchange lifetime.
// Observe-bearing exchanges stay until their observation is canceled.
func (s *InMemoryStore) sweep() {
	deadline := s.clk.Now().Add(-s.config.ExchangeLifetime)

	s.mu.Lock()
	var expired []*Exchange
	seen := make(map[*Exchange]bool)
	collect := func(ex *Exchange) {
		if seen[ex] || !ex.Timestamp().Before(deadline) {
			return
		}
		if obs := ex.Observation(); obs != nil && !obs.IsCanceled() {
			return
		}
		seen[ex] = true
		expired = append(expired, ex)
	}
	for _, ex := range s.byToken {
		collect(ex)
	}
	for _, ex := range s.byMID {
		collect(ex)
	}
	s.mu.Unlock()

	// Complete outside the lock: completion callbacks re-enter the store
	// to remove their keys.
	for _, ex := range expired {
		if s.log != nil {
			s.log.Debugf("evicting exchange with %v after lifetime", ex.Peer())
		}
		ex.Complete()
	}
}

// Verify InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)
