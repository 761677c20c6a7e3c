package exchange

import (
	"sync"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
)

// freshnessWindow is the reordering window for observe sequence numbers
// (RFC 7641 Section 3.4): a notification older in sequence is still
// accepted if more than this much time passed since the freshest one.
const freshnessWindow = 128 * time.Second

// seqModulo is the observe sequence number space, 24 bits.
const seqModulo = 1 << 24

// Observation is the durable record of a remote resource being observed
// by this endpoint: enough to match notifications and to re-register
// after a restart if the store is persistent.
type Observation struct {
	// Token correlates notifications with the registration.
	Token []byte

	// URI is the observed resource.
	URI string

	// Request is the original observe request with its parameters.
	Request *message.Request

	// Context is the transport session the registration was sent on.
	Context transport.EndpointContext

	mu       sync.Mutex
	lastSeq  uint32
	lastTime time.Time
	hasSeq   bool
	canceled bool
}

// CheckFreshness applies the RFC 7641 ordering rule to an incoming
// notification: accept if the sequence number advanced (modulo 2^24
// within half the space) or if the freshness window has passed. Fresh
// notifications update the stored state; stale ones are reported false
// and leave it untouched.
func (o *Observation) CheckFreshness(seq uint32, now time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.hasSeq {
		o.lastSeq = seq
		o.lastTime = now
		o.hasSeq = true
		return true
	}

	delta := (seq - o.lastSeq + seqModulo) % seqModulo
	fresh := (delta > 0 && delta < seqModulo/2) || now.Sub(o.lastTime) > freshnessWindow
	if fresh {
		o.lastSeq = seq
		o.lastTime = now
	}
	return fresh
}

// Cancel marks the observation canceled.
func (o *Observation) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.canceled = true
}

// IsCanceled reports whether the observation was canceled.
func (o *Observation) IsCanceled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.canceled
}

// ObservationStore persists observe registrations. The default is
// in-memory; a persistent implementation lets observations survive
// endpoint restarts. All methods must be safe for concurrent use.
type ObservationStore interface {
	// Add stores a registration, replacing any previous one for the same
	// token.
	Add(o *Observation)

	// Get returns the registration for a token, or nil.
	Get(token []byte) *Observation

	// Remove deletes the registration for a token.
	Remove(token []byte)

	// SetContext updates the transport session of a registration after a
	// handshake completes.
	SetContext(token []byte, ctx transport.EndpointContext)
}

// InMemoryObservationStore is the default, non-persistent store.
type InMemoryObservationStore struct {
	mu           sync.Mutex
	observations map[string]*Observation
}

// NewInMemoryObservationStore creates an empty in-memory store.
func NewInMemoryObservationStore() *InMemoryObservationStore {
	return &InMemoryObservationStore{observations: make(map[string]*Observation)}
}

// Add stores a registration, replacing any previous one for the token.
func (s *InMemoryObservationStore) Add(o *Observation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observations[string(o.Token)] = o
}

// Get returns the registration for a token, or nil.
func (s *InMemoryObservationStore) Get(token []byte) *Observation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observations[string(token)]
}

// Remove deletes the registration for a token.
func (s *InMemoryObservationStore) Remove(token []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.observations, string(token))
}

// SetContext updates the transport session of a registration.
func (s *InMemoryObservationStore) SetContext(token []byte, ctx transport.EndpointContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.observations[string(token)]; ok {
		o.Context = ctx
	}
}

// Verify InMemoryObservationStore implements ObservationStore.
var _ ObservationStore = (*InMemoryObservationStore)(nil)
