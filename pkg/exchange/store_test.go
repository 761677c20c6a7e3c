package exchange

import (
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/backkem/coap/pkg/message"
)

func testPeer() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 5683}
}

func newTestStore(clk clock.Clock) *InMemoryStore {
	return NewInMemoryStore(StoreConfig{
		ExchangeLifetime: 247 * time.Second,
		SweepInterval:    time.Second,
		Clock:            clk,
	})
}

func TestAssignMIDWraps(t *testing.T) {
	s := newTestStore(nil)
	s.midCounter = 0xFFFF

	m1 := &message.Message{Type: message.TypeCon, Code: message.CodeGET, MID: message.NoMID}
	m2 := &message.Message{Type: message.TypeCon, Code: message.CodeGET, MID: message.NoMID}
	s.AssignMID(m1)
	s.AssignMID(m2)

	if m1.MID != 0xFFFF {
		t.Errorf("first MID = %#x, want 0xFFFF", m1.MID)
	}
	if m2.MID != 0 {
		t.Errorf("second MID = %#x, want 0 after wrap", m2.MID)
	}
}

func TestAssignMIDKeepsExisting(t *testing.T) {
	s := newTestStore(nil)
	m := &message.Message{Type: message.TypeCon, Code: message.CodeGET, MID: 0x1234}
	s.AssignMID(m)
	if m.MID != 0x1234 {
		t.Errorf("MID = %#x, want unchanged 0x1234", m.MID)
	}
}

func TestRegisterOutboundRequest(t *testing.T) {
	s := newTestStore(nil)
	req := message.NewRequest(message.CodeGET)
	req.Type = message.TypeCon
	ex := New(OriginLocal, req, testPeer(), time.Now())

	if err := s.RegisterOutboundRequest(ex); err != nil {
		t.Fatalf("RegisterOutboundRequest failed: %v", err)
	}
	if !req.HasMID() {
		t.Error("MID not assigned")
	}
	if len(req.Token) == 0 {
		t.Error("token not generated")
	}

	if got := s.FindByToken(NewKeyToken(req.Token, ex.Peer())); got != ex {
		t.Error("exchange not found by token")
	}
	if got := s.FindByMID(NewKeyMID(req.MID, ex.Peer())); got != ex {
		t.Error("CON exchange not found by MID")
	}

	// Registration is idempotent for the same exchange (retransmissions).
	if err := s.RegisterOutboundRequest(ex); err != nil {
		t.Fatalf("re-registration failed: %v", err)
	}
}

func TestRegisterOutboundRequestNonSkipsMIDTable(t *testing.T) {
	s := newTestStore(nil)
	req := message.NewRequest(message.CodeGET)
	req.Type = message.TypeNon
	ex := New(OriginLocal, req, testPeer(), time.Now())

	if err := s.RegisterOutboundRequest(ex); err != nil {
		t.Fatalf("RegisterOutboundRequest failed: %v", err)
	}
	if got := s.FindByMID(NewKeyMID(req.MID, ex.Peer())); got != nil {
		t.Error("NON request must not occupy the MID table")
	}
}

func TestDuplicateTokenRejected(t *testing.T) {
	s := newTestStore(nil)

	req1 := message.NewRequest(message.CodeGET)
	req1.Type = message.TypeCon
	req1.Token = []byte{0xAB}
	ex1 := New(OriginLocal, req1, testPeer(), time.Now())
	if err := s.RegisterOutboundRequest(ex1); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}

	req2 := message.NewRequest(message.CodeGET)
	req2.Type = message.TypeCon
	req2.Token = []byte{0xAB}
	ex2 := New(OriginLocal, req2, testPeer(), time.Now())
	if err := s.RegisterOutboundRequest(ex2); err != ErrDuplicateToken {
		t.Fatalf("err = %v, want ErrDuplicateToken", err)
	}
}

func TestRemoveOnlyMatchingExchange(t *testing.T) {
	s := newTestStore(nil)
	req := message.NewRequest(message.CodeGET)
	req.Type = message.TypeCon
	req.Token = []byte{1}
	ex := New(OriginLocal, req, testPeer(), time.Now())
	if err := s.RegisterOutboundRequest(ex); err != nil {
		t.Fatalf("registration failed: %v", err)
	}

	key := NewKeyToken(req.Token, ex.Peer())
	other := New(OriginLocal, req, testPeer(), time.Now())
	s.RemoveToken(key, other)
	if s.FindByToken(key) != ex {
		t.Error("RemoveToken removed a different exchange's binding")
	}
	s.RemoveToken(key, ex)
	if s.FindByToken(key) != nil {
		t.Error("binding not removed")
	}
}

func TestSweepEvictsExpiredExchanges(t *testing.T) {
	mock := clock.NewMock()
	s := newTestStore(mock)
	s.Start()
	defer s.Stop()

	req := message.NewRequest(message.CodeGET)
	req.Type = message.TypeCon
	ex := New(OriginLocal, req, testPeer(), mock.Now())
	if err := s.RegisterOutboundRequest(ex); err != nil {
		t.Fatalf("registration failed: %v", err)
	}

	completed := make(chan struct{})
	ex.OnComplete(func() {
		s.RemoveToken(NewKeyToken(req.Token, ex.Peer()), ex)
		s.RemoveMID(NewKeyMID(req.MID, ex.Peer()), ex)
		close(completed)
	})

	// Let the sweep goroutine arm its ticker before advancing the clock.
	time.Sleep(50 * time.Millisecond)
	mock.Add(248 * time.Second)

	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("exchange not evicted after lifetime")
	}
	if s.FindByToken(NewKeyToken(req.Token, ex.Peer())) != nil {
		t.Error("token binding survived eviction")
	}
}

func TestSweepSparesObserveExchanges(t *testing.T) {
	mock := clock.NewMock()
	s := newTestStore(mock)
	s.Start()
	defer s.Stop()

	req := message.NewRequest(message.CodeGET)
	req.Type = message.TypeCon
	ex := New(OriginLocal, req, testPeer(), mock.Now())
	ex.SetObservation(&Observation{Token: []byte{0x55}, URI: "/temp"})
	if err := s.RegisterOutboundRequest(ex); err != nil {
		t.Fatalf("registration failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	mock.Add(500 * time.Second)
	time.Sleep(50 * time.Millisecond)

	if ex.IsComplete() {
		t.Error("observe-bearing exchange must not be evicted while active")
	}

	ex.Observation().Cancel()
	mock.Add(2 * time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for !ex.IsComplete() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !ex.IsComplete() {
		t.Error("exchange not evicted after observation canceled")
	}
}

func TestRegisterURICollision(t *testing.T) {
	s := newTestStore(nil)
	ex1 := New(OriginLocal, message.NewRequest(message.CodeGET), testPeer(), time.Now())
	ex2 := New(OriginLocal, message.NewRequest(message.CodeGET), testPeer(), time.Now())

	key := NewKeyURI("/temp", []byte{0x55})
	if err := s.RegisterURI(key, ex1); err != nil {
		t.Fatalf("first RegisterURI failed: %v", err)
	}
	if err := s.RegisterURI(key, ex2); err != ErrDuplicateToken {
		t.Fatalf("err = %v, want ErrDuplicateToken", err)
	}

	// Same token under a different URI is allowed.
	if err := s.RegisterURI(NewKeyURI("/other", []byte{0x55}), ex2); err != nil {
		t.Fatalf("distinct KeyURI rejected: %v", err)
	}
}
