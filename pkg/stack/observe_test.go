package stack

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
)

func TestObserveNotificationOrdering(t *testing.T) {
	mock := clock.NewMock()
	outbox := &recordingOutbox{}
	deliverer := &recordingDeliverer{}
	store := exchange.NewInMemoryObservationStore()

	var notified []uint32
	s := NewUDPStack(Config{
		Clock:            mock,
		Random:           zeroRandom{},
		ObservationStore: store,
		NotificationSink: func(req *message.Request, resp *message.Response) {
			seq, _ := resp.Options.Observe()
			notified = append(notified, seq)
		},
	}, outbox, inlineStage{})
	s.SetDeliverer(deliverer)

	// Observe GET for /temp with token 0x55.
	req := message.NewRequest(message.CodeGET)
	req.Type = message.TypeCon
	req.MID = 0x600
	req.Token = []byte{0x55}
	req.Destination = stackPeer()
	req.Options = req.Options.SetURIPath("/temp")
	req.Options = req.Options.AddUint(message.OptionObserve, message.ObserveRegister)
	ex := localExchange(req, mock.Now())

	s.SendRequest(ex, req)

	obs := ex.Observation()
	if obs == nil {
		t.Fatal("no observation recorded on exchange")
	}
	store.Add(obs)

	notify := func(seq uint32) {
		resp := message.NewResponse(message.CodeContent)
		resp.Type = message.TypeNon
		resp.Token = req.Token
		resp.Source = stackPeer()
		resp.Options = resp.Options.AddUint(message.OptionObserve, seq)
		s.ReceiveResponse(ex, resp)
	}

	// Sequence numbers 5, 7, 6: the 6 is stale and must be dropped.
	notify(5)
	notify(7)
	notify(6)

	if len(notified) != 2 || notified[0] != 5 || notified[1] != 7 {
		t.Errorf("notified sequences = %v, want [5 7]", notified)
	}
	if deliverer.responseCount() != 2 {
		t.Errorf("deliveries = %d, want 2", deliverer.responseCount())
	}
	if ex.IsComplete() {
		t.Error("observe exchange must stay open for further notifications")
	}
}

func TestObserveStaleAcceptedAfterFreshnessWindow(t *testing.T) {
	mock := clock.NewMock()
	outbox := &recordingOutbox{}
	deliverer := &recordingDeliverer{}
	store := exchange.NewInMemoryObservationStore()

	s := NewUDPStack(Config{
		Clock:            mock,
		Random:           zeroRandom{},
		ObservationStore: store,
	}, outbox, inlineStage{})
	s.SetDeliverer(deliverer)

	token := []byte{0x56}
	obs := &exchange.Observation{Token: token, URI: "/temp"}
	store.Add(obs)

	req := message.NewRequest(message.CodeGET)
	req.Token = token
	ex := localExchange(req, mock.Now())
	ex.SetObservation(obs)

	notify := func(seq uint32) {
		resp := message.NewResponse(message.CodeContent)
		resp.Type = message.TypeNon
		resp.Token = token
		resp.Source = stackPeer()
		resp.Options = resp.Options.AddUint(message.OptionObserve, seq)
		s.ReceiveResponse(ex, resp)
	}

	notify(10)
	notify(3) // stale
	if deliverer.responseCount() != 1 {
		t.Fatalf("deliveries = %d, want 1", deliverer.responseCount())
	}

	mock.Add(129 * time.Second)
	notify(3) // old number, but the freshness window passed
	if deliverer.responseCount() != 2 {
		t.Errorf("deliveries = %d, want 2 after freshness window", deliverer.responseCount())
	}
}

func TestObserveDeregisterRemovesObservation(t *testing.T) {
	mock := clock.NewMock()
	outbox := &recordingOutbox{}
	store := exchange.NewInMemoryObservationStore()

	s := NewUDPStack(Config{
		Clock:            mock,
		Random:           zeroRandom{},
		ObservationStore: store,
	}, outbox, inlineStage{})
	s.SetDeliverer(&recordingDeliverer{})

	token := []byte{0x57}
	store.Add(&exchange.Observation{Token: token, URI: "/temp"})

	dereg := message.NewRequest(message.CodeGET)
	dereg.Type = message.TypeCon
	dereg.MID = 0x700
	dereg.Token = token
	dereg.Destination = stackPeer()
	dereg.Options = dereg.Options.SetURIPath("/temp")
	dereg.Options = dereg.Options.AddUint(message.OptionObserve, message.ObserveDeregister)
	ex := localExchange(dereg, mock.Now())

	s.SendRequest(ex, dereg)

	if store.Get(token) != nil {
		t.Error("observation not removed on deregister")
	}
}
