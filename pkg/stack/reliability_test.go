package stack

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/backkem/coap/pkg/message"
)

func newUDPTestStack(mock *clock.Mock) (*Stack, *recordingOutbox, *recordingDeliverer) {
	outbox := &recordingOutbox{}
	deliverer := &recordingDeliverer{}
	s := NewUDPStack(Config{
		Clock:  mock,
		Random: zeroRandom{},
	}, outbox, inlineStage{})
	s.SetDeliverer(deliverer)
	return s, outbox, deliverer
}

func TestReliabilityRetransmitsWithDoublingTimeout(t *testing.T) {
	mock := clock.NewMock()
	s, outbox, _ := newUDPTestStack(mock)

	req := message.NewRequest(message.CodeGET)
	req.Type = message.TypeCon
	req.MID = 0x1234
	req.Destination = stackPeer()
	ex := localExchange(req, mock.Now())

	s.SendRequest(ex, req)
	if outbox.requestCount() != 1 {
		t.Fatalf("initial sends = %d, want 1", outbox.requestCount())
	}

	// Without jitter the timeouts are exactly 2s, 4s, 8s, 16s.
	for i, step := range []time.Duration{2, 4, 8, 16} {
		mock.Add(step * time.Second)
		if got := outbox.requestCount(); got != i+2 {
			t.Fatalf("after timeout %d: sends = %d, want %d", i+1, got, i+2)
		}
	}

	// The fifth expiry gives up instead of sending again.
	mock.Add(32 * time.Second)
	if outbox.requestCount() != 5 {
		t.Errorf("sends after give-up = %d, want 5", outbox.requestCount())
	}
	if !req.IsTimedOut() {
		t.Error("request not marked timed out")
	}
	if !ex.IsComplete() {
		t.Error("exchange not completed after give-up")
	}
}

func TestReliabilityAckStopsRetransmission(t *testing.T) {
	mock := clock.NewMock()
	s, outbox, _ := newUDPTestStack(mock)

	req := message.NewRequest(message.CodeGET)
	req.Type = message.TypeCon
	req.MID = 0x10
	req.Destination = stackPeer()
	ex := localExchange(req, mock.Now())

	s.SendRequest(ex, req)

	ack := message.NewEmpty(message.TypeAck)
	ack.MID = req.MID
	s.ReceiveEmpty(ex, ack)

	if !req.IsAcknowledged() {
		t.Error("request not marked acknowledged")
	}

	mock.Add(time.Hour)
	if outbox.requestCount() != 1 {
		t.Errorf("sends after ACK = %d, want 1", outbox.requestCount())
	}
}

func TestReliabilityNonRequestHasNoTimer(t *testing.T) {
	mock := clock.NewMock()
	s, outbox, _ := newUDPTestStack(mock)

	req := message.NewRequest(message.CodeGET)
	req.Type = message.TypeNon
	req.Destination = stackPeer()
	ex := localExchange(req, mock.Now())

	s.SendRequest(ex, req)
	mock.Add(time.Hour)
	if outbox.requestCount() != 1 {
		t.Errorf("sends = %d, want 1 for NON", outbox.requestCount())
	}
}

func TestReliabilityPiggybacksResponseOnConRequest(t *testing.T) {
	mock := clock.NewMock()
	s, outbox, _ := newUDPTestStack(mock)

	req := message.NewRequest(message.CodeGET)
	req.Type = message.TypeCon
	req.MID = 0x0001
	req.Token = []byte{0x00}
	req.Source = stackPeer()
	ex := remoteExchange(req, mock.Now())

	resp := message.NewResponse(message.CodeContent)
	resp.Token = req.Token
	resp.Destination = stackPeer()
	resp.Payload = []byte("22.5 C")
	s.SendResponse(ex, resp)

	got := outbox.lastResponse()
	if got == nil {
		t.Fatal("no response sent")
	}
	if got.Type != message.TypeAck {
		t.Errorf("type = %v, want ACK (piggy-backed)", got.Type)
	}
	if got.MID != 0x0001 {
		t.Errorf("MID = %#x, want the request's 0x0001", got.MID)
	}
	if len(outbox.empties) != 0 {
		t.Error("no separate bare ACK expected for a piggy-backed response")
	}
}

func TestReliabilitySeparateResponseIsCon(t *testing.T) {
	mock := clock.NewMock()
	s, outbox, _ := newUDPTestStack(mock)

	req := message.NewRequest(message.CodeGET)
	req.Type = message.TypeCon
	req.MID = 0x0002
	req.Source = stackPeer()
	req.SetAcknowledged(true) // bare ACK already went out
	ex := remoteExchange(req, mock.Now())

	resp := message.NewResponse(message.CodeContent)
	resp.Destination = stackPeer()
	s.SendResponse(ex, resp)

	got := outbox.lastResponse()
	if got.Type != message.TypeCon {
		t.Errorf("type = %v, want CON for separate response", got.Type)
	}
	if got.MID == 0x0002 {
		t.Error("separate response must not reuse the request MID")
	}
}

func TestReliabilityDuplicateRequestResendsCachedResponse(t *testing.T) {
	mock := clock.NewMock()
	s, outbox, deliverer := newUDPTestStack(mock)

	req := message.NewRequest(message.CodeGET)
	req.Type = message.TypeCon
	req.MID = 0x0003
	req.Source = stackPeer()
	ex := remoteExchange(req, mock.Now())

	s.ReceiveRequest(ex, req)
	if deliverer.requestCount() != 1 {
		t.Fatalf("deliveries = %d, want 1", deliverer.requestCount())
	}

	resp := message.NewResponse(message.CodeContent)
	resp.Destination = stackPeer()
	s.SendResponse(ex, resp)
	if outbox.responseCount() != 1 {
		t.Fatalf("responses = %d, want 1", outbox.responseCount())
	}

	// The retransmitted request is flagged duplicate by the matcher.
	dup := message.NewRequest(message.CodeGET)
	dup.Type = message.TypeCon
	dup.MID = 0x0003
	dup.Source = stackPeer()
	dup.SetDuplicate(true)
	s.ReceiveRequest(ex, dup)

	if deliverer.requestCount() != 1 {
		t.Errorf("duplicate reached the deliverer: %d deliveries", deliverer.requestCount())
	}
	if outbox.responseCount() != 2 {
		t.Errorf("cached response not re-sent: %d responses", outbox.responseCount())
	}
}

func TestReliabilityAcksSeparateConResponse(t *testing.T) {
	mock := clock.NewMock()
	s, outbox, deliverer := newUDPTestStack(mock)

	req := message.NewRequest(message.CodeGET)
	req.Type = message.TypeCon
	req.MID = 0x0004
	req.Token = []byte{0xAA}
	req.Destination = stackPeer()
	ex := localExchange(req, mock.Now())
	s.SendRequest(ex, req)

	resp := message.NewResponse(message.CodeContent)
	resp.Type = message.TypeCon
	resp.MID = 0x0100
	resp.Token = req.Token
	resp.Source = stackPeer()
	s.ReceiveResponse(ex, resp)

	if deliverer.responseCount() != 1 {
		t.Fatalf("deliveries = %d, want 1", deliverer.responseCount())
	}
	if len(outbox.empties) != 1 || outbox.empties[0].Type != message.TypeAck {
		t.Fatal("separate CON response must be ACKed")
	}
	if outbox.empties[0].MID != 0x0100 {
		t.Errorf("ACK MID = %#x, want the response's 0x0100", outbox.empties[0].MID)
	}
}

func TestReliabilityRstCompletesExchange(t *testing.T) {
	mock := clock.NewMock()
	s, _, _ := newUDPTestStack(mock)

	req := message.NewRequest(message.CodeGET)
	req.Type = message.TypeCon
	req.MID = 0x0005
	req.Destination = stackPeer()
	ex := localExchange(req, mock.Now())
	s.SendRequest(ex, req)

	rst := message.NewEmpty(message.TypeRst)
	rst.MID = req.MID
	s.ReceiveEmpty(ex, rst)

	if !req.IsRejected() {
		t.Error("request not marked rejected")
	}
	if !ex.IsComplete() {
		t.Error("exchange not completed after RST")
	}
}
