package exchange

import (
	"testing"
	"time"

	"github.com/backkem/coap/pkg/message"
)

func TestExchangeCompleteRunsCallbacksOnce(t *testing.T) {
	ex := New(OriginLocal, message.NewRequest(message.CodeGET), testPeer(), time.Now())

	count := 0
	ex.OnComplete(func() { count++ })

	ex.Complete()
	ex.Complete()

	if count != 1 {
		t.Errorf("completion callbacks ran %d times, want 1", count)
	}
}

func TestExchangeOnCompleteAfterCompletion(t *testing.T) {
	ex := New(OriginLocal, message.NewRequest(message.CodeGET), testPeer(), time.Now())
	ex.Complete()

	ran := false
	ex.OnComplete(func() { ran = true })
	if !ran {
		t.Error("callback registered after completion must run immediately")
	}
}

func TestExchangeCancelDisarmsTimer(t *testing.T) {
	ex := New(OriginLocal, message.NewRequest(message.CodeGET), testPeer(), time.Now())

	disarmed := false
	ex.SetRetransmissionHandle(func() { disarmed = true })

	ex.Cancel()

	if !disarmed {
		t.Error("cancel must disarm the retransmission timer")
	}
	if !ex.IsCanceled() || !ex.IsComplete() {
		t.Error("cancel must complete the exchange")
	}
	if !ex.Request().IsCanceled() {
		t.Error("cancel must cancel the current request")
	}
}

func TestExchangeReplaceRetransmissionHandle(t *testing.T) {
	ex := New(OriginLocal, message.NewRequest(message.CodeGET), testPeer(), time.Now())

	firstDisarmed := false
	ex.SetRetransmissionHandle(func() { firstDisarmed = true })
	ex.SetRetransmissionHandle(func() {})

	if !firstDisarmed {
		t.Error("installing a new handle must disarm the previous timer")
	}
}
