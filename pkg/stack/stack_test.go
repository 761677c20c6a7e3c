package stack

import (
	"net"
	"sync"
	"time"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
)

// recordingOutbox captures everything leaving the stack bottom.
type recordingOutbox struct {
	mu        sync.Mutex
	requests  []*message.Request
	responses []*message.Response
	empties   []*message.EmptyMessage
}

func (o *recordingOutbox) SendRequest(ex *exchange.Exchange, req *message.Request) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests = append(o.requests, req)
}

func (o *recordingOutbox) SendResponse(ex *exchange.Exchange, resp *message.Response) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.responses = append(o.responses, resp)
}

func (o *recordingOutbox) SendEmpty(ex *exchange.Exchange, msg *message.EmptyMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.empties = append(o.empties, msg)
}

func (o *recordingOutbox) requestCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.requests)
}

func (o *recordingOutbox) responseCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.responses)
}

func (o *recordingOutbox) lastResponse() *message.Response {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.responses) == 0 {
		return nil
	}
	return o.responses[len(o.responses)-1]
}

// recordingDeliverer captures everything leaving the stack top.
type recordingDeliverer struct {
	mu        sync.Mutex
	requests  []*message.Request
	responses []*message.Response
}

func (d *recordingDeliverer) DeliverRequest(ex *exchange.Exchange, req *message.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
}

func (d *recordingDeliverer) DeliverResponse(ex *exchange.Exchange, resp *message.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responses = append(d.responses, resp)
}

func (d *recordingDeliverer) requestCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

func (d *recordingDeliverer) responseCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.responses)
}

// inlineStage runs tasks synchronously, keeping tests deterministic.
type inlineStage struct{}

func (inlineStage) Execute(task func()) { task() }

// zeroRandom removes retransmission jitter.
type zeroRandom struct{}

func (zeroRandom) Float64() float64 { return 0 }

func stackPeer() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(192, 0, 2, 7), Port: 5683}
}

func localExchange(req *message.Request, now time.Time) *exchange.Exchange {
	return exchange.New(exchange.OriginLocal, req, stackPeer(), now)
}

func remoteExchange(req *message.Request, now time.Time) *exchange.Exchange {
	return exchange.New(exchange.OriginRemote, req, stackPeer(), now)
}
