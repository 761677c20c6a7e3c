package endpoint

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/stack"
	"github.com/backkem/coap/pkg/transport"
)

// echoDeliverer answers every GET with 2.05 and the configured payload.
type echoDeliverer struct {
	e       *Endpoint
	payload []byte

	mu       sync.Mutex
	requests []*message.Request
}

func (d *echoDeliverer) DeliverRequest(ex *exchange.Exchange, req *message.Request) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.mu.Unlock()

	resp := message.NewResponse(message.CodeContent)
	resp.Token = req.Token
	resp.Destination = req.Source
	resp.Payload = d.payload
	d.e.SendResponse(ex, resp)
}

func (d *echoDeliverer) DeliverResponse(ex *exchange.Exchange, resp *message.Response) {}

func (d *echoDeliverer) requestCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

// recordingInterceptor captures messages crossing an endpoint.
type recordingInterceptor struct {
	mu            sync.Mutex
	sentResponses []*message.Response
	sentEmpties   []*message.EmptyMessage
	recvEmpties   []*message.EmptyMessage
	cancelSend    bool
}

func (r *recordingInterceptor) SendRequest(req *message.Request) {
	if r.cancelSend {
		req.Cancel()
	}
}

func (r *recordingInterceptor) SendResponse(resp *message.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sentResponses = append(r.sentResponses, resp)
}

func (r *recordingInterceptor) SendEmpty(msg *message.EmptyMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sentEmpties = append(r.sentEmpties, msg)
}

func (r *recordingInterceptor) ReceiveRequest(req *message.Request)    {}
func (r *recordingInterceptor) ReceiveResponse(resp *message.Response) {}

func (r *recordingInterceptor) ReceiveEmpty(msg *message.EmptyMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recvEmpties = append(r.recvEmpties, msg)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// newEndpointPair wires a client and a server endpoint over an
// in-memory pipe.
func newEndpointPair(t *testing.T) (*Endpoint, *Endpoint, *transport.PipeConnector, *transport.PipeConnector) {
	t.Helper()
	c0, c1 := transport.NewPipeConnectorPair()

	client := New(c0, Config{})
	server := New(c1, Config{})
	t.Cleanup(func() {
		client.Destroy()
		server.Destroy()
	})
	return client, server, c0, c1
}

func TestRequestResponseRoundTrip(t *testing.T) {
	client, server, c0, _ := newEndpointPair(t)

	deliverer := &echoDeliverer{e: server, payload: []byte("22.5 C")}
	server.SetMessageDeliverer(deliverer)

	serverTap := &recordingInterceptor{}
	server.AddInterceptor(serverTap)

	if err := client.Start(); err != nil {
		t.Fatalf("client Start failed: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("server Start failed: %v", err)
	}

	var (
		mu       sync.Mutex
		received *message.Response
	)
	req := message.NewRequest(message.CodeGET)
	req.Type = message.TypeCon
	req.Token = []byte{0xAB}
	req.Destination = c0.PeerAddr()
	req.Options = req.Options.SetURIPath("/temp")
	req.OnResponse(func(resp *message.Response) {
		mu.Lock()
		received = resp
		mu.Unlock()
	})

	client.SendRequest(req)

	waitFor(t, "response delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received != nil
	})

	mu.Lock()
	resp := received
	mu.Unlock()

	if resp.Code != message.CodeContent {
		t.Errorf("code = %v, want 2.05", resp.Code)
	}
	if !bytes.Equal(resp.Payload, []byte("22.5 C")) {
		t.Errorf("payload = %q", resp.Payload)
	}
	if resp.RTT < 0 {
		t.Error("round-trip time not recorded")
	}
	if !bytes.Equal(resp.Token, req.Token) {
		t.Error("token mismatch")
	}

	// The response to a not-yet-acknowledged CON is piggy-backed: one
	// ACK carrying the payload, no separate bare ACK.
	serverTap.mu.Lock()
	defer serverTap.mu.Unlock()
	if len(serverTap.sentResponses) != 1 {
		t.Fatalf("server sent %d responses, want 1", len(serverTap.sentResponses))
	}
	sent := serverTap.sentResponses[0]
	if sent.Type != message.TypeAck {
		t.Errorf("response type = %v, want ACK (piggy-backed)", sent.Type)
	}
	if sent.MID != req.MID {
		t.Errorf("response MID = %d, want the request's %d", sent.MID, req.MID)
	}
	if len(serverTap.sentEmpties) != 0 {
		t.Error("no separate bare ACK expected")
	}
}

func TestDuplicateRequestNotDeliveredTwice(t *testing.T) {
	client, server, c0, _ := newEndpointPair(t)

	deliverer := &echoDeliverer{e: server, payload: []byte("x")}
	server.SetMessageDeliverer(deliverer)
	serverTap := &recordingInterceptor{}
	server.AddInterceptor(serverTap)

	if err := client.Start(); err != nil {
		t.Fatalf("client Start failed: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("server Start failed: %v", err)
	}

	// Encode one CON GET and inject it twice through the raw connector.
	req := message.NewRequest(message.CodeGET)
	req.Type = message.TypeCon
	req.MID = 0x0101
	req.Token = []byte{0x01}
	data, err := message.EncodeUDP(&req.Message)
	if err != nil {
		t.Fatalf("EncodeUDP failed: %v", err)
	}

	if err := c0.Send(&transport.RawData{Data: data, Addr: c0.PeerAddr()}); err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	waitFor(t, "first delivery", func() bool { return deliverer.requestCount() == 1 })

	if err := c0.Send(&transport.RawData{Data: data, Addr: c0.PeerAddr()}); err != nil {
		t.Fatalf("second send failed: %v", err)
	}
	waitFor(t, "cached response re-sent", func() bool {
		serverTap.mu.Lock()
		defer serverTap.mu.Unlock()
		return len(serverTap.sentResponses) >= 2
	})

	if deliverer.requestCount() != 1 {
		t.Errorf("deliveries = %d, want 1 despite duplicate", deliverer.requestCount())
	}
}

func TestMalformedConfirmableIsRejected(t *testing.T) {
	_, server, c0, _ := newEndpointPair(t)
	server.SetMessageDeliverer(&echoDeliverer{e: server})

	if err := server.Start(); err != nil {
		t.Fatalf("server Start failed: %v", err)
	}

	// Drive the raw side of the pipe ourselves and capture what comes
	// back.
	var (
		mu     sync.Mutex
		frames [][]byte
	)
	c0.SetRawDataReceiver(func(raw *transport.RawData) {
		mu.Lock()
		frames = append(frames, raw.Data)
		mu.Unlock()
	})
	if err := c0.Start(); err != nil {
		t.Fatalf("raw side Start failed: %v", err)
	}
	t.Cleanup(c0.Stop)

	// CON GET, MID 0x2222, truncated option: parse fails at byte 4.
	bad := []byte{0x40, 0x01, 0x22, 0x22, 0xD1}
	if err := c0.Send(&transport.RawData{Data: bad, Addr: c0.PeerAddr()}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	waitFor(t, "RST", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) > 0
	})

	mu.Lock()
	frame := frames[0]
	mu.Unlock()

	decoded, err := message.DecodeUDP(frame)
	if err != nil {
		t.Fatalf("cannot decode reply: %v", err)
	}
	rst, ok := decoded.(*message.EmptyMessage)
	if !ok || rst.Type != message.TypeRst {
		t.Fatalf("reply = %T %v, want RST", decoded, decoded.Base().Type)
	}
	if rst.MID != 0x2222 {
		t.Errorf("RST MID = %#x, want the recovered 0x2222", rst.MID)
	}
}

func TestPingIsReset(t *testing.T) {
	_, server, c0, _ := newEndpointPair(t)
	if err := server.Start(); err != nil {
		t.Fatalf("server Start failed: %v", err)
	}

	var (
		mu     sync.Mutex
		frames [][]byte
	)
	c0.SetRawDataReceiver(func(raw *transport.RawData) {
		mu.Lock()
		frames = append(frames, raw.Data)
		mu.Unlock()
	})
	if err := c0.Start(); err != nil {
		t.Fatalf("raw side Start failed: %v", err)
	}
	t.Cleanup(c0.Stop)

	ping := message.NewEmpty(message.TypeCon)
	ping.MID = 0x0042
	data, err := message.EncodeUDP(&ping.Message)
	if err != nil {
		t.Fatalf("EncodeUDP failed: %v", err)
	}
	if err := c0.Send(&transport.RawData{Data: data, Addr: c0.PeerAddr()}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	waitFor(t, "RST", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) > 0
	})

	mu.Lock()
	decoded, err := message.DecodeUDP(frames[0])
	mu.Unlock()
	if err != nil {
		t.Fatalf("cannot decode reply: %v", err)
	}
	rst, ok := decoded.(*message.EmptyMessage)
	if !ok || rst.Type != message.TypeRst || rst.MID != 0x0042 {
		t.Fatalf("reply = %v, want RST MID=0x0042", decoded.Base())
	}
}

func TestCrossContextResponseRejected(t *testing.T) {
	client, _, c0, c1 := newEndpointPair(t)
	if err := client.Start(); err != nil {
		t.Fatalf("client Start failed: %v", err)
	}

	// The client's transport session is "session-1" when the request
	// goes out; the exchange gets pinned to it.
	c0.SetContext(transport.EndpointContext{ID: "session-1"})

	var (
		mu     sync.Mutex
		frames [][]byte
	)
	c1.SetRawDataReceiver(func(raw *transport.RawData) {
		mu.Lock()
		frames = append(frames, raw.Data)
		mu.Unlock()
	})
	if err := c1.Start(); err != nil {
		t.Fatalf("raw side Start failed: %v", err)
	}
	t.Cleanup(c1.Stop)

	var responded sync.Map
	req := message.NewRequest(message.CodeGET)
	req.Type = message.TypeCon
	req.Token = []byte{0x77}
	req.Destination = c0.PeerAddr()
	req.OnResponse(func(resp *message.Response) { responded.Store("hit", true) })
	client.SendRequest(req)

	waitFor(t, "request on wire", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) > 0
	})

	// A new handshake happens: frames now arrive under "session-2".
	c0.SetContext(transport.EndpointContext{ID: "session-2"})

	resp := message.NewResponse(message.CodeContent)
	resp.Type = message.TypeCon
	resp.MID = 0x0900
	resp.Token = req.Token
	data, err := message.EncodeUDP(&resp.Message)
	if err != nil {
		t.Fatalf("EncodeUDP failed: %v", err)
	}
	mu.Lock()
	frames = nil
	mu.Unlock()
	if err := c1.Send(&transport.RawData{Data: data, Addr: c1.PeerAddr()}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	// The response is unmatched: an RST comes back and the handler never
	// fires.
	waitFor(t, "RST for cross-context response", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, f := range frames {
			if decoded, err := message.DecodeUDP(f); err == nil {
				if em, ok := decoded.(*message.EmptyMessage); ok && em.Type == message.TypeRst && em.MID == 0x0900 {
					return true
				}
			}
		}
		return false
	})
	if _, hit := responded.Load("hit"); hit {
		t.Error("cross-context response must not reach the request handler")
	}
}

func TestInterceptorCancelStopsSend(t *testing.T) {
	client, _, c0, c1 := newEndpointPair(t)
	if err := client.Start(); err != nil {
		t.Fatalf("client Start failed: %v", err)
	}
	client.AddInterceptor(&recordingInterceptor{cancelSend: true})

	var (
		mu     sync.Mutex
		frames int
	)
	c1.SetRawDataReceiver(func(raw *transport.RawData) {
		mu.Lock()
		frames++
		mu.Unlock()
	})
	if err := c1.Start(); err != nil {
		t.Fatalf("raw side Start failed: %v", err)
	}
	t.Cleanup(c1.Stop)

	req := message.NewRequest(message.CodeGET)
	req.Type = message.TypeCon
	req.Destination = c0.PeerAddr()
	client.SendRequest(req)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if frames != 0 {
		t.Errorf("%d frames on wire despite cancellation", frames)
	}
}

func TestEndpointLifecycle(t *testing.T) {
	c0, _ := transport.NewPipeConnectorPair()
	e := New(c0, Config{})
	defer e.Destroy()

	if e.IsStarted() {
		t.Fatal("fresh endpoint reports started")
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !e.IsStarted() {
		t.Fatal("endpoint not started")
	}
	// Idempotent.
	if err := e.Start(); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}

	e.Stop()
	if e.IsStarted() {
		t.Fatal("endpoint still started after Stop")
	}
	if err := e.Start(); err != nil {
		t.Fatalf("restart failed: %v", err)
	}

	e.Destroy()
	if err := e.Start(); err != ErrEndpointDestroyed {
		t.Fatalf("Start after Destroy = %v, want ErrEndpointDestroyed", err)
	}
}

func TestSetExecutorWhileStartedForbidden(t *testing.T) {
	c0, _ := transport.NewPipeConnectorPair()
	e := New(c0, Config{})
	defer e.Destroy()

	if err := e.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := e.SetExecutor(NewSerialExecutor(nil)); err != ErrEndpointStarted {
		t.Fatalf("SetExecutor = %v, want ErrEndpointStarted", err)
	}
}

type lifecycleObserver struct {
	mu        sync.Mutex
	started   int
	stopped   int
	destroyed int
}

func (o *lifecycleObserver) Started(e *Endpoint) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *lifecycleObserver) Stopped(e *Endpoint) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopped++
}

func (o *lifecycleObserver) Destroyed(e *Endpoint) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.destroyed++
}

func TestEndpointObserverCallbacks(t *testing.T) {
	c0, _ := transport.NewPipeConnectorPair()
	e := New(c0, Config{})

	obs := &lifecycleObserver{}
	e.AddObserver(obs)

	if err := e.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	e.Stop()
	e.Destroy()

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.started != 1 || obs.stopped != 1 || obs.destroyed != 1 {
		t.Errorf("callbacks = %d/%d/%d, want 1/1/1", obs.started, obs.stopped, obs.destroyed)
	}
}

// Verify the default deliverer satisfies the stack's deliverer contract.
var _ stack.MessageDeliverer = (*ClientMessageDeliverer)(nil)
