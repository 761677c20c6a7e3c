// Package endpoint implements the CoAP endpoint: the object that owns
// one transport binding and executes the protocol machinery on top of
// it.
//
// The endpoint wires together the layered stack (observe, blockwise,
// reliability), the matcher holding the in-flight exchange tables, and
// the I/O boundary that marshals between wire bytes and messages. The
// variant — datagram per RFC 7252 or stream per RFC 8323 — is chosen at
// construction from the connector's advertised scheme.
//
//	+-----------------------+
//	|   MessageDeliverer    +--> (resource tree)
//	+-----------A-----------+
//	            |
//	+-Endpoint--+-----------+
//	| +---------v---------+ |
//	| | observe           | |
//	| | blockwise         | |
//	| | reliability       | |
//	| +---------+---------+ |
//	|       Matcher         |
//	|   MessageInterceptor  |
//	| +---------v---------+ |
//	+-|     Connector     |-+
//	  +---------+---------+
//	            v
//	        (network)
//
// All protocol state mutates on the protocol stage, a serial executor
// by default. The connector's I/O goroutines only touch the endpoint
// through the inbox, which immediately reposts to the stage.
package endpoint

import (
	"errors"
	"net"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/stack"
	"github.com/backkem/coap/pkg/transport"
)

// storeAware is implemented by both matcher variants; the exchange
// store is installed on first start.
type storeAware interface {
	Matcher
	SetExchangeStore(store exchange.Store)
}

// Endpoint executes the CoAP protocol over one connector.
type Endpoint struct {
	config       Config
	connector    transport.Connector
	scheme       string
	secureScheme string
	isStream     bool

	stack        *stack.Stack
	matcher      storeAware
	observations exchange.ObservationStore
	clk          clock.Clock
	log          logging.LeveledLogger

	mu             sync.Mutex
	executor       Executor
	ownsExecutor   bool
	exchangeStore  exchange.Store
	storeInstalled bool
	started        bool
	destroyed      bool

	interceptors cowList
	observers    cowList
	listeners    cowList
}

// New creates an endpoint for a connector. The protocol variant is
// selected from the connector's scheme: stream connectors get the
// RFC 8323 machinery (no reliability layer, token-only matcher),
// datagram connectors the full RFC 7252 machinery.
func New(connector transport.Connector, config Config) *Endpoint {
	config.applyDefaults()

	e := &Endpoint{
		config:    config,
		connector: connector,
		clk:       config.Clock,
	}
	if config.LoggerFactory != nil {
		e.log = config.LoggerFactory.NewLogger("endpoint")
	}

	e.observations = config.ObservationStore
	if e.observations == nil {
		e.observations = exchange.NewInMemoryObservationStore()
	}

	e.isStream = connector.IsSchemeSupported(transport.SchemeCoAPTCP) ||
		connector.IsSchemeSupported(transport.SchemeCoAPSecureTCP)

	stackConfig := stack.Config{
		AckTimeout:          config.AckTimeout,
		AckRandomFactor:     config.AckRandomFactor,
		MaxRetransmit:       config.MaxRetransmit,
		PreferredBlockSize:  config.PreferredBlockSize,
		MaxMessageSize:      config.MaxMessageSize,
		MaxResourceBodySize: config.MaxResourceBodySize,
		ObservationStore:    e.observations,
		NotificationSink:    e.dispatchNotification,
		Clock:               config.Clock,
		LoggerFactory:       config.LoggerFactory,
	}

	outbox := &endpointOutbox{e: e}
	stage := protocolStage{e: e}
	if e.isStream {
		e.matcher = NewTcpMatcher(config, e.observations)
		e.stack = stack.NewTCPStack(stackConfig, outbox, stage)
		e.scheme = transport.SchemeCoAPTCP
		e.secureScheme = transport.SchemeCoAPSecureTCP
	} else {
		e.matcher = NewUdpMatcher(config, e.observations)
		e.stack = stack.NewUDPStack(stackConfig, outbox, stage)
		e.scheme = transport.SchemeCoAP
		e.secureScheme = transport.SchemeCoAPSecure
	}

	e.executor = config.Executor
	connector.SetRawDataReceiver(e.receiveData)
	return e
}

// NewUDP creates an endpoint bound to a plain UDP connector configured
// from the endpoint's network-stage keys.
func NewUDP(listenAddr string, config Config) *Endpoint {
	config.applyDefaults()
	connector := transport.NewUDPConnector(transport.UDPConfig{
		ListenAddr:        listenAddr,
		ReceiverCount:     config.NetworkStageReceiverThreadCount,
		SenderCount:       config.NetworkStageSenderThreadCount,
		ReceiveBufferSize: config.UDPConnectorReceiveBuffer,
		SendBufferSize:    config.UDPConnectorSendBuffer,
		DatagramSize:      config.UDPConnectorDatagramSize,
		LoggerFactory:     config.LoggerFactory,
	})
	return New(connector, config)
}

// Start brings the endpoint up: installs the default deliverer,
// executor and exchange store where none were injected, then starts the
// matcher and the connector. Starting a started endpoint is a no-op.
// On a connector failure the partially acquired resources are released
// and the error propagates.
func (e *Endpoint) Start() error {
	e.mu.Lock()

	if e.destroyed {
		e.mu.Unlock()
		return ErrEndpointDestroyed
	}
	if e.started {
		e.mu.Unlock()
		if e.log != nil {
			e.log.Debugf("endpoint at %v is already started", e.connector.Addr())
		}
		return nil
	}

	if !e.stack.HasDeliverer() {
		e.stack.SetDeliverer(NewClientMessageDeliverer(e.config.LoggerFactory))
	}
	if e.executor == nil {
		if e.log != nil {
			e.log.Debug("no executor injected, using single-threaded default")
		}
		e.executor = NewSerialExecutor(e.config.LoggerFactory)
		e.ownsExecutor = true
	}
	if !e.storeInstalled {
		e.exchangeStore = e.config.ExchangeStore
		if e.exchangeStore == nil {
			e.exchangeStore = exchange.NewInMemoryStore(exchange.StoreConfig{
				ExchangeLifetime: e.config.ExchangeLifetime,
				TokenSizeLimit:   e.config.TokenSizeLimit,
				Clock:            e.config.Clock,
				LoggerFactory:    e.config.LoggerFactory,
			})
		}
		e.matcher.SetExchangeStore(e.exchangeStore)
		e.storeInstalled = true
	}

	if e.log != nil {
		e.log.Infof("starting endpoint (%s)", e.scheme)
	}

	e.started = true
	e.matcher.Start()
	if err := e.connector.Start(); err != nil {
		e.stopLocked()
		e.mu.Unlock()
		return err
	}
	executor := e.executor
	e.mu.Unlock()

	for _, obs := range e.observers.snapshot() {
		obs.(EndpointObserver).Started(e)
	}

	// Force the executor to spin up its worker so the process does not
	// exit with only daemon-like goroutines left.
	executor.Execute(func() {})
	return nil
}

// Stop shuts down I/O and clears the matcher state. A stopped endpoint
// can be started again.
func (e *Endpoint) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		if e.log != nil {
			e.log.Debug("endpoint is already stopped")
		}
		return
	}
	e.stopLocked()
	e.mu.Unlock()

	for _, obs := range e.observers.snapshot() {
		obs.(EndpointObserver).Stopped(e)
	}
	e.matcher.Clear()
}

// stopLocked releases I/O resources. Caller holds e.mu.
func (e *Endpoint) stopLocked() {
	if e.log != nil {
		e.log.Info("stopping endpoint")
	}
	e.started = false
	e.connector.Stop()
	e.matcher.Stop()
}

// Destroy stops the endpoint, destroys the connector and shuts down an
// owned executor. The endpoint is unusable afterwards.
func (e *Endpoint) Destroy() {
	e.Stop()

	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.destroyed = true
	executor := e.executor
	owns := e.ownsExecutor
	e.mu.Unlock()

	e.connector.Destroy()
	if owns {
		if s, ok := executor.(*SerialExecutor); ok {
			s.Shutdown()
		}
	}

	for _, obs := range e.observers.snapshot() {
		obs.(EndpointObserver).Destroyed(e)
	}
}

// Clear drops the matcher's correlation state without stopping I/O.
func (e *Endpoint) Clear() {
	e.matcher.Clear()
}

// IsStarted reports whether the endpoint is running.
func (e *Endpoint) IsStarted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// SetExecutor replaces the protocol stage. Replacing the executor of a
// started endpoint is forbidden; stop it first. An owned previous
// executor is shut down.
func (e *Endpoint) SetExecutor(executor Executor) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrEndpointStarted
	}
	if e.ownsExecutor {
		if s, ok := e.executor.(*SerialExecutor); ok {
			s.Shutdown()
		}
		e.ownsExecutor = false
	}
	e.executor = executor
	return nil
}

// SetMessageDeliverer installs the consumer for inbound requests and
// matched responses.
func (e *Endpoint) SetMessageDeliverer(deliverer stack.MessageDeliverer) {
	e.stack.SetDeliverer(deliverer)
}

// Addr returns the connector's bound address.
func (e *Endpoint) Addr() net.Addr {
	return e.connector.Addr()
}

// Scheme returns the endpoint's primary URI scheme.
func (e *Endpoint) Scheme() string {
	return e.scheme
}

// Config returns the endpoint's configuration.
func (e *Endpoint) Config() Config {
	return e.config
}

// AddInterceptor registers a message interceptor.
func (e *Endpoint) AddInterceptor(i MessageInterceptor) {
	e.interceptors.add(i)
}

// RemoveInterceptor removes a message interceptor.
func (e *Endpoint) RemoveInterceptor(i MessageInterceptor) {
	e.interceptors.remove(i)
}

// Interceptors returns a snapshot of the registered interceptors.
func (e *Endpoint) Interceptors() []MessageInterceptor {
	items := e.interceptors.snapshot()
	out := make([]MessageInterceptor, len(items))
	for i, item := range items {
		out[i] = item.(MessageInterceptor)
	}
	return out
}

// AddObserver registers an endpoint lifecycle observer.
func (e *Endpoint) AddObserver(o EndpointObserver) {
	e.observers.add(o)
}

// RemoveObserver removes an endpoint lifecycle observer.
func (e *Endpoint) RemoveObserver(o EndpointObserver) {
	e.observers.remove(o)
}

// AddNotificationListener registers an observe notification listener.
func (e *Endpoint) AddNotificationListener(l NotificationListener) {
	e.listeners.add(l)
}

// RemoveNotificationListener removes an observe notification listener.
func (e *Endpoint) RemoveNotificationListener(l NotificationListener) {
	e.listeners.remove(l)
}

// SendRequest hands a request to the stack on the protocol stage. The
// matcher assigns MID and token on the way out.
func (e *Endpoint) SendRequest(req *message.Request) {
	e.execute(func() {
		ex := exchange.New(exchange.OriginLocal, req, req.Destination, e.clk.Now())
		e.stack.SendRequest(ex, req)
	})
}

// SendResponse sends a response on the caller's goroutine, saving the
// context switch when the business logic already runs elsewhere.
// Exchanges flagged with a custom executor post to the protocol stage
// instead.
func (e *Endpoint) SendResponse(ex *exchange.Exchange, resp *message.Response) {
	if ex.HasCustomExecutor() {
		e.execute(func() {
			e.stack.SendResponse(ex, resp)
		})
		return
	}
	e.stack.SendResponse(ex, resp)
}

// SendEmptyMessage sends an ACK or RST synchronously on the caller's
// goroutine, preserving ordering with explicit accept/reject calls from
// handlers.
func (e *Endpoint) SendEmptyMessage(ex *exchange.Exchange, msg *message.EmptyMessage) {
	e.stack.SendEmpty(ex, msg)
}

// CancelObservation cancels the observe registration under the token.
func (e *Endpoint) CancelObservation(token []byte) {
	e.execute(func() {
		e.matcher.CancelObserve(token)
	})
}

// execute posts a task to the protocol stage.
func (e *Endpoint) execute(task func()) {
	e.mu.Lock()
	executor := e.executor
	e.mu.Unlock()

	if executor == nil {
		if e.log != nil {
			e.log.Warn("dropping task, endpoint has no executor (not started)")
		}
		return
	}
	executor.Execute(task)
}

// dispatchNotification fans an accepted observe notification out to the
// notification listeners.
func (e *Endpoint) dispatchNotification(req *message.Request, resp *message.Response) {
	for _, l := range e.listeners.snapshot() {
		l.(NotificationListener).OnNotification(req, resp)
	}
}

// protocolStage lets the stack's timers re-enter the current executor.
type protocolStage struct {
	e *Endpoint
}

func (s protocolStage) Execute(task func()) {
	s.e.execute(task)
}

// cowList is a copy-on-write list: writers serialize on the mutex and
// replace the slice, readers iterate a snapshot. A mutation concurrent
// with a message flowing through is seen by the next message, not the
// current one.
type cowList struct {
	mu    sync.Mutex
	items []any
}

func (l *cowList) add(item any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := make([]any, len(l.items), len(l.items)+1)
	copy(next, l.items)
	l.items = append(next, item)
}

func (l *cowList) remove(item any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := make([]any, 0, len(l.items))
	for _, existing := range l.items {
		if existing != item {
			next = append(next, existing)
		}
	}
	l.items = next
}

func (l *cowList) snapshot() []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.items
}

// assertDestination guards the outbox against messages without a
// destination. This is a programming error in the caller; the panic is
// contained at the executor boundary for stage tasks and surfaces
// directly to callers of the synchronous send paths.
func assertDestination(m *message.Message) {
	if m.Destination == nil {
		panic(ErrNoDestination)
	}
	if transport.PortOf(m.Destination) == 0 {
		panic(ErrNoDestination)
	}
}

// endpointOutbox is the bottom-of-stack sink: matcher registration,
// interceptor fan-out, codec, connector.
type endpointOutbox struct {
	e *Endpoint
}

// SendRequest registers, intercepts, serializes and writes a request.
// The raw frame carries a callback that pins the exchange to the
// transport session once the handshake reports one.
func (o *endpointOutbox) SendRequest(ex *exchange.Exchange, req *message.Request) {
	e := o.e
	assertDestination(&req.Message)

	if err := e.matcher.SendRequest(ex, req); err != nil {
		if e.log != nil {
			e.log.Warnf("cannot register outbound request: %v", err)
		}
		req.Fail(err)
		ex.Complete()
		return
	}

	e.interceptSend(func(i MessageInterceptor) { i.SendRequest(req) })
	if req.IsCanceled() {
		return
	}

	data, err := e.serialize(&req.Message)
	if err != nil {
		if e.log != nil {
			e.log.Errorf("cannot serialize request: %v", err)
		}
		req.Fail(err)
		return
	}

	raw := &transport.RawData{
		Data: data,
		Addr: req.Destination,
		OnContextEstablished: func(ctx transport.EndpointContext) {
			e.execute(func() {
				ex.SetContext(ctx)
				if obs := ex.Observation(); obs != nil && len(obs.Token) > 0 {
					e.observations.SetContext(obs.Token, ctx)
				}
			})
		},
	}
	if err := e.connector.Send(raw); err != nil && e.log != nil {
		e.log.Warnf("connector send failed: %v", err)
	}
}

// SendResponse registers, intercepts, serializes and writes a response.
func (o *endpointOutbox) SendResponse(ex *exchange.Exchange, resp *message.Response) {
	e := o.e
	assertDestination(&resp.Message)

	if err := e.matcher.SendResponse(ex, resp); err != nil {
		if e.log != nil {
			e.log.Warnf("cannot register outbound response: %v", err)
		}
		return
	}

	e.interceptSend(func(i MessageInterceptor) { i.SendResponse(resp) })
	if resp.IsCanceled() {
		return
	}

	data, err := e.serialize(&resp.Message)
	if err != nil {
		if e.log != nil {
			e.log.Errorf("cannot serialize response: %v", err)
		}
		return
	}
	if err := e.connector.Send(&transport.RawData{Data: data, Addr: resp.Destination}); err != nil && e.log != nil {
		e.log.Warnf("connector send failed: %v", err)
	}
}

// SendEmpty registers, intercepts, serializes and writes an ACK or RST.
// The exchange may be nil when rejecting unmatched messages.
func (o *endpointOutbox) SendEmpty(ex *exchange.Exchange, msg *message.EmptyMessage) {
	e := o.e
	assertDestination(&msg.Message)

	e.matcher.SendEmpty(ex, msg)

	e.interceptSend(func(i MessageInterceptor) { i.SendEmpty(msg) })
	if msg.IsCanceled() {
		return
	}

	data, err := e.serialize(&msg.Message)
	if err != nil {
		if e.log != nil {
			e.log.Errorf("cannot serialize empty message: %v", err)
		}
		return
	}
	if err := e.connector.Send(&transport.RawData{Data: data, Addr: msg.Destination}); err != nil && e.log != nil {
		e.log.Warnf("connector send failed: %v", err)
	}
}

// serialize encodes a message for the endpoint's transport variant.
func (e *Endpoint) serialize(m *message.Message) ([]byte, error) {
	if e.isStream {
		return message.EncodeTCP(m)
	}
	return message.EncodeUDP(m)
}

// interceptSend runs one send hook across all interceptors. A panic in
// one interceptor never reaches the stack and does not stop the others.
func (e *Endpoint) interceptSend(hook func(MessageInterceptor)) {
	for _, item := range e.interceptors.snapshot() {
		e.interceptOne(item.(MessageInterceptor), hook)
	}
}

// interceptOne contains one interceptor invocation.
func (e *Endpoint) interceptOne(i MessageInterceptor, hook func(MessageInterceptor)) {
	defer func() {
		if r := recover(); r != nil {
			if e.log != nil {
				e.log.Errorf("interceptor panic: %v", r)
			}
		}
	}()
	hook(i)
}

// receiveData is the inbox: it validates the frame's source and reposts
// to the protocol stage. Parsing happens there.
func (e *Endpoint) receiveData(raw *transport.RawData) {
	if raw.Addr == nil || transport.PortOf(raw.Addr) == 0 {
		if e.log != nil {
			e.log.Errorf("%v", ErrNoSource)
		}
		return
	}
	e.execute(func() {
		e.receiveMessage(raw)
	})
}

// receiveMessage parses a frame and routes it by kind. A parse failure
// on a confirmable message with a recoverable MID is rejected with RST
// (RFC 7252 Section 4.2); everything else malformed is dropped with a
// log entry.
func (e *Endpoint) receiveMessage(raw *transport.RawData) {
	var parsed message.Generic
	var err error
	if e.isStream {
		parsed, err = message.DecodeTCP(raw.Data)
	} else {
		parsed, err = message.DecodeUDP(raw.Data)
	}

	if err != nil {
		var ferr *message.FormatError
		switch {
		case errors.As(err, &ferr) && ferr.IsRejectable():
			if e.log != nil {
				e.log.Debugf("rejecting malformed message from %v: %v", raw.Addr, err)
			}
			rst := message.NewEmpty(message.TypeRst)
			rst.MID = int(ferr.MID)
			rst.Destination = raw.Addr
			e.stack.SendEmpty(nil, rst)
		case errors.Is(err, message.ErrUnknownCode):
			if e.log != nil {
				e.log.Debugf("silently ignoring non-CoAP message from %v", raw.Addr)
			}
		default:
			if e.log != nil {
				e.log.Debugf("discarding malformed message from %v: %v", raw.Addr, err)
			}
		}
		return
	}

	base := parsed.Base()
	base.Source = raw.Addr
	base.Timestamp = e.clk.Now()

	switch msg := parsed.(type) {
	case *message.Request:
		e.receiveRequest(msg, raw)
	case *message.Response:
		e.receiveResponse(msg, raw)
	case *message.EmptyMessage:
		e.receiveEmpty(msg, raw)
	}
}

// receiveRequest stamps transport attributes, fans out to the
// interceptors, matches and forwards up the stack.
func (e *Endpoint) receiveRequest(req *message.Request, raw *transport.RawData) {
	if raw.Secure {
		req.Scheme = e.secureScheme
	} else {
		req.Scheme = e.scheme
	}
	req.SenderIdentity = raw.SenderIdentity

	e.interceptSend(func(i MessageInterceptor) { i.ReceiveRequest(req) })
	if req.IsCanceled() {
		return
	}

	ex, err := e.matcher.ReceiveRequest(req)
	if err != nil {
		if e.log != nil {
			e.log.Warnf("cannot match inbound request: %v", err)
		}
		return
	}
	if ex != nil {
		e.stack.ReceiveRequest(ex, req)
	}
}

// receiveResponse matches by token, validates the correlation context,
// stamps the round-trip time and forwards up the stack. Unmatched
// non-ACK responses are rejected with RST on the datagram variant.
func (e *Endpoint) receiveResponse(resp *message.Response, raw *transport.RawData) {
	e.interceptSend(func(i MessageInterceptor) { i.ReceiveResponse(resp) })
	if resp.IsCanceled() {
		return
	}

	ex := e.matcher.ReceiveResponse(resp, raw.Context)
	if ex == nil {
		if resp.Type != message.TypeAck && !e.isStream {
			if e.log != nil {
				e.log.Debugf("rejecting unmatchable response from %v", raw.Addr)
			}
			e.reject(&resp.Message)
		}
		return
	}

	resp.RTT = e.clk.Now().Sub(ex.Timestamp())
	e.stack.ReceiveResponse(ex, resp)
}

// receiveEmpty answers pings with RST and routes ACK/RST to their
// exchange.
func (e *Endpoint) receiveEmpty(msg *message.EmptyMessage, raw *transport.RawData) {
	e.interceptSend(func(i MessageInterceptor) { i.ReceiveEmpty(msg) })
	if msg.IsCanceled() {
		return
	}

	if msg.Type == message.TypeCon || msg.Type == message.TypeNon {
		// CoAP ping.
		if e.log != nil {
			e.log.Debugf("responding to ping from %v", raw.Addr)
		}
		e.reject(&msg.Message)
		return
	}

	if ex := e.matcher.ReceiveEmpty(msg); ex != nil {
		e.stack.ReceiveEmpty(ex, msg)
	}
}

// reject sends an RST for the given message.
func (e *Endpoint) reject(m *message.Message) {
	e.stack.SendEmpty(nil, message.NewRstFor(m))
}
