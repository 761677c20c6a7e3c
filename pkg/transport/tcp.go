package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/backkem/coap/pkg/message"
)

// DefaultMaxFrameSize bounds accepted stream frames.
const DefaultMaxFrameSize = 1 << 20

// TCPConfig configures a TCP connector.
type TCPConfig struct {
	// Listener is an optional pre-existing listener. If nil and
	// ListenAddr is set, a listener is created on every Start. If both
	// are empty the connector is outbound-only.
	Listener net.Listener

	// ListenAddr is the address to listen on (e.g. ":5683").
	ListenAddr string

	// TLS enables the coaps+tcp scheme. When set, the listener is
	// wrapped and outbound connections are dialed with TLS.
	TLS *tls.Config

	// MaxFrameSize bounds accepted frames. Default 1 MiB.
	MaxFrameSize int

	// DialTimeout bounds outbound connection establishment. Default 10s.
	DialTimeout time.Duration

	// LoggerFactory creates the connector's logger. Nil disables logging.
	LoggerFactory logging.LoggerFactory
}

// streamConn is one established stream with its session identity.
type streamConn struct {
	conn     net.Conn
	ctx      EndpointContext
	identity string
	writeMu  sync.Mutex
}

// TCPConnector is the stream transport for the coap+tcp and coaps+tcp
// schemes. It maintains one connection per peer, framing messages with
// the RFC 8323 length prefix. Each connection is one session: its
// correlation context is minted at establishment and attached to every
// inbound frame.
type TCPConnector struct {
	config   TCPConfig
	receiver RawDataReceiver
	log      logging.LeveledLogger

	mu        sync.Mutex
	listener  net.Listener
	conns     map[string]*streamConn
	connSeq   uint64
	closeCh   chan struct{}
	wg        sync.WaitGroup
	started   bool
	destroyed bool
}

// NewTCPConnector creates a TCP connector. Sockets open at Start.
func NewTCPConnector(config TCPConfig) *TCPConnector {
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = DefaultMaxFrameSize
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}

	t := &TCPConnector{config: config}
	if config.LoggerFactory != nil {
		t.log = config.LoggerFactory.NewLogger("transport-tcp")
	}
	return t
}

// SetRawDataReceiver registers the inbound frame consumer.
func (t *TCPConnector) SetRawDataReceiver(receiver RawDataReceiver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receiver = receiver
}

// Start opens the listener (if configured) and begins accepting.
func (t *TCPConnector) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.destroyed {
		return ErrDestroyed
	}
	if t.started {
		return ErrAlreadyStarted
	}
	if t.receiver == nil {
		return ErrNoReceiver
	}

	listener := t.config.Listener
	if listener == nil && t.config.ListenAddr != "" {
		l, err := net.Listen("tcp", t.config.ListenAddr)
		if err != nil {
			return err
		}
		listener = l
	}
	if listener != nil && t.config.TLS != nil {
		listener = tls.NewListener(listener, t.config.TLS)
	}

	t.listener = listener
	t.conns = make(map[string]*streamConn)
	t.closeCh = make(chan struct{})
	t.started = true

	if t.log != nil && listener != nil {
		t.log.Infof("starting TCP connector on %s", listener.Addr())
	}

	if listener != nil {
		t.wg.Add(1)
		go t.acceptLoop(listener, t.closeCh)
	}

	return nil
}

// Stop closes the listener and all connections.
func (t *TCPConnector) Stop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.started = false
	close(t.closeCh)
	listener := t.listener
	conns := t.conns
	t.listener = nil
	t.conns = nil
	t.mu.Unlock()

	if t.log != nil {
		t.log.Info("stopping TCP connector")
	}

	if listener != nil {
		_ = listener.Close()
	}
	for _, sc := range conns {
		_ = sc.conn.Close()
	}
	t.wg.Wait()
}

// Destroy stops the connector and marks it unusable.
func (t *TCPConnector) Destroy() {
	t.Stop()
	t.mu.Lock()
	t.destroyed = true
	t.mu.Unlock()
}

// Send writes one frame to the peer's connection, dialing one if none
// exists. The frame's OnContextEstablished callback fires with the
// connection's context before the write.
func (t *TCPConnector) Send(raw *RawData) error {
	if raw.Addr == nil {
		return ErrInvalidAddress
	}

	sc, err := t.connFor(raw.Addr)
	if err != nil {
		return err
	}

	if raw.OnContextEstablished != nil {
		raw.OnContextEstablished(sc.ctx)
	}

	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	if _, err := sc.conn.Write(raw.Data); err != nil {
		t.dropConn(raw.Addr.String(), sc)
		return err
	}
	return nil
}

// Addr returns the listener address, or nil for outbound-only
// connectors.
func (t *TCPConnector) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Scheme returns "coap+tcp".
func (t *TCPConnector) Scheme() string {
	return SchemeCoAPTCP
}

// IsSchemeSupported reports whether the connector serves the scheme.
func (t *TCPConnector) IsSchemeSupported(scheme string) bool {
	if t.config.TLS != nil {
		return scheme == SchemeCoAPSecureTCP
	}
	return scheme == SchemeCoAPTCP
}

// connFor returns the connection to addr, dialing one if needed.
func (t *TCPConnector) connFor(addr net.Addr) (*streamConn, error) {
	key := addr.String()

	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if sc, ok := t.conns[key]; ok {
		t.mu.Unlock()
		return sc, nil
	}
	closeCh := t.closeCh
	t.mu.Unlock()

	var conn net.Conn
	var err error
	if t.config.TLS != nil {
		dialer := &net.Dialer{Timeout: t.config.DialTimeout}
		conn, err = tls.DialWithDialer(dialer, "tcp", key, t.config.TLS)
	} else {
		conn, err = net.DialTimeout("tcp", key, t.config.DialTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("transport: dialing %s: %w", key, err)
	}

	sc := t.registerConn(key, conn, closeCh)
	if sc == nil {
		_ = conn.Close()
		return nil, ErrClosed
	}
	return sc, nil
}

// registerConn records a new connection and starts its read loop.
// Returns nil if the connector stopped meanwhile.
func (t *TCPConnector) registerConn(key string, conn net.Conn, closeCh chan struct{}) *streamConn {
	identity := ""
	if tc, ok := conn.(*tls.Conn); ok {
		// Complete the handshake before minting a context for the session.
		if err := tc.Handshake(); err != nil {
			if t.log != nil {
				t.log.Warnf("TLS handshake with %s failed: %v", key, err)
			}
			return nil
		}
		state := tc.ConnectionState()
		if len(state.PeerCertificates) > 0 {
			identity = state.PeerCertificates[0].Subject.CommonName
		}
	}

	t.mu.Lock()
	if !t.started || t.closeCh != closeCh {
		t.mu.Unlock()
		return nil
	}
	if existing, ok := t.conns[key]; ok {
		// Lost the race against an inbound connection from the same peer.
		t.mu.Unlock()
		_ = conn.Close()
		return existing
	}
	t.connSeq++
	sc := &streamConn{
		conn:     conn,
		ctx:      EndpointContext{ID: fmt.Sprintf("tcp-%s-%d", key, t.connSeq)},
		identity: identity,
	}
	t.conns[key] = sc
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop(key, sc, closeCh)
	return sc
}

// dropConn removes and closes a connection.
func (t *TCPConnector) dropConn(key string, sc *streamConn) {
	t.mu.Lock()
	if t.conns != nil && t.conns[key] == sc {
		delete(t.conns, key)
	}
	t.mu.Unlock()
	_ = sc.conn.Close()
}

// acceptLoop accepts inbound connections.
func (t *TCPConnector) acceptLoop(listener net.Listener, closeCh chan struct{}) {
	defer t.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-closeCh:
				return
			default:
				if t.log != nil {
					t.log.Warnf("accept error: %v", err)
				}
				continue
			}
		}
		t.registerConn(conn.RemoteAddr().String(), conn, closeCh)
	}
}

// readLoop reads stream frames from one connection and hands them to
// the receiver.
func (t *TCPConnector) readLoop(key string, sc *streamConn, closeCh chan struct{}) {
	defer t.wg.Done()

	for {
		frame, err := message.ReadTCPFrame(sc.conn, t.config.MaxFrameSize)
		if err != nil {
			select {
			case <-closeCh:
			default:
				if t.log != nil {
					t.log.Debugf("connection to %s closed: %v", key, err)
				}
				t.dropConn(key, sc)
			}
			return
		}

		t.receiver(&RawData{
			Data:           frame,
			Addr:           sc.conn.RemoteAddr(),
			Context:        sc.ctx,
			Secure:         t.config.TLS != nil,
			SenderIdentity: sc.identity,
		})
	}
}

// Verify TCPConnector implements Connector.
var _ Connector = (*TCPConnector)(nil)
