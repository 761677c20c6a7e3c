package transport

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v3"
	"github.com/pion/logging"
)

// DefaultSecurePort is the default CoAP-over-DTLS port (RFC 7252
// Section 6.2).
const DefaultSecurePort = 5684

// DTLSConfig configures a DTLS connector.
type DTLSConfig struct {
	// ListenAddr is the UDP address to listen on. Empty means
	// outbound-only.
	ListenAddr string

	// DTLS is the handshake configuration (PSK or certificates) handed
	// to pion/dtls. Required.
	DTLS *dtls.Config

	// DatagramSize is the per-read buffer size. Default 2048.
	DatagramSize int

	// DialTimeout bounds outbound handshakes. Default 10s.
	DialTimeout time.Duration

	// LoggerFactory creates the connector's logger. Nil disables logging.
	LoggerFactory logging.LoggerFactory
}

// dtlsSession is one established DTLS session with a peer.
type dtlsSession struct {
	conn     *dtls.Conn
	ctx      EndpointContext
	identity string
	writeMu  sync.Mutex
}

// DTLSConnector is the secure datagram transport for the coaps scheme.
// Each peer has one DTLS session; the session identity becomes the
// correlation context of every frame it carries, so the matcher can
// reject responses injected over a different session.
type DTLSConnector struct {
	config   DTLSConfig
	receiver RawDataReceiver
	log      logging.LeveledLogger

	mu        sync.Mutex
	listener  net.Listener
	sessions  map[string]*dtlsSession
	sessSeq   uint64
	closeCh   chan struct{}
	wg        sync.WaitGroup
	started   bool
	destroyed bool
}

// NewDTLSConnector creates a DTLS connector. The socket opens at Start.
func NewDTLSConnector(config DTLSConfig) *DTLSConnector {
	if config.DatagramSize <= 0 {
		config.DatagramSize = DefaultDatagramSize
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}

	d := &DTLSConnector{config: config}
	if config.LoggerFactory != nil {
		d.log = config.LoggerFactory.NewLogger("transport-dtls")
	}
	return d
}

// SetRawDataReceiver registers the inbound frame consumer.
func (d *DTLSConnector) SetRawDataReceiver(receiver RawDataReceiver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receiver = receiver
}

// Start opens the listener (if configured) and begins accepting
// handshakes.
func (d *DTLSConnector) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return ErrDestroyed
	}
	if d.started {
		return ErrAlreadyStarted
	}
	if d.receiver == nil {
		return ErrNoReceiver
	}

	var listener net.Listener
	if d.config.ListenAddr != "" {
		addr, err := net.ResolveUDPAddr("udp", d.config.ListenAddr)
		if err != nil {
			return err
		}
		listener, err = dtls.Listen("udp", addr, d.config.DTLS)
		if err != nil {
			return err
		}
	}

	d.listener = listener
	d.sessions = make(map[string]*dtlsSession)
	d.closeCh = make(chan struct{})
	d.started = true

	if d.log != nil && listener != nil {
		d.log.Infof("starting DTLS connector on %s", listener.Addr())
	}

	if listener != nil {
		d.wg.Add(1)
		go d.acceptLoop(listener, d.closeCh)
	}

	return nil
}

// Stop closes the listener and all sessions.
func (d *DTLSConnector) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	close(d.closeCh)
	listener := d.listener
	sessions := d.sessions
	d.listener = nil
	d.sessions = nil
	d.mu.Unlock()

	if d.log != nil {
		d.log.Info("stopping DTLS connector")
	}

	if listener != nil {
		_ = listener.Close()
	}
	for _, s := range sessions {
		_ = s.conn.Close()
	}
	d.wg.Wait()
}

// Destroy stops the connector and marks it unusable.
func (d *DTLSConnector) Destroy() {
	d.Stop()
	d.mu.Lock()
	d.destroyed = true
	d.mu.Unlock()
}

// Send writes one datagram into the peer's session, performing the
// handshake first if no session exists. The frame's
// OnContextEstablished callback fires with the session context before
// the write, so the sender can pin responses to this session.
func (d *DTLSConnector) Send(raw *RawData) error {
	if raw.Addr == nil {
		return ErrInvalidAddress
	}

	sess, err := d.sessionFor(raw.Addr)
	if err != nil {
		return err
	}

	if raw.OnContextEstablished != nil {
		raw.OnContextEstablished(sess.ctx)
	}

	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	if _, err := sess.conn.Write(raw.Data); err != nil {
		d.dropSession(raw.Addr.String(), sess)
		return err
	}
	return nil
}

// Addr returns the listener address, or nil for outbound-only
// connectors.
func (d *DTLSConnector) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// Scheme returns "coap"; the connector serves the secure variant, which
// IsSchemeSupported reports.
func (d *DTLSConnector) Scheme() string {
	return SchemeCoAP
}

// IsSchemeSupported reports whether the connector serves the scheme.
func (d *DTLSConnector) IsSchemeSupported(scheme string) bool {
	return scheme == SchemeCoAPSecure
}

// sessionFor returns the session with addr, dialing a handshake if none
// exists.
func (d *DTLSConnector) sessionFor(addr net.Addr) (*dtlsSession, error) {
	key := addr.String()

	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	if sess, ok := d.sessions[key]; ok {
		d.mu.Unlock()
		return sess, nil
	}
	closeCh := d.closeCh
	d.mu.Unlock()

	udpAddr, err := net.ResolveUDPAddr("udp", key)
	if err != nil {
		return nil, fmt.Errorf("transport: resolving %s: %w", key, err)
	}
	conn, err := dtls.Dial("udp", udpAddr, d.config.DTLS)
	if err != nil {
		return nil, fmt.Errorf("transport: DTLS handshake with %s: %w", key, err)
	}
	hsCtx, cancel := context.WithTimeout(context.Background(), d.config.DialTimeout)
	err = conn.HandshakeContext(hsCtx)
	cancel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("transport: DTLS handshake with %s: %w", key, err)
	}

	sess := d.registerSession(key, conn, closeCh)
	if sess == nil {
		_ = conn.Close()
		return nil, ErrClosed
	}
	return sess, nil
}

// registerSession records an established session and starts its read
// loop. Returns nil if the connector stopped meanwhile.
func (d *DTLSConnector) registerSession(key string, conn *dtls.Conn, closeCh chan struct{}) *dtlsSession {
	d.mu.Lock()
	if !d.started || d.closeCh != closeCh {
		d.mu.Unlock()
		return nil
	}
	if existing, ok := d.sessions[key]; ok {
		d.mu.Unlock()
		_ = conn.Close()
		return existing
	}

	d.sessSeq++
	id := fmt.Sprintf("dtls-%s-%d", key, d.sessSeq)
	identity := ""
	if state, ok := conn.ConnectionState(); ok {
		if len(state.SessionID) > 0 {
			id = "dtls-" + hex.EncodeToString(state.SessionID)
		}
		identity = string(state.IdentityHint)
	}

	sess := &dtlsSession{
		conn:     conn,
		ctx:      EndpointContext{ID: id},
		identity: identity,
	}
	d.sessions[key] = sess
	d.mu.Unlock()

	d.wg.Add(1)
	go d.readLoop(key, sess, closeCh)
	return sess
}

// dropSession removes and closes a session.
func (d *DTLSConnector) dropSession(key string, sess *dtlsSession) {
	d.mu.Lock()
	if d.sessions != nil && d.sessions[key] == sess {
		delete(d.sessions, key)
	}
	d.mu.Unlock()
	_ = sess.conn.Close()
}

// acceptLoop accepts inbound handshakes.
func (d *DTLSConnector) acceptLoop(listener net.Listener, closeCh chan struct{}) {
	defer d.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-closeCh:
				return
			default:
				if d.log != nil {
					d.log.Warnf("DTLS accept error: %v", err)
				}
				continue
			}
		}
		dc, ok := conn.(*dtls.Conn)
		if !ok {
			_ = conn.Close()
			continue
		}
		d.registerSession(conn.RemoteAddr().String(), dc, closeCh)
	}
}

// readLoop reads datagrams from one session and hands them to the
// receiver.
func (d *DTLSConnector) readLoop(key string, sess *dtlsSession, closeCh chan struct{}) {
	defer d.wg.Done()

	buf := make([]byte, d.config.DatagramSize)
	for {
		n, err := sess.conn.Read(buf)
		if err != nil {
			select {
			case <-closeCh:
			default:
				if d.log != nil {
					d.log.Debugf("DTLS session with %s closed: %v", key, err)
				}
				d.dropSession(key, sess)
			}
			return
		}
		if n == 0 {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		d.receiver(&RawData{
			Data:           data,
			Addr:           sess.conn.RemoteAddr(),
			Context:        sess.ctx,
			Secure:         true,
			SenderIdentity: sess.identity,
		})
	}
}

// Verify DTLSConnector implements Connector.
var _ Connector = (*DTLSConnector)(nil)
