package transport

import (
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
)

// DefaultPort is the default CoAP port (RFC 7252 Section 6.1).
const DefaultPort = 5683

// DefaultDatagramSize is the default receive buffer for one datagram.
const DefaultDatagramSize = 2048

// defaultSendQueueSize bounds the outbound queue. Sends are
// fire-and-forget; the queue absorbs bursts between the protocol stage
// and the sender goroutines.
const defaultSendQueueSize = 64

// UDPConfig configures a UDP connector.
type UDPConfig struct {
	// Conn is an optional pre-existing PacketConn to use. If nil, a new
	// socket is created from ListenAddr on every Start.
	Conn net.PacketConn

	// ListenAddr is the address to bind (e.g. ":5683"). Ignored if Conn
	// is provided. Empty means an ephemeral port on all interfaces.
	ListenAddr string

	// ReceiverCount is the number of reader goroutines. Default 1.
	ReceiverCount int

	// SenderCount is the number of sender goroutines. Default 1.
	SenderCount int

	// ReceiveBufferSize sets SO_RCVBUF when positive.
	ReceiveBufferSize int

	// SendBufferSize sets SO_SNDBUF when positive.
	SendBufferSize int

	// DatagramSize is the per-read buffer size. Default 2048.
	DatagramSize int

	// LoggerFactory creates the connector's logger. Nil disables logging.
	LoggerFactory logging.LoggerFactory
}

// UDPConnector is the plain datagram transport for the coap scheme.
// It owns the socket and its receiver and sender goroutines; the CoAP
// layers above never touch the network directly.
type UDPConnector struct {
	config   UDPConfig
	receiver RawDataReceiver
	log      logging.LeveledLogger

	mu        sync.Mutex
	conn      net.PacketConn
	outCh     chan *RawData
	closeCh   chan struct{}
	wg        sync.WaitGroup
	started   bool
	destroyed bool
}

// NewUDPConnector creates a UDP connector. The socket is not opened
// until Start.
func NewUDPConnector(config UDPConfig) *UDPConnector {
	if config.ReceiverCount <= 0 {
		config.ReceiverCount = 1
	}
	if config.SenderCount <= 0 {
		config.SenderCount = 1
	}
	if config.DatagramSize <= 0 {
		config.DatagramSize = DefaultDatagramSize
	}

	u := &UDPConnector{config: config}
	if config.LoggerFactory != nil {
		u.log = config.LoggerFactory.NewLogger("transport-udp")
	}
	return u
}

// SetRawDataReceiver registers the inbound frame consumer.
func (u *UDPConnector) SetRawDataReceiver(receiver RawDataReceiver) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.receiver = receiver
}

// Start opens the socket and launches the receiver and sender
// goroutines.
func (u *UDPConnector) Start() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.destroyed {
		return ErrDestroyed
	}
	if u.started {
		return ErrAlreadyStarted
	}
	if u.receiver == nil {
		return ErrNoReceiver
	}

	conn := u.config.Conn
	if conn == nil {
		addr := u.config.ListenAddr
		if addr == "" {
			addr = ":0"
		}
		c, err := net.ListenPacket("udp", addr)
		if err != nil {
			return err
		}
		conn = c
	}

	if udp, ok := conn.(*net.UDPConn); ok {
		if u.config.ReceiveBufferSize > 0 {
			_ = udp.SetReadBuffer(u.config.ReceiveBufferSize)
		}
		if u.config.SendBufferSize > 0 {
			_ = udp.SetWriteBuffer(u.config.SendBufferSize)
		}
	}

	u.conn = conn
	u.outCh = make(chan *RawData, defaultSendQueueSize)
	u.closeCh = make(chan struct{})
	u.started = true

	if u.log != nil {
		u.log.Infof("starting UDP connector on %s", conn.LocalAddr())
	}

	for i := 0; i < u.config.ReceiverCount; i++ {
		u.wg.Add(1)
		go u.readLoop(conn, u.closeCh)
	}
	for i := 0; i < u.config.SenderCount; i++ {
		u.wg.Add(1)
		go u.sendLoop(conn, u.outCh, u.closeCh)
	}

	return nil
}

// Stop closes the socket and waits for the I/O goroutines to exit. The
// connector can be started again afterwards.
func (u *UDPConnector) Stop() {
	u.mu.Lock()
	if !u.started {
		u.mu.Unlock()
		return
	}
	u.started = false
	conn := u.conn
	close(u.closeCh)
	u.mu.Unlock()

	if u.log != nil {
		u.log.Info("stopping UDP connector")
	}

	// Unblock pending reads before closing.
	_ = conn.SetReadDeadline(time.Now())
	_ = conn.Close()
	u.wg.Wait()

	u.mu.Lock()
	u.conn = nil
	u.mu.Unlock()
}

// Destroy stops the connector and marks it unusable.
func (u *UDPConnector) Destroy() {
	u.Stop()
	u.mu.Lock()
	u.destroyed = true
	u.mu.Unlock()
}

// Send queues one datagram for transmission. Plain UDP has no session,
// so an OnContextEstablished callback on the frame is never invoked.
func (u *UDPConnector) Send(raw *RawData) error {
	if raw.Addr == nil {
		return ErrInvalidAddress
	}
	if len(raw.Data) > u.config.DatagramSize {
		return ErrMessageTooLarge
	}

	u.mu.Lock()
	if !u.started {
		u.mu.Unlock()
		return ErrClosed
	}
	outCh := u.outCh
	closeCh := u.closeCh
	u.mu.Unlock()

	select {
	case outCh <- raw:
		return nil
	case <-closeCh:
		return ErrClosed
	}
}

// Addr returns the bound local address, or nil before Start.
func (u *UDPConnector) Addr() net.Addr {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

// Scheme returns "coap".
func (u *UDPConnector) Scheme() string {
	return SchemeCoAP
}

// IsSchemeSupported reports whether the connector serves the scheme.
func (u *UDPConnector) IsSchemeSupported(scheme string) bool {
	return scheme == SchemeCoAP
}

// readLoop reads datagrams and hands them to the receiver.
func (u *UDPConnector) readLoop(conn net.PacketConn, closeCh chan struct{}) {
	defer u.wg.Done()

	buf := make([]byte, u.config.DatagramSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-closeCh:
				return
			default:
				if u.log != nil {
					u.log.Warnf("UDP read error: %v", err)
				}
				continue
			}
		}
		if n == 0 {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		if u.log != nil {
			u.log.Debugf("received %d bytes from %v", n, addr)
		}

		u.receiver(&RawData{Data: data, Addr: addr})
	}
}

// sendLoop drains the outbound queue onto the socket.
func (u *UDPConnector) sendLoop(conn net.PacketConn, outCh chan *RawData, closeCh chan struct{}) {
	defer u.wg.Done()

	for {
		select {
		case <-closeCh:
			return
		case raw := <-outCh:
			if _, err := conn.WriteTo(raw.Data, raw.Addr); err != nil {
				if u.log != nil {
					u.log.Warnf("UDP send to %v failed: %v", raw.Addr, err)
				}
			}
		}
	}
}

// Verify UDPConnector implements Connector.
var _ Connector = (*UDPConnector)(nil)
