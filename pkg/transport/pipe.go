package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v3/test"
)

// PipeAddr implements net.Addr for pipe endpoints.
type PipeAddr struct {
	ID   int // Endpoint ID (0 or 1)
	Port int // Logical port number
}

// Network returns "pipe".
func (a PipeAddr) Network() string { return "pipe" }

// String returns a string representation of the address.
func (a PipeAddr) String() string { return fmt.Sprintf("pipe:%d:%d", a.ID, a.Port) }

// PipeConnector is an in-memory datagram connector for tests. A pair of
// connectors shares a pion test bridge; frames written on one side
// arrive at the other without real network I/O.
//
// The peer context is settable, so tests can simulate a handshake
// renegotiation mid-exchange and exercise correlation rejection.
type PipeConnector struct {
	conn      net.Conn
	localAddr PipeAddr
	peerAddr  PipeAddr
	pipe      *Pipe

	mu       sync.Mutex
	receiver RawDataReceiver
	ctx      EndpointContext
	secure   bool
	started  bool
	wg       sync.WaitGroup
	closeCh  chan struct{}
}

// Pipe couples the two connectors of a pair and pumps the bridge.
type Pipe struct {
	bridge *test.Bridge

	mu      sync.Mutex
	auto    bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped bool
}

// NewPipeConnectorPair creates two connected pipe connectors with
// automatic frame delivery.
func NewPipeConnectorPair() (*PipeConnector, *PipeConnector) {
	pipe := &Pipe{bridge: test.NewBridge(), auto: true, stopCh: make(chan struct{})}
	pipe.wg.Add(1)
	go func() {
		defer pipe.wg.Done()
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-pipe.stopCh:
				return
			case <-ticker.C:
				pipe.bridge.Tick()
			}
		}
	}()

	c0 := &PipeConnector{
		conn:      pipe.bridge.GetConn0(),
		localAddr: PipeAddr{ID: 0, Port: DefaultPort},
		peerAddr:  PipeAddr{ID: 1, Port: DefaultPort},
		pipe:      pipe,
	}
	c1 := &PipeConnector{
		conn:      pipe.bridge.GetConn1(),
		localAddr: PipeAddr{ID: 1, Port: DefaultPort},
		peerAddr:  PipeAddr{ID: 0, Port: DefaultPort},
		pipe:      pipe,
	}
	return c0, c1
}

// Close stops the pump and closes both bridge connections.
func (p *Pipe) Close() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	_ = p.bridge.GetConn0().Close()
	_ = p.bridge.GetConn1().Close()
}

// SetContext sets the correlation context stamped on frames this
// connector sends and receives from now on. Tests use it to simulate a
// new session.
func (c *PipeConnector) SetContext(ctx EndpointContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx = ctx
}

// SetSecure marks inbound frames as arriving over a secure transport.
func (c *PipeConnector) SetSecure(secure bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.secure = secure
}

// Pipe returns the shared pipe, for closing.
func (c *PipeConnector) Pipe() *Pipe { return c.pipe }

// SetRawDataReceiver registers the inbound frame consumer.
func (c *PipeConnector) SetRawDataReceiver(receiver RawDataReceiver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receiver = receiver
}

// Start launches the read goroutine.
func (c *PipeConnector) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	if c.receiver == nil {
		return ErrNoReceiver
	}
	c.started = true
	c.closeCh = make(chan struct{})

	c.wg.Add(1)
	go c.readLoop(c.closeCh)
	return nil
}

// Stop halts delivery of inbound frames.
func (c *PipeConnector) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	close(c.closeCh)
	c.mu.Unlock()
}

// Destroy stops the connector and closes the pipe.
func (c *PipeConnector) Destroy() {
	c.Stop()
	c.pipe.Close()
}

// Send writes one frame to the peer.
func (c *PipeConnector) Send(raw *RawData) error {
	if raw.Addr == nil {
		return ErrInvalidAddress
	}
	c.mu.Lock()
	started := c.started
	ctx := c.ctx
	c.mu.Unlock()
	if !started {
		return ErrClosed
	}

	if raw.OnContextEstablished != nil && !ctx.IsZero() {
		raw.OnContextEstablished(ctx)
	}

	_, err := c.conn.Write(raw.Data)
	return err
}

// Addr returns the pipe address of this side.
func (c *PipeConnector) Addr() net.Addr { return c.localAddr }

// PeerAddr returns the pipe address of the other side.
func (c *PipeConnector) PeerAddr() net.Addr { return c.peerAddr }

// Scheme returns "coap".
func (c *PipeConnector) Scheme() string { return SchemeCoAP }

// IsSchemeSupported reports whether the connector serves the scheme.
func (c *PipeConnector) IsSchemeSupported(scheme string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.secure {
		return scheme == SchemeCoAPSecure
	}
	return scheme == SchemeCoAP
}

// readLoop delivers inbound frames until the connector stops.
func (c *PipeConnector) readLoop(closeCh chan struct{}) {
	defer c.wg.Done()

	buf := make([]byte, DefaultDatagramSize)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			return
		}

		select {
		case <-closeCh:
			return
		default:
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		c.mu.Lock()
		receiver := c.receiver
		ctx := c.ctx
		secure := c.secure
		c.mu.Unlock()

		if receiver != nil {
			receiver(&RawData{
				Data:    data,
				Addr:    c.peerAddr,
				Context: ctx,
				Secure:  secure,
			})
		}
	}
}

// Verify PipeConnector implements Connector.
var _ Connector = (*PipeConnector)(nil)
