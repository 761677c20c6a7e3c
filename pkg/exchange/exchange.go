package exchange

import (
	"net"
	"sync"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
)

// BlockState is the reassembly or transfer state of one blockwise
// direction (RFC 7959). The blockwise layer owns the semantics; the
// exchange only carries it so the state travels with the correlation.
type BlockState struct {
	// Body is the full body: accumulated so far on receive, complete on
	// send.
	Body []byte

	// Current is the block number expected or offered next.
	Current uint32

	// SZX is the negotiated block size exponent.
	SZX uint8

	// Token is the token of the transfer, to detect restarts.
	Token []byte

	// Complete marks a finished transfer.
	Complete bool
}

// retransmission is the reliability layer's per-exchange record.
type retransmission struct {
	attempt int
	timeout time.Duration
	cancel  func()
}

// Exchange is the correlation state between one request and the set of
// responses, ACKs and RSTs it elicits. It is created by the matcher on
// first send (local origin) or on the first received CON/NON (remote
// origin), and destroyed on completion, cancellation or lifetime
// eviction.
//
// Each protocol layer keeps its state in its own sub-record: the
// reliability layer in the retransmission record, the blockwise layer
// in Block1/Block2, the observe layer in the observation reference.
type Exchange struct {
	origin    Origin
	peer      net.Addr
	timestamp time.Time

	mu             sync.Mutex
	request        *message.Request
	response       *message.Response
	ctx            transport.EndpointContext
	observation    *Observation
	customExecutor bool
	canceled       bool
	completed      bool
	onComplete     []func()

	retransmission retransmission
	block1         *BlockState
	block2         *BlockState
}

// New creates an exchange for a request.
func New(origin Origin, request *message.Request, peer net.Addr, now time.Time) *Exchange {
	return &Exchange{
		origin:    origin,
		peer:      peer,
		timestamp: now,
		request:   request,
	}
}

// Origin reports which side created the exchange.
func (e *Exchange) Origin() Origin { return e.origin }

// Peer returns the remote endpoint address.
func (e *Exchange) Peer() net.Addr { return e.peer }

// Timestamp returns the creation time, used for lifetime eviction and
// round-trip measurement.
func (e *Exchange) Timestamp() time.Time { return e.timestamp }

// Request returns the current request.
func (e *Exchange) Request() *message.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.request
}

// SetRequest replaces the current request (blockwise transfers advance
// it block by block).
func (e *Exchange) SetRequest(r *message.Request) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.request = r
}

// Response returns the current response, nil until one was produced.
func (e *Exchange) Response() *message.Response {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.response
}

// SetResponse records the current response. For remote-origin exchanges
// it doubles as the cached response re-sent on duplicate requests.
func (e *Exchange) SetResponse(r *message.Response) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.response = r
}

// Context returns the correlation context the transport established for
// this exchange, zero until the handshake completed.
func (e *Exchange) Context() transport.EndpointContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx
}

// SetContext pins the exchange to a transport session. Responses
// arriving under a different context are rejected by the matcher.
func (e *Exchange) SetContext(ctx transport.EndpointContext) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ctx = ctx
}

// Observation returns the observe relation, if this exchange carries
// one.
func (e *Exchange) Observation() *Observation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.observation
}

// SetObservation attaches an observe relation. Observe-bearing
// exchanges are exempt from lifetime eviction until canceled.
func (e *Exchange) SetObservation(o *Observation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observation = o
}

// HasCustomExecutor reports whether responses for this exchange must be
// posted to the protocol stage instead of running on the caller's
// thread.
func (e *Exchange) HasCustomExecutor() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.customExecutor
}

// SetCustomExecutor marks the exchange as driven from an application
// executor.
func (e *Exchange) SetCustomExecutor() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.customExecutor = true
}

// Block1 returns the block1 transfer state, nil if none is in progress.
func (e *Exchange) Block1() *BlockState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.block1
}

// SetBlock1 installs or clears the block1 transfer state.
func (e *Exchange) SetBlock1(s *BlockState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.block1 = s
}

// Block2 returns the block2 transfer state, nil if none is in progress.
func (e *Exchange) Block2() *BlockState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.block2
}

// SetBlock2 installs or clears the block2 transfer state.
func (e *Exchange) SetBlock2(s *BlockState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.block2 = s
}

// RetransmissionAttempt returns the number of retransmissions so far.
func (e *Exchange) RetransmissionAttempt() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retransmission.attempt
}

// SetRetransmissionAttempt records the retransmission count.
func (e *Exchange) SetRetransmissionAttempt(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retransmission.attempt = n
}

// CurrentTimeout returns the timeout armed for the next retransmission.
func (e *Exchange) CurrentTimeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retransmission.timeout
}

// SetCurrentTimeout records the timeout for the next retransmission.
func (e *Exchange) SetCurrentTimeout(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retransmission.timeout = d
}

// SetRetransmissionHandle installs the timer disarm hook, replacing and
// disarming any previous one.
func (e *Exchange) SetRetransmissionHandle(cancel func()) {
	e.mu.Lock()
	prev := e.retransmission.cancel
	e.retransmission.cancel = cancel
	e.mu.Unlock()

	if prev != nil {
		prev()
	}
}

// DisarmRetransmission stops the retransmission timer, if armed. Called
// when a matching ACK, RST or response arrives.
func (e *Exchange) DisarmRetransmission() {
	e.disarm()
}

// disarm stops the retransmission timer, if armed.
func (e *Exchange) disarm() {
	e.mu.Lock()
	cancel := e.retransmission.cancel
	e.retransmission.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// OnComplete registers a callback invoked exactly once when the
// exchange completes or is canceled. The matcher uses it to release the
// exchange's keys.
func (e *Exchange) OnComplete(fn func()) {
	e.mu.Lock()
	if e.completed {
		e.mu.Unlock()
		fn()
		return
	}
	e.onComplete = append(e.onComplete, fn)
	e.mu.Unlock()
}

// Complete marks the exchange finished: disarms timers and runs the
// completion callbacks exactly once.
func (e *Exchange) Complete() {
	e.mu.Lock()
	if e.completed {
		e.mu.Unlock()
		return
	}
	e.completed = true
	callbacks := e.onComplete
	e.onComplete = nil
	e.mu.Unlock()

	e.disarm()
	for _, fn := range callbacks {
		fn()
	}
}

// IsComplete reports whether the exchange finished.
func (e *Exchange) IsComplete() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.completed
}

// Cancel marks the exchange canceled and completes it: timers are
// disarmed and the completion callbacks release the matcher keys.
func (e *Exchange) Cancel() {
	e.mu.Lock()
	if e.canceled {
		e.mu.Unlock()
		return
	}
	e.canceled = true
	request := e.request
	e.mu.Unlock()

	if request != nil {
		request.Cancel()
	}
	e.Complete()
}

// IsCanceled reports whether the exchange was canceled.
func (e *Exchange) IsCanceled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canceled
}
