package message

import (
	"net"
	"sync"
	"time"
)

// MaxTokenLength is the maximum token size in bytes (RFC 7252 Section 3).
const MaxTokenLength = 8

// NoMID marks a message whose MID has not been assigned yet. The matcher
// assigns an MID from its counter before the message reaches the wire.
const NoMID = -1

// Message is the common part of requests, responses and empty messages.
//
// Field mutation is confined to the protocol stage with two exceptions:
// the cancellation flag and the event handlers, which are guarded by the
// message's own mutex because application code may touch them from its
// own goroutines.
type Message struct {
	// Type is the message type (CON, NON, ACK, RST).
	Type Type

	// Code is the message code (class.detail).
	Code Code

	// MID is the 16-bit message ID, or NoMID if not assigned yet.
	MID int

	// Token correlates a request with its responses. Zero to eight bytes.
	Token []byte

	// Options is the ordered option list.
	Options Options

	// Payload is the message body.
	Payload []byte

	// Destination is the remote address for outbound messages.
	Destination net.Addr

	// Source is the remote address of inbound messages.
	Source net.Addr

	// Timestamp records when the message was sent or received.
	Timestamp time.Time

	mu           sync.Mutex
	canceled     bool
	duplicate    bool
	acknowledged bool
	rejected     bool
	timedOut     bool

	onCanceled []func()
}

// Cancel marks the message canceled and fires the cancellation handlers.
// Downstream stages check the flag after every interceptor fan-out and
// short-circuit. Canceling twice is a no-op.
func (m *Message) Cancel() {
	m.mu.Lock()
	if m.canceled {
		m.mu.Unlock()
		return
	}
	m.canceled = true
	handlers := m.onCanceled
	m.mu.Unlock()

	for _, h := range handlers {
		h()
	}
}

// IsCanceled reports whether the message has been canceled.
func (m *Message) IsCanceled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canceled
}

// OnCanceled registers a handler invoked when the message is canceled.
func (m *Message) OnCanceled(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCanceled = append(m.onCanceled, fn)
}

// SetDuplicate marks the message as a detected retransmission.
func (m *Message) SetDuplicate(dup bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.duplicate = dup
}

// IsDuplicate reports whether the matcher flagged this message as a
// retransmission of an already seen message.
func (m *Message) IsDuplicate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.duplicate
}

// SetAcknowledged records that a matching ACK arrived.
func (m *Message) SetAcknowledged(ack bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acknowledged = ack
}

// IsAcknowledged reports whether a matching ACK arrived.
func (m *Message) IsAcknowledged() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acknowledged
}

// SetRejected records that the peer answered with a Reset.
func (m *Message) SetRejected(rej bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected = rej
}

// IsRejected reports whether the peer answered with a Reset.
func (m *Message) IsRejected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rejected
}

// IsConfirmable reports whether the message type is CON.
func (m *Message) IsConfirmable() bool {
	return m.Type == TypeCon
}

// HasMID reports whether an MID has been assigned.
func (m *Message) HasMID() bool {
	return m.MID != NoMID
}

// Request is a CoAP request (code class 0).
type Request struct {
	Message

	// Scheme is the URI scheme the request was sent or received under
	// (coap, coaps, coap+tcp, coaps+tcp).
	Scheme string

	// SenderIdentity is the authenticated identity of the sender of an
	// inbound request, as reported by a secure connector. Empty for
	// unauthenticated transports.
	SenderIdentity string

	hmu        sync.Mutex
	onResponse func(*Response)
	onTimeout  func()
	onError    func(error)
}

// NewRequest creates a request with the given code and an unassigned MID.
func NewRequest(code Code) *Request {
	return &Request{Message: Message{Code: code, MID: NoMID}}
}

// OnResponse registers the handler invoked with each matched response.
func (r *Request) OnResponse(fn func(*Response)) {
	r.hmu.Lock()
	defer r.hmu.Unlock()
	r.onResponse = fn
}

// DeliverResponse invokes the registered response handler, if any.
func (r *Request) DeliverResponse(resp *Response) {
	r.hmu.Lock()
	fn := r.onResponse
	r.hmu.Unlock()
	if fn != nil {
		fn(resp)
	}
}

// OnTimeout registers the handler invoked when retransmission gives up.
func (r *Request) OnTimeout(fn func()) {
	r.hmu.Lock()
	defer r.hmu.Unlock()
	r.onTimeout = fn
}

// SetTimedOut marks the request timed out and fires the timeout handler.
func (r *Request) SetTimedOut() {
	r.mu.Lock()
	if r.timedOut {
		r.mu.Unlock()
		return
	}
	r.timedOut = true
	r.mu.Unlock()

	r.hmu.Lock()
	fn := r.onTimeout
	r.hmu.Unlock()
	if fn != nil {
		fn()
	}
}

// IsTimedOut reports whether retransmission gave up on this request.
func (r *Request) IsTimedOut() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timedOut
}

// OnError registers the handler invoked when the request cannot be sent
// at all, such as a rejected duplicate token.
func (r *Request) OnError(fn func(error)) {
	r.hmu.Lock()
	defer r.hmu.Unlock()
	r.onError = fn
}

// Fail invokes the registered error handler, if any.
func (r *Request) Fail(err error) {
	r.hmu.Lock()
	fn := r.onError
	r.hmu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Response is a CoAP response (code class 2, 4 or 5).
type Response struct {
	Message

	// RTT is the round-trip time, stamped when the response is matched
	// to its exchange.
	RTT time.Duration
}

// NewResponse creates a response with the given code, an unassigned MID
// and an unset type. The reliability layer decides between piggy-backed
// ACK and separate response when the type is left unset.
func NewResponse(code Code) *Response {
	return &Response{Message: Message{Type: TypeUnset, Code: code, MID: NoMID}}
}

// IsNotification reports whether the response carries an Observe option.
func (r *Response) IsNotification() bool {
	_, ok := r.Options.Observe()
	return ok
}

// EmptyMessage is a message with code 0.00: a bare ACK, an RST, or a
// CoAP ping (empty CON).
type EmptyMessage struct {
	Message
}

// NewEmpty creates an empty message of the given type.
func NewEmpty(t Type) *EmptyMessage {
	return &EmptyMessage{Message: Message{Type: t, Code: CodeEmpty, MID: NoMID}}
}

// NewAckFor creates an ACK for the given message, echoing its MID.
func NewAckFor(m *Message) *EmptyMessage {
	ack := NewEmpty(TypeAck)
	ack.MID = m.MID
	ack.Destination = m.Source
	return ack
}

// NewRstFor creates an RST rejecting the given message, echoing its MID.
func NewRstFor(m *Message) *EmptyMessage {
	rst := NewEmpty(TypeRst)
	rst.MID = m.MID
	rst.Destination = m.Source
	return rst
}
