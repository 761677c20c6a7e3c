package transport

import (
	"bytes"
	"testing"
	"time"

	"github.com/backkem/coap/pkg/message"
)

func encodeFrame(t *testing.T, payload []byte) []byte {
	t.Helper()
	req := message.NewRequest(message.CodePOST)
	req.Token = []byte{0x01}
	req.Payload = payload
	data, err := message.EncodeTCP(&req.Message)
	if err != nil {
		t.Fatalf("EncodeTCP failed: %v", err)
	}
	return data
}

func TestTCPConnectorSendReceive(t *testing.T) {
	received := make(chan *RawData, 2)
	server := NewTCPConnector(TCPConfig{ListenAddr: "127.0.0.1:0"})
	server.SetRawDataReceiver(func(raw *RawData) { received <- raw })
	if err := server.Start(); err != nil {
		t.Fatalf("server Start failed: %v", err)
	}
	defer server.Destroy()

	client := NewTCPConnector(TCPConfig{})
	client.SetRawDataReceiver(func(raw *RawData) {})
	if err := client.Start(); err != nil {
		t.Fatalf("client Start failed: %v", err)
	}
	defer client.Destroy()

	frame := encodeFrame(t, []byte("stream"))
	var ctx EndpointContext
	raw := &RawData{
		Data: frame,
		Addr: server.Addr(),
		OnContextEstablished: func(c EndpointContext) { ctx = c },
	}
	if err := client.Send(raw); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if ctx.IsZero() {
		t.Error("no correlation context established on send")
	}

	select {
	case got := <-received:
		if !bytes.Equal(got.Data, frame) {
			t.Errorf("frame = %x, want %x", got.Data, frame)
		}
		if got.Context.IsZero() {
			t.Error("inbound frame missing connection context")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered")
	}

	// A second send reuses the connection and reports the same context.
	var ctx2 EndpointContext
	raw2 := &RawData{
		Data: frame,
		Addr: server.Addr(),
		OnContextEstablished: func(c EndpointContext) { ctx2 = c },
	}
	if err := client.Send(raw2); err != nil {
		t.Fatalf("second Send failed: %v", err)
	}
	if !ctx.Equal(ctx2) {
		t.Errorf("context changed across sends on one connection: %v vs %v", ctx, ctx2)
	}
}

func TestTCPConnectorSendFailsWhenDialFails(t *testing.T) {
	c := NewTCPConnector(TCPConfig{DialTimeout: 100 * time.Millisecond})
	c.SetRawDataReceiver(func(raw *RawData) {})
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Destroy()

	// A destination the dialer cannot reach fails the send rather than
	// queueing forever.
	addr := PipeAddr{ID: 0, Port: 1}
	err := c.Send(&RawData{Data: []byte{1}, Addr: addr})
	if err == nil {
		t.Fatal("Send to unreachable peer should fail")
	}
}

func TestTCPConnectorScheme(t *testing.T) {
	plain := NewTCPConnector(TCPConfig{})
	if plain.Scheme() != SchemeCoAPTCP {
		t.Errorf("scheme = %q", plain.Scheme())
	}
	if !plain.IsSchemeSupported(SchemeCoAPTCP) || plain.IsSchemeSupported(SchemeCoAPSecureTCP) {
		t.Error("plain scheme support incorrect")
	}
}
