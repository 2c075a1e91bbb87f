package protocol

import (
	"encoding/binary"
	"net"
	"testing"
	"time"
)

type pingPayload struct {
	N int `json:"n"`
}

func TestSendReadFrameRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sc := NewConn(server)
	cc := NewConn(client)

	done := make(chan error, 1)
	go func() { done <- sc.Send("ping", pingPayload{N: 7}) }()

	env, ok, err := cc.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true for well-formed frame")
	}
	if env.Type != "ping" {
		t.Fatalf("Type = %q, want ping", env.Type)
	}

	var p pingPayload
	if err := Decode(env, &p); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.N != 7 {
		t.Fatalf("N = %d, want 7", p.N)
	}

	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestReadFrameOversizeIsFatal(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	cc := NewConn(client)

	go func() {
		header := make([]byte, 4)
		binary.BigEndian.PutUint32(header, MaxFrameSize+1)
		server.Write(header)
	}()

	_, ok, err := cc.ReadFrame()
	if err == nil {
		t.Fatal("expected an error for an oversize frame")
	}
	if ok {
		t.Fatal("ok should be false on a fatal framing error")
	}
}

func TestReadFrameMalformedJSONIsRecoverable(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	cc := NewConn(client)

	go func() {
		body := []byte("{not json")
		header := make([]byte, 4)
		binary.BigEndian.PutUint32(header, uint32(len(body)))
		server.Write(header)
		server.Write(body)
	}()

	env, ok, err := cc.ReadFrame()
	if err != nil {
		t.Fatalf("malformed envelope must not be a fatal error, got %v", err)
	}
	if ok {
		t.Fatal("ok should be false for a malformed envelope")
	}
	if env != nil {
		t.Fatal("env should be nil when ok is false")
	}
}

func TestEncodeFrameMatchesSendWireFormat(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	frame, err := EncodeFrame("ping", pingPayload{N: 3})
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}

	go func() { server.Write(frame) }()

	cc := NewConn(client)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	env, ok, err := cc.ReadFrame()
	if err != nil || !ok {
		t.Fatalf("ReadFrame of EncodeFrame output: ok=%v err=%v", ok, err)
	}
	var p pingPayload
	if err := Decode(env, &p); err != nil || p.N != 3 {
		t.Fatalf("Decode: err=%v p=%+v", err, p)
	}
}
