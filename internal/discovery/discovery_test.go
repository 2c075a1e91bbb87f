package discovery

import (
	"encoding/binary"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/wayhost/deskbridge/internal/protocol"
)

func TestResponderAnswersBeaconContainingTrigger(t *testing.T) {
	r, err := Start("127.0.0.1:0", "test-host", "AA:BB:CC")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	client, err := net.DialUDP("udp", nil, r.conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("wayland-connect-discovery-probe")); err != nil {
		t.Fatalf("write: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}

	length := binary.BigEndian.Uint32(buf[:4])
	var env protocol.Envelope
	if err := json.Unmarshal(buf[4:4+length], &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != "discovery_response" {
		t.Fatalf("Type = %q", env.Type)
	}

	var resp protocol.DiscoveryResponse
	if err := protocol.Decode(&env, &resp); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if resp.ServerName != "test-host" {
		t.Fatalf("ServerName = %q", resp.ServerName)
	}
	if resp.Fingerprint == nil || *resp.Fingerprint != "AA:BB:CC" {
		t.Fatalf("Fingerprint = %v", resp.Fingerprint)
	}
}

func TestResponderIgnoresNonMatchingPayload(t *testing.T) {
	r, err := Start("127.0.0.1:0", "test-host", "AA:BB:CC")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	client, err := net.DialUDP("udp", nil, r.conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 64)
	if _, err := client.Read(buf); err == nil {
		t.Fatal("expected no response for a non-matching payload")
	}
}
