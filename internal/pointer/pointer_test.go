package pointer

import (
	"net"
	"strings"
	"testing"
	"time"
)

// listen opens a UDP socket on loopback and returns its address, for a
// Manager to dial as if it were the overlay sink.
func listen(t *testing.T) (*net.UDPConn, string) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, conn.LocalAddr().String()
}

func recvLine(t *testing.T, conn *net.UDPConn) string {
	t.Helper()
	buf := make([]byte, 1024)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(buf[:n])
}

func TestUpdateActivatingSendsStartThenInterpolatedFrames(t *testing.T) {
	sink, addr := listen(t)

	m, err := New(4*time.Millisecond, addr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Stop()

	m.Update("dev-1", true, 0, 0.8, 0.3, 1.0, "#ffffff", 1.0, 0, 1.0, false, 0, 0)

	line := recvLine(t, sink)
	if line != "dev-1|START" {
		t.Fatalf("first datagram = %q, want dev-1|START", line)
	}

	frame := recvLine(t, sink)
	if !strings.HasPrefix(frame, "dev-1|") {
		t.Fatalf("frame %q missing device prefix", frame)
	}
	fields := strings.Split(strings.TrimPrefix(frame, "dev-1|"), ",")
	if len(fields) != 11 {
		t.Fatalf("expected 11 comma fields, got %d: %v", len(fields), fields)
	}
}

func TestUpdateDeactivatingSendsStop(t *testing.T) {
	sink, addr := listen(t)
	m, err := New(4*time.Millisecond, addr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Stop()

	m.Update("dev-1", true, 0, 0.5, 0.5, 1.0, "#fff", 1.0, 0, 1.0, false, 0, 0)
	recvLine(t, sink) // START
	recvLine(t, sink) // first frame

	m.Update("dev-1", false, 0, 0.5, 0.5, 1.0, "#fff", 1.0, 0, 1.0, false, 0, 0)
	line := recvLine(t, sink)
	if line != "dev-1|STOP" {
		t.Fatalf("got %q, want dev-1|STOP", line)
	}
}

func TestControlDatagramsCarryDevicePrefix(t *testing.T) {
	sink, addr := listen(t)
	m, err := New(4*time.Millisecond, addr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Stop()

	m.SetMonitor("dev-2", 1)
	if got := recvLine(t, sink); got != "dev-2|MONITOR:1" {
		t.Fatalf("SetMonitor = %q", got)
	}

	m.RunTestSequence("dev-2")
	if got := recvLine(t, sink); got != "dev-2|TEST_SEQUENCE" {
		t.Fatalf("RunTestSequence = %q", got)
	}
}

func TestReloadAndClearImageCarryNoDevicePrefix(t *testing.T) {
	sink, addr := listen(t)
	m, err := New(4*time.Millisecond, addr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Stop()

	m.ReloadImage()
	if got := recvLine(t, sink); got != "RELOAD_IMAGE" {
		t.Fatalf("ReloadImage = %q", got)
	}

	m.ClearImage()
	if got := recvLine(t, sink); got != "CLEAR_IMAGE" {
		t.Fatalf("ClearImage = %q", got)
	}
}

func TestRemoveStopsFurtherFrames(t *testing.T) {
	sink, addr := listen(t)
	m, err := New(4*time.Millisecond, addr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Stop()

	m.Update("dev-3", true, 0, 0.5, 0.5, 1.0, "#fff", 1.0, 0, 1.0, false, 0, 0)
	recvLine(t, sink) // START
	m.Remove("dev-3")

	sink.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	buf := make([]byte, 64)
	if n, _, err := sink.ReadFromUDP(buf); err == nil {
		t.Fatalf("expected no further datagrams after Remove, got %q", string(buf[:n]))
	}
}
