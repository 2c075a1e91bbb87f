package session

import (
	"net"
	"testing"
	"time"

	"github.com/wayhost/deskbridge/internal/audio"
	"github.com/wayhost/deskbridge/internal/capture"
	"github.com/wayhost/deskbridge/internal/config"
	"github.com/wayhost/deskbridge/internal/connregistry"
	"github.com/wayhost/deskbridge/internal/devicestore"
	"github.com/wayhost/deskbridge/internal/eventhandler"
	"github.com/wayhost/deskbridge/internal/mirror"
	"github.com/wayhost/deskbridge/internal/pointer"
	"github.com/wayhost/deskbridge/internal/protocol"
)

func socketPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	clientCh := make(chan net.Conn, 1)
	go func() {
		conn, err := net.Dial("tcp", listener.Addr().String())
		if err != nil {
			t.Errorf("dial: %v", err)
			return
		}
		clientCh <- conn
	}()

	serverConn, err := listener.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return serverConn, <-clientCh
}

func newTestSession(t *testing.T) (*Session, *protocol.Conn) {
	t.Helper()

	serverRaw, clientRaw := socketPair(t)
	t.Cleanup(func() { serverRaw.Close(); clientRaw.Close() })

	devices, err := devicestore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("devicestore.Open: %v", err)
	}

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { udpConn.Close() })

	pm, err := pointer.New(4*time.Millisecond, udpConn.LocalAddr().String())
	if err != nil {
		t.Fatalf("pointer.New: %v", err)
	}
	t.Cleanup(pm.Stop)

	handler := eventhandler.New(eventhandler.Handler{
		Devices: devices,
		Conns:   connregistry.New(),
		Mirror:  mirror.New(capture.NewNullSource()),
		Pointer: pm,
		Audio:   audio.NewNullSource(),
		Cfg:     config.Default(),
		CfgPath: t.TempDir() + "/config.yaml",
	})

	serverConn := protocol.NewConn(serverRaw)
	s := New(serverConn, "10.0.0.5:5555", "10.0.0.5", handler, handler.Conns, devices,
		audio.NewNullSource(), nil, config.Default())

	return s, protocol.NewConn(clientRaw)
}

func TestEnqueueDropsSilentlyWhenQueueFull(t *testing.T) {
	s, client := newTestSession(t)
	defer client.Close()

	for i := 0; i < cap(s.queue); i++ {
		s.queue <- protocol.Envelope{Type: "filler"}
	}

	s.enqueue(protocol.TypeSpectrum, protocol.Spectrum{Bands: make([]float32, 7)})

	if len(s.queue) != cap(s.queue) {
		t.Fatalf("queue len = %d, want unchanged at cap %d", len(s.queue), cap(s.queue))
	}
}

func TestRunRegistersAndCleansUpOnDisconnect(t *testing.T) {
	s, client := newTestSession(t)

	if err := s.Devices.Upsert(devicestore.Record{ID: "dev-x", IP: s.DeviceIP, Status: devicestore.StatusPending}); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.Run()
		close(done)
	}()

	// Give Run a moment to register the connection, then disconnect.
	time.Sleep(20 * time.Millisecond)
	if s.Conns.Count() == 0 {
		t.Fatal("expected connection to be registered while running")
	}
	client.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after peer disconnect")
	}

	if s.Conns.Count() != 0 {
		t.Fatal("expected connection to be deregistered after Run returns")
	}
	if _, ok := s.Devices.Get("dev-x"); ok {
		t.Fatal("expected stale pending record to be evicted on disconnect")
	}
}
