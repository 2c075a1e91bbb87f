package eventhandler

import (
	"net"
	"testing"
	"time"

	"github.com/wayhost/deskbridge/internal/audio"
	"github.com/wayhost/deskbridge/internal/capture"
	"github.com/wayhost/deskbridge/internal/config"
	"github.com/wayhost/deskbridge/internal/connregistry"
	"github.com/wayhost/deskbridge/internal/devicestore"
	"github.com/wayhost/deskbridge/internal/mirror"
	"github.com/wayhost/deskbridge/internal/pointer"
	"github.com/wayhost/deskbridge/internal/protocol"
)

type fakeInjector struct {
	moves  int
	clicks []string
	keys   []string
}

func (f *fakeInjector) MoveRelative(dx, dy float64) error { f.moves++; return nil }
func (f *fakeInjector) MoveAbsolute(x, y float64) error   { f.moves++; return nil }
func (f *fakeInjector) Click(button string) error         { f.clicks = append(f.clicks, button); return nil }
func (f *fakeInjector) MouseDown(button string) error     { return nil }
func (f *fakeInjector) MouseUp(button string) error       { return nil }
func (f *fakeInjector) ScrollVertical(dy float64) error   { return nil }
func (f *fakeInjector) ScrollHorizontal(dx float64) error { return nil }
func (f *fakeInjector) KeyPress(key string) error         { f.keys = append(f.keys, key); return nil }
func (f *fakeInjector) Close() error                      { return nil }

type fakeMonitorLister struct{ monitors []protocol.MonitorInfo }

func (f fakeMonitorLister) List() []protocol.MonitorInfo { return f.monitors }

func newTestHandler(t *testing.T) (*Handler, *fakeInjector) {
	t.Helper()

	devices, err := devicestore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("devicestore.Open: %v", err)
	}

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	overlayAddr := udpConn.LocalAddr().String()
	t.Cleanup(func() { udpConn.Close() })

	pm, err := pointer.New(4*time.Millisecond, overlayAddr)
	if err != nil {
		t.Fatalf("pointer.New: %v", err)
	}
	t.Cleanup(pm.Stop)

	inj := &fakeInjector{}
	cfg := config.Default()

	h := New(Handler{
		Devices:  devices,
		Conns:    connregistry.New(),
		Mirror:   mirror.New(capture.NewNullSource()),
		Pointer:  pm,
		Injector: inj,
		Monitors: fakeMonitorLister{monitors: []protocol.MonitorInfo{{ID: 0, Name: "eDP-1", Width: 1920, Height: 1080}}},
		Audio:    audio.NewNullSource(),
		Audit:    nil,
		Cfg:      cfg,
		CfgPath:  t.TempDir() + "/config.yaml",
	})
	return h, inj
}

func envelopeFor(t *testing.T, msgType string, payload any) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return &env
}

func TestPairRequestCreatesPendingRecordAndRespondsOverQueue(t *testing.T) {
	h, _ := newTestHandler(t)

	queue := make(connregistry.Queue, 4)
	h.Conns.Add("conn-1", "10.0.0.5", queue)

	env := envelopeFor(t, protocol.TypePairRequest, protocol.PairRequest{
		DeviceName: "Pixel", ID: "dev-1", Version: "1.0",
	})
	h.HandleMessage(env, "10.0.0.5", "conn-1")

	rec, ok := h.Devices.Get("dev-1")
	if !ok {
		t.Fatal("expected device record to be created")
	}
	if rec.Status != devicestore.StatusPending {
		t.Fatalf("status = %v, want Pending", rec.Status)
	}

	select {
	case env := <-queue:
		if env.Type != protocol.TypePairResponse {
			t.Fatalf("reply type = %q, want pair_response", env.Type)
		}
		var resp protocol.PairResponse
		if err := protocol.Decode(&env, &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Status != string(devicestore.StatusPending) {
			t.Fatalf("resp.Status = %q, want Pending", resp.Status)
		}
	default:
		t.Fatal("expected a pair response on the queue")
	}
}

func TestPairRequestVersionMismatchShortCircuits(t *testing.T) {
	h, _ := newTestHandler(t)
	h.Cfg.ServerVersion = "2.0"

	queue := make(connregistry.Queue, 4)
	h.Conns.Add("conn-1", "10.0.0.5", queue)

	env := envelopeFor(t, protocol.TypePairRequest, protocol.PairRequest{
		DeviceName: "Pixel", ID: "dev-1", Version: "1.4",
	})
	h.HandleMessage(env, "10.0.0.5", "conn-1")

	if _, ok := h.Devices.Get("dev-1"); ok {
		t.Fatal("version-mismatched pairing must not create a device record")
	}

	select {
	case env := <-queue:
		var resp protocol.PairResponse
		if err := protocol.Decode(&env, &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Status != "VersionMismatch" {
			t.Fatalf("resp.Status = %q, want VersionMismatch", resp.Status)
		}
	default:
		t.Fatal("expected a pair response on the queue")
	}
}

func TestBlockedDeviceRejectedWithoutNewRecord(t *testing.T) {
	h, _ := newTestHandler(t)
	if err := h.Devices.Upsert(devicestore.Record{ID: "dev-2", IP: "10.0.0.9", Status: devicestore.StatusBlocked}); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	queue := make(connregistry.Queue, 4)
	h.Conns.Add("conn-2", "10.0.0.9", queue)

	env := envelopeFor(t, protocol.TypePairRequest, protocol.PairRequest{
		DeviceName: "Blocked Phone", ID: "dev-2-new", Version: "",
	})
	h.HandleMessage(env, "10.0.0.9", "conn-2")

	if _, ok := h.Devices.Get("dev-2-new"); ok {
		t.Fatal("blocked IP must not get a fresh pending record")
	}

	select {
	case env := <-queue:
		var resp protocol.PairResponse
		protocol.Decode(&env, &resp)
		if resp.Status != string(devicestore.StatusBlocked) {
			t.Fatalf("resp.Status = %q, want Blocked", resp.Status)
		}
	default:
		t.Fatal("expected a pair response on the queue")
	}
}

func TestUntrustedDeviceCannotInjectInput(t *testing.T) {
	h, inj := newTestHandler(t)

	env := envelopeFor(t, protocol.TypeClick, protocol.Click{Button: "left"})
	h.HandleMessage(env, "10.0.0.20", "conn-3")

	if len(inj.clicks) != 0 {
		t.Fatal("untrusted peer must not reach the injector")
	}
}

func TestTrustedDeviceCanInjectInput(t *testing.T) {
	h, inj := newTestHandler(t)
	if err := h.Devices.Upsert(devicestore.Record{ID: "dev-3", IP: "10.0.0.21", Status: devicestore.StatusTrusted}); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	env := envelopeFor(t, protocol.TypeClick, protocol.Click{Button: "left"})
	h.HandleMessage(env, "10.0.0.21", "conn-4")

	if len(inj.clicks) != 1 || inj.clicks[0] != "left" {
		t.Fatalf("clicks = %v, want one left click", inj.clicks)
	}
}

func TestApproveDeviceUpgradesStatus(t *testing.T) {
	h, _ := newTestHandler(t)
	if err := h.Devices.Upsert(devicestore.Record{ID: "dev-5", Name: "Tablet", IP: "10.0.0.5", Status: devicestore.StatusPending}); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	env := envelopeFor(t, protocol.TypeApproveDevice, protocol.ApproveDevice{ID: "dev-5"})
	h.HandleMessage(env, "10.0.0.5", "conn-6")

	rec, ok := h.Devices.Get("dev-5")
	if !ok || rec.Status != devicestore.StatusTrusted {
		t.Fatalf("status = %v, want Trusted", rec.Status)
	}
}

func TestBlockDeviceStopsActiveMirror(t *testing.T) {
	h, _ := newTestHandler(t)
	if err := h.Devices.Upsert(devicestore.Record{ID: "dev-6", IP: "10.0.0.6", Status: devicestore.StatusTrusted}); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	if err := h.Mirror.RequestStart(mirror.Request{DeviceID: "dev-6", Width: 640, Height: 360, FPS: 15}); err != nil {
		t.Fatalf("RequestStart: %v", err)
	}
	if _, err := h.Mirror.Approve("dev-6"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	env := envelopeFor(t, protocol.TypeBlockDevice, protocol.BlockDevice{ID: "dev-6"})
	h.HandleMessage(env, "10.0.0.6", "conn-7")

	if h.Mirror.IsMirroring("dev-6") {
		t.Fatal("blocking a mirroring device must stop the mirror slot")
	}
}

func TestGetMonitorsReturnsListerOutput(t *testing.T) {
	h, _ := newTestHandler(t)
	if err := h.Devices.Upsert(devicestore.Record{ID: "dev-7", IP: "10.0.0.7", Status: devicestore.StatusTrusted}); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	queue := make(connregistry.Queue, 4)
	h.Conns.Add("conn-8", "10.0.0.7", queue)

	env := envelopeFor(t, protocol.TypeGetMonitors, nil)
	h.HandleMessage(env, "10.0.0.7", "conn-8")

	select {
	case env := <-queue:
		var list protocol.MonitorsList
		if err := protocol.Decode(&env, &list); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(list.Monitors) != 1 || list.Monitors[0].Name != "eDP-1" {
			t.Fatalf("monitors = %v", list.Monitors)
		}
	default:
		t.Fatal("expected a monitors_list response")
	}
}

func TestLaunchAppBlocksUnverifiedCommand(t *testing.T) {
	h, _ := newTestHandler(t)
	if err := h.Devices.Upsert(devicestore.Record{ID: "dev-8", IP: "10.0.0.8", Status: devicestore.StatusTrusted}); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	env := envelopeFor(t, protocol.TypeLaunchApp, protocol.LaunchApp{Command: "rm -rf /"})
	h.HandleMessage(env, "10.0.0.8", "conn-9")
	// No assertion beyond "does not panic and does not exec": appscanner.Scan
	// reads the real host's .desktop files, so a deterministic allow-list
	// match can't be asserted here without faking the filesystem.
}
