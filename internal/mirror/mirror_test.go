package mirror

import (
	"testing"

	"github.com/wayhost/deskbridge/internal/capture"
)

func TestRequestStartThenApproveTransitionsToMirroring(t *testing.T) {
	m := New(capture.NewNullSource())
	if err := m.RequestStart(Request{DeviceID: "dev-1", Width: 854, Height: 480, FPS: 15, Monitor: 0}); err != nil {
		t.Fatalf("RequestStart: %v", err)
	}
	if state, id := m.Status(); state != StatePending || id != "dev-1" {
		t.Fatalf("Status = %v/%s, want pending/dev-1", state, id)
	}

	req, err := m.Approve("dev-1")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if req.Width != 854 {
		t.Fatalf("Approve returned Width=%d, want 854", req.Width)
	}
	if !m.IsMirroring("dev-1") {
		t.Fatal("expected dev-1 to be mirroring")
	}
}

func TestRequestStartWhileBusyFails(t *testing.T) {
	m := New(capture.NewNullSource())
	if err := m.RequestStart(Request{DeviceID: "dev-1"}); err != nil {
		t.Fatalf("RequestStart: %v", err)
	}
	if err := m.RequestStart(Request{DeviceID: "dev-2"}); err != ErrBusy {
		t.Fatalf("second RequestStart = %v, want ErrBusy", err)
	}
}

func TestDeclineReturnsToIdle(t *testing.T) {
	m := New(capture.NewNullSource())
	m.RequestStart(Request{DeviceID: "dev-1"})
	if err := m.Decline("dev-1"); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if state, _ := m.Status(); state != StateIdle {
		t.Fatalf("Status = %v, want idle", state)
	}
}

func TestApproveWrongDeviceFails(t *testing.T) {
	m := New(capture.NewNullSource())
	m.RequestStart(Request{DeviceID: "dev-1"})
	if _, err := m.Approve("dev-2"); err != ErrNoMatch {
		t.Fatalf("Approve wrong device = %v, want ErrNoMatch", err)
	}
}

func TestStopFromMirroringReturnsToIdle(t *testing.T) {
	m := New(capture.NewNullSource())
	m.RequestStart(Request{DeviceID: "dev-1"})
	m.Approve("dev-1")
	m.Stop()
	if state, _ := m.Status(); state != StateIdle {
		t.Fatalf("Status = %v, want idle after Stop", state)
	}
	if m.IsMirroring("dev-1") {
		t.Fatal("expected dev-1 not mirroring after Stop")
	}
}

func TestRequestStartAfterStopSucceeds(t *testing.T) {
	m := New(capture.NewNullSource())
	m.RequestStart(Request{DeviceID: "dev-1"})
	m.Approve("dev-1")
	m.Stop()
	if err := m.RequestStart(Request{DeviceID: "dev-2"}); err != nil {
		t.Fatalf("RequestStart after Stop: %v", err)
	}
}

func TestFrameChangedDetectsLengthDifference(t *testing.T) {
	if !frameChanged(make([]byte, 10), make([]byte, 12)) {
		t.Fatal("different lengths must be reported changed")
	}
}

func TestFrameChangedFirstFrameAlwaysChanged(t *testing.T) {
	if !frameChanged(nil, make([]byte, 100)) {
		t.Fatal("nil baseline must always report changed")
	}
}

func TestFrameChangedDetectsIdenticalSamples(t *testing.T) {
	a := make([]byte, 200)
	b := make([]byte, 200)
	for i := range a {
		a[i] = byte(i)
		b[i] = byte(i)
	}
	if frameChanged(a, b) {
		t.Fatal("identical frames must not be reported changed")
	}
}

func TestFrameChangedDetectsLeadByteDrift(t *testing.T) {
	a := make([]byte, 200)
	b := make([]byte, 200)
	copy(b, a)
	b[0] = 0xFF
	if !frameChanged(a, b) {
		t.Fatal("a changed lead byte must be reported changed")
	}
}

func TestFrameChangedDetectsMidByteDrift(t *testing.T) {
	a := make([]byte, 200)
	b := make([]byte, 200)
	copy(b, a)
	b[len(b)/2] = 0xFF
	if !frameChanged(a, b) {
		t.Fatal("a changed midpoint byte must be reported changed")
	}
}

func TestApproveStartsCaptureWithoutPanicking(t *testing.T) {
	m := New(capture.NewNullSource())
	if err := m.RequestStart(Request{DeviceID: "dev-1", Width: 320, Height: 240, FPS: 30, Monitor: 0}); err != nil {
		t.Fatalf("RequestStart: %v", err)
	}
	if _, err := m.Approve("dev-1"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	// NullSource.Latest always returns nil, so no frame is ever published;
	// this only exercises that the capture producer starts and stops cleanly
	// alongside a live subscriber.
	_, unsubscribe := m.Frames().Subscribe()
	defer unsubscribe()
	m.Stop()
}
