// Package mirror implements the screen-mirroring approval state machine
// (C7): a single mirroring slot that only ever starts after an explicit
// operator decision, never automatically. Once approved it also owns the
// shared capture producer, fanning frame bytes out to however many
// connections are currently trusted via a broadcast.Topic (C8) rather than
// each connection opening its own capture pipeline.
package mirror

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/wayhost/deskbridge/internal/broadcast"
	"github.com/wayhost/deskbridge/internal/capture"
	"github.com/wayhost/deskbridge/internal/logging"
)

var log = logging.L("mirror")

const (
	captureTick        = 16 * time.Millisecond
	frameSampleWindow  = 64
	frameQueueDepth    = 4
)

// State is one of the three mirroring-slot states.
type State int

const (
	StateIdle State = iota
	StatePending
	StateMirroring
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateMirroring:
		return "mirroring"
	default:
		return "unknown"
	}
}

// ErrBusy is returned when a mirroring start is requested while the single
// slot is already pending or mirroring for a different device.
var ErrBusy = errors.New("mirror: slot already in use")

// ErrNoMatch is returned when an Approve/Decline doesn't match the pending
// request's device id.
var ErrNoMatch = errors.New("mirror: no pending request for this device")

// Request captures the parameters of a requested mirror session.
type Request struct {
	DeviceID string
	Width    uint32
	Height   uint32
	FPS      uint32
	Monitor  int32
}

// Manager holds the single process-wide mirroring slot. Only one device may
// mirror at a time, matching the daemon's one-operator-console design.
type Manager struct {
	mu    sync.Mutex
	state State
	req   Request

	capture     capture.ScreenSource
	frames      *broadcast.Topic[[]byte]
	captureStop chan struct{}
}

// New creates an idle Manager. source is the capture backend started on
// approval and stopped when the mirror session ends; its frames are
// published to Frames() for every subscriber.
func New(source capture.ScreenSource) *Manager {
	return &Manager{
		state:   StateIdle,
		capture: source,
		frames:  broadcast.NewTopic[[]byte](frameQueueDepth),
	}
}

// Frames returns the shared fan-out topic for mirrored frame bytes. Each
// subscriber (one per trusted session) gets its own bounded queue; a slow
// subscriber only ever drops its own backlog, never the capture producer
// or any other subscriber.
func (m *Manager) Frames() *broadcast.Topic[[]byte] {
	return m.frames
}

// RequestStart transitions Idle -> Pending. Fails with ErrBusy if the slot
// is not idle. The caller (eventhandler) is responsible for broadcasting
// the MirrorRequest to dashboards and raising the operator notification —
// this package only tracks the state transition.
func (m *Manager) RequestStart(req Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return ErrBusy
	}
	m.state = StatePending
	m.req = req
	log.Info("mirror request pending operator approval", "device", req.DeviceID, "width", req.Width, "height", req.Height, "fps", req.FPS, "monitor", req.Monitor)
	return nil
}

// Approve transitions Pending -> Mirroring for deviceID, starts the shared
// capture producer with the stored parameters, and returns those
// parameters. Returns ErrNoMatch if there is no pending request, or it's
// for a different device.
func (m *Manager) Approve(deviceID string) (Request, error) {
	m.mu.Lock()
	if m.state != StatePending || m.req.DeviceID != deviceID {
		m.mu.Unlock()
		return Request{}, ErrNoMatch
	}
	m.state = StateMirroring
	req := m.req
	m.mu.Unlock()

	log.Info("mirror approved", "device", deviceID, "monitor", req.Monitor)
	m.startCapture(req)
	return req, nil
}

// Decline clears a pending request back to Idle without starting capture.
// Returns ErrNoMatch under the same conditions as Approve.
func (m *Manager) Decline(deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StatePending || m.req.DeviceID != deviceID {
		return ErrNoMatch
	}
	log.Info("mirror declined", "device", deviceID)
	m.state = StateIdle
	m.req = Request{}
	return nil
}

// Stop ends an active (or pending) mirror session unconditionally, as
// happens on explicit stop requests, device block, or disconnect.
func (m *Manager) Stop() {
	m.mu.Lock()
	wasMirroring := m.state == StateMirroring
	if m.state != StateIdle {
		log.Info("mirror stopped", "device", m.req.DeviceID, "wasState", m.state.String())
	}
	m.state = StateIdle
	m.req = Request{}
	stop := m.captureStop
	m.captureStop = nil
	m.mu.Unlock()

	if wasMirroring {
		m.stopCapture(stop)
	}
}

// Status reports the current state and, if not Idle, the device id holding
// the slot — for the status_response device's is_mirroring flag.
func (m *Manager) Status() (State, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.req.DeviceID
}

// IsMirroring reports whether deviceID currently holds the Mirroring slot.
func (m *Manager) IsMirroring(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateMirroring && m.req.DeviceID == deviceID
}

func (m *Manager) startCapture(req Request) {
	if m.capture == nil {
		return
	}
	if err := m.capture.Start(req.Width, req.Height, req.FPS, req.Monitor); err != nil {
		log.Warn("capture start failed", "device", req.DeviceID, "error", err)
		return
	}

	stop := make(chan struct{})
	m.mu.Lock()
	m.captureStop = stop
	m.mu.Unlock()

	go m.captureLoop(stop)
}

func (m *Manager) stopCapture(stop chan struct{}) {
	if stop != nil {
		close(stop)
	}
	if m.capture != nil {
		m.capture.Stop()
	}
}

// captureLoop is the mirror coordinator's one and only frame producer:
// sample the shared capture source on a fixed tick, skip unchanged frames,
// and publish the rest to every subscriber at once.
func (m *Manager) captureLoop(stop chan struct{}) {
	ticker := time.NewTicker(captureTick)
	defer ticker.Stop()

	var last []byte
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			frame := m.capture.Latest()
			if frame == nil || !frameChanged(last, frame) {
				continue
			}
			last = frame
			m.frames.Publish(frame)
		}
	}
}

// frameChanged does a cheap sampled comparison (length, lead bytes, middle
// bytes) rather than a full-body diff — exact byte-for-byte equality isn't
// the goal, just avoiding retransmitting an obviously-unchanged frame.
func frameChanged(last, cur []byte) bool {
	if last == nil {
		return true
	}
	if len(last) != len(cur) {
		return true
	}
	n := len(last)
	lead := min(frameSampleWindow, n)
	if !bytes.Equal(last[:lead], cur[:lead]) {
		return true
	}
	mid := n / 2
	midLead := min(frameSampleWindow, n-mid)
	return !bytes.Equal(last[mid:mid+midLead], cur[mid:mid+midLead])
}
