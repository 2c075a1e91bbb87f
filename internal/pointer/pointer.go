// Package pointer implements the smoothed pointer-state manager (C6): a
// per-device-id map of target/current 2-D positions, interpolated on a
// fixed 4ms tick and emitted as pipe-delimited UDP datagrams to a
// host-local overlay sink.
package pointer

import (
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/wayhost/deskbridge/internal/logging"
)

var log = logging.L("pointer")

// OverlayAddr is the host-local overlay sink address (spec §6).
const OverlayAddr = "127.0.0.1:7878"

// ImagePath is the process-agreed filesystem path a custom pointer image
// is written to by the event handler and read back by the overlay.
const ImagePath = "/tmp/wayland_connect_pointer.png"

// snapEpsilon is the distance below which current snaps to target instead
// of continuing to asymptotically approach it.
const snapEpsilon = 1e-4

// record is one device's pointer state.
type record struct {
	active         bool
	mode           int32
	size           float32
	color          string
	zoom           float32
	particle       int32
	stretch        float32
	hasImage       bool
	pulseSpeed     float32
	pulseIntensity float32

	targetX, targetY   float64
	currentX, currentY float64
}

// Manager holds every device's pointer record and runs the tick loop.
type Manager struct {
	mu      sync.Mutex
	records map[string]*record
	conn    *net.UDPConn
	tick    time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Manager and starts its tick goroutine. tickInterval should
// be ~4ms (config.PointerTickMs); overlayAddr overrides the default sink
// address, for tests.
func New(tickInterval time.Duration, overlayAddr string) (*Manager, error) {
	if overlayAddr == "" {
		overlayAddr = OverlayAddr
	}
	addr, err := net.ResolveUDPAddr("udp", overlayAddr)
	if err != nil {
		return nil, fmt.Errorf("pointer: resolve overlay addr: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("pointer: dial overlay sink: %w", err)
	}

	m := &Manager{
		records: make(map[string]*record),
		conn:    conn,
		tick:    tickInterval,
		stopCh:  make(chan struct{}),
	}
	go m.tickLoop()
	return m, nil
}

// Stop terminates the tick goroutine and closes the sink socket.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.conn.Close()
	})
}

// Update applies an incoming PointerData message for deviceID (spec §4.6).
func (m *Manager) Update(deviceID string, active bool, mode int32, pitch, roll, size float32, color string, zoom float32, particle int32, stretch float32, hasImage bool, pulseSpeed, pulseIntensity float32) {
	m.mu.Lock()
	rec, ok := m.records[deviceID]
	if !ok {
		rec = &record{currentX: 0.5, currentY: 0.5, targetX: 0.5, targetY: 0.5}
		m.records[deviceID] = rec
	}

	modeChanged := rec.mode != mode
	sizeChanged := math.Abs(float64(rec.size-size)) > 0.01
	wasActive := rec.active

	rec.active = active
	rec.mode = mode
	rec.size = size
	rec.color = color
	rec.zoom = zoom
	rec.particle = particle
	rec.stretch = stretch
	rec.hasImage = hasImage
	rec.pulseSpeed = pulseSpeed
	rec.pulseIntensity = pulseIntensity

	if active {
		rec.targetX = float64(roll)
		rec.targetY = float64(pitch)
		if !wasActive {
			// Snap to target to avoid a visual jump from the old position.
			rec.currentX = rec.targetX
			rec.currentY = rec.targetY
		}
	}
	m.mu.Unlock()

	if !wasActive && active {
		m.send(deviceID, "START")
	} else if wasActive && !active {
		m.send(deviceID, "STOP")
	}

	if !active {
		if modeChanged {
			m.send(deviceID, fmt.Sprintf("MODE:%d", mode))
		}
		if sizeChanged {
			m.send(deviceID, fmt.Sprintf("SIZE:%.2f", size))
		}
	}
}

// SetMonitor emits a MONITOR control datagram for deviceID.
func (m *Manager) SetMonitor(deviceID string, idx int32) {
	m.send(deviceID, fmt.Sprintf("MONITOR:%d", idx))
}

// RunTestSequence emits a TEST_SEQUENCE control datagram for deviceID.
func (m *Manager) RunTestSequence(deviceID string) {
	m.send(deviceID, "TEST_SEQUENCE")
}

// SetZoomEnabled emits a START_CAPTURE control datagram when enabling zoom.
func (m *Manager) SetZoomEnabled(deviceID string, enabled bool) {
	if enabled {
		m.send(deviceID, "START_CAPTURE")
	}
}

// ReloadImage and ClearImage carry no device prefix (spec §6).
func (m *Manager) ReloadImage() { m.sendRaw("RELOAD_IMAGE") }
func (m *Manager) ClearImage()  { m.sendRaw("CLEAR_IMAGE") }

// Remove drops a device's pointer record (on disconnect/block).
func (m *Manager) Remove(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, deviceID)
}

const dampHalfLifeSeconds = 0.06 // ~95% closed in this many seconds

func (m *Manager) tickLoop() {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	k := 3.0 / dampHalfLifeSeconds // ln(20)/0.06

	last := time.Now()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			dt := now.Sub(last).Seconds()
			last = now
			m.step(dt, k)
		}
	}
}

// step applies one damping step to every active device and emits its
// datagram. No lock is held during the network send.
func (m *Manager) step(dt float64, k float64) {
	type emission struct {
		deviceID string
		line     string
	}
	var emissions []emission

	alpha := 1 - math.Exp(-k*dt)
	if alpha > 1 {
		alpha = 1
	}

	m.mu.Lock()
	for deviceID, rec := range m.records {
		if !rec.active {
			continue
		}

		dx := rec.targetX - rec.currentX
		dy := rec.targetY - rec.currentY
		rec.currentX += dx * alpha
		rec.currentY += dy * alpha

		if math.Abs(rec.targetX-rec.currentX) < snapEpsilon {
			rec.currentX = rec.targetX
		}
		if math.Abs(rec.targetY-rec.currentY) < snapEpsilon {
			rec.currentY = rec.targetY
		}

		hasImageFlag := 0
		if rec.hasImage {
			hasImageFlag = 1
		}
		line := fmt.Sprintf("%s|%.4f,%.4f,%d,%.2f,%s,%.2f,%d,%d,%.2f,%.2f,%.2f",
			deviceID, rec.currentX, rec.currentY, rec.mode, rec.size, rec.color,
			rec.zoom, rec.particle, hasImageFlag, rec.stretch, rec.pulseSpeed, rec.pulseIntensity)
		emissions = append(emissions, emission{deviceID, line})
	}
	m.mu.Unlock()

	for _, e := range emissions {
		if _, err := m.conn.Write([]byte(e.line)); err != nil {
			log.Debug("overlay sink send failed, ignoring", "device", e.deviceID, "error", err)
		}
	}
}

func (m *Manager) send(deviceID, suffix string) {
	m.sendRaw(fmt.Sprintf("%s|%s", deviceID, suffix))
}

func (m *Manager) sendRaw(msg string) {
	if _, err := m.conn.Write([]byte(msg)); err != nil {
		log.Debug("overlay sink control send failed, ignoring", "error", err)
	}
}
