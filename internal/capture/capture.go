// Package capture defines the screen-capture capability surface consumed
// by the mirror coordinator's frame producer. The portal+PipeWire capture
// pipeline and video encoder are genuinely external to this daemon; this
// package provides the interface extension point plus a NullSource for
// wiring and testing without a real compositor session.
package capture

import "sync"

// ScreenSource captures frames from a monitor at a requested resolution
// and frame rate. Implementations are expected to run their own internal
// capture loop between Start and Stop; Latest returns the most recently
// captured frame without blocking on the next one.
type ScreenSource interface {
	Start(width, height, fps uint32, monitor int32) error
	Stop()
	Latest() []byte
}

// NullSource is a ScreenSource that produces no frames. It satisfies the
// interface so the daemon can wire a mirror session end-to-end (approval,
// frame-producer ticking, trust-cache diffing) before a real PipeWire
// backend exists.
type NullSource struct {
	mu      sync.Mutex
	running bool
}

func NewNullSource() *NullSource { return &NullSource{} }

func (n *NullSource) Start(width, height, fps uint32, monitor int32) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.running = true
	return nil
}

func (n *NullSource) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.running = false
}

// Latest always returns nil: there is no frame to hand back.
func (n *NullSource) Latest() []byte { return nil }
