// Package audio defines the spectrum-analysis capability surface consumed
// by the metadata/spectrum producer. The FFT band-splitter and PulseAudio
// sink capture are genuinely external to this daemon; this package
// provides the interface extension point plus a NullSource returning
// zeroed bands, matching the "media not playing -> zero bands" edge
// behavior even with no analyzer wired.
package audio

import "sync"

const bandCount = 7

// SpectrumSource exposes the 7-band audio spectrum of whatever sink is
// currently captured, plus a sensitivity multiplier applied upstream of
// the bands and an optional per-application capture filter.
type SpectrumSource interface {
	Levels() []float32
	SetSensitivity(value float32)
	SetTargetApp(appName string)
}

// NullSource always reports silence. Sensitivity is still clamped and
// stored so callers observing it (e.g. a status readback) see consistent
// values even though no real analyzer is attached.
type NullSource struct {
	mu          sync.Mutex
	sensitivity float32
	targetApp   string
}

func NewNullSource() *NullSource {
	return &NullSource{sensitivity: 1.0}
}

// Levels always returns 7 zeroed bands.
func (n *NullSource) Levels() []float32 {
	return make([]float32, bandCount)
}

// SetSensitivity clamps to [0.01, 5.0], matching the host's analyzer.
func (n *NullSource) SetSensitivity(value float32) {
	if value < 0.01 {
		value = 0.01
	}
	if value > 5.0 {
		value = 5.0
	}
	n.mu.Lock()
	n.sensitivity = value
	n.mu.Unlock()
}

func (n *NullSource) SetTargetApp(appName string) {
	n.mu.Lock()
	n.targetApp = appName
	n.mu.Unlock()
}
