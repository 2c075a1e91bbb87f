// Package connregistry is the process-wide connection registry (C3): a
// concurrency-safe map from connection id to (outbound queue, dashboard
// flag), supporting unicast by exact id or bare IP and dashboard fan-out.
// No operation here blocks on a slow writer — back-pressure is enforced
// entirely by each queue's own bound.
package connregistry

import (
	"sync"

	"github.com/wayhost/deskbridge/internal/logging"
	"github.com/wayhost/deskbridge/internal/protocol"
)

var log = logging.L("connregistry")

// Queue is the bounded outbound channel a session's writer drains.
type Queue chan protocol.Envelope

// entry is one registered connection.
type entry struct {
	ip          string
	queue       Queue
	isDashboard bool
}

// Registry is the connection-id keyed map described above.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{conns: make(map[string]*entry)}
}

// Add registers a new session's outbound queue under connID.
func (r *Registry) Add(connID, ip string, queue Queue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[connID] = &entry{ip: ip, queue: queue}
}

// MarkDashboard latches the dashboard flag for connID.
func (r *Registry) MarkDashboard(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[connID]; ok {
		e.isDashboard = true
	}
}

// Remove unregisters connID.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, connID)
}

// IsDashboard reports whether connID has registered as a dashboard.
func (r *Registry) IsDashboard(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	return ok && e.isDashboard
}

// SendTo enqueues msg on every connection matching key: either an exact
// conn_id, or a bare IP matched against every connection's normalized ip.
// Best-effort: a full queue drops this message only, for that one
// connection; other matches are still attempted.
func (r *Registry) SendTo(key string, msg protocol.Envelope) {
	r.mu.Lock()
	targets := r.matchLocked(key)
	r.mu.Unlock()

	for _, q := range targets {
		select {
		case q <- msg:
		default:
			log.Warn("outbound queue full, dropping message", "key", key, "type", msg.Type)
		}
	}
}

// BroadcastDashboard enqueues msg on every connection with the dashboard
// flag latched.
func (r *Registry) BroadcastDashboard(msg protocol.Envelope) {
	r.mu.Lock()
	var targets []Queue
	for _, e := range r.conns {
		if e.isDashboard {
			targets = append(targets, e.queue)
		}
	}
	r.mu.Unlock()

	for _, q := range targets {
		select {
		case q <- msg:
		default:
			log.Warn("dashboard queue full, dropping message", "type", msg.Type)
		}
	}
}

// matchLocked snapshots the queues matching key. Caller must hold r.mu.
func (r *Registry) matchLocked(key string) []Queue {
	if e, ok := r.conns[key]; ok {
		return []Queue{e.queue}
	}
	var out []Queue
	for _, e := range r.conns {
		if e.ip == key {
			out = append(out, e.queue)
		}
	}
	return out
}

// Count returns the number of registered connections (for status/health).
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
