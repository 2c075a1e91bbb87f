// Package notifier raises operator-facing approve/decline desktop
// notifications over org.freedesktop.Notifications, for pairing and
// mirror-start requests. It has no back-pointer into the event handler:
// callers get a channel that receives the operator's decision, per the
// daemon's no-circular-dependency collaborator design.
package notifier

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/wayhost/deskbridge/internal/logging"
)

var log = logging.L("notifier")

const (
	notifyDest      = "org.freedesktop.Notifications"
	notifyPath      = dbus.ObjectPath("/org/freedesktop/Notifications")
	notifyIface     = "org.freedesktop.Notifications"
	appName         = "Wayland Connect"
	defaultTimeout  = int32(60_000) // ms; 0 = never expire isn't used so a stale prompt doesn't linger forever
)

// Notifier raises approve/decline toasts and routes the operator's action
// back to the caller via a channel.
type Notifier struct {
	conn *dbus.Conn
	obj  dbus.BusObject

	mu      sync.Mutex
	pending map[uint32]chan bool
}

// Connect opens the session bus and subscribes to notification action
// signals.
func Connect() (*Notifier, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("notifier: connect session bus: %w", err)
	}

	n := &Notifier{
		conn:    conn,
		obj:     conn.Object(notifyDest, notifyPath),
		pending: make(map[uint32]chan bool),
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(notifyPath),
		dbus.WithMatchInterface(notifyIface),
		dbus.WithMatchMember("ActionInvoked"),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("notifier: subscribe ActionInvoked: %w", err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(notifyPath),
		dbus.WithMatchInterface(notifyIface),
		dbus.WithMatchMember("NotificationClosed"),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("notifier: subscribe NotificationClosed: %w", err)
	}

	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)
	go n.dispatch(signals)

	return n, nil
}

// Close disconnects from the session bus, dropping any pending prompts.
func (n *Notifier) Close() error { return n.conn.Close() }

// Confirm raises an approve/decline toast and returns a channel that
// receives exactly one value: true if the operator approved, false if they
// declined or let the notification expire/close unanswered.
func (n *Notifier) Confirm(summary, body string) (<-chan bool, error) {
	actions := []string{"approve", "Approve", "decline", "Decline"}
	hints := map[string]dbus.Variant{}

	var id uint32
	call := n.obj.Call(notifyIface+".Notify", 0,
		appName, uint32(0), "network-wireless", summary, body, actions, hints, defaultTimeout)
	if call.Err != nil {
		return nil, fmt.Errorf("notifier: Notify: %w", call.Err)
	}
	if err := call.Store(&id); err != nil {
		return nil, fmt.Errorf("notifier: decode notification id: %w", err)
	}

	ch := make(chan bool, 1)
	n.mu.Lock()
	n.pending[id] = ch
	n.mu.Unlock()

	return ch, nil
}

// Notify raises a plain informational toast with no action buttons and no
// return channel — fire and forget.
func (n *Notifier) Notify(summary, body, icon string) error {
	call := n.obj.Call(notifyIface+".Notify", 0,
		appName, uint32(0), icon, summary, body, []string{}, map[string]dbus.Variant{}, defaultTimeout)
	return call.Err
}

func (n *Notifier) dispatch(signals <-chan *dbus.Signal) {
	for sig := range signals {
		switch sig.Name {
		case notifyIface + ".ActionInvoked":
			if len(sig.Body) < 2 {
				continue
			}
			id, ok := sig.Body[0].(uint32)
			if !ok {
				continue
			}
			action, _ := sig.Body[1].(string)
			n.resolve(id, action == "approve")

		case notifyIface + ".NotificationClosed":
			if len(sig.Body) < 1 {
				continue
			}
			id, ok := sig.Body[0].(uint32)
			if !ok {
				continue
			}
			n.resolve(id, false)
		}
	}
}

func (n *Notifier) resolve(id uint32, approved bool) {
	n.mu.Lock()
	ch, ok := n.pending[id]
	if ok {
		delete(n.pending, id)
	}
	n.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- approved:
	default:
	}
	close(ch)
	log.Debug("notification resolved", "id", id, "approved", approved)
}
