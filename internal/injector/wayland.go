package injector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bnema/wayland-virtual-input-go/virtual_keyboard"
	"github.com/bnema/wayland-virtual-input-go/virtual_pointer"
)

// WaylandInjector drives zwlr_virtual_pointer_v1 and
// zwp_virtual_keyboard_v1 directly — no /dev/uinput access required, but
// only available on compositors implementing those protocols (wlroots).
type WaylandInjector struct {
	mu              sync.Mutex
	pointerManager  *virtual_pointer.VirtualPointerManager
	pointer         *virtual_pointer.VirtualPointer
	keyboardManager *virtual_keyboard.VirtualKeyboardManager
	keyboard        *virtual_keyboard.VirtualKeyboard
	closed          bool
}

// NewWaylandInjector connects to the running compositor and creates the
// virtual pointer and keyboard devices.
func NewWaylandInjector() (*WaylandInjector, error) {
	ctx := context.Background()

	pointerManager, err := virtual_pointer.NewVirtualPointerManager(ctx)
	if err != nil {
		return nil, fmt.Errorf("injector: create virtual pointer manager: %w", err)
	}
	pointer, err := pointerManager.CreatePointer()
	if err != nil {
		pointerManager.Close()
		return nil, fmt.Errorf("injector: create virtual pointer: %w", err)
	}
	keyboardManager, err := virtual_keyboard.NewVirtualKeyboardManager(ctx)
	if err != nil {
		pointer.Close()
		pointerManager.Close()
		return nil, fmt.Errorf("injector: create virtual keyboard manager: %w", err)
	}
	keyboard, err := keyboardManager.CreateKeyboard()
	if err != nil {
		keyboardManager.Close()
		pointer.Close()
		pointerManager.Close()
		return nil, fmt.Errorf("injector: create virtual keyboard: %w", err)
	}

	log.Info("wayland virtual input devices created")
	return &WaylandInjector{
		pointerManager:  pointerManager,
		pointer:         pointer,
		keyboardManager: keyboardManager,
		keyboard:        keyboard,
	}, nil
}

func (w *WaylandInjector) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var first error
	record := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	record(w.keyboard.Close())
	record(w.keyboardManager.Close())
	record(w.pointer.Close())
	record(w.pointerManager.Close())
	return first
}

func (w *WaylandInjector) MoveRelative(dx, dy float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.pointer.MoveRelative(dx*relMoveMultiplier, dy*relMoveMultiplier)
	w.pointer.Frame()
	return nil
}

// MoveAbsolute is ignored on this backend: the Wayland virtual pointer
// protocol has no absolute-positioning request, and without tracked
// screen dimensions this daemon has no way to compute a relative delta
// from a single (x,y) in [0,1]-space, so it is a no-op here; spec's
// pointer-overlay path is the supported way to present absolute positions.
func (w *WaylandInjector) MoveAbsolute(x, y float64) error {
	log.Debug("absolute move unsupported on wayland backend, ignoring", "x", x, "y", y)
	return nil
}

func buttonCode(button string) (uint32, bool) {
	switch button {
	case "left":
		return virtual_pointer.BTN_LEFT, true
	case "right":
		return virtual_pointer.BTN_RIGHT, true
	case "middle":
		return virtual_pointer.BTN_MIDDLE, true
	default:
		return 0, false
	}
}

func (w *WaylandInjector) buttonState(button string, state uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	code, ok := buttonCode(button)
	if !ok {
		return ErrUnknownButton
	}
	w.pointer.Button(time.Now(), code, state)
	w.pointer.Frame()
	return nil
}

func (w *WaylandInjector) MouseDown(button string) error {
	return w.buttonState(button, virtual_pointer.BUTTON_STATE_PRESSED)
}

func (w *WaylandInjector) MouseUp(button string) error {
	return w.buttonState(button, virtual_pointer.BUTTON_STATE_RELEASED)
}

func (w *WaylandInjector) Click(button string) error {
	if err := w.MouseDown(button); err != nil {
		return err
	}
	time.Sleep(10 * time.Millisecond)
	return w.MouseUp(button)
}

func (w *WaylandInjector) ScrollVertical(dy float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || dy == 0 {
		return nil
	}
	w.pointer.ScrollVertical(dy)
	w.pointer.Frame()
	return nil
}

func (w *WaylandInjector) ScrollHorizontal(dx float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || dx == 0 {
		return nil
	}
	w.pointer.ScrollHorizontal(dx)
	w.pointer.Frame()
	return nil
}

func (w *WaylandInjector) KeyPress(key string) error {
	code, ok := evdevCodeForKey(key)
	if !ok {
		log.Debug("unrecognized key, ignoring", "key", key)
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if err := w.keyboard.Key(time.Now(), uint32(code), virtual_keyboard.KeyStatePressed); err != nil {
		return err
	}
	return w.keyboard.Key(time.Now(), uint32(code), virtual_keyboard.KeyStateReleased)
}
