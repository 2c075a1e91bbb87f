package injector

import (
	"fmt"
	"sync"

	"github.com/bendahl/uinput"
)

// UinputInjector drives a virtual mouse and keyboard through /dev/uinput.
// This is the fallback backend when the compositor has no Wayland virtual
// input protocol support (or the process isn't running under Wayland at
// all).
type UinputInjector struct {
	mu       sync.Mutex
	keyboard uinput.Keyboard
	mouse    uinput.Mouse
	closed   bool
}

// NewUinputInjector creates the virtual devices. Requires write access to
// /dev/uinput.
func NewUinputInjector() (*UinputInjector, error) {
	keyboard, err := uinput.CreateKeyboard("/dev/uinput", []byte("wayland-connect-keyboard"))
	if err != nil {
		return nil, fmt.Errorf("injector: create virtual keyboard: %w", err)
	}
	mouse, err := uinput.CreateMouse("/dev/uinput", []byte("wayland-connect-mouse"))
	if err != nil {
		keyboard.Close()
		return nil, fmt.Errorf("injector: create virtual mouse: %w", err)
	}

	log.Info("uinput virtual input devices created")
	return &UinputInjector{keyboard: keyboard, mouse: mouse}, nil
}

func (u *UinputInjector) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true

	kerr := u.keyboard.Close()
	merr := u.mouse.Close()
	if kerr != nil {
		return kerr
	}
	return merr
}

func (u *UinputInjector) MoveRelative(dx, dy float64) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	fx := int32(dx * relMoveMultiplier)
	fy := int32(dy * relMoveMultiplier)
	if fx == 0 && fy == 0 {
		return nil
	}
	return u.mouse.Move(fx, fy)
}

// MoveAbsolute is not supported by uinput's relative-only mouse device
// without a tablet/touchscreen device definition; ignored rather than
// erroring so a caller that doesn't probe capabilities first isn't broken
// by a hard failure on every absolute-move message.
func (u *UinputInjector) MoveAbsolute(x, y float64) error {
	log.Debug("absolute move unsupported on uinput backend, ignoring", "x", x, "y", y)
	return nil
}

func (u *UinputInjector) buttonPress(button string, press bool) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	switch button {
	case "left":
		if press {
			return u.mouse.LeftPress()
		}
		return u.mouse.LeftRelease()
	case "right":
		if press {
			return u.mouse.RightPress()
		}
		return u.mouse.RightRelease()
	case "middle":
		if press {
			return u.mouse.MiddlePress()
		}
		return u.mouse.MiddleRelease()
	default:
		return ErrUnknownButton
	}
}

func (u *UinputInjector) MouseDown(button string) error { return u.buttonPress(button, true) }
func (u *UinputInjector) MouseUp(button string) error    { return u.buttonPress(button, false) }

func (u *UinputInjector) Click(button string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	switch button {
	case "left":
		return u.mouse.LeftClick()
	case "right":
		return u.mouse.RightClick()
	case "middle":
		return u.mouse.MiddleClick()
	default:
		return ErrUnknownButton
	}
}

func (u *UinputInjector) ScrollVertical(dy float64) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	amount := int32(dy)
	if amount == 0 {
		return nil
	}
	return u.mouse.Wheel(false, amount)
}

func (u *UinputInjector) ScrollHorizontal(dx float64) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	amount := int32(dx)
	if amount == 0 {
		return nil
	}
	return u.mouse.Wheel(true, amount)
}

func (u *UinputInjector) KeyPress(key string) error {
	code, ok := evdevCodeForKey(key)
	if !ok {
		log.Debug("unrecognized key, ignoring", "key", key)
		return nil
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	if err := u.keyboard.KeyDown(code); err != nil {
		return err
	}
	return u.keyboard.KeyUp(code)
}
