// Package injector implements input injection (the host side of move/
// click/scroll/keypress messages) behind a single capability interface with
// two backends: uinput (works everywhere /dev/uinput is writable) and
// native Wayland virtual-pointer/virtual-keyboard protocols (no uinput
// access required, but compositor-dependent).
package injector

import (
	"fmt"

	"github.com/wayhost/deskbridge/internal/logging"
)

var log = logging.L("injector")

// Injector is the capability every input-producing message is dispatched
// through. A nil method result from an unsupported backend operation is
// intentionally not an error — see MoveAbsolute below.
type Injector interface {
	MoveRelative(dx, dy float64) error
	MoveAbsolute(x, y float64) error
	Click(button string) error
	MouseDown(button string) error
	MouseUp(button string) error
	ScrollVertical(dy float64) error
	// ScrollHorizontal exists for backend parity (both uinput's REL_HWHEEL
	// and the Wayland virtual-pointer protocol support it) but is currently
	// unreachable: the wire protocol's Scroll message carries only dy.
	ScrollHorizontal(dx float64) error
	KeyPress(key string) error
	Close() error
}

// relMoveMultiplier matches the host's pointer-feel tuning.
const relMoveMultiplier = 1.6

// evdevKeyCodes maps the key names the client sends over the wire to Linux
// evdev keycodes, exactly as the host's single-letter/punctuation/named-key
// dispatch table resolves them.
var evdevKeyCodes = map[string]int{
	"Enter":     28,
	"Escape":    1,
	"Backspace": 14,
	"Tab":       15,
	"PageUp":    104,
	"PageDown":  109,
	" ":         57,

	"a": 30, "b": 48, "c": 46, "d": 32, "e": 18, "f": 33, "g": 34, "h": 35,
	"i": 23, "j": 36, "k": 37, "l": 38, "m": 50, "n": 49, "o": 24, "p": 25,
	"q": 16, "r": 19, "s": 31, "t": 20, "u": 22, "v": 47, "w": 17, "x": 45,
	"y": 21, "z": 44,

	"1": 2, "2": 3, "3": 4, "4": 5, "5": 6, "6": 7, "7": 8, "8": 9, "9": 10, "0": 11,

	",": 51, ".": 52, "/": 53, ";": 39, "'": 40, "[": 26, "]": 27, "-": 12,
	"=": 13, "\\": 43, "`": 41,
}

// evdevCodeForKey resolves a key name to its evdev code, lower-casing
// single-character keys the same way the case-insensitive letter match in
// the grounding source does, and reports whether the key is recognized.
func evdevCodeForKey(key string) (int, bool) {
	if code, ok := evdevKeyCodes[key]; ok {
		return code, true
	}
	if len(key) == 1 {
		lower := toLowerASCII(key[0])
		if code, ok := evdevKeyCodes[string(lower)]; ok {
			return code, true
		}
	}
	return 0, false
}

func toLowerASCII(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}

// ErrUnknownButton is returned for a button name outside left/middle/right.
var ErrUnknownButton = fmt.Errorf("injector: unknown button")
