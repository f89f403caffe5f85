// Package input turns the key and click listener helpers' output into
// hotkey actions and picker events.
package input

import (
	"fmt"
	"strconv"
	"strings"
)

// Virtual-key codes of the named keys a chord may use. Letters and digits
// map to their ASCII code.
var namedKeys = map[string]int{
	"backspace": 0x08,
	"tab":       0x09,
	"enter":     0x0D,
	"pause":     0x13,
	"capslock":  0x14,
	"esc":       0x1B,
	"escape":    0x1B,
	"space":     0x20,
	"pageup":    0x21,
	"pagedown":  0x22,
	"end":       0x23,
	"home":      0x24,
	"left":      0x25,
	"up":        0x26,
	"right":     0x27,
	"down":      0x28,
	"insert":    0x2D,
	"delete":    0x2E,
	"numpad0":   0x60,
	"`":         0xC0,
	"backtick":  0xC0,
	"-":         0xBD,
	"=":         0xBB,
	"[":         0xDB,
	"]":         0xDD,
	";":         0xBA,
	"'":         0xDE,
	",":         0xBC,
	".":         0xBE,
	"/":         0xBF,
}

func init() {
	for i := 1; i <= 24; i++ {
		namedKeys["f"+strconv.Itoa(i)] = 0x70 + i - 1
	}
	for i := 1; i <= 9; i++ {
		namedKeys["numpad"+strconv.Itoa(i)] = 0x60 + i
	}
}

// Chord is a key plus the modifiers that must be held with it.
type Chord struct {
	VK    int
	Shift bool
	Ctrl  bool
	Alt   bool
}

// ParseChord parses "ctrl+tab", "alt+vk:192" or "shift+f1". Modifiers are
// case-insensitive and may come in any order; exactly one key is required.
func ParseChord(s string) (Chord, error) {
	var c Chord
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "+")
	key := ""
	for _, p := range parts {
		p = strings.TrimSpace(p)
		switch p {
		case "":
			return Chord{}, fmt.Errorf("chord %q: empty part", s)
		case "ctrl", "control":
			c.Ctrl = true
		case "alt":
			c.Alt = true
		case "shift":
			c.Shift = true
		default:
			if key != "" {
				return Chord{}, fmt.Errorf("chord %q: more than one key", s)
			}
			key = p
		}
	}
	if key == "" {
		return Chord{}, fmt.Errorf("chord %q: no key", s)
	}

	vk, err := parseKey(key)
	if err != nil {
		return Chord{}, fmt.Errorf("chord %q: %w", s, err)
	}
	c.VK = vk
	return c, nil
}

func parseKey(key string) (int, error) {
	if rest, ok := strings.CutPrefix(key, "vk:"); ok {
		vk, err := strconv.ParseInt(rest, 0, 32)
		if err != nil || vk <= 0 || vk > 0xFE {
			return 0, fmt.Errorf("bad virtual key %q", rest)
		}
		return int(vk), nil
	}
	if vk, ok := namedKeys[key]; ok {
		return vk, nil
	}
	if len(key) == 1 {
		ch := key[0]
		switch {
		case ch >= 'a' && ch <= 'z':
			return int(ch - 'a' + 'A'), nil
		case ch >= '0' && ch <= '9':
			return int(ch), nil
		}
	}
	return 0, fmt.Errorf("unknown key %q", key)
}

// Matches reports whether e is this chord being pressed. Modifiers must
// match exactly so "tab" does not fire on "ctrl+tab".
func (c Chord) Matches(e KeyEvent) bool {
	return e.Down() && e.VK == c.VK && e.Shift == c.Shift && e.Ctrl == c.Ctrl && e.Alt == c.Alt
}

func (c Chord) String() string {
	var parts []string
	if c.Ctrl {
		parts = append(parts, "ctrl")
	}
	if c.Alt {
		parts = append(parts, "alt")
	}
	if c.Shift {
		parts = append(parts, "shift")
	}
	return strings.Join(append(parts, "vk:"+strconv.Itoa(c.VK)), "+")
}
