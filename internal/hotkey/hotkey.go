// Package hotkey registers the global listen-toggle shortcut.
package hotkey

import (
	"fmt"
	"strings"
	"sync"
)

// Manager defines the interface for global hotkey management
type Manager interface {
	Register(accel string, callback func(pressed bool)) error
	Unregister(accel string) error
	Close() error
}

// Modifier is a bit set of modifier keys.
type Modifier uint8

const (
	ModCtrl Modifier = 1 << iota
	ModShift
	ModAlt
	ModSuper
)

// Accelerator is a parsed shortcut such as "Ctrl+Shift+S".
type Accelerator struct {
	Mods Modifier
	// Key is the upper-cased key name: a letter, a digit, or "SPACE".
	Key string
}

// ParseAccelerator parses "+"-separated modifier names followed by one key.
func ParseAccelerator(accel string) (Accelerator, error) {
	parts := strings.Split(accel, "+")
	if len(parts) == 0 || strings.TrimSpace(accel) == "" {
		return Accelerator{}, fmt.Errorf("hotkey: empty accelerator")
	}

	var a Accelerator
	for i, raw := range parts {
		p := strings.ToLower(strings.TrimSpace(raw))
		last := i == len(parts)-1
		switch p {
		case "ctrl", "control":
			a.Mods |= ModCtrl
		case "shift":
			a.Mods |= ModShift
		case "alt", "option", "opt":
			a.Mods |= ModAlt
		case "super", "cmd", "command", "meta":
			a.Mods |= ModSuper
		default:
			if !last {
				return Accelerator{}, fmt.Errorf("hotkey: unknown modifier %q in %q", raw, accel)
			}
			key, err := normalizeKey(p)
			if err != nil {
				return Accelerator{}, fmt.Errorf("hotkey: %w in %q", err, accel)
			}
			a.Key = key
			continue
		}
		if last {
			return Accelerator{}, fmt.Errorf("hotkey: %q has no key", accel)
		}
	}
	return a, nil
}

func normalizeKey(k string) (string, error) {
	if k == "space" {
		return "SPACE", nil
	}
	if len(k) == 1 && (k[0] >= 'a' && k[0] <= 'z' || k[0] >= '0' && k[0] <= '9') {
		return strings.ToUpper(k), nil
	}
	return "", fmt.Errorf("unsupported key %q", k)
}

// Debounce drops the repeated presses key auto-repeat delivers while a key
// is held, so cb sees one press and one release per physical keystroke.
func Debounce(cb func(pressed bool)) func(pressed bool) {
	var mu sync.Mutex
	down := false
	return func(pressed bool) {
		mu.Lock()
		changed := pressed != down
		down = pressed
		mu.Unlock()
		if changed {
			cb(pressed)
		}
	}
}
