package window

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Handle is a native window identifier: an X11 window id, an HWND, or a
// stable hash of a compositor UUID.
type Handle uint64

// Window is one top-level window of the game client.
type Window struct {
	Title  string `json:"title"`
	Handle Handle `json:"windowHandle"`
	PID    int    `json:"pid,omitempty"`
}

// Backend defines the interface for window discovery backends (X11, KWin,
// helper executables)
type Backend interface {
	// Name returns the backend name (e.g., "x11", "kwin")
	Name() string

	// ListWindows returns the top-level windows owned by processes whose
	// image name matches imageName.
	ListWindows(ctx context.Context, imageName string) ([]Window, error)

	// Activate restores w if minimized and brings it to the foreground.
	Activate(ctx context.Context, w Window) error

	// Close releases the backend's connections
	Close() error
}

// normalizeImage lowercases an image name and drops a ".exe" suffix so
// "Game.exe", "game" and a Wine comm of "Game.exe" compare equal.
func normalizeImage(name string) string {
	name = strings.ToLower(strings.TrimSpace(filepath.Base(name)))
	return strings.TrimSuffix(name, ".exe")
}

// commLen is the width of /proc/<pid>/comm on Linux.
const commLen = 15

// ImageMatches reports whether a process name reported by the OS matches the
// configured image name. Linux truncates comm to 15 bytes, so a full-width
// comm matches as a prefix.
func ImageMatches(procName, imageName string) bool {
	if imageName == "" {
		return true
	}
	if strings.TrimSpace(procName) == "" {
		return false
	}
	p := normalizeImage(procName)
	want := normalizeImage(imageName)
	if p == want {
		return true
	}
	raw := strings.TrimSpace(procName)
	if len(raw) == commLen {
		return strings.HasPrefix(strings.ToLower(imageName), strings.ToLower(raw))
	}
	return false
}

// procRoot is swapped in tests.
var procRoot = "/proc"

// processName returns the image name of pid from procfs.
func processName(pid int) (string, error) {
	data, err := os.ReadFile(filepath.Join(procRoot, strconv.Itoa(pid), "comm"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// hashString gives compositor UUIDs a numeric handle
func hashString(s string) Handle {
	var hash uint32 = 5381
	for i := 0; i < len(s); i++ {
		hash = ((hash << 5) + hash) + uint32(s[i])
	}
	return Handle(hash)
}
