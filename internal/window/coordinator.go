// Package window finds the game client windows and moves focus between them.
package window

import (
	"context"
	"sync"

	"github.com/bryanchriswhite/multiboxer/internal/events"
	"github.com/bryanchriswhite/multiboxer/internal/logger"
	"github.com/rs/zerolog"
)

// historySize is the number of recently focused windows kept for toggling.
const historySize = 2

// Coordinator owns the focus cycle state: the candidate list from the last
// enumeration, the cycle index and the two most recently focused windows.
// All focus operations are serialized.
type Coordinator struct {
	backend   Backend
	imageName string
	bus       events.Publisher
	log       *zerolog.Logger

	mu      sync.Mutex
	windows []Window
	index   int
	history []Window
}

// NewCoordinator creates a coordinator for windows of imageName. bus may be
// nil.
func NewCoordinator(backend Backend, imageName string, bus events.Publisher) *Coordinator {
	return &Coordinator{
		backend:   backend,
		imageName: imageName,
		bus:       bus,
		log:       logger.WithComponent("focus"),
	}
}

// Backend returns the window backend in use.
func (c *Coordinator) Backend() Backend {
	return c.backend
}

// Enumerate lists the game windows. No windows is a normal state, so backend
// errors are logged and reported as an empty list.
func (c *Coordinator) Enumerate(ctx context.Context) []Window {
	windows, err := c.backend.ListWindows(ctx, c.imageName)
	if err != nil {
		c.log.Debug().Err(err).Str("backend", c.backend.Name()).Msg("Window enumeration failed")
		return []Window{}
	}
	if windows == nil {
		return []Window{}
	}
	return windows
}

// Focus activates w and records it in the history. Failures are logged and
// reported as false; they are never fatal.
func (c *Coordinator) Focus(ctx context.Context, w Window) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.focusLocked(ctx, w)
}

func (c *Coordinator) focusLocked(ctx context.Context, w Window) bool {
	if err := c.backend.Activate(ctx, w); err != nil {
		c.log.Warn().
			Err(err).
			Uint64("window", uint64(w.Handle)).
			Int("pid", w.PID).
			Msg("Failed to focus window")
		return false
	}
	c.recordLocked(w)

	if c.bus != nil {
		c.bus.Publish(events.New(events.FocusChanged, w))
	}
	return true
}

// recordLocked applies the history rule: remove, prepend, truncate.
func (c *Coordinator) recordLocked(w Window) {
	next := make([]Window, 0, historySize)
	next = append(next, w)
	for _, h := range c.history {
		if sameWindow(h, w) {
			continue
		}
		if len(next) == historySize {
			break
		}
		next = append(next, h)
	}
	c.history = next
}

// sameWindow compares handles, and pids for windows focused by pid alone.
func sameWindow(a, b Window) bool {
	return a.Handle == b.Handle && (a.Handle != 0 || a.PID == b.PID)
}

// Cycle re-enumerates the windows and focuses the next one in order. It
// returns the window it tried to focus, or false when there are none.
func (c *Coordinator) Cycle(ctx context.Context) (Window, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	windows := c.Enumerate(ctx)
	if len(windows) == 0 {
		c.windows = nil
		c.index = 0
		return Window{}, false
	}

	c.windows = windows
	if c.index >= len(windows) {
		c.index = 0
	}
	target := windows[c.index]
	c.index = (c.index + 1) % len(windows)

	c.focusLocked(ctx, target)
	return target, true
}

// ToggleLast focuses the second most recently focused window. With fewer
// than two history entries it does nothing.
func (c *Coordinator) ToggleLast(ctx context.Context) (Window, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.history) < historySize {
		return Window{}, false
	}
	target := c.history[1]
	return target, c.focusLocked(ctx, target)
}

// History returns the recently focused windows, most recent first.
func (c *Coordinator) History() []Window {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Window(nil), c.history...)
}

// Index returns the position Cycle will focus next.
func (c *Coordinator) Index() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index
}

// Windows returns the candidate list from the last cycle.
func (c *Coordinator) Windows() []Window {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Window(nil), c.windows...)
}

// Reset clears the cycle list, index and history.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.windows = nil
	c.index = 0
	c.history = nil
}
