package window

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/bryanchriswhite/multiboxer/internal/logger"
)

// LineWriter writes one protocol line to a helper process.
type LineWriter interface {
	WriteLine(ctx context.Context, line string) error
}

// HelperBackend delegates to native helper executables: a one-shot
// enumerator that prints the game windows as JSON, and the long-lived
// cycle-focus helper that activates a window given its owning PID.
type HelperBackend struct {
	enumerator string
	timeout    time.Duration
	focus      LineWriter
}

// NewHelperBackend returns a backend using the enumerator executable at path
// and focus for activation.
func NewHelperBackend(enumerator string, timeout time.Duration, focus LineWriter) *HelperBackend {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HelperBackend{enumerator: enumerator, timeout: timeout, focus: focus}
}

// Name returns the backend name
func (b *HelperBackend) Name() string {
	return "helper"
}

// Close is a no-op; the focus helper belongs to the supervisor.
func (b *HelperBackend) Close() error {
	return nil
}

// ListWindows runs the enumerator with the image name as its only argument.
func (b *HelperBackend) ListWindows(ctx context.Context, imageName string) ([]Window, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, b.enumerator, imageName)
	configureEnumerator(cmd)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("window enumerator timed out after %s", b.timeout)
		}
		return nil, fmt.Errorf("window enumerator failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}

	windows, err := ParseWindowList(out)
	if err != nil {
		return nil, err
	}
	logger.WithComponent("helper-backend").Debug().Int("count", len(windows)).Str("image", imageName).Msg("ListWindows")
	return windows, nil
}

// ParseWindowList decodes enumerator output. Scripted enumerators print a
// bare object instead of a one-element array and nothing at all when there
// are no matches; both are accepted.
func ParseWindowList(out []byte) ([]Window, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 || bytes.Equal(out, []byte("null")) {
		return []Window{}, nil
	}

	if out[0] == '{' {
		var w Window
		if err := json.Unmarshal(out, &w); err != nil {
			return nil, fmt.Errorf("failed to parse window: %w", err)
		}
		return []Window{w}, nil
	}

	var windows []Window
	if err := json.Unmarshal(out, &windows); err != nil {
		return nil, fmt.Errorf("failed to parse window list: %w", err)
	}
	if windows == nil {
		windows = []Window{}
	}
	return windows, nil
}

// Activate writes the decimal PID of the window's owner to the focus helper.
func (b *HelperBackend) Activate(ctx context.Context, w Window) error {
	if w.PID <= 0 {
		return fmt.Errorf("window %d has no owning pid", w.Handle)
	}
	if b.focus == nil {
		return errors.New("no focus helper configured")
	}
	return b.focus.WriteLine(ctx, strconv.Itoa(w.PID))
}
