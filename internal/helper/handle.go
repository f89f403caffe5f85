// Package helper supervises the small native executables that do the actual
// window focusing, input capture and game launching.
//
// Each helper speaks newline-delimited JSON: commands go in on stdin, one
// object per line, and events come back on stdout the same way.
package helper

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/multiboxer/internal/logger"
	"github.com/rs/zerolog"
)

// Handle owns one helper process and its pipes.
type Handle struct {
	spec  Spec
	hooks Hooks
	log   *zerolog.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	// writeMu keeps concurrent senders from interleaving partial lines.
	writeMu     sync.Mutex
	stdinClosed bool

	mu       sync.RWMutex
	state    State
	pid      int
	exitCode int

	done chan struct{}
}

// Start spawns the helper described by spec and begins reading its stdout.
// A missing executable is reported as ErrExecutableNotFound without trying
// to spawn anything.
func Start(ctx context.Context, spec Spec, hooks Hooks) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := ResolveExecutable(spec.Path)
	if err != nil {
		return nil, err
	}
	if spec.StopGrace <= 0 {
		spec.StopGrace = DefaultStopGrace
	}
	if spec.MaxLineBytes <= 0 {
		spec.MaxLineBytes = DefaultMaxLineBytes
	}

	h := &Handle{
		spec:  spec,
		hooks: hooks,
		log:   logger.WithComponent("helper"),
		state: StateStarting,
		done:  make(chan struct{}),
	}

	// Not CommandContext: helpers outlive the request that started them.
	h.cmd = exec.Command(path, spec.Args...)
	h.cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		h.cmd.Env = append(os.Environ(), spec.Env...)
	}
	configureProcAttr(h.cmd)

	h.stdin, err = h.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := h.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	var stderr io.ReadCloser
	if spec.PipeStderr {
		stderr, err = h.cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
		}
	}

	if err := h.cmd.Start(); err != nil {
		h.setState(StateCrashed)
		return nil, fmt.Errorf("failed to start %s helper: %w", spec.Kind, err)
	}

	h.mu.Lock()
	h.pid = h.cmd.Process.Pid
	h.state = StateRunning
	h.mu.Unlock()

	h.log.Info().
		Str("kind", string(spec.Kind)).
		Str("path", path).
		Int("pid", h.pid).
		Msg("Helper started")

	readDone := make(chan struct{})
	go h.readStdout(stdout, readDone)

	stderrDone := make(chan struct{})
	if stderr != nil {
		go h.logStderr(stderr, stderrDone)
	} else {
		close(stderrDone)
	}

	go h.wait(readDone, stderrDone)

	return h, nil
}

// ResolveExecutable checks that path names an existing regular file. Bare
// names are looked up on PATH.
func ResolveExecutable(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrExecutableNotFound)
	}

	if !strings.ContainsRune(path, os.PathSeparator) && !strings.ContainsRune(path, '/') {
		found, err := exec.LookPath(path)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, path)
		}
		return found, nil
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrExecutableNotFound, path, err)
	}
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, abs)
	}
	return abs, nil
}

// readStdout frames stdout into lines and hands each valid one to OnLine.
func (h *Handle) readStdout(stdout io.Reader, done chan<- struct{}) {
	defer close(done)

	dec := NewDecoder(h.spec.Kind, h.spec.MaxLineBytes, h.log)
	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			for _, line := range dec.Feed(buf[:n]) {
				h.dispatch(line)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				h.log.Debug().Err(err).Str("kind", string(h.spec.Kind)).Msg("Stdout read ended")
			}
			break
		}
	}

	if n := dec.Pending(); n > 0 {
		h.log.Debug().
			Str("kind", string(h.spec.Kind)).
			Int("bytes", n).
			Msg("Discarding unterminated output at exit")
	}
}

// dispatch calls OnLine, containing panics so one bad consumer cannot kill
// the reader.
func (h *Handle) dispatch(line Line) {
	if h.hooks.OnLine == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			h.log.Error().
				Interface("panic", rec).
				Str("kind", string(h.spec.Kind)).
				Msg("Line hook panicked")
		}
	}()
	h.hooks.OnLine(line)
}

func (h *Handle) logStderr(stderr io.Reader, done chan<- struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 4096), h.spec.MaxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			h.log.Debug().Str("kind", string(h.spec.Kind)).Int("pid", h.PID()).Msg(line)
		}
	}
}

// wait reaps the process once its output is drained, then fires OnExit.
func (h *Handle) wait(readDone, stderrDone <-chan struct{}) {
	<-readDone
	<-stderrDone
	err := h.cmd.Wait()

	code := 0
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}

	h.mu.Lock()
	if h.state == StateStopping {
		h.state = StateStopped
	} else {
		h.state = StateCrashed
	}
	h.exitCode = code
	info := ExitInfo{
		Handle:   h,
		Kind:     h.spec.Kind,
		PID:      h.pid,
		State:    h.state,
		ExitCode: code,
	}
	h.mu.Unlock()

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		info.Err = err
	}

	ev := h.log.Info()
	if info.State == StateCrashed {
		ev = h.log.Warn()
	}
	ev.Str("kind", string(info.Kind)).
		Int("pid", info.PID).
		Int("exit_code", code).
		Str("state", info.State.String()).
		Msg("Helper exited")

	close(h.done)

	if h.hooks.OnExit != nil {
		h.hooks.OnExit(info)
	}
}

// Kind returns the helper kind.
func (h *Handle) Kind() Kind {
	return h.spec.Kind
}

// PID returns the process id, or 0 before the process started.
func (h *Handle) PID() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.pid
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// ExitCode returns the exit code once the process is gone.
func (h *Handle) ExitCode() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.exitCode
}

// Alive reports whether the process has not yet been reaped.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Done is closed after the process exits and OnExit has been scheduled.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Send marshals v as one JSON line and writes it to stdin.
func (h *Handle) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}
	return h.SendLine(string(data))
}

// SendLine writes a raw line to stdin, appending "\n" when missing. It fails
// with ErrNotRunning unless the helper is running.
func (h *Handle) SendLine(line string) error {
	if s := h.State(); s != StateRunning {
		return fmt.Errorf("%s helper is %s: %w", h.spec.Kind, s, ErrNotRunning)
	}
	return h.write(line)
}

func (h *Handle) write(line string) error {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if h.stdinClosed {
		return fmt.Errorf("%s helper stdin closed: %w", h.spec.Kind, ErrNotRunning)
	}
	if _, err := io.WriteString(h.stdin, line); err != nil {
		return fmt.Errorf("failed to write to %s helper: %w", h.spec.Kind, err)
	}
	return nil
}

func (h *Handle) closeStdin() {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if !h.stdinClosed {
		h.stdinClosed = true
		_ = h.stdin.Close()
	}
}

// beginStop moves a live handle into Stopping. It returns false when the
// process is already gone.
func (h *Handle) beginStop() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case StateStopped, StateCrashed, StateNotStarted:
		return false
	}
	h.state = StateStopping
	return true
}

// Stop asks the helper to exit: the shutdown command if any, then EOF on
// stdin. A helper still running after the grace period is killed. Stopping
// an exited helper is a no-op.
func (h *Handle) Stop(ctx context.Context) error {
	if !h.beginStop() {
		return nil
	}

	if h.spec.ShutdownCommand != nil {
		if data, err := json.Marshal(h.spec.ShutdownCommand); err == nil {
			if err := h.write(string(data)); err != nil {
				h.log.Debug().Err(err).Str("kind", string(h.spec.Kind)).Msg("Shutdown command not delivered")
			}
		}
	}
	h.closeStdin()

	grace := time.NewTimer(h.spec.StopGrace)
	defer grace.Stop()

	select {
	case <-h.done:
		return nil
	case <-grace.C:
		h.log.Warn().
			Str("kind", string(h.spec.Kind)).
			Int("pid", h.PID()).
			Dur("grace", h.spec.StopGrace).
			Msg("Helper ignored shutdown, killing")
	case <-ctx.Done():
	}

	if err := h.signalKill(); err != nil {
		return err
	}

	// Bounded so a grandchild holding the pipe cannot hang shutdown.
	select {
	case <-h.done:
	case <-time.After(h.spec.StopGrace):
	}
	return nil
}

// Kill terminates the process immediately. Killing an exited process
// returns nil.
func (h *Handle) Kill() error {
	if !h.beginStop() {
		return nil
	}
	h.closeStdin()
	return h.signalKill()
}

func (h *Handle) signalKill() error {
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	if err := killProcess(h.cmd.Process, !h.spec.KeepChildren); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill %s helper (pid %d): %w", h.spec.Kind, h.PID(), err)
	}
	return nil
}

// Wait blocks until the process exits or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
