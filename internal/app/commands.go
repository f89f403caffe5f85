package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/bryanchriswhite/multiboxer/internal/batch"
	"github.com/bryanchriswhite/multiboxer/internal/helper"
	"github.com/bryanchriswhite/multiboxer/internal/ident"
	"github.com/bryanchriswhite/multiboxer/internal/session"
	"github.com/bryanchriswhite/multiboxer/internal/window"
)

// ErrInvalidRequest marks a command called without a required field. It is
// a caller bug, not an operational failure.
var ErrInvalidRequest = errors.New("invalid request")

// Result is what every command reports to the UI.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func ok(data any) Result {
	return Result{Success: true, Data: data}
}

func failed(err error) Result {
	return Result{Error: err.Error()}
}

func invalid(format string, args ...any) (Result, error) {
	err := fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
	return failed(err), err
}

// Instance is one running game as reported to the UI.
type Instance struct {
	AccountID ident.ID `json:"accountId"`
	PID       int      `json:"pid"`
	Restored  bool     `json:"restored,omitempty"`
}

// StartFocus starts the focus helper when the helper backend is in use.
// Native backends need no process.
func (r *Runtime) StartFocus(ctx context.Context) Result {
	if r.backend.Name() != window.BackendHelper {
		return ok(nil)
	}
	if _, err := r.supervisor.Acquire(ctx, helper.KindCycleFocus, r.focusHooks()); err != nil {
		r.log.Error().Err(err).Msg("Failed to start focus helper")
		return failed(err)
	}
	return ok(nil)
}

// StopFocus stops the focus helper.
func (r *Runtime) StopFocus(ctx context.Context) Result {
	if err := r.supervisor.Stop(ctx, helper.KindCycleFocus); err != nil {
		return failed(err)
	}
	return ok(nil)
}

// Cycle focuses the next game window. No windows is not an error.
func (r *Runtime) Cycle(ctx context.Context) Result {
	w, found := r.coordinator.Cycle(ctx)
	if !found {
		return ok(nil)
	}
	return ok(w)
}

// ToggleLast switches back to the previously focused window.
func (r *Runtime) ToggleLast(ctx context.Context) Result {
	w, found := r.coordinator.ToggleLast(ctx)
	if !found {
		return ok(nil)
	}
	return ok(w)
}

// FocusWindow focuses w directly. A rejected focus is logged by the
// coordinator and still reported as success; it is retried on the next
// hotkey.
func (r *Runtime) FocusWindow(ctx context.Context, w window.Window) (Result, error) {
	if w.Handle == 0 && w.PID <= 0 {
		return invalid("window handle or pid required")
	}
	focused := r.coordinator.Focus(ctx, w)
	return ok(map[string]bool{"focused": focused}), nil
}

// ListWindows enumerates the game windows.
func (r *Runtime) ListWindows(ctx context.Context) Result {
	return ok(r.coordinator.Enumerate(ctx))
}

// LaunchGame starts the game for req.AccountID.
func (r *Runtime) LaunchGame(ctx context.Context, req session.LaunchRequest) (Result, error) {
	if req.AccountID.IsZero() {
		return invalid("accountId required")
	}
	s, err := r.sessions.Launch(ctx, req)
	if err != nil {
		return failed(err), nil
	}
	return ok(Instance{AccountID: s.AccountID, PID: s.PID}), nil
}

// CloseGame terminates the game of accountID. Closing an account that is
// not running succeeds.
func (r *Runtime) CloseGame(ctx context.Context, accountID ident.ID) (Result, error) {
	if accountID.IsZero() {
		return invalid("accountId required")
	}
	if err := r.sessions.Close(ctx, accountID); err != nil {
		return failed(err), nil
	}
	return ok(nil), nil
}

// RunningInstances lists the live sessions.
func (r *Runtime) RunningInstances() Result {
	running := r.sessions.Running()
	out := make([]Instance, 0, len(running))
	for _, s := range running {
		out = append(out, Instance{AccountID: s.AccountID, PID: s.PID, Restored: s.Restored})
	}
	return ok(out)
}

// CrashState reports whether the last session of accountID crashed.
func (r *Runtime) CrashState(accountID ident.ID) bool {
	return r.sessions.CrashState(accountID)
}

// StartPreset runs job on its queue's batch helper.
func (r *Runtime) StartPreset(ctx context.Context, job batch.Job) (Result, error) {
	if job.ID.IsZero() {
		return invalid("jobId required")
	}
	if _, err := batch.ParseQueue(string(job.Queue)); err != nil {
		return invalid("%v", err)
	}
	requestID, err := r.dispatcher.Execute(ctx, job)
	if err != nil {
		return failed(err), nil
	}
	return ok(map[string]string{"requestId": requestID}), nil
}

// CancelPreset cancels job id on queue. Cancelling an unknown job succeeds
// and touches nothing.
func (r *Runtime) CancelPreset(ctx context.Context, id ident.ID, queue batch.Queue) (Result, error) {
	if id.IsZero() {
		return invalid("jobId required")
	}
	q, err := batch.ParseQueue(string(queue))
	if err != nil {
		return invalid("%v", err)
	}
	if err := r.dispatcher.Cancel(ctx, id, q); err != nil {
		return failed(err), nil
	}
	return ok(nil), nil
}

// Presets lists the outstanding jobs.
func (r *Runtime) Presets() Result {
	return ok(r.dispatcher.Outstanding())
}

// StartKeyListener starts the global hotkey listener.
func (r *Runtime) StartKeyListener(ctx context.Context) Result {
	if err := r.keys.Start(ctx); err != nil {
		r.log.Error().Err(err).Msg("Failed to start key listener")
		return failed(err)
	}
	return ok(nil)
}

// StopKeyListener stops the hotkey listener.
func (r *Runtime) StopKeyListener(ctx context.Context) Result {
	if err := r.keys.Stop(ctx); err != nil {
		return failed(err)
	}
	return ok(nil)
}

// StartClickPicker starts capturing clicks. oneShot stops after the first.
func (r *Runtime) StartClickPicker(ctx context.Context, oneShot bool) Result {
	if err := r.clicks.Start(ctx, oneShot); err != nil {
		r.log.Error().Err(err).Msg("Failed to start click picker")
		return failed(err)
	}
	return ok(nil)
}

// StopClickPicker stops capturing clicks.
func (r *Runtime) StopClickPicker(ctx context.Context) Result {
	if err := r.clicks.Stop(ctx); err != nil {
		return failed(err)
	}
	return ok(nil)
}

// LastClick returns the most recent picker capture.
func (r *Runtime) LastClick() Result {
	ev, err := r.clicks.Last()
	if err != nil {
		return failed(err)
	}
	return ok(ev)
}
