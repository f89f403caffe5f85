package helper

import (
	"errors"
	"time"
)

var (
	// ErrExecutableNotFound means the helper binary is missing at its
	// resolved path. It is a deployment error and is reported once, with
	// the path, instead of surfacing as a spawn failure.
	ErrExecutableNotFound = errors.New("helper executable not found")
	// ErrNotRunning is returned when writing to a helper that is not in the
	// Running state.
	ErrNotRunning = errors.New("helper not running")
	// ErrTimeout is returned when a helper does not answer in time.
	ErrTimeout = errors.New("helper did not respond in time")
	// ErrClosed is delivered to waiters whose helper went away.
	ErrClosed = errors.New("helper exited")
)

// Kind identifies a helper executable and its protocol.
type Kind string

const (
	KindCycleFocus      Kind = "cycle-focus"
	KindBatchFocus      Kind = "batch-focus"
	KindBackgroundBatch Kind = "background-batch-focus"
	KindKeyListener     Kind = "key-listener"
	KindClickListener   Kind = "click-listener"
	// KindLauncher is spawned once per game launch and is not a singleton.
	KindLauncher Kind = "launcher"
)

// Singleton reports whether at most one process of this kind may run.
func (k Kind) Singleton() bool {
	return k != KindLauncher
}

// State is a step in a helper's lifecycle.
type State int

const (
	StateNotStarted State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the process is gone.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateCrashed
}

// DefaultStopGrace is how long Stop waits for a polite exit before killing.
const DefaultStopGrace = time.Second

// DefaultMaxLineBytes caps an unterminated stdout line.
const DefaultMaxLineBytes = 1 << 20

// Spec describes how to spawn one helper.
type Spec struct {
	Kind Kind
	Path string
	Args []string
	Dir  string
	// Env is appended to the parent environment.
	Env []string

	// PipeStderr forwards stderr lines to the debug log; otherwise stderr
	// is discarded.
	PipeStderr bool

	// ShutdownCommand, when set, is written to stdin before Stop closes it.
	ShutdownCommand any

	// KeepChildren limits a kill to the helper process itself. Processes
	// it started outlive it.
	KeepChildren bool

	StopGrace    time.Duration
	MaxLineBytes int
}

// ExitInfo describes how a helper process ended.
type ExitInfo struct {
	Handle   *Handle
	Kind     Kind
	PID      int
	State    State
	ExitCode int
	Err      error
}

// Requested reports whether the exit followed a Stop or Kill call.
func (e ExitInfo) Requested() bool {
	return e.State == StateStopped
}

// Hooks receive a helper's output. Each handle has exactly one owner; fanning
// events out to several observers is the owner's job.
type Hooks struct {
	// OnLine is called from the reader goroutine, in stdout order, for every
	// complete line that parsed as a JSON object.
	OnLine func(Line)
	// OnExit is called once after the process has exited and its output has
	// been drained.
	OnExit func(ExitInfo)
}
