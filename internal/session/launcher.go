package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bryanchriswhite/multiboxer/internal/helper"
	"github.com/bryanchriswhite/multiboxer/internal/ident"
	"github.com/bryanchriswhite/multiboxer/internal/logger"
)

// DefaultLaunchTimeout bounds the wait for the launch helper's answer.
const DefaultLaunchTimeout = 60 * time.Second

// ErrLaunchFailed wraps the message of a launch helper error reply.
var ErrLaunchFailed = errors.New("launch failed")

// LaunchRequest carries what the launch helper needs to start one client.
type LaunchRequest struct {
	AccountID ident.ID `json:"accountId"`
	Exe       string   `json:"exe"`
	User      string   `json:"user"`
	Password  string   `json:"-"`
	Role      string   `json:"role"`
	Extra     string   `json:"extra"`
}

// Args renders the positional arguments of the launch helper.
func (r LaunchRequest) Args() []string {
	return []string{
		"exe:" + r.Exe,
		"user:" + r.User,
		"pwd:" + r.Password,
		"role:" + r.Role,
		"extra:" + r.Extra,
		"onlyAdd:false",
	}
}

// Closed is the launch helper's report that the game exited.
type Closed struct {
	PID      int
	ExitCode int
}

// Stopper is the part of a launch helper the manager keeps.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Launched is a game started by a launch helper.
type Launched struct {
	PID    int
	Helper Stopper
}

// Launcher starts game clients.
type Launcher interface {
	// Launch starts the game and returns once its pid is known. onClosed
	// is called if the launcher later sees the game exit.
	Launch(ctx context.Context, req LaunchRequest, onClosed func(Closed)) (Launched, error)
}

// launchReply is any line printed by the launch helper.
type launchReply struct {
	Status   string `json:"status"`
	PID      int    `json:"pid"`
	Message  string `json:"message"`
	ExitCode *int   `json:"exitCode"`
}

// HelperLauncher spawns one transient launch helper per launch.
type HelperLauncher struct {
	Path      string
	Env       []string
	Timeout   time.Duration
	StopGrace time.Duration
	// PipeStderr forwards the helper's diagnostics to the debug log.
	PipeStderr bool
}

// Launch spawns the helper and waits for {status:"started"} or
// {status:"error"}. No answer within Timeout kills the helper.
func (l *HelperLauncher) Launch(ctx context.Context, req LaunchRequest, onClosed func(Closed)) (Launched, error) {
	log := logger.WithComponent("launcher")
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = DefaultLaunchTimeout
	}

	const key = "launch"
	pending := helper.NewPending[launchReply]()
	waiter, err := pending.Expect(key)
	if err != nil {
		return Launched{}, err
	}

	hooks := helper.Hooks{
		OnLine: func(line helper.Line) {
			var reply launchReply
			if err := line.Decode(&reply); err != nil {
				log.Warn().Err(err).RawJSON("line", line.Raw).Msg("Undecodable launcher line")
				return
			}
			switch reply.Status {
			case "started":
				pending.Resolve(key, reply)
			case "error":
				pending.Fail(key, fmt.Errorf("%w: %s", ErrLaunchFailed, reply.Message))
			case "closed":
				code := 0
				if reply.ExitCode != nil {
					code = *reply.ExitCode
				}
				if onClosed != nil {
					onClosed(Closed{PID: reply.PID, ExitCode: code})
				}
			default:
				log.Debug().Str("status", reply.Status).Str("account", req.AccountID.String()).Msg("Launcher status")
			}
		},
		OnExit: func(info helper.ExitInfo) {
			pending.Fail(key, fmt.Errorf("launcher exited with code %d: %w", info.ExitCode, helper.ErrClosed))
		},
	}

	h, err := helper.Start(ctx, helper.Spec{
		Kind:       helper.KindLauncher,
		Path:       l.Path,
		Args:       req.Args(),
		Env:        l.Env,
		StopGrace:  l.StopGrace,
		PipeStderr: l.PipeStderr,

		// The game is the launcher's child and must survive it.
		KeepChildren: true,
	}, hooks)
	if err != nil {
		waiter.Cancel()
		return Launched{}, err
	}

	reply, err := waiter.Wait(ctx, timeout)
	if err != nil {
		if errors.Is(err, helper.ErrTimeout) {
			err = fmt.Errorf("no answer from launcher after %s: %w", timeout, err)
		}
		_ = h.Kill()
		return Launched{}, err
	}
	if reply.PID <= 0 {
		_ = h.Kill()
		return Launched{}, fmt.Errorf("%w: launcher reported no pid", ErrLaunchFailed)
	}

	log.Info().Str("account", req.AccountID.String()).Int("pid", reply.PID).Msg("Game started")
	return Launched{PID: reply.PID, Helper: h}, nil
}
