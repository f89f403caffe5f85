// Package app wires the orchestrator together and exposes the commands the
// UI calls.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/bryanchriswhite/multiboxer/internal/batch"
	"github.com/bryanchriswhite/multiboxer/internal/config"
	"github.com/bryanchriswhite/multiboxer/internal/events"
	"github.com/bryanchriswhite/multiboxer/internal/helper"
	"github.com/bryanchriswhite/multiboxer/internal/input"
	"github.com/bryanchriswhite/multiboxer/internal/logger"
	"github.com/bryanchriswhite/multiboxer/internal/notify"
	"github.com/bryanchriswhite/multiboxer/internal/registry"
	"github.com/bryanchriswhite/multiboxer/internal/session"
	"github.com/bryanchriswhite/multiboxer/internal/window"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// SessionFile is the name of the persisted session table in the data dir.
const SessionFile = "sessions.json"

// Deps replaces OS-facing collaborators. Zero fields use the real ones.
type Deps struct {
	Backend   window.Backend
	Launcher  session.Launcher
	Processes session.ProcessControl
	Inspector session.Inspector
	Notifier  notify.Sender
	Specs     helper.SpecFunc
}

// Runtime owns every long-lived component.
type Runtime struct {
	cfg  config.Config
	conf *config.Manager
	log  *zerolog.Logger

	bus         *events.Bus
	helperReg   *registry.Registry
	sessionReg  *registry.Registry
	supervisor  *helper.Supervisor
	backend     window.Backend
	coordinator *window.Coordinator
	dispatcher  *batch.Dispatcher
	sessions    *session.Manager
	keys        *input.KeyListener
	clicks      *input.ClickPicker
	notifier    notify.Sender

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New builds a runtime from configuration.
func New(conf *config.Manager, deps Deps) (*Runtime, error) {
	cfg := conf.Get()
	r := &Runtime{
		cfg:        cfg,
		conf:       conf,
		log:        logger.WithComponent("app"),
		bus:        events.NewBus(events.DefaultBuffer),
		helperReg:  registry.New("helpers"),
		sessionReg: registry.New("sessions"),
		notifier:   deps.Notifier,
	}

	specs := deps.Specs
	if specs == nil {
		specs = r.helperSpec
	}
	r.supervisor = helper.NewSupervisor(specs, r.helperReg)
	r.supervisor.OnExit(r.helperExited)

	r.backend = deps.Backend
	if r.backend == nil {
		b, err := window.Open(window.Options{
			Backend:    cfg.Window.Backend,
			Enumerator: conf.HelperPath(cfg.Helpers.Enumerator),
			Timeout:    cfg.Timeouts.Request,
			Focus:      r.focusWriter(),
		})
		if err != nil {
			return nil, err
		}
		r.backend = b
	}
	r.coordinator = window.NewCoordinator(r.backend, cfg.Game.ProcessName, r.bus)
	r.dispatcher = batch.NewDispatcher(batch.SupervisorHelpers{Supervisor: r.supervisor}, r.bus, cfg.Timeouts.Request)

	procs := deps.Processes
	if procs == nil {
		procs = session.OSProcesses{}
	}
	inspector := deps.Inspector
	if inspector == nil {
		inspector = session.OSProcesses{}
	}
	launcher := deps.Launcher
	if launcher == nil {
		launcher = &session.HelperLauncher{
			Path:       conf.HelperPath(cfg.Helpers.Launcher),
			Timeout:    cfg.Timeouts.Launch,
			StopGrace:  cfg.Timeouts.StopGrace,
			PipeStderr: true,
		}
	}
	r.sessions = session.NewManager(session.Options{
		Launcher:   launcher,
		Processes:  procs,
		Classifier: session.NewClassifier(inspector, cfg.Game.WatchdogName, cfg.Game.AcceptedExitCodes),
		Store:      session.NewStore(filepath.Join(conf.DataDir(), SessionFile)),
		Registry:   r.sessionReg,
		Bus:        r.bus,
		Interval:   cfg.Monitor.Interval,
	})

	bindings, err := input.ParseBindings(map[input.Action]string{
		input.ActionCycle:  cfg.Hotkeys.Cycle,
		input.ActionToggle: cfg.Hotkeys.Toggle,
	})
	if err != nil {
		return nil, err
	}
	r.keys = input.NewKeyListener(r.supervisor, r.bus, bindings, cfg.Hotkeys.Rate, r.onHotkey)
	r.clicks = input.NewClickPicker(r.supervisor, r.bus)
	return r, nil
}

// helperSpec maps a helper kind to its executable.
func (r *Runtime) helperSpec(kind helper.Kind) (helper.Spec, error) {
	h := r.cfg.Helpers
	var name string
	switch kind {
	case helper.KindCycleFocus:
		name = h.CycleFocus
	case helper.KindBatchFocus:
		name = h.BatchFocus
	case helper.KindBackgroundBatch:
		name = h.BackgroundBatchFocus
	case helper.KindKeyListener:
		name = h.KeyListener
	case helper.KindClickListener:
		name = h.ClickListener
	case helper.KindLauncher:
		name = h.Launcher
	default:
		return helper.Spec{}, fmt.Errorf("no executable for %s helper", kind)
	}

	spec := helper.Spec{
		Kind:       kind,
		Path:       r.conf.HelperPath(name),
		PipeStderr: true,
		StopGrace:  r.cfg.Timeouts.StopGrace,
	}
	if kind == helper.KindBatchFocus || kind == helper.KindBackgroundBatch {
		spec.ShutdownCommand = batch.ExitCommand
	}
	return spec, nil
}

func (r *Runtime) focusHooks() helper.Hooks {
	return helper.Hooks{
		OnLine: func(l helper.Line) {
			r.log.Debug().RawJSON("line", l.Raw).Msg("Focus helper output")
		},
	}
}

func (r *Runtime) focusWriter() helper.Writer {
	return helper.Writer{Supervisor: r.supervisor, Kind: helper.KindCycleFocus, Hooks: r.focusHooks()}
}

type helperExit struct {
	Kind      helper.Kind `json:"kind"`
	PID       int         `json:"pid"`
	ExitCode  int         `json:"exitCode"`
	Requested bool        `json:"requested"`
}

func (r *Runtime) helperExited(info helper.ExitInfo) {
	r.bus.Publish(events.New(events.HelperExited, helperExit{
		Kind:      info.Kind,
		PID:       info.PID,
		ExitCode:  info.ExitCode,
		Requested: info.Requested(),
	}))
}

func (r *Runtime) onHotkey(action input.Action) {
	ctx, cancel := context.WithTimeout(context.Background(), r.requestTimeout())
	defer cancel()

	switch action {
	case input.ActionCycle:
		r.coordinator.Cycle(ctx)
	case input.ActionToggle:
		r.coordinator.ToggleLast(ctx)
	}
}

func (r *Runtime) requestTimeout() time.Duration {
	if r.cfg.Timeouts.Request > 0 {
		return r.cfg.Timeouts.Request
	}
	return 10 * time.Second
}

// Bus returns the event bus.
func (r *Runtime) Bus() *events.Bus {
	return r.bus
}

// Config returns the configuration the runtime was built with.
func (r *Runtime) Config() config.Config {
	return r.cfg
}

// Start restores persisted sessions, then starts background services.
// Session commands wait for the restore to finish.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.sessions.Restore(ctx); err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	if r.cfg.Notifications.Enabled {
		sender := r.notifier
		if sender == nil {
			d, err := notify.NewDesktopNotifier("multiboxer")
			if err != nil {
				r.log.Warn().Err(err).Msg("Desktop notifications disabled")
			} else {
				sender = d
				r.notifier = d
			}
		}
		if sender != nil {
			f := notify.NewForwarder(sender, r.bus)
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				f.Run(runCtx)
			}()
		}
	}

	r.log.Info().
		Str("backend", r.backend.Name()).
		Int("sessions", len(r.sessions.Running())).
		Msg("Runtime started")
	return nil
}

// Shutdown stops monitoring and every helper. Game clients keep running and
// are restored on the next start.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var errs error
	r.stopOnce.Do(func() {
		errs = multierr.Append(errs, r.sessions.Shutdown(ctx))
		errs = multierr.Append(errs, r.supervisor.StopAll(ctx))
		errs = multierr.Append(errs, r.backend.Close())

		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()
		if c, ok := r.notifier.(interface{ Close() error }); ok {
			errs = multierr.Append(errs, c.Close())
		}
		r.bus.Close()
		r.log.Info().Msg("Runtime stopped")
	})
	return errs
}
