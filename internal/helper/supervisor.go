package helper

import (
	"context"
	"fmt"
	"sync"

	"github.com/bryanchriswhite/multiboxer/internal/logger"
	"github.com/bryanchriswhite/multiboxer/internal/registry"
	"go.uber.org/multierr"
)

// SpecFunc builds the spawn spec for a helper kind, usually from config.
type SpecFunc func(kind Kind) (Spec, error)

// Supervisor owns the singleton helpers. It starts them lazily, reuses a
// live process, replaces a dead one and never runs two of a kind at once.
type Supervisor struct {
	mu       sync.Mutex
	specs    SpecFunc
	registry *registry.Registry
	handles  map[Kind]*Handle
	observer func(ExitInfo)
}

// NewSupervisor returns a supervisor that records its helpers in reg.
func NewSupervisor(specs SpecFunc, reg *registry.Registry) *Supervisor {
	return &Supervisor{
		specs:    specs,
		registry: reg,
		handles:  make(map[Kind]*Handle),
	}
}

// OnExit registers fn to see every supervised helper exit, after the
// helper's own hooks.
func (s *Supervisor) OnExit(fn func(ExitInfo)) {
	s.mu.Lock()
	s.observer = fn
	s.mu.Unlock()
}

// Acquire returns the running helper of kind, starting it when needed. The
// hooks only apply when this call starts the process; a reused helper keeps
// the hooks it was started with.
func (s *Supervisor) Acquire(ctx context.Context, kind Kind, hooks Hooks) (*Handle, error) {
	if !kind.Singleton() {
		return nil, fmt.Errorf("%s helpers are not supervised", kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.handles[kind]; ok {
		if h.State() == StateRunning {
			return h, nil
		}
		// A stopping helper still holds its registry slot.
		if err := h.Wait(ctx); err != nil {
			return nil, err
		}
	}

	spec, err := s.specs(kind)
	if err != nil {
		return nil, err
	}
	spec.Kind = kind

	userExit := hooks.OnExit
	observer := s.observer
	hooks.OnExit = func(info ExitInfo) {
		s.forget(kind, info.Handle)
		if userExit != nil {
			userExit(info)
		}
		if observer != nil {
			observer(info)
		}
	}

	h, err := Start(ctx, spec, hooks)
	if err != nil {
		return nil, err
	}

	key := registry.HelperKey(string(kind))
	if err := s.registry.Register(key, h); err != nil {
		_ = h.Kill()
		return nil, err
	}
	s.handles[kind] = h
	return h, nil
}

// forget drops h from the supervisor and registry unless it was already
// replaced.
func (s *Supervisor) forget(kind Kind, h *Handle) {
	s.mu.Lock()
	if cur, ok := s.handles[kind]; ok && cur == h {
		delete(s.handles, kind)
	}
	s.mu.Unlock()
	s.registry.UnregisterIf(registry.HelperKey(string(kind)), h)
}

// Get returns the current handle of kind, if any.
func (s *Supervisor) Get(kind Kind) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[kind]
	return h, ok
}

// State returns the lifecycle state of kind; NotStarted when never started
// or already forgotten.
func (s *Supervisor) State(kind Kind) State {
	h, ok := s.Get(kind)
	if !ok {
		return StateNotStarted
	}
	return h.State()
}

// Send writes v to the running helper of kind without starting it.
func (s *Supervisor) Send(kind Kind, v any) error {
	h, ok := s.Get(kind)
	if !ok {
		return fmt.Errorf("%s helper: %w", kind, ErrNotRunning)
	}
	return h.Send(v)
}

// Stop stops the helper of kind. Stopping a helper that is not running is a
// no-op.
func (s *Supervisor) Stop(ctx context.Context, kind Kind) error {
	h, ok := s.Get(kind)
	if !ok {
		return nil
	}
	return h.Stop(ctx)
}

// StopAll stops every helper politely, then kills whatever is still
// registered.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			if err := h.Stop(ctx); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}(h)
	}
	wg.Wait()

	if err := s.registry.KillAll(); err != nil {
		errs = multierr.Append(errs, err)
	}

	s.mu.Lock()
	s.handles = make(map[Kind]*Handle)
	s.mu.Unlock()

	if errs != nil {
		logger.WithComponent("helper").Warn().Err(errs).Msg("Errors while stopping helpers")
	}
	return errs
}

// Writer sends lines to the supervised helper of one kind, starting it on
// first use.
type Writer struct {
	Supervisor *Supervisor
	Kind       Kind
	Hooks      Hooks
}

// WriteLine acquires the helper and writes line to it.
func (w Writer) WriteLine(ctx context.Context, line string) error {
	h, err := w.Supervisor.Acquire(ctx, w.Kind, w.Hooks)
	if err != nil {
		return err
	}
	return h.SendLine(line)
}
