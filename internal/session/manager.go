// Package session launches game clients, watches them until they exit and
// remembers them across restarts.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bryanchriswhite/multiboxer/internal/events"
	"github.com/bryanchriswhite/multiboxer/internal/ident"
	"github.com/bryanchriswhite/multiboxer/internal/logger"
	"github.com/bryanchriswhite/multiboxer/internal/registry"
	"github.com/rs/zerolog"
)

// ErrAlreadyRunning is returned when launching an account that has a live
// session or a launch in flight.
var ErrAlreadyRunning = errors.New("already running")

// Session is the runtime record of one account's game client.
type Session struct {
	AccountID ident.ID  `json:"accountId"`
	PID       int       `json:"pid"`
	Started   time.Time `json:"started"`
	Restored  bool      `json:"restored,omitempty"`

	launcher Stopper
}

// Event is the payload of session events.
type Event struct {
	AccountID ident.ID `json:"accountId"`
	PID       int      `json:"pid,omitempty"`
	ExitCode  *int     `json:"exitCode,omitempty"`
	Crashed   bool     `json:"crashed,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// gameProcess lets the registry see a game client as a handle.
type gameProcess struct {
	pid  int
	proc ProcessControl
}

func (g *gameProcess) PID() int    { return g.pid }
func (g *gameProcess) Alive() bool { return g.proc.Probe(g.pid) == Alive }
func (g *gameProcess) Kill() error { return g.proc.Terminate(g.pid) }

// ProcessControl probes and terminates game processes.
type ProcessControl interface {
	Prober
	Terminator
}

// Options configure a Manager.
type Options struct {
	Launcher   Launcher
	Processes  ProcessControl
	Classifier *Classifier
	Store      *Store
	Registry   *registry.Registry
	Bus        events.Publisher
	Interval   time.Duration
}

// Manager owns the game sessions. Every session end, whether seen by the
// monitor, reported by the launcher or requested through Close, removes the
// session, persists the table and publishes one event, exactly once.
type Manager struct {
	launcher   Launcher
	procs      ProcessControl
	classifier *Classifier
	store      *Store
	registry   *registry.Registry
	bus        events.Publisher
	monitor    *Monitor
	log        *zerolog.Logger

	mu        sync.Mutex
	sessions  map[ident.ID]*Session
	launching map[ident.ID]bool
	crashed   map[ident.ID]bool

	restoreOnce sync.Once
	ready       chan struct{}
}

// NewManager creates a manager. Call Restore before anything else; other
// operations block until it has run.
func NewManager(opts Options) *Manager {
	if opts.Registry == nil {
		opts.Registry = registry.New("sessions")
	}
	if opts.Classifier == nil {
		opts.Classifier = NewClassifier(nil, "", nil)
	}

	m := &Manager{
		launcher:   opts.Launcher,
		procs:      opts.Processes,
		classifier: opts.Classifier,
		store:      opts.Store,
		registry:   opts.Registry,
		bus:        opts.Bus,
		log:        logger.WithComponent("session"),
		sessions:   make(map[ident.ID]*Session),
		launching:  make(map[ident.ID]bool),
		crashed:    make(map[ident.ID]bool),
		ready:      make(chan struct{}),
	}
	m.monitor = NewMonitor(opts.Processes, opts.Interval, m.handleProcessGone)
	return m
}

// Restore reconciles the persisted table with the processes that are still
// alive: live entries are monitored again, dead ones dropped, and the file
// rewritten with the survivors. It runs once; later calls are no-ops.
func (m *Manager) Restore(ctx context.Context) error {
	var err error
	m.restoreOnce.Do(func() {
		defer close(m.ready)
		err = m.restore(ctx)
	})
	return err
}

func (m *Manager) restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	records, err := m.store.Load()
	if err != nil {
		m.log.Warn().Err(err).Str("path", m.store.Path()).Msg("Discarding unreadable session file")
		records = nil
	}

	m.mu.Lock()
	for _, r := range records {
		if ctx.Err() != nil {
			break
		}
		if _, dup := m.sessions[r.AccountID]; dup {
			continue
		}
		if m.procs.Probe(r.PID) != Alive {
			m.log.Info().Str("account", r.AccountID.String()).Int("pid", r.PID).Msg("Dropping stale session")
			continue
		}
		s := &Session{AccountID: r.AccountID, PID: r.PID, Started: time.Now(), Restored: true}
		if err := m.registry.Register(registry.AccountKey(r.AccountID), &gameProcess{pid: r.PID, proc: m.procs}); err != nil {
			m.log.Warn().Err(err).Str("account", r.AccountID.String()).Msg("Cannot register restored session")
			continue
		}
		m.sessions[r.AccountID] = s
		m.monitor.Start(r.AccountID, r.PID)
		m.log.Info().Str("account", r.AccountID.String()).Int("pid", r.PID).Msg("Restored session")
	}
	m.mu.Unlock()

	return m.persist()
}

func (m *Manager) waitReady(ctx context.Context) error {
	select {
	case <-m.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Launch starts the game for req.AccountID and begins monitoring it.
func (m *Manager) Launch(ctx context.Context, req LaunchRequest) (Session, error) {
	if err := m.waitReady(ctx); err != nil {
		return Session{}, err
	}
	if req.AccountID.IsZero() {
		return Session{}, fmt.Errorf("account id: %w", ident.ErrEmpty)
	}
	id := req.AccountID

	m.mu.Lock()
	if m.launching[id] {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("account %s: launch in progress: %w", id, ErrAlreadyRunning)
	}
	if old, ok := m.sessions[id]; ok {
		if m.registry.IsRunning(registry.AccountKey(id)) {
			m.mu.Unlock()
			return Session{}, fmt.Errorf("account %s (pid %d): %w", id, old.PID, ErrAlreadyRunning)
		}
	}
	m.launching[id] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.launching, id)
		m.mu.Unlock()
	}()

	// The monitor has not noticed yet that the previous client died.
	if old, ok := m.get(id); ok {
		m.end(old, nil, "")
	}

	onClosed := func(c Closed) {
		m.handleLauncherClosed(id, c)
	}

	launched, err := m.launcher.Launch(ctx, req, onClosed)
	if err != nil {
		m.log.Error().Err(err).Str("account", id.String()).Msg("Launch failed")
		m.publish(events.SessionError, Event{AccountID: id, Message: err.Error()})
		return Session{}, err
	}

	s := &Session{AccountID: id, PID: launched.PID, Started: time.Now(), launcher: launched.Helper}

	m.mu.Lock()
	if err := m.registry.Register(registry.AccountKey(id), &gameProcess{pid: s.PID, proc: m.procs}); err != nil {
		m.mu.Unlock()
		m.stopLauncher(s)
		return Session{}, err
	}
	m.sessions[id] = s
	m.crashed[id] = false
	m.mu.Unlock()

	m.monitor.Start(id, s.PID)
	if err := m.persist(); err != nil {
		m.log.Warn().Err(err).Msg("Failed to persist sessions")
	}
	m.publish(events.SessionStarted, Event{AccountID: id, PID: s.PID})
	return *s, nil
}

// Close terminates the game of accountID. An account without a session, or
// whose process is already gone, closes successfully.
func (m *Manager) Close(ctx context.Context, accountID ident.ID) error {
	if err := m.waitReady(ctx); err != nil {
		return err
	}

	s, ok := m.get(accountID)
	if !ok {
		return nil
	}

	m.monitor.Stop(accountID)
	if err := m.procs.Terminate(s.PID); err != nil {
		m.log.Warn().Err(err).Str("account", accountID.String()).Int("pid", s.PID).Msg("Failed to terminate game")
		// Still ours; keep watching it.
		if m.isCurrent(s) {
			m.monitor.Start(accountID, s.PID)
		}
		return fmt.Errorf("close %s: %w", accountID, err)
	}

	m.end(s, nil, "closed by request")
	return nil
}

// Running returns the live sessions ordered by account.
func (m *Manager) Running() []Session {
	m.mu.Lock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// IsRunning reports whether accountID has a live session.
func (m *Manager) IsRunning(accountID ident.ID) bool {
	m.mu.Lock()
	_, ok := m.sessions[accountID]
	m.mu.Unlock()
	return ok && m.registry.IsRunning(registry.AccountKey(accountID))
}

// CrashState reports whether the last session of accountID crashed.
func (m *Manager) CrashState(accountID ident.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.crashed[accountID]
}

// Shutdown stops monitoring and the launch helpers. Game clients keep
// running and are picked up again by the next Restore.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.monitor.StopAll()

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if s.launcher != nil {
			if err := s.launcher.Stop(ctx); err != nil {
				m.log.Debug().Err(err).Str("account", s.AccountID.String()).Msg("Failed to stop launcher")
			}
		}
	}
	return m.persist()
}

func (m *Manager) get(id ident.ID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) isCurrent(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[s.AccountID] == s
}

func (m *Manager) handleProcessGone(id ident.ID, pid int) {
	s, ok := m.get(id)
	if !ok || s.PID != pid {
		return
	}
	m.end(s, nil, "")
}

func (m *Manager) handleLauncherClosed(id ident.ID, c Closed) {
	s, ok := m.get(id)
	if !ok || (c.PID != 0 && s.PID != c.PID) {
		return
	}
	code := c.ExitCode
	m.end(s, &code, "")
}

// end removes s if it is still the account's current session and reports
// how it ended. Concurrent callers race on the removal; only the winner
// publishes.
func (m *Manager) end(s *Session, exitCode *int, reason string) bool {
	m.mu.Lock()
	if m.sessions[s.AccountID] != s {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, s.AccountID)
	m.mu.Unlock()

	m.monitor.Stop(s.AccountID)
	m.registry.Unregister(registry.AccountKey(s.AccountID))

	verdict := m.classifier.Classify(s.PID, exitCode)
	if verdict.Crashed {
		reason = verdict.Reason
	}

	m.mu.Lock()
	m.crashed[s.AccountID] = verdict.Crashed
	m.mu.Unlock()

	if err := m.persist(); err != nil {
		m.log.Warn().Err(err).Msg("Failed to persist sessions")
	}
	m.stopLauncher(s)

	ev := Event{
		AccountID: s.AccountID,
		PID:       s.PID,
		ExitCode:  exitCode,
		Crashed:   verdict.Crashed,
		Reason:    reason,
	}
	if verdict.Crashed {
		m.log.Warn().Str("account", s.AccountID.String()).Int("pid", s.PID).Str("reason", reason).Msg("Game crashed")
		m.publish(events.SessionCrashed, ev)
	} else {
		m.log.Info().Str("account", s.AccountID.String()).Int("pid", s.PID).Msg("Game closed")
		m.publish(events.SessionClosed, ev)
	}
	return true
}

// stopLauncher stops the launch helper in the background; it may be the
// goroutine that called end.
func (m *Manager) stopLauncher(s *Session) {
	if s.launcher == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.launcher.Stop(ctx)
	}()
}

func (m *Manager) persist() error {
	if m.store == nil {
		return nil
	}
	m.mu.Lock()
	records := make([]Record, 0, len(m.sessions))
	for _, s := range m.sessions {
		records = append(records, Record{AccountID: s.AccountID, PID: s.PID})
	}
	m.mu.Unlock()
	return m.store.Save(records)
}

func (m *Manager) publish(t events.Type, ev Event) {
	if m.bus != nil {
		m.bus.Publish(events.New(t, ev))
	}
}
