package session

import (
	"context"
	"sync"
	"time"

	"github.com/bryanchriswhite/multiboxer/internal/ident"
	"github.com/bryanchriswhite/multiboxer/internal/logger"
)

// DefaultInterval is how often a monitored pid is probed.
const DefaultInterval = 2 * time.Second

// ExitFunc is called once when a monitored process is found gone.
type ExitFunc func(accountID ident.ID, pid int)

type watch struct {
	pid    int
	cancel context.CancelFunc
	done   chan struct{}
}

// Monitor polls the game processes it watches, one goroutine per account.
// Game clients are started by a helper, not by us, so there is no wait
// handle to block on.
type Monitor struct {
	prober   Prober
	interval time.Duration
	onExit   ExitFunc

	mu      sync.Mutex
	watches map[ident.ID]*watch
}

// NewMonitor creates a monitor that reports dead processes to onExit.
func NewMonitor(prober Prober, interval time.Duration, onExit ExitFunc) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		onExit:   onExit,
		watches:  make(map[ident.ID]*watch),
	}
}

// Start watches pid for accountID, replacing any previous watch for the
// account so it never has two.
func (m *Monitor) Start(accountID ident.ID, pid int) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &watch{pid: pid, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	old := m.watches[accountID]
	m.watches[accountID] = w
	m.mu.Unlock()

	if old != nil {
		old.cancel()
		<-old.done
	}

	go m.run(ctx, accountID, w)
}

func (m *Monitor) run(ctx context.Context, accountID ident.ID, w *watch) {
	defer close(w.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.prober.Probe(w.pid) == Alive {
				continue
			}

			m.mu.Lock()
			current := m.watches[accountID] == w
			if current {
				delete(m.watches, accountID)
			}
			m.mu.Unlock()

			// Stopped or replaced while probing.
			if !current || ctx.Err() != nil {
				return
			}

			logger.WithComponent("monitor").Info().
				Str("account", accountID.String()).
				Int("pid", w.pid).
				Msg("Game process is gone")
			if m.onExit != nil {
				m.onExit(accountID, w.pid)
			}
			return
		}
	}
}

// Stop cancels the watch for accountID and waits for it to finish.
func (m *Monitor) Stop(accountID ident.ID) {
	m.mu.Lock()
	w, ok := m.watches[accountID]
	delete(m.watches, accountID)
	m.mu.Unlock()

	// A watch that already fired removed itself, so this never waits on
	// the goroutine running onExit.
	if ok {
		w.cancel()
		<-w.done
	}
}

// StopAll cancels every watch.
func (m *Monitor) StopAll() {
	m.mu.Lock()
	watches := m.watches
	m.watches = make(map[ident.ID]*watch)
	m.mu.Unlock()

	for _, w := range watches {
		w.cancel()
	}
	for _, w := range watches {
		<-w.done
	}
}

// Watching reports whether accountID has an active watch.
func (m *Monitor) Watching(accountID ident.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watches[accountID]
	return ok
}

// PID returns the pid watched for accountID.
func (m *Monitor) PID(accountID ident.ID) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watches[accountID]
	if !ok {
		return 0, false
	}
	return w.pid, true
}
