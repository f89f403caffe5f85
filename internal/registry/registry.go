// Package registry tracks which OS processes the orchestrator currently owns.
//
// It is the single source of truth for "what is running": helpers are keyed
// by kind, game sessions by account and batch jobs by job ID. The registry
// never silently replaces a live entry, so a second launch for the same key
// cannot orphan the first process.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/bryanchriswhite/multiboxer/internal/ident"
	"github.com/bryanchriswhite/multiboxer/internal/logger"
	"go.uber.org/multierr"
)

// ErrAlreadyRegistered is returned by Register when the key holds a live handle.
var ErrAlreadyRegistered = errors.New("already registered")

// Namespace separates the kinds of keys stored in a registry.
type Namespace string

const (
	NamespaceAccount Namespace = "account"
	NamespaceJob     Namespace = "job"
	NamespaceHelper  Namespace = "helper"
)

// Key identifies a registry entry.
type Key struct {
	Namespace Namespace
	ID        string
}

func (k Key) String() string {
	return string(k.Namespace) + ":" + k.ID
}

// AccountKey returns the key of an account's game session.
func AccountKey(id ident.ID) Key { return Key{Namespace: NamespaceAccount, ID: string(id)} }

// JobKey returns the key of a batch job.
func JobKey(id ident.ID) Key { return Key{Namespace: NamespaceJob, ID: string(id)} }

// HelperKey returns the key of a singleton helper process.
func HelperKey(kind string) Key { return Key{Namespace: NamespaceHelper, ID: kind} }

// Handle is a live OS resource owned by the orchestrator.
type Handle interface {
	// PID returns the OS process id, or 0 when unknown.
	PID() int
	// Alive reports whether the underlying process has not exited.
	Alive() bool
	// Kill terminates the process. Killing a process that already exited
	// must return nil.
	Kill() error
}

// Registry maps keys to live handles.
type Registry struct {
	mu      sync.RWMutex
	name    string
	entries map[Key]Handle
}

// New creates an empty registry. The name only shows up in logs.
func New(name string) *Registry {
	return &Registry{
		name:    name,
		entries: make(map[Key]Handle),
	}
}

// Register inserts handle under key. A key that still maps to a live handle
// is a caller error; a dead leftover entry is replaced.
func (r *Registry) Register(key Key, handle Handle) error {
	if handle == nil {
		return fmt.Errorf("register %s: nil handle", key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[key]; ok && existing.Alive() {
		return fmt.Errorf("register %s (pid %d): %w", key, existing.PID(), ErrAlreadyRegistered)
	}
	r.entries[key] = handle

	logger.WithComponent("registry").Debug().
		Str("registry", r.name).
		Str("key", key.String()).
		Int("pid", handle.PID()).
		Msg("Registered")
	return nil
}

// IsRunning reports whether key maps to a handle whose process is alive.
func (r *Registry) IsRunning(key Key) bool {
	r.mu.RLock()
	h, ok := r.entries[key]
	r.mu.RUnlock()
	return ok && h.Alive()
}

// Get returns the handle registered under key.
func (r *Registry) Get(key Key) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.entries[key]
	return h, ok
}

// Unregister removes key. Removing an absent key is a no-op because teardown
// paths race with exit notifications.
func (r *Registry) Unregister(key Key) {
	r.mu.Lock()
	_, ok := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()

	if ok {
		logger.WithComponent("registry").Debug().
			Str("registry", r.name).
			Str("key", key.String()).
			Msg("Unregistered")
	}
}

// UnregisterIf removes key only while it still maps to handle. Exit hooks use
// it so a late notification from an old process cannot evict its replacement.
func (r *Registry) UnregisterIf(key Key, handle Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.entries[key]; ok && current == handle {
		delete(r.entries, key)
		return true
	}
	return false
}

// Keys returns the registered keys in a stable order.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	keys := make([]Key, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Len returns the number of registered entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// KillAll terminates every registered handle and clears the registry. One
// failing kill never stops the others; all failures are returned together.
func (r *Registry) KillAll() error {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[Key]Handle)
	r.mu.Unlock()

	log := logger.WithComponent("registry")

	var errs error
	for key, h := range entries {
		if err := killQuietly(h); err != nil {
			log.Warn().
				Err(err).
				Str("registry", r.name).
				Str("key", key.String()).
				Int("pid", h.PID()).
				Msg("Failed to terminate process")
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		log.Debug().Str("registry", r.name).Str("key", key.String()).Msg("Terminated")
	}
	return errs
}

// killQuietly turns a panicking Kill into an error so a misbehaving handle
// cannot abort shutdown.
func killQuietly(h Handle) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("kill panicked: %v", rec)
		}
	}()
	return h.Kill()
}
