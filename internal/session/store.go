package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bryanchriswhite/multiboxer/internal/ident"
	"github.com/gofrs/flock"
)

// Record is one persisted session.
type Record struct {
	AccountID ident.ID `json:"accountId"`
	PID       int      `json:"pid"`
}

// Store keeps the account to pid table on disk so sessions survive a
// restart of the orchestrator. The file is rewritten in full on every
// change.
type Store struct {
	path     string
	lockPath string
	mu       sync.Mutex
}

// NewStore returns a store backed by the JSON file at path.
func NewStore(path string) *Store {
	return &Store{path: path, lockPath: path + ".lock"}
}

// Path returns the session file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the table. A missing file is an empty table.
func (s *Store) Load() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock := flock.New(s.lockPath)
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return []Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sessions: %w", err)
	}
	if len(data) == 0 {
		return []Record{}, nil
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse sessions %s: %w", s.path, err)
	}

	out := records[:0]
	for _, r := range records {
		if r.AccountID.IsZero() || r.PID <= 0 {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Save replaces the table with records, atomically.
func (s *Store) Save(records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	lock := flock.New(s.lockPath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	sorted := append([]Record{}, records...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AccountID < sorted[j].AccountID })

	data, err := json.MarshalIndent(sorted, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sessions: %w", err)
	}

	f, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := f.Name()

	_, writeErr := f.Write(append(data, '\n'))
	if closeErr := f.Close(); closeErr != nil && writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write sessions: %w", writeErr)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace sessions: %w", err)
	}
	return nil
}
