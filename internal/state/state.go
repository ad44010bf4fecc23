// Package state owns a node's durable coordination state: its watermark,
// leadership epoch, role and, while leading, the claim cursor.
//
// All reads and writes go through a single Manager lock. Every mutation
// that must survive a crash is persisted before the lock is released, by
// writing a temp file next to the snapshot and renaming it into place.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Role is the node's current position in the election state machine.
type Role string

const (
	RoleFollower Role = "follower"
	RoleLeader   Role = "leader"
	// RoleForcedLeader is held by a node started in server mode. It is
	// never re-evaluated by the election rule.
	RoleForcedLeader Role = "forced_leader"
)

// IsLeader reports whether the role hands out claims.
func (r Role) IsLeader() bool {
	return r == RoleLeader || r == RoleForcedLeader
}

// ErrNoChange may be returned from a Mutate callback to leave the state
// untouched and skip persistence.
var ErrNoChange = errors.New("state: no change")

// State is the persisted snapshot. Leader mirrors Role for readers of the
// file that only care about the boolean.
type State struct {
	WorkerID      string  `json:"worker_id"`
	CurrentIndex  int     `json:"current_index"`
	Epoch         int     `json:"epoch"`
	Role          Role    `json:"role"`
	Leader        bool    `json:"leader"`
	KnownLeader   string  `json:"known_leader,omitempty"`
	NextIndex     int     `json:"next_index"`
	LastHeartbeat float64 `json:"last_heartbeat"`
}

// Manager guards a State and its on-disk snapshot.
type Manager struct {
	path   string
	logger *slog.Logger
	fatal  func(error)

	mu sync.Mutex
	st State
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for load warnings and fatal reports.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithFatal replaces the handler invoked when a snapshot cannot be
// written. The default logs and exits the process.
func WithFatal(fn func(error)) Option {
	return func(m *Manager) { m.fatal = fn }
}

// Load restores the snapshot at path. A missing file yields zero state; an
// unreadable or corrupted one is logged and discarded. The configured
// workerID always wins over whatever the file recorded.
func Load(path, workerID string, opts ...Option) *Manager {
	m := &Manager{path: path}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.fatal == nil {
		m.fatal = func(err error) {
			m.logger.Error("state persistence failed", slog.String("path", m.path), slog.Any("error", err))
			os.Exit(1)
		}
	}

	m.st = State{WorkerID: workerID, Role: RoleFollower}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return m
	case err != nil:
		m.logger.Warn("failed to read state, starting from zero", slog.String("path", path), slog.Any("error", err))
		return m
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		m.logger.Warn("corrupted state file, starting from zero", slog.String("path", path), slog.Any("error", err))
		return m
	}
	st.WorkerID = workerID
	if st.Role == "" {
		st.Role = RoleFollower
		if st.Leader {
			st.Role = RoleLeader
		}
	}
	st.Leader = st.Role.IsLeader()
	m.st = st
	m.logger.Info("restored state",
		slog.String("worker_id", st.WorkerID),
		slog.Int("current_index", st.CurrentIndex),
		slog.Int("epoch", st.Epoch),
		slog.String("role", string(st.Role)),
		slog.Int("next_index", st.NextIndex),
	)
	return m
}

// Path returns the snapshot location.
func (m *Manager) Path() string {
	return m.path
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st
}

// Mutate runs fn with exclusive access to the state and persists the
// result before releasing the lock. If fn returns an error the state is
// restored to what it was before the call and the error is returned,
// except ErrNoChange which yields nil. A persistence failure is handed
// to the fatal handler.
func (m *Manager) Mutate(fn func(*State) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.st
	if err := fn(&m.st); err != nil {
		m.st = prev
		if errors.Is(err, ErrNoChange) {
			return nil
		}
		return err
	}
	m.st.Leader = m.st.Role.IsLeader()
	if err := m.save(); err != nil {
		m.fatal(err)
		return err
	}
	return nil
}

// Save persists the current state.
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.save(); err != nil {
		m.fatal(err)
		return err
	}
	return nil
}

// save writes the snapshot atomically. Callers hold m.mu.
func (m *Manager) save() error {
	data, err := json.Marshal(m.st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(m.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(m.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}
