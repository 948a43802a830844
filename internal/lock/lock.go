// Package lock guarantees that a single migration run is active per repository
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"ledgermigrate/internal/errs"
	"ledgermigrate/internal/run"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// FileName is the lock marker inside the state directory
const FileName = "migration.lock"

var (
	// ErrAlreadyLocked is returned when a live run owns the repository
	ErrAlreadyLocked = errors.New("migration already in progress")
	// ErrStaleLock is returned when the marker's owner process is gone
	ErrStaleLock = errors.New("stale migration lock")
	// ErrNotOwner is returned when a handle no longer matches the marker
	ErrNotOwner = errors.New("lock is not held by this handle")
)

// Marker is the content of the lock file
type Marker struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	RunID      string    `json:"run_id"`
	Mode       run.Mode  `json:"mode"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Handle proves ownership of the lock
type Handle struct {
	RunID string
	path  string
	token string
}

// Verify checks that the marker on disk still belongs to this handle
func (h *Handle) Verify() error {
	if h == nil {
		return errs.New(errs.KindConcurrency, "no lock handle", ErrNotOwner)
	}
	m, err := readMarker(h.path)
	if err != nil {
		return errs.New(errs.KindConcurrency, "lock marker unreadable", err)
	}
	if m.Token != h.token {
		return errs.New(errs.KindConcurrency, fmt.Sprintf("lock taken over by run %s", m.RunID), ErrNotOwner)
	}
	return nil
}

// Manager writes and removes lock markers
type Manager struct {
	path   string
	logger *zap.Logger
	alive  func(pid int) (bool, error)
	host   func() (string, error)
}

// NewManager creates a lock manager for the given state directory
func NewManager(stateDir string, logger *zap.Logger) *Manager {
	return &Manager{
		path:   filepath.Join(stateDir, FileName),
		logger: logger,
		alive: func(pid int) (bool, error) {
			return process.PidExists(int32(pid))
		},
		host: os.Hostname,
	}
}

// Path returns the lock marker location
func (m *Manager) Path() string {
	return m.path
}

// Acquire creates the lock marker for r. It fails fast and never waits.
func (m *Manager) Acquire(r *run.Run) (*Handle, error) {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		return nil, errs.New(errs.KindPrerequisite, "failed to create state directory", err)
	}

	hostname, _ := m.host()
	marker := Marker{
		PID:        os.Getpid(),
		Hostname:   hostname,
		RunID:      r.ID,
		Mode:       r.Mode,
		Token:      uuid.NewString(),
		AcquiredAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode lock marker: %w", err)
	}

	f, err := os.OpenFile(m.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, m.conflict()
		}
		return nil, errs.New(errs.KindPrerequisite, "failed to create lock marker", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(m.path)
		return nil, errs.New(errs.KindIO, "failed to write lock marker", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(m.path)
		return nil, errs.New(errs.KindIO, "failed to sync lock marker", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(m.path)
		return nil, errs.New(errs.KindIO, "failed to close lock marker", err)
	}

	m.logger.Info("Lock acquired",
		zap.String("run_id", r.ID),
		zap.String("path", m.path),
	)

	return &Handle{RunID: r.ID, path: m.path, token: marker.Token}, nil
}

// conflict classifies an existing marker as live or stale
func (m *Manager) conflict() error {
	existing, err := readMarker(m.path)
	if err != nil {
		return errs.New(errs.KindConcurrency, "lock marker exists but is unreadable", ErrAlreadyLocked)
	}

	stale, err := m.isStale(existing)
	if err != nil {
		m.logger.Warn("Could not determine lock owner liveness", zap.Int("pid", existing.PID), zap.Error(err))
	}
	if stale {
		return errs.New(errs.KindPrerequisite,
			fmt.Sprintf("run %s (pid %d) is no longer alive; inspect the repository and run unlock", existing.RunID, existing.PID),
			ErrStaleLock)
	}
	return errs.New(errs.KindConcurrency,
		fmt.Sprintf("run %s held by pid %d on %s since %s", existing.RunID, existing.PID, existing.Hostname, existing.AcquiredAt.Format(time.RFC3339)),
		ErrAlreadyLocked)
}

// isStale reports whether the owner is a dead process on this host. Markers
// from other hosts are never considered stale.
func (m *Manager) isStale(marker *Marker) (bool, error) {
	hostname, err := m.host()
	if err != nil || hostname != marker.Hostname {
		return false, err
	}
	alive, err := m.alive(marker.PID)
	if err != nil {
		return false, err
	}
	return !alive, nil
}

// Release removes the marker if it still belongs to h
func (m *Manager) Release(h *Handle) error {
	if err := h.Verify(); err != nil {
		return err
	}
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return errs.New(errs.KindIO, "failed to remove lock marker", err)
	}
	m.logger.Info("Lock released", zap.String("run_id", h.RunID))
	return nil
}

// Inspect returns the current marker, or nil when unlocked
func (m *Manager) Inspect() (*Marker, error) {
	marker, err := readMarker(m.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return marker, err
}

// ForceRelease removes a stale marker. A live owner is never overridden.
func (m *Manager) ForceRelease() (*Marker, error) {
	marker, err := m.Inspect()
	if err != nil {
		return nil, errs.New(errs.KindIO, "failed to read lock marker", err)
	}
	if marker == nil {
		return nil, nil
	}
	stale, err := m.isStale(marker)
	if err != nil || !stale {
		return marker, errs.New(errs.KindConcurrency, fmt.Sprintf("refusing to remove lock of live run %s", marker.RunID), ErrAlreadyLocked)
	}
	if err := os.Remove(m.path); err != nil {
		return marker, errs.New(errs.KindIO, "failed to remove stale lock marker", err)
	}
	m.logger.Warn("Stale lock removed", zap.String("run_id", marker.RunID), zap.Int("pid", marker.PID))
	return marker, nil
}

func readMarker(path string) (*Marker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var marker Marker
	if err := json.Unmarshal(data, &marker); err != nil {
		return nil, fmt.Errorf("failed to decode lock marker: %w", err)
	}
	return &marker, nil
}
