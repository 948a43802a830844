// Package run holds the explicit context of one migration execution
package run

import (
	"fmt"
	"sync"
	"time"
)

// Mode selects what a run does
type Mode string

const (
	ModeDryRun   Mode = "dry-run"
	ModeExecute  Mode = "execute"
	ModeValidate Mode = "validate"
	ModeRollback Mode = "rollback"
	ModeResume   Mode = "resume"
)

// ParseMode converts a CLI string into a Mode
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeDryRun, ModeExecute, ModeValidate, ModeRollback, ModeResume:
		return m, nil
	default:
		return "", fmt.Errorf("unknown run mode %q", s)
	}
}

// Mutates reports whether the mode writes to the structured store or backups
func (m Mode) Mutates() bool {
	return m == ModeExecute || m == ModeResume || m == ModeRollback
}

// Status is the externally visible outcome of a run
type Status string

const (
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled-back"
)

// Run identifies one execution. It is created when the lock is acquired and
// finalized on completion or failure.
type Run struct {
	ID        string
	Mode      Mode
	StartedAt time.Time
	EndedAt   time.Time
	BackupID  string

	mu      sync.Mutex
	status  Status
	machine *Machine
}

// New creates a running Run with a timestamp-based ID
func New(mode Mode, now time.Time) *Run {
	now = now.UTC()
	return &Run{
		ID:        NewID(now),
		Mode:      mode,
		StartedAt: now,
		status:    StatusRunning,
		machine:   NewMachine(),
	}
}

// NewID returns a sortable, filesystem-safe run identifier
func NewID(t time.Time) string {
	return t.UTC().Format("20060102T150405.000000000Z")
}

// Status returns the current status
func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// State returns the current state machine position
func (r *Run) State() State {
	return r.machine.Current()
}

// Advance moves the run's state machine to the next state
func (r *Run) Advance(to State) error {
	return r.machine.Transition(to)
}

// Machine exposes the state machine for history inspection
func (r *Run) Machine() *Machine {
	return r.machine
}

// Complete finalizes the run as completed
func (r *Run) Complete(now time.Time) error {
	if err := r.machine.Transition(StateCompleted); err != nil {
		return err
	}
	r.finish(StatusCompleted, now)
	return nil
}

// Fail finalizes the run as failed. Failed is reachable from every state.
func (r *Run) Fail(now time.Time) {
	_ = r.machine.Transition(StateFailed)
	r.finish(StatusFailed, now)
}

// RollBack finalizes the run as rolled back
func (r *Run) RollBack(now time.Time) error {
	if err := r.machine.Transition(StateRolledBack); err != nil {
		return err
	}
	r.finish(StatusRolledBack, now)
	return nil
}

func (r *Run) finish(status Status, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	r.EndedAt = now.UTC()
}

// Duration returns the elapsed run time, up to now if still running
func (r *Run) Duration(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.EndedAt.IsZero() {
		return now.Sub(r.StartedAt)
	}
	return r.EndedAt.Sub(r.StartedAt)
}
