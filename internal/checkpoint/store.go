// Package checkpoint records durable batch progress so an interrupted run can resume
package checkpoint

import (
	"context"
	"errors"
	"time"

	"ledgermigrate/internal/record"
)

// ErrNotMonotonic is returned when a checkpoint would move progress backwards
var ErrNotMonotonic = errors.New("checkpoint progress must not decrease")

// Checkpoint is the durable progress of a run. RecordsProcessed counts stream
// positions of Step already committed to the store.
type Checkpoint struct {
	RunID                    string      `json:"run_id"`
	BackupID                 string      `json:"backup_id"`
	Step                     record.Step `json:"step"`
	RecordsProcessed         int64       `json:"records_processed"`
	CumulativeBillingMinutes int64       `json:"cumulative_billing_minutes"`
	Timestamp                time.Time   `json:"timestamp"`
}

// Before reports whether c is strictly behind other in processing order
func (c *Checkpoint) Before(other *Checkpoint) bool {
	if c.Step != other.Step {
		return c.Step.Index() < other.Step.Index()
	}
	return c.RecordsProcessed < other.RecordsProcessed
}

// Store defines the interface for checkpoint persistence
type Store interface {
	// Save records progress. It must only be called after the batch it
	// describes has been committed.
	Save(ctx context.Context, cp *Checkpoint) error
	// LoadLatest returns the most recent checkpoint, or nil when none exists
	LoadLatest(ctx context.Context) (*Checkpoint, error)
	// Clear removes every checkpoint
	Clear(ctx context.Context) error

	// Cleanup
	Close() error
}
