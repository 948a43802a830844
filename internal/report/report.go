// Package report builds the structured summary of a migration run
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"ledgermigrate/internal/backup"
	"ledgermigrate/internal/checkpoint"
	"ledgermigrate/internal/errs"
	"ledgermigrate/internal/lock"
	"ledgermigrate/internal/parser"
	"ledgermigrate/internal/record"
	"ledgermigrate/internal/run"
	"ledgermigrate/internal/validator"

	"gopkg.in/yaml.v3"
)

// Render formats
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Counts are the records seen by the run, per kind
type Counts struct {
	Users      int   `json:"users" yaml:"users"`
	Sessions   int64 `json:"sessions" yaml:"sessions"`
	Tasks      int64 `json:"tasks" yaml:"tasks"`
	Milestones int64 `json:"milestones" yaml:"milestones"`
	Skipped    int64 `json:"skipped" yaml:"skipped"`
	Written    int64 `json:"written" yaml:"written"`
	Duplicates int64 `json:"duplicates" yaml:"duplicates"`
}

// Add counts one parsed record
func (c *Counts) Add(kind record.Kind) {
	switch kind {
	case record.KindSession:
		c.Sessions++
	case record.KindTask:
		c.Tasks++
	case record.KindMilestone:
		c.Milestones++
	}
}

// Skipped is a malformed record left out by the skip policy
type Skipped struct {
	Step   record.Step `json:"step" yaml:"step"`
	Offset int64       `json:"offset" yaml:"offset"`
	File   string      `json:"file" yaml:"file"`
	Line   int         `json:"line" yaml:"line"`
	Reason string      `json:"reason" yaml:"reason"`
}

// SkippedFrom converts a parse error found at offset
func SkippedFrom(step record.Step, offset int64, e *parser.ParseError) Skipped {
	return Skipped{Step: step, Offset: offset, File: e.File, Line: e.Line, Reason: e.Reason}
}

// Resume describes the checkpoint a resumed run started from
type Resume struct {
	RunID                    string      `json:"run_id" yaml:"run_id"`
	Step                     record.Step `json:"step" yaml:"step"`
	RecordsProcessed         int64       `json:"records_processed" yaml:"records_processed"`
	CumulativeBillingMinutes int64       `json:"cumulative_billing_minutes" yaml:"cumulative_billing_minutes"`
}

// ResumeFrom converts a checkpoint
func ResumeFrom(cp *checkpoint.Checkpoint) *Resume {
	return &Resume{
		RunID:                    cp.RunID,
		Step:                     cp.Step,
		RecordsProcessed:         cp.RecordsProcessed,
		CumulativeBillingMinutes: cp.CumulativeBillingMinutes,
	}
}

// Restore summarizes a rollback
type Restore struct {
	BackupID string   `json:"backup_id" yaml:"backup_id"`
	Restored int      `json:"restored" yaml:"restored"`
	Verified int      `json:"verified" yaml:"verified"`
	Removed  []string `json:"removed,omitempty" yaml:"removed,omitempty"`
}

// RestoreFrom converts a backup restore result
func RestoreFrom(r *backup.RestoreResult) *Restore {
	return &Restore{BackupID: r.BackupID, Restored: r.Restored, Verified: r.Verified, Removed: r.Removed}
}

// Failure carries enough context to diagnose a failed run without re-running it
type Failure struct {
	Kind     string `json:"kind" yaml:"kind"`
	Message  string `json:"message" yaml:"message"`
	Step     string `json:"step,omitempty" yaml:"step,omitempty"`
	Offset   *int64 `json:"offset,omitempty" yaml:"offset,omitempty"`
	Expected *int64 `json:"expected_billing_minutes,omitempty" yaml:"expected_billing_minutes,omitempty"`
	Measured *int64 `json:"measured_billing_minutes,omitempty" yaml:"measured_billing_minutes,omitempty"`
	Hint     string `json:"hint,omitempty" yaml:"hint,omitempty"`
}

// Report is the structured summary of one run. It is serialized once.
type Report struct {
	RunID           string            `json:"run_id" yaml:"run_id"`
	Mode            run.Mode          `json:"mode" yaml:"mode"`
	Status          run.Status        `json:"status" yaml:"status"`
	StartedAt       time.Time         `json:"started_at" yaml:"started_at"`
	EndedAt         time.Time         `json:"ended_at" yaml:"ended_at"`
	DurationSeconds float64           `json:"duration_seconds" yaml:"duration_seconds"`
	SourceFormat    string            `json:"source_format,omitempty" yaml:"source_format,omitempty"`
	BackupID        string            `json:"backup_id,omitempty" yaml:"backup_id,omitempty"`
	Counts          Counts            `json:"counts" yaml:"counts"`
	BillingMinutes  int64             `json:"billing_minutes" yaml:"billing_minutes"`
	Batches         int               `json:"batches" yaml:"batches"`
	ResumedFrom     *Resume           `json:"resumed_from,omitempty" yaml:"resumed_from,omitempty"`
	Skipped         []Skipped         `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Validation      *validator.Result `json:"validation,omitempty" yaml:"validation,omitempty"`
	Restore         *Restore          `json:"restore,omitempty" yaml:"restore,omitempty"`
	States          []run.State       `json:"states" yaml:"states"`
	Failure         *Failure          `json:"failure,omitempty" yaml:"failure,omitempty"`
}

// New starts the report of r
func New(r *run.Run) *Report {
	return &Report{
		RunID:     r.ID,
		Mode:      r.Mode,
		Status:    r.Status(),
		StartedAt: r.StartedAt,
	}
}

// Finish copies the final run state into the report and records err, if any
func (rep *Report) Finish(r *run.Run, err error) {
	rep.Status = r.Status()
	rep.EndedAt = r.EndedAt
	rep.DurationSeconds = r.Duration(r.EndedAt).Seconds()
	rep.BackupID = r.BackupID
	rep.States = r.Machine().History()
	if err != nil {
		rep.Failure = FailureFrom(err, rep.Validation)
	}
}

// FailureFrom classifies err. Validation failures carry the expected and
// measured totals of v.
func FailureFrom(err error, v *validator.Result) *Failure {
	kind := errs.KindOf(err)
	f := &Failure{Kind: kind.String(), Message: err.Error()}
	if step, offset, ok := errs.Position(err); ok {
		f.Step = step
		f.Offset = &offset
	}
	if kind == errs.KindValidation && v != nil {
		expected, measured := v.OriginalBillingTotal, v.MigratedBillingTotal
		f.Expected = &expected
		f.Measured = &measured
	}
	f.Hint = hint(kind, err)
	return f
}

func hint(kind errs.Kind, err error) string {
	switch kind {
	case errs.KindValidation:
		return "run `rollback` to restore the pre-migration state"
	case errs.KindConcurrency:
		return "another run holds the lock; wait for it to finish"
	case errs.KindParse:
		return "fix the legacy record or rerun with --skip-parse-errors"
	case errs.KindBatchWrite:
		return "run `resume` to continue from the last checkpoint"
	case errs.KindPrerequisite:
		if errors.Is(err, lock.ErrStaleLock) {
			return "the previous owner is gone; run `unlock` after checking the repository"
		}
	}
	if errors.Is(err, context.Canceled) {
		return "run `resume` to continue from the last checkpoint"
	}
	return ""
}

// Write persists the report as <dir>/<run id>.json. A report is written once;
// an existing file for the same run is an error.
func (rep *Report) Write(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", errs.New(errs.KindIO, "failed to create report directory", err)
	}
	path := filepath.Join(dir, rep.RunID+".json")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", errs.New(errs.KindIO, fmt.Sprintf("failed to create report %s", filepath.Base(path)), err)
	}
	if err := rep.Render(f, FormatJSON); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", errs.New(errs.KindIO, "failed to close report", err)
	}
	return path, nil
}

// Render writes the report to w in the given format
func (rep *Report) Render(w io.Writer, format string) error {
	switch format {
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rep); err != nil {
			return err
		}
		return enc.Close()
	default:
		return errs.New(errs.KindConfig, fmt.Sprintf("unknown report format %q", format), nil)
	}
}
