package report

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ledgermigrate/internal/errs"
	"ledgermigrate/internal/lock"
	"ledgermigrate/internal/parser"
	"ledgermigrate/internal/record"
	"ledgermigrate/internal/run"
	"ledgermigrate/internal/store"
	"ledgermigrate/internal/validator"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func completedRun(t *testing.T) *run.Run {
	t.Helper()
	start := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	r := run.New(run.ModeExecute, start)
	r.BackupID = r.ID
	for _, s := range []run.State{run.StateLocked, run.StateBackedUp, run.StateParsing, run.StateBatching, run.StateCheckpointed, run.StateValidating} {
		require.NoError(t, r.Advance(s))
	}
	require.NoError(t, r.Complete(start.Add(90*time.Second)))
	return r
}

func TestFinishCompleted(t *testing.T) {
	r := completedRun(t)
	rep := New(r)
	rep.Validation = validator.Validate(120, []store.LedgerSummary{
		{UserID: "alice", Sessions: 2, BillingMinutes: 105},
		{UserID: "bob", Sessions: 1, BillingMinutes: 15},
	})
	rep.Finish(r, nil)

	assert.Equal(t, run.StatusCompleted, rep.Status)
	assert.Equal(t, 90.0, rep.DurationSeconds)
	assert.Equal(t, r.ID, rep.BackupID)
	assert.Nil(t, rep.Failure)
	assert.Equal(t, run.StateCompleted, rep.States[len(rep.States)-1])
	assert.Equal(t, 100.0, rep.Validation.AccuracyPercent)
}

func TestFailureFromValidation(t *testing.T) {
	v := validator.Validate(120, []store.LedgerSummary{{UserID: "alice", BillingMinutes: 105}})
	f := FailureFrom(v.Err(), v)

	assert.Equal(t, "validation", f.Kind)
	require.NotNil(t, f.Expected)
	require.NotNil(t, f.Measured)
	assert.Equal(t, int64(120), *f.Expected)
	assert.Equal(t, int64(105), *f.Measured)
	assert.Contains(t, f.Hint, "rollback")
}

func TestFailureFromPositionedError(t *testing.T) {
	err := errs.At(errs.KindBatchWrite, "sessions", 200, "commit batch", os.ErrPermission)
	f := FailureFrom(err, nil)

	assert.Equal(t, "batch_write", f.Kind)
	assert.Equal(t, "sessions", f.Step)
	require.NotNil(t, f.Offset)
	assert.Equal(t, int64(200), *f.Offset)
	assert.Nil(t, f.Expected)
	assert.Contains(t, f.Hint, "resume")
}

func TestFailureFromStaleLock(t *testing.T) {
	f := FailureFrom(errs.New(errs.KindPrerequisite, "owner gone", lock.ErrStaleLock), nil)
	assert.Equal(t, "prerequisite", f.Kind)
	assert.Contains(t, f.Hint, "unlock")
}

func TestWriteOnce(t *testing.T) {
	r := completedRun(t)
	rep := New(r)
	rep.Skipped = []Skipped{SkippedFrom(record.StepSessions, 3, &parser.ParseError{File: "sessions.log", Line: 7, Reason: "missing billing"})}
	rep.Finish(r, nil)
	dir := filepath.Join(t.TempDir(), "reports")

	path, err := rep.Write(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, r.ID+".json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded Report
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, rep.RunID, decoded.RunID)
	assert.Equal(t, rep.Skipped, decoded.Skipped)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = rep.Write(dir)
	assert.True(t, errs.Is(err, errs.KindIO))
}

func TestRenderYAML(t *testing.T) {
	r := completedRun(t)
	rep := New(r)
	rep.Counts = Counts{Users: 2, Sessions: 3}
	rep.Finish(r, nil)

	var buf bytes.Buffer
	require.NoError(t, rep.Render(&buf, FormatYAML))

	var decoded map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "completed", decoded["status"])
	assert.Equal(t, "execute", decoded["mode"])

	assert.True(t, errs.Is(rep.Render(&buf, "xml"), errs.KindConfig))
}
