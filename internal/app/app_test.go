package app

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ledgermigrate/internal/backup"
	"ledgermigrate/internal/checkpoint"
	"ledgermigrate/internal/config"
	"ledgermigrate/internal/errs"
	"ledgermigrate/internal/isolation"
	"ledgermigrate/internal/lock"
	"ledgermigrate/internal/parser"
	"ledgermigrate/internal/record"
	"ledgermigrate/internal/run"
	"ledgermigrate/internal/store"
	"ledgermigrate/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sessionsLog = `# legacy time log
SESSION date=2024-01-15 user=alice start=09:00 end=10:00 billing=60 task=T-1
SESSION date=2024-01-15 user=alice start=10:00 end=10:45 billing=45 task=T-2
SESSION date=2024-01-16 user=bob start=09:00 end=09:15 billing=15
`

const tasksMd = `# Tasks
- [x] T-1: Billing export
  - [x] draft schema
- [~] T-2: Ledger isolation
- [ ] T-3: Reports
`

const milestonesMd = `# Milestones
## M-1: Beta (due 2024-03-01)
- T-1
- T-2

## M-2: GA
- T-3
`

func legacyFiles() map[string]string {
	return map[string]string{
		parser.SessionsFile:   sessionsLog,
		parser.TasksFile:      tasksMd,
		parser.MilestonesFile: milestonesMd,
	}
}

func newTestEngine(t *testing.T, files map[string]string, mutate ...func(*config.Config)) (*Engine, *config.Config) {
	t.Helper()
	repo := t.TempDir()
	cfg := &config.Config{
		RepoRoot:  repo,
		StateDir:  filepath.Join(repo, config.StateDirName),
		SourceDir: filepath.Join(repo, config.SourceDirName),
		LogLevel:  "info",
		Migration: config.Migration{BatchSize: 2, Workers: 2},
		Backup:    config.Backup{Retention: config.Retention{MinBackups: 3}},
	}
	cfg.Migration.KeyFile = filepath.Join(cfg.StateDir, "ledger.key")
	cfg.Migration.SaltFile = filepath.Join(cfg.StateDir, "anonymize.salt")
	for _, m := range mutate {
		m(cfg)
	}

	require.NoError(t, os.MkdirAll(cfg.SourceDir, 0o755))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(cfg.SourceDir, name), []byte(content), 0o644))
	}

	e, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, cfg
}

func openStore(t *testing.T, cfg *config.Config) *store.Store {
	t.Helper()
	st, err := store.Open(cfg.StorePath(), isolation.NewIsolator(nil, nil),
		worker.NewPool(1, worker.DefaultConfig(), zap.NewNop()), store.Options{ReadOnly: true}, zap.NewNop())
	require.NoError(t, err)
	return st
}

func sourceChecksums(t *testing.T, cfg *config.Config) map[string]string {
	t.Helper()
	sums := make(map[string]string)
	for name := range legacyFiles() {
		sum, err := backup.HashFile(filepath.Join(cfg.SourceDir, name))
		require.NoError(t, err)
		sums[name] = sum
	}
	return sums
}

func TestExecuteScenario(t *testing.T) {
	e, cfg := newTestEngine(t, legacyFiles())

	var checkpoints []checkpoint.Checkpoint
	rep, err := e.Run(context.Background(), run.ModeExecute, Options{
		OnCheckpoint: func(cp checkpoint.Checkpoint) { checkpoints = append(checkpoints, cp) },
	})
	require.NoError(t, err)

	assert.Equal(t, run.StatusCompleted, rep.Status)
	require.NotNil(t, rep.Validation)
	assert.Equal(t, 100.0, rep.Validation.AccuracyPercent)
	assert.True(t, rep.Validation.Passed)
	assert.Equal(t, int64(120), rep.BillingMinutes)
	assert.Equal(t, int64(3), rep.Counts.Sessions)
	assert.Equal(t, int64(3), rep.Counts.Tasks)
	assert.Equal(t, int64(2), rep.Counts.Milestones)
	assert.Equal(t, 2, rep.Counts.Users)
	assert.Equal(t, 5, rep.Batches)
	assert.Equal(t, rep.RunID, rep.BackupID)
	assert.Nil(t, rep.Failure)

	st := openStore(t, cfg)
	assert.Equal(t, []store.LedgerSummary{
		{UserID: "alice", Sessions: 2, TotalMinutes: 105, BillingMinutes: 105},
		{UserID: "bob", Sessions: 1, TotalMinutes: 15, BillingMinutes: 15},
	}, st.Ledgers())
	assert.Len(t, st.Tasks(), 3)
	assert.Len(t, st.Milestones(), 2)

	require.Len(t, checkpoints, 5)
	assert.Equal(t, record.StepSessions, checkpoints[0].Step)
	assert.Equal(t, int64(2), checkpoints[0].RecordsProcessed)
	assert.Equal(t, int64(105), checkpoints[0].CumulativeBillingMinutes)
	assert.Equal(t, int64(120), checkpoints[1].CumulativeBillingMinutes)

	latest, err := e.checkpoints.LoadLatest(context.Background())
	require.NoError(t, err)
	assert.Nil(t, latest, "checkpoints are cleared on completion")

	assert.FileExists(t, filepath.Join(cfg.ReportPath(), rep.RunID+".json"))
	assert.NoFileExists(t, filepath.Join(cfg.StateDir, lock.FileName))
}

func TestResumeIsIdempotent(t *testing.T) {
	reference, refCfg := newTestEngine(t, legacyFiles())
	_, err := reference.Run(context.Background(), run.ModeExecute, Options{})
	require.NoError(t, err)

	e, cfg := newTestEngine(t, legacyFiles())
	ctx, cancel := context.WithCancel(context.Background())
	rep, err := e.Run(ctx, run.ModeExecute, Options{
		OnCheckpoint: func(checkpoint.Checkpoint) { cancel() },
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, run.StatusFailed, rep.Status)
	assert.Equal(t, 1, rep.Batches)
	assert.NoFileExists(t, filepath.Join(cfg.StateDir, lock.FileName), "lock released on failure")

	// a fresh execute must not clobber the interrupted run
	_, err = e.Run(context.Background(), run.ModeExecute, Options{})
	assert.True(t, errs.Is(err, errs.KindPrerequisite))

	resumed, err := e.Run(context.Background(), run.ModeResume, Options{})
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, resumed.Status)
	require.NotNil(t, resumed.ResumedFrom)
	assert.Equal(t, record.StepSessions, resumed.ResumedFrom.Step)
	assert.Equal(t, int64(2), resumed.ResumedFrom.RecordsProcessed)
	assert.Equal(t, rep.BackupID, resumed.BackupID, "resume keeps the original backup")
	assert.Equal(t, int64(0), resumed.Counts.Duplicates)
	assert.Equal(t, int64(120), resumed.Validation.MigratedBillingTotal)
	assert.True(t, resumed.Validation.Exact)

	assert.Equal(t, openStore(t, refCfg).Ledgers(), openStore(t, cfg).Ledgers())
	assert.Equal(t, openStore(t, refCfg).Tasks(), openStore(t, cfg).Tasks())
}

func TestResumeWithoutCheckpointExecutes(t *testing.T) {
	e, _ := newTestEngine(t, legacyFiles())

	rep, err := e.Run(context.Background(), run.ModeResume, Options{})
	require.NoError(t, err)
	assert.Nil(t, rep.ResumedFrom)
	assert.NotEmpty(t, rep.BackupID)
	assert.Equal(t, int64(120), rep.BillingMinutes)
}

func TestRollbackRestoresPreMigrationState(t *testing.T) {
	e, cfg := newTestEngine(t, legacyFiles())
	before := sourceChecksums(t, cfg)

	_, err := e.Run(context.Background(), run.ModeExecute, Options{})
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(cfg.StorePath(), "manifest.json"))

	rep, err := e.Run(context.Background(), run.ModeRollback, Options{})
	require.NoError(t, err)
	assert.Equal(t, run.StatusRolledBack, rep.Status)
	require.NotNil(t, rep.Restore)
	assert.Equal(t, 3, rep.Restore.Verified)
	assert.NotEmpty(t, rep.Restore.Removed)

	assert.Equal(t, before, sourceChecksums(t, cfg))
	assert.NoFileExists(t, filepath.Join(cfg.StorePath(), "manifest.json"))
}

func TestRollbackToEarlierMigration(t *testing.T) {
	e, cfg := newTestEngine(t, legacyFiles())

	first, err := e.Run(context.Background(), run.ModeExecute, Options{})
	require.NoError(t, err)
	want := openStore(t, cfg).Ledgers()

	require.NoError(t, os.WriteFile(filepath.Join(cfg.SourceDir, parser.SessionsFile),
		[]byte(sessionsLog+"SESSION date=2024-01-17 user=carol start=09:00 end=09:30 billing=30\n"), 0o644))
	second, err := e.Run(context.Background(), run.ModeExecute, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(150), second.BillingMinutes)
	assert.NotEqual(t, first.BackupID, second.BackupID)

	_, err = e.Run(context.Background(), run.ModeRollback, Options{BackupID: second.BackupID})
	require.NoError(t, err)
	assert.Equal(t, want, openStore(t, cfg).Ledgers())

	data, err := os.ReadFile(filepath.Join(cfg.SourceDir, parser.SessionsFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "carol", "the second backup captured the edited log")
}

func TestRollbackWithoutBackup(t *testing.T) {
	e, _ := newTestEngine(t, legacyFiles())

	_, err := e.Run(context.Background(), run.ModeRollback, Options{})
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestLockExclusivity(t *testing.T) {
	e, cfg := newTestEngine(t, legacyFiles())
	held, err := lock.NewManager(cfg.StateDir, zap.NewNop()).Acquire(run.New(run.ModeExecute, time.Now()))
	require.NoError(t, err)
	require.NotNil(t, held)

	rep, err := e.Run(context.Background(), run.ModeExecute, Options{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindConcurrency))
	assert.True(t, errors.Is(err, lock.ErrAlreadyLocked))
	assert.Equal(t, "concurrency", rep.Failure.Kind)

	assert.NoDirExists(t, cfg.BackupPath())
	assert.NoDirExists(t, cfg.StorePath())
	assert.NoDirExists(t, cfg.ReportPath())
	assert.NoFileExists(t, cfg.CheckpointPath())
	assert.FileExists(t, filepath.Join(cfg.StateDir, lock.FileName), "the holder keeps its lock")
}

func TestDryRunIsPure(t *testing.T) {
	e, cfg := newTestEngine(t, legacyFiles(), func(c *config.Config) {
		c.Migration.Anonymize = true
		c.Migration.EncryptUsers = true
	})

	rep, err := e.Run(context.Background(), run.ModeDryRun, Options{})
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, rep.Status)
	assert.Equal(t, int64(3), rep.Counts.Sessions)
	assert.Equal(t, 2, rep.Counts.Users)
	assert.Equal(t, int64(120), rep.BillingMinutes)
	require.NotNil(t, rep.Validation)
	assert.True(t, rep.Validation.Exact)
	for _, l := range rep.Validation.Ledgers {
		assert.True(t, strings.HasPrefix(l.UserID, "user-"), "previews never show raw identities")
	}

	assert.NoDirExists(t, cfg.StateDir)
}

func TestDryRunReportsMalformedRecords(t *testing.T) {
	files := legacyFiles()
	files[parser.SessionsFile] = sessionsLog + "SESSION date=2024-01-17 user=carol start=09:00\n"
	e, cfg := newTestEngine(t, files)

	rep, err := e.Run(context.Background(), run.ModeDryRun, Options{})
	require.NoError(t, err)
	require.Len(t, rep.Skipped, 1)
	assert.Equal(t, int64(3), rep.Skipped[0].Offset)
	assert.NoDirExists(t, cfg.StateDir)
}

func TestParseErrorAbortsBeforeMutation(t *testing.T) {
	files := legacyFiles()
	files[parser.SessionsFile] = strings.Replace(sessionsLog, "billing=45", "billing=lots", 1)
	e, cfg := newTestEngine(t, files)

	rep, err := e.Run(context.Background(), run.ModeExecute, Options{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindParse))
	assert.True(t, errors.Is(err, parser.ErrMalformedRecord))
	step, offset, ok := errs.Position(err)
	require.True(t, ok)
	assert.Equal(t, "sessions", step)
	assert.Equal(t, int64(1), offset)
	assert.Equal(t, "parse", rep.Failure.Kind)

	assert.NoDirExists(t, cfg.BackupPath())
	assert.NoFileExists(t, filepath.Join(cfg.StorePath(), "manifest.json"))
}

func TestParseErrorSkipPolicy(t *testing.T) {
	files := legacyFiles()
	files[parser.SessionsFile] = sessionsLog + "SESSION date=2024-01-17 user=carol start=09:00\n"
	e, _ := newTestEngine(t, files, func(c *config.Config) { c.Migration.SkipParseErrors = true })

	rep, err := e.Run(context.Background(), run.ModeExecute, Options{})
	require.NoError(t, err)
	require.Len(t, rep.Skipped, 1)
	assert.Equal(t, record.StepSessions, rep.Skipped[0].Step)
	assert.Equal(t, int64(1), rep.Counts.Skipped)
	assert.Equal(t, int64(120), rep.BillingMinutes)
}

func TestValidateMode(t *testing.T) {
	e, cfg := newTestEngine(t, legacyFiles())

	_, err := e.Run(context.Background(), run.ModeValidate, Options{})
	assert.True(t, errs.Is(err, errs.KindNotFound))

	_, err = e.Run(context.Background(), run.ModeExecute, Options{})
	require.NoError(t, err)
	manifest, err := os.ReadFile(filepath.Join(cfg.StorePath(), "manifest.json"))
	require.NoError(t, err)

	rep, err := e.Run(context.Background(), run.ModeValidate, Options{})
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, rep.Status)
	assert.True(t, rep.Validation.Exact)
	assert.Equal(t, int64(3), rep.Counts.Sessions)

	// the legacy log gained a session the store never saw
	require.NoError(t, os.WriteFile(filepath.Join(cfg.SourceDir, parser.SessionsFile),
		[]byte(sessionsLog+"SESSION date=2024-01-17 user=carol start=09:00 end=09:30 billing=30\n"), 0o644))
	rep, err = e.Run(context.Background(), run.ModeValidate, Options{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindValidation))
	require.NotNil(t, rep.Failure)
	assert.Equal(t, int64(150), *rep.Failure.Expected)
	assert.Equal(t, int64(120), *rep.Failure.Measured)

	after, err := os.ReadFile(filepath.Join(cfg.StorePath(), "manifest.json"))
	require.NoError(t, err)
	assert.Equal(t, manifest, after, "validate never writes to the store")
}

func TestEncryptedAnonymizedMigration(t *testing.T) {
	e, cfg := newTestEngine(t, legacyFiles(), func(c *config.Config) {
		c.Migration.Anonymize = true
		c.Migration.EncryptUsers = true
	})

	rep, err := e.Run(context.Background(), run.ModeExecute, Options{})
	require.NoError(t, err)
	assert.True(t, rep.Validation.Exact)
	assert.FileExists(t, cfg.Migration.KeyFile)
	assert.FileExists(t, cfg.Migration.SaltFile)

	entries, err := os.ReadDir(filepath.Join(cfg.StorePath(), "users"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, entry := range entries {
		data, err := os.ReadFile(filepath.Join(cfg.StorePath(), "users", entry.Name()))
		require.NoError(t, err)
		assert.NotContains(t, string(data), "alice")
		assert.NotContains(t, string(data), "bob")
	}

	// validation reads clear totals and needs no key
	require.NoError(t, os.Remove(cfg.Migration.KeyFile))
	rep, err = e.Run(context.Background(), run.ModeValidate, Options{})
	require.NoError(t, err)
	assert.True(t, rep.Validation.Exact)
}

func TestPreflightInsufficientSpace(t *testing.T) {
	e, cfg := newTestEngine(t, legacyFiles(), func(c *config.Config) { c.Migration.MinFreeBytes = 1 << 20 })
	e.freeSpace = func(string) (uint64, error) { return 1024, nil }

	_, err := e.Run(context.Background(), run.ModeExecute, Options{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindPrerequisite))
	assert.NoDirExists(t, cfg.StateDir)
}

func TestPreflightMissingSources(t *testing.T) {
	e, cfg := newTestEngine(t, nil)

	_, err := e.Run(context.Background(), run.ModeExecute, Options{})
	assert.True(t, errs.Is(err, errs.KindPrerequisite))
	assert.NoDirExists(t, cfg.StateDir)
}

func ageBackup(t *testing.T, cfg *config.Config, b *backup.Backup, by time.Duration) {
	t.Helper()
	b.CreatedAt = b.CreatedAt.Add(-by)
	data, err := json.Marshal(b)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.BackupPath(), b.ID, "metadata.json"), data, 0o600))
}

func TestPruneKeepsCheckpointedBackup(t *testing.T) {
	e, cfg := newTestEngine(t, legacyFiles(), func(c *config.Config) {
		c.Backup.Retention = config.Retention{MaxAge: "1h", MinBackups: 0}
	})

	_, err := e.Run(context.Background(), run.ModeExecute, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	interrupted, err := e.Run(ctx, run.ModeExecute, Options{
		OnCheckpoint: func(checkpoint.Checkpoint) { cancel() },
	})
	require.Error(t, err)

	backups, err := e.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 2)
	for _, b := range backups {
		ageBackup(t, cfg, b, 48*time.Hour)
	}

	pruned, err := e.PruneBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, pruned, 1)
	assert.NotEqual(t, interrupted.BackupID, pruned[0])

	left, err := e.Backups()
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, interrupted.BackupID, left[0].ID)
}

func TestUnlockWithoutLock(t *testing.T) {
	e, _ := newTestEngine(t, legacyFiles())

	marker, err := e.Unlock()
	require.NoError(t, err)
	assert.Nil(t, marker)
}

// failingSaves fails the Nth checkpoint save
type failingSaves struct {
	checkpoint.Store
	saves  int
	failAt int
}

func (f *failingSaves) Save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	f.saves++
	if f.saves == f.failAt {
		return errors.New("disk I/O error")
	}
	return f.Store.Save(ctx, cp)
}

func TestCrashBeforeFirstBatchCheckpoint(t *testing.T) {
	e, cfg := newTestEngine(t, legacyFiles())

	_, err := e.Run(context.Background(), run.ModeExecute, Options{})
	require.NoError(t, err)
	want := openStore(t, cfg).Ledgers()

	require.NoError(t, os.WriteFile(filepath.Join(cfg.SourceDir, parser.SessionsFile),
		[]byte(sessionsLog+"SESSION date=2024-01-17 user=carol start=09:00 end=09:30 billing=30\n"), 0o644))

	// the first batch commits, then its checkpoint is lost
	e.checkpoints = &failingSaves{Store: e.checkpoints, failAt: 2}
	failed, err := e.Run(context.Background(), run.ModeExecute, Options{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindBatchWrite))
	step, offset, ok := errs.Position(err)
	require.True(t, ok)
	assert.Equal(t, "sessions", step)
	assert.Equal(t, int64(2), offset)
	require.NotNil(t, failed.Failure)
	assert.Equal(t, "batch_write", failed.Failure.Kind)

	resumed, err := e.Run(context.Background(), run.ModeResume, Options{})
	require.NoError(t, err)
	require.NotNil(t, resumed.ResumedFrom)
	assert.Equal(t, int64(0), resumed.ResumedFrom.RecordsProcessed)
	assert.Equal(t, failed.BackupID, resumed.BackupID)
	assert.Equal(t, int64(2), resumed.Counts.Duplicates)
	assert.Equal(t, int64(150), resumed.BillingMinutes)
	assert.True(t, resumed.Validation.Exact)

	backups, err := e.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 2, "resume reuses the interrupted run's backup")

	rolled, err := e.Run(context.Background(), run.ModeRollback, Options{})
	require.NoError(t, err)
	require.NotNil(t, rolled.Restore)
	assert.Equal(t, failed.BackupID, rolled.Restore.BackupID)
	assert.Equal(t, want, openStore(t, cfg).Ledgers())
}

func TestResumeRejectsStoreBehindCheckpoint(t *testing.T) {
	e, cfg := newTestEngine(t, legacyFiles())

	ctx, cancel := context.WithCancel(context.Background())
	_, err := e.Run(ctx, run.ModeExecute, Options{
		OnCheckpoint: func(checkpoint.Checkpoint) { cancel() },
	})
	require.Error(t, err)

	require.NoError(t, os.RemoveAll(cfg.StorePath()))

	_, err = e.Run(context.Background(), run.ModeResume, Options{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindPrerequisite))
}
