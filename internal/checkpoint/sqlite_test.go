package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"ledgermigrate/internal/errs"
	"ledgermigrate/internal/record"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoint.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadLatestEmpty(t *testing.T) {
	cp, err := newStore(t).LoadLatest(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestSaveAndLoadLatest(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.Save(ctx, &Checkpoint{RunID: "r1", BackupID: "r1", Step: record.StepSessions, RecordsProcessed: 100, CumulativeBillingMinutes: 600}))
	require.NoError(t, s.Save(ctx, &Checkpoint{RunID: "r1", BackupID: "r1", Step: record.StepSessions, RecordsProcessed: 150, CumulativeBillingMinutes: 900}))

	cp, err := s.LoadLatest(ctx)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, record.StepSessions, cp.Step)
	assert.Equal(t, int64(150), cp.RecordsProcessed)
	assert.Equal(t, int64(900), cp.CumulativeBillingMinutes)
	assert.Equal(t, "r1", cp.BackupID)
	assert.False(t, cp.Timestamp.IsZero())

	require.NoError(t, s.Save(ctx, &Checkpoint{RunID: "r1", BackupID: "r1", Step: record.StepTasks, RecordsProcessed: 5, CumulativeBillingMinutes: 900}))
	cp, err = s.LoadLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, record.StepTasks, cp.Step, "later steps win over larger offsets of earlier steps")
	assert.Equal(t, int64(5), cp.RecordsProcessed)
}

func TestSaveRejectsRegression(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.Save(ctx, &Checkpoint{RunID: "r1", Step: record.StepSessions, RecordsProcessed: 200}))
	err := s.Save(ctx, &Checkpoint{RunID: "r1", Step: record.StepSessions, RecordsProcessed: 100})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotMonotonic)
	assert.True(t, errs.Is(err, errs.KindBatchWrite))

	cp, err := s.LoadLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(200), cp.RecordsProcessed)

	// the same offset is allowed, a re-applied batch does not move progress
	assert.NoError(t, s.Save(ctx, &Checkpoint{RunID: "r1", Step: record.StepSessions, RecordsProcessed: 200}))
}

func TestLatestRunWins(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.Save(ctx, &Checkpoint{RunID: "20240101T000000.000000000Z", Step: record.StepTasks, RecordsProcessed: 10}))
	require.NoError(t, s.Save(ctx, &Checkpoint{RunID: "20240102T000000.000000000Z", Step: record.StepSessions, RecordsProcessed: 300}))

	cp, err := s.LoadLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "20240102T000000.000000000Z", cp.RunID)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.Save(ctx, &Checkpoint{RunID: "r1", Step: record.StepSessions, RecordsProcessed: 1}))
	require.NoError(t, s.Clear(ctx))

	cp, err := s.LoadLatest(ctx)
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "checkpoint.db")

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, &Checkpoint{RunID: "r1", Step: record.StepMilestones, RecordsProcessed: 7}))
	require.NoError(t, s.Close())

	assert.Error(t, s.Save(ctx, &Checkpoint{RunID: "r1", Step: record.StepMilestones, RecordsProcessed: 8}))

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	cp, err := s.LoadLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), cp.RecordsProcessed)
}

func TestBefore(t *testing.T) {
	a := &Checkpoint{Step: record.StepSessions, RecordsProcessed: 500}
	b := &Checkpoint{Step: record.StepTasks, RecordsProcessed: 1}
	assert.True(t, a.Before(b))
	assert.False(t, b.Before(a))
	assert.True(t, a.Before(&Checkpoint{Step: record.StepSessions, RecordsProcessed: 501}))
}
