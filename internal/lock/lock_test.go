package lock

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"ledgermigrate/internal/errs"
	"ledgermigrate/internal/run"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(t.TempDir(), zap.NewNop())
	m.host = func() (string, error) { return "test-host", nil }
	return m
}

func TestAcquireRelease(t *testing.T) {
	m := newTestManager(t)
	r := run.New(run.ModeExecute, time.Now())

	h, err := m.Acquire(r)
	require.NoError(t, err)
	require.NoError(t, h.Verify())

	marker, err := m.Inspect()
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, r.ID, marker.RunID)
	assert.Equal(t, os.Getpid(), marker.PID)

	require.NoError(t, m.Release(h))
	_, err = os.Stat(m.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestSecondAcquireFailsFast(t *testing.T) {
	m := newTestManager(t)
	m.alive = func(int) (bool, error) { return true, nil }

	first, err := m.Acquire(run.New(run.ModeExecute, time.Now()))
	require.NoError(t, err)

	before, err := os.ReadFile(m.Path())
	require.NoError(t, err)

	_, err = m.Acquire(run.New(run.ModeExecute, time.Now()))
	require.ErrorIs(t, err, ErrAlreadyLocked)
	assert.True(t, errs.Is(err, errs.KindConcurrency))

	after, err := os.ReadFile(m.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after, "losing acquire must not touch the marker")
	require.NoError(t, first.Verify())
}

func TestStaleLockRequiresOperator(t *testing.T) {
	m := newTestManager(t)
	writeMarker(t, m, Marker{PID: 424242, Hostname: "test-host", RunID: "old", Token: "x"})
	m.alive = func(pid int) (bool, error) { return pid != 424242, nil }

	_, err := m.Acquire(run.New(run.ModeResume, time.Now()))
	require.ErrorIs(t, err, ErrStaleLock)
	assert.True(t, errs.Is(err, errs.KindPrerequisite))

	removed, err := m.ForceRelease()
	require.NoError(t, err)
	assert.Equal(t, "old", removed.RunID)

	_, err = m.Acquire(run.New(run.ModeResume, time.Now()))
	assert.NoError(t, err)
}

func TestForeignHostIsNeverStale(t *testing.T) {
	m := newTestManager(t)
	writeMarker(t, m, Marker{PID: 1, Hostname: "other-host", RunID: "remote", Token: "x"})
	m.alive = func(int) (bool, error) { return false, nil }

	_, err := m.Acquire(run.New(run.ModeExecute, time.Now()))
	assert.ErrorIs(t, err, ErrAlreadyLocked)

	_, err = m.ForceRelease()
	assert.ErrorIs(t, err, ErrAlreadyLocked)
}

func TestReleaseRejectsForeignHandle(t *testing.T) {
	m := newTestManager(t)
	h, err := m.Acquire(run.New(run.ModeExecute, time.Now()))
	require.NoError(t, err)

	forged := &Handle{RunID: h.RunID, path: h.path, token: "forged"}
	assert.ErrorIs(t, m.Release(forged), ErrNotOwner)
	assert.ErrorIs(t, (*Handle)(nil).Verify(), ErrNotOwner)
	require.NoError(t, m.Release(h))
}

func writeMarker(t *testing.T, m *Manager, marker Marker) {
	t.Helper()
	data, err := json.Marshal(marker)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(m.Path(), data, 0o600))
}
