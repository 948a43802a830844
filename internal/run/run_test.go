package run

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutePath(t *testing.T) {
	r := New(ModeExecute, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
	assert.Equal(t, "20240115T090000.000000000Z", r.ID)
	assert.Equal(t, StatusRunning, r.Status())

	for _, s := range []State{StateLocked, StateBackedUp, StateParsing, StateBatching, StateCheckpointed, StateBatching, StateCheckpointed, StateValidating} {
		require.NoError(t, r.Advance(s), "advance to %s", s)
	}
	require.NoError(t, r.Complete(r.StartedAt.Add(time.Minute)))

	assert.Equal(t, StatusCompleted, r.Status())
	assert.Equal(t, 2, r.Machine().Checkpoints())
	assert.Equal(t, time.Minute, r.Duration(time.Now()))
}

func TestResumeReentersAtCheckpoint(t *testing.T) {
	r := New(ModeResume, time.Now())
	require.NoError(t, r.Advance(StateLocked))
	require.NoError(t, r.Advance(StateCheckpointed))
	require.NoError(t, r.Advance(StateBatching))
}

func TestIllegalTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []State
		bad  State
	}{
		{"skip backup", []State{StateLocked}, StateBatching},
		{"validate before parse", []State{}, StateValidating},
		{"rollback from running batch", []State{StateLocked, StateBackedUp, StateParsing, StateBatching}, StateRolledBack},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine()
			for _, s := range tt.path {
				require.NoError(t, m.Transition(s))
			}
			assert.Error(t, m.Transition(tt.bad))
		})
	}
}

func TestFailedThenRolledBack(t *testing.T) {
	r := New(ModeExecute, time.Now())
	require.NoError(t, r.Advance(StateLocked))
	r.Fail(time.Now())
	assert.Equal(t, StatusFailed, r.Status())
	assert.Equal(t, StateFailed, r.State())

	require.NoError(t, r.RollBack(time.Now()))
	assert.Equal(t, StatusRolledBack, r.Status())
	assert.Error(t, r.Machine().Transition(StateFailed))
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("resume")
	require.NoError(t, err)
	assert.True(t, m.Mutates())

	m, err = ParseMode("dry-run")
	require.NoError(t, err)
	assert.False(t, m.Mutates())

	_, err = ParseMode("sync")
	assert.Error(t, err)
}
