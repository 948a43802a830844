package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := errors.New("disk full")
	err := fmt.Errorf("commit failed: %w", New(KindBatchWrite, "write ledger", base))

	assert.Equal(t, KindBatchWrite, KindOf(err))
	assert.True(t, Is(err, KindBatchWrite))
	assert.False(t, Is(err, KindParse))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, KindUnknown, KindOf(base))
	assert.False(t, Is(nil, KindUnknown))
}

func TestPosition(t *testing.T) {
	inner := At(KindBatchWrite, "sessions", 200, "commit batch", errors.New("boom"))
	outer := New(KindIO, "run failed", inner)

	step, offset, ok := Position(outer)
	assert.True(t, ok)
	assert.Equal(t, "sessions", step)
	assert.Equal(t, int64(200), offset)
	assert.Contains(t, inner.Error(), "step=sessions offset=200")

	_, _, ok = Position(errors.New("plain"))
	assert.False(t, ok)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "restore_integrity", KindRestoreIntegrity.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
