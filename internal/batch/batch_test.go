package batch

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"ledgermigrate/internal/errs"
	"ledgermigrate/internal/isolation"
	"ledgermigrate/internal/lock"
	"ledgermigrate/internal/metrics"
	"ledgermigrate/internal/parser"
	"ledgermigrate/internal/record"
	"ledgermigrate/internal/run"
	"ledgermigrate/internal/store"
	"ledgermigrate/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// sliceStream replays records and parse errors in order
type sliceStream struct {
	items []interface{}
	pos   int
}

func (s *sliceStream) Next() (record.Record, error) {
	if s.pos >= len(s.items) {
		return record.Record{}, io.EOF
	}
	it := s.items[s.pos]
	s.pos++
	if perr, ok := it.(*parser.ParseError); ok {
		return record.Record{}, perr
	}
	return it.(record.Record), nil
}

func (s *sliceStream) Close() error { return nil }

func sess(user string, billing int64) record.Record {
	return record.NewSession(record.Session{User: user, Date: "2024-01-15", StartTime: "09:00", EndTime: "10:00",
		DurationMinutes: billing, BillingMinutes: billing}, record.Source{File: "sessions.log"})
}

func stream(items ...interface{}) *sliceStream {
	return &sliceStream{items: items}
}

func TestReaderChunks(t *testing.T) {
	r := NewReader(stream(sess("a", 60), sess("a", 45), sess("b", 15)), record.StepSessions, 2, false)

	c, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.Offset)
	assert.Equal(t, int64(2), c.Consumed)
	assert.Equal(t, []int64{0, 1}, []int64{c.Items[0].Seq, c.Items[1].Seq})

	c, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.Offset)
	assert.Equal(t, int64(3), c.End())
	require.Len(t, c.Items, 1)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderParseErrorPolicy(t *testing.T) {
	bad := &parser.ParseError{File: "sessions.log", Line: 2, Reason: "missing billing"}

	r := NewReader(stream(sess("a", 60), bad, sess("b", 15)), record.StepSessions, 10, false)
	_, err := r.Next()
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindParse))
	assert.ErrorIs(t, err, parser.ErrMalformedRecord)
	step, offset, ok := errs.Position(err)
	require.True(t, ok)
	assert.Equal(t, "sessions", step)
	assert.Equal(t, int64(1), offset)

	r = NewReader(stream(sess("a", 60), bad, sess("b", 15)), record.StepSessions, 10, true)
	c, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(3), c.Consumed)
	assert.Len(t, c.Items, 2)
	assert.Equal(t, int64(2), c.Items[1].Seq, "skipped records keep their position")
	assert.Equal(t, []*parser.ParseError{bad}, c.Skipped)
}

func TestReaderSkip(t *testing.T) {
	bad := &parser.ParseError{Line: 1, Reason: "bad"}
	r := NewReader(stream(bad, sess("a", 60), sess("b", 15)), record.StepSessions, 10, false)

	require.NoError(t, r.Skip(context.Background(), 2))
	c, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.Offset)
	assert.Equal(t, "b", c.Items[0].Record.Session.User)

	r = NewReader(stream(sess("a", 60)), record.StepSessions, 10, false)
	err = r.Skip(context.Background(), 5)
	assert.True(t, errs.Is(err, errs.KindPrerequisite))
}

func TestProcessorCommitsChunk(t *testing.T) {
	ctx := context.Background()
	state := t.TempDir()
	h, err := lock.NewManager(state, zap.NewNop()).Acquire(run.New(run.ModeExecute, time.Now()))
	require.NoError(t, err)

	pool := worker.NewPool(2, worker.DefaultConfig(), zap.NewNop())
	st, err := store.Open(filepath.Join(state, "store"), isolation.NewIsolator(nil, nil), pool, store.Options{}, zap.NewNop())
	require.NoError(t, err)

	m := metrics.New()
	p := NewProcessor(st, m, "run-1", zap.NewNop())

	r := NewReader(stream(sess("a", 60), sess("a", 45), sess("b", 15)), record.StepSessions, 2, false)
	var last *Result
	for {
		c, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		last, err = p.Process(ctx, h, c)
		require.NoError(t, err)
	}

	require.NotNil(t, last)
	assert.Equal(t, int64(120), last.CumulativeMinutes)
	assert.Equal(t, int64(15), last.BillingMinutes)
	assert.Equal(t, int64(120), m.GetProgressTracker().GetStatus().BillingMinutes)

	byUser := map[string]int64{}
	for _, l := range st.Ledgers() {
		byUser[l.UserID] = l.BillingMinutes
	}
	assert.Equal(t, map[string]int64{"a": 105, "b": 15}, byUser)
}

func TestProcessorRejectsForeignRecords(t *testing.T) {
	p := NewProcessor(nil, nil, "run-1", zap.NewNop())
	task := record.NewTask(record.Task{ID: "T-1"}, record.Source{})

	_, err := p.Process(context.Background(), nil, &Chunk{Step: record.StepSessions, Consumed: 1, Items: []Item{{Record: task}}})
	assert.True(t, errs.Is(err, errs.KindBatchWrite))
}
