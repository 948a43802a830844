// Package batch turns fixed-size chunks of legacy records into atomic store commits
package batch

import (
	"context"
	"fmt"
	"time"

	"ledgermigrate/internal/errs"
	"ledgermigrate/internal/isolation"
	"ledgermigrate/internal/lock"
	"ledgermigrate/internal/metrics"
	"ledgermigrate/internal/parser"
	"ledgermigrate/internal/record"
	"ledgermigrate/internal/store"

	"go.uber.org/zap"
)

// DefaultSize is the number of stream positions per batch
const DefaultSize = 100

// Item is a record with its position in the step's stream
type Item struct {
	Seq    int64
	Record record.Record
}

// Chunk is one batch read from a stream. Consumed covers every position in
// the chunk, including malformed records that were skipped.
type Chunk struct {
	Step     record.Step
	Offset   int64
	Consumed int64
	Items    []Item
	Skipped  []*parser.ParseError
}

// End returns the stream position following the chunk
func (c *Chunk) End() int64 {
	return c.Offset + c.Consumed
}

// Result summarizes a committed batch
type Result struct {
	Written           int
	Duplicates        int
	Skipped           int
	BillingMinutes    int64
	CumulativeMinutes int64
	Duration          time.Duration
}

// Processor commits chunks to the store
type Processor struct {
	store   *store.Store
	metrics *metrics.Collector
	runID   string
	logger  *zap.Logger
}

// NewProcessor creates a processor writing on behalf of runID. metrics may be nil.
func NewProcessor(st *store.Store, m *metrics.Collector, runID string, logger *zap.Logger) *Processor {
	return &Processor{store: st, metrics: m, runID: runID, logger: logger}
}

// Process transforms every record of the chunk and commits them as one unit.
// On error nothing of the chunk is visible in the store.
func (p *Processor) Process(ctx context.Context, h *lock.Handle, c *Chunk) (*Result, error) {
	start := time.Now()

	b := store.Batch{
		RunID:    p.runID,
		Step:     c.Step,
		Offset:   c.Offset,
		Consumed: c.Consumed,
	}
	for _, it := range c.Items {
		rec := it.Record
		if rec.Step() != c.Step {
			return nil, errs.At(errs.KindBatchWrite, string(c.Step), it.Seq,
				fmt.Sprintf("%s record in %s batch", rec.Kind, c.Step), nil)
		}
		switch rec.Kind {
		case record.KindSession:
			b.Sessions = append(b.Sessions, isolation.Sequenced{Seq: it.Seq, Session: rec.Session, Source: rec.Source})
		case record.KindTask:
			b.Tasks = append(b.Tasks, *rec.Task)
		case record.KindMilestone:
			b.Milestones = append(b.Milestones, *rec.Milestone)
		}
	}

	committed, err := p.store.Commit(ctx, h, b)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Written:           committed.Written,
		Duplicates:        committed.Duplicates,
		Skipped:           len(c.Skipped),
		BillingMinutes:    committed.BillingMinutes,
		CumulativeMinutes: committed.CumulativeMinutes,
		Duration:          time.Since(start),
	}

	if p.metrics != nil {
		p.metrics.ObserveBatch(string(c.Step), res.Written, res.Duplicates, res.Skipped,
			res.BillingMinutes, res.CumulativeMinutes, res.Duration)
	}

	p.logger.Debug("Batch processed",
		zap.String("run_id", p.runID),
		zap.String("step", string(c.Step)),
		zap.Int64("offset", c.Offset),
		zap.Int64("consumed", c.Consumed),
		zap.Int("written", res.Written),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("skipped", res.Skipped),
		zap.Int64("cumulative_minutes", res.CumulativeMinutes),
	)
	return res, nil
}
