package app

import (
	"context"
	"errors"
	"io"
	"sort"

	"ledgermigrate/internal/batch"
	"ledgermigrate/internal/errs"
	"ledgermigrate/internal/isolation"
	"ledgermigrate/internal/parser"
	"ledgermigrate/internal/record"
	"ledgermigrate/internal/report"
	"ledgermigrate/internal/store"

	"go.uber.org/zap"
)

// Survey is a read-only pass over every legacy step
type Survey struct {
	Counts         report.Counts
	Positions      map[record.Step]int64
	Errors         []report.Skipped
	BillingMinutes int64

	ledgers map[string]*store.LedgerSummary
}

// Ledgers returns the per-user totals the survey would migrate, ordered by user
func (s *Survey) Ledgers() []store.LedgerSummary {
	out := make([]store.LedgerSummary, 0, len(s.ledgers))
	for _, l := range s.ledgers {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// FirstError returns the first malformed record as a positioned parse error
func (s *Survey) FirstError() error {
	if len(s.Errors) == 0 {
		return nil
	}
	e := s.Errors[0]
	perr := &parser.ParseError{File: e.File, Line: e.Line, Reason: e.Reason}
	return errs.At(errs.KindParse, string(e.Step), e.Offset, perr.Error(), perr)
}

// RecordLister handles listing legacy records for migration
type RecordLister struct {
	parser parser.Parser
	iso    *isolation.Isolator
	logger *zap.Logger
}

// NewRecordLister creates a lister. iso decides the ledger identities used by Survey.
func NewRecordLister(p parser.Parser, iso *isolation.Isolator, logger *zap.Logger) *RecordLister {
	return &RecordLister{parser: p, iso: iso, logger: logger}
}

// Survey counts every record, aggregates per-user billing and collects
// malformed records without mutating anything
func (l *RecordLister) Survey(ctx context.Context) (*Survey, error) {
	s := &Survey{
		Positions: make(map[record.Step]int64),
		ledgers:   make(map[string]*store.LedgerSummary),
	}

	for _, step := range record.Steps {
		if err := l.surveyStep(ctx, step, s); err != nil {
			return nil, err
		}
	}

	s.Counts.Users = len(s.ledgers)
	s.Counts.Skipped = int64(len(s.Errors))

	l.logger.Info("Finished surveying legacy records",
		zap.Int64("sessions", s.Counts.Sessions),
		zap.Int64("tasks", s.Counts.Tasks),
		zap.Int64("milestones", s.Counts.Milestones),
		zap.Int("users", s.Counts.Users),
		zap.Int("malformed", len(s.Errors)),
		zap.Int64("billing_minutes", s.BillingMinutes),
	)
	return s, nil
}

func (l *RecordLister) surveyStep(ctx context.Context, step record.Step, s *Survey) error {
	stream, err := l.parser.Open(ctx, step)
	if err != nil {
		return err
	}
	defer stream.Close()

	var pos int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := stream.Next()
		if errors.Is(err, io.EOF) {
			s.Positions[step] = pos
			return nil
		}
		var perr *parser.ParseError
		switch {
		case errors.As(err, &perr):
			s.Errors = append(s.Errors, report.SkippedFrom(step, pos, perr))
			l.logger.Debug("Malformed record",
				zap.String("step", string(step)),
				zap.Int64("offset", pos),
				zap.String("file", perr.File),
				zap.Int("line", perr.Line),
				zap.String("reason", perr.Reason),
			)
		case err != nil:
			return errs.At(errs.KindIO, string(step), pos, "failed to read legacy records", err)
		default:
			s.Counts.Add(rec.Kind)
			if rec.Kind == record.KindSession {
				if err := l.addSession(s, rec.Session); err != nil {
					return err
				}
			}
		}
		pos++
	}
}

func (l *RecordLister) addSession(s *Survey, sess *record.Session) error {
	id, err := l.iso.LedgerID(sess.User)
	if err != nil {
		return err
	}
	sum, ok := s.ledgers[id]
	if !ok {
		sum = &store.LedgerSummary{UserID: id}
		s.ledgers[id] = sum
	}
	sum.Sessions++
	sum.TotalMinutes += sess.DurationMinutes
	sum.BillingMinutes += sess.BillingMinutes
	s.BillingMinutes += sess.BillingMinutes
	return nil
}

// Open returns a batch reader over one step
func (l *RecordLister) Open(ctx context.Context, step record.Step, size int, skipErrors bool) (*batch.Reader, error) {
	stream, err := l.parser.Open(ctx, step)
	if err != nil {
		return nil, err
	}
	return batch.NewReader(stream, step, size, skipErrors), nil
}
