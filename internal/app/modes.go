package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"ledgermigrate/internal/batch"
	"ledgermigrate/internal/checkpoint"
	"ledgermigrate/internal/errs"
	"ledgermigrate/internal/isolation"
	"ledgermigrate/internal/lock"
	"ledgermigrate/internal/record"
	"ledgermigrate/internal/report"
	"ledgermigrate/internal/run"
	"ledgermigrate/internal/store"
	"ledgermigrate/internal/validator"

	"go.uber.org/zap"
)

// dryRun parses everything and reports what execute would migrate. It
// never takes the lock and never writes.
func (e *Engine) dryRun(ctx context.Context, x *execution) error {
	if err := e.preflight(x.run.Mode.Mutates()); err != nil {
		return err
	}
	if err := x.advance(run.StateParsing); err != nil {
		return err
	}

	iso, err := e.isolator(false)
	if err != nil {
		return err
	}
	x.lister = NewRecordLister(e.parser, iso, x.logger)

	survey, err := x.lister.Survey(ctx)
	if err != nil {
		return err
	}
	x.report.Counts = survey.Counts
	x.report.Skipped = survey.Errors
	x.report.BillingMinutes = survey.BillingMinutes

	original, err := e.parser.OriginalBillingTotal(ctx)
	if err != nil {
		return err
	}
	x.report.Validation = validator.Validate(original, survey.Ledgers())

	if err := survey.FirstError(); err != nil && !e.cfg.Migration.SkipParseErrors {
		x.logger.Warn("Execute would abort on malformed records", zap.Error(err))
	}
	if err := x.report.Validation.Err(); err != nil {
		x.logger.Warn("Execute would fail billing validation", zap.Error(err))
	}

	return x.run.Complete(e.now())
}

// migrate runs execute, or resume from the latest checkpoint
func (e *Engine) migrate(ctx context.Context, x *execution) error {
	if err := e.preflight(x.run.Mode.Mutates()); err != nil {
		return err
	}

	h, err := e.acquire(x)
	if err != nil {
		return err
	}
	defer e.release(x, h)

	cps, err := e.checkpointStore()
	if err != nil {
		return err
	}
	latest, err := cps.LoadLatest(ctx)
	if err != nil {
		return err
	}

	switch {
	case x.run.Mode == run.ModeExecute && latest != nil:
		return errs.New(errs.KindPrerequisite, fmt.Sprintf(
			"run %s was interrupted at %s offset %d; resume or roll back first",
			latest.RunID, latest.Step, latest.RecordsProcessed), nil)
	case x.run.Mode == run.ModeResume && latest == nil:
		x.logger.Info("No checkpoint found, starting a fresh migration")
	}

	iso, err := e.isolator(true)
	if err != nil {
		return err
	}
	st, err := store.Open(e.cfg.StorePath(), iso, e.pool, store.Options{SourceFormat: e.parser.Format()}, x.logger)
	if err != nil {
		return err
	}
	x.lister = NewRecordLister(e.parser, iso, x.logger)

	// the survey runs before any mutation so a malformed record aborts
	// the run without partial state
	survey, err := x.lister.Survey(ctx)
	if err != nil {
		return err
	}
	if len(survey.Errors) > 0 {
		if !e.cfg.Migration.SkipParseErrors {
			return survey.FirstError()
		}
		x.logger.Warn("Skipping malformed records", zap.Int("count", len(survey.Errors)))
	}
	x.report.Counts = survey.Counts
	x.report.Skipped = survey.Errors
	x.metrics.GetProgressTracker().SetTotalBilling(survey.BillingMinutes)

	var from *checkpoint.Checkpoint
	if latest != nil {
		if err := e.reenter(x, st, latest); err != nil {
			return err
		}
		from = latest
	} else {
		if err := e.prepare(ctx, x, h, st, cps); err != nil {
			return err
		}
	}

	proc := batch.NewProcessor(st, x.metrics, x.run.ID, x.logger)
	for _, step := range record.Steps {
		var offset int64
		if from != nil {
			if step.Index() < from.Step.Index() {
				continue
			}
			if step == from.Step {
				offset = from.RecordsProcessed
			}
		}
		if err := e.migrateStep(ctx, x, h, cps, proc, step, offset); err != nil {
			return err
		}
	}

	if err := x.advance(run.StateValidating); err != nil {
		return err
	}
	if err := e.check(ctx, x, st); err != nil {
		return err
	}

	if err := cps.Clear(ctx); err != nil {
		return err
	}
	return x.run.Complete(e.now())
}

// prepare backs up every file the run will touch and empties the store. The
// backup is recorded in an offset zero checkpoint before the first commit so
// an interrupted run always resumes against it.
func (e *Engine) prepare(ctx context.Context, x *execution, h *lock.Handle, st *store.Store, cps checkpoint.Store) error {
	b, err := e.backups.Create(ctx, h, x.run.ID, e.parser.Sources(), []string{st.Dir()})
	if err != nil {
		return err
	}
	x.run.BackupID = b.ID
	if err := x.advance(run.StateBackedUp); err != nil {
		return err
	}

	if err := st.Reset(h); err != nil {
		return err
	}

	start := &checkpoint.Checkpoint{
		RunID:     x.run.ID,
		BackupID:  b.ID,
		Step:      record.Steps[0],
		Timestamp: e.now().UTC(),
	}
	if err := cps.Save(ctx, start); err != nil {
		return errs.At(errs.KindBatchWrite, string(start.Step), 0, "failed to record the run's backup", err)
	}
	return x.advance(run.StateParsing)
}

// reenter resumes at the checkpointed position of an interrupted run
func (e *Engine) reenter(x *execution, st *store.Store, cp *checkpoint.Checkpoint) error {
	committed := &checkpoint.Checkpoint{
		Step:                     cp.Step,
		RecordsProcessed:         st.Watermark(cp.Step),
		CumulativeBillingMinutes: st.BillingMinutes(),
	}
	if committed.Before(cp) || committed.CumulativeBillingMinutes < cp.CumulativeBillingMinutes {
		return errs.At(errs.KindPrerequisite, string(cp.Step), cp.RecordsProcessed,
			fmt.Sprintf("store holds %d records and %d billing minutes, behind the checkpoint; roll back instead of resuming",
				committed.RecordsProcessed, committed.CumulativeBillingMinutes), nil)
	}

	x.run.BackupID = cp.BackupID
	x.report.ResumedFrom = report.ResumeFrom(cp)
	x.metrics.GetProgressTracker().Restore(cp.RecordsProcessed, cp.CumulativeBillingMinutes)

	x.logger.Info("Resuming from checkpoint",
		zap.String("checkpoint_run_id", cp.RunID),
		zap.String("backup_id", cp.BackupID),
		zap.String("step", string(cp.Step)),
		zap.Int64("offset", cp.RecordsProcessed),
		zap.Int64("cumulative_minutes", cp.CumulativeBillingMinutes),
	)
	return x.advance(run.StateCheckpointed)
}

// migrateStep commits one step batch by batch, saving a checkpoint after
// every commit
func (e *Engine) migrateStep(ctx context.Context, x *execution, h *lock.Handle, cps checkpoint.Store, proc *batch.Processor, step record.Step, offset int64) error {
	reader, err := x.lister.Open(ctx, step, e.cfg.Migration.BatchSize, e.cfg.Migration.SkipParseErrors)
	if err != nil {
		return err
	}
	defer reader.Close()

	if offset > 0 {
		if err := reader.Skip(ctx, offset); err != nil {
			return err
		}
		x.logger.Debug("Skipped committed records",
			zap.String("step", string(step)),
			zap.Int64("position", reader.Position()),
		)
	}
	x.metrics.GetProgressTracker().SetStep(string(step))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunk, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := x.advance(run.StateBatching); err != nil {
			return err
		}
		res, err := proc.Process(ctx, h, chunk)
		if err != nil {
			return err
		}

		cp := checkpoint.Checkpoint{
			RunID:                    x.run.ID,
			BackupID:                 x.run.BackupID,
			Step:                     step,
			RecordsProcessed:         chunk.End(),
			CumulativeBillingMinutes: res.CumulativeMinutes,
			Timestamp:                e.now().UTC(),
		}
		if err := cps.Save(ctx, &cp); err != nil {
			return errs.At(errs.KindBatchWrite, string(step), cp.RecordsProcessed, "failed to save checkpoint", err)
		}
		if err := x.advance(run.StateCheckpointed); err != nil {
			return err
		}

		x.metrics.SetCheckpoint(string(step), cp.RecordsProcessed)
		x.report.Batches++
		x.report.Counts.Written += int64(res.Written)
		x.report.Counts.Duplicates += int64(res.Duplicates)

		if x.opts.OnCheckpoint != nil {
			x.opts.OnCheckpoint(cp)
		}
	}
}

// check compares the stored ledgers with the billing total of the legacy text
func (e *Engine) check(ctx context.Context, x *execution, st *store.Store) error {
	original, err := e.parser.OriginalBillingTotal(ctx)
	if err != nil {
		return err
	}

	ledgers := st.Ledgers()
	res := validator.Validate(original, ledgers)
	x.report.Validation = res
	x.report.Counts.Users = len(ledgers)
	x.report.BillingMinutes = res.MigratedBillingTotal

	x.logger.Info("Billing validation finished",
		zap.Int64("original_minutes", res.OriginalBillingTotal),
		zap.Int64("migrated_minutes", res.MigratedBillingTotal),
		zap.Float64("accuracy_percent", res.AccuracyPercent),
		zap.Bool("passed", res.Passed),
		zap.Bool("exact", res.Exact),
	)
	return res.Err()
}

// validate audits a completed migration without writing to it
func (e *Engine) validate(ctx context.Context, x *execution) error {
	if err := e.preflight(x.run.Mode.Mutates()); err != nil {
		return err
	}

	h, err := e.acquire(x)
	if err != nil {
		return err
	}
	defer e.release(x, h)

	// totals are stored in clear form, so no key is needed
	st, err := store.Open(e.cfg.StorePath(), isolation.NewIsolator(nil, nil), e.pool, store.Options{ReadOnly: true}, x.logger)
	if err != nil {
		return err
	}
	if !st.Exists() {
		return errs.New(errs.KindNotFound, "no migrated store to validate; run execute first", nil)
	}

	meta := st.Metadata()
	x.report.SourceFormat = meta.SourceFormat
	x.report.Counts.Sessions = int64(meta.Counts.Sessions)
	x.report.Counts.Tasks = int64(meta.Counts.Tasks)
	x.report.Counts.Milestones = int64(meta.Counts.Milestones)

	if err := x.advance(run.StateParsing); err != nil {
		return err
	}
	if err := x.advance(run.StateValidating); err != nil {
		return err
	}
	if err := e.check(ctx, x, st); err != nil {
		return err
	}
	return x.run.Complete(e.now())
}

// rollback restores the given or most recent backup and forgets any
// pending checkpoint
func (e *Engine) rollback(ctx context.Context, x *execution) error {
	h, err := e.acquire(x)
	if err != nil {
		return err
	}
	defer e.release(x, h)

	id := x.opts.BackupID
	if id == "" {
		latest, err := e.backups.Latest()
		if err != nil {
			return err
		}
		id = latest.ID
	}
	x.run.BackupID = id

	if err := x.advance(run.StateRestoring); err != nil {
		return err
	}
	res, err := e.backups.Restore(ctx, h, id)
	if res != nil {
		x.report.Restore = report.RestoreFrom(res)
	}
	if err != nil {
		return err
	}

	cps, err := e.checkpointStore()
	if err != nil {
		return err
	}
	if err := cps.Clear(ctx); err != nil {
		return err
	}
	return x.run.RollBack(e.now())
}
