package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"ledgermigrate/internal/backup"
	"ledgermigrate/internal/checkpoint"
	"ledgermigrate/internal/config"
	"ledgermigrate/internal/errs"
	"ledgermigrate/internal/isolation"
	"ledgermigrate/internal/lock"
	"ledgermigrate/internal/metrics"
	"ledgermigrate/internal/parser"
	"ledgermigrate/internal/progress"
	"ledgermigrate/internal/report"
	"ledgermigrate/internal/run"
	"ledgermigrate/internal/storage"
	"ledgermigrate/internal/worker"

	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"
)

// Options tune a single run
type Options struct {
	// BackupID selects the backup restored by rollback; empty means the latest
	BackupID string
	// OnCheckpoint is called after every durable checkpoint
	OnCheckpoint func(checkpoint.Checkpoint)
}

// Engine represents the main migration application
type Engine struct {
	cfg     *config.Config
	logger  *zap.Logger
	locks   *lock.Manager
	backups *backup.Manager
	parser  parser.Parser
	pool    *worker.Pool

	checkpoints checkpoint.Store
	now         func() time.Time
	freeSpace   func(path string) (uint64, error)
}

// New creates a new engine instance. Nothing is written until Run.
func New(cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	var mirror *backup.Mirror
	if m := cfg.Backup.Mirror; m != nil {
		client, err := storage.NewMinIOClient(storage.Config{
			Endpoint:  m.Endpoint,
			AccessKey: m.AccessKey,
			SecretKey: m.SecretKey,
			Secure:    m.Secure,
		})
		if err != nil {
			return nil, errs.New(errs.KindConfig, "failed to create backup mirror client", err)
		}
		mirror = &backup.Mirror{Client: client, Bucket: m.Bucket, Prefix: m.Prefix}
	}

	return &Engine{
		cfg:     cfg,
		logger:  logger,
		locks:   lock.NewManager(cfg.StateDir, logger),
		backups: backup.NewManager(cfg.BackupPath(), mirror, logger),
		parser:  parser.NewFlatFile(cfg.SourceDir),
		pool:    worker.NewPool(cfg.Migration.Workers, worker.DefaultConfig(), logger),
		now:     time.Now,
		freeSpace: func(path string) (uint64, error) {
			usage, err := disk.Usage(path)
			if err != nil {
				return 0, err
			}
			return usage.Free, nil
		},
	}, nil
}

// execution is the explicit context of one run, threaded through every step
type execution struct {
	run     *run.Run
	report  *report.Report
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Collector
	lister  *RecordLister
	locked  bool
}

func (x *execution) advance(to run.State) error {
	if x.run.State() == to {
		return nil
	}
	if err := x.run.Advance(to); err != nil {
		return errs.New(errs.KindUnknown, "illegal run state transition", err)
	}
	x.logger.Debug("Run state changed", zap.String("state", string(to)))
	return nil
}

// Run executes one migration run in the given mode. The report is returned
// even when the run fails.
func (e *Engine) Run(ctx context.Context, mode run.Mode, opts Options) (*report.Report, error) {
	r := run.New(mode, e.now())
	x := &execution{
		run:     r,
		report:  report.New(r),
		opts:    opts,
		logger:  e.logger.With(zap.String("run_id", r.ID), zap.String("mode", string(mode))),
		metrics: metrics.New(),
	}
	x.report.SourceFormat = e.parser.Format()

	x.logger.Info("Starting migration run",
		zap.String("repo", e.cfg.RepoRoot),
		zap.String("source_dir", e.cfg.SourceDir),
		zap.Int("batch_size", e.cfg.Migration.BatchSize),
		zap.Bool("encrypt_users", e.cfg.Migration.EncryptUsers),
		zap.Bool("anonymize", e.cfg.Migration.Anonymize),
		zap.Bool("skip_parse_errors", e.cfg.Migration.SkipParseErrors),
	)

	stop := e.startObservers(ctx, x)

	var err error
	switch mode {
	case run.ModeDryRun:
		err = e.dryRun(ctx, x)
	case run.ModeExecute, run.ModeResume:
		err = e.migrate(ctx, x)
	case run.ModeValidate:
		err = e.validate(ctx, x)
	case run.ModeRollback:
		err = e.rollback(ctx, x)
	default:
		err = errs.New(errs.KindConfig, fmt.Sprintf("unknown run mode %q", mode), nil)
	}

	stop()

	if err != nil {
		r.Fail(e.now())
	}
	x.report.Finish(r, err)
	e.persistReport(x)

	if err != nil {
		x.logger.Error("Migration run failed",
			zap.String("kind", errs.KindOf(err).String()),
			zap.Float64("duration_seconds", x.report.DurationSeconds),
			zap.Error(err),
		)
		return x.report, err
	}

	x.logger.Info("Migration run finished",
		zap.String("status", string(r.Status())),
		zap.Int("batches", x.report.Batches),
		zap.Int("checkpoints", r.Machine().Checkpoints()),
		zap.Int64("billing_minutes", x.report.BillingMinutes),
		zap.Float64("duration_seconds", x.report.DurationSeconds),
	)
	return x.report, nil
}

// startObservers starts the metrics endpoint and the progress display when
// configured. The returned function stops both.
func (e *Engine) startObservers(ctx context.Context, x *execution) func() {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	if addr := e.cfg.Migration.MetricsAddr; addr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := x.metrics.StartServer(ctx, addr); err != nil {
				x.logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}

	var display *progress.Display
	batching := x.run.Mode == run.ModeExecute || x.run.Mode == run.ModeResume
	switch {
	case !batching:
	case !e.cfg.Migration.ShowProgress:
		x.logger.Info("Progress display disabled (disabled in config)")
	case !progress.IsTerminalSupported():
		x.logger.Info("Progress display disabled (unsupported terminal)")
	default:
		display = progress.NewDisplay(x.metrics.GetProgressTracker(), 2*time.Second)
		display.Start()
		x.logger.Info("Progress display enabled")
	}

	return func() {
		if display != nil {
			display.Stop()
		}
		cancel()
		wg.Wait()
	}
}

// persistReport writes the report of every run that held the lock
func (e *Engine) persistReport(x *execution) {
	if !x.locked {
		return
	}
	path, err := x.report.Write(e.cfg.ReportPath())
	if err != nil {
		x.logger.Warn("Failed to write run report", zap.Error(err))
		return
	}
	x.logger.Info("Run report written", zap.String("path", path))
}

func (e *Engine) acquire(x *execution) (*lock.Handle, error) {
	h, err := e.locks.Acquire(x.run)
	if err != nil {
		return nil, err
	}
	x.locked = true
	if err := x.advance(run.StateLocked); err != nil {
		e.release(x, h)
		return nil, err
	}
	return h, nil
}

func (e *Engine) release(x *execution, h *lock.Handle) {
	if err := e.locks.Release(h); err != nil {
		x.logger.Error("Failed to release lock", zap.Error(err))
	}
}

func (e *Engine) checkpointStore() (checkpoint.Store, error) {
	if e.checkpoints != nil {
		return e.checkpoints, nil
	}
	s, err := checkpoint.NewSQLiteStore(e.cfg.CheckpointPath())
	if err != nil {
		return nil, errs.New(errs.KindPrerequisite, "failed to open checkpoint store", err)
	}
	e.checkpoints = s
	return s, nil
}

// isolator builds the identity protection of the configured run. Without
// persist no key or salt file is created; previews then use a throwaway salt.
func (e *Engine) isolator(persist bool) (*isolation.Isolator, error) {
	m := e.cfg.Migration

	var anon *isolation.Anonymizer
	if m.Anonymize {
		salt, err := e.salt(persist)
		if err != nil {
			return nil, err
		}
		anon = isolation.NewAnonymizer(salt)
	}

	var c *isolation.Cipher
	if m.EncryptUsers && persist {
		key, err := isolation.LoadOrCreateKey(m.KeyFile)
		if err != nil {
			return nil, err
		}
		if c, err = isolation.NewCipher(key); err != nil {
			return nil, err
		}
	}

	return isolation.NewIsolator(anon, c), nil
}

func (e *Engine) salt(persist bool) (string, error) {
	m := e.cfg.Migration
	if m.AnonymizeSalt != "" {
		return m.AnonymizeSalt, nil
	}

	var (
		key []byte
		err error
	)
	if persist {
		key, err = isolation.LoadOrCreateKey(m.SaltFile)
	} else {
		key, err = isolation.LoadKey(m.SaltFile)
		if os.IsNotExist(err) {
			key = make([]byte, isolation.KeySize)
			_, err = rand.Read(key)
		}
	}
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}

// Backups lists local backups, newest first
func (e *Engine) Backups() ([]*backup.Backup, error) {
	return e.backups.List()
}

// PruneBackups applies the configured retention policy. The backup of the
// current lock owner and the one referenced by a pending checkpoint are kept.
func (e *Engine) PruneBackups(ctx context.Context) ([]string, error) {
	policy, err := e.cfg.Backup.Retention.Policy()
	if err != nil {
		return nil, err
	}

	var keep []string
	if marker, err := e.locks.Inspect(); err == nil && marker != nil {
		keep = append(keep, marker.RunID)
	}
	if _, err := os.Stat(e.cfg.CheckpointPath()); err == nil {
		cps, err := e.checkpointStore()
		if err != nil {
			return nil, err
		}
		cp, err := cps.LoadLatest(ctx)
		if err != nil {
			return nil, err
		}
		if cp != nil {
			keep = append(keep, cp.BackupID)
		}
	}

	return e.backups.Prune(ctx, policy, keep...)
}

// Unlock removes a stale lock marker. A live owner is never overridden.
func (e *Engine) Unlock() (*lock.Marker, error) {
	return e.locks.ForceRelease()
}

// Close cleans up resources
func (e *Engine) Close() error {
	if e.checkpoints != nil {
		return e.checkpoints.Close()
	}
	return nil
}
