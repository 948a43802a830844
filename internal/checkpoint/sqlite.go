package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"ledgermigrate/internal/errs"
	"ledgermigrate/internal/record"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	closed  bool
	writeMu sync.Mutex
}

// NewSQLiteStore creates a new SQLite checkpoint store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// FULL synchronous mode: a checkpoint must survive power loss once Save returns
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(60000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One run owns the database at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{
		db:     db,
		closed: false,
	}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		run_id TEXT NOT NULL,
		backup_id TEXT NOT NULL,
		step TEXT NOT NULL,
		step_index INTEGER NOT NULL,
		records_processed INTEGER NOT NULL,
		cumulative_billing_minutes INTEGER NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (run_id, step)
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_updated_at ON checkpoints(updated_at);
	`

	_, err := s.db.Exec(query)
	return err
}

// Save upserts the checkpoint for its run and step with retry mechanism
func (s *SQLiteStore) Save(ctx context.Context, cp *Checkpoint) error {
	if s.closed {
		return fmt.Errorf("database store is closed")
	}
	if cp.Step.Index() < 0 {
		return fmt.Errorf("unknown step %q", cp.Step)
	}

	// Serialize writes to avoid SQLITE_BUSY from multiple concurrent writers
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(ctx, func() error {
		return s.saveWithTransaction(ctx, cp)
	})
}

// saveWithTransaction checks monotonicity and writes in one transaction
func (s *SQLiteStore) saveWithTransaction(ctx context.Context, cp *Checkpoint) error {
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // This will be ignored if Commit() succeeds

	var previous int64
	err = tx.QueryRowContext(ctx,
		`SELECT records_processed FROM checkpoints WHERE run_id = ? AND step = ?`,
		cp.RunID, string(cp.Step),
	).Scan(&previous)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to read previous checkpoint: %w", err)
	case cp.RecordsProcessed < previous:
		return errs.At(errs.KindBatchWrite, string(cp.Step), cp.RecordsProcessed,
			fmt.Sprintf("checkpoint would move from %d back to %d", previous, cp.RecordsProcessed),
			ErrNotMonotonic)
	}

	query := `
    INSERT INTO checkpoints
    (run_id, backup_id, step, step_index, records_processed, cumulative_billing_minutes, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?)
    ON CONFLICT(run_id, step) DO UPDATE SET
        backup_id = excluded.backup_id,
        records_processed = excluded.records_processed,
        cumulative_billing_minutes = excluded.cumulative_billing_minutes,
        updated_at = excluded.updated_at
    `

	_, err = tx.ExecContext(ctx, query,
		cp.RunID,
		cp.BackupID,
		string(cp.Step),
		cp.Step.Index(),
		cp.RecordsProcessed,
		cp.CumulativeBillingMinutes,
		cp.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to execute insert: %w", err)
	}

	return tx.Commit()
}

// LoadLatest returns the furthest checkpoint of the most recent run. Run IDs
// sort chronologically.
func (s *SQLiteStore) LoadLatest(ctx context.Context) (*Checkpoint, error) {
	if s.closed {
		return nil, fmt.Errorf("database store is closed")
	}

	query := `
	SELECT run_id, backup_id, step, records_processed, cumulative_billing_minutes, updated_at
	FROM checkpoints
	ORDER BY run_id DESC, step_index DESC, records_processed DESC
	LIMIT 1
	`

	var (
		cp   Checkpoint
		step string
	)
	err := s.retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx, query).Scan(
			&cp.RunID,
			&cp.BackupID,
			&step,
			&cp.RecordsProcessed,
			&cp.CumulativeBillingMinutes,
			&cp.Timestamp,
		)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	cp.Step, err = record.ParseStep(step)
	if err != nil {
		return nil, fmt.Errorf("corrupt checkpoint: %w", err)
	}
	return &cp, nil
}

// Clear removes every checkpoint
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if s.closed {
		return fmt.Errorf("database store is closed")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints`)
		return err
	})
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(ctx context.Context, operation func() error) error {
	maxRetries := 10
	baseDelay := 50 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}

		if isSQLiteBusyError(err) && attempt < maxRetries-1 {
			// Wait with exponential backoff + jitter
			delay := baseDelay * time.Duration(1<<uint(attempt))
			jitter := time.Duration(attempt*10) * time.Millisecond
			select {
			case <-time.After(delay + jitter):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		// Return the error if it's not a busy error or we've exhausted retries
		return err
	}

	return nil
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.closed = true
	return s.db.Close()
}
