package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"ledgermigrate/internal/errs"

	"go.uber.org/zap"
)

// Retention is the time-based pruning policy for old backups
type Retention struct {
	MaxAge     time.Duration
	MinBackups int
}

// ParseRetentionAge parses a retention age string (e.g. "30d", "6m", "1y")
func ParseRetentionAge(age string) (time.Duration, error) {
	if age == "" {
		return 0, nil
	}

	var num int
	var unit string
	if _, err := fmt.Sscanf(age, "%d%s", &num, &unit); err != nil {
		return 0, errs.New(errs.KindConfig, fmt.Sprintf("invalid retention age format: %s", age), err)
	}
	if num < 0 {
		return 0, errs.New(errs.KindConfig, fmt.Sprintf("negative retention age: %s", age), nil)
	}

	switch unit {
	case "h":
		return time.Duration(num) * time.Hour, nil
	case "d":
		return time.Duration(num) * 24 * time.Hour, nil
	case "m":
		return time.Duration(num) * 30 * 24 * time.Hour, nil // approximate
	case "y":
		return time.Duration(num) * 365 * 24 * time.Hour, nil // approximate
	default:
		return 0, errs.New(errs.KindConfig, fmt.Sprintf("invalid retention age unit: %s", unit), nil)
	}
}

// shouldKeep decides whether the backup at index (newest first) survives pruning
func shouldKeep(index int, b *Backup, policy Retention, now time.Time) bool {
	if index < policy.MinBackups {
		return true
	}
	if policy.MaxAge <= 0 {
		return true
	}
	return now.Sub(b.CreatedAt) < policy.MaxAge
}

// Prune deletes backups outside the retention policy and returns their IDs.
// keep lists backups that must survive regardless of age.
func (m *Manager) Prune(ctx context.Context, policy Retention, keep ...string) ([]string, error) {
	backups, err := m.List()
	if err != nil {
		return nil, err
	}

	pinned := make(map[string]bool, len(keep))
	for _, id := range keep {
		pinned[id] = true
	}

	now := m.now()
	var deleted []string
	for i, b := range backups {
		if pinned[b.ID] || shouldKeep(i, b, policy, now) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return deleted, err
		}

		if err := os.RemoveAll(filepath.Join(m.root, b.ID)); err != nil {
			return deleted, errs.New(errs.KindIO, fmt.Sprintf("failed to delete backup %s", b.ID), err)
		}
		if b.Mirrored && m.mirror != nil {
			if err := m.mirror.Delete(ctx, b.ID); err != nil {
				m.logger.Warn("Failed to delete mirrored backup", zap.String("backup_id", b.ID), zap.Error(err))
			}
		}
		deleted = append(deleted, b.ID)
		m.logger.Info("Pruned backup", zap.String("backup_id", b.ID), zap.Time("created_at", b.CreatedAt))
	}
	return deleted, nil
}
