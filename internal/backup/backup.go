// Package backup snapshots every file a migration run touches and restores it on rollback
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"ledgermigrate/internal/errs"
	"ledgermigrate/internal/lock"

	"go.uber.org/zap"
)

const (
	metadataFile = "metadata.json"
	filesDir     = "files"
	// MetadataVersion is the version of the backup metadata format
	MetadataVersion = 1
)

var (
	// ErrRestoreIntegrity is returned when a restored file does not match its pre-image
	ErrRestoreIntegrity = errors.New("restore integrity check failed")
	// ErrNotFound is returned when no matching backup exists
	ErrNotFound = errors.New("backup not found")
)

// Entry is the pre-image of one live file
type Entry struct {
	Path     string      `json:"path"`
	Snapshot string      `json:"snapshot"`
	Checksum string      `json:"checksum"`
	Size     int64       `json:"size"`
	Mode     os.FileMode `json:"mode"`
}

// Backup describes one snapshot. It is written once and never mutated.
type Backup struct {
	Version         int               `json:"version"`
	ID              string            `json:"id"`
	CreatedAt       time.Time         `json:"created_at"`
	SourceChecksums map[string]string `json:"source_checksums"`
	SnapshotPaths   []string          `json:"snapshot_paths"`
	Entries         []Entry           `json:"entries"`
	ManagedDirs     []string          `json:"managed_dirs"`
	Absent          []string          `json:"absent,omitempty"`
	Mirrored        bool              `json:"mirrored,omitempty"`
}

// RestoreResult summarizes a completed restore
type RestoreResult struct {
	BackupID string   `json:"backup_id"`
	Restored int      `json:"restored"`
	Removed  []string `json:"removed,omitempty"`
	Verified int      `json:"verified"`
}

// Manager creates, lists and restores backups under a root directory
type Manager struct {
	root   string
	mirror *Mirror
	logger *zap.Logger
	now    func() time.Time
}

// NewManager creates a backup manager rooted at dir. mirror may be nil.
func NewManager(dir string, mirror *Mirror, logger *zap.Logger) *Manager {
	return &Manager{
		root:   dir,
		mirror: mirror,
		logger: logger,
		now:    time.Now,
	}
}

// Root returns the directory holding all backups
func (m *Manager) Root() string {
	return m.root
}

// Create snapshots files and every file currently under managedDirs. Files that
// do not exist yet are recorded as absent so that restore removes them.
func (m *Manager) Create(ctx context.Context, h *lock.Handle, id string, files []string, managedDirs []string) (*Backup, error) {
	if err := h.Verify(); err != nil {
		return nil, err
	}

	dir := filepath.Join(m.root, id)
	if _, err := os.Stat(dir); err == nil {
		return nil, errs.New(errs.KindPrerequisite, fmt.Sprintf("backup %s already exists", id), nil)
	}
	if err := os.MkdirAll(filepath.Join(dir, filesDir), 0o700); err != nil {
		return nil, errs.New(errs.KindPrerequisite, "failed to create backup directory", err)
	}

	paths, err := collectPaths(files, managedDirs)
	if err != nil {
		os.RemoveAll(dir)
		return nil, errs.New(errs.KindIO, "failed to enumerate files to back up", err)
	}

	b := &Backup{
		Version:         MetadataVersion,
		ID:              id,
		CreatedAt:       m.now().UTC(),
		SourceChecksums: make(map[string]string, len(paths)),
		ManagedDirs:     absAll(managedDirs),
	}

	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			os.RemoveAll(dir)
			return nil, err
		}

		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			b.Absent = append(b.Absent, path)
			continue
		}
		if err != nil {
			os.RemoveAll(dir)
			return nil, errs.New(errs.KindIO, fmt.Sprintf("failed to stat %s", path), err)
		}

		snapshot := filepath.Join(filesDir, fmt.Sprintf("%04d-%s", i, filepath.Base(path)))
		sum, err := copyFile(path, filepath.Join(dir, snapshot), 0o600)
		if err != nil {
			os.RemoveAll(dir)
			return nil, errs.New(errs.KindIO, fmt.Sprintf("failed to snapshot %s", path), err)
		}

		b.Entries = append(b.Entries, Entry{
			Path:     path,
			Snapshot: snapshot,
			Checksum: sum,
			Size:     info.Size(),
			Mode:     info.Mode().Perm(),
		})
		b.SourceChecksums[path] = sum
		b.SnapshotPaths = append(b.SnapshotPaths, snapshot)
	}

	if m.mirror != nil {
		if err := m.mirror.Upload(ctx, dir, b); err != nil {
			os.RemoveAll(dir)
			return nil, errs.New(errs.KindIO, "failed to mirror backup", err)
		}
		b.Mirrored = true
	}

	if err := writeMetadata(dir, b); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	if m.mirror != nil {
		if err := m.mirror.UploadMetadata(ctx, dir, id); err != nil {
			m.logger.Warn("Failed to mirror backup metadata", zap.String("backup_id", id), zap.Error(err))
		}
	}

	m.logger.Info("Backup created",
		zap.String("backup_id", id),
		zap.Int("files", len(b.Entries)),
		zap.Int("absent", len(b.Absent)),
		zap.Bool("mirrored", b.Mirrored),
	)
	return b, nil
}

// Load reads the metadata of a backup
func (m *Manager) Load(id string) (*Backup, error) {
	data, err := os.ReadFile(filepath.Join(m.root, id, metadataFile))
	if os.IsNotExist(err) {
		return nil, errs.New(errs.KindNotFound, fmt.Sprintf("backup %s", id), ErrNotFound)
	}
	if err != nil {
		return nil, errs.New(errs.KindIO, "failed to read backup metadata", err)
	}

	var b Backup
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, errs.New(errs.KindIO, "failed to decode backup metadata", err)
	}
	return &b, nil
}

// List returns all local backups, newest first
func (m *Manager) List() ([]*Backup, error) {
	entries, err := os.ReadDir(m.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.New(errs.KindIO, "failed to list backups", err)
	}

	var backups []*Backup
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		b, err := m.Load(e.Name())
		if err != nil {
			m.logger.Debug("Skipping unreadable backup", zap.String("dir", e.Name()), zap.Error(err))
			continue
		}
		backups = append(backups, b)
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

// Latest returns the most recent backup
func (m *Manager) Latest() (*Backup, error) {
	backups, err := m.List()
	if err != nil {
		return nil, err
	}
	if len(backups) == 0 {
		return nil, errs.New(errs.KindNotFound, "no backups available", ErrNotFound)
	}
	return backups[0], nil
}

// Restore copies every pre-image back over its live path, removes files the run
// created under managed directories and verifies every restored checksum.
func (m *Manager) Restore(ctx context.Context, h *lock.Handle, id string) (*RestoreResult, error) {
	if err := h.Verify(); err != nil {
		return nil, err
	}

	dir := filepath.Join(m.root, id)
	if _, err := os.Stat(dir); os.IsNotExist(err) && m.mirror != nil {
		m.logger.Info("Local snapshot missing, fetching from mirror", zap.String("backup_id", id))
		if err := m.mirror.Download(ctx, id, dir); err != nil {
			if errors.Is(err, ErrRestoreIntegrity) {
				return nil, errs.New(errs.KindRestoreIntegrity, fmt.Sprintf("mirrored backup %s is corrupted", id), err)
			}
			return nil, errs.New(errs.KindNotFound, fmt.Sprintf("backup %s not available locally or in mirror", id), err)
		}
	}

	b, err := m.Load(id)
	if err != nil {
		return nil, err
	}

	result := &RestoreResult{BackupID: id}

	for _, e := range b.Entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		snapshot := filepath.Join(dir, e.Snapshot)
		got, err := hashFile(snapshot)
		if err != nil {
			return result, errs.New(errs.KindRestoreIntegrity, fmt.Sprintf("snapshot of %s unreadable", e.Path), err)
		}
		if got != e.Checksum {
			return result, errs.New(errs.KindRestoreIntegrity,
				fmt.Sprintf("snapshot of %s corrupted: expected %s, got %s", e.Path, e.Checksum, got),
				ErrRestoreIntegrity)
		}

		if err := os.MkdirAll(filepath.Dir(e.Path), 0o700); err != nil {
			return result, errs.New(errs.KindIO, fmt.Sprintf("failed to recreate directory for %s", e.Path), err)
		}
		if _, err := copyFile(snapshot, e.Path, e.Mode); err != nil {
			return result, errs.New(errs.KindIO, fmt.Sprintf("failed to restore %s", e.Path), err)
		}
		result.Restored++
	}

	removed, err := m.removeCreated(b)
	result.Removed = removed
	if err != nil {
		return result, err
	}

	for _, e := range b.Entries {
		got, err := hashFile(e.Path)
		if err != nil {
			return result, errs.New(errs.KindRestoreIntegrity, fmt.Sprintf("restored %s unreadable", e.Path), err)
		}
		if got != e.Checksum {
			return result, errs.New(errs.KindRestoreIntegrity,
				fmt.Sprintf("restored %s: expected %s, got %s", e.Path, e.Checksum, got),
				ErrRestoreIntegrity)
		}
		result.Verified++
	}
	for _, path := range b.Absent {
		if _, err := os.Stat(path); err == nil {
			return result, errs.New(errs.KindRestoreIntegrity,
				fmt.Sprintf("%s did not exist before the run but is still present", path),
				ErrRestoreIntegrity)
		}
	}

	m.logger.Info("Backup restored",
		zap.String("backup_id", id),
		zap.Int("restored", result.Restored),
		zap.Int("removed", len(result.Removed)),
	)
	return result, nil
}

// removeCreated deletes files under managed dirs that have no pre-image
func (m *Manager) removeCreated(b *Backup) ([]string, error) {
	known := make(map[string]bool, len(b.Entries))
	for _, e := range b.Entries {
		known[e.Path] = true
	}

	var removed []string
	for _, root := range b.ManagedDirs {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if d.IsDir() || known[path] {
				return nil
			}
			if err := os.Remove(path); err != nil {
				return err
			}
			removed = append(removed, path)
			return nil
		})
		if err != nil {
			return removed, errs.New(errs.KindIO, fmt.Sprintf("failed to clean %s", root), err)
		}
	}
	for _, path := range b.Absent {
		if err := os.Remove(path); err == nil {
			removed = append(removed, path)
		}
	}
	return removed, nil
}

func collectPaths(files, managedDirs []string) ([]string, error) {
	seen := make(map[string]bool)
	var paths []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}

	for _, f := range absAll(files) {
		add(f)
	}
	for _, root := range absAll(managedDirs) {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if !d.IsDir() {
				add(path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return paths, nil
}

func absAll(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		out = append(out, filepath.Clean(p))
	}
	return out
}

func writeMetadata(dir string, b *Backup) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return errs.New(errs.KindIO, "failed to encode backup metadata", err)
	}
	tmp := filepath.Join(dir, metadataFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errs.New(errs.KindIO, "failed to write backup metadata", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, metadataFile)); err != nil {
		return errs.New(errs.KindIO, "failed to finalize backup metadata", err)
	}
	return nil
}

// copyFile copies src to dst through a temp file and returns the sha256 of the content
func copyFile(src, dst string, mode os.FileMode) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".restore-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), in); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile returns the hex sha256 of a file's content
func HashFile(path string) (string, error) {
	return hashFile(path)
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
