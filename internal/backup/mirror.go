package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"ledgermigrate/internal/storage"
)

// Mirror copies backups to an S3-compatible bucket
type Mirror struct {
	Client storage.Client
	Bucket string
	Prefix string
}

func (mr *Mirror) key(id string, rel string) string {
	return path.Join(mr.Prefix, id, filepath.ToSlash(rel))
}

// Upload copies every snapshot file of b to the bucket
func (mr *Mirror) Upload(ctx context.Context, dir string, b *Backup) error {
	if err := mr.Client.EnsureBucket(ctx, mr.Bucket); err != nil {
		return err
	}
	for _, e := range b.Entries {
		if err := mr.put(ctx, filepath.Join(dir, e.Snapshot), mr.key(b.ID, e.Snapshot), e.Checksum); err != nil {
			return fmt.Errorf("failed to upload %s: %w", e.Snapshot, err)
		}
	}
	return nil
}

// UploadMetadata copies the metadata record last, marking the remote copy complete
func (mr *Mirror) UploadMetadata(ctx context.Context, dir, id string) error {
	return mr.put(ctx, filepath.Join(dir, metadataFile), mr.key(id, metadataFile), "")
}

func (mr *Mirror) put(ctx context.Context, local, key, checksum string) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return mr.Client.Upload(ctx, mr.Bucket, key, f, info.Size(), checksum)
}

// Download fetches a mirrored backup into dir. Snapshot files are checked
// against the checksum recorded at upload.
func (mr *Mirror) Download(ctx context.Context, id, dir string) error {
	if err := mr.download(ctx, id, dir); err != nil {
		os.RemoveAll(dir)
		return err
	}
	return nil
}

func (mr *Mirror) download(ctx context.Context, id, dir string) error {
	if err := os.MkdirAll(filepath.Join(dir, filesDir), 0o700); err != nil {
		return err
	}

	if err := mr.get(ctx, mr.key(id, metadataFile), filepath.Join(dir, metadataFile)); err != nil {
		return fmt.Errorf("failed to fetch metadata: %w", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return err
	}
	var b Backup
	if err := json.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("failed to decode mirrored metadata: %w", err)
	}

	for _, e := range b.Entries {
		if err := mr.get(ctx, mr.key(id, e.Snapshot), filepath.Join(dir, e.Snapshot)); err != nil {
			return fmt.Errorf("failed to fetch %s: %w", e.Snapshot, err)
		}
	}
	return nil
}

func (mr *Mirror) get(ctx context.Context, key, local string) error {
	body, obj, err := mr.Client.Download(ctx, mr.Bucket, key)
	if err != nil {
		return err
	}
	defer body.Close()

	f, err := os.OpenFile(local, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(f, h), body); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if obj.Checksum != "" {
		if got := hex.EncodeToString(h.Sum(nil)); got != obj.Checksum {
			return fmt.Errorf("%s: checksum mismatch: expected %s, got %s: %w", key, obj.Checksum, got, ErrRestoreIntegrity)
		}
	}
	return nil
}

// Delete removes every mirrored object of a backup
func (mr *Mirror) Delete(ctx context.Context, id string) error {
	objects, err := mr.Client.List(ctx, mr.Bucket, path.Join(mr.Prefix, id)+"/")
	if err != nil {
		return fmt.Errorf("error listing mirrored backup: %w", err)
	}
	if len(objects) == 0 {
		return nil
	}

	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		keys = append(keys, obj.Key)
	}
	return mr.Client.Remove(ctx, mr.Bucket, keys)
}
