package storage

import (
	"context"
	"io"
	"time"
)

// ChecksumMetadata is the user metadata key holding an object's sha256
const ChecksumMetadata = "Ledger-Sha256"

// Client keeps backup snapshots in an S3-compatible bucket
type Client interface {
	EnsureBucket(ctx context.Context, bucket string) error
	Upload(ctx context.Context, bucket, key string, r io.Reader, size int64, checksum string) error
	Download(ctx context.Context, bucket, key string) (io.ReadCloser, Object, error)
	List(ctx context.Context, bucket, prefix string) ([]Object, error)
	Remove(ctx context.Context, bucket string, keys []string) error
}

// Object describes one stored snapshot file
type Object struct {
	Key          string
	Size         int64
	Checksum     string
	LastModified time.Time
}

// Config contains client configuration
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
}
