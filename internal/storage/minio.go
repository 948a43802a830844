package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOClient implements Client using minio-go
type MinIOClient struct {
	client *minio.Client
}

// NewMinIOClient creates a new MinIO client
func NewMinIOClient(cfg Config) (*MinIOClient, error) {
	// Clean and validate endpoint
	endpoint, err := cleanEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, err
	}

	return &MinIOClient{client: client}, nil
}

// cleanEndpoint removes protocol and path from endpoint URL to get host:port format
func cleanEndpoint(endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}

	// If endpoint doesn't have protocol, add http:// for parsing
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		// Check if it's already in host:port format
		if strings.Contains(endpoint, "/") {
			return "", fmt.Errorf("endpoint contains path but no protocol")
		}
		return endpoint, nil
	}

	// Parse URL to extract host and port
	parsedURL, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}

	// Check if path is not empty (indicating a full URL with path)
	if parsedURL.Path != "" && parsedURL.Path != "/" {
		return "", fmt.Errorf("endpoint URL cannot have paths, only host:port is allowed (got path: %s)", parsedURL.Path)
	}

	// Return host:port format
	return parsedURL.Host, nil
}

// EnsureBucket creates bucket when it does not exist yet
func (c *MinIOClient) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := c.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := c.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	return nil
}

// Upload stores one snapshot file, tagging it with its sha256
func (c *MinIOClient) Upload(ctx context.Context, bucket, key string, r io.Reader, size int64, checksum string) error {
	opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	if checksum != "" {
		opts.UserMetadata = map[string]string{ChecksumMetadata: checksum}
	}
	_, err := c.client.PutObject(ctx, bucket, key, r, size, opts)
	return err
}

// Download opens one snapshot file
func (c *MinIOClient) Download(ctx context.Context, bucket, key string) (io.ReadCloser, Object, error) {
	obj, err := c.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, Object{}, err
	}
	// GetObject is lazy; stat surfaces a missing key before the caller starts copying
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, Object{}, err
	}
	return obj, objectFrom(info), nil
}

// List returns every object under prefix
func (c *MinIOClient) List(ctx context.Context, bucket, prefix string) ([]Object, error) {
	var objects []Object
	for info := range c.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:       prefix,
		Recursive:    true,
		WithMetadata: true,
	}) {
		if info.Err != nil {
			return nil, info.Err
		}
		objects = append(objects, objectFrom(info))
	}
	return objects, ctx.Err()
}

// Remove deletes keys in one bulk request
func (c *MinIOClient) Remove(ctx context.Context, bucket string, keys []string) error {
	objCh := make(chan minio.ObjectInfo, len(keys))
	for _, key := range keys {
		objCh <- minio.ObjectInfo{Key: key}
	}
	close(objCh)

	for rerr := range c.client.RemoveObjects(ctx, bucket, objCh, minio.RemoveObjectsOptions{}) {
		if rerr.Err != nil {
			return fmt.Errorf("failed to remove %s: %w", rerr.ObjectName, rerr.Err)
		}
	}
	return nil
}

func objectFrom(info minio.ObjectInfo) Object {
	return Object{
		Key:          info.Key,
		Size:         info.Size,
		Checksum:     info.UserMetadata[ChecksumMetadata],
		LastModified: info.LastModified,
	}
}
