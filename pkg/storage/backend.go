// Package storage provides the blob stores proposals and published reports
// live in.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("blob not found")

// BlobStore defines the interface for abstract storage backends. Keys are
// slash separated.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns the sorted keys starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// Open returns an S3Store for "s3://bucket/prefix" and a LocalStore for
// anything else.
func Open(ctx context.Context, url string) (BlobStore, error) {
	rest, ok := strings.CutPrefix(url, "s3://")
	if !ok {
		return NewLocalStore(url), nil
	}
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return nil, fmt.Errorf("s3 url %q has no bucket", url)
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3Store(cfg, bucket, WithKeyPrefix(prefix)), nil
}

func cleanKey(key string) (string, error) {
	if key == "" || strings.Contains(key, `\`) {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	clean := path.Clean(key)
	if path.IsAbs(clean) || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return clean, nil
}
