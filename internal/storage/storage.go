package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/trendpipe/backend/internal/config"
)

// ErrNotFound is returned when an object does not exist
var ErrNotFound = errors.New("object not found")

// Metadata is stored alongside an object
type Metadata struct {
	ContentType string
	// User is stored as x-amz-meta-* headers
	User map[string]string
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
	User         map[string]string
}

// ObjectStore is durable storage for media artifacts
type ObjectStore interface {
	Upload(ctx context.Context, key string, r io.Reader, size int64, meta Metadata) error
	GetReadStream(ctx context.Context, key string) (io.ReadCloser, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Stat(ctx context.Context, key string) (*ObjectInfo, error)
	Ping(ctx context.Context) error
}

// New creates the store selected by cfg.Backend
func New(cfg config.StorageConfig) (ObjectStore, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "minio":
		return NewMinioStore(cfg)
	case "s3":
		return NewS3Store(cfg), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// DownloadKey returns the object key of a completed download. ext keeps the
// artifact's extension including the dot.
func DownloadKey(ownerID, downloadID, ext string) string {
	return path.Join("downloads", ownerID, downloadID+strings.ToLower(ext))
}
