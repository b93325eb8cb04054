// Package storage holds the object stores debug captures are written to.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basekick-labs/xenrrd/internal/config"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned by Read when the object does not exist.
var ErrNotFound = errors.New("object not found")

// Backend defines the interface for storage backends
type Backend interface {
	// Write writes data to the specified path, replacing any existing object
	Write(ctx context.Context, path string, data []byte) error

	// Read reads the object at the specified path
	Read(ctx context.Context, path string) ([]byte, error)

	// ListObjects lists objects whose key starts with prefix
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Delete deletes the object at the specified path. Missing objects are not an error.
	Delete(ctx context.Context, path string) error

	// Close closes any resources held by the backend
	Close() error

	// Type returns the storage type identifier (e.g., "local", "s3", "azure")
	Type() string
}

// BatchDeleter is implemented by backends that can remove many objects per call.
type BatchDeleter interface {
	DeleteBatch(ctx context.Context, paths []string) error
}

// ObjectInfo describes a stored object
type ObjectInfo struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// New builds the backend selected by cfg.Backend, wrapped with retries and a
// circuit breaker.
func New(cfg *config.StorageConfig, logger zerolog.Logger) (Backend, error) {
	var (
		backend Backend
		err     error
	)

	switch cfg.Backend {
	case "", "local":
		backend, err = NewLocalBackend(cfg.LocalPath, logger)
	case "s3", "minio":
		backend, err = NewS3Backend(&S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			PathStyle: cfg.S3PathStyle,
		}, logger)
	case "azure", "azblob":
		backend, err = NewAzureBlobBackend(&AzureBlobConfig{
			ConnectionString:   cfg.AzureConnectionString,
			AccountName:        cfg.AzureAccountName,
			AccountKey:         cfg.AzureAccountKey,
			ContainerName:      cfg.AzureContainer,
			Endpoint:           cfg.AzureEndpoint,
			UseManagedIdentity: cfg.AzureUseManagedIdentity,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	return NewResilientBackend(backend, nil, logger), nil
}
