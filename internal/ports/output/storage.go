// Package output defines the secondary/driven ports of the application.
package output

import (
	"context"
	"time"

	"github.com/jobrunner/demtiler/internal/domain"
)

// ArtifactStore defines the secondary port for publishing finished artifacts.
type ArtifactStore interface {
	// Put uploads the local file at path under key.
	Put(ctx context.Context, key string, path string) error

	// List returns the published objects under prefix.
	List(ctx context.Context, prefix string) ([]StorageObject, error)

	// Exists checks if an object exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes an object. Missing objects are not an error.
	Delete(ctx context.Context, key string) error
}

// StorageObject represents a file in object storage.
type StorageObject struct {
	Key          string // Object key/path
	Size         int64  // Size in bytes
	LastModified int64  // Unix timestamp
	ETag         string // Content hash
}

// StorageType represents the type of storage backend.
type StorageType string

const (
	StorageTypeS3    StorageType = "s3"
	StorageTypeAzure StorageType = "azure"
	StorageTypeHTTP  StorageType = "http"
	StorageTypeLocal StorageType = "local"
)

// JobHistory defines the secondary port for persisting finished jobs.
type JobHistory interface {
	// Save stores a terminal job, replacing any record with the same run id.
	Save(ctx context.Context, job domain.Job) error

	// Latest returns the most recent record for key.
	Latest(ctx context.Context, key string) (domain.Job, error)

	// List returns up to limit records, newest first.
	List(ctx context.Context, limit int) ([]domain.Job, error)

	// DeleteBefore removes records finished before t and returns the count.
	DeleteBefore(ctx context.Context, t time.Time) (int64, error)

	// Ping checks the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store.
	Close() error
}
