// Package storage keeps provisioning assets, chiefly the tenant schema
// script, in an object store.
//
// Implementations:
// - LocalStorage: a directory on the local filesystem (development)
// - R2Storage: Cloudflare R2 through the S3 API (production)
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// Storage stores and retrieves objects by key.
type Storage interface {
	// Put stores data at key. It fails with ErrKeyExists when the key is
	// taken and opts.Overwrite is false.
	Put(ctx context.Context, key string, data io.Reader, opts PutOptions) error

	// Get returns the object at key. The caller must close the reader.
	// Returns ErrNotFound if the key doesn't exist.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)

	// Delete removes the object at key. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether an object is stored at key.
	Exists(ctx context.Context, key string) (bool, error)
}

// PutOptions configures how an object is stored.
type PutOptions struct {
	ContentType string // Defaults to SQLContentType
	MaxSize     int64  // Zero means no limit
	Overwrite   bool
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
	ETag         string
}

// LocalConfig configures LocalStorage.
type LocalConfig struct {
	BasePath string // e.g. "./storage"
}

// R2Config configures R2Storage.
type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string

	// Endpoint overrides the account endpoint, for S3-compatible stores
	// other than R2.
	Endpoint string

	// Region defaults to "auto", which R2 accepts for every bucket.
	Region string
}

// Config selects and configures a provider.
type Config struct {
	Provider string // ProviderLocal or ProviderR2
	Local    LocalConfig
	R2       R2Config
}

const (
	ProviderLocal = "local"
	ProviderR2    = "r2"
)

const (
	// SQLContentType is the content type schema scripts are stored with.
	SQLContentType = "application/sql"

	// MaxSchemaSize bounds a pushed schema script.
	MaxSchemaSize = 4 << 20

	schemaPrefix = "schemas/tenant/"
)

// DefaultSchemaKey is where the schema applied to new tenants lives.
const DefaultSchemaKey = schemaPrefix + "current.sql"

// SchemaKey returns the key of a named schema revision.
// Example: SchemaKey("2025-03-01") is "schemas/tenant/2025-03-01.sql".
func SchemaKey(revision string) string {
	return schemaPrefix + strings.TrimSuffix(revision, ".sql") + ".sql"
}

// New creates the Storage selected by cfg.Provider.
func New(cfg Config, logger *slog.Logger) (Storage, error) {
	switch cfg.Provider {
	case ProviderLocal, "":
		s, err := NewLocalStorage(cfg.Local, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case ProviderR2:
		s, err := NewR2Storage(cfg.R2, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}
