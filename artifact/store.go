// Package artifact provides the content-addressed, versioned artifact
// store used by pipeline stages.
//
// Artifacts are immutable: writing new content under an existing name
// creates the next version, and writing content identical to an
// existing version of that name returns the existing version instead
// of creating a new one. The hash is sha256 over the raw content.
//
// Supported backends:
// - Memory: for development and testing (default)
// - File: for single-node production deployments
// - Redis: for distributed production deployments
package artifact

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/types"
)

// Common errors
var (
	ErrNotFound     = errors.New("artifact not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
	StoreTypeRedis  StoreType = "redis"
)

// StoreConfig is the configuration for all store implementations
type StoreConfig struct {
	// Type is the storage backend type
	Type StoreType `json:"type" yaml:"type"`

	// BaseDir is the base directory for file-based storage
	BaseDir string `json:"base_dir" yaml:"base_dir"`

	// Redis configuration (only used when Type is "redis")
	Redis RedisStoreConfig `json:"redis" yaml:"redis"`
}

// RedisStoreConfig contains Redis-specific configuration
type RedisStoreConfig struct {
	// Addr is the Redis server address
	Addr string `json:"addr" yaml:"addr"`

	// Password is the Redis password (optional)
	Password string `json:"password" yaml:"password"`

	// DB is the Redis database number
	DB int `json:"db" yaml:"db"`

	// PoolSize is the connection pool size
	PoolSize int `json:"pool_size" yaml:"pool_size"`

	// KeyPrefix is the prefix for all Redis keys
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// DefaultStoreConfig returns the default store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:    StoreTypeMemory,
		BaseDir: "./data/artifacts",
		Redis: RedisStoreConfig{
			Addr:      "localhost:6379",
			DB:        0,
			PoolSize:  10,
			KeyPrefix: "stageflow:",
		},
	}
}

// Store is the artifact store interface.
//
// Latest is addressed by passing version <= 0 to Get.
type Store interface {
	// Put stores content under name and returns the resulting version
	// reference. Identical content for the same name is idempotent:
	// the existing version's reference is returned and no new version
	// is created.
	Put(ctx context.Context, name, content, producedBy string) (types.ArtifactRef, error)

	// Get returns the artifact for the given name and version. A
	// version <= 0 addresses the latest version. Returns ErrNotFound
	// when the name or version does not exist.
	Get(ctx context.Context, name string, version int) (*types.Artifact, error)

	// List returns references for every version of name, in version
	// order. An unknown name yields an empty slice, not an error.
	List(ctx context.Context, name string) ([]types.ArtifactRef, error)

	// Close closes the store and releases resources
	Close() error

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error
}

// NewStore creates an artifact store from configuration.
func NewStore(cfg StoreConfig, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(logger), nil
	case StoreTypeFile:
		return NewFileStore(cfg.BaseDir, logger)
	case StoreTypeRedis:
		return NewRedisStore(cfg.Redis, logger)
	default:
		return nil, fmt.Errorf("unknown artifact store type: %s", cfg.Type)
	}
}
