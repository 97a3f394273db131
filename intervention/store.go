// Package intervention implements the human intervention gateway: a
// durable escalation point where a stage that exhausted its retry
// budget waits for a human decision.
//
// Requests persist in a store before any waiter is registered, so a
// process restart never loses a pending escalation. Resolution is
// exactly-once: the first Resolve wins and duplicates are logged
// no-ops.
package intervention

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/types"
)

// Common errors
var (
	ErrNotFound    = errors.New("intervention not found")
	ErrStoreClosed = errors.New("store is closed")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
)

// StoreConfig is the configuration for intervention stores
type StoreConfig struct {
	// Type is the storage backend type
	Type StoreType `json:"type" yaml:"type"`

	// Redis configuration (only used when Type is "redis")
	Redis RedisStoreConfig `json:"redis" yaml:"redis"`
}

// RedisStoreConfig contains Redis-specific configuration
type RedisStoreConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// Store persists intervention requests.
type Store interface {
	// Save persists a new request.
	Save(ctx context.Context, req *types.InterventionRequest) error

	// Get returns the request with the given pending ID.
	Get(ctx context.Context, pendingID string) (*types.InterventionRequest, error)

	// Update replaces the stored request.
	Update(ctx context.Context, req *types.InterventionRequest) error

	// ListPending returns pending requests, optionally filtered by run.
	// An empty runID matches all runs.
	ListPending(ctx context.Context, runID string) ([]*types.InterventionRequest, error)

	// Close closes the store and releases resources
	Close() error

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error
}

// NewStore creates an intervention store from configuration.
func NewStore(cfg StoreConfig, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(logger), nil
	case StoreTypeRedis:
		return NewRedisStore(cfg.Redis, logger)
	default:
		return nil, fmt.Errorf("unknown intervention store type: %s", cfg.Type)
	}
}
