// Package persistence stores run aggregates: the run record, its stage
// executions and their append-only attempt history.
//
// Supported backends:
// - Memory: for development and testing (default)
// - Database: gorm over sqlite or postgres for production deployments
//
// Writes persist the whole aggregate. Attempts are append-only at the
// storage level too: the database backend inserts them with a conflict
// guard on (execution, seq) so a replayed save can never rewrite
// history.
package persistence

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/stageflow/types"
)

// Common errors
var (
	ErrNotFound     = errors.New("run not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory   StoreType = "memory"
	StoreTypeDatabase StoreType = "database"
)

// RunFilter narrows ListRuns results.
type RunFilter struct {
	// Statuses keeps only runs in one of these statuses. Empty keeps all.
	Statuses []types.RunStatus
	// Pipeline keeps only runs of this pipeline. Empty keeps all.
	Pipeline string
	// Limit caps the result count. Zero means no cap.
	Limit int
	// Offset skips that many runs.
	Offset int
}

// RunStore persists run aggregates.
type RunStore interface {
	// SaveRun creates or updates the whole run aggregate.
	SaveRun(ctx context.Context, run *types.Run) error

	// GetRun returns the full aggregate for the given run ID.
	GetRun(ctx context.Context, id string) (*types.Run, error)

	// ListRuns returns runs matching the filter, newest first. The
	// returned runs are shallow: executions are not loaded.
	ListRuns(ctx context.Context, filter RunFilter) ([]*types.Run, error)

	// GetRecoverableRuns returns full aggregates for every run in a
	// non-terminal status, for crash recovery at startup.
	GetRecoverableRuns(ctx context.Context) ([]*types.Run, error)

	// Close closes the store and releases resources
	Close() error

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error
}

// NewRunStore creates a run store from configuration. The db handle is
// only used for the database backend and may be nil otherwise.
func NewRunStore(storeType StoreType, db *gorm.DB, logger *zap.Logger) (RunStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch storeType {
	case StoreTypeMemory, "":
		return NewMemoryRunStore(logger), nil
	case StoreTypeDatabase:
		if db == nil {
			return nil, fmt.Errorf("%w: database run store requires a db handle", ErrInvalidInput)
		}
		return NewGormRunStore(db, logger)
	default:
		return nil, fmt.Errorf("unknown run store type: %s", storeType)
	}
}
