package persistence

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/types"
)

// MemoryRunStore is an in-memory run store for development and tests.
// Reads and writes deep-copy the aggregate so callers never share state
// with the store.
type MemoryRunStore struct {
	mu     sync.RWMutex
	runs   map[string]*types.Run
	closed bool
	logger *zap.Logger
}

// NewMemoryRunStore creates an in-memory run store.
func NewMemoryRunStore(logger *zap.Logger) *MemoryRunStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryRunStore{
		runs:   make(map[string]*types.Run),
		logger: logger.With(zap.String("component", "run_memory_store")),
	}
}

// SaveRun implements RunStore.
func (s *MemoryRunStore) SaveRun(ctx context.Context, run *types.Run) error {
	if run == nil || run.ID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

// GetRun implements RunStore.
func (s *MemoryRunStore) GetRun(ctx context.Context, id string) (*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return run.Clone(), nil
}

// ListRuns implements RunStore.
func (s *MemoryRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	matched := make([]*types.Run, 0)
	for _, run := range s.runs {
		if !matchesFilter(run, filter) {
			continue
		}
		cp := run.Clone()
		cp.Executions = nil
		matched = append(matched, cp)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*types.Run{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// GetRecoverableRuns implements RunStore.
func (s *MemoryRunStore) GetRecoverableRuns(ctx context.Context) ([]*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	out := make([]*types.Run, 0)
	for _, run := range s.runs {
		if !run.Status.IsTerminal() {
			out = append(out, run.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Close implements RunStore.
func (s *MemoryRunStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping implements RunStore.
func (s *MemoryRunStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func matchesFilter(run *types.Run, filter RunFilter) bool {
	if filter.Pipeline != "" && run.Pipeline != filter.Pipeline {
		return false
	}
	if len(filter.Statuses) > 0 {
		ok := false
		for _, st := range filter.Statuses {
			if run.Status == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
