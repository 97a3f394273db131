package intervention

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/types"
)

// MemoryStore is an in-memory intervention store for development and
// tests.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*types.InterventionRequest
	closed   bool
	logger   *zap.Logger
}

// NewMemoryStore creates an in-memory intervention store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		requests: make(map[string]*types.InterventionRequest),
		logger:   logger.With(zap.String("component", "intervention_memory_store")),
	}
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, req *types.InterventionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.requests[req.PendingID] = req.Clone()
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, pendingID string) (*types.InterventionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	req, ok := s.requests[pendingID]
	if !ok {
		return nil, ErrNotFound
	}
	return req.Clone(), nil
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, req *types.InterventionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.requests[req.PendingID]; !ok {
		return ErrNotFound
	}
	s.requests[req.PendingID] = req.Clone()
	return nil
}

// ListPending implements Store.
func (s *MemoryStore) ListPending(ctx context.Context, runID string) ([]*types.InterventionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]*types.InterventionRequest, 0)
	for _, req := range s.requests {
		if req.Status != types.InterventionPending {
			continue
		}
		if runID != "" && req.RunID != runID {
			continue
		}
		out = append(out, req.Clone())
	}
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}
