package artifact

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/types"
)

// MemoryStore is an in-memory artifact store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[string][]*types.Artifact
	closed   bool
	logger   *zap.Logger
}

// NewMemoryStore creates an in-memory artifact store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		versions: make(map[string][]*types.Artifact),
		logger:   logger.With(zap.String("component", "artifact_memory_store")),
	}
}

// Put implements Store.
func (s *MemoryStore) Put(ctx context.Context, name, content, producedBy string) (types.ArtifactRef, error) {
	if name == "" {
		return types.ArtifactRef{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.ArtifactRef{}, ErrStoreClosed
	}

	hash := types.HashContent(content)
	for _, a := range s.versions[name] {
		if a.Hash == hash {
			s.logger.Debug("identical content, reusing version",
				zap.String("name", name),
				zap.Int("version", a.Version))
			return a.Ref(), nil
		}
	}

	a := &types.Artifact{
		Name:       name,
		Version:    len(s.versions[name]) + 1,
		Content:    content,
		Hash:       hash,
		ProducedBy: producedBy,
		CreatedAt:  time.Now(),
	}
	s.versions[name] = append(s.versions[name], a)

	s.logger.Debug("artifact stored",
		zap.String("name", name),
		zap.Int("version", a.Version))
	return a.Ref(), nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, name string, version int) (*types.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	vs := s.versions[name]
	if len(vs) == 0 {
		return nil, ErrNotFound
	}
	if version <= 0 {
		version = len(vs)
	}
	if version > len(vs) {
		return nil, ErrNotFound
	}

	cp := *vs[version-1]
	return &cp, nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, name string) ([]types.ArtifactRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	refs := make([]types.ArtifactRef, 0, len(s.versions[name]))
	for _, a := range s.versions[name] {
		refs = append(refs, a.Ref())
	}
	return refs, nil
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
