package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/types"
)

// FileStore persists artifacts on the local filesystem. Each version of
// a name lives at <base>/<name>/v<version>.md next to an index.json
// with version metadata. Content files are written before the index, so
// a crash between the two leaves at most an orphan content file, never
// a dangling index entry.
type FileStore struct {
	baseDir string
	mu      sync.Mutex
	closed  bool
	logger  *zap.Logger
}

// fileIndex is the on-disk metadata for one artifact name.
type fileIndex struct {
	Versions []fileIndexEntry `json:"versions"`
}

type fileIndexEntry struct {
	Version    int       `json:"version"`
	Hash       string    `json:"hash"`
	ProducedBy string    `json:"produced_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewFileStore creates a file-backed artifact store rooted at baseDir.
func NewFileStore(baseDir string, logger *zap.Logger) (*FileStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("%w: base directory is required", ErrInvalidInput)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FileStore{
		baseDir: baseDir,
		logger:  logger.With(zap.String("component", "artifact_file_store")),
	}, nil
}

// Put implements Store.
func (s *FileStore) Put(ctx context.Context, name, content, producedBy string) (types.ArtifactRef, error) {
	if err := validateName(name); err != nil {
		return types.ArtifactRef{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.ArtifactRef{}, ErrStoreClosed
	}

	idx, err := s.readIndex(name)
	if err != nil {
		return types.ArtifactRef{}, err
	}

	hash := types.HashContent(content)
	for _, e := range idx.Versions {
		if e.Hash == hash {
			return types.ArtifactRef{Name: name, Version: e.Version, Hash: hash}, nil
		}
	}

	dir := filepath.Join(s.baseDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.ArtifactRef{}, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	version := len(idx.Versions) + 1
	contentPath := filepath.Join(dir, fmt.Sprintf("v%06d.md", version))
	if err := writeFileAtomic(contentPath, []byte(content)); err != nil {
		return types.ArtifactRef{}, fmt.Errorf("failed to write artifact content: %w", err)
	}

	idx.Versions = append(idx.Versions, fileIndexEntry{
		Version:    version,
		Hash:       hash,
		ProducedBy: producedBy,
		CreatedAt:  time.Now(),
	})
	if err := s.writeIndex(name, idx); err != nil {
		return types.ArtifactRef{}, err
	}

	s.logger.Debug("artifact stored",
		zap.String("name", name),
		zap.Int("version", version))
	return types.ArtifactRef{Name: name, Version: version, Hash: hash}, nil
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, name string, version int) (*types.Artifact, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	idx, err := s.readIndex(name)
	if err != nil {
		return nil, err
	}
	if len(idx.Versions) == 0 {
		return nil, ErrNotFound
	}
	if version <= 0 {
		version = len(idx.Versions)
	}
	if version > len(idx.Versions) {
		return nil, ErrNotFound
	}
	entry := idx.Versions[version-1]

	contentPath := filepath.Join(s.baseDir, name, fmt.Sprintf("v%06d.md", version))
	data, err := os.ReadFile(contentPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read artifact content: %w", err)
	}

	return &types.Artifact{
		Name:       name,
		Version:    entry.Version,
		Content:    string(data),
		Hash:       entry.Hash,
		ProducedBy: entry.ProducedBy,
		CreatedAt:  entry.CreatedAt,
	}, nil
}

// List implements Store.
func (s *FileStore) List(ctx context.Context, name string) ([]types.ArtifactRef, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	idx, err := s.readIndex(name)
	if err != nil {
		return nil, err
	}
	refs := make([]types.ArtifactRef, 0, len(idx.Versions))
	for _, e := range idx.Versions {
		refs = append(refs, types.ArtifactRef{Name: name, Version: e.Version, Hash: e.Hash})
	}
	return refs, nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping implements Store.
func (s *FileStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	_, err := os.Stat(s.baseDir)
	return err
}

func (s *FileStore) indexPath(name string) string {
	return filepath.Join(s.baseDir, name, "index.json")
}

func (s *FileStore) readIndex(name string) (*fileIndex, error) {
	data, err := os.ReadFile(s.indexPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return &fileIndex{}, nil
		}
		return nil, fmt.Errorf("failed to read artifact index: %w", err)
	}
	var idx fileIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("failed to parse artifact index: %w", err)
	}
	return &idx, nil
}

func (s *FileStore) writeIndex(name string, idx *fileIndex) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode artifact index: %w", err)
	}
	if err := writeFileAtomic(s.indexPath(name), data); err != nil {
		return fmt.Errorf("failed to write artifact index: %w", err)
	}
	return nil
}

// writeFileAtomic writes via a temp file and rename so readers never
// observe a partial write.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// validateName rejects names that would escape the base directory.
func validateName(name string) error {
	if name == "" {
		return ErrInvalidInput
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return fmt.Errorf("%w: invalid artifact name %q", ErrInvalidInput, name)
	}
	return nil
}
