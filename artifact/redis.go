package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/types"
)

// RedisStore is a redis-backed artifact store for distributed
// deployments. A Lua script makes Put atomic so concurrent writers of
// identical content converge on one version.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// putScript checks the hash index, allocates the next version when the
// content is new, and stores payload and index entry in one atomic step.
var putScript = redis.NewScript(`
local existing = redis.call('HGET', KEYS[1], ARGV[1])
if existing then
	return tonumber(existing)
end
local version = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], ARGV[1], version)
redis.call('SET', KEYS[3] .. ':' .. version, ARGV[2])
return version
`)

// NewRedisStore creates a redis-backed artifact store.
func NewRedisStore(cfg RedisStoreConfig, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{
		client: client,
		prefix: cfg.KeyPrefix,
		logger: logger.With(zap.String("component", "artifact_redis_store")),
	}, nil
}

// NewRedisStoreWithClient wraps an existing client, mainly for tests.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		prefix: keyPrefix,
		logger: logger.With(zap.String("component", "artifact_redis_store")),
	}
}

func (s *RedisStore) hashKey(name string) string {
	return s.prefix + "artifact:" + name + ":hashes"
}

func (s *RedisStore) seqKey(name string) string {
	return s.prefix + "artifact:" + name + ":seq"
}

func (s *RedisStore) valueKeyBase(name string) string {
	return s.prefix + "artifact:" + name + ":v"
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, name, content, producedBy string) (types.ArtifactRef, error) {
	if err := validateName(name); err != nil {
		return types.ArtifactRef{}, err
	}

	hash := types.HashContent(content)
	payload, err := json.Marshal(&types.Artifact{
		Name:       name,
		Content:    content,
		Hash:       hash,
		ProducedBy: producedBy,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		return types.ArtifactRef{}, fmt.Errorf("failed to encode artifact: %w", err)
	}

	keys := []string{s.hashKey(name), s.seqKey(name), s.valueKeyBase(name)}
	version, err := putScript.Run(ctx, s.client, keys, hash, string(payload)).Int()
	if err != nil {
		return types.ArtifactRef{}, fmt.Errorf("failed to store artifact: %w", err)
	}

	s.logger.Debug("artifact stored",
		zap.String("name", name),
		zap.Int("version", version))
	return types.ArtifactRef{Name: name, Version: version, Hash: hash}, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, name string, version int) (*types.Artifact, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	if version <= 0 {
		latest, err := s.latestVersion(ctx, name)
		if err != nil {
			return nil, err
		}
		version = latest
	}

	data, err := s.client.Get(ctx, fmt.Sprintf("%s:%d", s.valueKeyBase(name), version)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}

	var a types.Artifact
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return nil, fmt.Errorf("failed to decode artifact: %w", err)
	}
	a.Version = version
	return &a, nil
}

// List implements Store.
func (s *RedisStore) List(ctx context.Context, name string) ([]types.ArtifactRef, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	latest, err := s.latestVersion(ctx, name)
	if err == ErrNotFound {
		return []types.ArtifactRef{}, nil
	}
	if err != nil {
		return nil, err
	}

	refs := make([]types.ArtifactRef, 0, latest)
	for v := 1; v <= latest; v++ {
		a, err := s.Get(ctx, name, v)
		if err != nil {
			return nil, err
		}
		refs = append(refs, a.Ref())
	}
	return refs, nil
}

func (s *RedisStore) latestVersion(ctx context.Context, name string) (int, error) {
	val, err := s.client.Get(ctx, s.seqKey(name)).Result()
	if err == redis.Nil {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get artifact version counter: %w", err)
	}
	latest, err := strconv.Atoi(val)
	if err != nil || latest == 0 {
		return 0, ErrNotFound
	}
	return latest, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
