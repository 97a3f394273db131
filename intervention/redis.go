package intervention

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/types"
)

// RedisStore is a redis-backed intervention store for distributed
// deployments. Requests live as JSON values; a set per run plus a
// global set index the pending ones.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisStore creates a redis-backed intervention store.
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

	return NewRedisStoreWithClient(client, cfg.KeyPrefix, logger), nil
}

// NewRedisStoreWithClient wraps an existing client, mainly for tests.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		prefix: keyPrefix,
		logger: logger.With(zap.String("component", "intervention_redis_store")),
	}
}

func (s *RedisStore) requestKey(pendingID string) string {
	return s.prefix + "intervention:" + pendingID
}

func (s *RedisStore) pendingSetKey() string {
	return s.prefix + "intervention:pending"
}

func (s *RedisStore) runSetKey(runID string) string {
	return s.prefix + "intervention:pending:run:" + runID
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, req *types.InterventionRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode intervention request: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.requestKey(req.PendingID), data, 0)
	if req.Status == types.InterventionPending {
		pipe.SAdd(ctx, s.pendingSetKey(), req.PendingID)
		pipe.SAdd(ctx, s.runSetKey(req.RunID), req.PendingID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save intervention request: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, pendingID string) (*types.InterventionRequest, error) {
	data, err := s.client.Get(ctx, s.requestKey(pendingID)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get intervention request: %w", err)
	}
	var req types.InterventionRequest
	if err := json.Unmarshal([]byte(data), &req); err != nil {
		return nil, fmt.Errorf("failed to decode intervention request: %w", err)
	}
	return &req, nil
}

// Update implements Store.
func (s *RedisStore) Update(ctx context.Context, req *types.InterventionRequest) error {
	exists, err := s.client.Exists(ctx, s.requestKey(req.PendingID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check intervention request: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode intervention request: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.requestKey(req.PendingID), data, 0)
	if req.Status != types.InterventionPending {
		pipe.SRem(ctx, s.pendingSetKey(), req.PendingID)
		pipe.SRem(ctx, s.runSetKey(req.RunID), req.PendingID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update intervention request: %w", err)
	}
	return nil
}

// ListPending implements Store.
func (s *RedisStore) ListPending(ctx context.Context, runID string) ([]*types.InterventionRequest, error) {
	key := s.pendingSetKey()
	if runID != "" {
		key = s.runSetKey(runID)
	}
	ids, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending interventions: %w", err)
	}

	out := make([]*types.InterventionRequest, 0, len(ids))
	for _, id := range ids {
		req, err := s.Get(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if req.Status == types.InterventionPending {
			out = append(out, req)
		}
	}
	return out, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
