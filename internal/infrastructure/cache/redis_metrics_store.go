package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/saas/backend/internal/domain/dashboard"
	"go.uber.org/zap"
)

// RedisMetricsStore implements dashboard.Store on Redis. Entries are stored
// as JSON with a Redis expiry, so keys disappear on their own.
type RedisMetricsStore struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewRedisMetricsStore wraps client. The caller keeps ownership of it.
func NewRedisMetricsStore(client redis.UniversalClient, logger *zap.Logger) *RedisMetricsStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisMetricsStore{client: client, logger: logger}
}

// Get implements dashboard.Store
func (s *RedisMetricsStore) Get(ctx context.Context, key string) (*dashboard.Entry, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics from cache: %w", err)
	}

	var e dashboard.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		s.logger.Warn("Dropping corrupted dashboard cache entry",
			zap.String("key", key),
			zap.Error(err))
		_ = s.client.Del(ctx, key).Err()
		return nil, nil
	}
	return &e, nil
}

// Set implements dashboard.Store
func (s *RedisMetricsStore) Set(ctx context.Context, key string, e dashboard.Entry, ttl time.Duration) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set metrics in cache: %w", err)
	}
	return nil
}

// Delete implements dashboard.Store
func (s *RedisMetricsStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete metrics from cache: %w", err)
	}
	return nil
}

var _ dashboard.Store = (*RedisMetricsStore)(nil)
