package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/saas/backend/internal/domain/dashboard"
	"github.com/saas/backend/internal/domain/shared"
	"github.com/saas/backend/internal/infrastructure/config"
	"go.uber.org/zap"
)

// Stores bundles the cache-backed stores the engine needs
type Stores struct {
	Metrics     dashboard.Store
	Idempotency shared.IdempotencyStore

	// Shared reports whether the stores are visible to every instance
	Shared bool

	closers []func() error
}

// Close releases the stores and any client the factory opened
func (s *Stores) Close() error {
	var firstErr error
	for _, c := range s.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Factory creates stores based on configuration
type Factory struct {
	redisConfig           config.RedisConfig
	logger                *zap.Logger
	allowInMemoryFallback bool
}

// FactoryOption is a functional option for configuring the factory
type FactoryOption func(*Factory)

// WithLogger sets the logger for the factory
func WithLogger(logger *zap.Logger) FactoryOption {
	return func(f *Factory) {
		f.logger = logger
	}
}

// WithInMemoryFallback controls whether to fall back to in-memory stores when
// Redis is configured but unreachable. Default is true.
func WithInMemoryFallback(allow bool) FactoryOption {
	return func(f *Factory) {
		f.allowInMemoryFallback = allow
	}
}

// NewFactory creates a new factory
func NewFactory(cfg config.RedisConfig, opts ...FactoryOption) *Factory {
	f := &Factory{
		redisConfig:           cfg,
		logger:                zap.NewNop(),
		allowInMemoryFallback: true,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewRedisClient opens a client for cfg and checks it with PING
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr(), err)
	}
	return client, nil
}

// Open creates Redis-backed stores when a Redis host is configured, and
// in-memory stores otherwise. An unreachable Redis falls back to memory only
// when the factory allows it.
func (f *Factory) Open(ctx context.Context) (*Stores, error) {
	if f.redisConfig.Host == "" {
		f.logger.Info("Redis not configured, using in-memory cache stores")
		return f.inMemory(), nil
	}

	client, err := NewRedisClient(ctx, f.redisConfig)
	if err != nil {
		if !f.allowInMemoryFallback {
			return nil, fmt.Errorf("redis required for cache stores but unavailable: %w", err)
		}
		f.logger.Warn("Redis unavailable, falling back to in-memory cache stores. "+
			"Idempotency keys and cached metrics are not shared across instances.",
			zap.Error(err),
		)
		return f.inMemory(), nil
	}

	f.logger.Info("Using Redis cache stores", zap.String("addr", f.redisConfig.Addr()))
	return f.FromClient(client, true), nil
}

// FromClient builds Redis stores on an existing client. With owns set the
// client is closed by Stores.Close.
func (f *Factory) FromClient(client redis.UniversalClient, owns bool) *Stores {
	idem := NewRedisIdempotencyStore(client, "")
	s := &Stores{
		Metrics:     NewRedisMetricsStore(client, f.logger),
		Idempotency: idem,
		Shared:      true,
	}
	if owns {
		s.closers = append(s.closers, client.Close)
	}
	return s
}

func (f *Factory) inMemory() *Stores {
	metrics := NewInMemoryMetricsStore()
	idem := NewInMemoryIdempotencyStore()
	return &Stores{
		Metrics:     metrics,
		Idempotency: idem,
		closers:     []func() error{metrics.Close, idem.Close},
	}
}
