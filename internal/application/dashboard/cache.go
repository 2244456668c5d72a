// Package dashboard serves per-branch dashboard metrics from a cache with a
// per-key stampede guard.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/saas/backend/internal/domain/dashboard"
	"github.com/saas/backend/internal/domain/shared"
	"github.com/saas/backend/internal/infrastructure/auth"
	"github.com/saas/backend/internal/infrastructure/logger"
	"github.com/saas/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Config tunes the cache
type Config struct {
	TTL          time.Duration // freshness of a computed entry, default 1h
	StaleGrace   time.Duration // extra lifetime of an expired entry for stale serving
	StaleWait    time.Duration // 0: always wait for the in-flight computation
	RefreshAhead time.Duration // RefreshHot recomputes hot keys expiring within this window
	KeyPrefix    string
	CutoffPolicy dashboard.CutoffPolicy
	WarmWorkers  int
}

// DefaultConfig returns the default cache configuration
func DefaultConfig() Config {
	return Config{
		TTL:          time.Hour,
		StaleGrace:   10 * time.Minute,
		RefreshAhead: 5 * time.Minute,
		KeyPrefix:    "dashboard_metrics",
		CutoffPolicy: dashboard.CutoffShared,
		WarmWorkers:  4,
	}
}

// Result is a cache answer
type Result struct {
	Metrics    dashboard.Metrics
	ComputedAt time.Time
	// Stale is set when the previous value was served because the
	// recomputation exceeded StaleWait.
	Stale bool
}

type hotKey struct {
	key        dashboard.Key
	expiresAt  time.Time
	lastAccess time.Time
}

// Cache computes dashboard metrics through a Source and keeps them in a
// Store. Concurrent misses for one key share a single computation.
type Cache struct {
	source  dashboard.Source
	store   dashboard.Store
	config  Config
	metrics *telemetry.EngineMetrics
	logger  *zap.Logger
	now     func() time.Time

	group singleflight.Group

	mu  sync.Mutex
	hot map[string]*hotKey
}

// CacheOption configures a Cache
type CacheOption func(*Cache)

// WithMetrics records lookups and computations
func WithMetrics(m *telemetry.EngineMetrics) CacheOption {
	return func(c *Cache) { c.metrics = m }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// NewCache creates a cache. Zero config fields take their defaults.
func NewCache(source dashboard.Source, store dashboard.Store, cfg Config, logger *zap.Logger, opts ...CacheOption) *Cache {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.StaleGrace < 0 {
		cfg.StaleGrace = 0
	}
	if cfg.RefreshAhead <= 0 {
		cfg.RefreshAhead = def.RefreshAhead
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if cfg.CutoffPolicy == "" {
		cfg.CutoffPolicy = def.CutoffPolicy
	}
	if cfg.WarmWorkers <= 0 {
		cfg.WarmWorkers = def.WarmWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		source: source,
		store:  store,
		config: cfg,
		logger: logger,
		now:    time.Now,
		hot:    make(map[string]*hotKey),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the effective configuration
func (c *Cache) Config() Config {
	return c.config
}

// GetOrCompute returns the metrics of subjectID for bucket, computing them
// on a miss.
func (c *Cache) GetOrCompute(ctx context.Context, subjectID uuid.UUID, bucket dashboard.Bucket) (dashboard.Metrics, error) {
	res, err := c.Get(ctx, subjectID, bucket)
	if err != nil {
		return dashboard.Metrics{}, err
	}
	return res.Metrics, nil
}

// Get is GetOrCompute that also reports freshness
func (c *Cache) Get(ctx context.Context, subjectID uuid.UUID, bucket dashboard.Bucket) (Result, error) {
	key, err := c.keyFor(ctx, subjectID, bucket)
	if err != nil {
		return Result{}, err
	}
	storeKey := key.String(c.config.KeyPrefix)

	ctx, span := telemetry.StartSpan(ctx, "dashboard.get",
		telemetry.WithAttribute(telemetry.SpanAttrCacheKey, storeKey),
	)
	defer span.End()

	now := c.now()
	previous, err := c.store.Get(ctx, storeKey)
	if err != nil {
		// A broken store degrades to computing every time.
		logger.L(ctx).Warn("Dashboard cache read failed", zap.String("key", storeKey), zap.Error(err))
		previous = nil
	}

	if previous != nil && previous.FreshAt(now) {
		c.metrics.RecordCacheLookup(ctx, telemetry.CacheHit)
		c.touch(storeKey, key, previous.ExpiresAt, now)
		telemetry.SetAttributes(span, "cache.result", string(telemetry.CacheHit))
		return Result{Metrics: previous.Metrics, ComputedAt: previous.ComputedAt}, nil
	}

	ch := c.group.DoChan(storeKey, func() (interface{}, error) {
		return c.compute(context.WithoutCancel(ctx), key, storeKey)
	})

	var staleTimer <-chan time.Time
	if previous != nil && c.config.StaleWait > 0 {
		t := time.NewTimer(c.config.StaleWait)
		defer t.Stop()
		staleTimer = t.C
	}

	select {
	case r := <-ch:
		if r.Err != nil {
			telemetry.RecordError(span, r.Err)
			return Result{}, r.Err
		}
		entry := r.Val.(dashboard.Entry)
		c.metrics.RecordCacheLookup(ctx, telemetry.CacheMiss)
		c.touch(storeKey, key, entry.ExpiresAt, now)
		telemetry.SetAttributes(span, "cache.result", string(telemetry.CacheMiss))
		return Result{Metrics: entry.Metrics, ComputedAt: entry.ComputedAt}, nil
	case <-staleTimer:
		c.metrics.RecordCacheLookup(ctx, telemetry.CacheStale)
		c.touch(storeKey, key, previous.ExpiresAt, now)
		telemetry.SetAttributes(span, "cache.result", string(telemetry.CacheStale))
		return Result{Metrics: previous.Metrics, ComputedAt: previous.ComputedAt, Stale: true}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Refresh recomputes and stores the metrics of subjectID for bucket,
// joining a computation already in flight for the same key.
func (c *Cache) Refresh(ctx context.Context, subjectID uuid.UUID, bucket dashboard.Bucket) (dashboard.Metrics, error) {
	key, err := c.keyFor(ctx, subjectID, bucket)
	if err != nil {
		return dashboard.Metrics{}, err
	}
	storeKey := key.String(c.config.KeyPrefix)
	v, err, _ := c.group.Do(storeKey, func() (interface{}, error) {
		return c.compute(context.WithoutCancel(ctx), key, storeKey)
	})
	if err != nil {
		return dashboard.Metrics{}, err
	}
	entry := v.(dashboard.Entry)
	c.mu.Lock()
	if h, ok := c.hot[storeKey]; ok {
		h.expiresAt = entry.ExpiresAt
	}
	c.mu.Unlock()
	return entry.Metrics, nil
}

// Invalidate drops the cached metrics of subjectID for bucket
func (c *Cache) Invalidate(ctx context.Context, subjectID uuid.UUID, bucket dashboard.Bucket) error {
	key, err := c.keyFor(ctx, subjectID, bucket)
	if err != nil {
		return err
	}
	storeKey := key.String(c.config.KeyPrefix)
	c.mu.Lock()
	delete(c.hot, storeKey)
	c.mu.Unlock()
	return c.store.Delete(ctx, storeKey)
}

// RefreshHot recomputes recently read keys that expire within
// RefreshAhead, each under its own tenant. Keys not read for a full entry
// lifetime are forgotten. ctx must not be a system context.
func (c *Cache) RefreshHot(ctx context.Context) (int, error) {
	now := c.now()
	horizon := now.Add(c.config.RefreshAhead)
	idle := c.config.TTL + c.config.StaleGrace

	var due []dashboard.Key
	c.mu.Lock()
	for storeKey, h := range c.hot {
		if now.Sub(h.lastAccess) > idle {
			delete(c.hot, storeKey)
			continue
		}
		if h.expiresAt.Before(horizon) {
			due = append(due, h.key)
		}
	}
	c.mu.Unlock()

	var errs []error
	refreshed := 0
	for _, k := range due {
		if err := ctx.Err(); err != nil {
			return refreshed, err
		}
		if _, err := c.Refresh(auth.WithTenant(ctx, k.TenantID), k.SubjectID, k.Bucket); err != nil {
			errs = append(errs, fmt.Errorf("refresh %s: %w", k.String(c.config.KeyPrefix), err))
			continue
		}
		refreshed++
	}
	if refreshed > 0 {
		c.logger.Debug("Refreshed hot dashboard keys", zap.Int("refreshed", refreshed), zap.Int("due", len(due)))
	}
	return refreshed, errors.Join(errs...)
}

// HotKeys returns the number of tracked keys
func (c *Cache) HotKeys() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hot)
}

func (c *Cache) keyFor(ctx context.Context, subjectID uuid.UUID, bucket dashboard.Bucket) (dashboard.Key, error) {
	// A system context would aggregate across every tenant.
	if auth.IsSystem(ctx) {
		return dashboard.Key{}, fmt.Errorf("dashboard metrics need a tenant principal: %w", shared.ErrTenantContextMissing)
	}
	tenantID, err := auth.ResolveTenant(ctx)
	if err != nil {
		return dashboard.Key{}, err
	}
	if subjectID == uuid.Nil {
		return dashboard.Key{}, fmt.Errorf("subject id is required: %w", shared.ErrInvalidInput)
	}
	if bucket.IsZero() {
		bucket = dashboard.BucketOf(c.now())
	}
	return dashboard.Key{TenantID: tenantID, SubjectID: subjectID, Bucket: bucket}, nil
}

func (c *Cache) compute(ctx context.Context, key dashboard.Key, storeKey string) (dashboard.Entry, error) {
	ctx, span := telemetry.StartSpan(ctx, "dashboard.compute",
		telemetry.WithAttribute(telemetry.SpanAttrTenantID, key.TenantID),
		telemetry.WithAttribute(telemetry.SpanAttrSubjectID, key.SubjectID),
		telemetry.WithAttribute(telemetry.SpanAttrBucket, key.Bucket.String()),
	)
	defer span.End()

	start := time.Now()
	m, err := c.source.Compute(ctx, key.SubjectID, key.Bucket, c.config.CutoffPolicy)
	c.metrics.RecordComputation(ctx, time.Since(start), err)
	if err != nil {
		telemetry.RecordError(span, err)
		return dashboard.Entry{}, fmt.Errorf("compute dashboard metrics: %w", err)
	}

	now := c.now()
	entry := dashboard.Entry{Metrics: m, ComputedAt: now, ExpiresAt: now.Add(c.config.TTL)}
	if err := c.store.Set(ctx, storeKey, entry, c.config.TTL+c.config.StaleGrace); err != nil {
		logger.L(ctx).Warn("Dashboard cache write failed", zap.String("key", storeKey), zap.Error(err))
	}
	telemetry.SetOK(span)
	return entry, nil
}

func (c *Cache) touch(storeKey string, key dashboard.Key, expiresAt, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.hot[storeKey]
	if !ok {
		h = &hotKey{key: key}
		c.hot[storeKey] = h
	}
	h.expiresAt = expiresAt
	h.lastAccess = now
}
