package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// EngineMetrics tracks the mutation dispatcher and the dashboard cache.
// A nil *EngineMetrics is valid and records nothing.
type EngineMetrics struct {
	meter  metric.Meter
	logger *zap.Logger

	mutationsApplied   *Counter
	mutationsRetried   *Counter
	mutationsDead      *Counter
	mutationsCancelled *Counter
	applyDuration      *Histogram

	cacheLookups      *Counter
	cacheComputations *Counter
	computeDuration   *Histogram

	queuedMutations *Gauge
	activeLanes     *Gauge

	stopChan    chan struct{}
	stopOnce    sync.Once
	collectOnce sync.Once
}

// DispatcherStats is the point-in-time state sampled by the periodic
// collector.
type DispatcherStats struct {
	Lanes  int
	Queued int
}

// StatsProvider reports dispatcher state for gauge collection
type StatsProvider interface {
	GaugeStats() DispatcherStats
}

// EngineMetricsConfig holds configuration for engine metrics.
type EngineMetricsConfig struct {
	Meter  metric.Meter
	Logger *zap.Logger
}

// NewEngineMetrics creates a new EngineMetrics instance.
func NewEngineMetrics(cfg EngineMetricsConfig) (*EngineMetrics, error) {
	if cfg.Meter == nil {
		return nil, ErrMeterNil
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	em := &EngineMetrics{
		meter:    cfg.Meter,
		logger:   logger,
		stopChan: make(chan struct{}),
	}

	var err error

	// Mutation metrics
	if em.mutationsApplied, err = NewCounter(cfg.Meter, Instrument{
		Name: "saas_mutations_applied_total", Description: "Mutations committed by the dispatcher", Unit: "{mutations}",
	}); err != nil {
		return nil, err
	}
	if em.mutationsRetried, err = NewCounter(cfg.Meter, Instrument{
		Name: "saas_mutations_retried_total", Description: "Mutation attempts that failed transiently and were retried", Unit: "{attempts}",
	}); err != nil {
		return nil, err
	}
	if em.mutationsDead, err = NewCounter(cfg.Meter, Instrument{
		Name: "saas_mutations_dead_total", Description: "Mutations set aside as dead letters", Unit: "{mutations}",
	}); err != nil {
		return nil, err
	}
	if em.mutationsCancelled, err = NewCounter(cfg.Meter, Instrument{
		Name: "saas_mutations_cancelled_total", Description: "Queued mutations cancelled before execution", Unit: "{mutations}",
	}); err != nil {
		return nil, err
	}
	if em.applyDuration, err = NewHistogram(cfg.Meter, Instrument{
		Name:        "saas_mutation_apply_duration_seconds",
		Description: "Duration of one mutation transaction",
		Unit:        "s",
		Buckets:     LatencyBuckets,
	}); err != nil {
		return nil, err
	}

	// Cache metrics
	if em.cacheLookups, err = NewCounter(cfg.Meter, Instrument{
		Name: "saas_dashboard_cache_lookups_total", Description: "Dashboard cache lookups by result", Unit: "{lookups}",
	}); err != nil {
		return nil, err
	}
	if em.cacheComputations, err = NewCounter(cfg.Meter, Instrument{
		Name: "saas_dashboard_computations_total", Description: "Dashboard metric computations", Unit: "{computations}",
	}); err != nil {
		return nil, err
	}
	if em.computeDuration, err = NewHistogram(cfg.Meter, Instrument{
		Name:        "saas_dashboard_compute_duration_seconds",
		Description: "Duration of one dashboard metric computation",
		Unit:        "s",
		Buckets:     LatencyBuckets,
	}); err != nil {
		return nil, err
	}

	// Gauges
	if em.queuedMutations, err = NewGauge(cfg.Meter, Instrument{
		Name: "saas_mutations_queued", Description: "Mutations waiting in dispatcher lanes", Unit: "{mutations}",
	}); err != nil {
		return nil, err
	}
	if em.activeLanes, err = NewGauge(cfg.Meter, Instrument{
		Name: "saas_mutation_lanes", Description: "Active dispatcher lanes", Unit: "{lanes}",
	}); err != nil {
		return nil, err
	}

	return em, nil
}

// =============================================================================
// Mutation Metrics
// =============================================================================

// RecordApplied records a committed mutation and its transaction duration.
func (em *EngineMetrics) RecordApplied(ctx context.Context, lane string, d time.Duration) {
	if em == nil {
		return
	}
	em.mutationsApplied.Inc(ctx, AttrLane.String(lane))
	em.applyDuration.Observe(ctx, d, AttrOutcome.String("applied"))
}

// RecordRetry records a transient failure that will be retried.
func (em *EngineMetrics) RecordRetry(ctx context.Context, lane string) {
	if em == nil {
		return
	}
	em.mutationsRetried.Inc(ctx, AttrLane.String(lane))
}

// RecordDead records a dead-lettered mutation.
func (em *EngineMetrics) RecordDead(ctx context.Context, lane string, exhausted bool) {
	if em == nil {
		return
	}
	em.mutationsDead.Inc(ctx, AttrLane.String(lane), AttrExhausted.Bool(exhausted))
}

// RecordCancelled records a cancelled mutation.
func (em *EngineMetrics) RecordCancelled(ctx context.Context) {
	if em == nil {
		return
	}
	em.mutationsCancelled.Inc(ctx)
}

// =============================================================================
// Cache Metrics
// =============================================================================

// CacheResult labels a cache lookup.
type CacheResult string

const (
	CacheHit   CacheResult = "hit"
	CacheMiss  CacheResult = "miss"
	CacheStale CacheResult = "stale"
)

// RecordCacheLookup records the outcome of a dashboard cache lookup.
func (em *EngineMetrics) RecordCacheLookup(ctx context.Context, result CacheResult) {
	if em == nil {
		return
	}
	em.cacheLookups.Inc(ctx, AttrCacheResult.String(string(result)))
}

// RecordComputation records one dashboard computation.
func (em *EngineMetrics) RecordComputation(ctx context.Context, d time.Duration, err error) {
	if em == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	em.cacheComputations.Inc(ctx, AttrOutcome.String(outcome))
	em.computeDuration.Observe(ctx, d, AttrOutcome.String(outcome))
}

// =============================================================================
// Periodic Collection
// =============================================================================

// StartPeriodicCollection samples provider every interval into the queue
// gauges. It is non-blocking; use Stop to end collection.
func (em *EngineMetrics) StartPeriodicCollection(ctx context.Context, provider StatsProvider, interval time.Duration) {
	if em == nil || provider == nil {
		return
	}
	em.collectOnce.Do(func() {
		if interval <= 0 {
			interval = 15 * time.Second
		}
		go em.runPeriodicCollection(ctx, provider, interval)
	})
}

func (em *EngineMetrics) runPeriodicCollection(ctx context.Context, provider StatsProvider, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	em.collect(ctx, provider)

	for {
		select {
		case <-em.stopChan:
			em.logger.Info("Stopping periodic engine metrics collection")
			return
		case <-ctx.Done():
			em.logger.Info("Context cancelled, stopping periodic engine metrics collection")
			return
		case <-ticker.C:
			em.collect(ctx, provider)
		}
	}
}

func (em *EngineMetrics) collect(ctx context.Context, provider StatsProvider) {
	stats := provider.GaugeStats()
	em.queuedMutations.Set(ctx, int64(stats.Queued))
	em.activeLanes.Set(ctx, int64(stats.Lanes))
}

// Stop stops the periodic collection.
func (em *EngineMetrics) Stop() {
	if em == nil {
		return
	}
	em.stopOnce.Do(func() {
		close(em.stopChan)
	})
}

// =============================================================================
// Error Types
// =============================================================================

// ErrMeterNil is returned when meter is nil.
var ErrMeterNil = &MetricsError{Op: "NewEngineMetrics", Err: "meter cannot be nil"}

// MetricsError represents a metrics-related error.
type MetricsError struct {
	Op  string
	Err string
}

func (e *MetricsError) Error() string {
	return e.Op + ": " + e.Err
}
