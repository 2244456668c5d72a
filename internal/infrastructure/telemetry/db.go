package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DBConfig holds configuration for database instrumentation.
type DBConfig struct {
	TraceEnabled       bool          // wrap statements in otelgorm spans
	LogFullSQL         bool          // keep bound variables in span statements (dev only)
	SlowQueryThreshold time.Duration // default 200ms
	PoolStatsInterval  time.Duration // default 15s
}

const dbStartKey = "telemetry:start"

// DBPlugin is a gorm.Plugin that records statement latency, errors and slow
// statements, and optionally traces every statement with otelgorm.
type DBPlugin struct {
	cfg    DBConfig
	logger *zap.Logger

	queryDuration *Histogram
	queryErrors   *Counter
	slowQueries   *Counter
	poolConns     *Gauge

	sqlDB    *sql.DB
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDBPlugin creates the plugin's instruments on meter.
func NewDBPlugin(meter metric.Meter, cfg DBConfig, logger *zap.Logger) (*DBPlugin, error) {
	if meter == nil {
		return nil, &MetricsError{Op: "NewDBPlugin", Err: "meter cannot be nil"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SlowQueryThreshold <= 0 {
		cfg.SlowQueryThreshold = 200 * time.Millisecond
	}
	if cfg.PoolStatsInterval <= 0 {
		cfg.PoolStatsInterval = 15 * time.Second
	}

	p := &DBPlugin{cfg: cfg, logger: logger, stopCh: make(chan struct{})}

	var err error
	if p.queryDuration, err = NewHistogram(meter, Instrument{
		Name:        "saas_db_query_duration_seconds",
		Description: "Database statement latency",
		Unit:        "s",
		Buckets:     LatencyBuckets,
	}); err != nil {
		return nil, err
	}
	if p.queryErrors, err = NewCounter(meter, Instrument{
		Name: "saas_db_query_errors_total", Description: "Database statements that returned an error", Unit: "{query}",
	}); err != nil {
		return nil, err
	}
	if p.slowQueries, err = NewCounter(meter, Instrument{
		Name: "saas_db_slow_query_total", Description: "Database statements slower than the threshold", Unit: "{query}",
	}); err != nil {
		return nil, err
	}
	if p.poolConns, err = NewGauge(meter, Instrument{
		Name: "saas_db_pool_connections", Description: "Connections in the pool by state", Unit: "{connection}",
	}); err != nil {
		return nil, err
	}
	return p, nil
}

// Name implements gorm.Plugin
func (p *DBPlugin) Name() string {
	return "telemetry:db"
}

// Initialize implements gorm.Plugin
func (p *DBPlugin) Initialize(db *gorm.DB) error {
	if p.cfg.TraceEnabled {
		opts := []otelgorm.Option{otelgorm.WithDBName("postgresql")}
		if !p.cfg.LogFullSQL {
			opts = append(opts, otelgorm.WithoutQueryVariables())
		}
		if err := db.Use(otelgorm.NewPlugin(opts...)); err != nil {
			return err
		}
	}

	cb := db.Callback()
	if err := errors.Join(
		cb.Create().Before("gorm:create").Register("telemetry:before_create", p.before),
		cb.Query().Before("gorm:query").Register("telemetry:before_query", p.before),
		cb.Update().Before("gorm:update").Register("telemetry:before_update", p.before),
		cb.Delete().Before("gorm:delete").Register("telemetry:before_delete", p.before),
		cb.Row().Before("gorm:row").Register("telemetry:before_row", p.before),
		cb.Raw().Before("gorm:raw").Register("telemetry:before_raw", p.before),
		cb.Create().After("gorm:create").Register("telemetry:after_create", p.after("create")),
		cb.Query().After("gorm:query").Register("telemetry:after_query", p.after("query")),
		cb.Update().After("gorm:update").Register("telemetry:after_update", p.after("update")),
		cb.Delete().After("gorm:delete").Register("telemetry:after_delete", p.after("delete")),
		cb.Row().After("gorm:row").Register("telemetry:after_row", p.after("row")),
		cb.Raw().After("gorm:raw").Register("telemetry:after_raw", p.after("raw")),
	); err != nil {
		return err
	}

	sqlDB, err := db.DB()
	if err == nil {
		p.sqlDB = sqlDB
	}

	p.logger.Info("Database instrumentation enabled",
		zap.Bool("tracing", p.cfg.TraceEnabled),
		zap.Duration("slow_query_threshold", p.cfg.SlowQueryThreshold),
	)
	return nil
}

func (p *DBPlugin) before(db *gorm.DB) {
	db.InstanceSet(dbStartKey, time.Now())
}

func (p *DBPlugin) after(operation string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		v, ok := db.InstanceGet(dbStartKey)
		if !ok {
			return
		}
		start, ok := v.(time.Time)
		if !ok {
			return
		}
		elapsed := time.Since(start)

		ctx := db.Statement.Context
		if ctx == nil {
			ctx = context.Background()
		}
		attrs := []attribute.KeyValue{
			AttrDBOperation.String(operation),
			AttrDBTable.String(db.Statement.Table),
		}

		p.queryDuration.Observe(ctx, elapsed, attrs...)
		if db.Error != nil && !errors.Is(db.Error, gorm.ErrRecordNotFound) {
			p.queryErrors.Inc(ctx, attrs...)
		}

		if elapsed > p.cfg.SlowQueryThreshold {
			p.slowQueries.Inc(ctx, attrs...)
			AddEvent(trace.SpanFromContext(ctx), "slow_query",
				"duration_ms", elapsed.Milliseconds(),
				"threshold_ms", p.cfg.SlowQueryThreshold.Milliseconds(),
			)
		}
	}
}

// StartPoolStatsCollection samples the connection pool until Stop is
// called or ctx ends.
func (p *DBPlugin) StartPoolStatsCollection(ctx context.Context) {
	if p.sqlDB == nil {
		p.logger.Warn("Database pool stats unavailable: plugin not initialized")
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.PoolStatsInterval)
		defer ticker.Stop()

		p.collectPoolStats(ctx)
		for {
			select {
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.collectPoolStats(ctx)
			}
		}
	}()
}

func (p *DBPlugin) collectPoolStats(ctx context.Context) {
	stats := p.sqlDB.Stats()
	p.poolConns.Set(ctx, int64(stats.InUse), AttrDBState.String("in_use"))
	p.poolConns.Set(ctx, int64(stats.Idle), AttrDBState.String("idle"))
	p.poolConns.Set(ctx, int64(stats.MaxOpenConnections), AttrDBState.String("max"))
}

// Stop ends pool stats collection. Safe to call more than once.
func (p *DBPlugin) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()
}
