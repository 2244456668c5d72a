package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instrument names and documents one metric
type Instrument struct {
	Name        string
	Description string
	Unit        string
	// Buckets are explicit histogram boundaries; ignored by counters and gauges
	Buckets []float64
}

// Counter is a monotonically increasing int64 metric
type Counter struct {
	c metric.Int64Counter
}

// NewCounter registers a counter on meter
func NewCounter(meter metric.Meter, in Instrument) (*Counter, error) {
	c, err := meter.Int64Counter(in.Name, metric.WithDescription(in.Description), metric.WithUnit(in.Unit))
	if err != nil {
		return nil, fmt.Errorf("counter %s: %w", in.Name, err)
	}
	return &Counter{c: c}, nil
}

// Inc adds one
func (c *Counter) Inc(ctx context.Context, attrs ...attribute.KeyValue) {
	c.Add(ctx, 1, attrs...)
}

// Add adds n
func (c *Counter) Add(ctx context.Context, n int64, attrs ...attribute.KeyValue) {
	c.c.Add(ctx, n, metric.WithAttributes(attrs...))
}

// Histogram records durations in seconds
type Histogram struct {
	h metric.Float64Histogram
}

// NewHistogram registers a histogram on meter
func NewHistogram(meter metric.Meter, in Instrument) (*Histogram, error) {
	opts := []metric.Float64HistogramOption{
		metric.WithDescription(in.Description),
		metric.WithUnit(in.Unit),
	}
	if len(in.Buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(in.Buckets...))
	}
	h, err := meter.Float64Histogram(in.Name, opts...)
	if err != nil {
		return nil, fmt.Errorf("histogram %s: %w", in.Name, err)
	}
	return &Histogram{h: h}, nil
}

// Observe records d
func (h *Histogram) Observe(ctx context.Context, d time.Duration, attrs ...attribute.KeyValue) {
	h.h.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

// Gauge is a last-value int64 metric
type Gauge struct {
	g metric.Int64Gauge
}

// NewGauge registers a gauge on meter
func NewGauge(meter metric.Meter, in Instrument) (*Gauge, error) {
	g, err := meter.Int64Gauge(in.Name, metric.WithDescription(in.Description), metric.WithUnit(in.Unit))
	if err != nil {
		return nil, fmt.Errorf("gauge %s: %w", in.Name, err)
	}
	return &Gauge{g: g}, nil
}

// Set records the current value
func (g *Gauge) Set(ctx context.Context, v int64, attrs ...attribute.KeyValue) {
	g.g.Record(ctx, v, metric.WithAttributes(attrs...))
}

// Attribute keys shared by the engine's metrics
var (
	AttrDBOperation = attribute.Key("db.operation")
	AttrDBTable     = attribute.Key("db.table")
	AttrDBState     = attribute.Key("db.pool.state")

	AttrLane        = attribute.Key("lane")
	AttrOutcome     = attribute.Key("outcome")
	AttrCacheResult = attribute.Key("cache.result")
	AttrExhausted   = attribute.Key("exhausted")
)

// LatencyBuckets covers single statements up to a transaction that waited
// out its lock timeout.
var LatencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
