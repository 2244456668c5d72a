package telemetry_test

import (
	"context"
	"testing"
	"time"

	"github.com/saas/backend/internal/infrastructure/telemetry"
	"github.com/saas/backend/tests/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"
)

type widget struct {
	ID   uint `gorm:"primaryKey"`
	Name string
}

func TestNewDBPlugin_NilMeter(t *testing.T) {
	_, err := telemetry.NewDBPlugin(nil, telemetry.DBConfig{}, nil)
	require.Error(t, err)
}

func TestDBPlugin_RecordsStatements(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	db := testutil.NewSQLiteDB(t)
	plugin, err := telemetry.NewDBPlugin(provider.Meter("test"), telemetry.DBConfig{
		SlowQueryThreshold: time.Nanosecond,
		PoolStatsInterval:  time.Hour,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, db.Use(plugin))
	require.NoError(t, db.AutoMigrate(&widget{}))

	ctx := context.Background()
	require.NoError(t, db.WithContext(ctx).Create(&widget{Name: "a"}).Error)
	var got []widget
	require.NoError(t, db.WithContext(ctx).Find(&got).Error)
	assert.Error(t, db.WithContext(ctx).Table("missing_table").Find(&got).Error)

	plugin.StartPoolStatsCollection(ctx)
	plugin.Stop()
	plugin.Stop()

	data := collect(t, reader)

	hist, ok := data["saas_db_query_duration_seconds"].(metricdata.Histogram[float64])
	require.True(t, ok)
	var statements uint64
	for _, dp := range hist.DataPoints {
		statements += dp.Count
	}
	assert.GreaterOrEqual(t, statements, uint64(3))

	errs, ok := data["saas_db_query_errors_total"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, errs.DataPoints, 1)
	assert.Equal(t, int64(1), errs.DataPoints[0].Value)

	slow, ok := data["saas_db_slow_query_total"].(metricdata.Sum[int64])
	require.True(t, ok)
	assert.NotEmpty(t, slow.DataPoints)

	_, ok = data["saas_db_pool_connections"].(metricdata.Gauge[int64])
	assert.True(t, ok)
}
