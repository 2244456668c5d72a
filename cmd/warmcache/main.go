package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	dashboardapp "github.com/saas/backend/internal/application/dashboard"
	"github.com/saas/backend/internal/domain/dashboard"
	"github.com/saas/backend/internal/infrastructure/cache"
	"github.com/saas/backend/internal/infrastructure/config"
	"github.com/saas/backend/internal/infrastructure/logger"
	"github.com/saas/backend/internal/infrastructure/persistence"
	"go.uber.org/zap"
)

// warmcache runs one dashboard cache warm pass over every branch of every
// tenant. Scheduling it is left to the caller (cron, k8s CronJob).
func main() {
	var (
		bucketFlag string
		logLevel   string
		timeout    time.Duration
	)
	flag.StringVar(&bucketFlag, "bucket", "", "Month to warm as YYYY-MM (default: current month)")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.DurationVar(&timeout, "timeout", 10*time.Minute, "Abort the pass after this long")
	flag.Parse()

	log, err := logger.New(&logger.Config{
		Level:  logLevel,
		Format: "console",
		Output: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = log.Sync()
	}()

	bucket := dashboard.BucketOf(time.Now())
	if bucketFlag != "" {
		if bucket, err = dashboard.ParseBucket(bucketFlag); err != nil {
			log.Fatal("Invalid bucket", zap.Error(err))
		}
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	db, err := persistence.NewDatabase(&cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		_ = db.Close()
	}()
	tdb, err := db.Scope()
	if err != nil {
		log.Fatal("Failed to install tenant scope", zap.Error(err))
	}

	stores, err := cache.NewFactory(cfg.Redis,
		cache.WithLogger(log),
		// warming a process-local cache is pointless
		cache.WithInMemoryFallback(false),
	).Open(ctx)
	if err != nil {
		log.Fatal("Failed to open cache stores", zap.Error(err))
	}
	defer func() {
		_ = stores.Close()
	}()
	if !stores.Shared {
		log.Warn("Redis is not configured, warmed entries are discarded on exit")
	}

	source := persistence.NewGormMetricsSource(tdb)
	metricsCache := dashboardapp.NewCache(source, stores.Metrics, dashboardapp.Config{
		TTL:          cfg.Cache.TTL,
		StaleGrace:   cfg.Cache.StaleGrace,
		KeyPrefix:    cfg.Cache.KeyPrefix,
		CutoffPolicy: dashboard.CutoffPolicy(cfg.Cache.CutoffPolicy),
		WarmWorkers:  cfg.Cache.WarmWorkers,
	}, log)

	report, err := dashboardapp.NewWarmer(metricsCache, source, log).WarmAll(ctx, bucket)
	if err != nil {
		log.Fatal("Dashboard warm failed", zap.Error(err))
	}
	if report.Failed > 0 {
		log.Warn("Dashboard warm finished with failures", zap.Int("failed", report.Failed))
		os.Exit(2)
	}
}
