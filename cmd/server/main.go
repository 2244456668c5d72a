package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	balanceapp "github.com/saas/backend/internal/application/balance"
	dashboardapp "github.com/saas/backend/internal/application/dashboard"
	"github.com/saas/backend/internal/domain/dashboard"
	"github.com/saas/backend/internal/domain/mutation"
	"github.com/saas/backend/internal/infrastructure/auth"
	"github.com/saas/backend/internal/infrastructure/cache"
	"github.com/saas/backend/internal/infrastructure/config"
	"github.com/saas/backend/internal/infrastructure/logger"
	"github.com/saas/backend/internal/infrastructure/migration"
	"github.com/saas/backend/internal/infrastructure/partition"
	"github.com/saas/backend/internal/infrastructure/persistence"
	"github.com/saas/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = log.Sync()
	}()

	log.Info("Starting mutation engine",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry
	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
		MetricsInterval:   cfg.Telemetry.MetricsInterval,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.Error("Error shutting down telemetry", zap.Error(err))
		}
	}()
	meter := tp.Meter(telemetry.TracerName)

	// Schema
	if cfg.Database.MigrateOnStart {
		if err := migration.Run(cfg.Database.DSN(), log); err != nil {
			log.Fatal("Failed to migrate database", zap.Error(err))
		}
	}

	// Database
	db, err := persistence.NewDatabase(&cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()

	dbPlugin, err := telemetry.NewDBPlugin(meter, telemetry.DBConfig{
		TraceEnabled:       cfg.Telemetry.Enabled && cfg.Telemetry.DBTraceEnabled,
		LogFullSQL:         cfg.Telemetry.DBLogFullSQL,
		SlowQueryThreshold: cfg.Telemetry.DBSlowQueryThresh,
	}, log)
	if err != nil {
		log.Fatal("Failed to create database instrumentation", zap.Error(err))
	}
	if err := db.DB.Use(dbPlugin); err != nil {
		log.Fatal("Failed to install database instrumentation", zap.Error(err))
	}
	dbPlugin.StartPoolStatsCollection(ctx)
	defer dbPlugin.Stop()

	tdb, err := db.Scope()
	if err != nil {
		log.Fatal("Failed to install tenant scope", zap.Error(err))
	}
	log.Info("Database connected successfully")

	engineMetrics, err := telemetry.NewEngineMetrics(telemetry.EngineMetricsConfig{Meter: meter, Logger: log})
	if err != nil {
		log.Fatal("Failed to create engine metrics", zap.Error(err))
	}
	defer engineMetrics.Stop()

	// Cache stores (Redis, in-memory fallback)
	stores, err := cache.NewFactory(cfg.Redis, cache.WithLogger(log)).Open(ctx)
	if err != nil {
		log.Fatal("Failed to open cache stores", zap.Error(err))
	}
	defer func() {
		if err := stores.Close(); err != nil {
			log.Error("Error closing cache stores", zap.Error(err))
		}
	}()

	// Repositories
	mutationRepo := persistence.NewGormMutationRepository(tdb)
	userRepo := persistence.NewGormUserRepository(tdb)
	balanceStore := persistence.NewBalanceStore(tdb, cfg.Mutation.LockTimeout)

	// Dispatcher. The dead-letter handler needs the service built on top of
	// the dispatcher.
	var balanceService *balanceapp.Service
	dispatcher := partition.NewDispatcher(partition.Config{
		LaneCount:       cfg.Mutation.LaneCount,
		IdleLaneTimeout: cfg.Mutation.IdleLaneTimeout,
		MaxRetries:      cfg.Mutation.MaxRetries,
		BaseBackoff:     cfg.Mutation.BaseBackoff,
		MaxBackoff:      cfg.Mutation.MaxBackoff,
		TxTimeout:       cfg.Mutation.TxTimeout,
		DrainOnShutdown: cfg.Mutation.DrainOnShutdown,
		PollInterval:    cfg.Mutation.PollInterval,
		PollBatch:       cfg.Mutation.PollBatch,
	}, balanceStore, mutationRepo, log,
		partition.WithMetrics(engineMetrics),
		partition.WithDeadLetterHandler(func(ctx context.Context, fe *mutation.FailedError) {
			balanceService.HandleDeadLetter(ctx, fe)
		}),
	)
	balanceService = balanceapp.NewService(mutationRepo, userRepo, dispatcher, stores.Idempotency, balanceapp.Config{
		DedupTTL:  cfg.Mutation.DedupTTL,
		Retention: cfg.Mutation.Retention,
	}, log)

	metricsCache := dashboardapp.NewCache(persistence.NewGormMetricsSource(tdb), stores.Metrics, dashboardapp.Config{
		TTL:          cfg.Cache.TTL,
		StaleGrace:   cfg.Cache.StaleGrace,
		StaleWait:    cfg.Cache.StaleWait,
		RefreshAhead: cfg.Cache.RefreshAhead,
		KeyPrefix:    cfg.Cache.KeyPrefix,
		CutoffPolicy: dashboard.CutoffPolicy(cfg.Cache.CutoffPolicy),
		WarmWorkers:  cfg.Cache.WarmWorkers,
	}, log, dashboardapp.WithMetrics(engineMetrics))

	if err := dispatcher.Start(ctx); err != nil {
		log.Fatal("Failed to start dispatcher", zap.Error(err))
	}
	engineMetrics.StartPeriodicCollection(ctx, dispatcher, cfg.Telemetry.MetricsInterval)

	go runMaintenance(ctx, log, balanceService, metricsCache, cfg)

	log.Info("Mutation engine running", zap.Bool("shared_cache", stores.Shared))
	<-ctx.Done()
	log.Info("Shutting down mutation engine...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		log.Error("Dispatcher stopped with error", zap.Error(err))
	}
	stats := dispatcher.Stats()
	log.Info("Mutation engine exited",
		zap.Int64("applied", stats.Applied),
		zap.Int64("dead", stats.Dead),
		zap.Int64("discarded", stats.Discarded),
	)
}

// runMaintenance refreshes hot dashboard keys ahead of expiry and purges
// finished mutations past retention.
func runMaintenance(ctx context.Context, log *zap.Logger, balances *balanceapp.Service, metrics *dashboardapp.Cache, cfg *config.Config) {
	refreshEvery := cfg.Cache.RefreshAhead / 2
	if refreshEvery < time.Second {
		refreshEvery = time.Second
	}
	refresh := time.NewTicker(refreshEvery)
	defer refresh.Stop()
	purge := time.NewTicker(time.Hour)
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh.C:
			if _, err := metrics.RefreshHot(ctx); err != nil {
				log.Warn("Hot dashboard refresh failed", zap.Error(err))
			}
		case <-purge.C:
			sysCtx := auth.AsSystem(ctx, "mutation retention")
			if _, err := balances.PurgeApplied(sysCtx, cfg.Mutation.Retention); err != nil {
				log.Warn("Mutation retention purge failed", zap.Error(err))
			}
		}
	}
}
