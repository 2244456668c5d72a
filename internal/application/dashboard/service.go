package dashboard

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/saas/backend/internal/domain/dashboard"
	"github.com/saas/backend/internal/infrastructure/auth"
	"github.com/saas/backend/internal/infrastructure/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Service is the read boundary for dashboard metrics
type Service struct {
	cache *Cache
}

// NewService creates a new dashboard service
func NewService(cache *Cache) *Service {
	return &Service{cache: cache}
}

// GetMetrics returns the acting tenant's metrics for subjectID. A zero
// bucket means the current month.
func (s *Service) GetMetrics(ctx context.Context, subjectID uuid.UUID, bucket dashboard.Bucket) (dashboard.Metrics, error) {
	return s.cache.GetOrCompute(ctx, subjectID, bucket)
}

// WarmReport summarizes one WarmAll pass
type WarmReport struct {
	Subjects  int
	Refreshed int
	Failed    int
}

// Warmer precomputes the metrics of every subject of every tenant
type Warmer struct {
	cache  *Cache
	lister dashboard.SubjectLister
	logger *zap.Logger
}

// NewWarmer creates a warmer refreshing through cache
func NewWarmer(cache *Cache, lister dashboard.SubjectLister, logger *zap.Logger) *Warmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Warmer{cache: cache, lister: lister, logger: logger}
}

// WarmAll refreshes bucket for every subject with at most WarmWorkers
// concurrent computations. Only enumeration runs with a system context;
// every computation runs under the subject's tenant. A failing subject does
// not stop the others.
func (w *Warmer) WarmAll(ctx context.Context, bucket dashboard.Bucket) (WarmReport, error) {
	subjects, err := w.lister.ListSubjects(auth.AsSystem(ctx, "dashboard cache warm"))
	if err != nil {
		return WarmReport{}, err
	}

	var refreshed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cache.Config().WarmWorkers)

	for _, s := range subjects {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			tctx := auth.WithTenant(gctx, s.TenantID)
			if _, err := w.cache.Refresh(tctx, s.SubjectID, bucket); err != nil {
				failed.Add(1)
				logger.L(tctx).Warn("Dashboard warm failed",
					zap.String("subject_id", s.SubjectID.String()),
					zap.Error(err),
				)
				return nil
			}
			refreshed.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return WarmReport{}, err
	}

	report := WarmReport{
		Subjects:  len(subjects),
		Refreshed: int(refreshed.Load()),
		Failed:    int(failed.Load()),
	}
	w.logger.Info("Dashboard cache warmed",
		zap.String("bucket", bucket.String()),
		zap.Int("subjects", report.Subjects),
		zap.Int("refreshed", report.Refreshed),
		zap.Int("failed", report.Failed),
	)
	return report, ctx.Err()
}
