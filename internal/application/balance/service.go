// Package balance accepts balance mutations and exposes their lifecycle.
package balance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/saas/backend/internal/domain/identity"
	"github.com/saas/backend/internal/domain/mutation"
	"github.com/saas/backend/internal/domain/shared"
	"github.com/saas/backend/internal/infrastructure/auth"
	"github.com/saas/backend/internal/infrastructure/logger"
	"github.com/saas/backend/internal/infrastructure/partition"
	"github.com/saas/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// Queue is the ordered executor behind the service, satisfied by
// *partition.Dispatcher
type Queue interface {
	Submit(ctx context.Context, m *mutation.Mutation) (*partition.Ticket, error)
	Cancel(ctx context.Context, mutationID uuid.UUID) error
	Router() *partition.Router
}

// Config tunes the service
type Config struct {
	DedupTTL  time.Duration // lifetime of idempotency keys
	Retention time.Duration // default age for PurgeApplied
}

// Service is the inbound boundary for balance mutations
type Service struct {
	repo   mutation.Repository
	users  identity.UserRepository
	queue  Queue
	dedup  shared.IdempotencyStore
	config Config
	logger *zap.Logger
}

// NewService creates a new balance service. dedup may be nil, in which case
// idempotency keys are stored but not enforced.
func NewService(
	repo mutation.Repository,
	users identity.UserRepository,
	queue Queue,
	dedup shared.IdempotencyStore,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 24 * time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:   repo,
		users:  users,
		queue:  queue,
		dedup:  dedup,
		config: cfg,
		logger: logger,
	}
}

// Submit validates cmd against the acting tenant, persists the mutation as
// PENDING and hands it to its partition lane.
func (s *Service) Submit(ctx context.Context, cmd SubmitMutationCommand) (*Receipt, error) {
	ctx, span := telemetry.StartSpan(ctx, "balance.submit",
		telemetry.WithAttribute(telemetry.SpanAttrSubjectID, cmd.SubjectID),
	)
	defer span.End()

	receipt, err := s.submit(ctx, cmd)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.SetAttributes(span, telemetry.SpanAttrMutationID, receipt.MutationID)
	telemetry.SetOK(span)
	return receipt, nil
}

func (s *Service) submit(ctx context.Context, cmd SubmitMutationCommand) (*Receipt, error) {
	tenantID, err := auth.ResolveTenant(ctx)
	if err != nil {
		return nil, err
	}
	if cmd.SubjectID == uuid.Nil {
		return nil, fmt.Errorf("subject id is required: %w", shared.ErrInvalidInput)
	}

	exists, err := s.users.Exists(ctx, cmd.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("check subject: %w", err)
	}
	if !exists {
		return nil, shared.ErrSubjectNotFound
	}

	dedupKey := ""
	if cmd.IdempotencyKey != "" && s.dedup != nil {
		dedupKey = tenantID.String() + ":" + cmd.IdempotencyKey
		fresh, err := s.dedup.MarkProcessed(ctx, dedupKey, s.config.DedupTTL)
		if err != nil {
			return nil, fmt.Errorf("check idempotency key: %w", err)
		}
		if !fresh {
			return nil, shared.ErrDuplicateMutation
		}
	}

	m := mutation.New(tenantID, cmd.SubjectID, cmd.Delta)
	m.IdempotencyKey = cmd.IdempotencyKey
	m.PartitionKey = s.queue.Router().Route(m)

	if err := s.repo.Save(ctx, m); err != nil {
		s.release(ctx, dedupKey)
		return nil, fmt.Errorf("persist mutation: %w", err)
	}

	return s.enqueue(ctx, m)
}

// enqueue hands a persisted PENDING mutation to the queue. A stopped queue
// is not an error: the mutation is durable and a running dispatcher polls it.
func (s *Service) enqueue(ctx context.Context, m *mutation.Mutation) (*Receipt, error) {
	receipt := &Receipt{
		MutationID:  m.ID,
		PartitionID: m.PartitionKey,
		Accepted:    true,
	}

	ticket, err := s.queue.Submit(ctx, m)
	switch {
	case err == nil:
		receipt.Queued = true
		receipt.Ticket = ticket
	case errors.Is(err, partition.ErrDispatcherNotRunning), errors.Is(err, partition.ErrDispatcherStopped):
		logger.L(ctx).Warn("Dispatcher unavailable, mutation left for recovery",
			zap.String("mutation_id", m.ID.String()),
			zap.Error(err),
		)
	default:
		return nil, fmt.Errorf("queue mutation %s: %w", m.ID, err)
	}

	logger.L(ctx).Info("Mutation accepted",
		zap.String("mutation_id", m.ID.String()),
		zap.String("lane", m.LaneName()),
		zap.Bool("queued", receipt.Queued),
	)
	return receipt, nil
}

func (s *Service) release(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := s.dedup.Release(ctx, key); err != nil {
		logger.L(ctx).Warn("Failed to release idempotency key", zap.String("key", key), zap.Error(err))
	}
}

// Status returns a mutation of the acting tenant
func (s *Service) Status(ctx context.Context, mutationID uuid.UUID) (*MutationDTO, error) {
	m, err := s.repo.FindByID(ctx, mutationID)
	if err != nil {
		return nil, err
	}
	dto := toMutationDTO(m)
	return &dto, nil
}

// Cancel withdraws a queued mutation. Mutations that are executing or
// finished cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, mutationID uuid.UUID) error {
	err := s.queue.Cancel(ctx, mutationID)
	if !errors.Is(err, shared.ErrNotFound) {
		return err
	}

	// Not queued here: a PENDING row left while the dispatcher was down is
	// cancelled in storage.
	m, err := s.repo.FindByID(ctx, mutationID)
	if err != nil {
		return err
	}
	if err := m.Cancel(); err != nil {
		return err
	}
	if err := s.repo.Transition(ctx, m, mutation.StatusPending); err != nil {
		if errors.Is(err, shared.ErrInvalidState) {
			// picked up by a lane since it was read
			return shared.ErrMutationNotCancellable
		}
		return fmt.Errorf("cancel mutation %s: %w", mutationID, err)
	}
	logger.L(ctx).Info("Stored mutation cancelled", zap.String("mutation_id", mutationID.String()))
	return nil
}

// ListDeadLetters returns the acting tenant's dead-lettered mutations
func (s *Service) ListDeadLetters(ctx context.Context, page, pageSize int) (*DeadLetterList, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	items, total, err := s.repo.FindDead(ctx, page, pageSize)
	if err != nil {
		return nil, err
	}

	out := &DeadLetterList{
		Mutations:  make([]MutationDTO, 0, len(items)),
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: int((total + int64(pageSize) - 1) / int64(pageSize)),
	}
	for _, m := range items {
		out.Mutations = append(out.Mutations, toMutationDTO(m))
	}
	return out, nil
}

// Requeue resets a dead-lettered mutation to PENDING and submits it again.
// It keeps its ID, so a replay of an already applied mutation is a no-op.
// Of concurrent requeues of one mutation only the first succeeds; the
// others get shared.ErrInvalidState.
func (s *Service) Requeue(ctx context.Context, mutationID uuid.UUID) (*Receipt, error) {
	m, err := s.repo.FindByID(ctx, mutationID)
	if err != nil {
		return nil, err
	}
	if err := m.ResetForRetry(); err != nil {
		return nil, err
	}
	if err := s.repo.Transition(ctx, m, mutation.StatusDead); err != nil {
		return nil, fmt.Errorf("requeue mutation %s: %w", mutationID, err)
	}
	return s.enqueue(ctx, m)
}

// PurgeApplied deletes applied and cancelled mutations older than olderThan,
// or the configured retention when olderThan is zero. With a system context
// it purges every tenant.
func (s *Service) PurgeApplied(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = s.config.Retention
	}
	n, err := s.repo.DeleteFinishedBefore(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("purge finished mutations: %w", err)
	}
	logger.L(ctx).Info("Purged finished mutations",
		zap.Int64("deleted", n),
		zap.Duration("older_than", olderThan),
	)
	return n, nil
}

// HandleDeadLetter is a partition.DeadLetterHandler. It frees the
// idempotency key of a dead mutation so the caller can submit it again.
func (s *Service) HandleDeadLetter(ctx context.Context, fe *mutation.FailedError) {
	if fe == nil || fe.Mutation == nil || fe.Mutation.IdempotencyKey == "" || s.dedup == nil {
		return
	}
	s.release(ctx, fe.Mutation.TenantID.String()+":"+fe.Mutation.IdempotencyKey)
}
