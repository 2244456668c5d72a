package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/saas/backend/internal/domain/mutation"
	"github.com/saas/backend/internal/domain/shared"
	"github.com/saas/backend/internal/infrastructure/auth"
	"github.com/saas/backend/internal/infrastructure/persistence/models"
	"github.com/saas/backend/internal/infrastructure/persistence/tenant"
	"gorm.io/gorm"
)

// GormMutationRepository implements mutation.Repository using GORM
type GormMutationRepository struct {
	db *tenant.TenantDB
}

// NewGormMutationRepository creates a new GORM-based mutation repository
func NewGormMutationRepository(db *tenant.TenantDB) *GormMutationRepository {
	return &GormMutationRepository{db: db}
}

// Save persists m and assigns its Sequence
func (r *GormMutationRepository) Save(ctx context.Context, m *mutation.Mutation) error {
	model := models.MutationModelFromDomain(m)
	model.Sequence = 0
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	m.Sequence = model.Sequence
	m.TenantID = model.TenantID
	return nil
}

// FindByID retrieves a single mutation by its mutation id
func (r *GormMutationRepository) FindByID(ctx context.Context, id uuid.UUID) (*mutation.Mutation, error) {
	var model models.MutationModel
	if err := r.db.WithContext(ctx).Where("mutation_id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindRecoverable returns pending and executing mutations of every tenant in
// submission order
func (r *GormMutationRepository) FindRecoverable(ctx context.Context, limit int) ([]*mutation.Mutation, error) {
	if !auth.IsSystem(ctx) {
		return nil, fmt.Errorf("find recoverable mutations: %w", shared.ErrTenantContextMissing)
	}
	var rows []models.MutationModel
	query := r.db.WithContext(ctx).
		Where("status IN ?", []mutation.Status{mutation.StatusPending, mutation.StatusExecuting}).
		Order("sequence ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return toMutations(rows), nil
}

// FindDead retrieves dead-lettered mutations with pagination
func (r *GormMutationRepository) FindDead(ctx context.Context, page, pageSize int) ([]*mutation.Mutation, int64, error) {
	var rows []models.MutationModel
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&models.MutationModel{}).
		Where("status = ?", mutation.StatusDead).
		Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize
	if err := r.db.WithContext(ctx).
		Where("status = ?", mutation.StatusDead).
		Order("updated_at DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&rows).Error; err != nil {
		return nil, 0, err
	}

	return toMutations(rows), total, nil
}

// Transition persists the lifecycle fields of m if the stored status is
// still from
func (r *GormMutationRepository) Transition(ctx context.Context, m *mutation.Mutation, from mutation.Status) error {
	m.UpdatedAt = time.Now()
	result := r.db.WithContext(ctx).
		Model(&models.MutationModel{}).
		Where("mutation_id = ? AND status = ?", m.ID, from).
		Updates(map[string]interface{}{
			"status":        m.Status,
			"attempts":      m.Attempts,
			"last_error":    m.LastError,
			"balance_after": m.BalanceAfter,
			"next_retry_at": m.NextRetryAt,
			"applied_at":    m.AppliedAt,
			"updated_at":    m.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var n int64
	if err := r.db.WithContext(ctx).
		Model(&models.MutationModel{}).
		Where("mutation_id = ?", m.ID).
		Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return shared.ErrNotFound
	}
	return fmt.Errorf("mutation %s is no longer %s: %w", m.ID, from, shared.ErrInvalidState)
}

// DeleteFinishedBefore deletes applied and cancelled mutations last updated
// before the given time
func (r *GormMutationRepository) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?",
			[]mutation.Status{mutation.StatusApplied, mutation.StatusCancelled}, before).
		Delete(&models.MutationModel{})
	return result.RowsAffected, result.Error
}

// CountByStatus returns count of mutations for each status
func (r *GormMutationRepository) CountByStatus(ctx context.Context) (map[mutation.Status]int64, error) {
	type statusCount struct {
		Status mutation.Status
		Count  int64
	}

	var results []statusCount
	err := r.db.WithContext(ctx).
		Model(&models.MutationModel{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&results).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[mutation.Status]int64)
	for _, r := range results {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

func toMutations(rows []models.MutationModel) []*mutation.Mutation {
	out := make([]*mutation.Mutation, len(rows))
	for i := range rows {
		out[i] = rows[i].ToDomain()
	}
	return out
}

// Ensure GormMutationRepository implements mutation.Repository
var _ mutation.Repository = (*GormMutationRepository)(nil)
