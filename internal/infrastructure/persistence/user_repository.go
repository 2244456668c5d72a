package persistence

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/saas/backend/internal/domain/identity"
	"github.com/saas/backend/internal/domain/shared"
	"github.com/saas/backend/internal/infrastructure/persistence/models"
	"github.com/saas/backend/internal/infrastructure/persistence/tenant"
	"gorm.io/gorm"
)

// GormUserRepository implements UserRepository using GORM
type GormUserRepository struct {
	db *tenant.TenantDB
}

// NewGormUserRepository creates a new GormUserRepository
func NewGormUserRepository(db *tenant.TenantDB) *GormUserRepository {
	return &GormUserRepository{db: db}
}

// Create creates a new user. A user without a tenant is stamped with the
// acting tenant.
func (r *GormUserRepository) Create(ctx context.Context, user *identity.User) error {
	model := models.UserModelFromDomain(user)
	if err := tenant.ScopedCreate(ctx, r.db, model); err != nil {
		return err
	}
	user.TenantID = model.TenantID
	return nil
}

// FindByID finds a user by ID
func (r *GormUserRepository) FindByID(ctx context.Context, id uuid.UUID) (*identity.User, error) {
	var model models.UserModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindByBranch returns the users of a branch ordered by creation
func (r *GormUserRepository) FindByBranch(ctx context.Context, branchID uuid.UUID) ([]*identity.User, error) {
	rows, err := tenant.ScopedQuery[models.UserModel](ctx, r.db, func(db *gorm.DB) *gorm.DB {
		return db.Where("branch_id = ?", branchID).Order("created_at ASC")
	})
	if err != nil {
		return nil, err
	}
	users := make([]*identity.User, len(rows))
	for i := range rows {
		users[i] = rows[i].ToDomain()
	}
	return users, nil
}

// Exists checks if a user with the given ID exists
func (r *GormUserRepository) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.UserModel{}).
		Where("id = ?", id).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// Ensure GormUserRepository implements UserRepository
var _ identity.UserRepository = (*GormUserRepository)(nil)
