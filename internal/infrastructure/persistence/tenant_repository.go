package persistence

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/saas/backend/internal/domain/identity"
	"github.com/saas/backend/internal/domain/shared"
	"github.com/saas/backend/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
)

// GormTenantRepository implements TenantRepository using GORM. The tenants
// table has no tenant column, so statements here are never scoped.
type GormTenantRepository struct {
	db *gorm.DB
}

// NewGormTenantRepository creates a new GormTenantRepository
func NewGormTenantRepository(db *gorm.DB) *GormTenantRepository {
	return &GormTenantRepository{db: db}
}

// Create creates a new tenant
func (r *GormTenantRepository) Create(ctx context.Context, t *identity.Tenant) error {
	return r.db.WithContext(ctx).Create(models.TenantRecordModelFromDomain(t)).Error
}

// FindByID finds a tenant by its ID
func (r *GormTenantRepository) FindByID(ctx context.Context, id uuid.UUID) (*identity.Tenant, error) {
	var model models.TenantRecordModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindActive returns every active tenant ordered by code
func (r *GormTenantRepository) FindActive(ctx context.Context) ([]*identity.Tenant, error) {
	var rows []models.TenantRecordModel
	if err := r.db.WithContext(ctx).
		Where("status = ?", identity.TenantStatusActive).
		Order("code ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	tenants := make([]*identity.Tenant, len(rows))
	for i := range rows {
		tenants[i] = rows[i].ToDomain()
	}
	return tenants, nil
}

// Ensure GormTenantRepository implements TenantRepository
var _ identity.TenantRepository = (*GormTenantRepository)(nil)
