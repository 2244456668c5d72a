package persistence

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/saas/backend/internal/domain/billing"
	"github.com/saas/backend/internal/domain/shared"
	"github.com/saas/backend/internal/infrastructure/persistence/models"
	"github.com/saas/backend/internal/infrastructure/persistence/tenant"
	"gorm.io/gorm"
)

// GormInvoiceRepository implements InvoiceRepository using GORM
type GormInvoiceRepository struct {
	db *tenant.TenantDB
}

// NewGormInvoiceRepository creates a new GormInvoiceRepository
func NewGormInvoiceRepository(db *tenant.TenantDB) *GormInvoiceRepository {
	return &GormInvoiceRepository{db: db}
}

// Create creates a new invoice, stamping the acting tenant if unset
func (r *GormInvoiceRepository) Create(ctx context.Context, invoice *billing.Invoice) error {
	model := models.InvoiceModelFromDomain(invoice)
	if err := tenant.ScopedCreate(ctx, r.db, model); err != nil {
		return err
	}
	invoice.TenantID = model.TenantID
	return nil
}

// Update updates an existing invoice
func (r *GormInvoiceRepository) Update(ctx context.Context, invoice *billing.Invoice) error {
	result := r.db.WithContext(ctx).
		Model(&models.InvoiceModel{}).
		Where("id = ?", invoice.ID).
		Updates(map[string]interface{}{
			"name":       invoice.Name,
			"amount":     invoice.Amount,
			"status":     invoice.Status,
			"updated_at": invoice.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// FindByID finds an invoice by ID
func (r *GormInvoiceRepository) FindByID(ctx context.Context, id uuid.UUID) (*billing.Invoice, error) {
	var model models.InvoiceModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindAll returns the invoices of the acting tenant with pagination
func (r *GormInvoiceRepository) FindAll(ctx context.Context, filter billing.InvoiceFilter) ([]*billing.Invoice, int64, error) {
	var rows []models.InvoiceModel
	var total int64

	query := r.db.WithContext(ctx).Model(&models.InvoiceModel{})
	if filter.BranchID != nil {
		query = query.Where("branch_id = ?", *filter.BranchID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query = query.Order(InvoiceSort.OrderBy(filter.SortBy, filter.SortOrder)).Order("id ASC")

	if filter.PageSize > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		query = query.Offset((page - 1) * filter.PageSize).Limit(filter.PageSize)
	}

	if err := query.Find(&rows).Error; err != nil {
		return nil, 0, err
	}

	invoices := make([]*billing.Invoice, len(rows))
	for i := range rows {
		invoices[i] = rows[i].ToDomain()
	}
	return invoices, total, nil
}

// Ensure GormInvoiceRepository implements InvoiceRepository
var _ billing.InvoiceRepository = (*GormInvoiceRepository)(nil)

// GormSessionRepository implements SessionRepository using GORM
type GormSessionRepository struct {
	db *tenant.TenantDB
}

// NewGormSessionRepository creates a new GormSessionRepository
func NewGormSessionRepository(db *tenant.TenantDB) *GormSessionRepository {
	return &GormSessionRepository{db: db}
}

// Create stores the session and its attendance rows in one transaction
func (r *GormSessionRepository) Create(ctx context.Context, session *billing.Session) error {
	return r.db.Transaction(ctx, func(tx *gorm.DB) error {
		model := models.SessionModelFromDomain(session)
		if err := tx.Create(model).Error; err != nil {
			return err
		}
		session.TenantID = model.TenantID
		if len(session.Attendees) == 0 {
			return nil
		}
		rows := make([]*models.SessionAttendanceModel, len(session.Attendees))
		for i := range session.Attendees {
			session.Attendees[i].TenantID = model.TenantID
			rows[i] = models.SessionAttendanceModelFromDomain(&session.Attendees[i])
		}
		return tx.Create(&rows).Error
	})
}

// Ensure GormSessionRepository implements SessionRepository
var _ billing.SessionRepository = (*GormSessionRepository)(nil)

// GormFormRepository implements FormRepository using GORM
type GormFormRepository struct {
	db *tenant.TenantDB
}

// NewGormFormRepository creates a new GormFormRepository
func NewGormFormRepository(db *tenant.TenantDB) *GormFormRepository {
	return &GormFormRepository{db: db}
}

// CreateOption creates a form option
func (r *GormFormRepository) CreateOption(ctx context.Context, option *billing.FormOption) error {
	model := models.FormOptionModelFromDomain(option)
	if err := tenant.ScopedCreate(ctx, r.db, model); err != nil {
		return err
	}
	option.TenantID = model.TenantID
	return nil
}

// CreateData creates a form answer. The referenced option must be visible to
// the acting tenant.
func (r *GormFormRepository) CreateData(ctx context.Context, data *billing.FormData) error {
	if _, err := tenant.ScopedFirst[models.FormOptionModel](ctx, r.db, func(db *gorm.DB) *gorm.DB {
		return db.Where("id = ?", data.OptionID)
	}); err != nil {
		return err
	}
	model := models.FormDataModelFromDomain(data)
	if err := tenant.ScopedCreate(ctx, r.db, model); err != nil {
		return err
	}
	data.TenantID = model.TenantID
	return nil
}

// FindOptions returns every form option of the acting tenant
func (r *GormFormRepository) FindOptions(ctx context.Context) ([]*billing.FormOption, error) {
	rows, err := tenant.ScopedQuery[models.FormOptionModel](ctx, r.db, func(db *gorm.DB) *gorm.DB {
		return db.Order("label ASC")
	})
	if err != nil {
		return nil, err
	}
	out := make([]*billing.FormOption, len(rows))
	for i := range rows {
		out[i] = rows[i].ToDomain()
	}
	return out, nil
}

// FindData returns the answers a user gave
func (r *GormFormRepository) FindData(ctx context.Context, userID uuid.UUID) ([]*billing.FormData, error) {
	rows, err := tenant.ScopedQuery[models.FormDataModel](ctx, r.db, func(db *gorm.DB) *gorm.DB {
		return db.Where("user_id = ?", userID).Order("created_at ASC")
	})
	if err != nil {
		return nil, err
	}
	out := make([]*billing.FormData, len(rows))
	for i := range rows {
		out[i] = rows[i].ToDomain()
	}
	return out, nil
}

// Ensure GormFormRepository implements FormRepository
var _ billing.FormRepository = (*GormFormRepository)(nil)
