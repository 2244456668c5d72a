package billing

import (
	"context"

	"github.com/google/uuid"
)

// InvoiceFilter narrows invoice listings. Tenant scoping is applied
// independently of the filter.
type InvoiceFilter struct {
	BranchID  *uuid.UUID
	Status    InvoiceStatus
	SortBy    string
	SortOrder string
	Page      int
	PageSize  int
}

// InvoiceRepository persists invoices scoped to the tenant bound to ctx
type InvoiceRepository interface {
	Create(ctx context.Context, invoice *Invoice) error
	Update(ctx context.Context, invoice *Invoice) error
	FindByID(ctx context.Context, id uuid.UUID) (*Invoice, error)
	FindAll(ctx context.Context, filter InvoiceFilter) ([]*Invoice, int64, error)
}

// SessionRepository persists sessions together with their attendance rows
type SessionRepository interface {
	Create(ctx context.Context, session *Session) error
}

// FormRepository persists form options and answers
type FormRepository interface {
	CreateOption(ctx context.Context, option *FormOption) error
	CreateData(ctx context.Context, data *FormData) error
	FindOptions(ctx context.Context) ([]*FormOption, error)
	FindData(ctx context.Context, userID uuid.UUID) ([]*FormData, error)
}
