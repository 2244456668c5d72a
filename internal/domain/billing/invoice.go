package billing

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/saas/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// InvoiceStatus is the payment state of an invoice
type InvoiceStatus string

const (
	InvoiceStatusPaid   InvoiceStatus = "paid"
	InvoiceStatusUnpaid InvoiceStatus = "unpaid"
)

// IsValid reports whether s is a known status
func (s InvoiceStatus) IsValid() bool {
	return s == InvoiceStatusPaid || s == InvoiceStatusUnpaid
}

// Invoice is a tenant-owned bill issued by a branch
type Invoice struct {
	shared.TenantEntity
	BranchID uuid.UUID
	Name     string
	Amount   decimal.Decimal
	Status   InvoiceStatus
}

// NewInvoice creates an unpaid invoice. tenantID may be uuid.Nil to have it
// stamped on creation.
func NewInvoice(tenantID, branchID uuid.UUID, name string, amount decimal.Decimal) (*Invoice, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, shared.NewDomainError("INVALID_INVOICE_NAME", "Invoice name cannot be empty")
	}
	if amount.IsNegative() {
		return nil, shared.NewDomainError("INVALID_INVOICE_AMOUNT", "Invoice amount cannot be negative")
	}
	return &Invoice{
		TenantEntity: shared.NewTenantEntity(tenantID),
		BranchID:     branchID,
		Name:         name,
		Amount:       amount,
		Status:       InvoiceStatusUnpaid,
	}, nil
}

// MarkPaid transitions the invoice to paid
func (i *Invoice) MarkPaid() error {
	if i.Status == InvoiceStatusPaid {
		return shared.ErrInvalidState
	}
	i.Status = InvoiceStatusPaid
	i.UpdatedAt = time.Now()
	return nil
}
