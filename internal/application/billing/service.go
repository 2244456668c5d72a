// Package billing serves invoices, sessions and intake forms through the
// tenant-scoped read and write paths.
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/saas/backend/internal/domain/billing"
	"github.com/saas/backend/internal/domain/shared"
	"github.com/saas/backend/internal/infrastructure/auth"
	"github.com/saas/backend/internal/infrastructure/logger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CreateInvoiceInput contains input for creating an invoice
type CreateInvoiceInput struct {
	BranchID uuid.UUID
	Name     string
	Amount   decimal.Decimal
	Paid     bool
}

// ListInvoicesInput narrows an invoice listing. There is no tenant field:
// the listing is always the acting tenant's.
type ListInvoicesInput struct {
	BranchID  *uuid.UUID
	Status    string
	SortBy    string
	SortOrder string
	Page      int
	PageSize  int
}

// InvoiceDTO represents invoice data transfer object
type InvoiceDTO struct {
	ID        uuid.UUID       `json:"id"`
	BranchID  uuid.UUID       `json:"branch_id"`
	Name      string          `json:"name"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// InvoiceList represents a paginated invoice listing
type InvoiceList struct {
	Invoices   []InvoiceDTO `json:"invoices"`
	Total      int64        `json:"total"`
	Page       int          `json:"page"`
	PageSize   int          `json:"page_size"`
	TotalPages int          `json:"total_pages"`
}

// AttendanceInput is one attendee of a recorded session
type AttendanceInput struct {
	UserID uuid.UUID
	Status string
}

// Service handles invoices, sessions and form answers
type Service struct {
	invoices billing.InvoiceRepository
	sessions billing.SessionRepository
	forms    billing.FormRepository
	logger   *zap.Logger
}

// NewService creates a new billing service
func NewService(
	invoices billing.InvoiceRepository,
	sessions billing.SessionRepository,
	forms billing.FormRepository,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{invoices: invoices, sessions: sessions, forms: forms, logger: logger}
}

// CreateInvoice issues an invoice in the acting tenant
func (s *Service) CreateInvoice(ctx context.Context, input CreateInvoiceInput) (*InvoiceDTO, error) {
	if _, err := auth.ResolveTenant(ctx); err != nil {
		return nil, err
	}
	inv, err := billing.NewInvoice(uuid.Nil, input.BranchID, input.Name, input.Amount)
	if err != nil {
		return nil, err
	}
	if input.Paid {
		if err := inv.MarkPaid(); err != nil {
			return nil, err
		}
	}
	if err := s.invoices.Create(ctx, inv); err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}

	logger.L(ctx).Info("Invoice created",
		zap.String("invoice_id", inv.ID.String()),
		zap.String("branch_id", inv.BranchID.String()),
	)
	dto := toInvoiceDTO(inv)
	return &dto, nil
}

// MarkInvoicePaid settles an unpaid invoice
func (s *Service) MarkInvoicePaid(ctx context.Context, id uuid.UUID) (*InvoiceDTO, error) {
	inv, err := s.invoices.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := inv.MarkPaid(); err != nil {
		return nil, err
	}
	if err := s.invoices.Update(ctx, inv); err != nil {
		return nil, fmt.Errorf("update invoice %s: %w", id, err)
	}
	dto := toInvoiceDTO(inv)
	return &dto, nil
}

// ListInvoices returns the acting tenant's invoices
func (s *Service) ListInvoices(ctx context.Context, input ListInvoicesInput) (*InvoiceList, error) {
	if _, err := auth.ResolveTenant(ctx); err != nil {
		return nil, err
	}

	status := billing.InvoiceStatus(input.Status)
	if status != "" && !status.IsValid() {
		return nil, fmt.Errorf("invoice status %q: %w", input.Status, shared.ErrInvalidInput)
	}
	page := input.Page
	if page < 1 {
		page = 1
	}
	pageSize := input.PageSize
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	invoices, total, err := s.invoices.FindAll(ctx, billing.InvoiceFilter{
		BranchID:  input.BranchID,
		Status:    status,
		SortBy:    input.SortBy,
		SortOrder: input.SortOrder,
		Page:      page,
		PageSize:  pageSize,
	})
	if err != nil {
		return nil, err
	}

	out := &InvoiceList{
		Invoices:   make([]InvoiceDTO, len(invoices)),
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: int((total + int64(pageSize) - 1) / int64(pageSize)),
	}
	for i, inv := range invoices {
		out.Invoices[i] = toInvoiceDTO(inv)
	}
	return out, nil
}

// RecordSession stores a session held at a branch together with its
// attendance.
func (s *Service) RecordSession(ctx context.Context, branchID uuid.UUID, startsAt time.Time, attendance []AttendanceInput) (uuid.UUID, error) {
	tenantID, err := auth.ResolveTenant(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	session := billing.NewSession(tenantID, branchID, startsAt)
	for _, a := range attendance {
		if _, err := session.Record(a.UserID, a.Status); err != nil {
			return uuid.Nil, err
		}
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return uuid.Nil, fmt.Errorf("record session: %w", err)
	}
	return session.ID, nil
}

// AddFormOption creates a form option in the acting tenant
func (s *Service) AddFormOption(ctx context.Context, label string) (uuid.UUID, error) {
	if label == "" {
		return uuid.Nil, fmt.Errorf("form option label: %w", shared.ErrInvalidInput)
	}
	option := billing.NewFormOption(uuid.Nil, label)
	if err := s.forms.CreateOption(ctx, option); err != nil {
		return uuid.Nil, err
	}
	return option.ID, nil
}

// SubmitFormAnswer records a user's answer. An option of another tenant is
// reported as not found.
func (s *Service) SubmitFormAnswer(ctx context.Context, userID, optionID uuid.UUID, value string) error {
	return s.forms.CreateData(ctx, billing.NewFormData(uuid.Nil, userID, optionID, value))
}

// FormOptions returns the acting tenant's form option labels
func (s *Service) FormOptions(ctx context.Context) ([]string, error) {
	options, err := s.forms.FindOptions(ctx)
	if err != nil {
		return nil, err
	}
	labels := make([]string, len(options))
	for i, o := range options {
		labels[i] = o.Label
	}
	return labels, nil
}

func toInvoiceDTO(inv *billing.Invoice) InvoiceDTO {
	return InvoiceDTO{
		ID:        inv.ID,
		BranchID:  inv.BranchID,
		Name:      inv.Name,
		Amount:    inv.Amount,
		Status:    string(inv.Status),
		CreatedAt: inv.CreatedAt,
	}
}
