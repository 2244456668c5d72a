package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/saas/backend/internal/domain/billing"
	"github.com/shopspring/decimal"
)

// InvoiceModel is the persistence model for the Invoice domain entity.
type InvoiceModel struct {
	TenantModel
	BranchID uuid.UUID             `gorm:"type:uuid;not null;index"`
	Name     string                `gorm:"type:varchar(200);not null"`
	Amount   decimal.Decimal       `gorm:"type:decimal(18,4);not null;default:0"`
	Status   billing.InvoiceStatus `gorm:"type:varchar(20);not null;default:'unpaid';index"`
}

// TableName returns the table name for GORM
func (InvoiceModel) TableName() string {
	return "invoices"
}

// ToDomain converts the persistence model to a domain Invoice entity
func (m *InvoiceModel) ToDomain() *billing.Invoice {
	return &billing.Invoice{
		TenantEntity: m.ToTenantEntity(),
		BranchID:     m.BranchID,
		Name:         m.Name,
		Amount:       m.Amount,
		Status:       m.Status,
	}
}

// InvoiceModelFromDomain creates a persistence model from a domain Invoice
func InvoiceModelFromDomain(i *billing.Invoice) *InvoiceModel {
	m := &InvoiceModel{
		BranchID: i.BranchID,
		Name:     i.Name,
		Amount:   i.Amount,
		Status:   i.Status,
	}
	m.FromDomainTenantEntity(i.TenantEntity)
	return m
}

// SessionModel is the persistence model for a Session
type SessionModel struct {
	TenantModel
	BranchID uuid.UUID `gorm:"type:uuid;not null;index"`
	StartsAt time.Time `gorm:"not null;index"`
}

// TableName returns the table name for GORM
func (SessionModel) TableName() string {
	return "sessions"
}

// SessionModelFromDomain creates a persistence model from a domain Session.
// Attendance rows are mapped separately.
func SessionModelFromDomain(s *billing.Session) *SessionModel {
	m := &SessionModel{
		BranchID: s.BranchID,
		StartsAt: s.StartsAt,
	}
	m.FromDomainTenantEntity(s.TenantEntity)
	return m
}

// SessionAttendanceModel is the persistence model for a SessionAttendance
type SessionAttendanceModel struct {
	TenantModel
	SessionID uuid.UUID `gorm:"type:uuid;not null;index"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;index"`
	Status    string    `gorm:"type:varchar(30);not null"`
}

// TableName returns the table name for GORM
func (SessionAttendanceModel) TableName() string {
	return "session_attendances"
}

// SessionAttendanceModelFromDomain creates a persistence model from a domain SessionAttendance
func SessionAttendanceModelFromDomain(a *billing.SessionAttendance) *SessionAttendanceModel {
	m := &SessionAttendanceModel{
		SessionID: a.SessionID,
		UserID:    a.UserID,
		Status:    a.Status,
	}
	m.FromDomainTenantEntity(a.TenantEntity)
	return m
}

// FormOptionModel is the persistence model for a FormOption
type FormOptionModel struct {
	TenantModel
	Label string `gorm:"type:varchar(200);not null"`
}

// TableName returns the table name for GORM
func (FormOptionModel) TableName() string {
	return "form_options"
}

// ToDomain converts the persistence model to a domain FormOption
func (m *FormOptionModel) ToDomain() *billing.FormOption {
	return &billing.FormOption{TenantEntity: m.ToTenantEntity(), Label: m.Label}
}

// FormOptionModelFromDomain creates a persistence model from a domain FormOption
func FormOptionModelFromDomain(o *billing.FormOption) *FormOptionModel {
	m := &FormOptionModel{Label: o.Label}
	m.FromDomainTenantEntity(o.TenantEntity)
	return m
}

// FormDataModel is the persistence model for a FormData answer
type FormDataModel struct {
	TenantModel
	UserID   uuid.UUID `gorm:"type:uuid;not null;index"`
	OptionID uuid.UUID `gorm:"type:uuid;not null;index"`
	Value    string    `gorm:"type:text"`
}

// TableName returns the table name for GORM
func (FormDataModel) TableName() string {
	return "form_data"
}

// ToDomain converts the persistence model to a domain FormData
func (m *FormDataModel) ToDomain() *billing.FormData {
	return &billing.FormData{
		TenantEntity: m.ToTenantEntity(),
		UserID:       m.UserID,
		OptionID:     m.OptionID,
		Value:        m.Value,
	}
}

// FormDataModelFromDomain creates a persistence model from a domain FormData
func FormDataModelFromDomain(d *billing.FormData) *FormDataModel {
	m := &FormDataModel{
		UserID:   d.UserID,
		OptionID: d.OptionID,
		Value:    d.Value,
	}
	m.FromDomainTenantEntity(d.TenantEntity)
	return m
}
