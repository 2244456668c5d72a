package billing

import (
	"github.com/google/uuid"
	"github.com/saas/backend/internal/domain/shared"
)

// FormOption is a tenant-defined choice offered on intake forms
type FormOption struct {
	shared.TenantEntity
	Label string
}

// FormData is a user's answer referencing a FormOption
type FormData struct {
	shared.TenantEntity
	UserID   uuid.UUID
	OptionID uuid.UUID
	Value    string
}

// NewFormOption creates a form option
func NewFormOption(tenantID uuid.UUID, label string) *FormOption {
	return &FormOption{TenantEntity: shared.NewTenantEntity(tenantID), Label: label}
}

// NewFormData creates a form answer
func NewFormData(tenantID, userID, optionID uuid.UUID, value string) *FormData {
	return &FormData{
		TenantEntity: shared.NewTenantEntity(tenantID),
		UserID:       userID,
		OptionID:     optionID,
		Value:        value,
	}
}
