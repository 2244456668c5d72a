package identity

import (
	"strings"
	"time"

	"github.com/saas/backend/internal/domain/shared"
)

// TenantStatus represents the lifecycle state of a tenant
type TenantStatus string

const (
	TenantStatusActive   TenantStatus = "active"
	TenantStatusInactive TenantStatus = "inactive"
)

// Tenant is the root of data isolation. It is not itself tenant-owned.
type Tenant struct {
	shared.BaseEntity
	Code   string
	Name   string
	Status TenantStatus
}

// NewTenant creates an active tenant
func NewTenant(code, name string) (*Tenant, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" || len(code) > 50 {
		return nil, shared.NewDomainError("INVALID_TENANT_CODE", "Tenant code must be 1-50 characters")
	}
	if strings.TrimSpace(name) == "" {
		return nil, shared.NewDomainError("INVALID_TENANT_NAME", "Tenant name cannot be empty")
	}
	return &Tenant{
		BaseEntity: shared.NewBaseEntity(),
		Code:       code,
		Name:       strings.TrimSpace(name),
		Status:     TenantStatusActive,
	}, nil
}

// IsActive reports whether the tenant is active
func (t *Tenant) IsActive() bool {
	return t.Status == TenantStatusActive
}

// Deactivate marks the tenant inactive
func (t *Tenant) Deactivate() {
	t.Status = TenantStatusInactive
	t.UpdatedAt = time.Now()
}
