package shared

import "github.com/google/uuid"

// TenantOwned is the capability an entity declares to take part in tenant
// scoping. Any entity exposing a tenant id qualifies; there is no required
// base type.
type TenantOwned interface {
	GetTenantID() uuid.UUID
	SetTenantID(tenantID uuid.UUID)
}

// TenantColumn is the column every tenant-owned table carries
const TenantColumn = "tenant_id"

// BelongsTo reports whether entity is owned by tenantID
func BelongsTo(entity TenantOwned, tenantID uuid.UUID) bool {
	return entity != nil && tenantID != uuid.Nil && entity.GetTenantID() == tenantID
}
