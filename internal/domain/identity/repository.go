package identity

import (
	"context"

	"github.com/google/uuid"
)

// UserRepository persists users. Every method is scoped to the tenant bound
// to ctx.
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	FindByID(ctx context.Context, id uuid.UUID) (*User, error)
	FindByBranch(ctx context.Context, branchID uuid.UUID) ([]*User, error)
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
}

// TenantRepository persists tenants
type TenantRepository interface {
	Create(ctx context.Context, tenant *Tenant) error
	FindByID(ctx context.Context, id uuid.UUID) (*Tenant, error)
	FindActive(ctx context.Context) ([]*Tenant, error)
}
