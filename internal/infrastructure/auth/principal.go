package auth

import (
	"context"

	"github.com/google/uuid"
	"github.com/saas/backend/internal/domain/shared"
	"github.com/saas/backend/internal/infrastructure/logger"
)

// Principal is the identity an operation runs as
type Principal struct {
	UserID   uuid.UUID
	TenantID uuid.UUID
	Username string
}

type principalKey struct{}

type systemKey struct{}

// WithPrincipal binds p to ctx. Every tenant-scoped data access performed
// with the returned context is restricted to p.TenantID.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	ctx = context.WithValue(ctx, principalKey{}, p)
	ctx = logger.WithTenantID(ctx, p.TenantID.String())
	if p.UserID != uuid.Nil {
		ctx = logger.WithUserID(ctx, p.UserID.String())
	}
	return ctx
}

// WithTenant binds a service principal acting for tenantID, as used by
// background workers executing work submitted by that tenant.
func WithTenant(ctx context.Context, tenantID uuid.UUID) context.Context {
	return WithPrincipal(ctx, Principal{TenantID: tenantID, Username: "system:worker"})
}

// PrincipalFromContext returns the principal bound to ctx
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ResolveTenant returns the tenant of the principal bound to ctx, or
// shared.ErrUnauthenticated when none is bound.
func ResolveTenant(ctx context.Context) (uuid.UUID, error) {
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.TenantID == uuid.Nil {
		return uuid.Nil, shared.ErrUnauthenticated
	}
	return p.TenantID, nil
}

// AsSystem marks ctx as a system context. Tenant scoping is bypassed for
// data access made with it and every bypass is audit-logged with reason.
func AsSystem(ctx context.Context, reason string) context.Context {
	if reason == "" {
		reason = "unspecified"
	}
	return context.WithValue(ctx, systemKey{}, reason)
}

// SystemReason returns the reason given to AsSystem
func SystemReason(ctx context.Context) (string, bool) {
	reason, ok := ctx.Value(systemKey{}).(string)
	return reason, ok
}

// IsSystem reports whether ctx is a system context
func IsSystem(ctx context.Context) bool {
	_, ok := SystemReason(ctx)
	return ok
}
