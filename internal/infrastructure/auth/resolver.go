package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/saas/backend/internal/domain/shared"
)

// Resolver determines the tenant an operation runs for. The tenant always
// travels in the context; nothing is kept in shared state.
type Resolver struct {
	tokens *TokenValidator
}

// NewResolver creates a resolver that authenticates with tokens
func NewResolver(tokens *TokenValidator) *Resolver {
	return &Resolver{tokens: tokens}
}

// ResolveTenant returns the tenant of the bound principal or
// shared.ErrUnauthenticated
func (r *Resolver) ResolveTenant(ctx context.Context) (uuid.UUID, error) {
	return ResolveTenant(ctx)
}

// ResolvePrincipal returns the bound principal or shared.ErrUnauthenticated
func (r *Resolver) ResolvePrincipal(ctx context.Context) (Principal, error) {
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.TenantID == uuid.Nil {
		return Principal{}, shared.ErrUnauthenticated
	}
	return p, nil
}

// Authenticate validates a bearer token and returns ctx with its principal
// bound. Any validation failure is reported as shared.ErrUnauthenticated
// wrapping the cause.
func (r *Resolver) Authenticate(ctx context.Context, bearer string) (context.Context, error) {
	token := strings.TrimSpace(bearer)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if token == "" || r.tokens == nil {
		return ctx, shared.ErrUnauthenticated
	}

	claims, err := r.tokens.ValidateAccessToken(token)
	if err != nil {
		return ctx, fmt.Errorf("%w: %w", shared.ErrUnauthenticated, err)
	}
	p, err := claims.Principal()
	if err != nil {
		return ctx, fmt.Errorf("%w: %w", shared.ErrUnauthenticated, err)
	}
	return WithPrincipal(ctx, p), nil
}
