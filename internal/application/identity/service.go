// Package identity manages tenants and the users whose balances the engine
// mutates.
package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/saas/backend/internal/domain/identity"
	"github.com/saas/backend/internal/domain/shared"
	"github.com/saas/backend/internal/infrastructure/auth"
	"github.com/saas/backend/internal/infrastructure/logger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CreateUserInput contains input for creating a user. The tenant is taken
// from the acting context, never from the input.
type CreateUserInput struct {
	BranchID       uuid.UUID
	Username       string
	OpeningBalance decimal.Decimal
}

// UserDTO represents user data transfer object
type UserDTO struct {
	ID        uuid.UUID       `json:"id"`
	TenantID  uuid.UUID       `json:"tenant_id"`
	BranchID  uuid.UUID       `json:"branch_id"`
	Username  string          `json:"username"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// TenantDTO represents tenant data transfer object
type TenantDTO struct {
	ID     uuid.UUID `json:"id"`
	Code   string    `json:"code"`
	Name   string    `json:"name"`
	Status string    `json:"status"`
}

// Service handles tenant and user management
type Service struct {
	users   identity.UserRepository
	tenants identity.TenantRepository
	logger  *zap.Logger
}

// NewService creates a new identity service
func NewService(users identity.UserRepository, tenants identity.TenantRepository, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{users: users, tenants: tenants, logger: logger}
}

// CreateTenant registers a tenant. Only a system context may do this.
func (s *Service) CreateTenant(ctx context.Context, code, name string) (*TenantDTO, error) {
	if !auth.IsSystem(ctx) {
		return nil, fmt.Errorf("create tenant: %w", shared.ErrUnauthenticated)
	}
	t, err := identity.NewTenant(code, name)
	if err != nil {
		return nil, err
	}
	if err := s.tenants.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create tenant: %w", err)
	}
	s.logger.Info("Tenant created", zap.String("tenant_id", t.ID.String()), zap.String("code", t.Code))
	return &TenantDTO{ID: t.ID, Code: t.Code, Name: t.Name, Status: string(t.Status)}, nil
}

// CreateUser creates a user in the acting tenant. The tenant id is stamped
// on the row by the data layer.
func (s *Service) CreateUser(ctx context.Context, input CreateUserInput) (*UserDTO, error) {
	if _, err := auth.ResolveTenant(ctx); err != nil {
		return nil, err
	}

	user, err := identity.NewUser(uuid.Nil, input.BranchID, input.Username, input.OpeningBalance)
	if err != nil {
		return nil, err
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	logger.L(ctx).Info("User created",
		zap.String("created_user_id", user.ID.String()),
		zap.String("branch_id", user.BranchID.String()),
	)
	dto := toUserDTO(user)
	return &dto, nil
}

// GetUser returns a user of the acting tenant
func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (*UserDTO, error) {
	user, err := s.users.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	dto := toUserDTO(user)
	return &dto, nil
}

// ListBranchUsers returns the acting tenant's users of a branch
func (s *Service) ListBranchUsers(ctx context.Context, branchID uuid.UUID) ([]UserDTO, error) {
	users, err := s.users.FindByBranch(ctx, branchID)
	if err != nil {
		return nil, err
	}
	out := make([]UserDTO, len(users))
	for i, u := range users {
		out[i] = toUserDTO(u)
	}
	return out, nil
}

func toUserDTO(u *identity.User) UserDTO {
	return UserDTO{
		ID:        u.ID,
		TenantID:  u.TenantID,
		BranchID:  u.BranchID,
		Username:  u.Username,
		Balance:   u.Balance,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}
