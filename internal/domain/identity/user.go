package identity

import (
	"strings"

	"github.com/google/uuid"
	"github.com/saas/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// User is a principal belonging to exactly one tenant. Its balance is only
// changed by the ordered mutation worker and may be negative.
type User struct {
	shared.TenantEntity
	BranchID uuid.UUID
	Username string
	Balance  decimal.Decimal
}

// NewUser creates a user. tenantID may be uuid.Nil, in which case the
// tenant is stamped from the acting context on creation.
func NewUser(tenantID, branchID uuid.UUID, username string, openingBalance decimal.Decimal) (*User, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if len(username) < 3 || len(username) > 100 {
		return nil, shared.NewDomainError("INVALID_USERNAME", "Username must be 3-100 characters")
	}
	return &User{
		TenantEntity: shared.NewTenantEntity(tenantID),
		BranchID:     branchID,
		Username:     username,
		Balance:      openingBalance,
	}, nil
}

// ApplyDelta adds delta to the balance without clamping and returns the new
// balance.
func (u *User) ApplyDelta(delta decimal.Decimal) decimal.Decimal {
	u.Balance = u.Balance.Add(delta)
	u.Touch()
	return u.Balance
}
