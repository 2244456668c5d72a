package mutation

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/saas/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// Status represents where a mutation is in its lifecycle
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusExecuting Status = "EXECUTING"
	StatusApplied   Status = "APPLIED"
	StatusDead      Status = "DEAD"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether no further transition is expected without
// operator action
func (s Status) IsTerminal() bool {
	return s == StatusApplied || s == StatusDead || s == StatusCancelled
}

// Mutation is a request to add Delta to the balance of SubjectID. Requests
// sharing a PartitionKey are applied in Sequence order.
type Mutation struct {
	ID             uuid.UUID
	Sequence       int64
	TenantID       uuid.UUID
	SubjectID      uuid.UUID
	PartitionKey   string
	Delta          decimal.Decimal
	IdempotencyKey string
	Status         Status
	Attempts       int
	LastError      string
	BalanceAfter   decimal.NullDecimal
	NextRetryAt    *time.Time
	AppliedAt      *time.Time
	SubmittedAt    time.Time
	UpdatedAt      time.Time
}

// New creates a pending mutation for subjectID owned by tenantID
func New(tenantID, subjectID uuid.UUID, delta decimal.Decimal) *Mutation {
	now := time.Now()
	return &Mutation{
		ID:          uuid.New(),
		TenantID:    tenantID,
		SubjectID:   subjectID,
		Delta:       delta,
		Status:      StatusPending,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
}

func (m *Mutation) GetTenantID() uuid.UUID         { return m.TenantID }
func (m *Mutation) SetTenantID(tenantID uuid.UUID) { m.TenantID = tenantID }

// LaneName is the human readable name of the mutation's partition, used in
// logs and metrics.
func (m *Mutation) LaneName() string {
	return "user_balance_" + m.PartitionKey
}

// MarkExecuting records the start of an attempt
func (m *Mutation) MarkExecuting() error {
	if m.Status != StatusPending {
		return errors.New("can only execute pending mutations")
	}
	m.Status = StatusExecuting
	m.Attempts++
	m.NextRetryAt = nil
	m.UpdatedAt = time.Now()
	return nil
}

// MarkApplied records a committed attempt
func (m *Mutation) MarkApplied(balanceAfter decimal.Decimal, at time.Time) {
	m.Status = StatusApplied
	m.BalanceAfter = decimal.NewNullDecimal(balanceAfter)
	m.AppliedAt = &at
	m.LastError = ""
	m.UpdatedAt = at
}

// MarkRetrying returns an executing mutation to pending after a transient
// failure. The next attempt is not made before now+backoff.
func (m *Mutation) MarkRetrying(errMsg string, backoff time.Duration) {
	next := time.Now().Add(backoff)
	m.Status = StatusPending
	m.LastError = errMsg
	m.NextRetryAt = &next
	m.UpdatedAt = time.Now()
}

// MarkDead sets the mutation aside so its partition can continue
func (m *Mutation) MarkDead(errMsg string) {
	m.Status = StatusDead
	m.LastError = errMsg
	m.NextRetryAt = nil
	m.UpdatedAt = time.Now()
}

// Cancel drops a mutation that has not started executing
func (m *Mutation) Cancel() error {
	if m.Status != StatusPending {
		return shared.ErrMutationNotCancellable
	}
	m.Status = StatusCancelled
	m.UpdatedAt = time.Now()
	return nil
}

// ResetForRetry puts a dead mutation back in the queue
func (m *Mutation) ResetForRetry() error {
	if m.Status != StatusDead {
		return fmt.Errorf("can only requeue dead mutations: %w", shared.ErrInvalidState)
	}
	m.Status = StatusPending
	m.Attempts = 0
	m.LastError = ""
	m.NextRetryAt = nil
	m.UpdatedAt = time.Now()
	return nil
}

// IsDead reports whether the mutation was dead-lettered
func (m *Mutation) IsDead() bool {
	return m.Status == StatusDead
}

// Clone returns a copy safe to hand to another goroutine
func (m *Mutation) Clone() *Mutation {
	c := *m
	return &c
}

// Backoff returns the delay before retry number attempt (1-based):
// base, 2*base, 4*base, ... capped at ceiling.
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return ceiling
	}
	d := base * time.Duration(1<<uint(attempt-1))
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}
