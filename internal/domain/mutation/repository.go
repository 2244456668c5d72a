package mutation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Result describes a committed mutation
type Result struct {
	MutationID   uuid.UUID
	BalanceAfter decimal.Decimal
	AppliedAt    time.Time
	// Duplicate is set when the mutation had already been applied and the
	// attempt was a no-op.
	Duplicate bool
}

// Executor applies one mutation atomically: lock the subject, add the delta,
// record the mutation as applied, commit.
type Executor interface {
	Apply(ctx context.Context, m *Mutation) (Result, error)
}

// Repository is the durable queue behind the dispatcher. Methods other than
// FindRecoverable are scoped to the tenant bound to ctx.
type Repository interface {
	// Save inserts m and assigns its Sequence
	Save(ctx context.Context, m *Mutation) error
	// FindByID retrieves a single mutation
	FindByID(ctx context.Context, id uuid.UUID) (*Mutation, error)
	// FindRecoverable returns unfinished mutations of every tenant ordered by
	// Sequence. Requires a system context.
	FindRecoverable(ctx context.Context, limit int) ([]*Mutation, error)
	// FindDead returns dead-lettered mutations with pagination
	FindDead(ctx context.Context, page, pageSize int) ([]*Mutation, int64, error)
	// Transition persists the status fields of m only while the stored row
	// is still in status from. A row in any other status is left untouched
	// and shared.ErrInvalidState is returned.
	Transition(ctx context.Context, m *Mutation, from Status) error
	// DeleteFinishedBefore removes applied and cancelled mutations older than before
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)
	// CountByStatus returns the number of mutations per status
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}
