package balance

import (
	"time"

	"github.com/google/uuid"
	"github.com/saas/backend/internal/domain/mutation"
	"github.com/saas/backend/internal/infrastructure/partition"
	"github.com/shopspring/decimal"
)

// SubmitMutationCommand asks for delta to be added to a subject's balance
type SubmitMutationCommand struct {
	SubjectID      uuid.UUID
	Delta          decimal.Decimal
	IdempotencyKey string // optional
}

// Receipt acknowledges a durably accepted mutation
type Receipt struct {
	MutationID  uuid.UUID `json:"mutation_id"`
	PartitionID string    `json:"partition_id"`
	Accepted    bool      `json:"accepted"`
	// Queued is false when the dispatcher was not running; the mutation is
	// picked up by the dispatcher's poll loop or by recovery on start.
	Queued bool `json:"queued"`

	Ticket *partition.Ticket `json:"-"`
}

// MutationDTO is the externally visible state of a mutation
type MutationDTO struct {
	ID             uuid.UUID        `json:"id"`
	SubjectID      uuid.UUID        `json:"subject_id"`
	PartitionKey   string           `json:"partition_key"`
	Delta          decimal.Decimal  `json:"delta"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	Status         string           `json:"status"`
	Attempts       int              `json:"attempts"`
	LastError      string           `json:"last_error,omitempty"`
	BalanceAfter   *decimal.Decimal `json:"balance_after,omitempty"`
	AppliedAt      *time.Time       `json:"applied_at,omitempty"`
	SubmittedAt    time.Time        `json:"submitted_at"`
}

// DeadLetterList is a page of dead-lettered mutations
type DeadLetterList struct {
	Mutations  []MutationDTO `json:"mutations"`
	Total      int64         `json:"total"`
	Page       int           `json:"page"`
	PageSize   int           `json:"page_size"`
	TotalPages int           `json:"total_pages"`
}

func toMutationDTO(m *mutation.Mutation) MutationDTO {
	dto := MutationDTO{
		ID:             m.ID,
		SubjectID:      m.SubjectID,
		PartitionKey:   m.PartitionKey,
		Delta:          m.Delta,
		IdempotencyKey: m.IdempotencyKey,
		Status:         string(m.Status),
		Attempts:       m.Attempts,
		LastError:      m.LastError,
		AppliedAt:      m.AppliedAt,
		SubmittedAt:    m.SubmittedAt,
	}
	if m.BalanceAfter.Valid {
		b := m.BalanceAfter.Decimal
		dto.BalanceAfter = &b
	}
	return dto
}
