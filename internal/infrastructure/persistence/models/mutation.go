package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/saas/backend/internal/domain/mutation"
	"github.com/shopspring/decimal"
)

// MutationModel is the durable record of a balance mutation. Sequence is the
// submission order used to recover partitions in FIFO order.
type MutationModel struct {
	Sequence       int64               `gorm:"primaryKey;autoIncrement"`
	MutationID     uuid.UUID           `gorm:"type:uuid;not null;uniqueIndex"`
	TenantID       uuid.UUID           `gorm:"type:uuid;not null;index"`
	SubjectID      uuid.UUID           `gorm:"type:uuid;not null;index"`
	PartitionKey   string              `gorm:"type:varchar(64);not null;index"`
	Delta          decimal.Decimal     `gorm:"type:decimal(18,4);not null"`
	IdempotencyKey string              `gorm:"type:varchar(200)"`
	Status         mutation.Status     `gorm:"type:varchar(20);not null;index"`
	Attempts       int                 `gorm:"not null;default:0"`
	LastError      string              `gorm:"type:text"`
	BalanceAfter   decimal.NullDecimal `gorm:"type:decimal(18,4)"`
	NextRetryAt    *time.Time
	AppliedAt      *time.Time `gorm:"index"`
	SubmittedAt    time.Time  `gorm:"not null"`
	UpdatedAt      time.Time  `gorm:"not null;index"`
}

// TableName returns the table name for GORM
func (MutationModel) TableName() string {
	return "balance_mutations"
}

// ToDomain converts the persistence model to a domain Mutation
func (m *MutationModel) ToDomain() *mutation.Mutation {
	return &mutation.Mutation{
		ID:             m.MutationID,
		Sequence:       m.Sequence,
		TenantID:       m.TenantID,
		SubjectID:      m.SubjectID,
		PartitionKey:   m.PartitionKey,
		Delta:          m.Delta,
		IdempotencyKey: m.IdempotencyKey,
		Status:         m.Status,
		Attempts:       m.Attempts,
		LastError:      m.LastError,
		BalanceAfter:   m.BalanceAfter,
		NextRetryAt:    m.NextRetryAt,
		AppliedAt:      m.AppliedAt,
		SubmittedAt:    m.SubmittedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

// MutationModelFromDomain creates a persistence model from a domain Mutation
func MutationModelFromDomain(mu *mutation.Mutation) *MutationModel {
	return &MutationModel{
		Sequence:       mu.Sequence,
		MutationID:     mu.ID,
		TenantID:       mu.TenantID,
		SubjectID:      mu.SubjectID,
		PartitionKey:   mu.PartitionKey,
		Delta:          mu.Delta,
		IdempotencyKey: mu.IdempotencyKey,
		Status:         mu.Status,
		Attempts:       mu.Attempts,
		LastError:      mu.LastError,
		BalanceAfter:   mu.BalanceAfter,
		NextRetryAt:    mu.NextRetryAt,
		AppliedAt:      mu.AppliedAt,
		SubmittedAt:    mu.SubmittedAt,
		UpdatedAt:      mu.UpdatedAt,
	}
}
