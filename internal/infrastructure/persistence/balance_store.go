package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/saas/backend/internal/domain/mutation"
	"github.com/saas/backend/internal/domain/shared"
	"github.com/saas/backend/internal/infrastructure/persistence/models"
	"github.com/saas/backend/internal/infrastructure/persistence/tenant"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BalanceStore applies balance mutations. Each Apply is one transaction that
// locks the mutation row and the subject row, adds the delta and records the
// mutation as applied.
type BalanceStore struct {
	db          *tenant.TenantDB
	lockTimeout time.Duration
}

// NewBalanceStore creates a BalanceStore. lockTimeout bounds the wait for row
// locks on postgres; zero leaves the server default.
func NewBalanceStore(db *tenant.TenantDB, lockTimeout time.Duration) *BalanceStore {
	return &BalanceStore{db: db, lockTimeout: lockTimeout}
}

// Apply implements mutation.Executor. ctx must carry the mutation's tenant.
// A mutation that is no longer pending or executing is reported as a
// duplicate and nothing is written.
func (s *BalanceStore) Apply(ctx context.Context, m *mutation.Mutation) (mutation.Result, error) {
	var res mutation.Result
	err := s.db.Transaction(ctx, func(tx *gorm.DB) error {
		if err := s.setLockTimeout(tx); err != nil {
			return err
		}

		var row models.MutationModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("mutation_id = ?", m.ID).
			First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("mutation %s: %w", m.ID, shared.ErrNotFound)
			}
			return err
		}
		if row.Status != mutation.StatusPending && row.Status != mutation.StatusExecuting {
			res = mutation.Result{MutationID: m.ID, Duplicate: true}
			if row.BalanceAfter.Valid {
				res.BalanceAfter = row.BalanceAfter.Decimal
			}
			if row.AppliedAt != nil {
				res.AppliedAt = *row.AppliedAt
			}
			return nil
		}

		var user models.UserModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", m.SubjectID).
			First(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("user %s: %w", m.SubjectID, shared.ErrSubjectNotFound)
			}
			return err
		}

		now := time.Now()
		balance := user.Balance.Add(m.Delta)
		if err := tx.Model(&models.UserModel{}).
			Where("id = ?", m.SubjectID).
			Updates(map[string]interface{}{
				"balance":    balance,
				"updated_at": now,
			}).Error; err != nil {
			return err
		}

		applied := tx.Model(&models.MutationModel{}).
			Where("mutation_id = ? AND status IN ?", m.ID,
				[]mutation.Status{mutation.StatusPending, mutation.StatusExecuting}).
			Updates(map[string]interface{}{
				"status":        mutation.StatusApplied,
				"attempts":      m.Attempts,
				"last_error":    "",
				"balance_after": balance,
				"applied_at":    now,
				"next_retry_at": nil,
				"updated_at":    now,
			})
		if applied.Error != nil {
			return applied.Error
		}
		if applied.RowsAffected != 1 {
			return fmt.Errorf("mutation %s changed while locked", m.ID)
		}

		res = mutation.Result{MutationID: m.ID, BalanceAfter: balance, AppliedAt: now}
		return nil
	})
	if err != nil {
		return mutation.Result{}, classify(err)
	}
	return res, nil
}

func (s *BalanceStore) setLockTimeout(tx *gorm.DB) error {
	if s.lockTimeout <= 0 || tx.Dialector.Name() != "postgres" {
		return nil
	}
	return tx.Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())).Error
}

// Ensure BalanceStore implements mutation.Executor
var _ mutation.Executor = (*BalanceStore)(nil)
