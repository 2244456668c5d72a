package mutation

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/saas/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMutation() *Mutation {
	m := New(uuid.New(), uuid.New(), decimal.NewFromInt(10))
	m.PartitionKey = m.SubjectID.String()
	return m
}

func TestMutation_Lifecycle(t *testing.T) {
	t.Run("pending to applied", func(t *testing.T) {
		m := newTestMutation()
		require.NoError(t, m.MarkExecuting())
		assert.Equal(t, StatusExecuting, m.Status)
		assert.Equal(t, 1, m.Attempts)

		m.MarkApplied(decimal.NewFromInt(110), time.Now())
		assert.Equal(t, StatusApplied, m.Status)
		assert.True(t, m.BalanceAfter.Valid)
		assert.True(t, m.Status.IsTerminal())
	})

	t.Run("executing cannot start twice", func(t *testing.T) {
		m := newTestMutation()
		require.NoError(t, m.MarkExecuting())
		assert.Error(t, m.MarkExecuting())
	})

	t.Run("retry returns to pending with a due time", func(t *testing.T) {
		m := newTestMutation()
		require.NoError(t, m.MarkExecuting())

		m.MarkRetrying("lock timeout", time.Second)

		assert.Equal(t, StatusPending, m.Status)
		require.NotNil(t, m.NextRetryAt)
		assert.True(t, m.NextRetryAt.After(time.Now()))
		require.NoError(t, m.MarkExecuting())
		assert.Equal(t, 2, m.Attempts)
	})

	t.Run("dead can be requeued", func(t *testing.T) {
		m := newTestMutation()
		require.NoError(t, m.MarkExecuting())
		m.MarkDead("exhausted")
		assert.True(t, m.IsDead())

		require.NoError(t, m.ResetForRetry())
		assert.Equal(t, StatusPending, m.Status)
		assert.Zero(t, m.Attempts)
		assert.Error(t, m.ResetForRetry())
	})
}

func TestMutation_Cancel(t *testing.T) {
	m := newTestMutation()
	require.NoError(t, m.Cancel())
	assert.Equal(t, StatusCancelled, m.Status)

	executing := newTestMutation()
	require.NoError(t, executing.MarkExecuting())
	assert.ErrorIs(t, executing.Cancel(), shared.ErrMutationNotCancellable)
}

func TestMutation_LaneName(t *testing.T) {
	m := newTestMutation()
	m.PartitionKey = "123"
	assert.Equal(t, "user_balance_123", m.LaneName())
}

func TestBackoff(t *testing.T) {
	base, ceiling := 100*time.Millisecond, time.Second

	assert.Equal(t, 100*time.Millisecond, Backoff(1, base, ceiling))
	assert.Equal(t, 200*time.Millisecond, Backoff(2, base, ceiling))
	assert.Equal(t, 400*time.Millisecond, Backoff(3, base, ceiling))
	assert.Equal(t, time.Second, Backoff(5, base, ceiling))
	assert.Equal(t, time.Second, Backoff(64, base, ceiling))
	assert.Equal(t, 100*time.Millisecond, Backoff(0, base, ceiling))
}

func TestFailedError(t *testing.T) {
	m := newTestMutation()

	exhausted := &FailedError{Mutation: m, Attempts: 3, Exhausted: true, Err: errors.New("deadlock detected")}
	assert.ErrorIs(t, exhausted, shared.ErrMutationFailed)
	assert.Contains(t, exhausted.Error(), "after 3 attempts")

	rejected := &FailedError{Mutation: m, Attempts: 1, Err: fmt.Errorf("user %s: %w", m.SubjectID, shared.ErrSubjectNotFound)}
	assert.NotErrorIs(t, rejected, shared.ErrMutationFailed)
	assert.ErrorIs(t, rejected, shared.ErrSubjectNotFound)

	var fe *FailedError
	require.ErrorAs(t, fmt.Errorf("wrapped: %w", exhausted), &fe)
	assert.Same(t, m, fe.Mutation)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(errors.New("could not obtain lock")))
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(shared.ErrSubjectNotFound))
	assert.False(t, IsTransient(fmt.Errorf("scoped: %w", shared.ErrTenantContextMissing)))
	assert.False(t, IsTransient(shared.ErrTenantMismatch))
	assert.False(t, IsTransient(fmt.Errorf("apply: %w", Permanent(errors.New("check constraint")))))
	assert.Nil(t, Permanent(nil))
}
