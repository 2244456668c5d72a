package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/saas/backend/internal/domain/identity"
	"github.com/saas/backend/internal/domain/mutation"
	"github.com/saas/backend/internal/infrastructure/partition"
	"github.com/saas/backend/internal/infrastructure/persistence"
	"github.com/saas/backend/tests/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func seedUser(t *testing.T, tdb *TestDB, ctx context.Context, username string, balance int64) *identity.User {
	t.Helper()
	u, err := identity.NewUser(uuid.Nil, uuid.New(), username, decimal.NewFromInt(balance))
	require.NoError(t, err)
	require.NoError(t, persistence.NewGormUserRepository(tdb.Scoped).Create(ctx, u))
	return u
}

func balanceOf(t *testing.T, tdb *TestDB, ctx context.Context, id uuid.UUID) decimal.Decimal {
	t.Helper()
	u, err := persistence.NewGormUserRepository(tdb.Scoped).FindByID(ctx, id)
	require.NoError(t, err)
	return u.Balance
}

// Concurrent transactions on one subject serialize on the row lock, so no
// delta is lost even without the dispatcher.
func TestBalanceStore_ConcurrentApplyOnOneSubject(t *testing.T) {
	tdb := NewTestDB(t)
	tenantID := tdb.CreateTenant("LOCKS")
	ctx := testutil.TenantContext(tenantID)
	user := seedUser(t, tdb, ctx, "alice", 100)

	repo := persistence.NewGormMutationRepository(tdb.Scoped)
	store := persistence.NewBalanceStore(tdb.Scoped, 5*time.Second)

	const n = 25
	muts := make([]*mutation.Mutation, n)
	for i := range muts {
		muts[i] = mutation.New(tenantID, user.ID, decimal.NewFromInt(2))
		muts[i].PartitionKey = user.ID.String()
		require.NoError(t, repo.Save(ctx, muts[i]))
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range muts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Apply(ctx, muts[i])
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.True(t, decimal.NewFromInt(150).Equal(balanceOf(t, tdb, ctx, user.ID)))

	again, err := store.Apply(ctx, muts[0])
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.True(t, decimal.NewFromInt(150).Equal(balanceOf(t, tdb, ctx, user.ID)))
}

func TestBalanceStore_OtherTenantSubjectIsNotFound(t *testing.T) {
	tdb := NewTestDB(t)
	tenantA, tenantB := tdb.CreateTenant("TA"), tdb.CreateTenant("TB")
	ctxA, ctxB := testutil.TenantContext(tenantA), testutil.TenantContext(tenantB)
	victim := seedUser(t, tdb, ctxA, "victim", 100)

	m := mutation.New(tenantB, victim.ID, decimal.NewFromInt(-100))
	m.PartitionKey = victim.ID.String()
	require.NoError(t, persistence.NewGormMutationRepository(tdb.Scoped).Save(ctxB, m))

	_, err := persistence.NewBalanceStore(tdb.Scoped, time.Second).Apply(ctxB, m)
	require.Error(t, err)
	assert.True(t, decimal.NewFromInt(100).Equal(balanceOf(t, tdb, ctxA, victim.ID)))
}

// Two subjects: the first gets +10 then -20 on its own partition, the second
// gets +50 concurrently. Both end where the ordered sums say.
func TestDispatcher_OrderedPerSubjectOnPostgres(t *testing.T) {
	tdb := NewTestDB(t)
	tenantID := tdb.CreateTenant("ORDER")
	ctx := testutil.TenantContext(tenantID)
	u123 := seedUser(t, tdb, ctx, "user123", 100)
	u456 := seedUser(t, tdb, ctx, "user456", 100)

	repo := persistence.NewGormMutationRepository(tdb.Scoped)
	cfg := partition.DefaultConfig()
	cfg.BaseBackoff = 10 * time.Millisecond
	d := partition.NewDispatcher(cfg, persistence.NewBalanceStore(tdb.Scoped, 5*time.Second), repo, zap.NewNop())
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.Stop(stopCtx)
	})

	submit := func(subject uuid.UUID, delta int64) *partition.Ticket {
		m := mutation.New(tenantID, subject, decimal.NewFromInt(delta))
		m.PartitionKey = d.Router().Route(m)
		require.NoError(t, repo.Save(ctx, m))
		ticket, err := d.Submit(ctx, m)
		require.NoError(t, err)
		return ticket
	}

	first := submit(u123.ID, 10)
	other := submit(u456.ID, 50)
	second := submit(u123.ID, -20)

	waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r1, err := first.Wait(waitCtx)
	require.NoError(t, err)
	r2, err := second.Wait(waitCtx)
	require.NoError(t, err)
	r3, err := other.Wait(waitCtx)
	require.NoError(t, err)

	assert.Equal(t, first.PartitionID, second.PartitionID)
	assert.True(t, decimal.NewFromInt(110).Equal(r1.BalanceAfter), "first delta applied first")
	assert.True(t, decimal.NewFromInt(90).Equal(r2.BalanceAfter))
	assert.True(t, decimal.NewFromInt(150).Equal(r3.BalanceAfter))

	assert.True(t, decimal.NewFromInt(90).Equal(balanceOf(t, tdb, ctx, u123.ID)))
	assert.True(t, decimal.NewFromInt(150).Equal(balanceOf(t, tdb, ctx, u456.ID)))

	stored, err := repo.FindByID(ctx, first.MutationID)
	require.NoError(t, err)
	assert.Equal(t, mutation.StatusApplied, stored.Status)
	assert.Equal(t, int64(3), d.Stats().Applied)
}

// Pending rows left by a previous process are executed on the next start.
func TestDispatcher_RecoversPendingOnPostgres(t *testing.T) {
	tdb := NewTestDB(t)
	tenantID := tdb.CreateTenant("RECOVER")
	ctx := testutil.TenantContext(tenantID)
	user := seedUser(t, tdb, ctx, "bob", 0)

	repo := persistence.NewGormMutationRepository(tdb.Scoped)
	for _, delta := range []int64{5, 7} {
		m := mutation.New(tenantID, user.ID, decimal.NewFromInt(delta))
		m.PartitionKey = user.ID.String()
		require.NoError(t, repo.Save(ctx, m))
	}

	d := partition.NewDispatcher(partition.DefaultConfig(), persistence.NewBalanceStore(tdb.Scoped, time.Second), repo, nil)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Stop(context.Background()) })

	require.True(t, testutil.WaitForCondition(t, func() bool {
		return d.Stats().Applied == 2
	}, 30*time.Second, 50*time.Millisecond))
	assert.True(t, decimal.NewFromInt(12).Equal(balanceOf(t, tdb, ctx, user.ID)))
}
