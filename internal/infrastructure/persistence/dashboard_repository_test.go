package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/saas/backend/internal/domain/billing"
	"github.com/saas/backend/internal/domain/dashboard"
	"github.com/saas/backend/internal/domain/identity"
	"github.com/saas/backend/internal/domain/shared"
	"github.com/saas/backend/tests/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dashboardFixture struct {
	tenantA, tenantB uuid.UUID
	branch, other    uuid.UUID
	source           *GormMetricsSource
}

func newDashboardFixture(t *testing.T) *dashboardFixture {
	t.Helper()
	_, tdb := newScopedSQLite(t)
	f := &dashboardFixture{
		tenantA: uuid.New(),
		tenantB: uuid.New(),
		branch:  uuid.New(),
		other:   uuid.New(),
		source:  NewGormMetricsSource(tdb),
	}
	ctxA, ctxB := testutil.TenantContext(f.tenantA), testutil.TenantContext(f.tenantB)

	invoices := NewGormInvoiceRepository(tdb)
	invoice := func(ctx context.Context, branch uuid.UUID, amount int64, status billing.InvoiceStatus, created time.Time) {
		inv, err := billing.NewInvoice(uuid.Nil, branch, "inv", decimal.NewFromInt(amount))
		require.NoError(t, err)
		inv.Status = status
		inv.CreatedAt, inv.UpdatedAt = created, created
		require.NoError(t, invoices.Create(ctx, inv))
	}
	invoice(ctxA, f.branch, 100, billing.InvoiceStatusPaid, at(2026, 10, 5, 9))
	invoice(ctxA, f.branch, 20, billing.InvoiceStatusPaid, at(2026, 10, 31, 23))
	invoice(ctxA, f.branch, 50, billing.InvoiceStatusPaid, at(2026, 9, 20, 9))
	invoice(ctxA, f.branch, 70, billing.InvoiceStatusUnpaid, at(2026, 10, 10, 9))
	invoice(ctxA, f.branch, 30, billing.InvoiceStatusUnpaid, at(2026, 9, 1, 9))
	invoice(ctxA, f.branch, 40, billing.InvoiceStatusUnpaid, at(2026, 11, 1, 0))
	invoice(ctxA, f.other, 500, billing.InvoiceStatusPaid, at(2026, 10, 5, 9))
	invoice(ctxB, f.branch, 1000, billing.InvoiceStatusPaid, at(2026, 10, 5, 9))
	invoice(ctxB, f.branch, 1000, billing.InvoiceStatusUnpaid, at(2026, 10, 5, 9))

	users := NewGormUserRepository(tdb)
	user := func(ctx context.Context, name string, created time.Time) {
		u, err := identity.NewUser(uuid.Nil, f.branch, name, decimal.Zero)
		require.NoError(t, err)
		u.CreatedAt, u.UpdatedAt = created, created
		require.NoError(t, users.Create(ctx, u))
	}
	user(ctxA, "october", at(2026, 10, 3, 12))
	user(ctxA, "september", at(2026, 9, 30, 23))
	user(ctxB, "foreign", at(2026, 10, 3, 12))

	sessions := NewGormSessionRepository(tdb)
	session := func(ctx context.Context, startsAt time.Time, statuses ...string) {
		s := billing.NewSession(uuid.Nil, f.branch, startsAt)
		for _, status := range statuses {
			_, err := s.Record(uuid.New(), status)
			require.NoError(t, err)
		}
		require.NoError(t, sessions.Create(ctx, s))
	}
	session(ctxA, at(2026, 10, 7, 18), billing.AttendancePresent, billing.AttendancePresent, billing.AttendanceAbsent)
	session(ctxA, at(2026, 9, 7, 18), billing.AttendanceLate)
	session(ctxB, at(2026, 10, 7, 18), billing.AttendancePresent)

	return f
}

func TestGormMetricsSource_Compute(t *testing.T) {
	f := newDashboardFixture(t)
	ctxA := testutil.TenantContext(f.tenantA)
	bucket, err := dashboard.ParseBucket("2026-10")
	require.NoError(t, err)

	t.Run("shared cutoff", func(t *testing.T) {
		m, err := f.source.Compute(ctxA, f.branch, bucket, dashboard.CutoffShared)
		require.NoError(t, err)
		assert.True(t, m.TotalRevenueThisMonth.Equal(decimal.NewFromInt(120)), m.TotalRevenueThisMonth.String())
		assert.Equal(t, int64(1), m.TotalUnpaidInvoices)
		assert.Equal(t, int64(1), m.NewUsersThisMonth)
		assert.Equal(t, map[string]int64{"present": 2, "absent": 1}, m.SessionAttendanceBreakdown)
	})

	t.Run("split cutoff counts older unpaid invoices", func(t *testing.T) {
		m, err := f.source.Compute(ctxA, f.branch, bucket, dashboard.CutoffSplit)
		require.NoError(t, err)
		assert.True(t, m.TotalRevenueThisMonth.Equal(decimal.NewFromInt(120)))
		assert.Equal(t, int64(2), m.TotalUnpaidInvoices)
	})

	t.Run("recomputation is idempotent", func(t *testing.T) {
		first, err := f.source.Compute(ctxA, f.branch, bucket, dashboard.CutoffShared)
		require.NoError(t, err)
		second, err := f.source.Compute(ctxA, f.branch, bucket, dashboard.CutoffShared)
		require.NoError(t, err)
		assert.True(t, first.Equal(second))
	})

	t.Run("empty month", func(t *testing.T) {
		empty, err := dashboard.ParseBucket("2025-01")
		require.NoError(t, err)
		m, err := f.source.Compute(ctxA, f.branch, empty, dashboard.CutoffShared)
		require.NoError(t, err)
		assert.True(t, m.TotalRevenueThisMonth.IsZero())
		assert.Zero(t, m.TotalUnpaidInvoices)
		assert.Zero(t, m.NewUsersThisMonth)
		assert.Empty(t, m.SessionAttendanceBreakdown)
	})

	t.Run("other tenant sees only its rows", func(t *testing.T) {
		m, err := f.source.Compute(testutil.TenantContext(f.tenantB), f.branch, bucket, dashboard.CutoffShared)
		require.NoError(t, err)
		assert.True(t, m.TotalRevenueThisMonth.Equal(decimal.NewFromInt(1000)))
		assert.Equal(t, int64(1), m.TotalUnpaidInvoices)
		assert.Equal(t, map[string]int64{"present": 1}, m.SessionAttendanceBreakdown)
	})

	t.Run("no tenant fails closed", func(t *testing.T) {
		_, err := f.source.Compute(context.Background(), f.branch, bucket, dashboard.CutoffShared)
		assert.ErrorIs(t, err, shared.ErrTenantContextMissing)
	})
}

func TestGormMetricsSource_ListSubjects(t *testing.T) {
	f := newDashboardFixture(t)

	_, err := f.source.ListSubjects(testutil.TenantContext(f.tenantA))
	assert.ErrorIs(t, err, shared.ErrTenantContextMissing)

	subjects, err := f.source.ListSubjects(testutil.SystemContext())
	require.NoError(t, err)
	assert.ElementsMatch(t, []dashboard.Subject{
		{TenantID: f.tenantA, SubjectID: f.branch},
		{TenantID: f.tenantA, SubjectID: f.other},
		{TenantID: f.tenantB, SubjectID: f.branch},
	}, subjects)
	for i := 1; i < len(subjects); i++ {
		assert.LessOrEqual(t, subjects[i-1].TenantID.String(), subjects[i].TenantID.String())
	}
}
