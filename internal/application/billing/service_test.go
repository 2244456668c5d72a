package billing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/saas/backend/internal/domain/shared"
	"github.com/saas/backend/internal/infrastructure/persistence"
	"github.com/saas/backend/tests/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db := &persistence.Database{DB: testutil.NewSQLiteDB(t)}
	require.NoError(t, db.Migrate(context.Background()))
	tdb, err := db.Scope()
	require.NoError(t, err)
	return NewService(
		persistence.NewGormInvoiceRepository(tdb),
		persistence.NewGormSessionRepository(tdb),
		persistence.NewGormFormRepository(tdb),
		zap.NewNop(),
	)
}

func TestService_ListInvoices_TenantIsolation(t *testing.T) {
	svc := newTestService(t)
	tenantA, tenantB := uuid.New(), uuid.New()
	ctxA, ctxB := testutil.TenantContext(tenantA), testutil.TenantContext(tenantB)
	branch := uuid.New()

	for _, name := range []string{"A1", "A2"} {
		_, err := svc.CreateInvoice(ctxA, CreateInvoiceInput{BranchID: branch, Name: name, Amount: decimal.NewFromInt(10)})
		require.NoError(t, err)
	}
	_, err := svc.CreateInvoice(ctxB, CreateInvoiceInput{BranchID: branch, Name: "B1", Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)

	listA, err := svc.ListInvoices(ctxA, ListInvoicesInput{SortBy: "name", SortOrder: "asc"})
	require.NoError(t, err)
	require.Len(t, listA.Invoices, 2)
	assert.Equal(t, "A1", listA.Invoices[0].Name)
	assert.Equal(t, "A2", listA.Invoices[1].Name)
	assert.Equal(t, int64(2), listA.Total)

	listB, err := svc.ListInvoices(ctxB, ListInvoicesInput{})
	require.NoError(t, err)
	require.Len(t, listB.Invoices, 1)
	assert.Equal(t, "B1", listB.Invoices[0].Name)

	_, err = svc.ListInvoices(context.Background(), ListInvoicesInput{})
	assert.ErrorIs(t, err, shared.ErrUnauthenticated)
}

func TestService_ListInvoices_Filters(t *testing.T) {
	svc := newTestService(t)
	ctx := testutil.TenantContext(uuid.New())
	branch, other := uuid.New(), uuid.New()

	_, err := svc.CreateInvoice(ctx, CreateInvoiceInput{BranchID: branch, Name: "paid", Amount: decimal.NewFromInt(5), Paid: true})
	require.NoError(t, err)
	_, err = svc.CreateInvoice(ctx, CreateInvoiceInput{BranchID: branch, Name: "open", Amount: decimal.NewFromInt(5)})
	require.NoError(t, err)
	_, err = svc.CreateInvoice(ctx, CreateInvoiceInput{BranchID: other, Name: "elsewhere", Amount: decimal.NewFromInt(5)})
	require.NoError(t, err)

	list, err := svc.ListInvoices(ctx, ListInvoicesInput{BranchID: &branch, Status: "unpaid"})
	require.NoError(t, err)
	require.Len(t, list.Invoices, 1)
	assert.Equal(t, "open", list.Invoices[0].Name)

	list, err = svc.ListInvoices(ctx, ListInvoicesInput{PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, list.Invoices, 2)
	assert.Equal(t, 2, list.TotalPages)

	_, err = svc.ListInvoices(ctx, ListInvoicesInput{Status: "void"})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestService_MarkInvoicePaid(t *testing.T) {
	svc := newTestService(t)
	tenantA := uuid.New()
	ctxA := testutil.TenantContext(tenantA)

	inv, err := svc.CreateInvoice(ctxA, CreateInvoiceInput{BranchID: uuid.New(), Name: "A1", Amount: decimal.NewFromInt(40)})
	require.NoError(t, err)

	_, err = svc.MarkInvoicePaid(testutil.TenantContext(uuid.New()), inv.ID)
	assert.ErrorIs(t, err, shared.ErrNotFound)

	paid, err := svc.MarkInvoicePaid(ctxA, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, "paid", paid.Status)

	_, err = svc.MarkInvoicePaid(ctxA, inv.ID)
	assert.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestService_Forms(t *testing.T) {
	svc := newTestService(t)
	ctxA, ctxB := testutil.TenantContext(uuid.New()), testutil.TenantContext(uuid.New())

	optionA, err := svc.AddFormOption(ctxA, "Morning")
	require.NoError(t, err)
	_, err = svc.AddFormOption(ctxB, "Evening")
	require.NoError(t, err)

	labels, err := svc.FormOptions(ctxA)
	require.NoError(t, err)
	assert.Equal(t, []string{"Morning"}, labels)

	require.NoError(t, svc.SubmitFormAnswer(ctxA, uuid.New(), optionA, "yes"))
	assert.ErrorIs(t, svc.SubmitFormAnswer(ctxB, uuid.New(), optionA, "yes"), shared.ErrNotFound)
}

func TestService_RecordSession(t *testing.T) {
	svc := newTestService(t)
	ctx := testutil.TenantContext(uuid.New())

	id, err := svc.RecordSession(ctx, uuid.New(), time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC), []AttendanceInput{
		{UserID: uuid.New(), Status: "present"},
		{UserID: uuid.New(), Status: "late"},
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)

	_, err = svc.RecordSession(ctx, uuid.New(), time.Now(), []AttendanceInput{{UserID: uuid.New()}})
	assert.Error(t, err)
}
