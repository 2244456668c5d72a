package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/saas/backend/internal/domain/identity"
	"github.com/saas/backend/internal/infrastructure/persistence/tenant"
	"github.com/saas/backend/tests/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// newScopedSQLite returns a migrated in-memory database with the tenant
// scope installed
func newScopedSQLite(t *testing.T) (*Database, *tenant.TenantDB) {
	t.Helper()
	db := &Database{DB: testutil.NewSQLiteDB(t)}
	require.NoError(t, db.Migrate(context.Background()))
	tdb, err := db.Scope()
	require.NoError(t, err)
	return db, tdb
}

// at builds a UTC timestamp. sqlite compares times as text, so fixtures keep
// a single zone.
func at(year int, month time.Month, day, hour int) time.Time {
	return time.Date(year, month, day, hour, 0, 0, 0, time.UTC)
}

func seedUser(t *testing.T, tdb *tenant.TenantDB, tenantID, branchID uuid.UUID, username string, balance int64) *identity.User {
	t.Helper()
	u, err := identity.NewUser(tenantID, branchID, username, decimal.NewFromInt(balance))
	require.NoError(t, err)
	require.NoError(t, NewGormUserRepository(tdb).Create(testutil.TenantContext(tenantID), u))
	return u
}
