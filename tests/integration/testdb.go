// Package integration runs the engine against a real PostgreSQL started with
// testcontainers. The schema comes from the embedded SQL migrations.
package integration

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/saas/backend/internal/domain/identity"
	"github.com/saas/backend/internal/infrastructure/migration"
	"github.com/saas/backend/internal/infrastructure/persistence"
	"github.com/saas/backend/internal/infrastructure/persistence/tenant"
	"github.com/saas/backend/tests/testutil"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
)

// TestDB is a migrated postgres database with the tenant scope installed
type TestDB struct {
	Database  *persistence.Database
	Scoped    *tenant.TenantDB
	Container testcontainers.Container
	DSN       string
	t         *testing.T
}

// NewTestDB starts a fresh PostgreSQL container, applies the migrations and
// installs the tenant scope. It skips under -short.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("saas_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("admin123"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("PostgreSQL container unavailable: %v", err)
	}

	tdb := &TestDB{Container: container, t: t}
	t.Cleanup(tdb.Close)

	tdb.DSN, err = container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "Failed to get connection string")

	require.NoError(t, migration.Run(tdb.DSN, zap.NewNop()), "Failed to run migrations")

	logLevel := "silent"
	if os.Getenv("TEST_DB_DEBUG") != "" {
		logLevel = "info"
	}
	zapLogger := zap.NewNop()
	if logLevel == "info" {
		zapLogger, _ = zap.NewDevelopment()
	}
	tdb.Database, err = persistence.Open(gormpostgres.Open(tdb.DSN), zapLogger, logLevel)
	require.NoError(t, err, "Failed to connect to database")

	sqlDB, err := tdb.Database.DB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)

	tdb.Scoped, err = tdb.Database.Scope()
	require.NoError(t, err, "Failed to install tenant scope")
	return tdb
}

// Close closes the database connection and terminates the container
func (tdb *TestDB) Close() {
	if tdb.Database != nil {
		_ = tdb.Database.Close()
	}
	if tdb.Container != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := tdb.Container.Terminate(ctx); err != nil {
			tdb.t.Logf("Warning: Failed to terminate container: %v", err)
		}
	}
}

// CreateTenant inserts an active tenant and returns its ID
func (tdb *TestDB) CreateTenant(code string) uuid.UUID {
	tdb.t.Helper()

	tn, err := identity.NewTenant(code, "Tenant "+code)
	require.NoError(tdb.t, err)
	repo := persistence.NewGormTenantRepository(tdb.Database.DB)
	require.NoError(tdb.t, repo.Create(testutil.SystemContext(), tn), "Failed to create test tenant")
	return tn.ID
}
