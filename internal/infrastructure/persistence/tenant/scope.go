package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/saas/backend/internal/domain/shared"
	"github.com/saas/backend/internal/infrastructure/auth"
	"gorm.io/gorm"
)

// TenantDB wraps a *gorm.DB that has the scope plugin installed. Repositories
// of tenant-owned entities take a TenantDB so they cannot be handed an
// unscoped connection.
type TenantDB struct {
	db     *gorm.DB
	plugin *Plugin
}

// NewTenantDB installs the scope plugin on db and registers models as
// tenant-owned
func NewTenantDB(db *gorm.DB, models []interface{}, opts ...Option) (*TenantDB, error) {
	plugin := NewPlugin(opts...)
	if err := db.Use(plugin); err != nil {
		return nil, fmt.Errorf("install tenant scope: %w", err)
	}
	if err := plugin.Register(db, models...); err != nil {
		return nil, err
	}
	return &TenantDB{db: db, plugin: plugin}, nil
}

// DB returns the underlying connection. Statements made through it are still
// scoped by the plugin, and hand-written SQL through it still needs a system
// context.
func (t *TenantDB) DB() *gorm.DB {
	return t.db
}

// Plugin returns the installed scope plugin
func (t *TenantDB) Plugin() *Plugin {
	return t.plugin
}

// WithContext returns a session bound to ctx. A context without a tenant or
// system marker yields a session that already carries
// shared.ErrTenantContextMissing, so nothing reaches storage.
func (t *TenantDB) WithContext(ctx context.Context) *gorm.DB {
	tx := t.db.WithContext(ctx)
	if err := requireScope(ctx); err != nil {
		_ = tx.AddError(err)
	}
	return tx
}

// Transaction runs fn in a transaction bound to ctx
func (t *TenantDB) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if err := requireScope(ctx); err != nil {
		return err
	}
	return t.db.WithContext(ctx).Transaction(fn)
}

// TenantID returns the tenant statements made with ctx are scoped to
func (t *TenantDB) TenantID(ctx context.Context) (uuid.UUID, error) {
	id, err := auth.ResolveTenant(ctx)
	if err != nil {
		return uuid.Nil, shared.ErrTenantContextMissing
	}
	return id, nil
}

func requireScope(ctx context.Context) error {
	if auth.IsSystem(ctx) {
		return nil
	}
	if _, err := auth.ResolveTenant(ctx); err != nil {
		return shared.ErrTenantContextMissing
	}
	return nil
}

// Predicate narrows a query. It must not remove conditions.
type Predicate func(*gorm.DB) *gorm.DB

// ScopedQuery returns every T matching predicate within the acting tenant
func ScopedQuery[T any](ctx context.Context, t *TenantDB, predicate Predicate) ([]T, error) {
	var out []T
	tx, err := scopedModel[T](ctx, t)
	if err != nil {
		return nil, err
	}
	if predicate != nil {
		tx = predicate(tx)
	}
	if err := tx.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ScopedFirst returns the first T matching predicate within the acting
// tenant, or shared.ErrNotFound
func ScopedFirst[T any](ctx context.Context, t *TenantDB, predicate Predicate) (*T, error) {
	var out T
	tx, err := scopedModel[T](ctx, t)
	if err != nil {
		return nil, err
	}
	if predicate != nil {
		tx = predicate(tx)
	}
	if err := tx.First(&out).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

// ScopedCreate inserts entity, stamping the acting tenant when the entity
// has none. A different tenant fails with shared.ErrTenantMismatch unless
// ctx is a system context.
func ScopedCreate[T any](ctx context.Context, t *TenantDB, entity *T) error {
	if _, err := scopedModel[T](ctx, t); err != nil {
		return err
	}
	return t.WithContext(ctx).Create(entity).Error
}

func scopedModel[T any](ctx context.Context, t *TenantDB) (*gorm.DB, error) {
	var model T
	if !t.plugin.IsTenantOwned(t.db, &model) {
		return nil, fmt.Errorf("%T: %w", model, ErrNotTenantOwned)
	}
	if err := requireScope(ctx); err != nil {
		return nil, err
	}
	return t.db.WithContext(ctx).Model(&model), nil
}
