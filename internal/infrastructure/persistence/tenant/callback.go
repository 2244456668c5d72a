package tenant

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sync"

	"github.com/google/uuid"
	"github.com/saas/backend/internal/domain/shared"
	"github.com/saas/backend/internal/infrastructure/auth"
	"github.com/saas/backend/internal/infrastructure/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

// Errors reported by the scope plugin in addition to the shared tenant errors
var (
	ErrRawStatement   = errors.New("raw SQL requires a system context")
	ErrNotTenantOwned = errors.New("model has no tenant column")
	ErrUpsert         = errors.New("upsert against a tenant-owned table requires a system context")
)

// sessionStatement matches hand-written statements that read or write no
// rows: transaction settings and savepoints
var sessionStatement = regexp.MustCompile(`(?i)^\s*(SET LOCAL [a-z_]+ = '[0-9a-z]+'|SAVEPOINT \w+|RELEASE SAVEPOINT \w+|ROLLBACK TO SAVEPOINT \w+)\s*$`)

// AuditEvent describes one statement that ran with scoping bypassed
type AuditEvent struct {
	Operation string
	Table     string
	Reason    string
}

// Plugin is a gorm plugin that scopes every statement against a
// tenant-owned table to the tenant bound to the statement's context.
//
// A table is tenant-owned when its model has the tenant column, or when it
// was registered with Register. Statements without a tenant fail with
// shared.ErrTenantContextMissing before any SQL is sent. Hand-written SQL
// (Raw, Exec) cannot be scoped and needs a system context whatever table it
// names; only session statements such as SET LOCAL are exempt.
type Plugin struct {
	column string
	audit  func(context.Context, AuditEvent)

	mu     sync.RWMutex
	tables map[string]struct{}
}

// Option configures a Plugin
type Option func(*Plugin)

// WithAuditHook is called for every bypassed statement, after the audit log
// entry is written
func WithAuditHook(fn func(context.Context, AuditEvent)) Option {
	return func(p *Plugin) { p.audit = fn }
}

// NewPlugin creates the scope plugin. Install it with db.Use.
func NewPlugin(opts ...Option) *Plugin {
	p := &Plugin{
		column: shared.TenantColumn,
		tables: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements gorm.Plugin
func (p *Plugin) Name() string {
	return "tenant:scope"
}

// Initialize implements gorm.Plugin
func (p *Plugin) Initialize(db *gorm.DB) error {
	return errors.Join(
		db.Callback().Query().Before("gorm:query").Register("tenant:before_query", p.scope("query")),
		db.Callback().Row().Before("gorm:row").Register("tenant:before_row", p.scope("row")),
		db.Callback().Raw().Before("gorm:raw").Register("tenant:before_raw", p.scope("raw")),
		db.Callback().Update().Before("gorm:update").Register("tenant:before_update", p.beforeUpdate),
		db.Callback().Delete().Before("gorm:delete").Register("tenant:before_delete", p.scope("delete")),
		db.Callback().Create().Before("gorm:create").Register("tenant:before_create", p.beforeCreate),
	)
}

// Register marks the tables of models as tenant-owned, so that statements
// naming them through db.Table are scoped as well.
func (p *Plugin) Register(db *gorm.DB, models ...interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range models {
		s, err := schema.Parse(m, &sync.Map{}, db.NamingStrategy)
		if err != nil {
			return fmt.Errorf("parse %T: %w", m, err)
		}
		if s.LookUpField(p.column) == nil {
			return fmt.Errorf("%s: %w", s.Table, ErrNotTenantOwned)
		}
		p.tables[s.Table] = struct{}{}
	}
	return nil
}

// IsTenantOwned reports whether the model's table carries the tenant column
func (p *Plugin) IsTenantOwned(db *gorm.DB, model interface{}) bool {
	s, err := schema.Parse(model, &sync.Map{}, db.NamingStrategy)
	return err == nil && s.LookUpField(p.column) != nil
}

func (p *Plugin) owned(stmt *gorm.Statement) (string, bool) {
	if stmt.Schema != nil && stmt.Schema.LookUpField(p.column) != nil {
		if stmt.Table != "" {
			return stmt.Table, true
		}
		return stmt.Schema.Table, true
	}
	if stmt.Table == "" {
		return "", false
	}
	p.mu.RLock()
	_, ok := p.tables[stmt.Table]
	p.mu.RUnlock()
	return stmt.Table, ok
}

// resolve decides how a statement on table is scoped. It returns bypass=true
// for system contexts and records an error on db when no tenant is bound.
func (p *Plugin) resolve(db *gorm.DB, op, table string) (tenantID uuid.UUID, bypass bool, ok bool) {
	ctx := db.Statement.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if reason, isSystem := auth.SystemReason(ctx); isSystem {
		p.recordBypass(ctx, AuditEvent{Operation: op, Table: table, Reason: reason})
		return uuid.Nil, true, true
	}
	tenantID, err := auth.ResolveTenant(ctx)
	if err != nil {
		_ = db.AddError(fmt.Errorf("%s %s: %w", op, table, shared.ErrTenantContextMissing))
		return uuid.Nil, false, false
	}
	return tenantID, false, true
}

func (p *Plugin) recordBypass(ctx context.Context, ev AuditEvent) {
	logger.L(ctx).Warn("tenant scope bypassed",
		zap.Bool("audit", true),
		zap.String("operation", ev.Operation),
		zap.String("table", ev.Table),
		zap.String("reason", ev.Reason),
	)
	if p.audit != nil {
		p.audit(ctx, ev)
	}
}

func (p *Plugin) scope(op string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		if db.Error != nil {
			return
		}
		if db.Statement.SQL.Len() > 0 {
			p.guardRaw(db, op)
			return
		}
		table, owned := p.owned(db.Statement)
		if !owned {
			return
		}
		tenantID, bypass, ok := p.resolve(db, op, table)
		if !ok || bypass {
			return
		}
		p.addFilter(db, op, table, tenantID)
	}
}

// guardRaw admits a hand-written statement for a system context, or when it
// is a session statement
func (p *Plugin) guardRaw(db *gorm.DB, op string) {
	stmt := db.Statement
	if sessionStatement.MatchString(stmt.SQL.String()) {
		return
	}
	ctx := stmt.Context
	if ctx == nil {
		ctx = context.Background()
	}
	table, _ := p.owned(stmt)
	if reason, isSystem := auth.SystemReason(ctx); isSystem {
		p.recordBypass(ctx, AuditEvent{Operation: op, Table: table, Reason: reason})
		return
	}

	where := op
	if table != "" {
		where += " " + table
	}
	if _, err := auth.ResolveTenant(ctx); err != nil {
		_ = db.AddError(fmt.Errorf("%s: %w", where, shared.ErrTenantContextMissing))
		return
	}
	_ = db.AddError(fmt.Errorf("%s: %w", where, ErrRawStatement))
}

// addFilter appends the tenant condition. A caller-supplied tenant
// condition never replaces it.
func (p *Plugin) addFilter(db *gorm.DB, op, table string, tenantID uuid.UUID) {
	if db.Statement.SQL.Len() > 0 {
		_ = db.AddError(fmt.Errorf("%s %s: %w", op, table, ErrRawStatement))
		return
	}
	db.Statement.AddClause(clause.Where{Exprs: []clause.Expression{
		clause.Eq{
			Column: clause.Column{Table: clause.CurrentTable, Name: p.column},
			Value:  tenantID,
		},
	}})
}

func (p *Plugin) beforeUpdate(db *gorm.DB) {
	if db.Error != nil {
		return
	}
	table, owned := p.owned(db.Statement)
	if !owned {
		return
	}
	tenantID, bypass, ok := p.resolve(db, "update", table)
	if !ok || bypass {
		return
	}
	if err := p.checkAssignments(db, tenantID); err != nil {
		_ = db.AddError(fmt.Errorf("update %s: %w", table, err))
		return
	}
	p.addFilter(db, "update", table, tenantID)
}

// checkAssignments keeps tenant_id immutable: an update may only write the
// acting tenant. A zero tenant on a saved struct is filled in.
func (p *Plugin) checkAssignments(db *gorm.DB, tenantID uuid.UUID) error {
	stmt := db.Statement
	switch dest := stmt.Dest.(type) {
	case map[string]interface{}:
		return p.checkMap(dest, tenantID, false)
	case *map[string]interface{}:
		return p.checkMap(*dest, tenantID, false)
	}

	if stmt.Schema == nil {
		return nil
	}
	field := stmt.Schema.LookUpField(p.column)
	if field == nil {
		return nil
	}
	rv := reflect.Indirect(reflect.ValueOf(stmt.Dest))
	if !rv.IsValid() || rv.Kind() != reflect.Struct || rv.Type() != stmt.Schema.ModelType {
		return nil
	}
	return p.stamp(stmt.Context, field, rv, tenantID)
}

func (p *Plugin) beforeCreate(db *gorm.DB) {
	if db.Error != nil {
		return
	}
	stmt := db.Statement
	table, owned := p.owned(stmt)
	if !owned {
		return
	}
	tenantID, bypass, ok := p.resolve(db, "create", table)
	if !ok || bypass {
		return
	}
	// ON CONFLICT DO UPDATE can overwrite a row owned by another tenant
	if c, has := stmt.Clauses["ON CONFLICT"]; has {
		if oc, isOC := c.Expression.(clause.OnConflict); isOC && !oc.DoNothing {
			_ = db.AddError(fmt.Errorf("create %s: %w", table, ErrUpsert))
			return
		}
	}

	var err error
	switch dest := stmt.Dest.(type) {
	case map[string]interface{}:
		err = p.checkMap(dest, tenantID, true)
	case *map[string]interface{}:
		err = p.checkMap(*dest, tenantID, true)
	case []map[string]interface{}:
		for _, m := range dest {
			if err = p.checkMap(m, tenantID, true); err != nil {
				break
			}
		}
	default:
		err = p.stampReflect(stmt, tenantID)
	}
	if err != nil {
		_ = db.AddError(fmt.Errorf("create %s: %w", table, err))
	}
}

func (p *Plugin) stampReflect(stmt *gorm.Statement, tenantID uuid.UUID) error {
	if stmt.Schema == nil {
		return nil
	}
	field := stmt.Schema.LookUpField(p.column)
	if field == nil {
		return nil
	}
	rv := stmt.ReflectValue
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if err := p.stamp(stmt.Context, field, reflect.Indirect(rv.Index(i)), tenantID); err != nil {
				return err
			}
		}
	case reflect.Struct:
		return p.stamp(stmt.Context, field, rv, tenantID)
	}
	return nil
}

// stamp sets the tenant field of rv when it is zero and rejects a
// different tenant.
func (p *Plugin) stamp(ctx context.Context, field *schema.Field, rv reflect.Value, tenantID uuid.UUID) error {
	if ctx == nil {
		ctx = context.Background()
	}
	current, zero := field.ValueOf(ctx, rv)
	if zero {
		if !rv.CanAddr() {
			return nil
		}
		return field.Set(ctx, rv, tenantID)
	}
	if !sameTenant(current, tenantID) {
		return shared.ErrTenantMismatch
	}
	return nil
}

func (p *Plugin) checkMap(m map[string]interface{}, tenantID uuid.UUID, fill bool) error {
	found := false
	for _, key := range []string{p.column, "TenantID"} {
		v, ok := m[key]
		if !ok {
			continue
		}
		found = true
		if !sameTenant(v, tenantID) {
			return shared.ErrTenantMismatch
		}
	}
	if !found && fill {
		m[p.column] = tenantID
	}
	return nil
}

func sameTenant(v interface{}, tenantID uuid.UUID) bool {
	switch t := v.(type) {
	case uuid.UUID:
		return t == tenantID
	case *uuid.UUID:
		return t != nil && *t == tenantID
	case string:
		parsed, err := uuid.Parse(t)
		return err == nil && parsed == tenantID
	}
	return false
}
