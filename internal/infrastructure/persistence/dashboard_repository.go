package persistence

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/saas/backend/internal/domain/billing"
	"github.com/saas/backend/internal/domain/dashboard"
	"github.com/saas/backend/internal/domain/shared"
	"github.com/saas/backend/internal/infrastructure/auth"
	"github.com/saas/backend/internal/infrastructure/persistence/models"
	"github.com/saas/backend/internal/infrastructure/persistence/tenant"
	"github.com/shopspring/decimal"
)

// GormMetricsSource computes dashboard metrics from tenant-scoped tables.
// Every statement runs through the scope plugin, so only the acting
// tenant's rows are aggregated.
type GormMetricsSource struct {
	db *tenant.TenantDB
}

// NewGormMetricsSource creates a new GormMetricsSource
func NewGormMetricsSource(db *tenant.TenantDB) *GormMetricsSource {
	return &GormMetricsSource{db: db}
}

// Compute implements dashboard.Source
func (s *GormMetricsSource) Compute(ctx context.Context, subjectID uuid.UUID, bucket dashboard.Bucket, policy dashboard.CutoffPolicy) (dashboard.Metrics, error) {
	revenueWindow, unpaidWindow := policy.Windows(bucket)

	revenue, unpaid, err := s.invoiceTotals(ctx, subjectID, revenueWindow, unpaidWindow)
	if err != nil {
		return dashboard.Metrics{}, fmt.Errorf("invoice totals: %w", err)
	}

	var newUsers int64
	if err := s.db.WithContext(ctx).
		Model(&models.UserModel{}).
		Where("branch_id = ? AND created_at >= ? AND created_at < ?", subjectID, revenueWindow.From, revenueWindow.To).
		Count(&newUsers).Error; err != nil {
		return dashboard.Metrics{}, fmt.Errorf("new users: %w", err)
	}

	breakdown, err := s.attendanceBreakdown(ctx, subjectID, revenueWindow)
	if err != nil {
		return dashboard.Metrics{}, fmt.Errorf("attendance breakdown: %w", err)
	}

	return dashboard.Metrics{
		TotalRevenueThisMonth:      revenue,
		TotalUnpaidInvoices:        unpaid,
		NewUsersThisMonth:          newUsers,
		SessionAttendanceBreakdown: breakdown,
	}, nil
}

// invoiceTotals sums paid revenue and counts unpaid invoices in one pass.
// Each condition binds its own window.
func (s *GormMetricsSource) invoiceTotals(ctx context.Context, subjectID uuid.UUID, revenue, unpaid dashboard.Window) (decimal.Decimal, int64, error) {
	revenueCond, revenueArgs := windowCondition("created_at", revenue)
	unpaidCond, unpaidArgs := windowCondition("created_at", unpaid)

	args := []interface{}{billing.InvoiceStatusPaid}
	args = append(args, revenueArgs...)
	args = append(args, billing.InvoiceStatusUnpaid)
	args = append(args, unpaidArgs...)

	var totals struct {
		Revenue decimal.Decimal
		Unpaid  int64
	}
	err := s.db.WithContext(ctx).
		Model(&models.InvoiceModel{}).
		Select(
			"COALESCE(SUM(CASE WHEN status = ? AND "+revenueCond+" THEN amount ELSE 0 END), 0) AS revenue, "+
				"COALESCE(SUM(CASE WHEN status = ? AND "+unpaidCond+" THEN 1 ELSE 0 END), 0) AS unpaid",
			args...,
		).
		Where("branch_id = ?", subjectID).
		Scan(&totals).Error
	if err != nil {
		return decimal.Zero, 0, err
	}
	return totals.Revenue, totals.Unpaid, nil
}

func (s *GormMetricsSource) attendanceBreakdown(ctx context.Context, subjectID uuid.UUID, window dashboard.Window) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := s.db.WithContext(ctx).
		Model(&models.SessionAttendanceModel{}).
		Select("session_attendances.status AS status, count(*) AS count").
		Joins("JOIN sessions ON sessions.id = session_attendances.session_id AND sessions.tenant_id = session_attendances.tenant_id").
		Where("sessions.branch_id = ? AND sessions.starts_at >= ? AND sessions.starts_at < ?", subjectID, window.From, window.To).
		Group("session_attendances.status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}

// windowCondition renders column bounds for a half-open window. A zero From
// leaves the lower bound open.
func windowCondition(column string, w dashboard.Window) (string, []interface{}) {
	if w.From.IsZero() {
		return column + " < ?", []interface{}{w.To}
	}
	return column + " >= ? AND " + column + " < ?", []interface{}{w.From, w.To}
}

// ListSubjects implements dashboard.SubjectLister. It requires a system
// context because it reads across tenants.
func (s *GormMetricsSource) ListSubjects(ctx context.Context) ([]dashboard.Subject, error) {
	if !auth.IsSystem(ctx) {
		return nil, fmt.Errorf("list dashboard subjects: %w", shared.ErrTenantContextMissing)
	}

	seen := make(map[dashboard.Subject]struct{})
	for _, model := range []interface{}{&models.UserModel{}, &models.InvoiceModel{}, &models.SessionModel{}} {
		var rows []dashboard.Subject
		if err := s.db.WithContext(ctx).
			Model(model).
			Select("DISTINCT tenant_id, branch_id AS subject_id").
			Scan(&rows).Error; err != nil {
			return nil, err
		}
		for _, r := range rows {
			seen[r] = struct{}{}
		}
	}

	out := make([]dashboard.Subject, 0, len(seen))
	for subj := range seen {
		out = append(out, subj)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := strings.Compare(out[i].TenantID.String(), out[j].TenantID.String()); c != 0 {
			return c < 0
		}
		return out[i].SubjectID.String() < out[j].SubjectID.String()
	})
	return out, nil
}

var (
	_ dashboard.Source        = (*GormMetricsSource)(nil)
	_ dashboard.SubjectLister = (*GormMetricsSource)(nil)
)
