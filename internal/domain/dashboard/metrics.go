package dashboard

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Metrics is the aggregated dashboard view of one subject (branch) for one
// month.
type Metrics struct {
	TotalRevenueThisMonth      decimal.Decimal  `json:"totalRevenueThisMonth"`
	TotalUnpaidInvoices        int64            `json:"totalUnpaidInvoices"`
	NewUsersThisMonth          int64            `json:"newUsersThisMonth"`
	SessionAttendanceBreakdown map[string]int64 `json:"sessionAttendanceBreakdown"`
}

// Equal reports whether two metric snapshots carry the same values
func (m Metrics) Equal(o Metrics) bool {
	if !m.TotalRevenueThisMonth.Equal(o.TotalRevenueThisMonth) ||
		m.TotalUnpaidInvoices != o.TotalUnpaidInvoices ||
		m.NewUsersThisMonth != o.NewUsersThisMonth ||
		len(m.SessionAttendanceBreakdown) != len(o.SessionAttendanceBreakdown) {
		return false
	}
	for k, v := range m.SessionAttendanceBreakdown {
		if o.SessionAttendanceBreakdown[k] != v {
			return false
		}
	}
	return true
}

const bucketLayout = "2006-01"

// Bucket is a calendar month in UTC
type Bucket struct {
	start time.Time
}

// BucketOf returns the month containing t
func BucketOf(t time.Time) Bucket {
	t = t.UTC()
	return Bucket{start: time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)}
}

// ParseBucket parses a "YYYY-MM" bucket
func ParseBucket(s string) (Bucket, error) {
	t, err := time.Parse(bucketLayout, s)
	if err != nil {
		return Bucket{}, fmt.Errorf("invalid time bucket %q: %w", s, err)
	}
	return Bucket{start: t}, nil
}

// Start is the first instant of the month
func (b Bucket) Start() time.Time { return b.start }

// End is the first instant of the following month
func (b Bucket) End() time.Time { return b.start.AddDate(0, 1, 0) }

func (b Bucket) String() string { return b.start.Format(bucketLayout) }

// IsZero reports whether b was never set
func (b Bucket) IsZero() bool { return b.start.IsZero() }

// CutoffPolicy decides which time windows the invoice conditions use.
type CutoffPolicy string

const (
	// CutoffShared restricts both paid revenue and unpaid invoices to the
	// bucket month.
	CutoffShared CutoffPolicy = "shared"
	// CutoffSplit restricts revenue to the bucket month but counts every
	// invoice still unpaid at the end of the bucket, whenever it was issued.
	CutoffSplit CutoffPolicy = "split"
)

// Window is a half-open time range [From, To). A zero From means unbounded.
type Window struct {
	From time.Time
	To   time.Time
}

// Windows returns the revenue and unpaid-invoice windows for b
func (p CutoffPolicy) Windows(b Bucket) (revenue, unpaid Window) {
	revenue = Window{From: b.Start(), To: b.End()}
	if p == CutoffSplit {
		return revenue, Window{To: b.End()}
	}
	return revenue, revenue
}

// Key identifies a cached Metrics value
type Key struct {
	TenantID  uuid.UUID
	SubjectID uuid.UUID
	Bucket    Bucket
}

// String renders the storage key, e.g.
// dashboard_metrics:tenant:<tenant>:branch:<branch>:2026-10
func (k Key) String(prefix string) string {
	return fmt.Sprintf("%s:tenant:%s:branch:%s:%s", prefix, k.TenantID, k.SubjectID, k.Bucket)
}

// Entry is a cached Metrics value with its freshness bounds
type Entry struct {
	Metrics    Metrics   `json:"metrics"`
	ComputedAt time.Time `json:"computedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// FreshAt reports whether the entry is within its TTL at now
func (e Entry) FreshAt(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}
