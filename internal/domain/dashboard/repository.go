package dashboard

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Source computes metrics from tenant-scoped records. Implementations must
// be deterministic for a given data snapshot.
type Source interface {
	Compute(ctx context.Context, subjectID uuid.UUID, bucket Bucket, policy CutoffPolicy) (Metrics, error)
}

// Subject is a (tenant, branch) pair that has dashboard metrics
type Subject struct {
	TenantID  uuid.UUID
	SubjectID uuid.UUID
}

// SubjectLister enumerates every subject across tenants. Requires a system
// context.
type SubjectLister interface {
	ListSubjects(ctx context.Context) ([]Subject, error)
}

// Store persists cached Entry values by key.
type Store interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, key string) (*Entry, error)
	// Set stores e until ttl elapses.
	Set(ctx context.Context, key string, e Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
