package shared

import (
	"context"
	"time"
)

// IdempotencyStore remembers keys that were already accepted so that a
// redelivered submission is not enqueued twice.
type IdempotencyStore interface {
	// MarkProcessed records key with a TTL.
	// Returns true if the key was newly recorded, false if it was already present.
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// IsProcessed reports whether key is recorded
	IsProcessed(ctx context.Context, key string) (bool, error)

	// Release forgets key, so a submission that failed after marking can be
	// retried.
	Release(ctx context.Context, key string) error

	// Close releases resources
	Close() error
}
