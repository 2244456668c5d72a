package cache

import (
	"context"
	"sync"
	"time"

	"github.com/saas/backend/internal/domain/dashboard"
)

type storedEntry struct {
	entry     dashboard.Entry
	expiresAt time.Time
}

// InMemoryMetricsStore implements dashboard.Store with a map. It backs the
// cache when Redis is not configured, and tests.
type InMemoryMetricsStore struct {
	mu        sync.RWMutex
	entries   map[string]storedEntry
	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewInMemoryMetricsStore creates the store and starts its janitor
func NewInMemoryMetricsStore() *InMemoryMetricsStore {
	s := &InMemoryMetricsStore{
		entries:  make(map[string]storedEntry),
		stopChan: make(chan struct{}),
	}
	s.wg.Add(1)
	go janitor(&s.wg, s.stopChan, time.Minute, s.cleanup)
	return s
}

// Get implements dashboard.Store
func (s *InMemoryMetricsStore) Get(_ context.Context, key string) (*dashboard.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	se, ok := s.entries[key]
	if !ok || !time.Now().Before(se.expiresAt) {
		return nil, nil
	}
	e := se.entry
	e.Metrics.SessionAttendanceBreakdown = copyBreakdown(e.Metrics.SessionAttendanceBreakdown)
	return &e, nil
}

// Set implements dashboard.Store
func (s *InMemoryMetricsStore) Set(_ context.Context, key string, e dashboard.Entry, ttl time.Duration) error {
	e.Metrics.SessionAttendanceBreakdown = copyBreakdown(e.Metrics.SessionAttendanceBreakdown)

	s.mu.Lock()
	s.entries[key] = storedEntry{entry: e, expiresAt: time.Now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

// Delete implements dashboard.Store
func (s *InMemoryMetricsStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Close stops the janitor. Safe to call multiple times.
func (s *InMemoryMetricsStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
	})
	return nil
}

// Len returns the number of stored entries, expired ones included
func (s *InMemoryMetricsStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *InMemoryMetricsStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, se := range s.entries {
		if !now.Before(se.expiresAt) {
			delete(s.entries, key)
		}
	}
}

func copyBreakdown(in map[string]int64) map[string]int64 {
	if in == nil {
		return nil
	}
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var _ dashboard.Store = (*InMemoryMetricsStore)(nil)
