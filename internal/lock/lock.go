// Package lock provides per-resource mutual exclusion with automatic expiry.
package lock

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/supportdesk/pkg/logger"
	"github.com/capitalize-ai/supportdesk/pkg/metrics"
)

// Locker acquires and releases TTL'd locks. Acquire never waits: it reports
// false when another holder owns the key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Memory is a process-local locker.
type Memory struct {
	mu    sync.Mutex
	now   func() time.Time
	locks map[string]time.Time
}

// NewMemory creates a process-local locker.
func NewMemory() *Memory {
	return &Memory{now: time.Now, locks: make(map[string]time.Time)}
}

// SetClock replaces the time source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Acquire sets key if absent or expired.
func (m *Memory) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if until, ok := m.locks[key]; ok && now.Before(until) {
		metrics.LockAcquisitions.WithLabelValues("contended").Inc()
		return false, nil
	}
	m.locks[key] = now.Add(ttl)
	metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
	return true, nil
}

// Release deletes key.
func (m *Memory) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
	return nil
}

// FailOpen always grants the lock. It is used when no coordination store is
// configured and gives no mutual exclusion at all.
type FailOpen struct {
	logger *logger.Logger
}

// NewFailOpen creates a fail-open locker and logs that concurrency is unsafe.
func NewFailOpen(log *logger.Logger) *FailOpen {
	log = log.Named("lock")
	log.Warn("no lock store configured, locks fail open and concurrent evaluations are not excluded")
	return &FailOpen{logger: log}
}

// Acquire always succeeds.
func (f *FailOpen) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	f.logger.Warn("lock granted without coordination store", zap.String("key", key))
	metrics.LockAcquisitions.WithLabelValues("fail_open").Inc()
	return true, nil
}

// Release is a no-op.
func (f *FailOpen) Release(ctx context.Context, key string) error {
	return nil
}
