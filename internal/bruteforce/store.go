package bruteforce

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStorage wraps every failure to read or write the persisted counters. These
// failures are never swallowed by the guard.
var ErrStorage = errors.New("brute force counter storage failure")

// CounterStore persists the failed-attempt counter and the block start.
//
// Increment adds exactly one to the counter and, when the new count reaches
// limit and no block start is recorded, records now as the block start. Both
// happen as a single step. Reset clears both values as a single step. Snapshot
// reads both values together.
type CounterStore interface {
	Snapshot(ctx context.Context) (Counters, error)
	Increment(ctx context.Context, limit int, now time.Time) (Counters, error)
	Reset(ctx context.Context) error
	Watch(ctx context.Context) (<-chan struct{}, error)
}

// MemoryStore is a process-local CounterStore used in tests and when no Redis
// is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	counters Counters
	changes  notifier

	// failWith makes every operation fail; tests use it to simulate storage loss.
	failWith error
}

// NewMemoryStore builds an empty in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Snapshot(_ context.Context) (Counters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failWith != nil {
		return Counters{}, s.failWith
	}
	return s.counters, nil
}

func (s *MemoryStore) Increment(_ context.Context, limit int, now time.Time) (Counters, error) {
	s.mu.Lock()
	if s.failWith != nil {
		s.mu.Unlock()
		return Counters{}, s.failWith
	}
	s.counters.FailedAttempts++
	if s.counters.FailedAttempts >= limit && !s.counters.HasBlock() {
		s.counters.BlockedAt = now
	}
	snapshot := s.counters
	s.mu.Unlock()

	s.changes.notify()
	return snapshot, nil
}

func (s *MemoryStore) Reset(_ context.Context) error {
	s.mu.Lock()
	if s.failWith != nil {
		s.mu.Unlock()
		return s.failWith
	}
	s.counters = Counters{}
	s.mu.Unlock()

	s.changes.notify()
	return nil
}

func (s *MemoryStore) Watch(ctx context.Context) (<-chan struct{}, error) {
	return s.changes.subscribe(ctx), nil
}

// FailWith makes subsequent operations return err; nil restores normal behaviour.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}
