package reconcile

import (
	"context"
	"sync"

	"github.com/authex/authex/internal/payments"
)

// MemoryStore implements Store with a map, for development and tests.
// In-flight attempts count as taken: a rival delivery of the same event is
// reported as a duplicate rather than made to wait.
type MemoryStore struct {
	mu        sync.Mutex
	processed map[string]bool
	inflight  map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		processed: make(map[string]bool),
		inflight:  make(map[string]bool),
	}
}

func (m *MemoryStore) Begin(ctx context.Context, eventID string, purpose payments.Purpose) (Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processed[eventID] || m.inflight[eventID] {
		return nil, ErrDuplicateEvent
	}
	m.inflight[eventID] = true
	return &memAttempt{store: m, eventID: eventID}, nil
}

type memAttempt struct {
	store   *MemoryStore
	eventID string
	done    bool
}

func (a *memAttempt) Commit() error {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	a.done = true
	delete(a.store.inflight, a.eventID)
	a.store.processed[a.eventID] = true
	return nil
}

func (a *memAttempt) Rollback() error {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	if a.done {
		return nil
	}
	a.done = true
	delete(a.store.inflight, a.eventID)
	return nil
}

var _ Store = (*MemoryStore)(nil)
