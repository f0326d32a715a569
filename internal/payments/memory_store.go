package payments

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store with in-memory maps, for development and
// tests.
type MemoryStore struct {
	mu        sync.RWMutex
	payments  map[string]*Payment
	byRef     map[string]string // reference → id
	bySession map[string]string // session → id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments:  make(map[string]*Payment),
		byRef:     make(map[string]string),
		bySession: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.payments[p.ID] = &cp
	if p.Reference != "" {
		m.byRef[p.Reference] = p.ID
	}
	if p.SessionID != "" {
		m.bySession[p.SessionID] = p.ID
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.get(id)
}

func (m *MemoryStore) get(id string) (*Payment, error) {
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetByReference(ctx context.Context, reference string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byRef[reference]
	if !ok {
		return nil, ErrNotFound
	}
	return m.get(id)
}

func (m *MemoryStore) GetBySession(ctx context.Context, sessionID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.bySession[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.get(id)
}

func (m *MemoryStore) ListByTransaction(ctx context.Context, txnID string) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Payment
	for _, p := range m.payments {
		if p.TransactionID == txnID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Payment
	for _, p := range m.payments {
		if p.UserID == userID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SetReference(ctx context.Context, id, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return ErrNotFound
	}
	if p.Reference != "" {
		return nil
	}
	p.Reference = reference
	p.UpdatedAt = time.Now()
	m.byRef[reference] = id
	return nil
}

func (m *MemoryStore) CompleteIf(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != StatusPending && p.Status != StatusProcessing {
		return ErrInvalidStatus
	}
	p.Status = StatusCompleted
	p.CompletedAt = &at
	p.UpdatedAt = at
	return nil
}

func (m *MemoryStore) Fail(ctx context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != StatusPending && p.Status != StatusProcessing {
		return ErrInvalidStatus
	}
	p.Status = StatusFailed
	p.FailureReason = reason
	p.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) MarkRefunded(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != StatusCompleted {
		return ErrInvalidStatus
	}
	p.Status = StatusRefunded
	p.UpdatedAt = time.Now()
	return nil
}

var _ Store = (*MemoryStore)(nil)
