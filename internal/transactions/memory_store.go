package transactions

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory transaction store for demo/development mode.
type MemoryStore struct {
	txns     map[string]*Transaction
	byOffer  map[string]string
	timeline map[string][]*TimelineEntry
	nextID   int64
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txns:     make(map[string]*Transaction),
		byOffer:  make(map[string]string),
		timeline: make(map[string][]*TimelineEntry),
	}
}

func (m *MemoryStore) Create(ctx context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byOffer[t.OfferID]; exists {
		return ErrDuplicateOffer
	}
	cp := *t
	m.txns[t.ID] = &cp
	m.byOffer[t.OfferID] = t.ID
	m.appendTimeline(&TimelineEntry{
		TransactionID: t.ID,
		Status:        t.Status,
		Title:         "Transaction opened",
		Actor:         "system",
		CreatedAt:     t.CreatedAt,
	})
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.txns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetByOffer(ctx context.Context, offerID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byOffer[offerID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.txns[id]
	return &cp, nil
}

func (m *MemoryStore) UpdateIf(ctx context.Context, t *Transaction, expect Status, entry *TimelineEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.txns[t.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Status != expect {
		return ErrConflict
	}
	cp := *t
	m.txns[t.ID] = &cp
	if entry != nil {
		m.appendTimeline(entry)
	}
	return nil
}

func (m *MemoryStore) Timeline(ctx context.Context, txnID string) ([]*TimelineEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.timeline[txnID]
	result := make([]*TimelineEntry, len(entries))
	for i, e := range entries {
		cp := *e
		result[i] = &cp
	}
	return result, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.txns {
		if t.BuyerID == userID || t.SellerID == userID {
			cp := *t
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.txns {
		if t.Status == status {
			cp := *t
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// appendTimeline assigns the next sequence number. Caller holds the lock.
func (m *MemoryStore) appendTimeline(entry *TimelineEntry) {
	m.nextID++
	cp := *entry
	cp.ID = m.nextID
	m.timeline[entry.TransactionID] = append(m.timeline[entry.TransactionID], &cp)
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
