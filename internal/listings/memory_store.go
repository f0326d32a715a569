package listings

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory listing store for demo/development mode.
type MemoryStore struct {
	listings map[string]*Listing
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory listing store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings: make(map[string]*Listing),
	}
}

func (m *MemoryStore) Create(ctx context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listings[l.ID] = l
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.listings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.listings[l.ID]; !ok {
		return ErrNotFound
	}
	cp := *l
	m.listings[l.ID] = &cp
	return nil
}

func (m *MemoryStore) MarkFeePaid(ctx context.Context, id, paymentRef string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listings[id]
	if !ok {
		return ErrNotFound
	}
	if l.Status != StatusDraft || l.FeePaid {
		return ErrInvalidStatus
	}
	l.Status = StatusActive
	l.FeePaid = true
	l.FeePaidAt = &at
	l.FeePaymentRef = paymentRef
	l.UpdatedAt = at
	return nil
}

func (m *MemoryStore) Reserve(ctx context.Context, id, ref string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listings[id]
	if !ok {
		return ErrNotFound
	}
	if l.Status != StatusActive {
		return ErrInvalidStatus
	}
	l.Status = StatusReserved
	l.ReservedRef = ref
	l.UpdatedAt = at
	return nil
}

func (m *MemoryStore) Release(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listings[id]
	if !ok {
		return ErrNotFound
	}
	if l.Status != StatusReserved {
		return ErrInvalidStatus
	}
	l.Status = StatusActive
	l.ReservedRef = ""
	l.UpdatedAt = at
	return nil
}

func (m *MemoryStore) MarkSold(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listings[id]
	if !ok {
		return ErrNotFound
	}
	if l.Status != StatusReserved {
		return ErrInvalidStatus
	}
	l.Status = StatusSold
	l.SoldAt = &at
	l.UpdatedAt = at
	return nil
}

func (m *MemoryStore) ListActive(ctx context.Context, authorityType string, limit int) ([]*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Listing
	for _, l := range m.listings {
		if l.Status != StatusActive {
			continue
		}
		if authorityType != "" && l.AuthorityType != authorityType {
			continue
		}
		cp := *l
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Listing
	for _, l := range m.listings {
		if l.SellerID == sellerID {
			cp := *l
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
