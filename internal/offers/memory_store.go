package offers

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory offer store for demo/development mode.
type MemoryStore struct {
	offers map[string]*Offer
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory offer store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		offers: make(map[string]*Offer),
	}
}

func (m *MemoryStore) Create(ctx context.Context, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.offers {
		if existing.BuyerID == o.BuyerID && existing.ListingID == o.ListingID &&
			!existing.Status.IsTerminal() {
			return ErrDuplicateOffer
		}
	}
	cp := *o
	m.offers[o.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.offers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.offers[o.ID]; !ok {
		return ErrNotFound
	}
	cp := *o
	m.offers[o.ID] = &cp
	return nil
}

func (m *MemoryStore) GetLiveByBuyerAndListing(ctx context.Context, buyerID, listingID string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, o := range m.offers {
		if o.BuyerID == buyerID && o.ListingID == listingID && !o.Status.IsTerminal() {
			cp := *o
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) AcceptIf(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.offers[id]
	if !ok {
		return ErrNotFound
	}
	if o.Status != StatusPending && o.Status != StatusCountered {
		return ErrAcceptRace
	}
	o.Status = StatusAccepted
	t := at
	o.RespondedAt = &t
	o.UpdatedAt = at
	return nil
}

func (m *MemoryStore) RejectOthers(ctx context.Context, listingID, exceptID string, at time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for _, o := range m.offers {
		if o.ListingID != listingID || o.ID == exceptID || o.Status.IsTerminal() {
			continue
		}
		o.Status = StatusRejected
		t := at
		o.RespondedAt = &t
		o.UpdatedAt = at
		ids = append(ids, o.ID)
	}
	return ids, nil
}

func (m *MemoryStore) ListByListing(ctx context.Context, listingID string, limit int) ([]*Offer, error) {
	return m.filter(func(o *Offer) bool { return o.ListingID == listingID }, limit), nil
}

func (m *MemoryStore) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Offer, error) {
	return m.filter(func(o *Offer) bool { return o.BuyerID == buyerID }, limit), nil
}

func (m *MemoryStore) ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Offer, error) {
	return m.filter(func(o *Offer) bool { return o.SellerID == sellerID }, limit), nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Offer, error) {
	return m.filter(func(o *Offer) bool {
		return !o.Status.IsTerminal() && o.ExpiresAt.Before(before)
	}, limit), nil
}

func (m *MemoryStore) filter(keep func(*Offer) bool, limit int) []*Offer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Offer
	for _, o := range m.offers {
		if keep(o) {
			cp := *o
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
