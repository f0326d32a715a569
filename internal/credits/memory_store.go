package credits

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store with in-memory maps, for development and
// tests.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[string]*CreditBalance
	entries  []*CreditTransaction
	byRef    map[string]bool
	subs     map[string]*Subscription
	subByUsr map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*CreditBalance),
		byRef:    make(map[string]bool),
		subs:     make(map[string]*Subscription),
		subByUsr: make(map[string]string),
	}
}

func (m *MemoryStore) GetBalance(ctx context.Context, userID string) (*CreditBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.balances[userID]; ok {
		cp := *b
		return &cp, nil
	}
	return &CreditBalance{UserID: userID}, nil
}

func (m *MemoryStore) Apply(ctx context.Context, userID string, deltaTotal, deltaUsed int64, entry *CreditTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(userID, deltaTotal, deltaUsed, entry)
}

// applyLocked is Apply's body. The caller holds the mutex.
func (m *MemoryStore) applyLocked(userID string, deltaTotal, deltaUsed int64, entry *CreditTransaction) error {
	if entry.Reference != "" && m.byRef[entry.Reference] {
		return ErrDuplicateEntry
	}

	b, ok := m.balances[userID]
	if !ok {
		b = &CreditBalance{UserID: userID}
		m.balances[userID] = b
	}
	newTotal := b.TotalCredits + deltaTotal
	newUsed := b.UsedCredits + deltaUsed
	if newUsed > newTotal {
		return ErrInsufficientCredits
	}
	if newUsed < 0 {
		return ErrInvalidRefund
	}

	b.TotalCredits = newTotal
	b.UsedCredits = newUsed
	b.UpdatedAt = time.Now()

	cp := *entry
	m.entries = append(m.entries, &cp)
	if entry.Reference != "" {
		m.byRef[entry.Reference] = true
	}
	return nil
}

func (m *MemoryStore) History(ctx context.Context, userID string, limit int) ([]*CreditTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*CreditTransaction
	for _, e := range m.entries {
		if e.UserID == userID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.subByUsr[sub.UserID]; ok {
		if m.subs[id].Status == SubscriptionActive {
			return ErrSubscriptionExists
		}
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	m.subByUsr[sub.UserID] = sub.ID
	return nil
}

func (m *MemoryStore) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) GetSubscriptionByUser(ctx context.Context, userID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.subByUsr[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.subs[id]
	return &cp, nil
}

func (m *MemoryStore) AdvanceRenewal(ctx context.Context, id string, observed, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	if sub.Status != SubscriptionActive || !sub.RenewalDate.Equal(observed) {
		return ErrRenewalRace
	}
	sub.RenewalDate = next
	sub.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ApplyRenewal(ctx context.Context, subID string, observed, next time.Time, userID string, amount int64, entry *CreditTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[subID]
	if !ok {
		return ErrNotFound
	}
	if sub.Status != SubscriptionActive || !sub.RenewalDate.Equal(observed) {
		return ErrRenewalRace
	}
	// The grant's dedupe runs first: a known reference rejects the whole
	// unit before the date moves.
	if err := m.applyLocked(userID, amount, 0, entry); err != nil {
		return err
	}
	sub.RenewalDate = next
	sub.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) CancelSubscription(ctx context.Context, id string, endsAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok || sub.Status != SubscriptionActive {
		return ErrNoSubscription
	}
	sub.Status = SubscriptionCancelled
	sub.EndsAt = &endsAt
	sub.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListDueSubscriptions(ctx context.Context, now time.Time, limit int) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, sub := range m.subs {
		if sub.Status == SubscriptionActive && !sub.RenewalDate.After(now) {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RenewalDate.Before(out[j].RenewalDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
