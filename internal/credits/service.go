package credits

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/authex/authex/internal/logging"
	"github.com/authex/authex/internal/metrics"
)

// Service manages the credit ledger and subscriptions.
type Service struct {
	store Store
	locks sync.Map // userID → *sync.Mutex
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

func (s *Service) userLock(userID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Balance returns the user's credit balance.
func (s *Service) Balance(ctx context.Context, userID string) (*CreditBalance, error) {
	return s.store.GetBalance(ctx, userID)
}

// History returns the user's ledger entries, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]*CreditTransaction, error) {
	return s.store.History(ctx, userID, limit)
}

// Use spends credits. Insufficient credits is a forbidden condition, not a
// server error: the caller gates an action on it.
func (s *Service) Use(ctx context.Context, userID string, amount int64, reason string) (*CreditBalance, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	bal, err := s.store.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if bal.Available() < amount {
		return nil, ErrInsufficientCredits
	}

	entry := &CreditTransaction{
		ID:          generateEntryID(),
		UserID:      userID,
		Type:        EntryUsage,
		Amount:      -amount,
		Balance:     bal.Available() - amount,
		Description: reason,
		CreatedAt:   time.Now(),
	}
	if err := s.store.Apply(ctx, userID, 0, amount, entry); err != nil {
		return nil, err
	}
	metrics.CreditsSpentTotal.Add(float64(amount))
	return s.store.GetBalance(ctx, userID)
}

// AddBonus grants credits outside any purchase (admin goodwill, promos).
func (s *Service) AddBonus(ctx context.Context, userID string, amount int64, reason string) (*CreditBalance, error) {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()
	return s.grant(ctx, userID, amount, EntryBonus, "", reason, "bonus")
}

// Refund returns spent credits. Only credits actually used can come back.
func (s *Service) Refund(ctx context.Context, userID string, amount int64, reason string) (*CreditBalance, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	bal, err := s.store.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if bal.UsedCredits < amount {
		return nil, ErrInvalidRefund
	}

	entry := &CreditTransaction{
		ID:          generateEntryID(),
		UserID:      userID,
		Type:        EntryRefund,
		Amount:      amount,
		Balance:     bal.Available() + amount,
		Description: reason,
		CreatedAt:   time.Now(),
	}
	if err := s.store.Apply(ctx, userID, 0, -amount, entry); err != nil {
		return nil, err
	}
	return s.store.GetBalance(ctx, userID)
}

// FulfillPurchase grants purchased credits. The reference (gateway event
// ID) makes fulfillment idempotent: a duplicate delivery is a no-op.
func (s *Service) FulfillPurchase(ctx context.Context, userID string, credits int64, reference string) error {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()
	_, err := s.grant(ctx, userID, credits, EntryPurchase, reference, "credit purchase", "purchase")
	if errors.Is(err, ErrDuplicateEntry) {
		return nil
	}
	return err
}

// FulfillSubscription starts or renews a subscription paid through the
// gateway and grants the period's credits. Idempotent per reference.
func (s *Service) FulfillSubscription(ctx context.Context, userID, planID, reference string) error {
	plan, ok := Plans[planID]
	if !ok {
		return ErrUnknownPlan
	}
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	sub, err := s.store.GetSubscriptionByUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		now := time.Now()
		sub = &Subscription{
			ID:          generateSubscriptionID(),
			UserID:      userID,
			PlanID:      planID,
			Status:      SubscriptionActive,
			RenewalDate: now.AddDate(0, 0, plan.PeriodDays),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.store.CreateSubscription(ctx, sub); err != nil {
			return err
		}
		_, err := s.grant(ctx, userID, plan.CreditsPerPeriod, EntrySubscription, reference,
			fmt.Sprintf("%s plan credits", plan.Name), "subscription")
		if errors.Is(err, ErrDuplicateEntry) {
			return nil
		}
		return err
	}
	if err != nil {
		return err
	}

	// Paid renewal. The grant and the date advance are one store unit keyed
	// by the event reference: a re-delivered event leaves both untouched
	// instead of pushing the date out a second period.
	next := sub.RenewalDate.AddDate(0, 0, plan.PeriodDays)
	entry, err := s.grantEntry(ctx, userID, plan.CreditsPerPeriod, EntrySubscription, reference,
		fmt.Sprintf("%s plan credits", plan.Name))
	if err != nil {
		return err
	}
	err = s.store.ApplyRenewal(ctx, sub.ID, sub.RenewalDate, next, userID, plan.CreditsPerPeriod, entry)
	switch {
	case errors.Is(err, ErrDuplicateEntry):
		// Same event delivered again.
		return nil
	case errors.Is(err, ErrRenewalRace):
		// A rival delivery or the sweep already advanced this period.
		return nil
	case err != nil:
		return err
	}
	metrics.CreditsGrantedTotal.WithLabelValues("subscription").Add(float64(plan.CreditsPerPeriod))
	return nil
}

// RenewDue advances every subscription past its renewal date and grants
// the period's credits. The renewal-date compare-and-set means the sweep
// and a concurrent paid renewal cannot both grant for the same period.
func (s *Service) RenewDue(ctx context.Context) (int, error) {
	due, err := s.store.ListDueSubscriptions(ctx, time.Now(), 100)
	if err != nil {
		return 0, fmt.Errorf("failed to list due subscriptions: %w", err)
	}

	renewed := 0
	for _, sub := range due {
		plan, ok := Plans[sub.PlanID]
		if !ok {
			logging.L(ctx).Warn("subscription references unknown plan",
				"subscription_id", sub.ID, "plan_id", sub.PlanID)
			continue
		}
		mu := s.userLock(sub.UserID)
		mu.Lock()
		next := sub.RenewalDate.AddDate(0, 0, plan.PeriodDays)

		// Period marker as the reference: re-running the sweep cannot
		// double-grant or double-advance for the same period.
		ref := fmt.Sprintf("%s:%s", sub.ID, sub.RenewalDate.UTC().Format("2006-01-02"))
		entry, err := s.grantEntry(ctx, sub.UserID, plan.CreditsPerPeriod, EntrySubscription, ref,
			fmt.Sprintf("%s plan renewal", plan.Name))
		if err != nil {
			mu.Unlock()
			return renewed, err
		}
		err = s.store.ApplyRenewal(ctx, sub.ID, sub.RenewalDate, next, sub.UserID,
			plan.CreditsPerPeriod, entry)
		mu.Unlock()
		if errors.Is(err, ErrRenewalRace) || errors.Is(err, ErrDuplicateEntry) {
			continue
		}
		if err != nil {
			return renewed, err
		}
		metrics.CreditsGrantedTotal.WithLabelValues("subscription").Add(float64(plan.CreditsPerPeriod))
		renewed++
	}
	return renewed, nil
}

// Subscription returns the user's subscription.
func (s *Service) Subscription(ctx context.Context, userID string) (*Subscription, error) {
	return s.store.GetSubscriptionByUser(ctx, userID)
}

// CancelSubscription stops future renewals. Credits already granted stay.
func (s *Service) CancelSubscription(ctx context.Context, userID string) (*Subscription, error) {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	sub, err := s.store.GetSubscriptionByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.Status != SubscriptionActive {
		return nil, ErrNoSubscription
	}
	if err := s.store.CancelSubscription(ctx, sub.ID, sub.RenewalDate); err != nil {
		return nil, err
	}
	return s.store.GetSubscription(ctx, sub.ID)
}

// grant appends a positive entry. The caller holds the user lock.
func (s *Service) grant(ctx context.Context, userID string, amount int64, typ EntryType, reference, description, source string) (*CreditBalance, error) {
	entry, err := s.grantEntry(ctx, userID, amount, typ, reference, description)
	if err != nil {
		return nil, err
	}
	if err := s.store.Apply(ctx, userID, amount, 0, entry); err != nil {
		return nil, err
	}
	metrics.CreditsGrantedTotal.WithLabelValues(source).Add(float64(amount))
	return s.store.GetBalance(ctx, userID)
}

// grantEntry builds a positive ledger entry with its balance snapshot. The
// caller holds the user lock.
func (s *Service) grantEntry(ctx context.Context, userID string, amount int64, typ EntryType, reference, description string) (*CreditTransaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	bal, err := s.store.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &CreditTransaction{
		ID:          generateEntryID(),
		UserID:      userID,
		Type:        typ,
		Amount:      amount,
		Balance:     bal.Available() + amount,
		Reference:   reference,
		Description: description,
		CreatedAt:   time.Now(),
	}, nil
}
