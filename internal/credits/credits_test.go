package credits

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestService() (*Service, *MemoryStore) {
	store := NewMemoryStore()
	return NewService(store), store
}

// The available balance must always equal the sum of the signed ledger
// entries, and each entry's snapshot must match the running sum.
func checkLedgerInvariant(t *testing.T, svc *Service, userID string) {
	t.Helper()
	ctx := context.Background()

	bal, err := svc.Balance(ctx, userID)
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	entries, err := svc.History(ctx, userID, 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}

	var sum int64
	for i := len(entries) - 1; i >= 0; i-- { // oldest first
		sum += entries[i].Amount
		if entries[i].Balance != sum {
			t.Errorf("entry %s snapshot %d, running sum %d", entries[i].ID, entries[i].Balance, sum)
		}
	}
	if bal.Available() != sum {
		t.Errorf("available %d != entry sum %d", bal.Available(), sum)
	}
}

func TestUse_DeductsAndRecords(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.AddBonus(ctx, "u1", 100, "welcome"); err != nil {
		t.Fatalf("AddBonus failed: %v", err)
	}
	bal, err := svc.Use(ctx, "u1", 30, "authority detail unlock")
	if err != nil {
		t.Fatalf("Use failed: %v", err)
	}
	if bal.Available() != 70 {
		t.Errorf("Expected 70 available, got %d", bal.Available())
	}
	if bal.UsedCredits != 30 {
		t.Errorf("Expected 30 used, got %d", bal.UsedCredits)
	}
	checkLedgerInvariant(t, svc, "u1")
}

func TestUse_InsufficientCredits(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Use(ctx, "u1", 1, "x"); !errors.Is(err, ErrInsufficientCredits) {
		t.Errorf("Expected ErrInsufficientCredits for empty balance, got %v", err)
	}

	if _, err := svc.AddBonus(ctx, "u1", 10, "welcome"); err != nil {
		t.Fatalf("AddBonus failed: %v", err)
	}
	if _, err := svc.Use(ctx, "u1", 11, "x"); !errors.Is(err, ErrInsufficientCredits) {
		t.Errorf("Expected ErrInsufficientCredits, got %v", err)
	}
	// The failed spend left no trace.
	checkLedgerInvariant(t, svc, "u1")
}

func TestUse_ConcurrentNeverOverspends(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.AddBonus(ctx, "u1", 50, "seed"); err != nil {
		t.Fatalf("AddBonus failed: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Use(ctx, "u1", 10, "unlock"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 5 {
		t.Errorf("Expected exactly 5 spends of 10 from 50, got %d", succeeded)
	}
	bal, _ := svc.Balance(ctx, "u1")
	if bal.Available() != 0 {
		t.Errorf("Expected 0 available, got %d", bal.Available())
	}
	checkLedgerInvariant(t, svc, "u1")
}

func TestRefund_RequiresUsedCredits(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.AddBonus(ctx, "u1", 100, "seed"); err != nil {
		t.Fatalf("AddBonus failed: %v", err)
	}
	if _, err := svc.Use(ctx, "u1", 20, "unlock"); err != nil {
		t.Fatalf("Use failed: %v", err)
	}

	if _, err := svc.Refund(ctx, "u1", 30, "over"); !errors.Is(err, ErrInvalidRefund) {
		t.Errorf("Expected ErrInvalidRefund for refund > used, got %v", err)
	}

	bal, err := svc.Refund(ctx, "u1", 20, "bad data")
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if bal.UsedCredits != 0 || bal.Available() != 100 {
		t.Errorf("Expected full balance restored, got %+v", bal)
	}
	checkLedgerInvariant(t, svc, "u1")
}

func TestFulfillPurchase_IdempotentByReference(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if err := svc.FulfillPurchase(ctx, "u1", 100, "evt_1"); err != nil {
		t.Fatalf("FulfillPurchase failed: %v", err)
	}
	// Same gateway event delivered again.
	if err := svc.FulfillPurchase(ctx, "u1", 100, "evt_1"); err != nil {
		t.Errorf("Expected duplicate fulfillment to be a no-op, got %v", err)
	}

	bal, _ := svc.Balance(ctx, "u1")
	if bal.Available() != 100 {
		t.Errorf("Expected 100 credits granted once, got %d", bal.Available())
	}
	checkLedgerInvariant(t, svc, "u1")
}

func TestFulfillSubscription_CreatesThenRenews(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if err := svc.FulfillSubscription(ctx, "u1", "pro", "evt_1"); err != nil {
		t.Fatalf("FulfillSubscription failed: %v", err)
	}
	sub, err := svc.Subscription(ctx, "u1")
	if err != nil {
		t.Fatalf("Subscription failed: %v", err)
	}
	if sub.PlanID != "pro" || sub.Status != SubscriptionActive {
		t.Errorf("Unexpected subscription: %+v", sub)
	}
	firstRenewal := sub.RenewalDate

	bal, _ := svc.Balance(ctx, "u1")
	if bal.Available() != Plans["pro"].CreditsPerPeriod {
		t.Errorf("Expected %d credits, got %d", Plans["pro"].CreditsPerPeriod, bal.Available())
	}

	// Next period's payment advances the renewal date and grants again.
	if err := svc.FulfillSubscription(ctx, "u1", "pro", "evt_2"); err != nil {
		t.Fatalf("renewal failed: %v", err)
	}
	sub, _ = svc.Subscription(ctx, "u1")
	if !sub.RenewalDate.After(firstRenewal) {
		t.Error("Expected renewal date advanced")
	}
	bal, _ = svc.Balance(ctx, "u1")
	if bal.Available() != 2*Plans["pro"].CreditsPerPeriod {
		t.Errorf("Expected two periods of credits, got %d", bal.Available())
	}
	checkLedgerInvariant(t, svc, "u1")
}

// Stripe redelivers events. A second delivery of the same subscription
// payment must leave both the ledger and the renewal date exactly where the
// first one put them: the grant and the date advance are one store unit.
func TestFulfillSubscription_RedeliveryAdvancesOnce(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if err := svc.FulfillSubscription(ctx, "u1", "pro", "evt_1"); err != nil {
		t.Fatalf("FulfillSubscription failed: %v", err)
	}
	if err := svc.FulfillSubscription(ctx, "u1", "pro", "evt_2"); err != nil {
		t.Fatalf("renewal failed: %v", err)
	}
	sub, err := svc.Subscription(ctx, "u1")
	if err != nil {
		t.Fatalf("Subscription failed: %v", err)
	}
	renewalAfterTwo := sub.RenewalDate

	// evt_2 fires again.
	if err := svc.FulfillSubscription(ctx, "u1", "pro", "evt_2"); err != nil {
		t.Fatalf("redelivery errored: %v", err)
	}
	sub, _ = svc.Subscription(ctx, "u1")
	if !sub.RenewalDate.Equal(renewalAfterTwo) {
		t.Errorf("renewal date advanced twice for one payment: %s became %s",
			renewalAfterTwo.Format("2006-01-02"), sub.RenewalDate.Format("2006-01-02"))
	}
	bal, _ := svc.Balance(ctx, "u1")
	if bal.Available() != 2*Plans["pro"].CreditsPerPeriod {
		t.Errorf("Expected two periods of credits, got %d", bal.Available())
	}
	checkLedgerInvariant(t, svc, "u1")
}

func TestFulfillSubscription_UnknownPlan(t *testing.T) {
	svc, _ := newTestService()
	if err := svc.FulfillSubscription(context.Background(), "u1", "platinum", "evt_1"); !errors.Is(err, ErrUnknownPlan) {
		t.Errorf("Expected ErrUnknownPlan, got %v", err)
	}
}

// The sweep and a duplicate sweep run cannot both grant for one period:
// the renewal-date compare-and-set admits a single winner.
func TestRenewDue_IdempotentPerPeriod(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	past := time.Now().AddDate(0, 0, -1)
	sub := &Subscription{
		ID: "sub_1", UserID: "u1", PlanID: "starter",
		Status: SubscriptionActive, RenewalDate: past,
		CreatedAt: past, UpdatedAt: past,
	}
	if err := store.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}

	count, err := svc.RenewDue(ctx)
	if err != nil {
		t.Fatalf("RenewDue failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 renewal, got %d", count)
	}

	// A second sweep in the same period finds nothing due.
	count, err = svc.RenewDue(ctx)
	if err != nil {
		t.Fatalf("second RenewDue failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected no renewals on repeat sweep, got %d", count)
	}

	bal, _ := svc.Balance(ctx, "u1")
	if bal.Available() != Plans["starter"].CreditsPerPeriod {
		t.Errorf("Expected one period of credits, got %d", bal.Available())
	}
	checkLedgerInvariant(t, svc, "u1")
}

func TestCancelSubscription_KeepsCredits(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if err := svc.FulfillSubscription(ctx, "u1", "starter", "evt_1"); err != nil {
		t.Fatalf("FulfillSubscription failed: %v", err)
	}
	sub, err := svc.CancelSubscription(ctx, "u1")
	if err != nil {
		t.Fatalf("CancelSubscription failed: %v", err)
	}
	if sub.Status != SubscriptionCancelled {
		t.Errorf("Expected cancelled, got %s", sub.Status)
	}
	if sub.EndsAt == nil || !sub.EndsAt.Equal(sub.RenewalDate) {
		t.Errorf("Expected ends_at pinned to the pending renewal, got %+v", sub)
	}

	bal, _ := svc.Balance(ctx, "u1")
	if bal.Available() != Plans["starter"].CreditsPerPeriod {
		t.Errorf("Cancellation must keep granted credits, got %d", bal.Available())
	}

	// No further renewals.
	count, err := svc.RenewDue(ctx)
	if err != nil || count != 0 {
		t.Errorf("Expected cancelled subscription skipped by sweep, count=%d err=%v", count, err)
	}
}
