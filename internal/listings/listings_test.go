package listings

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func newTestService() *Service {
	return NewService(NewMemoryStore())
}

func draftListing(t *testing.T, svc *Service) *Listing {
	t.Helper()
	l, err := svc.Create(context.Background(), CreateRequest{
		SellerID:      "seller1",
		AuthorityType: "mc_number",
		Title:         "MC 123456, 8 years clean",
		AskingPrice:   120_000_00,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return l
}

func TestCreate_StartsAsDraft(t *testing.T) {
	svc := newTestService()
	l := draftListing(t, svc)

	if l.Status != StatusDraft {
		t.Errorf("expected draft, got %s", l.Status)
	}
	if l.FeePaid {
		t.Error("fee must not be paid on a fresh draft")
	}
	if l.Offerable() {
		t.Error("draft listing must not be offerable")
	}
}

func TestFeePayment_ActivatesListing(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	l := draftListing(t, svc)

	if err := svc.MarkFeePaid(ctx, l.ID, "pi_123"); err != nil {
		t.Fatalf("MarkFeePaid: %v", err)
	}

	got, err := svc.Get(ctx, l.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusActive {
		t.Errorf("expected active, got %s", got.Status)
	}
	if !got.FeePaid || got.FeePaymentRef != "pi_123" {
		t.Errorf("fee flags not recorded: %+v", got)
	}
	if !got.Offerable() {
		t.Error("active listing must be offerable")
	}

	// Paying twice is rejected
	if err := svc.MarkFeePaid(ctx, l.ID, "pi_456"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus on second fee payment, got %v", err)
	}
}

func TestWaiveFee_ActivatesWithoutPayment(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	l := draftListing(t, svc)

	if err := svc.WaiveFee(ctx, l.ID); err != nil {
		t.Fatalf("WaiveFee: %v", err)
	}
	got, _ := svc.Get(ctx, l.ID)
	if got.Status != StatusActive {
		t.Errorf("expected active, got %s", got.Status)
	}
	if got.FeePaymentRef != "waived" {
		t.Errorf("expected waived marker, got %q", got.FeePaymentRef)
	}
}

func TestReserve_SingleWinner(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	l := draftListing(t, svc)
	if err := svc.WaiveFee(ctx, l.ID); err != nil {
		t.Fatalf("WaiveFee: %v", err)
	}

	const rivals = 10
	var wg sync.WaitGroup
	wins := make(chan int, rivals)
	for i := 0; i < rivals; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if svc.Reserve(ctx, l.ID, "off_rival") == nil {
				wins <- n
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var count int
	for range wins {
		count++
	}
	if count != 1 {
		t.Errorf("expected exactly one reservation to win, got %d", count)
	}

	got, _ := svc.Get(ctx, l.ID)
	if got.Status != StatusReserved {
		t.Errorf("expected reserved, got %s", got.Status)
	}
}

func TestReleaseAndMarkSold(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	l := draftListing(t, svc)
	_ = svc.WaiveFee(ctx, l.ID)
	if err := svc.Reserve(ctx, l.ID, "txn_1"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	// Cancelled transaction puts the listing back on the market
	if err := svc.Release(ctx, l.ID); err != nil {
		t.Fatalf("Release: %v", err)
	}
	got, _ := svc.Get(ctx, l.ID)
	if got.Status != StatusActive || got.ReservedRef != "" {
		t.Errorf("expected active with no reservation, got %s %q", got.Status, got.ReservedRef)
	}

	// Selling requires a reservation
	if err := svc.MarkSold(ctx, l.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus selling unreserved listing, got %v", err)
	}

	_ = svc.Reserve(ctx, l.ID, "txn_2")
	if err := svc.MarkSold(ctx, l.ID); err != nil {
		t.Fatalf("MarkSold: %v", err)
	}
	got, _ = svc.Get(ctx, l.ID)
	if got.Status != StatusSold || got.SoldAt == nil {
		t.Errorf("expected sold with timestamp, got %+v", got)
	}
	if !got.IsTerminal() {
		t.Error("sold listing must be terminal")
	}
}

func TestRemove_OwnershipAndStatus(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	l := draftListing(t, svc)

	if err := svc.Remove(ctx, l.ID, "stranger"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}

	_ = svc.WaiveFee(ctx, l.ID)
	_ = svc.Reserve(ctx, l.ID, "txn_1")
	if err := svc.Remove(ctx, l.ID, "seller1"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus removing reserved listing, got %v", err)
	}

	_ = svc.Release(ctx, l.ID)
	if err := svc.Remove(ctx, l.ID, "seller1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	got, _ := svc.Get(ctx, l.ID)
	if got.Status != StatusRemoved {
		t.Errorf("expected removed, got %s", got.Status)
	}
}

func TestListActive_FiltersByType(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	for _, typ := range []string{"mc_number", "mc_number", "freight_broker"} {
		l, err := svc.Create(ctx, CreateRequest{
			SellerID:      "seller1",
			AuthorityType: typ,
			Title:         "authority for sale",
			AskingPrice:   50_000_00,
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		_ = svc.WaiveFee(ctx, l.ID)
	}
	// One draft that must not appear
	draftListing(t, svc)

	active, err := svc.ListActive(ctx, "", 50)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 3 {
		t.Errorf("expected 3 active listings, got %d", len(active))
	}

	brokers, err := svc.ListActive(ctx, "freight_broker", 50)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(brokers) != 1 {
		t.Errorf("expected 1 freight_broker listing, got %d", len(brokers))
	}
}
