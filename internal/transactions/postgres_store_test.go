//go:build integration

package transactions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/authex/authex/internal/testutil"
)

func pgTestTransaction(id, offerID string, now time.Time) *Transaction {
	return &Transaction{
		ID:            id,
		OfferID:       offerID,
		ListingID:     "lst_pg_1",
		BuyerID:       "buyer_pg",
		SellerID:      "seller_pg",
		AgreedPrice:   10000000,
		DepositAmount: 1000000,
		PlatformFee:   500000,
		Status:        StatusAwaitingDeposit,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestPostgresStore_CreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond)
	txn := pgTestTransaction("txn_pg_crud", "off_pg_crud", now)
	if err := store.Create(ctx, txn); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, txn.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.BuyerID != "buyer_pg" {
		t.Errorf("BuyerID = %q, want buyer_pg", got.BuyerID)
	}
	if got.AgreedPrice != 10000000 {
		t.Errorf("AgreedPrice = %d, want 10000000", got.AgreedPrice)
	}
	if got.Status != StatusAwaitingDeposit {
		t.Errorf("Status = %q, want %q", got.Status, StatusAwaitingDeposit)
	}
	if got.DepositRecordedAt != nil {
		t.Errorf("DepositRecordedAt = %v, want nil", got.DepositRecordedAt)
	}

	byOffer, err := store.GetByOffer(ctx, "off_pg_crud")
	if err != nil {
		t.Fatalf("GetByOffer: %v", err)
	}
	if byOffer.ID != txn.ID {
		t.Errorf("byOffer = %q, want %q", byOffer.ID, txn.ID)
	}

	if _, err := store.Get(ctx, "txn_nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get nonexistent = %v, want ErrNotFound", err)
	}

	// One transaction per offer, enforced by the unique constraint.
	dup := pgTestTransaction("txn_pg_other", "off_pg_crud", now)
	if err := store.Create(ctx, dup); !errors.Is(err, ErrDuplicateOffer) {
		t.Errorf("duplicate offer = %v, want ErrDuplicateOffer", err)
	}
}

func TestPostgresStore_UpdateIfGuardsStatus(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond)
	txn := pgTestTransaction("txn_pg_cas", "off_pg_cas", now)
	if err := store.Create(ctx, txn); err != nil {
		t.Fatalf("Create: %v", err)
	}

	recorded := now.Add(time.Minute)
	txn.DepositMethod = MethodCard
	txn.DepositRef = "pi_pg_1"
	txn.DepositRecordedAt = &recorded
	txn.DepositVerifiedAt = &recorded
	txn.Status = DeriveStatus(txn)
	txn.UpdatedAt = recorded

	entry := &TimelineEntry{
		TransactionID: txn.ID,
		Status:        txn.Status,
		Title:         "Deposit received",
		Actor:         "system",
		CreatedAt:     recorded,
	}
	if err := store.UpdateIf(ctx, txn, StatusAwaitingDeposit, entry); err != nil {
		t.Fatalf("UpdateIf: %v", err)
	}

	got, err := store.Get(ctx, txn.ID)
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	if got.Status != StatusDepositReceived {
		t.Errorf("Status = %q, want %q", got.Status, StatusDepositReceived)
	}
	if got.DepositRef != "pi_pg_1" {
		t.Errorf("DepositRef = %q, want pi_pg_1", got.DepositRef)
	}
	if got.DepositVerifiedAt == nil {
		t.Errorf("DepositVerifiedAt = nil, want set")
	}

	// A writer still holding the old status must not clobber the row.
	if err := store.UpdateIf(ctx, txn, StatusAwaitingDeposit, nil); !errors.Is(err, ErrConflict) {
		t.Errorf("stale update = %v, want ErrConflict", err)
	}

	missing := pgTestTransaction("txn_nonexistent", "off_pg_missing", now)
	if err := store.UpdateIf(ctx, missing, StatusAwaitingDeposit, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("update nonexistent = %v, want ErrNotFound", err)
	}
}

func TestPostgresStore_Timeline(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond)
	txn := pgTestTransaction("txn_pg_tl", "off_pg_tl", now)
	if err := store.Create(ctx, txn); err != nil {
		t.Fatalf("Create: %v", err)
	}

	recorded := now.Add(time.Minute)
	txn.DepositMethod = MethodWire
	txn.DepositRef = "wire-123"
	txn.DepositRecordedAt = &recorded
	txn.Status = DeriveStatus(txn)
	txn.UpdatedAt = recorded
	entry := &TimelineEntry{
		TransactionID: txn.ID,
		Status:        txn.Status,
		Title:         "Deposit recorded",
		Actor:         "buyer_pg",
		CreatedAt:     recorded,
	}
	if err := store.UpdateIf(ctx, txn, StatusAwaitingDeposit, entry); err != nil {
		t.Fatalf("UpdateIf: %v", err)
	}

	timeline, err := store.Timeline(ctx, txn.ID)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(timeline) != 2 {
		t.Fatalf("Timeline len = %d, want 2", len(timeline))
	}
	// Oldest first: the opening entry written by Create, then the deposit.
	if timeline[0].Title != "Transaction opened" {
		t.Errorf("first entry = %q, want Transaction opened", timeline[0].Title)
	}
	if timeline[1].Title != "Deposit recorded" {
		t.Errorf("second entry = %q, want Deposit recorded", timeline[1].Title)
	}
	if timeline[1].Actor != "buyer_pg" {
		t.Errorf("second actor = %q, want buyer_pg", timeline[1].Actor)
	}
}

func TestPostgresStore_Lists(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond)
	for i := 0; i < 3; i++ {
		txn := pgTestTransaction(
			"txn_pg_list_"+string(rune('a'+i)),
			"off_pg_list_"+string(rune('a'+i)),
			now.Add(time.Duration(i)*time.Second))
		if err := store.Create(ctx, txn); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}

	// Buyer and seller both see the same rows.
	byBuyer, err := store.ListByUser(ctx, "buyer_pg", 10)
	if err != nil {
		t.Fatalf("ListByUser buyer: %v", err)
	}
	if len(byBuyer) != 3 {
		t.Fatalf("buyer count = %d, want 3", len(byBuyer))
	}
	if byBuyer[0].ID != "txn_pg_list_c" {
		t.Errorf("first = %q, want txn_pg_list_c (newest first)", byBuyer[0].ID)
	}

	bySeller, err := store.ListByUser(ctx, "seller_pg", 10)
	if err != nil {
		t.Fatalf("ListByUser seller: %v", err)
	}
	if len(bySeller) != 3 {
		t.Errorf("seller count = %d, want 3", len(bySeller))
	}

	limited, err := store.ListByUser(ctx, "buyer_pg", 1)
	if err != nil {
		t.Fatalf("ListByUser limit: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limited count = %d, want 1", len(limited))
	}

	awaiting, err := store.ListByStatus(ctx, StatusAwaitingDeposit, 10)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(awaiting) != 3 {
		t.Errorf("awaiting count = %d, want 3", len(awaiting))
	}
	completed, err := store.ListByStatus(ctx, StatusCompleted, 10)
	if err != nil {
		t.Fatalf("ListByStatus completed: %v", err)
	}
	if len(completed) != 0 {
		t.Errorf("completed count = %d, want 0", len(completed))
	}
}
