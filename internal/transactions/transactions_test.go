package transactions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockCloser records listing transitions.
type mockCloser struct {
	mu       sync.Mutex
	sold     []string
	released []string
}

func (m *mockCloser) MarkSold(ctx context.Context, listingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sold = append(m.sold, listingID)
	return nil
}

func (m *mockCloser) Release(ctx context.Context, listingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, listingID)
	return nil
}

// mockPaymentLog records payment rows.
type mockPaymentLog struct {
	mu        sync.Mutex
	pending   []string // references
	completed []string
}

func (m *mockPaymentLog) RecordPending(ctx context.Context, txnID, userID, purpose, method, reference string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, reference)
	return nil
}

func (m *mockPaymentLog) CompleteByReference(ctx context.Context, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = append(m.completed, reference)
	return nil
}

func newTestService(t *testing.T) (*Service, *mockCloser, *mockPaymentLog) {
	t.Helper()
	mc := &mockCloser{}
	mp := &mockPaymentLog{}
	svc := NewService(NewMemoryStore(), DefaultPricePolicy()).
		WithListingCloser(mc).
		WithPaymentLog(mp)
	return svc, mc, mp
}

func openTestTxn(t *testing.T, svc *Service) *Transaction {
	t.Helper()
	txn, err := svc.Open(context.Background(), OpenRequest{
		OfferID:     "off_1",
		ListingID:   "lst_1",
		BuyerID:     "buyer1",
		SellerID:    "seller1",
		AgreedPrice: 120_000_00,
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return txn
}

// advance walks a transaction to the given status via the normal operations.
func advance(t *testing.T, svc *Service, id string, target Status) *Transaction {
	t.Helper()
	ctx := context.Background()

	step := func(fn func() (*Transaction, error)) *Transaction {
		txn, err := fn()
		if err != nil {
			t.Fatalf("advance step failed: %v", err)
		}
		return txn
	}

	txn := step(func() (*Transaction, error) { return svc.Get(ctx, id) })
	if txn.Status == target {
		return txn
	}
	txn = step(func() (*Transaction, error) { return svc.ConfirmDepositPaid(ctx, id, "pi_dep") })
	if target == StatusDepositReceived {
		return txn
	}
	step(func() (*Transaction, error) { return svc.BuyerAcceptTerms(ctx, id, "buyer1") })
	txn = step(func() (*Transaction, error) { return svc.SellerAcceptTerms(ctx, id, "seller1") })
	if target == StatusInReview {
		return txn
	}
	step(func() (*Transaction, error) { return svc.BuyerApprove(ctx, id, "buyer1") })
	txn = step(func() (*Transaction, error) { return svc.SellerApprove(ctx, id, "seller1") })
	if target == StatusAdminFinalReview {
		return txn
	}
	txn = step(func() (*Transaction, error) { return svc.AdminApprove(ctx, id) })
	if target == StatusPaymentPending {
		return txn
	}
	txn = step(func() (*Transaction, error) { return svc.ConfirmFinalPaymentPaid(ctx, id, "pi_final") })
	if target == StatusPaymentReceived {
		return txn
	}
	txn = step(func() (*Transaction, error) { return svc.Complete(ctx, id) })
	return txn
}

func TestOpen_ComputesAmounts(t *testing.T) {
	svc, _, _ := newTestService(t)
	txn := openTestTxn(t, svc)

	if txn.Status != StatusAwaitingDeposit {
		t.Errorf("Expected awaiting_deposit, got %s", txn.Status)
	}
	if txn.DepositAmount != 12_000_00 {
		t.Errorf("Expected 10%% deposit 1200000, got %d", txn.DepositAmount)
	}
	if txn.PlatformFee != 6_000_00 {
		t.Errorf("Expected 5%% fee 600000, got %d", txn.PlatformFee)
	}
}

func TestOpen_OncePerOffer(t *testing.T) {
	svc, _, _ := newTestService(t)
	first := openTestTxn(t, svc)

	// A second open for the same offer yields the transaction the first
	// one created, whatever the caller passed this time around.
	again, err := svc.Open(context.Background(), OpenRequest{
		OfferID: "off_1", ListingID: "lst_1",
		BuyerID: "buyer1", SellerID: "seller1", AgreedPrice: 100,
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("Expected the existing transaction %s, got %s", first.ID, again.ID)
	}
	if again.AgreedPrice != first.AgreedPrice {
		t.Errorf("Expected original price %d, got %d", first.AgreedPrice, again.AgreedPrice)
	}
}

func TestHappyPath_FullLifecycle(t *testing.T) {
	svc, mc, _ := newTestService(t)
	txn := openTestTxn(t, svc)
	ctx := context.Background()

	txn = advance(t, svc, txn.ID, StatusCompleted)
	if txn.Status != StatusCompleted {
		t.Fatalf("Expected completed, got %s", txn.Status)
	}
	if txn.CompletedAt == nil {
		t.Error("Expected completedAt set")
	}
	if len(mc.sold) != 1 || mc.sold[0] != "lst_1" {
		t.Errorf("Expected listing marked sold, got %v", mc.sold)
	}

	entries, err := svc.Timeline(ctx, txn.ID)
	if err != nil {
		t.Fatalf("Timeline failed: %v", err)
	}
	if len(entries) < 5 {
		t.Errorf("Expected a populated timeline, got %d entries", len(entries))
	}
	if entries[0].Title != "Transaction opened" {
		t.Errorf("Expected opening entry first, got %q", entries[0].Title)
	}
}

// Status must always equal the derivation from the timestamp fields, in
// every state the workflow can reach.
func TestStatusIsDerived(t *testing.T) {
	targets := []Status{
		StatusAwaitingDeposit, StatusDepositReceived, StatusInReview,
		StatusAdminFinalReview, StatusPaymentPending, StatusPaymentReceived,
		StatusCompleted,
	}
	for _, target := range targets {
		svc, _, _ := newTestService(t)
		txn := openTestTxn(t, svc)
		txn = advance(t, svc, txn.ID, target)
		if txn.Status != target {
			t.Fatalf("advance to %s landed on %s", target, txn.Status)
		}
		if derived := DeriveStatus(txn); derived != txn.Status {
			t.Errorf("status mismatch in %s: derived %s", target, derived)
		}
	}
}

func TestAcceptTerms_Idempotent_NoStatusChange(t *testing.T) {
	svc, _, _ := newTestService(t)
	txn := openTestTxn(t, svc)
	ctx := context.Background()

	txn, err := svc.BuyerAcceptTerms(ctx, txn.ID, "buyer1")
	if err != nil {
		t.Fatalf("BuyerAcceptTerms failed: %v", err)
	}
	if txn.Status != StatusAwaitingDeposit {
		t.Errorf("Terms acceptance must not change status, got %s", txn.Status)
	}
	first := txn.BuyerAcceptedTermsAt

	txn, err = svc.BuyerAcceptTerms(ctx, txn.ID, "buyer1")
	if err != nil {
		t.Fatalf("repeat BuyerAcceptTerms failed: %v", err)
	}
	if !txn.BuyerAcceptedTermsAt.Equal(*first) {
		t.Error("Repeat acceptance must not move the timestamp")
	}
}

// Buyer and seller approvals commute: either order lands in admin final
// review exactly once.
func TestApprovals_Commutative(t *testing.T) {
	orders := [][2]string{{"buyer", "seller"}, {"seller", "buyer"}}
	for _, order := range orders {
		svc, _, _ := newTestService(t)
		txn := openTestTxn(t, svc)
		advance(t, svc, txn.ID, StatusInReview)
		ctx := context.Background()

		var err error
		for _, actor := range order {
			if actor == "buyer" {
				txn, err = svc.BuyerApprove(ctx, txn.ID, "buyer1")
			} else {
				txn, err = svc.SellerApprove(ctx, txn.ID, "seller1")
			}
			if err != nil {
				t.Fatalf("%s approve failed: %v", actor, err)
			}
		}
		if txn.Status != StatusAdminFinalReview {
			t.Errorf("order %v: expected admin_final_review, got %s", order, txn.Status)
		}
	}
}

func TestApprove_RepeatIsNoOp(t *testing.T) {
	svc, _, _ := newTestService(t)
	txn := openTestTxn(t, svc)
	advance(t, svc, txn.ID, StatusInReview)
	ctx := context.Background()

	txn, err := svc.BuyerApprove(ctx, txn.ID, "buyer1")
	if err != nil {
		t.Fatalf("BuyerApprove failed: %v", err)
	}
	first := txn.BuyerApprovedAt

	txn, err = svc.BuyerApprove(ctx, txn.ID, "buyer1")
	if err != nil {
		t.Fatalf("repeat BuyerApprove errored: %v", err)
	}
	if !txn.BuyerApprovedAt.Equal(*first) {
		t.Error("Repeat approval must not move the timestamp")
	}
	if txn.Status != StatusBuyerApproved {
		t.Errorf("Expected buyer_approved, got %s", txn.Status)
	}
}

// The manual verify and the webhook confirmation race for the same deposit:
// exactly one applies.
func TestDeposit_DualPathSingleWinner(t *testing.T) {
	svc, _, _ := newTestService(t)
	txn := openTestTxn(t, svc)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(manual bool) {
			defer wg.Done()
			var err error
			if manual {
				_, err = svc.VerifyDeposit(ctx, txn.ID)
			} else {
				_, err = svc.ConfirmDepositPaid(ctx, txn.ID, "pi_dep")
			}
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i == 0)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("Expected exactly one deposit confirmation to win, got %d", wins)
	}
	got, err := svc.Get(ctx, txn.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusDepositReceived {
		t.Errorf("Expected deposit_received, got %s", got.Status)
	}
}

func TestRecordDeposit_ManualFlow(t *testing.T) {
	svc, _, mp := newTestService(t)
	txn := openTestTxn(t, svc)
	ctx := context.Background()

	if _, err := svc.RecordDeposit(ctx, txn.ID, "buyer1", RecordDepositRequest{
		Method: MethodCard, Reference: "pi_x",
	}); !errors.Is(err, ErrInvalidMethod) {
		t.Errorf("Expected ErrInvalidMethod for card via manual path, got %v", err)
	}

	got, err := svc.RecordDeposit(ctx, txn.ID, "buyer1", RecordDepositRequest{
		Method: MethodWire, Reference: "wire-123",
	})
	if err != nil {
		t.Fatalf("RecordDeposit failed: %v", err)
	}
	if got.Status != StatusAwaitingDeposit {
		t.Errorf("Recording alone must not advance status, got %s", got.Status)
	}
	if len(mp.pending) != 1 || mp.pending[0] != "wire-123" {
		t.Errorf("Expected pending payment row, got %v", mp.pending)
	}

	if _, err := svc.RecordDeposit(ctx, txn.ID, "buyer1", RecordDepositRequest{
		Method: MethodWire, Reference: "wire-456",
	}); !errors.Is(err, ErrDepositRecorded) {
		t.Errorf("Expected ErrDepositRecorded, got %v", err)
	}

	got, err = svc.VerifyDeposit(ctx, txn.ID)
	if err != nil {
		t.Fatalf("VerifyDeposit failed: %v", err)
	}
	if got.Status != StatusDepositReceived {
		t.Errorf("Expected deposit_received, got %s", got.Status)
	}
	if len(mp.completed) != 1 || mp.completed[0] != "wire-123" {
		t.Errorf("Expected payment row completed, got %v", mp.completed)
	}
}

func TestAdminApprove_RequiresBothApprovals(t *testing.T) {
	svc, _, _ := newTestService(t)
	txn := openTestTxn(t, svc)
	advance(t, svc, txn.ID, StatusInReview)
	ctx := context.Background()

	if _, err := svc.AdminApprove(ctx, txn.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus before party approvals, got %v", err)
	}

	if _, err := svc.BuyerApprove(ctx, txn.ID, "buyer1"); err != nil {
		t.Fatalf("BuyerApprove failed: %v", err)
	}
	if _, err := svc.AdminApprove(ctx, txn.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus with one approval, got %v", err)
	}
}

func TestDispute_FreezesForwardProgress(t *testing.T) {
	svc, _, _ := newTestService(t)
	txn := openTestTxn(t, svc)
	advance(t, svc, txn.ID, StatusInReview)
	ctx := context.Background()

	txn, err := svc.OpenDispute(ctx, txn.ID, "buyer1", DisputeRequest{Reason: "authority has unresolved violations"})
	if err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}
	if txn.Status != StatusDisputed {
		t.Fatalf("Expected disputed, got %s", txn.Status)
	}

	if _, err := svc.BuyerApprove(ctx, txn.ID, "buyer1"); !errors.Is(err, ErrDisputed) {
		t.Errorf("Expected ErrDisputed for approve, got %v", err)
	}
	if _, err := svc.VerifyDeposit(ctx, txn.ID); err == nil {
		t.Error("Expected deposit verification to be rejected while disputed")
	}
	if _, err := svc.AdminApprove(ctx, txn.ID); !errors.Is(err, ErrDisputed) {
		t.Errorf("Expected ErrDisputed for admin approve, got %v", err)
	}
}

func TestDispute_ResolutionResumesPriorState(t *testing.T) {
	svc, _, _ := newTestService(t)
	txn := openTestTxn(t, svc)
	advance(t, svc, txn.ID, StatusInReview)
	ctx := context.Background()

	if _, err := svc.OpenDispute(ctx, txn.ID, "seller1", DisputeRequest{Reason: "buyer unresponsive"}); err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}
	txn, err := svc.ResolveDispute(ctx, txn.ID, ResolveDisputeRequest{Resolution: "buyer responded"})
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	if txn.Status != StatusInReview {
		t.Errorf("Expected frozen state in_review restored, got %s", txn.Status)
	}

	// Progress resumes.
	if _, err := svc.BuyerApprove(ctx, txn.ID, "buyer1"); err != nil {
		t.Errorf("Expected approval to work after resolution, got %v", err)
	}
}

func TestDispute_ResolutionCanCancel(t *testing.T) {
	svc, mc, _ := newTestService(t)
	txn := openTestTxn(t, svc)
	advance(t, svc, txn.ID, StatusInReview)
	ctx := context.Background()

	if _, err := svc.OpenDispute(ctx, txn.ID, "buyer1", DisputeRequest{Reason: "misrepresented authority"}); err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}
	txn, err := svc.ResolveDispute(ctx, txn.ID, ResolveDisputeRequest{
		Resolution: "claim substantiated", Cancel: true,
	})
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	if txn.Status != StatusCancelled {
		t.Errorf("Expected cancelled, got %s", txn.Status)
	}
	if len(mc.released) != 1 {
		t.Errorf("Expected listing released, got %v", mc.released)
	}
}

func TestCancel_FromAnyPreCompletedState(t *testing.T) {
	for _, target := range []Status{StatusAwaitingDeposit, StatusInReview, StatusPaymentPending} {
		svc, mc, _ := newTestService(t)
		txn := openTestTxn(t, svc)
		advance(t, svc, txn.ID, target)
		ctx := context.Background()

		got, err := svc.Cancel(ctx, txn.ID, "buyer1", CancelRequest{Reason: "changed my mind"})
		if err != nil {
			t.Fatalf("Cancel from %s failed: %v", target, err)
		}
		if got.Status != StatusCancelled {
			t.Errorf("Expected cancelled from %s, got %s", target, got.Status)
		}
		if len(mc.released) != 1 {
			t.Errorf("Expected listing released, got %v", mc.released)
		}
	}
}

func TestApprove_RequiresBothTermsAccepted(t *testing.T) {
	svc, _, _ := newTestService(t)
	txn := openTestTxn(t, svc)
	advance(t, svc, txn.ID, StatusDepositReceived)
	ctx := context.Background()

	if _, err := svc.BuyerApprove(ctx, txn.ID, "buyer1"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus before terms accepted, got %v", err)
	}
	if _, err := svc.BuyerAcceptTerms(ctx, txn.ID, "buyer1"); err != nil {
		t.Fatalf("BuyerAcceptTerms failed: %v", err)
	}
	if _, err := svc.SellerApprove(ctx, txn.ID, "seller1"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus with one acceptance, got %v", err)
	}

	txn2, err := svc.SellerAcceptTerms(ctx, txn.ID, "seller1")
	if err != nil {
		t.Fatalf("SellerAcceptTerms failed: %v", err)
	}
	if txn2.Status != StatusInReview {
		t.Fatalf("Expected in_review after both acceptances, got %s", txn2.Status)
	}
	if _, err := svc.BuyerApprove(ctx, txn.ID, "buyer1"); err != nil {
		t.Errorf("Expected approval to work from in_review, got %v", err)
	}
}

func TestCancel_WithoutDisputeLeavesNoResolution(t *testing.T) {
	svc, _, _ := newTestService(t)
	txn := openTestTxn(t, svc)
	advance(t, svc, txn.ID, StatusInReview)
	ctx := context.Background()

	got, err := svc.Cancel(ctx, txn.ID, "buyer1", CancelRequest{Reason: "changed my mind"})
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if got.DisputeResolvedAt != nil {
		t.Errorf("Cancel without a dispute must not write a resolution timestamp, got %v", got.DisputeResolvedAt)
	}

	// With an open dispute, cancellation closes it.
	svc2, _, _ := newTestService(t)
	txn2 := openTestTxn(t, svc2)
	advance(t, svc2, txn2.ID, StatusInReview)
	if _, err := svc2.OpenDispute(ctx, txn2.ID, "buyer1", DisputeRequest{Reason: "seller unresponsive"}); err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}
	got2, err := svc2.Cancel(ctx, txn2.ID, "admin", CancelRequest{Reason: "dispute upheld"})
	if err != nil {
		t.Fatalf("Cancel of disputed failed: %v", err)
	}
	if got2.DisputeResolvedAt == nil {
		t.Error("Cancel of a disputed transaction must close the dispute")
	}
}

func TestCancel_TerminalIsRejected(t *testing.T) {
	svc, _, _ := newTestService(t)
	txn := openTestTxn(t, svc)
	advance(t, svc, txn.ID, StatusCompleted)
	ctx := context.Background()

	if _, err := svc.Cancel(ctx, txn.ID, "admin", CancelRequest{Reason: "too late"}); !errors.Is(err, ErrTerminal) {
		t.Errorf("Expected ErrTerminal, got %v", err)
	}

	// Webhook arriving after cancellation must skip, not override.
	svc2, _, _ := newTestService(t)
	txn2 := openTestTxn(t, svc2)
	if _, err := svc2.Cancel(ctx, txn2.ID, "buyer1", CancelRequest{Reason: "withdrawn"}); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if _, err := svc2.ConfirmDepositPaid(ctx, txn2.ID, "pi_late"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected late webhook to observe terminal state, got %v", err)
	}
	got, err := svc2.Get(ctx, txn2.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("Expected cancelled to stick, got %s", got.Status)
	}
}

func TestFinalPayment_RequiresPaymentPending(t *testing.T) {
	svc, _, _ := newTestService(t)
	txn := openTestTxn(t, svc)
	advance(t, svc, txn.ID, StatusInReview)
	ctx := context.Background()

	if _, err := svc.ConfirmFinalPaymentPaid(ctx, txn.ID, "pi_f"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus before admin approval, got %v", err)
	}
}

func TestUpdateIf_ConflictOnStaleStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	txn := &Transaction{
		ID: "txn_a", OfferID: "off_a", ListingID: "lst_a",
		BuyerID: "b", SellerID: "s",
		AgreedPrice: 100, CreatedAt: now, UpdatedAt: now,
	}
	txn.Status = DeriveStatus(txn)
	if err := store.Create(ctx, txn); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	fresh, _ := store.Get(ctx, "txn_a")
	fresh.DepositVerifiedAt = &now
	fresh.Status = DeriveStatus(fresh)
	if err := store.UpdateIf(ctx, fresh, StatusAwaitingDeposit, nil); err != nil {
		t.Fatalf("first UpdateIf failed: %v", err)
	}

	// Second writer still holds the stale expectation.
	stale, _ := store.Get(ctx, "txn_a")
	stale.Status = DeriveStatus(stale)
	if err := store.UpdateIf(ctx, stale, StatusAwaitingDeposit, nil); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict, got %v", err)
	}
}
