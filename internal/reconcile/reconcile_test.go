package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/authex/authex/internal/payments"
)

// fakeVerifier maps payload strings to canned events.
type fakeVerifier struct {
	events map[string]*payments.Event
	errs   map[string]error
}

func (f *fakeVerifier) VerifyEvent(payload []byte, sigHeader string) (*payments.Event, error) {
	if err, ok := f.errs[string(payload)]; ok {
		return nil, err
	}
	ev, ok := f.events[string(payload)]
	if !ok {
		return nil, errors.New("unexpected payload")
	}
	return ev, nil
}

type mockTxnApplier struct {
	mu       sync.Mutex
	deposits []string // transaction IDs confirmed
	finals   []string
	err      error
}

func (m *mockTxnApplier) ConfirmDepositPaid(ctx context.Context, txnID, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.deposits = append(m.deposits, txnID)
	return nil
}

func (m *mockTxnApplier) ConfirmFinalPaymentPaid(ctx context.Context, txnID, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.finals = append(m.finals, txnID)
	return nil
}

type mockPayApplier struct {
	completedSessions []string
	completedRefs     []string
	failedRefs        []string
}

func (m *mockPayApplier) CompleteBySession(ctx context.Context, sessionID, ref string) error {
	m.completedSessions = append(m.completedSessions, sessionID)
	return nil
}

func (m *mockPayApplier) CompleteByReference(ctx context.Context, ref string) error {
	m.completedRefs = append(m.completedRefs, ref)
	return nil
}

func (m *mockPayApplier) FailByReference(ctx context.Context, ref, reason string) error {
	m.failedRefs = append(m.failedRefs, ref)
	return nil
}

type mockCreditApplier struct {
	purchases []string // user IDs
	renewals  []string // plan IDs
}

func (m *mockCreditApplier) FulfillPurchase(ctx context.Context, userID string, credits int64, ref string) error {
	m.purchases = append(m.purchases, userID)
	return nil
}

func (m *mockCreditApplier) FulfillSubscription(ctx context.Context, userID, planID, ref string) error {
	m.renewals = append(m.renewals, planID)
	return nil
}

type mockListingApplier struct {
	feePaid []string
}

func (m *mockListingApplier) MarkFeePaid(ctx context.Context, listingID, ref string) error {
	m.feePaid = append(m.feePaid, listingID)
	return nil
}

type mockNotifier struct {
	failed []string // "userID/reference"
}

func (m *mockNotifier) NotifyPaymentFailed(userID, reference, reason string) {
	m.failed = append(m.failed, userID+"/"+reference)
}

func depositEvent(id string) *payments.Event {
	return &payments.Event{
		ID:            id,
		Kind:          payments.EventPaymentSucceeded,
		Purpose:       payments.PurposeDeposit,
		TransactionID: "txn_1",
		UserID:        "buyer1",
		PaymentRef:    "pi_1",
		SessionID:     "cs_1",
		Amount:        1200000,
	}
}

func newTestService(v *fakeVerifier) (*Service, *mockTxnApplier, *mockPayApplier, *mockCreditApplier, *mockListingApplier) {
	txns := &mockTxnApplier{}
	pays := &mockPayApplier{}
	creds := &mockCreditApplier{}
	ls := &mockListingApplier{}
	svc := NewService(v, NewMemoryStore()).
		WithTransactions(txns).
		WithPayments(pays).
		WithCredits(creds).
		WithListings(ls)
	return svc, txns, pays, creds, ls
}

func TestHandleEvent_DepositApplied(t *testing.T) {
	v := &fakeVerifier{events: map[string]*payments.Event{"p1": depositEvent("evt_1")}}
	svc, txns, pays, _, _ := newTestService(v)

	result, err := svc.HandleEvent(context.Background(), []byte("p1"), "sig")
	if err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	if result != ResultApplied {
		t.Errorf("Expected applied, got %s", result)
	}
	if len(txns.deposits) != 1 || txns.deposits[0] != "txn_1" {
		t.Errorf("Expected deposit confirmed on txn_1, got %v", txns.deposits)
	}
	if len(pays.completedSessions) != 1 || pays.completedSessions[0] != "cs_1" {
		t.Errorf("Expected payment row completed by session, got %v", pays.completedSessions)
	}
}

// Delivering the same event twice applies it exactly once.
func TestHandleEvent_DuplicateAcknowledged(t *testing.T) {
	v := &fakeVerifier{events: map[string]*payments.Event{"p1": depositEvent("evt_1")}}
	svc, txns, _, _, _ := newTestService(v)
	ctx := context.Background()

	if result, err := svc.HandleEvent(ctx, []byte("p1"), "sig"); err != nil || result != ResultApplied {
		t.Fatalf("first delivery: result=%s err=%v", result, err)
	}
	result, err := svc.HandleEvent(ctx, []byte("p1"), "sig")
	if err != nil {
		t.Fatalf("second delivery errored: %v", err)
	}
	if result != ResultDuplicate {
		t.Errorf("Expected duplicate, got %s", result)
	}
	if len(txns.deposits) != 1 {
		t.Errorf("Expected exactly one application, got %d", len(txns.deposits))
	}
}

func TestHandleEvent_BadSignature(t *testing.T) {
	v := &fakeVerifier{errs: map[string]error{"bad": errors.New("signature mismatch")}}
	svc, _, _, _, _ := newTestService(v)

	result, err := svc.HandleEvent(context.Background(), []byte("bad"), "sig")
	if !errors.Is(err, ErrBadSignature) {
		t.Errorf("Expected ErrBadSignature, got %v", err)
	}
	if result != ResultFailed {
		t.Errorf("Expected failed, got %s", result)
	}
}

func TestHandleEvent_UnknownPurposeRejected(t *testing.T) {
	v := &fakeVerifier{errs: map[string]error{"p1": payments.ErrInvalidPurpose}}
	svc, txns, pays, _, _ := newTestService(v)

	result, err := svc.HandleEvent(context.Background(), []byte("p1"), "sig")
	if !errors.Is(err, payments.ErrInvalidPurpose) {
		t.Errorf("Expected ErrInvalidPurpose, got %v", err)
	}
	if result != ResultFailed {
		t.Errorf("Expected failed, got %s", result)
	}
	if len(txns.deposits) != 0 || len(pays.completedSessions) != 0 {
		t.Error("Expected no side effects for an unknown purpose")
	}
}

func TestHandleEvent_UnhandledTypeIgnored(t *testing.T) {
	v := &fakeVerifier{errs: map[string]error{"p1": payments.ErrUnhandledEvent}}
	svc, _, _, _, _ := newTestService(v)

	result, err := svc.HandleEvent(context.Background(), []byte("p1"), "sig")
	if err != nil {
		t.Fatalf("Expected unhandled event to be acknowledged, got %v", err)
	}
	if result != ResultIgnored {
		t.Errorf("Expected ignored, got %s", result)
	}
}

// A failed payment flips the payment row but never touches the transaction.
func TestHandleEvent_PaymentFailedNoRegress(t *testing.T) {
	ev := depositEvent("evt_f")
	ev.Kind = payments.EventPaymentFailed
	v := &fakeVerifier{events: map[string]*payments.Event{"p1": ev}}
	svc, txns, pays, _, _ := newTestService(v)
	n := &mockNotifier{}
	svc.WithNotifier(n)

	result, err := svc.HandleEvent(context.Background(), []byte("p1"), "sig")
	if err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	if result != ResultApplied {
		t.Errorf("Expected applied, got %s", result)
	}
	if len(pays.failedRefs) != 1 || pays.failedRefs[0] != "pi_1" {
		t.Errorf("Expected payment row failed, got %v", pays.failedRefs)
	}
	if len(n.failed) != 1 || n.failed[0] != "buyer1/pi_1" {
		t.Errorf("Expected the buyer notified of the failure, got %v", n.failed)
	}
	if len(txns.deposits) != 0 {
		t.Error("A failed payment must not confirm a deposit")
	}
}

// An event whose target already moved on is acknowledged and recorded, so
// retries stop, but nothing is applied.
func TestHandleEvent_SupersededSkipsAndDedupes(t *testing.T) {
	v := &fakeVerifier{events: map[string]*payments.Event{"p1": depositEvent("evt_s")}}
	svc, txns, _, _, _ := newTestService(v)
	txns.err = ErrSuperseded
	ctx := context.Background()

	result, err := svc.HandleEvent(ctx, []byte("p1"), "sig")
	if err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	if result != ResultSkipped {
		t.Errorf("Expected skipped, got %s", result)
	}

	// The skip is final: a redelivery is a duplicate even if the target
	// would now accept the event.
	txns.err = nil
	result, err = svc.HandleEvent(ctx, []byte("p1"), "sig")
	if err != nil || result != ResultDuplicate {
		t.Errorf("Expected duplicate on redelivery, got result=%s err=%v", result, err)
	}
	if len(txns.deposits) != 0 {
		t.Error("A skipped event must never be applied")
	}
}

// A transient failure rolls back the dedupe row so the retry gets a clean run.
func TestHandleEvent_FailureAllowsRetry(t *testing.T) {
	v := &fakeVerifier{events: map[string]*payments.Event{"p1": depositEvent("evt_r")}}
	svc, txns, _, _, _ := newTestService(v)
	txns.err = errors.New("database down")
	ctx := context.Background()

	result, err := svc.HandleEvent(ctx, []byte("p1"), "sig")
	if err == nil || result != ResultFailed {
		t.Fatalf("Expected failure, got result=%s err=%v", result, err)
	}

	txns.err = nil
	result, err = svc.HandleEvent(ctx, []byte("p1"), "sig")
	if err != nil || result != ResultApplied {
		t.Errorf("Expected retry to apply, got result=%s err=%v", result, err)
	}
}

func TestHandleEvent_PurposeRouting(t *testing.T) {
	events := map[string]*payments.Event{
		"credit": {
			ID: "evt_c", Kind: payments.EventPaymentSucceeded,
			Purpose: payments.PurposeCreditPurchase,
			UserID:  "u1", Credits: 100, PaymentRef: "pi_c",
		},
		"sub": {
			ID: "evt_sub", Kind: payments.EventPaymentSucceeded,
			Purpose: payments.PurposeSubscription,
			UserID:  "u1", PlanID: "pro", PaymentRef: "pi_s",
		},
		"fee": {
			ID: "evt_fee", Kind: payments.EventPaymentSucceeded,
			Purpose:   payments.PurposeListingFee,
			UserID:    "seller1",
			ListingID: "lst_1", PaymentRef: "pi_l",
		},
	}
	v := &fakeVerifier{events: events}
	svc, _, _, creds, ls := newTestService(v)
	ctx := context.Background()

	for payload := range events {
		if result, err := svc.HandleEvent(ctx, []byte(payload), "sig"); err != nil || result != ResultApplied {
			t.Fatalf("%s: result=%s err=%v", payload, result, err)
		}
	}
	if len(creds.purchases) != 1 || creds.purchases[0] != "u1" {
		t.Errorf("Expected credit purchase fulfilled, got %v", creds.purchases)
	}
	if len(creds.renewals) != 1 || creds.renewals[0] != "pro" {
		t.Errorf("Expected subscription fulfilled, got %v", creds.renewals)
	}
	if len(ls.feePaid) != 1 || ls.feePaid[0] != "lst_1" {
		t.Errorf("Expected listing fee applied, got %v", ls.feePaid)
	}
}

func TestHandleEvent_MissingTarget(t *testing.T) {
	ev := depositEvent("evt_m")
	ev.TransactionID = ""
	v := &fakeVerifier{events: map[string]*payments.Event{"p1": ev}}
	svc, _, _, _, _ := newTestService(v)

	result, err := svc.HandleEvent(context.Background(), []byte("p1"), "sig")
	if !errors.Is(err, ErrMissingTarget) {
		t.Errorf("Expected ErrMissingTarget, got %v", err)
	}
	if result != ResultFailed {
		t.Errorf("Expected failed, got %s", result)
	}
}
