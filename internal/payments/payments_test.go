package payments

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v81"
)

func TestParsePurpose(t *testing.T) {
	valid := []string{"deposit", "final_payment", "credit_purchase", "subscription", "listing_fee"}
	for _, s := range valid {
		if _, err := ParsePurpose(s); err != nil {
			t.Errorf("ParsePurpose(%q) rejected a valid purpose: %v", s, err)
		}
	}
	for _, s := range []string{"", "payout", "DEPOSIT", "deposit "} {
		if _, err := ParsePurpose(s); !errors.Is(err, ErrInvalidPurpose) {
			t.Errorf("ParsePurpose(%q) expected ErrInvalidPurpose, got %v", s, err)
		}
	}
}

func stripeEvent(t *testing.T, id string, evType stripe.EventType, obj any) *stripe.Event {
	t.Helper()
	raw, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marshal event object: %v", err)
	}
	return &stripe.Event{
		ID:   id,
		Type: evType,
		Data: &stripe.EventData{Raw: raw},
	}
}

func TestEventFromStripe_CheckoutCompleted(t *testing.T) {
	ev := stripeEvent(t, "evt_1", "checkout.session.completed", map[string]any{
		"id":           "cs_123",
		"amount_total": 1200000,
		"payment_intent": map[string]any{
			"id": "pi_123",
		},
		"metadata": map[string]string{
			"purpose":        "deposit",
			"transaction_id": "txn_1",
			"user_id":        "buyer1",
		},
	})

	got, err := eventFromStripe(ev)
	if err != nil {
		t.Fatalf("eventFromStripe failed: %v", err)
	}
	if got.Kind != EventPaymentSucceeded {
		t.Errorf("Expected payment_succeeded, got %s", got.Kind)
	}
	if got.Purpose != PurposeDeposit {
		t.Errorf("Expected deposit purpose, got %s", got.Purpose)
	}
	if got.TransactionID != "txn_1" || got.UserID != "buyer1" {
		t.Errorf("Metadata not carried: %+v", got)
	}
	if got.SessionID != "cs_123" || got.PaymentRef != "pi_123" {
		t.Errorf("References not carried: session=%s ref=%s", got.SessionID, got.PaymentRef)
	}
	if got.Amount != 1200000 {
		t.Errorf("Expected amount 1200000, got %d", got.Amount)
	}
}

func TestEventFromStripe_PaymentFailed(t *testing.T) {
	ev := stripeEvent(t, "evt_2", "payment_intent.payment_failed", map[string]any{
		"id":     "pi_456",
		"amount": 500,
		"metadata": map[string]string{
			"purpose": "credit_purchase",
			"user_id": "u1",
			"credits": "100",
		},
	})

	got, err := eventFromStripe(ev)
	if err != nil {
		t.Fatalf("eventFromStripe failed: %v", err)
	}
	if got.Kind != EventPaymentFailed {
		t.Errorf("Expected payment_failed, got %s", got.Kind)
	}
	if got.Credits != 100 {
		t.Errorf("Expected 100 credits, got %d", got.Credits)
	}
}

func TestEventFromStripe_UnknownPurposeRejected(t *testing.T) {
	ev := stripeEvent(t, "evt_3", "payment_intent.succeeded", map[string]any{
		"id":       "pi_789",
		"metadata": map[string]string{"purpose": "mystery"},
	})
	if _, err := eventFromStripe(ev); !errors.Is(err, ErrInvalidPurpose) {
		t.Errorf("Expected ErrInvalidPurpose, got %v", err)
	}
}

func TestEventFromStripe_UnhandledType(t *testing.T) {
	ev := stripeEvent(t, "evt_4", "customer.created", map[string]any{"id": "cus_1"})
	if _, err := eventFromStripe(ev); !errors.Is(err, ErrUnhandledEvent) {
		t.Errorf("Expected ErrUnhandledEvent, got %v", err)
	}
}

func TestEventFromStripe_MalformedCredits(t *testing.T) {
	ev := stripeEvent(t, "evt_5", "payment_intent.succeeded", map[string]any{
		"id": "pi_1",
		"metadata": map[string]string{
			"purpose": "credit_purchase",
			"credits": "lots",
		},
	})
	if _, err := eventFromStripe(ev); err == nil {
		t.Error("Expected malformed credits to be rejected")
	}
}

func TestRecordPending_AndCompleteByReference(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	err := svc.RecordPending(ctx, "txn_1", "buyer1", "deposit", "wire", "wire-123", 1200000)
	if err != nil {
		t.Fatalf("RecordPending failed: %v", err)
	}

	if err := svc.CompleteByReference(ctx, "wire-123"); err != nil {
		t.Fatalf("CompleteByReference failed: %v", err)
	}
	// Completing again is a no-op.
	if err := svc.CompleteByReference(ctx, "wire-123"); err != nil {
		t.Errorf("Repeat completion should be a no-op, got %v", err)
	}

	payments, err := svc.ListByTransaction(ctx, "txn_1")
	if err != nil {
		t.Fatalf("ListByTransaction failed: %v", err)
	}
	if len(payments) != 1 {
		t.Fatalf("Expected 1 payment, got %d", len(payments))
	}
	if payments[0].Status != StatusCompleted || payments[0].CompletedAt == nil {
		t.Errorf("Expected completed payment, got %+v", payments[0])
	}
}

func TestRecordPending_Validation(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	if err := svc.RecordPending(ctx, "txn_1", "u1", "bribe", "wire", "r1", 100); !errors.Is(err, ErrInvalidPurpose) {
		t.Errorf("Expected ErrInvalidPurpose, got %v", err)
	}
	if err := svc.RecordPending(ctx, "txn_1", "u1", "deposit", "wire", "r1", 0); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount, got %v", err)
	}
}

func TestFailByReference(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	if err := svc.RecordPending(ctx, "txn_1", "u1", "deposit", "wire", "wire-9", 100); err != nil {
		t.Fatalf("RecordPending failed: %v", err)
	}
	if err := svc.FailByReference(ctx, "wire-9", "insufficient funds"); err != nil {
		t.Fatalf("FailByReference failed: %v", err)
	}
	p, err := svc.store.GetByReference(ctx, "wire-9")
	if err != nil {
		t.Fatalf("GetByReference failed: %v", err)
	}
	if p.Status != StatusFailed || p.FailureReason != "insufficient funds" {
		t.Errorf("Expected failed payment, got %+v", p)
	}

	// An unknown reference is ignored: not every gateway event has a row.
	if err := svc.FailByReference(ctx, "no-such-ref", "n/a"); err != nil {
		t.Errorf("Expected missing reference to be ignored, got %v", err)
	}
}

func TestCompleteBySession_StampsReference(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()

	now := time.Now()
	if err := store.Create(ctx, &Payment{
		ID: "pay_1", UserID: "u1", Purpose: PurposeDeposit, Method: "card",
		Amount: 500, Currency: "usd", Status: StatusPending,
		SessionID: "cs_1", CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := svc.CompleteBySession(ctx, "cs_1", "pi_1"); err != nil {
		t.Fatalf("CompleteBySession failed: %v", err)
	}
	p, err := store.GetByReference(ctx, "pi_1")
	if err != nil {
		t.Fatalf("Reference was not indexed: %v", err)
	}
	if p.Status != StatusCompleted {
		t.Errorf("Expected completed, got %s", p.Status)
	}

	// Duplicate event: no error, no change.
	if err := svc.CompleteBySession(ctx, "cs_1", "pi_1"); err != nil {
		t.Errorf("Repeat session completion should be a no-op, got %v", err)
	}
}

func TestRefund_RequiresCompletedCardPayment(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()

	now := time.Now()
	if err := store.Create(ctx, &Payment{
		ID: "pay_w", UserID: "u1", Purpose: PurposeDeposit, Method: "wire",
		Amount: 500, Currency: "usd", Status: StatusCompleted,
		Reference: "wire-1", CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := svc.Refund(ctx, "pay_w", RefundRequest{}); !errors.Is(err, ErrNotRefundable) {
		t.Errorf("Expected ErrNotRefundable for a wire payment, got %v", err)
	}
}
