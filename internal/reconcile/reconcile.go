// Package reconcile turns verified gateway webhook events into domain state.
//
// Stripe delivers at-least-once, out of order, and sometimes twice. The
// reconciler makes that safe:
//   - the signature is verified before anything is trusted
//   - each event ID is processed at most once (dedupe table with a unique
//     constraint as the cross-process gate)
//   - every side effect is a conditional update, so a late event that lost
//     the race to a cancel or a manual verification is skipped, never
//     applied over newer state
//
// Flow:
//  1. Verify signature, translate payload, validate the purpose
//  2. Begin a processing attempt: the dedupe row is inserted uncommitted,
//     blocking rival deliveries of the same event
//  3. Route on purpose and apply the side effect through the owning service
//  4. Commit the attempt; on failure roll back so Stripe retries
package reconcile

import (
	"context"
	"errors"

	"github.com/authex/authex/internal/payments"
)

// Errors
var (
	ErrBadSignature   = errors.New("reconcile: webhook signature verification failed")
	ErrDuplicateEvent = errors.New("reconcile: event already processed")
	ErrMissingTarget  = errors.New("reconcile: event metadata names no target")
	// ErrSuperseded reports that the event's target already moved past the
	// state the event applies to. The event is acknowledged and skipped.
	ErrSuperseded = errors.New("reconcile: event superseded by newer state")
)

// Result classifies what processing an event did.
type Result string

const (
	ResultApplied   Result = "applied"
	ResultDuplicate Result = "duplicate"
	ResultSkipped   Result = "skipped"
	ResultIgnored   Result = "ignored"
	ResultFailed    Result = "failed"
)

// Verifier checks a raw webhook payload and translates it into a payment
// event. The Stripe gateway implements this.
type Verifier interface {
	VerifyEvent(payload []byte, sigHeader string) (*payments.Event, error)
}

// Store records processed event IDs.
type Store interface {
	// Begin opens a processing attempt. The dedupe row is written but not
	// visible until Commit; a concurrent attempt for the same event ID waits
	// on it. An event already committed returns ErrDuplicateEvent.
	Begin(ctx context.Context, eventID string, purpose payments.Purpose) (Attempt, error)
}

// Attempt is an open processing attempt for one event.
type Attempt interface {
	Commit() error
	Rollback() error
}

// TransactionApplier applies gateway payments to transactions. Calls whose
// target has moved on return ErrSuperseded.
type TransactionApplier interface {
	ConfirmDepositPaid(ctx context.Context, txnID, paymentRef string) error
	ConfirmFinalPaymentPaid(ctx context.Context, txnID, paymentRef string) error
}

// PaymentApplier maintains the payment rows mirroring gateway charges.
type PaymentApplier interface {
	CompleteBySession(ctx context.Context, sessionID, paymentRef string) error
	CompleteByReference(ctx context.Context, reference string) error
	FailByReference(ctx context.Context, reference, reason string) error
}

// CreditApplier fulfils paid credit grants.
type CreditApplier interface {
	FulfillPurchase(ctx context.Context, userID string, credits int64, reference string) error
	FulfillSubscription(ctx context.Context, userID, planID, reference string) error
}

// ListingApplier activates listings whose fee was paid.
type ListingApplier interface {
	MarkFeePaid(ctx context.Context, listingID, paymentRef string) error
}

// Notifier tells users about payment outcomes. Fire and forget: a delivery
// failure never affects event processing.
type Notifier interface {
	NotifyPaymentFailed(userID, reference, reason string)
}
