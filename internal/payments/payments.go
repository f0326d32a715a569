// Package payments records money movements and wraps the Stripe gateway.
//
// Every charge the platform takes has a Payment row. Card charges go
// through Stripe Checkout and are completed by the webhook reconciler;
// manual methods (wire, check) are recorded pending and completed when an
// admin verifies receipt.
//
// Flow:
//  1. Checkout (or a manual record) creates a Payment in pending
//  2. Gateway redirects the payer to Stripe; manual payers send funds offline
//  3. The reconciler (webhook) or an admin completes the row
//  4. Refunds go back through the gateway and flip the row to refunded
package payments

import (
	"context"
	"errors"
	"time"

	"github.com/authex/authex/internal/idgen"
)

// Errors
var (
	ErrNotFound           = errors.New("payments: payment not found")
	ErrInvalidStatus      = errors.New("payments: invalid status for operation")
	ErrInvalidPurpose     = errors.New("payments: unknown payment purpose")
	ErrInvalidAmount      = errors.New("payments: amount must be positive")
	ErrGatewayUnavailable = errors.New("payments: payment gateway unavailable")
	ErrGatewayRejected    = errors.New("payments: payment gateway rejected request")
	ErrNoGateway          = errors.New("payments: no gateway configured")
	ErrNotRefundable      = errors.New("payments: payment is not refundable")
)

// Purpose says what a payment is for. The set is closed; webhook metadata
// carrying anything else is rejected at the boundary.
type Purpose string

const (
	PurposeDeposit        Purpose = "deposit"
	PurposeFinalPayment   Purpose = "final_payment"
	PurposeCreditPurchase Purpose = "credit_purchase"
	PurposeSubscription   Purpose = "subscription"
	PurposeListingFee     Purpose = "listing_fee"
)

// ParsePurpose validates a purpose string from untrusted metadata.
func ParsePurpose(s string) (Purpose, error) {
	switch p := Purpose(s); p {
	case PurposeDeposit, PurposeFinalPayment, PurposeCreditPurchase,
		PurposeSubscription, PurposeListingFee:
		return p, nil
	}
	return "", ErrInvalidPurpose
}

// Status represents payment state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRefunded   Status = "refunded"
)

// Payment is one money movement. Amounts are cents.
type Payment struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transactionId,omitempty"`
	UserID        string     `json:"userId"`
	Purpose       Purpose    `json:"purpose"`
	Method        string     `json:"method"` // card, wire, check, other
	Amount        int64      `json:"amount"`
	Currency      string     `json:"currency"`
	Status        Status     `json:"status"`
	Reference     string     `json:"reference,omitempty"` // Stripe payment intent, wire ref, check number
	SessionID     string     `json:"sessionId,omitempty"` // Stripe checkout session
	FailureReason string     `json:"failureReason,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// CheckoutRequest starts a hosted Stripe checkout.
type CheckoutRequest struct {
	Purpose       Purpose           `json:"purpose" binding:"required"`
	TransactionID string            `json:"transactionId,omitempty"`
	Amount        int64             `json:"amount" binding:"required"`
	Description   string            `json:"description,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// RefundRequest refunds a completed gateway payment, fully or partially.
type RefundRequest struct {
	Amount int64  `json:"amount,omitempty"` // 0 = full refund
	Reason string `json:"reason,omitempty"`
}

// Store persists payments.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	GetByReference(ctx context.Context, reference string) (*Payment, error)
	GetBySession(ctx context.Context, sessionID string) (*Payment, error)
	ListByTransaction(ctx context.Context, txnID string) ([]*Payment, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Payment, error)

	// SetReference records the gateway payment reference once known.
	SetReference(ctx context.Context, id, reference string) error
	// CompleteIf sets status to completed with the given timestamp, only if
	// the payment is still pending or processing. A second completion is a
	// no-op returning ErrInvalidStatus.
	CompleteIf(ctx context.Context, id string, at time.Time) error
	// Fail flips a pending/processing payment to failed with a reason.
	Fail(ctx context.Context, id string, reason string) error
	// MarkRefunded flips a completed payment to refunded.
	MarkRefunded(ctx context.Context, id string) error
}

func generatePaymentID() string {
	return idgen.WithPrefix("pay_")
}
