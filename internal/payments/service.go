package payments

import (
	"context"
	"time"

	"github.com/authex/authex/internal/logging"
	"github.com/authex/authex/internal/metrics"
)

// Service manages payment records and drives the gateway. The gateway is
// optional: without one, only manual payment methods work.
type Service struct {
	store      Store
	gateway    *Gateway
	listingFee int64
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// WithGateway attaches the Stripe gateway.
func (s *Service) WithGateway(g *Gateway) *Service {
	s.gateway = g
	return s
}

// WithListingFee sets the flat listing activation fee, in cents. Listing fee
// checkouts are priced server-side; the client never picks the amount.
func (s *Service) WithListingFee(cents int64) *Service {
	s.listingFee = cents
	return s
}

// Checkout creates a hosted checkout session and a pending payment row tied
// to it. The returned URL is where the payer goes to pay.
func (s *Service) Checkout(ctx context.Context, userID string, req CheckoutRequest) (*Payment, string, error) {
	if s.gateway == nil {
		return nil, "", ErrNoGateway
	}
	if _, err := ParsePurpose(string(req.Purpose)); err != nil {
		return nil, "", err
	}
	if req.Purpose == PurposeListingFee && s.listingFee > 0 {
		req.Amount = s.listingFee
	}
	if req.Amount <= 0 {
		return nil, "", ErrInvalidAmount
	}

	metadata := map[string]string{"user_id": userID}
	if req.TransactionID != "" {
		metadata["transaction_id"] = req.TransactionID
	}
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	sess, err := s.gateway.CreateCheckoutSession(ctx, req.Purpose, req.Amount, req.Description, metadata)
	if err != nil {
		return nil, "", err
	}

	now := time.Now()
	p := &Payment{
		ID:            generatePaymentID(),
		TransactionID: req.TransactionID,
		UserID:        userID,
		Purpose:       req.Purpose,
		Method:        "card",
		Amount:        req.Amount,
		Currency:      "usd",
		Status:        StatusPending,
		SessionID:     sess.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, "", err
	}
	return p, sess.URL, nil
}

// RecordPending writes the payment row for a manually reported payment
// (wire, check). The transaction engine calls this when a party records a
// deposit or final payment.
func (s *Service) RecordPending(ctx context.Context, txnID, userID, purpose, method, reference string, amount int64) error {
	p, err := ParsePurpose(purpose)
	if err != nil {
		return err
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	now := time.Now()
	return s.store.Create(ctx, &Payment{
		ID:            generatePaymentID(),
		TransactionID: txnID,
		UserID:        userID,
		Purpose:       p,
		Method:        method,
		Amount:        amount,
		Currency:      "usd",
		Status:        StatusPending,
		Reference:     reference,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
}

// CompleteByReference marks the payment with the given reference completed.
// Used when an admin verifies a manual payment. Completing an already
// completed payment is a no-op.
func (s *Service) CompleteByReference(ctx context.Context, reference string) error {
	p, err := s.store.GetByReference(ctx, reference)
	if err != nil {
		return err
	}
	if err := s.store.CompleteIf(ctx, p.ID, time.Now()); err != nil {
		if err == ErrInvalidStatus && p.Status == StatusCompleted {
			return nil
		}
		return err
	}
	return nil
}

// CompleteBySession marks the payment for a checkout session completed and
// stamps the payment intent reference the gateway reported. The reconciler
// calls this on checkout completion events. Idempotent.
func (s *Service) CompleteBySession(ctx context.Context, sessionID, paymentRef string) error {
	p, err := s.store.GetBySession(ctx, sessionID)
	if err != nil {
		return err
	}
	if paymentRef != "" && p.Reference == "" {
		if err := s.store.SetReference(ctx, p.ID, paymentRef); err != nil {
			return err
		}
	}
	if err := s.store.CompleteIf(ctx, p.ID, time.Now()); err != nil {
		if err == ErrInvalidStatus && p.Status == StatusCompleted {
			return nil
		}
		return err
	}
	return nil
}

// FailByReference flips the payment with the given reference to failed.
// Missing rows are fine: gateway payments that never had a local row (e.g.
// abandoned checkouts) fail silently.
func (s *Service) FailByReference(ctx context.Context, reference, reason string) error {
	p, err := s.store.GetByReference(ctx, reference)
	if err != nil {
		if err == ErrNotFound {
			return nil
		}
		return err
	}
	return s.store.Fail(ctx, p.ID, reason)
}

// Refund sends a refund through the gateway and marks the row refunded.
// Only completed card payments are refundable through here; manual payments
// are refunded offline.
func (s *Service) Refund(ctx context.Context, id string, req RefundRequest) (*Payment, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusCompleted || p.Method != "card" || p.Reference == "" {
		return nil, ErrNotRefundable
	}
	if req.Amount < 0 || req.Amount > p.Amount {
		return nil, ErrInvalidAmount
	}
	if s.gateway == nil {
		return nil, ErrNoGateway
	}

	if err := s.gateway.Refund(ctx, p.Reference, req.Amount); err != nil {
		return nil, err
	}
	if err := s.store.MarkRefunded(ctx, p.ID); err != nil {
		// Money moved; the row must not silently stay completed.
		logging.L(ctx).Error("refund issued but payment row not updated",
			"payment_id", p.ID, "error", err)
		return nil, err
	}
	metrics.PaymentRefundsTotal.Inc()
	return s.store.Get(ctx, p.ID)
}

func (s *Service) Get(ctx context.Context, id string) (*Payment, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListByTransaction(ctx context.Context, txnID string) ([]*Payment, error) {
	return s.store.ListByTransaction(ctx, txnID)
}

func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Payment, error) {
	return s.store.ListByUser(ctx, userID, limit)
}
