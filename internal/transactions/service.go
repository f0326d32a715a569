package transactions

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/authex/authex/internal/logging"
	"github.com/authex/authex/internal/metrics"
)

// PricePolicy controls how deposits and platform fees are computed from the
// agreed price.
type PricePolicy struct {
	DepositPercent     float64
	PlatformFeePercent float64
}

// DefaultPricePolicy returns the standard deposit and fee percentages.
func DefaultPricePolicy() PricePolicy {
	return PricePolicy{DepositPercent: 10.0, PlatformFeePercent: 5.0}
}

// DepositFor computes the deposit owed on an agreed price, in cents.
func (p PricePolicy) DepositFor(agreed int64) int64 {
	return int64(math.Round(float64(agreed) * p.DepositPercent / 100))
}

// FeeFor computes the platform fee on an agreed price, in cents.
func (p PricePolicy) FeeFor(agreed int64) int64 {
	return int64(math.Round(float64(agreed) * p.PlatformFeePercent / 100))
}

// Service implements the transaction workflow.
type Service struct {
	store    Store
	policy   PricePolicy
	listings ListingCloser
	payments PaymentLog
	notifier Notifier
	locks    sync.Map // per-transaction ID locks
}

// NewService creates a new transaction service.
func NewService(store Store, policy PricePolicy) *Service {
	return &Service{store: store, policy: policy}
}

// WithListingCloser adds the ability to finalize or release listings.
func (s *Service) WithListingCloser(lc ListingCloser) *Service {
	s.listings = lc
	return s
}

// WithPaymentLog enables payment rows for manual deposit/final payment paths.
func (s *Service) WithPaymentLog(pl PaymentLog) *Service {
	s.payments = pl
	return s
}

// WithNotifier enables transaction event notifications.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// txnLock returns a mutex for the given transaction ID.
func (s *Service) txnLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Open creates the transaction for an accepted offer. The unique constraint
// on the offer reference makes this exactly-once per offer; a second call
// for the same offer returns the transaction the first one created.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*Transaction, error) {
	now := time.Now()
	t := &Transaction{
		ID:            generateTransactionID(),
		OfferID:       req.OfferID,
		ListingID:     req.ListingID,
		BuyerID:       req.BuyerID,
		SellerID:      req.SellerID,
		AgreedPrice:   req.AgreedPrice,
		DepositAmount: s.policy.DepositFor(req.AgreedPrice),
		PlatformFee:   s.policy.FeeFor(req.AgreedPrice),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	t.Status = DeriveStatus(t)

	if err := s.store.Create(ctx, t); err != nil {
		if errors.Is(err, ErrDuplicateOffer) {
			return s.store.GetByOffer(ctx, req.OfferID)
		}
		return nil, err
	}

	metrics.TransactionsTotal.WithLabelValues(string(t.Status)).Inc()
	s.notify("transaction.opened", t)
	return t, nil
}

// Get returns a transaction by ID.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// GetByOffer returns the transaction opened from an offer.
func (s *Service) GetByOffer(ctx context.Context, offerID string) (*Transaction, error) {
	return s.store.GetByOffer(ctx, offerID)
}

// Timeline returns the transaction's audit trail, oldest first.
func (s *Service) Timeline(ctx context.Context, id string) ([]*TimelineEntry, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Timeline(ctx, id)
}

// ListByUser returns transactions where the user is buyer or seller.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	return s.store.ListByUser(ctx, userID, limit)
}

// ListByStatus returns transactions in a given status. Admin surface.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	return s.store.ListByStatus(ctx, status, limit)
}

// BuyerAcceptTerms records the buyer's agreement to the purchase terms.
// Idempotent. Once the deposit is verified and both parties have accepted,
// the derived status moves into review, unlocking approvals.
func (s *Service) BuyerAcceptTerms(ctx context.Context, id, callerID string) (*Transaction, error) {
	return s.mutate(ctx, id, func(t *Transaction) (string, string, error) {
		if t.BuyerID != callerID {
			return "", "", ErrUnauthorized
		}
		if err := requireLive(t); err != nil {
			return "", "", err
		}
		if t.BuyerAcceptedTermsAt != nil {
			return "", "", nil // already accepted
		}
		now := time.Now()
		t.BuyerAcceptedTermsAt = &now
		return "Buyer accepted terms", callerID, nil
	})
}

// SellerAcceptTerms records the seller's agreement to the purchase terms.
// Idempotent, same review-entry rule as BuyerAcceptTerms.
func (s *Service) SellerAcceptTerms(ctx context.Context, id, callerID string) (*Transaction, error) {
	return s.mutate(ctx, id, func(t *Transaction) (string, string, error) {
		if t.SellerID != callerID {
			return "", "", ErrUnauthorized
		}
		if err := requireLive(t); err != nil {
			return "", "", err
		}
		if t.SellerAcceptedTermsAt != nil {
			return "", "", nil
		}
		now := time.Now()
		t.SellerAcceptedTermsAt = &now
		return "Seller accepted terms", callerID, nil
	})
}

// RecordDeposit notes that the buyer sent the deposit by a manual method
// (wire, check). A pending payment row is written; an admin must verify
// receipt before the transaction advances. The gateway card path never goes
// through here, it is confirmed by webhook instead.
func (s *Service) RecordDeposit(ctx context.Context, id, callerID string, req RecordDepositRequest) (*Transaction, error) {
	if !ValidMethod(req.Method) || !req.Method.Manual() {
		return nil, ErrInvalidMethod
	}

	t, err := s.mutate(ctx, id, func(t *Transaction) (string, string, error) {
		if t.BuyerID != callerID {
			return "", "", ErrUnauthorized
		}
		if t.Status != StatusAwaitingDeposit {
			return "", "", ErrInvalidStatus
		}
		if t.DepositRecordedAt != nil {
			return "", "", ErrDepositRecorded
		}
		now := time.Now()
		t.DepositMethod = req.Method
		t.DepositRef = req.Reference
		t.DepositRecordedAt = &now
		return fmt.Sprintf("Deposit sent via %s, awaiting verification", req.Method), callerID, nil
	})
	if err != nil {
		return nil, err
	}

	if s.payments != nil {
		if err := s.payments.RecordPending(ctx, t.ID, t.BuyerID, "deposit", string(req.Method), req.Reference, t.DepositAmount); err != nil {
			logging.L(ctx).Warn("failed to record pending deposit payment", "txn_id", t.ID, "error", err)
		}
	}
	s.notify("transaction.deposit_recorded", t)
	return t, nil
}

// VerifyDeposit is the admin confirmation of a manually sent deposit. The
// status precondition makes it race-safe against the webhook path: whichever
// observes awaiting_deposit first wins, the other gets ErrConflict.
func (s *Service) VerifyDeposit(ctx context.Context, id string) (*Transaction, error) {
	t, err := s.mutate(ctx, id, func(t *Transaction) (string, string, error) {
		if t.Status != StatusAwaitingDeposit {
			return "", "", ErrInvalidStatus
		}
		now := time.Now()
		t.DepositVerifiedAt = &now
		return "Deposit verified", "admin", nil
	})
	if err != nil {
		return nil, err
	}

	if s.payments != nil && t.DepositRef != "" {
		if err := s.payments.CompleteByReference(ctx, t.DepositRef); err != nil {
			logging.L(ctx).Warn("failed to complete deposit payment row", "txn_id", t.ID, "error", err)
		}
	}
	s.notify("transaction.deposit_received", t)
	return t, nil
}

// ConfirmDepositPaid is the webhook path for a gateway deposit. Applies only
// while the transaction still awaits its deposit; a duplicate or late event
// returns ErrInvalidStatus and the caller skips it.
func (s *Service) ConfirmDepositPaid(ctx context.Context, id, paymentRef string) (*Transaction, error) {
	t, err := s.mutate(ctx, id, func(t *Transaction) (string, string, error) {
		if t.Status != StatusAwaitingDeposit {
			return "", "", ErrInvalidStatus
		}
		now := time.Now()
		t.DepositMethod = MethodCard
		t.DepositRef = paymentRef
		t.DepositRecordedAt = &now
		t.DepositVerifiedAt = &now
		return "Deposit received", "system", nil
	})
	if err != nil {
		return nil, err
	}
	s.notify("transaction.deposit_received", t)
	return t, nil
}

// BuyerApprove sets the buyer's approval flag. Idempotent; commutative with
// the seller's approval. Both approvals put the deal in admin final review.
func (s *Service) BuyerApprove(ctx context.Context, id, callerID string) (*Transaction, error) {
	t, err := s.mutate(ctx, id, func(t *Transaction) (string, string, error) {
		if t.BuyerID != callerID {
			return "", "", ErrUnauthorized
		}
		if err := requireApprovable(t); err != nil {
			return "", "", err
		}
		if t.BuyerApprovedAt != nil {
			return "", "", nil
		}
		now := time.Now()
		t.BuyerApprovedAt = &now
		return "Buyer approved", callerID, nil
	})
	if err != nil {
		return nil, err
	}
	s.notifyApproval(t)
	return t, nil
}

// SellerApprove sets the seller's approval flag. Idempotent.
func (s *Service) SellerApprove(ctx context.Context, id, callerID string) (*Transaction, error) {
	t, err := s.mutate(ctx, id, func(t *Transaction) (string, string, error) {
		if t.SellerID != callerID {
			return "", "", ErrUnauthorized
		}
		if err := requireApprovable(t); err != nil {
			return "", "", err
		}
		if t.SellerApprovedAt != nil {
			return "", "", nil
		}
		now := time.Now()
		t.SellerApprovedAt = &now
		return "Seller approved", callerID, nil
	})
	if err != nil {
		return nil, err
	}
	s.notifyApproval(t)
	return t, nil
}

// AdminApprove is the final review sign-off, unlocking the final payment.
// Requires both parties' approvals. Idempotent.
func (s *Service) AdminApprove(ctx context.Context, id string) (*Transaction, error) {
	t, err := s.mutate(ctx, id, func(t *Transaction) (string, string, error) {
		if err := requireLive(t); err != nil {
			return "", "", err
		}
		if t.BuyerApprovedAt == nil || t.SellerApprovedAt == nil {
			return "", "", ErrInvalidStatus
		}
		if t.AdminApprovedAt != nil {
			return "", "", nil
		}
		now := time.Now()
		t.AdminApprovedAt = &now
		return "Admin approved, final payment due", "admin", nil
	})
	if err != nil {
		return nil, err
	}
	s.notify("transaction.payment_pending", t)
	return t, nil
}

// RecordFinalPayment notes a manually sent final payment, mirroring
// RecordDeposit. Admin verification follows.
func (s *Service) RecordFinalPayment(ctx context.Context, id, callerID string, req RecordDepositRequest) (*Transaction, error) {
	if !ValidMethod(req.Method) || !req.Method.Manual() {
		return nil, ErrInvalidMethod
	}

	t, err := s.mutate(ctx, id, func(t *Transaction) (string, string, error) {
		if t.BuyerID != callerID {
			return "", "", ErrUnauthorized
		}
		if t.Status != StatusPaymentPending {
			return "", "", ErrInvalidStatus
		}
		t.FinalPaymentMethod = req.Method
		t.FinalPaymentRef = req.Reference
		return fmt.Sprintf("Final payment sent via %s, awaiting verification", req.Method), callerID, nil
	})
	if err != nil {
		return nil, err
	}

	if s.payments != nil {
		amount := t.AgreedPrice - t.DepositAmount
		if err := s.payments.RecordPending(ctx, t.ID, t.BuyerID, "final_payment", string(req.Method), req.Reference, amount); err != nil {
			logging.L(ctx).Warn("failed to record pending final payment", "txn_id", t.ID, "error", err)
		}
	}
	s.notify("transaction.final_payment_recorded", t)
	return t, nil
}

// VerifyFinalPayment is the admin confirmation of a manual final payment.
func (s *Service) VerifyFinalPayment(ctx context.Context, id string) (*Transaction, error) {
	t, err := s.mutate(ctx, id, func(t *Transaction) (string, string, error) {
		if t.Status != StatusPaymentPending {
			return "", "", ErrInvalidStatus
		}
		now := time.Now()
		t.FinalPaymentReceivedAt = &now
		return "Final payment received", "admin", nil
	})
	if err != nil {
		return nil, err
	}

	if s.payments != nil && t.FinalPaymentRef != "" {
		if err := s.payments.CompleteByReference(ctx, t.FinalPaymentRef); err != nil {
			logging.L(ctx).Warn("failed to complete final payment row", "txn_id", t.ID, "error", err)
		}
	}
	s.notify("transaction.payment_received", t)
	return t, nil
}

// ConfirmFinalPaymentPaid is the webhook path for the gateway final payment.
func (s *Service) ConfirmFinalPaymentPaid(ctx context.Context, id, paymentRef string) (*Transaction, error) {
	t, err := s.mutate(ctx, id, func(t *Transaction) (string, string, error) {
		if t.Status != StatusPaymentPending {
			return "", "", ErrInvalidStatus
		}
		now := time.Now()
		t.FinalPaymentMethod = MethodCard
		t.FinalPaymentRef = paymentRef
		t.FinalPaymentReceivedAt = &now
		return "Final payment received", "system", nil
	})
	if err != nil {
		return nil, err
	}
	s.notify("transaction.payment_received", t)
	return t, nil
}

// Complete closes the sale. Admin action, from payment_received. The listing
// flips to sold; a failure there is logged and retried out of band rather
// than unwinding the completion.
func (s *Service) Complete(ctx context.Context, id string) (*Transaction, error) {
	t, err := s.mutate(ctx, id, func(t *Transaction) (string, string, error) {
		if t.Status != StatusPaymentReceived {
			return "", "", ErrInvalidStatus
		}
		now := time.Now()
		t.CompletedAt = &now
		return "Sale completed", "admin", nil
	})
	if err != nil {
		return nil, err
	}

	if s.listings != nil {
		if err := s.listings.MarkSold(ctx, t.ListingID); err != nil {
			logging.L(ctx).Warn("failed to mark listing sold", "listing_id", t.ListingID, "error", err)
		}
	}

	metrics.TransactionsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	metrics.TransactionDuration.Observe(t.CompletedAt.Sub(t.CreatedAt).Seconds())
	s.notify("transaction.completed", t)
	return t, nil
}

// Cancel ends the transaction from any state before completion, recording a
// reason. Refunds are a separate explicit admin action, never automatic.
func (s *Service) Cancel(ctx context.Context, id, actor string, req CancelRequest) (*Transaction, error) {
	t, err := s.mutate(ctx, id, func(t *Transaction) (string, string, error) {
		if t.Status.IsTerminal() {
			return "", "", ErrTerminal
		}
		now := time.Now()
		t.CancelReason = req.Reason
		t.CancelledAt = &now
		if t.DisputeOpenedAt != nil && t.DisputeResolvedAt == nil {
			// An open dispute dies with the transaction.
			t.DisputeResolvedAt = &now
		}
		return "Transaction cancelled: " + req.Reason, actor, nil
	})
	if err != nil {
		return nil, err
	}

	if s.listings != nil {
		if err := s.listings.Release(ctx, t.ListingID); err != nil {
			logging.L(ctx).Warn("failed to release listing", "listing_id", t.ListingID, "error", err)
		}
	}

	metrics.TransactionsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	s.notify("transaction.cancelled", t)
	return t, nil
}

// OpenDispute freezes the transaction. Buyer or seller only.
func (s *Service) OpenDispute(ctx context.Context, id, callerID string, req DisputeRequest) (*Transaction, error) {
	t, err := s.mutate(ctx, id, func(t *Transaction) (string, string, error) {
		if t.BuyerID != callerID && t.SellerID != callerID {
			return "", "", ErrUnauthorized
		}
		if err := requireLive(t); err != nil {
			return "", "", err
		}
		now := time.Now()
		t.DisputeReason = req.Reason
		t.DisputeOpenedAt = &now
		t.DisputeResolution = ""
		t.DisputeResolvedAt = nil
		return "Dispute opened: " + req.Reason, callerID, nil
	})
	if err != nil {
		return nil, err
	}
	s.notify("transaction.disputed", t)
	return t, nil
}

// ResolveDispute is the admin resolution: either the transaction resumes in
// the state the dispute froze (the derivation falls back to the underlying
// flags) or it is cancelled.
func (s *Service) ResolveDispute(ctx context.Context, id string, req ResolveDisputeRequest) (*Transaction, error) {
	t, err := s.mutate(ctx, id, func(t *Transaction) (string, string, error) {
		if t.Status != StatusDisputed {
			return "", "", ErrNoOpenDispute
		}
		now := time.Now()
		t.DisputeResolution = req.Resolution
		t.DisputeResolvedAt = &now
		if req.Cancel {
			t.CancelReason = "dispute: " + req.Resolution
			t.CancelledAt = &now
		}
		return "Dispute resolved: " + req.Resolution, "admin", nil
	})
	if err != nil {
		return nil, err
	}

	if t.Status == StatusCancelled && s.listings != nil {
		if err := s.listings.Release(ctx, t.ListingID); err != nil {
			logging.L(ctx).Warn("failed to release listing", "listing_id", t.ListingID, "error", err)
		}
	}
	s.notify("transaction.dispute_resolved", t)
	return t, nil
}

// mutate is the single write path: load under the per-transaction lock, let
// fn adjust the fields, recompute the derived status, and store it with a
// compare-and-set on the status the mutation was computed against. fn
// returns the timeline title (empty for a silent no-op) and the actor.
func (s *Service) mutate(ctx context.Context, id string, fn func(*Transaction) (string, string, error)) (*Transaction, error) {
	mu := s.txnLock(id)
	mu.Lock()
	defer mu.Unlock()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	expect := t.Status

	title, actor, err := fn(t)
	if err != nil {
		return nil, err
	}
	if title == "" {
		return t, nil // idempotent no-op
	}

	t.Status = DeriveStatus(t)
	t.UpdatedAt = time.Now()

	entry := &TimelineEntry{
		TransactionID: t.ID,
		Status:        t.Status,
		Title:         title,
		Actor:         actor,
		CreatedAt:     t.UpdatedAt,
	}

	if err := s.store.UpdateIf(ctx, t, expect, entry); err != nil {
		return nil, err
	}
	return t, nil
}

// requireLive rejects terminal and disputed transactions.
func requireLive(t *Transaction) error {
	if t.Status.IsTerminal() {
		return ErrTerminal
	}
	if t.Status == StatusDisputed {
		return ErrDisputed
	}
	return nil
}

// requireApprovable gates party approvals: the transaction must have
// reached review (deposit verified, both parties' terms accepted) and be
// neither disputed, terminal, nor already past admin approval.
func requireApprovable(t *Transaction) error {
	if err := requireLive(t); err != nil {
		return err
	}
	if t.DepositVerifiedAt == nil {
		return ErrInvalidStatus
	}
	if t.BuyerAcceptedTermsAt == nil || t.SellerAcceptedTermsAt == nil {
		return ErrInvalidStatus
	}
	if t.AdminApprovedAt != nil || t.FinalPaymentReceivedAt != nil {
		return ErrInvalidStatus
	}
	return nil
}

func (s *Service) notifyApproval(t *Transaction) {
	if t.Status == StatusAdminFinalReview {
		s.notify("transaction.both_approved", t)
	} else {
		s.notify("transaction.approved", t)
	}
}

func (s *Service) notify(event string, t *Transaction) {
	if s.notifier != nil {
		s.notifier.NotifyTransaction(event, t)
	}
}
