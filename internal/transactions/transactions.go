// Package transactions owns the escrow-like workflow between an accepted
// offer and a closed sale.
//
// Flow:
//  1. An accepted offer opens a transaction at the agreed price
//  2. Buyer pays the deposit (checkout session, or a manual method verified
//     by an admin); both parties accept the purchase terms
//  3. Buyer and seller independently approve; both approvals put the deal
//     in front of an admin for final review
//  4. Admin approval unlocks the final payment; its confirmation and an
//     explicit completion step close the sale and mark the listing sold
//  5. Cancellation is allowed from any state before completion; a dispute
//     freezes all forward progress until an admin resolves it
//
// A transaction's status is a pure projection of its timestamp fields,
// recomputed on every write. The stored status column is a materialized
// copy used for queries and as the compare-and-set predicate; it can never
// disagree with the fields it is derived from.
package transactions

import (
	"context"
	"errors"
	"time"

	"github.com/authex/authex/internal/idgen"
)

var (
	ErrNotFound        = errors.New("transaction not found")
	ErrUnauthorized    = errors.New("not authorized for this operation")
	ErrInvalidStatus   = errors.New("transaction is not in a valid status for this operation")
	ErrConflict        = errors.New("transaction changed concurrently, operation not applied")
	ErrDisputed        = errors.New("transaction is disputed, forward progress is frozen")
	ErrTerminal        = errors.New("transaction is already terminal")
	ErrDuplicateOffer  = errors.New("a transaction already exists for this offer")
	ErrNoOpenDispute   = errors.New("transaction has no open dispute")
	ErrInvalidMethod   = errors.New("invalid payment method")
	ErrDepositRecorded = errors.New("a deposit is already recorded for this transaction")
)

// Status represents the derived state of a transaction.
type Status string

const (
	StatusAwaitingDeposit  Status = "awaiting_deposit"
	StatusDepositReceived  Status = "deposit_received"
	StatusInReview         Status = "in_review"
	StatusBuyerApproved    Status = "buyer_approved"
	StatusSellerApproved   Status = "seller_approved"
	StatusAdminFinalReview Status = "admin_final_review"
	StatusPaymentPending   Status = "payment_pending"
	StatusPaymentReceived  Status = "payment_received"
	StatusCompleted        Status = "completed"
	StatusCancelled        Status = "cancelled"
	StatusDisputed         Status = "disputed"
)

// IsTerminal returns true if the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Method identifies how a payment was made.
type Method string

const (
	MethodCard  Method = "card" // gateway checkout, confirmed by webhook
	MethodWire  Method = "wire"
	MethodCheck Method = "check"
	MethodOther Method = "other"
)

// Manual reports whether the method needs admin verification instead of a
// gateway webhook.
func (m Method) Manual() bool {
	switch m {
	case MethodWire, MethodCheck, MethodOther:
		return true
	}
	return false
}

// ValidMethod reports whether m is a known payment method.
func ValidMethod(m Method) bool {
	switch m {
	case MethodCard, MethodWire, MethodCheck, MethodOther:
		return true
	}
	return false
}

// Transaction is the escrow workflow for one accepted offer.
type Transaction struct {
	ID        string `json:"id"`
	OfferID   string `json:"offerId"`
	ListingID string `json:"listingId"`
	BuyerID   string `json:"buyerId"`
	SellerID  string `json:"sellerId"`

	AgreedPrice   int64 `json:"agreedPrice"` // cents
	DepositAmount int64 `json:"depositAmount"`
	PlatformFee   int64 `json:"platformFee"`

	Status Status `json:"status"`

	BuyerAcceptedTermsAt  *time.Time `json:"buyerAcceptedTermsAt,omitempty"`
	SellerAcceptedTermsAt *time.Time `json:"sellerAcceptedTermsAt,omitempty"`

	DepositMethod     Method     `json:"depositMethod,omitempty"`
	DepositRef        string     `json:"depositRef,omitempty"`
	DepositRecordedAt *time.Time `json:"depositRecordedAt,omitempty"`
	DepositVerifiedAt *time.Time `json:"depositVerifiedAt,omitempty"`

	BuyerApprovedAt  *time.Time `json:"buyerApprovedAt,omitempty"`
	SellerApprovedAt *time.Time `json:"sellerApprovedAt,omitempty"`
	AdminApprovedAt  *time.Time `json:"adminApprovedAt,omitempty"`

	FinalPaymentMethod     Method     `json:"finalPaymentMethod,omitempty"`
	FinalPaymentRef        string     `json:"finalPaymentRef,omitempty"`
	FinalPaymentReceivedAt *time.Time `json:"finalPaymentReceivedAt,omitempty"`

	DisputeReason     string     `json:"disputeReason,omitempty"`
	DisputeOpenedAt   *time.Time `json:"disputeOpenedAt,omitempty"`
	DisputeResolution string     `json:"disputeResolution,omitempty"`
	DisputeResolvedAt *time.Time `json:"disputeResolvedAt,omitempty"`

	CancelReason string     `json:"cancelReason,omitempty"`
	CancelledAt  *time.Time `json:"cancelledAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DeriveStatus computes the transaction's status from its fields. This is
// the single authority: every write recomputes the stored status through it.
func DeriveStatus(t *Transaction) Status {
	switch {
	case t.CancelledAt != nil:
		return StatusCancelled
	case t.CompletedAt != nil:
		return StatusCompleted
	case t.DisputeOpenedAt != nil && t.DisputeResolvedAt == nil:
		return StatusDisputed
	case t.FinalPaymentReceivedAt != nil:
		return StatusPaymentReceived
	case t.AdminApprovedAt != nil:
		return StatusPaymentPending
	case t.BuyerApprovedAt != nil && t.SellerApprovedAt != nil:
		return StatusAdminFinalReview
	case t.BuyerApprovedAt != nil:
		return StatusBuyerApproved
	case t.SellerApprovedAt != nil:
		return StatusSellerApproved
	case t.DepositVerifiedAt != nil && t.BuyerAcceptedTermsAt != nil && t.SellerAcceptedTermsAt != nil:
		return StatusInReview
	case t.DepositVerifiedAt != nil:
		return StatusDepositReceived
	default:
		return StatusAwaitingDeposit
	}
}

// TimelineEntry is one immutable row in a transaction's audit trail.
type TimelineEntry struct {
	ID            int64     `json:"id"`
	TransactionID string    `json:"transactionId"`
	Status        Status    `json:"status"`
	Title         string    `json:"title"`
	Actor         string    `json:"actor"` // user ID, "admin", or "system"
	CreatedAt     time.Time `json:"createdAt"`
}

// OpenRequest contains the parameters for opening a transaction from an
// accepted offer.
type OpenRequest struct {
	OfferID     string `json:"offerId" binding:"required"`
	ListingID   string `json:"listingId" binding:"required"`
	BuyerID     string `json:"buyerId" binding:"required"`
	SellerID    string `json:"sellerId" binding:"required"`
	AgreedPrice int64  `json:"agreedPrice" binding:"required"`
}

// RecordDepositRequest contains the parameters for recording a manual deposit.
type RecordDepositRequest struct {
	Method    Method `json:"method" binding:"required"`
	Reference string `json:"reference" binding:"required"`
}

// CancelRequest contains the parameters for cancelling a transaction.
type CancelRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// DisputeRequest contains the parameters for opening a dispute.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// ResolveDisputeRequest contains the parameters for resolving a dispute.
// Cancel ends the transaction; otherwise it resumes where it was frozen.
type ResolveDisputeRequest struct {
	Resolution string `json:"resolution" binding:"required"`
	Cancel     bool   `json:"cancel"`
}

// Store persists transactions and their timelines.
type Store interface {
	Create(ctx context.Context, t *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByOffer(ctx context.Context, offerID string) (*Transaction, error)

	// UpdateIf writes the transaction only if its stored status still equals
	// expect, appending the timeline entry in the same atomic unit when one
	// is given. A precondition miss returns ErrConflict.
	UpdateIf(ctx context.Context, t *Transaction, expect Status, entry *TimelineEntry) error

	Timeline(ctx context.Context, txnID string) ([]*TimelineEntry, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error)
}

// ListingCloser finalizes or releases the listing a transaction holds.
type ListingCloser interface {
	MarkSold(ctx context.Context, listingID string) error
	Release(ctx context.Context, listingID string) error
}

// PaymentLog records payment rows for manual deposit and final payment paths.
type PaymentLog interface {
	RecordPending(ctx context.Context, txnID, userID, purpose string, method string, reference string, amount int64) error
	CompleteByReference(ctx context.Context, reference string) error
}

// Notifier pushes transaction lifecycle events to interested users. Best effort.
type Notifier interface {
	NotifyTransaction(event string, t *Transaction)
}

func generateTransactionID() string {
	return idgen.WithPrefix("txn_")
}
