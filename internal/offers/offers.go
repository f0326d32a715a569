// Package offers manages price negotiation between a buyer and a seller
// for a single listing.
//
// Flow:
//  1. Buyer makes an offer on an active listing (one live offer per buyer+listing)
//  2. Seller accepts, rejects, or counters with a different amount
//  3. Buyer accepts the counter (reopens the offer for the seller's final accept)
//     or withdraws
//  4. Acceptance is terminal: it reserves the listing, opens a transaction at
//     the agreed price, and rejects every other live offer on the listing
//  5. Unanswered offers expire after a configurable number of days
package offers

import (
	"context"
	"errors"
	"time"

	"github.com/authex/authex/internal/idgen"
)

var (
	ErrNotFound           = errors.New("offer not found")
	ErrInvalidStatus      = errors.New("offer is not in a valid status for this operation")
	ErrUnauthorized       = errors.New("not authorized for this operation")
	ErrListingUnavailable = errors.New("listing is not accepting offers")
	ErrSelfOffer          = errors.New("seller cannot make an offer on own listing")
	ErrDuplicateOffer     = errors.New("buyer already has a live offer on this listing")
	ErrExpired            = errors.New("offer has expired")
	ErrAcceptRace         = errors.New("offer was resolved concurrently")
)

// Status represents the state of an offer.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCountered Status = "countered"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
	StatusWithdrawn Status = "withdrawn"
)

// IsTerminal returns true if the status is final.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusAccepted, StatusRejected, StatusExpired, StatusWithdrawn:
		return true
	}
	return false
}

// Offer represents a buyer's proposed price for a listing.
type Offer struct {
	ID                string     `json:"id"`
	ListingID         string     `json:"listingId"`
	BuyerID           string     `json:"buyerId"`
	SellerID          string     `json:"sellerId"`
	Amount            int64      `json:"amount"` // cents
	CounterAmount     int64      `json:"counterAmount,omitempty"`
	Message           string     `json:"message,omitempty"`
	Status            Status     `json:"status"`
	CounterAt         *time.Time `json:"counterAt,omitempty"`
	CounterAcceptedAt *time.Time `json:"counterAcceptedAt,omitempty"`
	RespondedAt       *time.Time `json:"respondedAt,omitempty"`
	ExpiresAt         time.Time  `json:"expiresAt"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// AgreedPrice returns the price a transaction opens at: the counter amount
// when the seller countered, otherwise the buyer's original amount.
func (o *Offer) AgreedPrice() int64 {
	if o.CounterAmount > 0 {
		return o.CounterAmount
	}
	return o.Amount
}

// ExpiredBy reports whether the offer's expiry has passed as of now.
// Only live offers expire.
func (o *Offer) ExpiredBy(now time.Time) bool {
	return !o.Status.IsTerminal() && now.After(o.ExpiresAt)
}

// CreateRequest contains the parameters for making an offer.
type CreateRequest struct {
	ListingID string `json:"listingId" binding:"required"`
	BuyerID   string `json:"buyerId" binding:"required"`
	Amount    int64  `json:"amount" binding:"required"`
	Message   string `json:"message"`
	// ExpiryDays overrides the default offer lifetime (0 = default).
	ExpiryDays int `json:"expiryDays"`
}

// CounterRequest contains the parameters for a seller counter-offer.
type CounterRequest struct {
	CounterAmount int64  `json:"counterAmount" binding:"required"`
	Message       string `json:"message"`
}

// Store persists offers.
type Store interface {
	Create(ctx context.Context, o *Offer) error
	Get(ctx context.Context, id string) (*Offer, error)
	Update(ctx context.Context, o *Offer) error

	// GetLiveByBuyerAndListing returns the buyer's non-terminal offer on a
	// listing, or ErrNotFound.
	GetLiveByBuyerAndListing(ctx context.Context, buyerID, listingID string) (*Offer, error)

	// AcceptIf marks the offer accepted only if it is still pending or
	// countered. A miss returns ErrAcceptRace. This is the first-acceptance
	// gate: exactly one accept can win.
	AcceptIf(ctx context.Context, id string, at time.Time) error

	// RejectOthers rejects every live offer on the listing except the given
	// one, returning the IDs it rejected.
	RejectOthers(ctx context.Context, listingID, exceptID string, at time.Time) ([]string, error)

	ListByListing(ctx context.Context, listingID string, limit int) ([]*Offer, error)
	ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Offer, error)
	ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Offer, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Offer, error)
}

// ListingSnapshot carries the listing fields the offer engine needs.
type ListingSnapshot struct {
	ID        string
	SellerID  string
	Offerable bool
}

// ListingGate exposes listing state and the reservation step of acceptance.
type ListingGate interface {
	Snapshot(ctx context.Context, listingID string) (*ListingSnapshot, error)
	Reserve(ctx context.Context, listingID, ref string) error
	Release(ctx context.Context, listingID string) error
}

// TransactionOpener creates the escrow workflow for an accepted offer.
type TransactionOpener interface {
	OpenFromOffer(ctx context.Context, o *Offer) (string, error)
}

// Notifier pushes offer lifecycle events to interested users. Best effort.
type Notifier interface {
	NotifyOffer(event string, o *Offer)
}

func generateOfferID() string {
	return idgen.WithPrefix("off_")
}
