// Package listings manages operating authority listings offered for sale.
//
// Flow:
//  1. Seller drafts a listing for an operating authority
//  2. Seller pays the listing fee (checkout session or admin waiver)
//  3. Listing goes active and accepts offers
//  4. Accepting an offer reserves the listing (sole winner per listing)
//  5. Transaction completion marks the listing sold
package listings

import (
	"context"
	"errors"
	"time"

	"github.com/authex/authex/internal/idgen"
)

var (
	ErrNotFound       = errors.New("listing not found")
	ErrInvalidStatus  = errors.New("invalid listing status for this operation")
	ErrNotOwner       = errors.New("caller does not own this listing")
	ErrFeeAlreadyPaid = errors.New("listing fee already paid")
)

// Status represents the state of a listing.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusReserved Status = "reserved"
	StatusSold     Status = "sold"
	StatusRemoved  Status = "removed"
)

// Listing represents an operating authority offered for sale.
type Listing struct {
	ID            string     `json:"id"`
	SellerID      string     `json:"sellerId"`
	AuthorityType string     `json:"authorityType"` // mc_number, dot_number, freight_broker, etc.
	AuthorityRef  string     `json:"authorityRef,omitempty"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	State         string     `json:"state,omitempty"`
	YearsActive   int        `json:"yearsActive"`
	AskingPrice   int64      `json:"askingPrice"` // cents
	Status        Status     `json:"status"`
	FeePaid       bool       `json:"feePaid"`
	FeePaidAt     *time.Time `json:"feePaidAt,omitempty"`
	FeePaymentRef string     `json:"feePaymentRef,omitempty"`
	ReservedRef   string     `json:"reservedRef,omitempty"`
	SoldAt        *time.Time `json:"soldAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the listing is in a final state.
func (l *Listing) IsTerminal() bool {
	switch l.Status {
	case StatusSold, StatusRemoved:
		return true
	}
	return false
}

// Offerable reports whether the listing can receive offers.
func (l *Listing) Offerable() bool {
	return l.Status == StatusActive
}

// CreateRequest contains the parameters for drafting a listing.
type CreateRequest struct {
	SellerID      string `json:"sellerId" binding:"required"`
	AuthorityType string `json:"authorityType" binding:"required"`
	AuthorityRef  string `json:"authorityRef"`
	Title         string `json:"title" binding:"required"`
	Description   string `json:"description"`
	State         string `json:"state"`
	YearsActive   int    `json:"yearsActive"`
	AskingPrice   int64  `json:"askingPrice" binding:"required"`
}

// Store persists listings.
type Store interface {
	Create(ctx context.Context, l *Listing) error
	Get(ctx context.Context, id string) (*Listing, error)
	Update(ctx context.Context, l *Listing) error

	// Conditional transitions. Each applies only if the listing is currently
	// in the expected status; a miss returns ErrInvalidStatus.
	MarkFeePaid(ctx context.Context, id, paymentRef string, at time.Time) error
	Reserve(ctx context.Context, id, ref string, at time.Time) error
	Release(ctx context.Context, id string, at time.Time) error
	MarkSold(ctx context.Context, id string, at time.Time) error

	ListActive(ctx context.Context, authorityType string, limit int) ([]*Listing, error)
	ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Listing, error)
}

func generateListingID() string {
	return idgen.WithPrefix("lst_")
}
