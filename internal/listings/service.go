package listings

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Service implements listing business logic.
type Service struct {
	store Store
}

// NewService creates a new listing service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Create drafts a new listing. The listing stays in draft until the
// listing fee is paid (or waived by an admin).
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Listing, error) {
	if req.AskingPrice <= 0 {
		return nil, errors.New("asking price must be positive")
	}

	now := time.Now()
	l := &Listing{
		ID:            generateListingID(),
		SellerID:      req.SellerID,
		AuthorityType: req.AuthorityType,
		AuthorityRef:  req.AuthorityRef,
		Title:         req.Title,
		Description:   req.Description,
		State:         req.State,
		YearsActive:   req.YearsActive,
		AskingPrice:   req.AskingPrice,
		Status:        StatusDraft,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.store.Create(ctx, l); err != nil {
		return nil, fmt.Errorf("failed to create listing: %w", err)
	}
	return l, nil
}

// Get returns a listing by ID.
func (s *Service) Get(ctx context.Context, id string) (*Listing, error) {
	return s.store.Get(ctx, id)
}

// MarkFeePaid records the listing fee payment and activates the listing.
// Applies only while the listing is still in draft; a second fee event
// for the same listing is a no-op conflict.
func (s *Service) MarkFeePaid(ctx context.Context, id, paymentRef string) error {
	return s.store.MarkFeePaid(ctx, id, paymentRef, time.Now())
}

// WaiveFee activates a listing without payment. Admin only, enforced by the caller.
func (s *Service) WaiveFee(ctx context.Context, id string) error {
	return s.store.MarkFeePaid(ctx, id, "waived", time.Now())
}

// Reserve moves an active listing to reserved, recording the winning offer
// or transaction reference. Exactly one caller wins per listing; losers get
// ErrInvalidStatus.
func (s *Service) Reserve(ctx context.Context, id, ref string) error {
	return s.store.Reserve(ctx, id, ref, time.Now())
}

// Release returns a reserved listing to active, e.g. after a cancelled
// transaction.
func (s *Service) Release(ctx context.Context, id string) error {
	return s.store.Release(ctx, id, time.Now())
}

// MarkSold finalizes a reserved listing after transaction completion.
func (s *Service) MarkSold(ctx context.Context, id string) error {
	return s.store.MarkSold(ctx, id, time.Now())
}

// Remove takes a listing off the market. Only the seller may remove, and
// only while no transaction holds the listing.
func (s *Service) Remove(ctx context.Context, id, callerID string) error {
	l, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if l.SellerID != callerID {
		return ErrNotOwner
	}
	if l.Status != StatusDraft && l.Status != StatusActive {
		return ErrInvalidStatus
	}
	l.Status = StatusRemoved
	l.UpdatedAt = time.Now()
	return s.store.Update(ctx, l)
}

// ListActive returns active listings, optionally filtered by authority type.
func (s *Service) ListActive(ctx context.Context, authorityType string, limit int) ([]*Listing, error) {
	return s.store.ListActive(ctx, authorityType, limit)
}

// ListBySeller returns a seller's listings in any status.
func (s *Service) ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Listing, error) {
	return s.store.ListBySeller(ctx, sellerID, limit)
}
