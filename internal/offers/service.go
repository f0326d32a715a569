package offers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/authex/authex/internal/logging"
	"github.com/authex/authex/internal/metrics"
)

// DefaultExpiryDays is the offer lifetime when the buyer does not set one.
const DefaultExpiryDays = 7

// Service implements offer negotiation business logic.
type Service struct {
	store      Store
	listings   ListingGate
	txns       TransactionOpener
	notifier   Notifier
	expiryDays int
	locks      sync.Map // per-listing ID locks
}

// NewService creates a new offer service.
func NewService(store Store, listings ListingGate) *Service {
	return &Service{
		store:      store,
		listings:   listings,
		expiryDays: DefaultExpiryDays,
	}
}

// WithTransactionOpener adds the ability to open transactions on acceptance.
func (s *Service) WithTransactionOpener(t TransactionOpener) *Service {
	s.txns = t
	return s
}

// WithNotifier enables offer event notifications.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithExpiryDays overrides the default offer lifetime.
func (s *Service) WithExpiryDays(days int) *Service {
	if days > 0 {
		s.expiryDays = days
	}
	return s
}

// listingLock returns a mutex for the given listing ID.
func (s *Service) listingLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Create makes a new offer on a listing.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Offer, error) {
	if req.Amount <= 0 {
		return nil, errors.New("offer amount must be positive")
	}

	snap, err := s.listings.Snapshot(ctx, req.ListingID)
	if err != nil {
		return nil, err
	}
	if !snap.Offerable {
		return nil, ErrListingUnavailable
	}
	if snap.SellerID == req.BuyerID {
		return nil, ErrSelfOffer
	}

	// One live offer per buyer per listing.
	if _, err := s.store.GetLiveByBuyerAndListing(ctx, req.BuyerID, req.ListingID); err == nil {
		return nil, ErrDuplicateOffer
	}

	days := req.ExpiryDays
	if days <= 0 {
		days = s.expiryDays
	}

	now := time.Now()
	o := &Offer{
		ID:        generateOfferID(),
		ListingID: req.ListingID,
		BuyerID:   req.BuyerID,
		SellerID:  snap.SellerID,
		Amount:    req.Amount,
		Message:   req.Message,
		Status:    StatusPending,
		ExpiresAt: now.AddDate(0, 0, days),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}

	metrics.OffersCreatedTotal.Inc()
	s.notify("offer.created", o)
	return o, nil
}

// Get returns an offer, expiring it lazily if its deadline has passed.
func (s *Service) Get(ctx context.Context, id string) (*Offer, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.lazyExpire(ctx, o), nil
}

// Accept finalizes an offer. Only the listing's seller, and only while the
// offer is pending or countered. As one unit: the listing is reserved for
// this offer (sole winner per listing), the offer goes terminal, a
// transaction opens at the agreed price, and every other live offer on the
// listing is rejected. Retrying after a partial failure resumes from where
// the first attempt stopped.
func (s *Service) Accept(ctx context.Context, id, callerID string) (*Offer, string, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}

	mu := s.listingLock(o.ListingID)
	mu.Lock()
	defer mu.Unlock()

	// Re-read under the lock.
	o, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if o.SellerID != callerID {
		return nil, "", ErrUnauthorized
	}
	if o = s.lazyExpire(ctx, o); o.Status == StatusExpired {
		return nil, "", ErrExpired
	}
	if o.Status == StatusAccepted {
		// A prior Accept went terminal but died before the transaction
		// opened. The reservation is still ours, so finish the job.
		return s.finishAccept(ctx, o, time.Now(), false)
	}
	if o.Status != StatusPending && o.Status != StatusCountered {
		return nil, "", ErrInvalidStatus
	}

	now := time.Now()

	// Reserve the listing first. The conditional update is the cross-process
	// guard: only one offer per listing can ever get past this line.
	if err := s.listings.Reserve(ctx, o.ListingID, o.ID); err != nil {
		return nil, "", ErrListingUnavailable
	}

	if err := s.store.AcceptIf(ctx, o.ID, now); err != nil {
		s.release(ctx, o.ListingID)
		return nil, "", err
	}
	o.Status = StatusAccepted
	o.RespondedAt = &now
	o.UpdatedAt = now

	return s.finishAccept(ctx, o, now, true)
}

// finishAccept runs the post-acceptance steps for an offer that is already
// terminal: open the transaction, reject rival offers, tell everyone. Opening
// is idempotent per offer, so a retry after a partial failure picks up the
// existing transaction instead of failing. Metrics and notifications fire on
// the first pass only.
func (s *Service) finishAccept(ctx context.Context, o *Offer, now time.Time, fresh bool) (*Offer, string, error) {
	var txnID string
	if s.txns != nil {
		var err error
		txnID, err = s.txns.OpenFromOffer(ctx, o)
		if err != nil {
			// Surface the error so the seller retries; the reservation stays
			// so no rival offer can slip in, and the retry lands back here.
			return nil, "", fmt.Errorf("offer accepted but transaction open failed: %w", err)
		}
	}

	rejected, err := s.store.RejectOthers(ctx, o.ListingID, o.ID, now)
	if err != nil {
		logging.L(ctx).Warn("failed to reject rival offers", "listing_id", o.ListingID, "error", err)
	}

	if !fresh {
		return o, txnID, nil
	}

	metrics.OffersAcceptedTotal.Inc()
	s.notify("offer.accepted", o)
	for _, rid := range rejected {
		if r, err := s.store.Get(ctx, rid); err == nil {
			s.notify("offer.rejected", r)
		}
	}

	return o, txnID, nil
}

// Reject declines an offer. Only the listing's seller, from pending or countered.
func (s *Service) Reject(ctx context.Context, id, callerID string) (*Offer, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.SellerID != callerID {
		return nil, ErrUnauthorized
	}
	if o = s.lazyExpire(ctx, o); o.Status == StatusExpired {
		return nil, ErrExpired
	}
	if o.Status != StatusPending && o.Status != StatusCountered {
		return nil, ErrInvalidStatus
	}

	now := time.Now()
	o.Status = StatusRejected
	o.RespondedAt = &now
	o.UpdatedAt = now
	if err := s.store.Update(ctx, o); err != nil {
		return nil, err
	}

	s.notify("offer.rejected", o)
	return o, nil
}

// Counter proposes a different amount. Only the listing's seller, from pending.
func (s *Service) Counter(ctx context.Context, id, callerID string, req CounterRequest) (*Offer, error) {
	if req.CounterAmount <= 0 {
		return nil, errors.New("counter amount must be positive")
	}

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.SellerID != callerID {
		return nil, ErrUnauthorized
	}
	if o = s.lazyExpire(ctx, o); o.Status == StatusExpired {
		return nil, ErrExpired
	}
	if o.Status != StatusPending {
		return nil, ErrInvalidStatus
	}

	now := time.Now()
	o.Status = StatusCountered
	o.CounterAmount = req.CounterAmount
	if req.Message != "" {
		o.Message = req.Message
	}
	o.CounterAt = &now
	o.UpdatedAt = now
	if err := s.store.Update(ctx, o); err != nil {
		return nil, err
	}

	s.notify("offer.countered", o)
	return o, nil
}

// AcceptCounter records the buyer's agreement to the seller's counter amount
// and reopens the offer for the seller's final accept.
func (s *Service) AcceptCounter(ctx context.Context, id, callerID string) (*Offer, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != callerID {
		return nil, ErrUnauthorized
	}
	if o = s.lazyExpire(ctx, o); o.Status == StatusExpired {
		return nil, ErrExpired
	}
	if o.Status != StatusCountered {
		return nil, ErrInvalidStatus
	}

	now := time.Now()
	o.Status = StatusPending
	o.CounterAcceptedAt = &now
	o.UpdatedAt = now
	if err := s.store.Update(ctx, o); err != nil {
		return nil, err
	}

	s.notify("offer.counter_accepted", o)
	return o, nil
}

// Withdraw retracts an offer. Only the buyer, from pending or countered.
func (s *Service) Withdraw(ctx context.Context, id, callerID string) (*Offer, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != callerID {
		return nil, ErrUnauthorized
	}
	if o = s.lazyExpire(ctx, o); o.Status == StatusExpired {
		return nil, ErrExpired
	}
	if o.Status != StatusPending && o.Status != StatusCountered {
		return nil, ErrInvalidStatus
	}

	now := time.Now()
	o.Status = StatusWithdrawn
	o.RespondedAt = &now
	o.UpdatedAt = now
	if err := s.store.Update(ctx, o); err != nil {
		return nil, err
	}

	s.notify("offer.withdrawn", o)
	return o, nil
}

// ListByListing returns offers on a listing.
func (s *Service) ListByListing(ctx context.Context, listingID string, limit int) ([]*Offer, error) {
	return s.store.ListByListing(ctx, listingID, limit)
}

// ListByBuyer returns a buyer's offers.
func (s *Service) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Offer, error) {
	return s.store.ListByBuyer(ctx, buyerID, limit)
}

// ListBySeller returns offers on a seller's listings.
func (s *Service) ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Offer, error) {
	return s.store.ListBySeller(ctx, sellerID, limit)
}

// ExpireDue marks every live offer whose deadline has passed as expired.
// Called by the expiry timer; also safe to invoke manually.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	due, err := s.store.ListExpired(ctx, time.Now(), 100)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, o := range due {
		now := time.Now()
		o.Status = StatusExpired
		o.UpdatedAt = now
		if err := s.store.Update(ctx, o); err != nil {
			logging.L(ctx).Warn("failed to expire offer", "offer_id", o.ID, "error", err)
			continue
		}
		expired++
		metrics.OffersExpiredTotal.Inc()
		s.notify("offer.expired", o)
	}
	return expired, nil
}

// lazyExpire flips a live offer past its deadline to expired before the
// caller acts on it. Best effort on the write; the returned offer always
// reflects the expiry.
func (s *Service) lazyExpire(ctx context.Context, o *Offer) *Offer {
	if !o.ExpiredBy(time.Now()) {
		return o
	}
	o.Status = StatusExpired
	o.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, o); err != nil {
		logging.L(ctx).Warn("failed to persist lazy expiry", "offer_id", o.ID, "error", err)
	}
	metrics.OffersExpiredTotal.Inc()
	return o
}

func (s *Service) release(ctx context.Context, listingID string) {
	if err := s.listings.Release(ctx, listingID); err != nil {
		logging.L(ctx).Warn("failed to release listing reservation", "listing_id", listingID, "error", err)
	}
}

func (s *Service) notify(event string, o *Offer) {
	if s.notifier != nil {
		s.notifier.NotifyOffer(event, o)
	}
}
