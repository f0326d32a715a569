// Package credits implements the credit ledger gating premium data.
//
// Credits are an append-only ledger: every grant and every spend is a
// signed CreditTransaction carrying the available balance after it. The
// per-user balance row (totalCredits/usedCredits) is a projection kept in
// the same atomic unit as each entry, so available credits always equal
// the sum of the signed entries.
//
// Credits arrive by card purchase, subscription renewal, or admin bonus;
// they leave when a user unlocks premium listing data.
package credits

import (
	"context"
	"errors"
	"time"

	"github.com/authex/authex/internal/idgen"
)

// Errors
var (
	ErrNotFound            = errors.New("credits: not found")
	ErrInsufficientCredits = errors.New("credits: insufficient credits")
	ErrInvalidAmount       = errors.New("credits: amount must be positive")
	ErrInvalidRefund       = errors.New("credits: refund exceeds used credits")
	ErrUnknownPlan         = errors.New("credits: unknown subscription plan")
	ErrNoSubscription      = errors.New("credits: no active subscription")
	ErrSubscriptionExists  = errors.New("credits: user already has an active subscription")
	ErrDuplicateEntry      = errors.New("credits: ledger entry already recorded")
	ErrRenewalRace         = errors.New("credits: renewal already advanced")
)

// CreditBalance is the per-user projection row.
type CreditBalance struct {
	UserID       string    `json:"userId"`
	TotalCredits int64     `json:"totalCredits"`
	UsedCredits  int64     `json:"usedCredits"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Available returns spendable credits.
func (b *CreditBalance) Available() int64 {
	return b.TotalCredits - b.UsedCredits
}

// EntryType classifies ledger entries.
type EntryType string

const (
	EntryPurchase     EntryType = "purchase"
	EntryBonus        EntryType = "bonus"
	EntrySubscription EntryType = "subscription"
	EntryRefund       EntryType = "refund"
	EntryUsage        EntryType = "usage"
)

// CreditTransaction is one signed ledger entry. Amount is positive for
// grants and refunds, negative for usage. Balance is the available credits
// after the entry applied.
type CreditTransaction struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Type        EntryType `json:"type"`
	Amount      int64     `json:"amount"`
	Balance     int64     `json:"balance"`
	Reference   string    `json:"reference,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// SubscriptionStatus represents subscription state.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// Subscription grants credits every period until cancelled. Cancellation
// sets EndsAt to the pending renewal date; granted credits are kept.
type Subscription struct {
	ID          string             `json:"id"`
	UserID      string             `json:"userId"`
	PlanID      string             `json:"planId"`
	Status      SubscriptionStatus `json:"status"`
	RenewalDate time.Time          `json:"renewalDate"`
	EndsAt      *time.Time         `json:"endsAt,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
	UpdatedAt   time.Time          `json:"updatedAt"`
}

// Plan is a subscription tier.
type Plan struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	PriceCents       int64  `json:"priceCents"`
	CreditsPerPeriod int64  `json:"creditsPerPeriod"`
	PeriodDays       int    `json:"periodDays"`
}

// Plans is the subscription catalog.
var Plans = map[string]Plan{
	"starter": {ID: "starter", Name: "Starter", PriceCents: 4900, CreditsPerPeriod: 50, PeriodDays: 30},
	"pro":     {ID: "pro", Name: "Pro", PriceCents: 9900, CreditsPerPeriod: 150, PeriodDays: 30},
	"broker":  {ID: "broker", Name: "Broker", PriceCents: 24900, CreditsPerPeriod: 500, PeriodDays: 30},
}

// UseRequest spends credits.
type UseRequest struct {
	Amount int64  `json:"amount" binding:"required"`
	Reason string `json:"reason,omitempty"`
}

// GrantRequest adds bonus or refunded credits (admin).
type GrantRequest struct {
	Amount int64  `json:"amount" binding:"required"`
	Reason string `json:"reason,omitempty"`
}

// Store persists balances, ledger entries, and subscriptions.
type Store interface {
	// GetBalance returns the balance row, or a zero balance for a user with
	// no entries yet.
	GetBalance(ctx context.Context, userID string) (*CreditBalance, error)
	// Apply atomically adjusts the balance projection and appends the entry
	// with its snapshot. deltaTotal adds granted credits; deltaUsed adds
	// spent credits (negative to unspend). Guards: spending more than
	// available returns ErrInsufficientCredits; unspending more than used
	// returns ErrInvalidRefund; a duplicate non-empty entry reference
	// returns ErrDuplicateEntry.
	Apply(ctx context.Context, userID string, deltaTotal, deltaUsed int64, entry *CreditTransaction) error
	History(ctx context.Context, userID string, limit int) ([]*CreditTransaction, error)

	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	GetSubscriptionByUser(ctx context.Context, userID string) (*Subscription, error)
	// AdvanceRenewal moves the renewal date forward, conditional on the
	// currently stored date. A miss returns ErrRenewalRace.
	AdvanceRenewal(ctx context.Context, id string, observed, next time.Time) error
	// ApplyRenewal runs the period grant and the renewal-date advance as
	// one unit: a duplicate entry reference leaves the date untouched
	// (ErrDuplicateEntry), a renewal-date miss grants nothing
	// (ErrRenewalRace). This is what keeps a re-delivered renewal payment
	// from advancing the date twice.
	ApplyRenewal(ctx context.Context, subID string, observed, next time.Time, userID string, amount int64, entry *CreditTransaction) error
	CancelSubscription(ctx context.Context, id string, endsAt time.Time) error
	ListDueSubscriptions(ctx context.Context, now time.Time, limit int) ([]*Subscription, error)
}

func generateEntryID() string {
	return idgen.WithPrefix("ct_")
}

func generateSubscriptionID() string {
	return idgen.WithPrefix("sub_")
}
