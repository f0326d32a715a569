package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/authex/authex/internal/logging"
	"github.com/authex/authex/internal/metrics"
	"github.com/authex/authex/internal/payments"
	"github.com/authex/authex/internal/traces"
)

// Service routes verified payment events to the services that own their
// side effects.
type Service struct {
	verifier     Verifier
	store        Store
	transactions TransactionApplier
	payments     PaymentApplier
	credits      CreditApplier
	listings     ListingApplier
	notifier     Notifier
}

func NewService(verifier Verifier, store Store) *Service {
	return &Service{verifier: verifier, store: store}
}

func (s *Service) WithTransactions(a TransactionApplier) *Service {
	s.transactions = a
	return s
}

func (s *Service) WithPayments(a PaymentApplier) *Service {
	s.payments = a
	return s
}

func (s *Service) WithCredits(a CreditApplier) *Service {
	s.credits = a
	return s
}

func (s *Service) WithListings(a ListingApplier) *Service {
	s.listings = a
	return s
}

func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// HandleEvent verifies and processes one raw webhook delivery.
//
// The result tells the HTTP layer what to answer: applied, duplicate,
// skipped, and ignored all acknowledge the delivery; an error with
// ResultFailed asks the gateway to retry.
func (s *Service) HandleEvent(ctx context.Context, payload []byte, sigHeader string) (Result, error) {
	ev, err := s.verifier.VerifyEvent(payload, sigHeader)
	if err != nil {
		if errors.Is(err, payments.ErrUnhandledEvent) {
			return ResultIgnored, nil
		}
		if errors.Is(err, payments.ErrInvalidPurpose) {
			// Rejected loudly, no dedupe row, no side effects.
			return ResultFailed, err
		}
		return ResultFailed, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	ctx, span := traces.StartSpan(ctx, "reconcile.HandleEvent",
		attribute.String("event.id", ev.ID),
		attribute.String("event.purpose", string(ev.Purpose)),
	)
	defer span.End()

	result, err := s.process(ctx, ev)
	metrics.WebhookEventsTotal.WithLabelValues(string(ev.Purpose), string(result)).Inc()
	return result, err
}

func (s *Service) process(ctx context.Context, ev *payments.Event) (Result, error) {
	attempt, err := s.store.Begin(ctx, ev.ID, ev.Purpose)
	if errors.Is(err, ErrDuplicateEvent) {
		logging.L(ctx).Info("duplicate webhook event acknowledged", "event_id", ev.ID)
		return ResultDuplicate, nil
	}
	if err != nil {
		return ResultFailed, fmt.Errorf("failed to open processing attempt: %w", err)
	}
	defer attempt.Rollback()

	applyErr := s.apply(ctx, ev)
	switch {
	case applyErr == nil:
		if err := attempt.Commit(); err != nil {
			return ResultFailed, fmt.Errorf("failed to commit processing attempt: %w", err)
		}
		return ResultApplied, nil

	case errors.Is(applyErr, ErrSuperseded):
		// The target moved on (cancelled, already verified). The event is
		// spent: record it so retries stop, but apply nothing.
		if err := attempt.Commit(); err != nil {
			return ResultFailed, fmt.Errorf("failed to commit processing attempt: %w", err)
		}
		logging.L(ctx).Warn("webhook event skipped",
			"event_id", ev.ID, "purpose", ev.Purpose, "reason", applyErr.Error())
		return ResultSkipped, nil

	default:
		// Roll back the dedupe row so the gateway's retry gets a clean run.
		return ResultFailed, applyErr
	}
}

func (s *Service) apply(ctx context.Context, ev *payments.Event) error {
	if ev.Kind == payments.EventPaymentFailed {
		// Failures never regress domain state; they flip the pending payment
		// row, tell the user, and leave the transaction waiting for another
		// attempt.
		if s.payments != nil && ev.PaymentRef != "" {
			if err := s.payments.FailByReference(ctx, ev.PaymentRef, "gateway reported failure"); err != nil {
				return fmt.Errorf("failed to mark payment failed: %w", err)
			}
		}
		if s.notifier != nil && ev.UserID != "" {
			s.notifier.NotifyPaymentFailed(ev.UserID, ev.PaymentRef, "gateway reported failure")
		}
		return nil
	}

	switch ev.Purpose {
	case payments.PurposeDeposit:
		if ev.TransactionID == "" {
			return fmt.Errorf("%w: deposit event %s has no transaction_id", ErrMissingTarget, ev.ID)
		}
		if err := s.transactions.ConfirmDepositPaid(ctx, ev.TransactionID, ev.PaymentRef); err != nil {
			return err
		}
		s.completePaymentRow(ctx, ev)
		return nil

	case payments.PurposeFinalPayment:
		if ev.TransactionID == "" {
			return fmt.Errorf("%w: final payment event %s has no transaction_id", ErrMissingTarget, ev.ID)
		}
		if err := s.transactions.ConfirmFinalPaymentPaid(ctx, ev.TransactionID, ev.PaymentRef); err != nil {
			return err
		}
		s.completePaymentRow(ctx, ev)
		return nil

	case payments.PurposeCreditPurchase:
		if ev.UserID == "" || ev.Credits <= 0 {
			return fmt.Errorf("%w: credit purchase event %s missing user or credits", ErrMissingTarget, ev.ID)
		}
		if err := s.credits.FulfillPurchase(ctx, ev.UserID, ev.Credits, ev.ID); err != nil {
			return err
		}
		s.completePaymentRow(ctx, ev)
		return nil

	case payments.PurposeSubscription:
		if ev.UserID == "" || ev.PlanID == "" {
			return fmt.Errorf("%w: subscription event %s missing user or plan", ErrMissingTarget, ev.ID)
		}
		if err := s.credits.FulfillSubscription(ctx, ev.UserID, ev.PlanID, ev.ID); err != nil {
			return err
		}
		s.completePaymentRow(ctx, ev)
		return nil

	case payments.PurposeListingFee:
		if ev.ListingID == "" {
			return fmt.Errorf("%w: listing fee event %s has no listing_id", ErrMissingTarget, ev.ID)
		}
		if err := s.listings.MarkFeePaid(ctx, ev.ListingID, ev.PaymentRef); err != nil {
			return err
		}
		s.completePaymentRow(ctx, ev)
		return nil
	}

	// Unreachable: the verifier validated the purpose.
	return fmt.Errorf("%w: %q", payments.ErrInvalidPurpose, ev.Purpose)
}

// completePaymentRow closes the local payment row mirroring the charge.
// Best effort: gateway payments started outside checkout have no row.
func (s *Service) completePaymentRow(ctx context.Context, ev *payments.Event) {
	if s.payments == nil {
		return
	}
	var err error
	switch {
	case ev.SessionID != "":
		err = s.payments.CompleteBySession(ctx, ev.SessionID, ev.PaymentRef)
	case ev.PaymentRef != "":
		err = s.payments.CompleteByReference(ctx, ev.PaymentRef)
	default:
		return
	}
	if err != nil && !errors.Is(err, payments.ErrNotFound) {
		logging.L(ctx).Warn("failed to complete payment row",
			"event_id", ev.ID, "error", err)
	}
}
