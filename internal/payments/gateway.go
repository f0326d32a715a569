package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"
)

// Gateway wraps the Stripe API. All amounts are cents; the platform charges
// in USD only.
type Gateway struct {
	api           *client.API
	webhookSecret string
	successURL    string
	cancelURL     string
}

// NewGateway builds a gateway from a secret key. baseURL is where checkout
// redirects land after payment.
func NewGateway(secretKey, webhookSecret, baseURL string) *Gateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &Gateway{
		api:           api,
		webhookSecret: webhookSecret,
		successURL:    baseURL + "/checkout/success?session_id={CHECKOUT_SESSION_ID}",
		cancelURL:     baseURL + "/checkout/cancel",
	}
}

// CheckoutSession is the subset of a Stripe session the caller needs.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreateCustomer registers a user with Stripe and returns the customer ID.
func (g *Gateway) CreateCustomer(ctx context.Context, email, name string) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
		Name:  stripe.String(name),
	}
	params.Context = ctx
	cu, err := g.api.Customers.New(params)
	if err != nil {
		return "", gatewayError(err)
	}
	return cu.ID, nil
}

// CreateCheckoutSession starts a hosted checkout for the given purpose. The
// metadata travels to the webhook event and is how the reconciler routes the
// payment back to its target.
func (g *Gateway) CreateCheckoutSession(ctx context.Context, purpose Purpose, amount int64, description string, metadata map[string]string) (*CheckoutSession, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String("usd"),
				UnitAmount: stripe.Int64(amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(description),
				},
			},
			Quantity: stripe.Int64(1),
		}},
		SuccessURL: stripe.String(g.successURL),
		CancelURL:  stripe.String(g.cancelURL),
	}
	params.Context = ctx
	params.AddMetadata("purpose", string(purpose))
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	// Metadata must also reach the payment intent: payment_intent.succeeded
	// events carry only the intent's own metadata.
	params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{}
	params.PaymentIntentData.AddMetadata("purpose", string(purpose))
	for k, v := range metadata {
		params.PaymentIntentData.AddMetadata(k, v)
	}

	sess, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, gatewayError(err)
	}
	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

// CreatePaymentIntent charges an existing customer directly, without the
// hosted checkout page.
func (g *Gateway) CreatePaymentIntent(ctx context.Context, customerID string, amount int64, metadata map[string]string) (string, error) {
	if amount <= 0 {
		return "", ErrInvalidAmount
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String("usd"),
		Customer: stripe.String(customerID),
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return "", gatewayError(err)
	}
	return pi.ID, nil
}

// Refund returns money against a payment intent. amount 0 refunds in full.
func (g *Gateway) Refund(ctx context.Context, paymentIntentID string, amount int64) error {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentIntentID),
	}
	if amount > 0 {
		params.Amount = stripe.Int64(amount)
	}
	params.Context = ctx
	if _, err := g.api.Refunds.New(params); err != nil {
		return gatewayError(err)
	}
	return nil
}

// CreateConnectedAccount onboards a seller for payouts.
func (g *Gateway) CreateConnectedAccount(ctx context.Context, email string) (string, error) {
	params := &stripe.AccountParams{
		Type:  stripe.String(string(stripe.AccountTypeExpress)),
		Email: stripe.String(email),
	}
	params.Context = ctx
	acct, err := g.api.Accounts.New(params)
	if err != nil {
		return "", gatewayError(err)
	}
	return acct.ID, nil
}

// Transfer moves funds to a seller's connected account.
func (g *Gateway) Transfer(ctx context.Context, accountID string, amount int64, reference string) (string, error) {
	if amount <= 0 {
		return "", ErrInvalidAmount
	}
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(amount),
		Currency:    stripe.String("usd"),
		Destination: stripe.String(accountID),
	}
	params.Context = ctx
	params.AddMetadata("reference", reference)
	tr, err := g.api.Transfers.New(params)
	if err != nil {
		return "", gatewayError(err)
	}
	return tr.ID, nil
}

// EventKind classifies the gateway events the platform acts on.
type EventKind string

const (
	EventPaymentSucceeded EventKind = "payment_succeeded"
	EventPaymentFailed    EventKind = "payment_failed"
)

// ErrUnhandledEvent marks gateway event types the platform ignores.
var ErrUnhandledEvent = errors.New("payments: unhandled gateway event type")

// Event is a verified gateway event translated into platform terms. The
// ID is Stripe's own event ID and is the dedupe key.
type Event struct {
	ID            string
	Kind          EventKind
	Purpose       Purpose
	TransactionID string
	UserID        string
	ListingID     string
	PlanID        string
	Credits       int64
	PaymentRef    string // payment intent ID
	SessionID     string // checkout session ID, when the event carries one
	Amount        int64
	Livemode      bool
}

// VerifyEvent checks the webhook signature and translates the payload.
// A bad signature is a client error; event types the platform does not act
// on return ErrUnhandledEvent.
func (g *Gateway) VerifyEvent(payload []byte, sigHeader string) (*Event, error) {
	ev, err := webhook.ConstructEvent(payload, sigHeader, g.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("payments: webhook signature verification failed: %w", err)
	}
	return eventFromStripe(&ev)
}

func eventFromStripe(ev *stripe.Event) (*Event, error) {
	out := &Event{ID: ev.ID, Livemode: ev.Livemode}

	switch ev.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("payments: malformed checkout session payload: %w", err)
		}
		out.Kind = EventPaymentSucceeded
		out.SessionID = sess.ID
		out.Amount = sess.AmountTotal
		if sess.PaymentIntent != nil {
			out.PaymentRef = sess.PaymentIntent.ID
		}
		if err := applyMetadata(out, sess.Metadata); err != nil {
			return nil, err
		}

	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("payments: malformed payment intent payload: %w", err)
		}
		out.Kind = EventPaymentSucceeded
		if ev.Type == "payment_intent.payment_failed" {
			out.Kind = EventPaymentFailed
		}
		out.PaymentRef = pi.ID
		out.Amount = pi.Amount
		if err := applyMetadata(out, pi.Metadata); err != nil {
			return nil, err
		}

	default:
		return nil, ErrUnhandledEvent
	}

	return out, nil
}

func applyMetadata(out *Event, md map[string]string) error {
	purpose, err := ParsePurpose(md["purpose"])
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidPurpose, md["purpose"])
	}
	out.Purpose = purpose
	out.TransactionID = md["transaction_id"]
	out.UserID = md["user_id"]
	out.ListingID = md["listing_id"]
	out.PlanID = md["plan_id"]
	if c := md["credits"]; c != "" {
		n, err := strconv.ParseInt(c, 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("payments: malformed credits metadata %q", c)
		}
		out.Credits = n
	}
	return nil
}

// gatewayError translates Stripe failures into platform sentinels. Server
// side Stripe failures degrade to manual payment methods; everything else is
// a rejection the caller surfaced as a bad request.
func gatewayError(err error) error {
	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		if sErr.HTTPStatusCode >= 500 || sErr.Type == stripe.ErrorTypeAPI {
			return fmt.Errorf("%w: %s", ErrGatewayUnavailable, sErr.Msg)
		}
		return fmt.Errorf("%w: %s", ErrGatewayRejected, sErr.Msg)
	}
	return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
}
