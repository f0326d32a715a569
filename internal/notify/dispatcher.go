package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/authex/authex/internal/logging"
)

// Dispatcher delivers events to registered webhook endpoints.
type Dispatcher struct {
	store  Store
	client *http.Client
}

func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Dispatch sends the event to every active subscription that wants it.
// Each delivery runs in its own goroutine.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) {
	subs, err := d.store.ListActive(ctx)
	if err != nil {
		logging.L(ctx).Warn("failed to list webhook subscriptions", "error", err)
		return
	}
	for _, sub := range subs {
		if !sub.Wants(event.Type) {
			continue
		}
		go d.send(context.WithoutCancel(ctx), sub, event)
	}
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.recordError(ctx, sub, "failed to marshal event")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.recordError(ctx, sub, "failed to create request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Authex-Event", event.Type)
	req.Header.Set("X-Authex-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if sub.Secret != "" {
		req.Header.Set("X-Authex-Signature", Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.recordError(ctx, sub, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.recordSuccess(ctx, sub)
	} else {
		d.recordError(ctx, sub, fmt.Sprintf("status %d", resp.StatusCode))
	}
}

// Sign computes the hex HMAC-SHA256 of the payload. Receivers verify
// deliveries with the same computation over the raw body.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	if err := d.store.Update(ctx, sub); err != nil {
		logging.L(ctx).Warn("failed to update subscription", "subscription_id", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordError(ctx context.Context, sub *Subscription, msg string) {
	sub.LastError = msg
	if err := d.store.Update(ctx, sub); err != nil {
		logging.L(ctx).Warn("failed to update subscription", "subscription_id", sub.ID, "error", err)
	}
}
