// Package notify fans marketplace events out to the people watching them.
//
// Two channels:
//   - outbound webhooks: users register URLs and receive HMAC-signed POSTs
//     for offer and transaction events
//   - WebSocket hub: live transaction timeline updates for connected clients
//
// Delivery is fire-and-forget. The engines publish after their own state is
// committed; a dead webhook endpoint or a slow socket never rolls back a
// transition.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/authex/authex/internal/idgen"
)

// Errors
var (
	ErrNotFound = errors.New("notify: subscription not found")
	ErrNotOwner = errors.New("notify: not your subscription")
)

// Event is one published marketplace event.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"` // e.g. "offer.accepted", "transaction.completed"
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Subscription is a registered outbound webhook endpoint.
type Subscription struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	URL         string     `json:"url"`
	Secret      string     `json:"-"` // HMAC signing key
	Events      []string   `json:"events"` // empty = all
	Active      bool       `json:"active"`
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Wants reports whether the subscription covers the event type.
func (s *Subscription) Wants(eventType string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// CreateSubscriptionRequest registers a webhook endpoint.
type CreateSubscriptionRequest struct {
	URL    string   `json:"url" binding:"required"`
	Secret string   `json:"secret,omitempty"`
	Events []string `json:"events,omitempty"`
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]*Subscription, error)
	ListActive(ctx context.Context) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Service is the publishing facade the engines talk to.
type Service struct {
	hub        *Hub
	dispatcher *Dispatcher
}

func NewService(hub *Hub, dispatcher *Dispatcher) *Service {
	return &Service{hub: hub, dispatcher: dispatcher}
}

// Publish sends the event to both channels. Never blocks on delivery.
func (s *Service) Publish(eventType string, data any) {
	ev := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	if s.hub != nil {
		s.hub.Broadcast(ev)
	}
	if s.dispatcher != nil {
		s.dispatcher.Dispatch(context.Background(), ev)
	}
}

func generateSubscriptionID() string {
	return idgen.WithPrefix("whs_")
}
