package offers

import (
	"context"
	"log/slog"
	"time"
)

// Timer periodically sweeps offers past their expiry and marks them expired.
// Expiry is also checked lazily when an offer is acted on; the sweep exists
// so dormant offers still terminate and free up their buyer+listing slot.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewTimer creates a new offer expiry timer.
func NewTimer(service *Service, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		interval: 60 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the expiry sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) sweep(ctx context.Context) {
	n, err := t.service.ExpireDue(ctx)
	if err != nil {
		t.logger.Warn("offer expiry sweep failed", "error", err)
		return
	}
	if n > 0 {
		t.logger.Info("expired offers", "count", n)
	}
}
