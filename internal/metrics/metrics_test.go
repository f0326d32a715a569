package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestScrapeCarriesNamespace(t *testing.T) {
	OffersCreatedTotal.Inc()
	PaymentRefundsTotal.Inc()
	WebhookEventsTotal.WithLabelValues("deposit", "applied").Inc()
	CreditsGrantedTotal.WithLabelValues("purchase").Add(100)

	r := gin.New()
	r.GET("/metrics", Handler())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("scrape status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{
		"authex_offers_created_total",
		"authex_payment_refunds_total",
		"authex_webhook_events_total",
		"authex_credits_granted_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("scrape output missing %s", name)
		}
	}
}

func TestStatusBucket(t *testing.T) {
	cases := map[int]string{
		200: "2xx",
		201: "2xx",
		301: "3xx",
		404: "4xx",
		500: "5xx",
	}
	for code, want := range cases {
		if got := statusBucket(code); got != want {
			t.Errorf("statusBucket(%d) = %q, want %q", code, got, want)
		}
	}
}
