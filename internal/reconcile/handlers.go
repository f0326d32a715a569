package reconcile

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/authex/authex/internal/logging"
	"github.com/authex/authex/internal/payments"
)

// maxPayloadBytes caps webhook bodies. Stripe events are small; anything
// bigger is not ours.
const maxPayloadBytes = 1 << 20

// Handler exposes the gateway webhook endpoint.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers the public webhook endpoint. The signature is
// the authentication.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/webhooks/stripe", h.handleStripe)
}

func (h *Handler) handleStripe(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload", "message": "failed to read body"})
		return
	}

	result, err := h.service.HandleEvent(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		switch {
		case errors.Is(err, ErrBadSignature):
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_signature", "message": "signature verification failed"})
		case errors.Is(err, payments.ErrInvalidPurpose), errors.Is(err, ErrMissingTarget):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event", "message": err.Error()})
		default:
			// 500 asks the gateway to retry the delivery.
			logging.L(c.Request.Context()).Error("webhook processing failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "processing_failed", "message": "temporary failure, retry"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": string(result)})
}
