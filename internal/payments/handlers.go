package payments

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler exposes payment endpoints.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes registers authenticated payment endpoints.
func (h *Handler) RegisterProtectedRoutes(r gin.IRoutes) {
	r.POST("/payments/checkout", h.checkout)
	r.GET("/payments/:id", h.get)
	r.GET("/users/:id/payments", h.listByUser)
	r.GET("/transactions/:id/payments", h.listByTransaction)
}

// RegisterAdminRoutes registers admin payment endpoints.
func (h *Handler) RegisterAdminRoutes(r gin.IRoutes) {
	r.POST("/payments/:id/refund", h.refund)
}

func (h *Handler) checkout(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	payment, url, err := h.service.Checkout(c.Request.Context(), c.GetString("authUserID"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payment": payment, "checkoutUrl": url})
}

func (h *Handler) get(c *gin.Context) {
	payment, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if payment.UserID != c.GetString("authUserID") {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "not your payment"})
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *Handler) listByUser(c *gin.Context) {
	userID := c.Param("id")
	if userID != c.GetString("authUserID") {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "not your payments"})
		return
	}
	payments, err := h.service.ListByUser(c.Request.Context(), userID, parseLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments, "count": len(payments)})
}

func (h *Handler) listByTransaction(c *gin.Context) {
	payments, err := h.service.ListByTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments, "count": len(payments)})
}

func (h *Handler) refund(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	payment, err := h.service.Refund(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrInvalidPurpose), errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrNotRefundable):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_status", "message": err.Error()})
	case errors.Is(err, ErrGatewayRejected):
		c.JSON(http.StatusBadRequest, gin.H{"error": "gateway_rejected", "message": err.Error()})
	case errors.Is(err, ErrGatewayUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "gateway_unavailable", "message": err.Error()})
	case errors.Is(err, ErrNoGateway):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "gateway_not_configured", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
	}
}

func parseLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	return limit
}
