package transactions

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for the transaction workflow.
type Handler struct {
	service *Service
}

// NewHandler creates a new transaction handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up protected (auth-required) transaction routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/transactions/:id", h.Get)
	r.GET("/transactions/:id/timeline", h.Timeline)
	r.GET("/users/:id/transactions", h.ListByUser)
	r.POST("/transactions/:id/accept-terms", h.AcceptTerms)
	r.POST("/transactions/:id/deposit", h.RecordDeposit)
	r.POST("/transactions/:id/approve", h.Approve)
	r.POST("/transactions/:id/final-payment", h.RecordFinalPayment)
	r.POST("/transactions/:id/cancel", h.Cancel)
	r.POST("/transactions/:id/dispute", h.OpenDispute)
}

// RegisterAdminRoutes sets up admin-only transaction routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/transactions", h.ListByStatus)
	r.POST("/transactions/:id/verify-deposit", h.VerifyDeposit)
	r.POST("/transactions/:id/approve", h.AdminApprove)
	r.POST("/transactions/:id/verify-final-payment", h.VerifyFinalPayment)
	r.POST("/transactions/:id/complete", h.Complete)
	r.POST("/transactions/:id/cancel", h.AdminCancel)
	r.POST("/transactions/:id/resolve-dispute", h.ResolveDispute)
}

// Get handles GET /v1/transactions/:id
func (h *Handler) Get(c *gin.Context) {
	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "internal_error")
		return
	}
	if callerID := c.GetString("authUserID"); callerID != "" &&
		callerID != t.BuyerID && callerID != t.SellerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Not a party to this transaction",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// Timeline handles GET /v1/transactions/:id/timeline
func (h *Handler) Timeline(c *gin.Context) {
	entries, err := h.service.Timeline(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "internal_error")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"timeline": entries,
		"count":    len(entries),
	})
}

// ListByUser handles GET /v1/users/:id/transactions
func (h *Handler) ListByUser(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 50, 200)

	ts, err := h.service.ListByUser(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": ts,
		"count":        len(ts),
	})
}

// ListByStatus handles GET /v1/admin/transactions?status=
func (h *Handler) ListByStatus(c *gin.Context) {
	status := Status(c.Query("status"))
	if status == "" {
		status = StatusAdminFinalReview
	}
	limit := parseLimit(c.Query("limit"), 50, 200)

	ts, err := h.service.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": ts,
		"count":        len(ts),
	})
}

// AcceptTerms handles POST /v1/transactions/:id/accept-terms. The caller's
// role picks which flag is set.
func (h *Handler) AcceptTerms(c *gin.Context) {
	callerID := c.GetString("authUserID")

	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "accept_terms_failed")
		return
	}

	switch callerID {
	case t.BuyerID:
		t, err = h.service.BuyerAcceptTerms(c.Request.Context(), t.ID, callerID)
	case t.SellerID:
		t, err = h.service.SellerAcceptTerms(c.Request.Context(), t.ID, callerID)
	default:
		err = ErrUnauthorized
	}
	if err != nil {
		h.writeError(c, err, "accept_terms_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// RecordDeposit handles POST /v1/transactions/:id/deposit
func (h *Handler) RecordDeposit(c *gin.Context) {
	var req RecordDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	callerID := c.GetString("authUserID")

	t, err := h.service.RecordDeposit(c.Request.Context(), c.Param("id"), callerID, req)
	if err != nil {
		h.writeError(c, err, "deposit_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// Approve handles POST /v1/transactions/:id/approve (buyer or seller).
func (h *Handler) Approve(c *gin.Context) {
	callerID := c.GetString("authUserID")

	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "approve_failed")
		return
	}

	switch callerID {
	case t.BuyerID:
		t, err = h.service.BuyerApprove(c.Request.Context(), t.ID, callerID)
	case t.SellerID:
		t, err = h.service.SellerApprove(c.Request.Context(), t.ID, callerID)
	default:
		err = ErrUnauthorized
	}
	if err != nil {
		h.writeError(c, err, "approve_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// RecordFinalPayment handles POST /v1/transactions/:id/final-payment
func (h *Handler) RecordFinalPayment(c *gin.Context) {
	var req RecordDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	callerID := c.GetString("authUserID")

	t, err := h.service.RecordFinalPayment(c.Request.Context(), c.Param("id"), callerID, req)
	if err != nil {
		h.writeError(c, err, "final_payment_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// Cancel handles POST /v1/transactions/:id/cancel (buyer or seller).
func (h *Handler) Cancel(c *gin.Context) {
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	callerID := c.GetString("authUserID")

	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "cancel_failed")
		return
	}
	if callerID != t.BuyerID && callerID != t.SellerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Not a party to this transaction",
		})
		return
	}

	t, err = h.service.Cancel(c.Request.Context(), t.ID, callerID, req)
	if err != nil {
		h.writeError(c, err, "cancel_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// AdminCancel handles POST /v1/admin/transactions/:id/cancel
func (h *Handler) AdminCancel(c *gin.Context) {
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	t, err := h.service.Cancel(c.Request.Context(), c.Param("id"), "admin", req)
	if err != nil {
		h.writeError(c, err, "cancel_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// OpenDispute handles POST /v1/transactions/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	callerID := c.GetString("authUserID")

	t, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"), callerID, req)
	if err != nil {
		h.writeError(c, err, "dispute_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// VerifyDeposit handles POST /v1/admin/transactions/:id/verify-deposit
func (h *Handler) VerifyDeposit(c *gin.Context) {
	t, err := h.service.VerifyDeposit(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "verify_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// AdminApprove handles POST /v1/admin/transactions/:id/approve
func (h *Handler) AdminApprove(c *gin.Context) {
	t, err := h.service.AdminApprove(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "approve_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// VerifyFinalPayment handles POST /v1/admin/transactions/:id/verify-final-payment
func (h *Handler) VerifyFinalPayment(c *gin.Context) {
	t, err := h.service.VerifyFinalPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "verify_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// Complete handles POST /v1/admin/transactions/:id/complete
func (h *Handler) Complete(c *gin.Context) {
	t, err := h.service.Complete(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "complete_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// ResolveDispute handles POST /v1/admin/transactions/:id/resolve-dispute
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	t, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.writeError(c, err, "resolve_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

func (h *Handler) writeError(c *gin.Context, err error, fallback string) {
	status := http.StatusInternalServerError
	code := fallback
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrInvalidStatus):
		status = http.StatusForbidden
		code = "invalid_status"
	case errors.Is(err, ErrInvalidMethod):
		status = http.StatusBadRequest
		code = "invalid_method"
	case errors.Is(err, ErrDisputed):
		status = http.StatusConflict
		code = "disputed"
	case errors.Is(err, ErrTerminal):
		status = http.StatusConflict
		code = "terminal"
	case errors.Is(err, ErrConflict):
		status = http.StatusConflict
		code = "conflict"
	case errors.Is(err, ErrDepositRecorded):
		status = http.StatusConflict
		code = "deposit_recorded"
	case errors.Is(err, ErrNoOpenDispute):
		status = http.StatusConflict
		code = "no_open_dispute"
	case errors.Is(err, ErrDuplicateOffer):
		status = http.StatusConflict
		code = "duplicate_offer"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

func parseLimit(s string, def, max int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
