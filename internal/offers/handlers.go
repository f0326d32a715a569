package offers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for offer negotiation.
type Handler struct {
	service *Service
}

// NewHandler creates a new offer handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up protected (auth-required) offer routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/offers", h.Create)
	r.GET("/offers/:id", h.Get)
	r.POST("/offers/:id/accept", h.Accept)
	r.POST("/offers/:id/reject", h.Reject)
	r.POST("/offers/:id/counter", h.Counter)
	r.POST("/offers/:id/accept-counter", h.AcceptCounter)
	r.POST("/offers/:id/withdraw", h.Withdraw)
	r.GET("/listings/:id/offers", h.ListByListing)
	r.GET("/users/:id/offers", h.ListByUser)
}

// Create handles POST /v1/offers
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	callerID := c.GetString("authUserID")
	if callerID != "" && callerID != req.BuyerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Authenticated user must be the buyer",
		})
		return
	}

	o, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		status := http.StatusBadRequest
		code := "offer_failed"
		switch {
		case errors.Is(err, ErrListingUnavailable):
			status = http.StatusConflict
			code = "listing_unavailable"
		case errors.Is(err, ErrSelfOffer):
			status = http.StatusForbidden
			code = "self_offer"
		case errors.Is(err, ErrDuplicateOffer):
			status = http.StatusConflict
			code = "duplicate_offer"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"offer": o})
}

// Get handles GET /v1/offers/:id
func (h *Handler) Get(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Offer not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"offer": o})
}

// Accept handles POST /v1/offers/:id/accept
func (h *Handler) Accept(c *gin.Context) {
	callerID := c.GetString("authUserID")

	o, txnID, err := h.service.Accept(c.Request.Context(), c.Param("id"), callerID)
	if err != nil {
		h.writeError(c, err, "accept_failed")
		return
	}

	resp := gin.H{"offer": o}
	if txnID != "" {
		resp["transactionId"] = txnID
	}
	c.JSON(http.StatusOK, resp)
}

// Reject handles POST /v1/offers/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	callerID := c.GetString("authUserID")

	o, err := h.service.Reject(c.Request.Context(), c.Param("id"), callerID)
	if err != nil {
		h.writeError(c, err, "reject_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"offer": o})
}

// Counter handles POST /v1/offers/:id/counter
func (h *Handler) Counter(c *gin.Context) {
	var req CounterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	callerID := c.GetString("authUserID")

	o, err := h.service.Counter(c.Request.Context(), c.Param("id"), callerID, req)
	if err != nil {
		h.writeError(c, err, "counter_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"offer": o})
}

// AcceptCounter handles POST /v1/offers/:id/accept-counter
func (h *Handler) AcceptCounter(c *gin.Context) {
	callerID := c.GetString("authUserID")

	o, err := h.service.AcceptCounter(c.Request.Context(), c.Param("id"), callerID)
	if err != nil {
		h.writeError(c, err, "accept_counter_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"offer": o})
}

// Withdraw handles POST /v1/offers/:id/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	callerID := c.GetString("authUserID")

	o, err := h.service.Withdraw(c.Request.Context(), c.Param("id"), callerID)
	if err != nil {
		h.writeError(c, err, "withdraw_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"offer": o})
}

// ListByListing handles GET /v1/listings/:id/offers
func (h *Handler) ListByListing(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 50, 200)

	os, err := h.service.ListByListing(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"offers": os,
		"count":  len(os),
	})
}

// ListByUser handles GET /v1/users/:id/offers
func (h *Handler) ListByUser(c *gin.Context) {
	userID := c.Param("id")
	role := c.Query("role")
	limit := parseLimit(c.Query("limit"), 50, 200)

	var (
		os  []*Offer
		err error
	)
	if role == "seller" {
		os, err = h.service.ListBySeller(c.Request.Context(), userID, limit)
	} else {
		os, err = h.service.ListByBuyer(c.Request.Context(), userID, limit)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"offers": os,
		"count":  len(os),
	})
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
	case errors.Is(err, ErrExpired):
		status = http.StatusConflict
		code = "offer_expired"
	case errors.Is(err, ErrAcceptRace):
		status = http.StatusConflict
		code = "accept_conflict"
	case errors.Is(err, ErrListingUnavailable):
		status = http.StatusConflict
		code = "listing_unavailable"
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
