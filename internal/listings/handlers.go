package listings

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for listings.
type Handler struct {
	service *Service
}

// NewHandler creates a new listing handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) listing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/listings", h.ListActive)
	r.GET("/listings/:id", h.Get)
}

// RegisterProtectedRoutes sets up protected (auth-required) listing routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/listings", h.Create)
	r.GET("/sellers/:id/listings", h.ListBySeller)
	r.POST("/listings/:id/remove", h.Remove)
}

// RegisterAdminRoutes sets up admin-only listing routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/listings/:id/waive-fee", h.WaiveFee)
}

// Create handles POST /v1/listings
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
	if callerID != "" && callerID != req.SellerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Authenticated user must be the seller",
		})
		return
	}

	l, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "listing_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"listing": l})
}

// Get handles GET /v1/listings/:id
func (h *Handler) Get(c *gin.Context) {
	l, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Listing not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"listing": l})
}

// ListActive handles GET /v1/listings
func (h *Handler) ListActive(c *gin.Context) {
	authorityType := c.Query("type")
	limit := parseLimit(c.Query("limit"), 50, 200)

	ls, err := h.service.ListActive(c.Request.Context(), authorityType, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"listings": ls,
		"count":    len(ls),
	})
}

// ListBySeller handles GET /v1/sellers/:id/listings
func (h *Handler) ListBySeller(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 50, 200)

	ls, err := h.service.ListBySeller(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"listings": ls,
		"count":    len(ls),
	})
}

// Remove handles POST /v1/listings/:id/remove
func (h *Handler) Remove(c *gin.Context) {
	callerID := c.GetString("authUserID")

	err := h.service.Remove(c.Request.Context(), c.Param("id"), callerID)
	if err != nil {
		status := http.StatusInternalServerError
		code := "remove_failed"
		switch {
		case errors.Is(err, ErrNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrNotOwner):
			status = http.StatusForbidden
			code = "unauthorized"
		case errors.Is(err, ErrInvalidStatus):
			status = http.StatusConflict
			code = "invalid_status"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

// WaiveFee handles POST /v1/admin/listings/:id/waive-fee
func (h *Handler) WaiveFee(c *gin.Context) {
	err := h.service.WaiveFee(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		code := "waive_failed"
		switch {
		case errors.Is(err, ErrNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrInvalidStatus):
			status = http.StatusConflict
			code = "invalid_status"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "active"})
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
