package credits

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler exposes credit ledger and subscription endpoints.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers public endpoints.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/credits/plans", h.plans)
}

// RegisterProtectedRoutes registers authenticated endpoints.
func (h *Handler) RegisterProtectedRoutes(r gin.IRoutes) {
	r.GET("/credits/balance", h.balance)
	r.GET("/credits/history", h.history)
	r.POST("/credits/use", h.use)
	r.GET("/subscription", h.subscription)
	r.POST("/subscription/cancel", h.cancelSubscription)
}

// RegisterAdminRoutes registers admin endpoints.
func (h *Handler) RegisterAdminRoutes(r gin.IRoutes) {
	r.POST("/users/:id/credits/bonus", h.addBonus)
	r.POST("/users/:id/credits/refund", h.refund)
}

func (h *Handler) plans(c *gin.Context) {
	plans := make([]Plan, 0, len(Plans))
	for _, p := range Plans {
		plans = append(plans, p)
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

func (h *Handler) balance(c *gin.Context) {
	bal, err := h.service.Balance(c.Request.Context(), c.GetString("authUserID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"balance":   bal,
		"available": bal.Available(),
	})
}

func (h *Handler) history(c *gin.Context) {
	entries, err := h.service.History(c.Request.Context(), c.GetString("authUserID"), parseLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": entries, "count": len(entries)})
}

func (h *Handler) use(c *gin.Context) {
	var req UseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	bal, err := h.service.Use(c.Request.Context(), c.GetString("authUserID"), req.Amount, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal, "available": bal.Available()})
}

func (h *Handler) subscription(c *gin.Context) {
	sub, err := h.service.Subscription(c.Request.Context(), c.GetString("authUserID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (h *Handler) cancelSubscription(c *gin.Context) {
	sub, err := h.service.CancelSubscription(c.Request.Context(), c.GetString("authUserID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (h *Handler) addBonus(c *gin.Context) {
	var req GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	bal, err := h.service.AddBonus(c.Request.Context(), c.Param("id"), req.Amount, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal, "available": bal.Available()})
}

func (h *Handler) refund(c *gin.Context) {
	var req GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	bal, err := h.service.Refund(c.Request.Context(), c.Param("id"), req.Amount, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal, "available": bal.Available()})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNoSubscription):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrInsufficientCredits):
		c.JSON(http.StatusForbidden, gin.H{"error": "insufficient_credits", "message": err.Error()})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrUnknownPlan):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrInvalidRefund), errors.Is(err, ErrSubscriptionExists):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
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
