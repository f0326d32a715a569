package notify

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler exposes subscription management and the WebSocket endpoint.
type Handler struct {
	store         Store
	hub           *Hub
	defaultSecret string
}

func NewHandler(store Store, hub *Hub) *Handler {
	return &Handler{store: store, hub: hub}
}

// WithDefaultSecret sets the signing key used when a subscription does not
// supply its own.
func (h *Handler) WithDefaultSecret(secret string) *Handler {
	h.defaultSecret = secret
	return h
}

// RegisterProtectedRoutes registers authenticated endpoints.
func (h *Handler) RegisterProtectedRoutes(r gin.IRoutes) {
	r.POST("/notifications/subscriptions", h.create)
	r.GET("/notifications/subscriptions", h.list)
	r.DELETE("/notifications/subscriptions/:id", h.delete)
	r.GET("/ws", h.websocket)
}

func (h *Handler) create(c *gin.Context) {
	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	secret := req.Secret
	if secret == "" {
		secret = h.defaultSecret
	}

	sub := &Subscription{
		ID:        generateSubscriptionID(),
		UserID:    c.GetString("authUserID"),
		URL:       req.URL,
		Secret:    secret,
		Events:    req.Events,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (h *Handler) list(c *gin.Context) {
	subs, err := h.store.ListByUser(c.Request.Context(), c.GetString("authUserID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs, "count": len(subs)})
}

func (h *Handler) delete(c *gin.Context) {
	sub, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
		return
	}
	if sub.UserID != c.GetString("authUserID") {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": ErrNotOwner.Error()})
		return
	}
	if err := h.store.Delete(c.Request.Context(), sub.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": sub.ID})
}

func (h *Handler) websocket(c *gin.Context) {
	h.hub.HandleWebSocket(c.Writer, c.Request)
}
