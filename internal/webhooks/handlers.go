package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mbd888/escrowd/internal/address"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/security"
)

// MaxSubscriptionsPerAddress caps how many webhooks one party may register.
const MaxSubscriptionsPerAddress = 10

var knownEvents = map[EventType]bool{
	AllEvents: true,
}

func init() {
	for _, t := range []escrow.EventType{
		escrow.EventTransactionCreated, escrow.EventDeliveryConfirmed, escrow.EventReleaseApproved,
		escrow.EventDisputeRaised, escrow.EventDisputeResolved, escrow.EventFundsReleased,
		escrow.EventTransactionRefunded, escrow.EventEmergencyWithdrawal,
	} {
		knownEvents[EventType(t)] = true
	}
}

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store        Store
	urlValidator func(string) error
}

// NewHandler creates a new webhook handler
func NewHandler(store Store) *Handler {
	return &Handler{
		store:        store,
		urlValidator: security.ValidateEndpointURL,
	}
}

// WithURLValidator replaces the check applied to submitted callback URLs.
func (h *Handler) WithURLValidator(fn func(string) error) *Handler {
	h.urlValidator = fn
	return h
}

// RegisterRoutes sets up webhook routes. The caller guards them with
// auth.RequireOwnership on :address.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, guard ...gin.HandlerFunc) {
	g := r.Group("/parties/:address/webhooks", guard...)
	g.POST("", h.CreateWebhook)
	g.GET("", h.ListWebhooks)
	g.DELETE("/:webhookId", h.DeleteWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required"`
}

// CreateWebhook handles POST /parties/:address/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	addr, ok := pathAddress(c)
	if !ok {
		return
	}

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Events) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "url and a non-empty events list are required",
		})
		return
	}
	if err := h.urlValidator(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	events := make([]EventType, 0, len(req.Events))
	for _, e := range req.Events {
		et := EventType(e)
		if !knownEvents[et] {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_event",
				"message": "unknown event type " + e,
			})
			return
		}
		events = append(events, et)
	}

	existing, err := h.store.GetByAddress(c.Request.Context(), addr)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}
	if len(existing) >= MaxSubscriptionsPerAddress {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "limit_reached",
			"message": "Too many webhooks for this address",
		})
		return
	}

	secret := generateSecret()
	sub := &Subscription{
		ID:        "wh_" + uuid.NewString(),
		Address:   addr,
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // Only shown once!
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(payload, secret)",
			"header":    "X-Escrow-Signature",
		},
	})
}

// ListWebhooks handles GET /parties/:address/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	addr, ok := pathAddress(c)
	if !ok {
		return
	}

	subs, err := h.store.GetByAddress(c.Request.Context(), addr)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhooks",
		})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}

	c.JSON(http.StatusOK, gin.H{
		"webhooks": subs,
		"count":    len(subs),
	})
}

// DeleteWebhook handles DELETE /parties/:address/webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	addr, ok := pathAddress(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	sub, err := h.store.Get(ctx, c.Param("webhookId"))
	if errors.Is(err, ErrNotFound) || (err == nil && sub.Address != addr) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook not found",
		})
		return
	}
	if err == nil {
		err = h.store.Delete(ctx, sub.ID)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Webhook deleted",
	})
}

func pathAddress(c *gin.Context) (address.Address, bool) {
	addr, err := address.Parse(c.Param("address"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "Path address is not a valid account",
		})
		return address.Zero, false
	}
	return addr, true
}

func generateSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
