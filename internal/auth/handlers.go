package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/address"
)

// Handler provides HTTP endpoints for auth management
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up the public auth routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/info", h.Info)
	r.GET("/auth/challenge", h.Challenge)
	r.POST("/auth/login", h.Login)
}

// RegisterProtectedRoutes sets up routes that need an API key
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/auth/me", h.GetCurrentParty)
	r.GET("/auth/keys", h.ListKeys)
	r.POST("/auth/keys", h.CreateKey)
	r.DELETE("/auth/keys/:keyId", h.RevokeKey)
	r.POST("/auth/keys/:keyId/regenerate", h.RegenerateKey)
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":      "api_key",
		"header":    "Authorization: Bearer sk_...",
		"altHeader": "X-API-Key: sk_...",
		"login":     "GET /v1/auth/challenge?address=T..., sign the message with personal_sign, POST /v1/auth/login",
		"publicEndpoints": []string{
			"GET /v1/escrow/:id",
			"GET /v1/escrow/:id/events",
			"GET /v1/escrow/settings",
			"GET /v1/escrow/custody/balance",
			"GET /v1/parties/:address/escrows",
		},
		"protectedEndpoints": []string{
			"POST /v1/escrow",
			"POST /v1/escrow/:id/confirm",
			"POST /v1/escrow/:id/approve",
			"POST /v1/escrow/:id/dispute",
			"POST /v1/escrow/:id/refund",
			"POST /v1/escrow/:id/resolve",
			"PUT /v1/admin/escrow/*",
		},
	})
}

// Challenge returns the message a wallet must sign to log in
func (h *Handler) Challenge(c *gin.Context) {
	addr, err := address.Parse(c.Query("address"))
	if err != nil || addr.IsZero() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address query parameter must be a valid account",
		})
		return
	}

	issued := h.manager.now()
	c.JSON(http.StatusOK, gin.H{
		"address":   addr,
		"issuedAt":  issued.Unix(),
		"message":   LoginMessage(addr, issued),
		"expiresIn": int(LoginWindow.Seconds()),
	})
}

// LoginRequest is the request body for a wallet login
type LoginRequest struct {
	Address   string `json:"address" binding:"required"`
	IssuedAt  int64  `json:"issuedAt" binding:"required"`
	Signature string `json:"signature" binding:"required"`
	Name      string `json:"name"`
}

// Login exchanges a signed challenge for an API key
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "address, issuedAt and signature are required",
		})
		return
	}
	addr, err := address.Parse(req.Address)
	if err != nil || addr.IsZero() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address is not a valid account",
		})
		return
	}

	rawKey, key, err := h.manager.Login(c.Request.Context(), addr, req.IssuedAt, req.Signature, req.Name)
	switch {
	case errors.Is(err, ErrLoginExpired), errors.Is(err, ErrLoginReplayed), errors.Is(err, ErrInvalidSignature):
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "login_failed",
			"message": err.Error(),
		})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to issue API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   key.ID,
		"address": key.Address,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// ListKeys returns API keys for the authenticated address
func (h *Handler) ListKeys(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keys, err := h.manager.ListKeys(c.Request.Context(), key.Address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to list keys",
		})
		return
	}

	// Don't expose hashes
	safeKeys := make([]gin.H, len(keys))
	for i, k := range keys {
		safeKeys[i] = gin.H{
			"id":        k.ID,
			"name":      k.Name,
			"createdAt": k.CreatedAt,
			"lastUsed":  k.LastUsed,
			"revoked":   k.Revoked,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"keys":  safeKeys,
		"count": len(safeKeys),
	})
}

// CreateKeyRequest is the request body for creating a key
type CreateKeyRequest struct {
	Name string `json:"name"`
}

// CreateKey creates an additional API key for the caller
func (h *Handler) CreateKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req CreateKeyRequest
	_ = c.ShouldBindJSON(&req)
	if req.Name == "" {
		req.Name = "Additional key"
	}

	rawKey, newKey, err := h.manager.GenerateKey(c.Request.Context(), key.Address, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "failed to create key",
			"message": "Failed to create API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   newKey.ID,
		"name":    newKey.Name,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey revokes an API key
func (h *Handler) RevokeKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keyID := c.Param("keyId")
	if keyID == key.ID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), keyID, key.Address); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "key_not_found",
			"message": "Key not found or already revoked",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Key revoked",
		"keyId":   keyID,
	})
}

// RegenerateKey revokes a key and issues a replacement
func (h *Handler) RegenerateKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keyID := c.Param("keyId")
	if err := h.manager.RevokeKey(c.Request.Context(), keyID, key.Address); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "key_not_found",
			"message": "Key not found or already revoked",
		})
		return
	}

	rawKey, newKey, err := h.manager.GenerateKey(c.Request.Context(), key.Address, "Regenerated key")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "failed to regenerate",
			"message": "Failed to regenerate API key",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"apiKey":   rawKey,
		"keyId":    newKey.ID,
		"oldKeyId": keyID,
		"warning":  "Store this key securely. It will not be shown again.",
	})
}

// GetCurrentParty returns info about the authenticated address
func (h *Handler) GetCurrentParty(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address":   key.Address,
		"hex":       key.Address.Hex(),
		"keyId":     key.ID,
		"keyName":   key.Name,
		"createdAt": key.CreatedAt,
		"lastUsed":  key.LastUsed,
	})
}
