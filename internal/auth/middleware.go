package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/address"
)

const (
	// ContextKeyAPIKey is the key for storing API key in gin context
	ContextKeyAPIKey = "apiKey"
	// ContextKeyCaller holds the authenticated address in base58 form
	ContextKeyCaller = "authCaller"
)

// Middleware extracts and validates API key from request.
// Sets apiKey and authCaller in context if valid.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}

		if apiKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), apiKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyCaller, key.Address.String())
			}
		}

		c.Next()
	}
}

// RequireAuth middleware rejects requests without valid auth
func RequireAuth(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyAPIKey); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireOwnership middleware requires auth AND ownership of the address param
func RequireOwnership(m *Manager, paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := GetAPIKey(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required.",
			})
			return
		}

		target, err := address.Parse(c.Param(paramName))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "Path address is not a valid account",
			})
			return
		}
		if key.Address != target {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "You do not own this address.",
			})
			return
		}

		c.Next()
	}
}

// GetAPIKey returns the API key from context (if authenticated)
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	v, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	key, ok := v.(*APIKey)
	return key, ok
}

// GetAuthenticatedAddress returns the authenticated address, or the zero
// address for anonymous requests.
func GetAuthenticatedAddress(c *gin.Context) address.Address {
	key, ok := GetAPIKey(c)
	if !ok {
		return address.Zero
	}
	return key.Address
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyAPIKey)
	return exists
}
