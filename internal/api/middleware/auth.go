package middleware

import (
	"net/http"

	"github.com/evetabi/slotmine/internal/ws"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// ContextKey constants for gin.Context values set by middleware.
const (
	CtxUserID = "userID"
)

// AdminKeyHeader carries the back-office API key.
const AdminKeyHeader = "X-Admin-Key"

// ──────────────────────────────────────────────────────────────────────────────
// JWTMiddleware
// ──────────────────────────────────────────────────────────────────────────────

// JWTMiddleware requires a valid access token (Bearer header or ?token=) and
// stores the caller's user id (uuid.UUID) in the gin context.  Tokens are
// verified by the same resolver the WebSocket upgrade uses.
func JWTMiddleware(resolver *ws.IdentityResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := resolver.Resolve(c.Request)
		if identity == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "missing or invalid access token",
				"code":    "ERR_UNAUTHORIZED",
			})
			return
		}
		userID, err := uuid.Parse(identity)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "invalid token subject",
				"code":    "ERR_UNAUTHORIZED",
			})
			return
		}
		c.Set(CtxUserID, userID)
		c.Next()
	}
}

// GetUserID retrieves the authenticated user's UUID from the gin context.
// Returns uuid.Nil if the middleware was not applied or the value is missing.
func GetUserID(c *gin.Context) uuid.UUID {
	v, exists := c.Get(CtxUserID)
	if !exists {
		return uuid.Nil
	}
	id, _ := v.(uuid.UUID)
	return id
}

// ──────────────────────────────────────────────────────────────────────────────
// AdminKeyMiddleware
// ──────────────────────────────────────────────────────────────────────────────

// AdminKeyMiddleware compares the X-Admin-Key header against a bcrypt hash.
// An empty hash disables the check (development only; config validation
// requires a hash in production).
func AdminKeyMiddleware(hash string) gin.HandlerFunc {
	if hash == "" {
		return func(c *gin.Context) { c.Next() }
	}
	hashed := []byte(hash)
	return func(c *gin.Context) {
		key := c.GetHeader(AdminKeyHeader)
		if key == "" || bcrypt.CompareHashAndPassword(hashed, []byte(key)) != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "invalid admin key",
				"code":    "ERR_UNAUTHORIZED",
			})
			return
		}
		c.Next()
	}
}
