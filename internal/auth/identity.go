// Package auth resolves the caller identity for internal requests. The
// engine sits behind the platform's main application, which authenticates
// members itself and forwards their identity in trusted headers.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	headerUserID   = "X-User-ID"
	headerTenantID = "X-Tenant-ID"
	headerToken    = "X-Internal-Token"

	ctxUserID   = "auth.user_id"
	ctxTenantID = "auth.tenant_id"
)

// Identity validates the forwarded identity headers and stores the caller
// on the request context. When internalToken is non-empty every request
// must also carry the matching service token.
func Identity(internalToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if internalToken != "" {
			got := c.GetHeader(headerToken)
			if subtle.ConstantTimeCompare([]byte(got), []byte(internalToken)) != 1 {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid service token"})
				return
			}
		}

		userID, err := strconv.ParseInt(c.GetHeader(headerUserID), 10, 64)
		if err != nil || userID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid user identity"})
			return
		}

		var tenantID int64
		if raw := c.GetHeader(headerTenantID); raw != "" {
			tenantID, err = strconv.ParseInt(raw, 10, 64)
			if err != nil || tenantID < 0 {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid tenant id"})
				return
			}
		}

		c.Set(ctxUserID, userID)
		c.Set(ctxTenantID, tenantID)
		c.Next()
	}
}

// UserID returns the authenticated caller's member id.
func UserID(c *gin.Context) int64 {
	if v, ok := c.Get(ctxUserID); ok {
		if id, ok := v.(int64); ok {
			return id
		}
	}
	return 0
}

// TenantID returns the caller's tenant id; zero means unspecified and is
// resolved to the default tenant downstream.
func TenantID(c *gin.Context) int64 {
	if v, ok := c.Get(ctxTenantID); ok {
		if id, ok := v.(int64); ok {
			return id
		}
	}
	return 0
}
