// Package auth guards operator endpoints with a shared admin secret.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeaderAdminSecret carries the operator secret on admin requests.
const HeaderAdminSecret = "X-Admin-Secret"

// ContextKeyAdmin is set to true in the gin context once a request passed
// RequireAdmin.
const ContextKeyAdmin = "isAdmin"

// RequireAdmin rejects requests whose X-Admin-Secret header does not match
// secret. With an empty secret, requests pass only in demo mode; outside demo
// mode the admin surface is closed.
func RequireAdmin(secret string, demo bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			if !demo {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "admin_disabled",
					"message": "Admin endpoints require ADMIN_SECRET to be configured",
				})
				return
			}
			c.Set(ContextKeyAdmin, true)
			c.Next()
			return
		}

		given := c.GetHeader(HeaderAdminSecret)
		if given == "" || subtle.ConstantTimeCompare([]byte(given), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Valid X-Admin-Secret header required",
			})
			return
		}
		c.Set(ContextKeyAdmin, true)
		c.Next()
	}
}

// IsAdmin reports whether the request passed RequireAdmin.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ContextKeyAdmin)
}
