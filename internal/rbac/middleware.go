package rbac

import (
	"net/http"

	"outbound-caller/internal/auth"

	"github.com/gin-gonic/gin"
)

// Allowed reports whether role passes a check that admits allowed.
func Allowed(role string, allowed ...string) bool {
	if IsSuperAdmin(role) {
		return true
	}
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

// RequireAnyRole gates a route on the caller's role. It must run after the
// auth token middleware: a request without an identity is a 401, a known
// caller with the wrong role a 403.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowed = append([]string(nil), allowed...)
	return func(c *gin.Context) {
		id, ok := auth.IdentityFrom(c.Request.Context())
		if !ok || id.Role == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}
		if !Allowed(id.Role, allowed...) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
