package core

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AdminOnly ensures the signed-in user is an admin. It must run after RequireLogin.
func AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := currentUser(c)
		if !ok || !u.IsAdmin() {
			respondError(c, http.StatusForbidden, "FORBIDDEN", "admin role required")
			c.Abort()
			return
		}
		c.Next()
	}
}
