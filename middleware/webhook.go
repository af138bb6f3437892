package middleware

import (
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
)

// InternalApiAuth guards the internal endpoints with a shared bearer
// secret. External webhook endpoints authenticate their own way
// (provider signatures) and do not use this.
func InternalApiAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		internalSecret := os.Getenv("HOOKHUB_INTERNAL_SECRET")
		authHeader := c.Request.Header.Get("Authorization")
		if authHeader == "" {
			c.String(http.StatusForbidden, "No Authorization header provided")
			c.Abort()
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if internalSecret == "" || token != internalSecret {
			c.String(http.StatusForbidden, "invalid token")
			c.Abort()
			return
		}
		c.Next()
	}
}
