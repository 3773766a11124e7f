package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeaderAPIKey carries the tenant API key on every protected request.
const HeaderAPIKey = "X-API-Key"

// APIKeyMiddleware guards a route group with a shared key. An empty
// configured key leaves the group open, which is how local dev runs.
func APIKeyMiddleware(key string) gin.HandlerFunc {
	want := []byte(key)
	return func(c *gin.Context) {
		if len(want) == 0 {
			c.Next()
			return
		}

		got := []byte(c.GetHeader(HeaderAPIKey))
		switch {
		case len(got) == 0:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "api key required"})
		case subtle.ConstantTimeCompare(got, want) != 1:
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "api key rejected"})
		default:
			c.Next()
		}
	}
}
