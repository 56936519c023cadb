package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// DefaultAPIKeyHeader is the HTTP header inspected for the client credential
// when no custom header name is provided.
const DefaultAPIKeyHeader = "Authorization"

// APIKeyConfig captures the knobs for API key authentication.
type APIKeyConfig struct {
	// HeaderName is the HTTP header inspected for the key. Defaults to
	// DefaultAPIKeyHeader when empty.
	HeaderName string
	// Key is the expected credential. When empty the middleware rejects
	// every request rather than silently allowing traffic.
	Key string
}

// APIKeyAuth returns a Gin middleware that requires the configured key on
// every request. The header value may be the bare key or "Bearer <key>",
// which is how most identity providers send SCIM credentials.
func APIKeyAuth(cfg APIKeyConfig) gin.HandlerFunc {
	headerName := cfg.HeaderName
	if headerName == "" {
		headerName = DefaultAPIKeyHeader
	}

	return func(c *gin.Context) {
		presented := c.GetHeader(headerName)
		presented = strings.TrimPrefix(presented, "Bearer ")

		if cfg.Key == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(cfg.Key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or missing credentials",
			})
			return
		}

		c.Next()
	}
}
