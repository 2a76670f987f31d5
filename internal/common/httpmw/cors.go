package httpmw

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CORS applies an exact-match origin allow-list. Requests without an Origin
// header (non-browser clients) pass through; disallowed origins are rejected
// with 403.
func CORS(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		c.Writer.Header().Add("Vary", "Origin")

		if origin == "" {
			c.Next()
			return
		}

		if !allowed[origin] {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"ok": false, "error": "origin not allowed"})
			return
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
