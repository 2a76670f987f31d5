package httpmw

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// BearerAuth enforces a single API bearer token on every request. An empty
// token disables authentication. WebSocket upgrades may pass the token as a
// ?token= query parameter instead of a header.
func BearerAuth(apiToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiToken == "" {
			c.Next()
			return
		}

		presented := ""
		if h := c.GetHeader("Authorization"); h != "" {
			if strings.HasPrefix(h, "Bearer ") {
				presented = strings.TrimPrefix(h, "Bearer ")
			}
		} else if q := c.Query("token"); q != "" && isUpgradeRequest(c.Request) {
			presented = q
		}

		if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(apiToken)) != 1 {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
			return
		}

		c.Next()
	}
}

func isUpgradeRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
