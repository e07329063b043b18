package app

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const metricsRealm = `Basic realm="metrics", charset="UTF-8"`

// metricsAuthMiddleware guards /metrics with Basic Auth. An empty password
// leaves the endpoint open.
func metricsAuthMiddleware(username, password string) gin.HandlerFunc {
	if password == "" {
		return func(c *gin.Context) { c.Next() }
	}

	wantUser := []byte(username)
	wantPass := []byte(password)

	return func(c *gin.Context) {
		user, pass, ok := c.Request.BasicAuth()
		// Evaluate both comparisons so timing does not reveal which one failed.
		userOK := subtle.ConstantTimeCompare([]byte(user), wantUser)
		passOK := subtle.ConstantTimeCompare([]byte(pass), wantPass)
		if !ok || userOK&passOK != 1 {
			c.Header("WWW-Authenticate", metricsRealm)
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
}
