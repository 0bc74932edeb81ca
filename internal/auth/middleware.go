package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const principalKey = "auth.principal"

type TokenVerifier interface {
	Verify(token string) (*Principal, error)
}

// Middleware rejects requests without a valid bearer token and stores the caller on the
// context. onError writes the rejection.
func Middleware(v TokenVerifier, onError func(c *gin.Context, status int, msg string)) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			// Browsers cannot set headers on EventSource or WebSocket requests.
			token = c.Query("access_token")
		}
		if token == "" {
			onError(c, http.StatusUnauthorized, "Missing or invalid authorization header")
			c.Abort()
			return
		}

		p, err := v.Verify(token)
		if err != nil {
			onError(c, http.StatusUnauthorized, "Invalid or expired token")
			c.Abort()
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

func PrincipalFrom(c *gin.Context) (*Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}
