package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const ContextSubjectKey = "auth_subject"

func Middleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractBearer(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "missing token"})
			return
		}

		claims, err := ParseJWT(token, secret)
		if err != nil || claims.Subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "invalid token"})
			return
		}

		c.Set(ContextSubjectKey, claims.Subject)
		c.Next()
	}
}

// Subject returns the authenticated subject set by Middleware.
func Subject(c *gin.Context) (string, bool) {
	v, ok := c.Get(ContextSubjectKey)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}
