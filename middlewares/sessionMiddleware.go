package middlewares

import (
	"time"

	"bitbucket.org/mmdatafocus/repogen/config"
	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/gin-gonic/gin"
)

const revokedTokenPrefix = "Token:Revoked:"

// SessionMiddleware rejects tokens whose id was revoked before expiry. It
// runs after AuthMiddleware; without redis every token is accepted.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenId, ok := utils.GetTokenFromContext(c.Request.Context())
		if !ok || tokenId == "" {
			c.Next()
			return
		}
		var revoked bool
		exists, err := config.GetRedisObject(revokedTokenPrefix+tokenId, &revoked)
		if err == nil && exists && revoked {
			abortUnauthorized(c, "token revoked")
			return
		}
		c.Next()
	}
}

// RevokeToken marks a token id revoked until its expiry.
func RevokeToken(tokenId string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return config.SetRedisObject(revokedTokenPrefix+tokenId, true, ttl)
}
