package middlewares

import (
	"context"
	"net/http"
	"strings"

	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/gin-gonic/gin"
)

type authString string

// AuthMiddleware requires a bearer JWT and puts its actor and tenant on the
// request context.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.Request.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			abortUnauthorized(c, "bearer token required")
			return
		}

		claims, err := utils.JwtValidate(strings.TrimSpace(token))
		if err != nil {
			abortUnauthorized(c, "invalid or expired token")
			return
		}

		ctx := context.WithValue(c.Request.Context(), authString("auth"), claims)
		ctx = utils.SetTokenInContext(ctx, claims.ID)
		ctx = utils.SetTenantIdInContext(ctx, claims.TenantId)
		ctx = utils.SetActorInContext(ctx, claims.Actor())
		ctx = utils.SetAdminInContext(ctx, claims.Admin)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func CtxValue(ctx context.Context) *utils.JwtCustomClaim {
	raw, _ := ctx.Value(authString("auth")).(*utils.JwtCustomClaim)
	return raw
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{
		"kind":    "UNAUTHORIZED",
		"code":    "unauthorized",
		"message": msg,
	}})
}
