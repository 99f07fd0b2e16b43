package middlewares

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/repogen/config"
	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// RateLimitMiddleware is a fixed one-minute window per (tenant, actor) kept
// in redis. It fails open when redis is unavailable.
func RateLimitMiddleware(perMinute int) gin.HandlerFunc {
	return func(c *gin.Context) {
		rdb := config.GetRedisDB()
		if rdb == nil || perMinute <= 0 {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		tenantId, _ := utils.GetTenantIdFromContext(ctx)
		actor, _ := utils.GetActorFromContext(ctx)
		now := time.Now().UTC()
		key := fmt.Sprintf("ratelimit:%s:%s:%d", tenantId, actor.Id, now.Unix()/60)

		count, err := incrWindow(c, rdb, key)
		if err != nil {
			c.Next()
			return
		}
		remaining := perMinute - int(count)
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(perMinute))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if int(count) > perMinute {
			c.Header("Retry-After", strconv.Itoa(60-now.Second()))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": gin.H{
				"kind":    "RATE_LIMITED",
				"code":    "rate_limited",
				"message": "too many requests",
			}})
			return
		}
		c.Next()
	}
}

func incrWindow(c *gin.Context, rdb *redis.Client, key string) (int64, error) {
	pipe := rdb.TxPipeline()
	incr := pipe.Incr(c.Request.Context(), key)
	pipe.Expire(c.Request.Context(), key, 2*time.Minute)
	if _, err := pipe.Exec(c.Request.Context()); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
