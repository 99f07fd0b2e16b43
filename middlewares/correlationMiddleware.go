package middlewares

import (
	"strings"

	"bitbucket.org/mmdatafocus/repogen/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const CorrelationHeader = "X-Correlation-Id"

// CorrelationMiddleware propagates the caller's correlation id, or assigns
// one, and echoes it on the response.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(CorrelationHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), id))
		c.Header(CorrelationHeader, id)
		c.Next()
	}
}
