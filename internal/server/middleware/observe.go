package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"commitment-escrow/backend/internal/observability"
)

// Observe stores the client IP in the request context and records request metrics.
func Observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Request = c.Request.WithContext(WithClientIP(c.Request.Context(), c.ClientIP()))
		c.Next()
		observability.ObserveRequest(c.FullPath(), c.Request.Method, ResultCode(c).String(), start)
	}
}
