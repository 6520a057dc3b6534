package middleware

import (
	"context"

	"github.com/gin-gonic/gin"

	"commitment-escrow/backend/internal/audit"
)

// Audit records an audit entry after each authenticated request. skipRoutes holds gin route
// patterns (e.g. /v1/challenges/:id/watch) that are not audited. A nil logger disables auditing.
func Audit(logger *audit.Logger, skipRoutes map[string]bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if logger == nil || route == "" || skipRoutes[route] {
			return
		}
		userID := CallerID(c)
		if userID == "" {
			return
		}
		ar := audit.ParseRoute(c.Request.Method, route)
		logger.Log(context.WithoutCancel(c.Request.Context()), audit.Entry{
			ChallengeID: c.Param("id"),
			UserID:      userID,
			Action:      ar.Action,
			Resource:    ar.Resource,
			Metadata:    map[string]string{"code": ResultCode(c).String()},
		})
	}
}
