package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"commitment-escrow/backend/internal/security"
)

const bearerPrefix = "bearer "

// TokenValidator validates bearer access tokens (e.g. *security.TokenProvider).
type TokenValidator interface {
	ValidateAccess(token string) (*security.Identity, error)
}

// Auth validates the Bearer access token and stores the caller's identity in the request context.
// Requests without a valid token are rejected Unauthenticated.
func Auth(tokens TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearer(c.GetHeader("Authorization"))
		if token == "" || tokens == nil {
			WriteError(c, status.Error(codes.Unauthenticated, "missing or invalid authorization"))
			return
		}
		id, err := tokens.ValidateAccess(token)
		if err != nil {
			WriteError(c, status.Error(codes.Unauthenticated, "missing or invalid authorization"))
			return
		}
		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), id.UserID, id.SessionID))
		c.Next()
	}
}

// CallerID returns the authenticated user id of the request, or "".
func CallerID(c *gin.Context) string {
	id, _ := GetUserID(c.Request.Context())
	return id
}

// extractBearer returns the token of an "Authorization: Bearer <token>" value, or "" if missing or malformed.
func extractBearer(header string) string {
	v := strings.TrimSpace(header)
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
