package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"commitment-escrow/backend/internal/audit"
	"commitment-escrow/backend/internal/security"
	"commitment-escrow/backend/internal/store/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error
}

func TestExtractBearer(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc123", "abc123"},
		{"bearer abc123", "abc123"},
		{"  BEARER   abc123  ", "abc123"},
		{"", ""},
		{"abc123", ""},
		{"Basic abc123", ""},
		{"Bearer ", ""},
		{"Bearer", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, extractBearer(tt.header), "header %q", tt.header)
	}
}

func TestContext_Identity(t *testing.T) {
	ctx := WithIdentity(context.Background(), "u1", "s1")
	uid, ok := GetUserID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "u1", uid)
	sid, _ := GetSessionID(ctx)
	assert.Equal(t, "s1", sid)

	_, ok = GetUserID(context.Background())
	assert.False(t, ok)
	assert.Equal(t, "unknown", ClientIP(context.Background()))
	assert.Equal(t, "10.0.0.1", ClientIP(WithClientIP(context.Background(), "10.0.0.1")))
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantHTTP int
		wantCode string
		wantMsg  string
	}{
		{"invalid argument", status.Error(codes.InvalidArgument, "amount must be positive"), http.StatusBadRequest, "InvalidArgument", "amount must be positive"},
		{"failed precondition", status.Error(codes.FailedPrecondition, "not awaiting verification"), http.StatusBadRequest, "FailedPrecondition", "not awaiting verification"},
		{"unauthenticated", status.Error(codes.Unauthenticated, "no token"), http.StatusUnauthorized, "Unauthenticated", "no token"},
		{"permission denied", status.Error(codes.PermissionDenied, "not the challenger"), http.StatusForbidden, "PermissionDenied", "not the challenger"},
		{"not found", status.Error(codes.NotFound, "challenge not found"), http.StatusNotFound, "NotFound", "challenge not found"},
		{"internal", status.Error(codes.Internal, "escrow capture failed: declined"), http.StatusInternalServerError, "Internal", "escrow capture failed: declined"},
		{"plain error is hidden", errors.New("pq: connection reset"), http.StatusInternalServerError, "Internal", "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodPost, "/", nil)
			WriteError(c, tt.err)

			assert.Equal(t, tt.wantHTTP, w.Code)
			got := decodeError(t, w)
			assert.Equal(t, tt.wantCode, got.Code)
			assert.Equal(t, tt.wantMsg, got.Message)
			assert.True(t, c.IsAborted())
		})
	}
}

func TestRecovery(t *testing.T) {
	r := gin.New()
	r.Use(Recovery())
	r.GET("/boom", func(*gin.Context) { panic("boom") })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Internal", decodeError(t, w).Code)
}

func newAuthRouter(t *testing.T) (*gin.Engine, *security.TokenProvider) {
	t.Helper()
	tokens, err := security.NewTestTokenProvider()
	require.NoError(t, err)
	r := gin.New()
	r.GET("/me", Auth(tokens), func(c *gin.Context) {
		c.String(http.StatusOK, CallerID(c))
	})
	return r, tokens
}

func TestAuth(t *testing.T) {
	r, tokens := newAuthRouter(t)
	token, _, err := tokens.IssueAccess("alice", "")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())

	for _, header := range []string{"", "Bearer not-a-jwt", "Basic " + token} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "header %q", header)
		assert.Equal(t, "Unauthenticated", decodeError(t, w).Code)
	}
}

func TestAudit(t *testing.T) {
	store := memory.New()
	logger := audit.NewLogger(store.Audit(), ClientIP)
	r := gin.New()
	r.Use(Observe())
	identity := func(c *gin.Context) {
		if u := c.GetHeader("X-Test-User"); u != "" {
			c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), u, ""))
		}
	}
	r.Use(identity, Audit(logger, map[string]bool{"/v1/challenges/:id/watch": true}))
	r.POST("/v1/challenges/:id/approve", func(c *gin.Context) {
		WriteError(c, status.Error(codes.FailedPrecondition, "not awaiting verification"))
	})
	r.GET("/v1/challenges/:id/watch", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(method, path, user string) {
		req := httptest.NewRequest(method, path, nil)
		if user != "" {
			req.Header.Set("X-Test-User", user)
		}
		r.ServeHTTP(httptest.NewRecorder(), req)
	}
	send(http.MethodPost, "/v1/challenges/c1/approve", "alice")
	send(http.MethodPost, "/v1/challenges/c1/approve", "")
	send(http.MethodGet, "/v1/challenges/c1/watch", "alice")

	entries, err := logger.List(context.Background(), "c1", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "alice", e.UserID)
	assert.Equal(t, "approve", e.Action)
	assert.Equal(t, "challenge", e.Resource)
	assert.Equal(t, "192.0.2.1", e.IP)
	assert.JSONEq(t, `{"code":"FailedPrecondition"}`, e.Metadata)
}

func TestRateLimiter(t *testing.T) {
	l := NewRateLimiter(1, 2)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("alice"))
	assert.True(t, l.Allow("alice"))
	assert.False(t, l.Allow("alice"), "burst exhausted")
	assert.True(t, l.Allow("bob"), "callers have separate buckets")

	now = now.Add(time.Second)
	assert.True(t, l.Allow("alice"), "one token refilled")

	now = now.Add(limiterIdle + time.Minute)
	l.Allow("carol")
	assert.NotContains(t, l.entries, "bob", "idle bucket swept")
}

func TestRateLimiter_Disabled(t *testing.T) {
	l := NewRateLimiter(0, 10)
	assert.Nil(t, l)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("alice"))
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	l := NewRateLimiter(0.001, 1)
	r := gin.New()
	r.GET("/", l.Middleware(), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "ResourceExhausted", decodeError(t, w).Code)
}
