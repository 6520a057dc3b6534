package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"commitment-escrow/backend/internal/audit"
	"commitment-escrow/backend/internal/challenge/handler"
	"commitment-escrow/backend/internal/challenge/service"
	"commitment-escrow/backend/internal/escrow/sandbox"
	"commitment-escrow/backend/internal/health"
	"commitment-escrow/backend/internal/ledger"
	"commitment-escrow/backend/internal/platform/lock"
	"commitment-escrow/backend/internal/policy/engine"
	"commitment-escrow/backend/internal/security"
	"commitment-escrow/backend/internal/server/middleware"
	"commitment-escrow/backend/internal/settlement"
	"commitment-escrow/backend/internal/store/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type failingPinger struct{ err error }

func (p failingPinger) PingContext(context.Context) error { return p.err }

type routerFixture struct {
	router *gin.Engine
	store  *memory.Store
	tokens *security.TokenProvider
}

func newRouterFixture(t *testing.T, checker *health.Checker, limiter *middleware.RateLimiter) *routerFixture {
	t.Helper()
	authz, err := engine.NewOPAEvaluator(context.Background())
	require.NoError(t, err)
	tokens, err := security.NewTestTokenProvider()
	require.NoError(t, err)
	store := memory.New()
	gw := sandbox.New()
	l := ledger.New(store.Ledger())
	svc := service.New(service.Deps{
		Challenges: store.Challenges(), Votes: store.Votes(), Progress: store.Progress(),
		Ledger: l, Gateway: gw, Authz: authz,
	})
	eng := settlement.New(settlement.Deps{
		Challenges: store.Challenges(), Votes: store.Votes(), Ledger: l,
		Gateway: gw, Authz: authz, Locker: lock.NewLocal(),
	})
	r := NewRouter(Deps{
		Tokens:      tokens,
		Challenges:  handler.New(svc, eng, nil, handler.EscrowConfig{Provider: "sandbox", Currency: "usd"}),
		Audit:       audit.NewLogger(store.Audit(), middleware.ClientIP),
		Health:      checker,
		RateLimiter: limiter,
	})
	return &routerFixture{router: r, store: store, tokens: tokens}
}

func (f *routerFixture) request(t *testing.T, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		token, _, err := f.tokens.IssueAccess(user, "s-"+user)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestRouter_Healthz(t *testing.T) {
	f := newRouterFixture(t, health.NewChecker(nil, nil), nil)
	w := f.request(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	f = newRouterFixture(t, health.NewChecker(failingPinger{errors.New("connection refused")}, nil), nil)
	w = f.request(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "database: connection refused")
}

func TestRouter_Metrics(t *testing.T) {
	f := newRouterFixture(t, nil, nil)
	f.request(t, http.MethodGet, "/v1/escrow/config", "alice", "")
	w := f.request(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `escrow_http_requests_total{code="OK",method="GET",route="/v1/escrow/config"}`)
}

func TestRouter_AuthAndAudit(t *testing.T) {
	f := newRouterFixture(t, nil, nil)

	w := f.request(t, http.MethodGet, "/v1/challenges", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	deadline := time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339)
	w = f.request(t, http.MethodPost, "/v1/challenges/self", "alice", `{"description":"walk daily","deadline":"`+deadline+`"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = f.request(t, http.MethodPut, "/v1/challenges/"+created.ID+"/vote", "bob", `{"value":"pass"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = f.request(t, http.MethodGet, "/v1/challenges/"+created.ID+"/watch", "bob", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "watch without a feed")

	entries, err := f.store.Audit().ListByChallenge(context.Background(), created.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1, "watch is not audited")
	assert.Equal(t, "bob", entries[0].UserID)
	assert.Equal(t, "vote", entries[0].Action)
	assert.Equal(t, "challenge", entries[0].Resource)
}

func TestRouter_RateLimit(t *testing.T) {
	f := newRouterFixture(t, nil, middleware.NewRateLimiter(0.001, 2))
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, f.request(t, http.MethodGet, "/v1/escrow/config", "alice", "").Code)
	}
	w := f.request(t, http.MethodGet, "/v1/escrow/config", "alice", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, http.StatusOK, f.request(t, http.MethodGet, "/v1/escrow/config", "bob", "").Code)
}

func TestRouter_NotFound(t *testing.T) {
	f := newRouterFixture(t, nil, nil)
	w := f.request(t, http.MethodGet, "/nowhere", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":{"code":"NotFound","message":"route not found"}}`, w.Body.String())
}

func TestGRPCHealth(t *testing.T) {
	hs := grpchealth.NewServer()
	srv := NewGRPCServer(hs)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go health.NewChecker(nil, nil).Sync(ctx, hs, time.Hour)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	require.Eventually(t, func() bool {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 20*time.Millisecond)
}
