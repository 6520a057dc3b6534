package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commitment-escrow/backend/internal/challenge/feed"
	"commitment-escrow/backend/internal/challenge/notify"
	"commitment-escrow/backend/internal/challenge/service"
	"commitment-escrow/backend/internal/escrow/sandbox"
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

// userTokens treats the bearer token as the user id.
type userTokens struct{}

func (userTokens) ValidateAccess(token string) (*security.Identity, error) {
	if token == "bad" {
		return nil, security.ErrInvalidToken
	}
	return &security.Identity{UserID: token}, nil
}

// signalFeed reports each subscription so tests can publish after the stream is attached.
type signalFeed struct {
	*feed.Local
	subscribed chan string
}

func (s *signalFeed) Subscribe(ctx context.Context, id string) (<-chan feed.Snapshot, error) {
	ch, err := s.Local.Subscribe(ctx, id)
	s.subscribed <- id
	return ch, err
}

type apiFixture struct {
	router *gin.Engine
	gw     *sandbox.Gateway
	feed   *signalFeed
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	authz, err := engine.NewOPAEvaluator(context.Background())
	require.NoError(t, err)
	store := memory.New()
	gw := sandbox.New()
	f := &signalFeed{Local: feed.NewLocal(), subscribed: make(chan string, 4)}
	n := notify.New(f, nil)
	l := ledger.New(store.Ledger())
	svc := service.New(service.Deps{
		Challenges: store.Challenges(),
		Votes:      store.Votes(),
		Progress:   store.Progress(),
		Ledger:     l,
		Gateway:    gw,
		Authz:      authz,
		Notifier:   n,
	})
	eng := settlement.New(settlement.Deps{
		Challenges: store.Challenges(),
		Votes:      store.Votes(),
		Ledger:     l,
		Gateway:    gw,
		Authz:      authz,
		Locker:     lock.NewLocal(),
		Notifier:   n,
	})
	r := gin.New()
	r.NoRoute(middleware.NotFound)
	v1 := r.Group("/v1", middleware.Auth(userTokens{}))
	New(svc, eng, f, EscrowConfig{Provider: "sandbox", Currency: "usd"}).Register(v1)
	return &apiFixture{router: r, gw: gw, feed: f}
}

func (a *apiFixture) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+user)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[middleware.ErrorBody](t, w).Error.Code
}

func deadline() string {
	return time.Now().Add(72 * time.Hour).UTC().Format(time.RFC3339)
}

func TestSelfChallengeFlow(t *testing.T) {
	a := newAPI(t)

	w := a.do(t, http.MethodPost, "/v1/challenges/self", "alice", map[string]any{"description": "run 5k daily", "deadline": deadline()})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[challengeResponse](t, w)
	assert.Equal(t, "active", created.Status)
	assert.Equal(t, int64(0), created.PotAmount)
	id := created.ID

	for _, stake := range []struct {
		user   string
		amount int64
	}{{"carol", 2000}, {"dave", 3000}} {
		w = a.do(t, http.MethodPost, "/v1/escrow/holds", stake.user, map[string]any{"amount": stake.amount})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		hold := decode[holdResponse](t, w)
		assert.Equal(t, "requires_action", hold.Status)
		assert.NotEmpty(t, hold.ClientSecret)
		_, err := a.gw.Confirm(hold.IntentID, sandbox.ConfirmPaymentMethod)
		require.NoError(t, err)

		w = a.do(t, http.MethodPost, "/v1/challenges/"+id+"/fund", stake.user, map[string]any{"amount": stake.amount, "escrowIntentId": hold.IntentID})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w = a.do(t, http.MethodPost, "/v1/challenges/"+id+"/proof", "alice", map[string]any{"proof": "https://cdn.example.com/run.gpx"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "awaiting_verification", decode[challengeResponse](t, w).Status)

	for user, value := range map[string]string{"carol": "pass", "dave": "pass", "erin": "fail"} {
		w = a.do(t, http.MethodPut, "/v1/challenges/"+id+"/vote", user, map[string]any{"value": value})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w = a.do(t, http.MethodPost, "/v1/challenges/"+id+"/finalize", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	batch := decode[struct {
		Result   settlement.BatchResult `json:"result"`
		Complete bool                   `json:"complete"`
	}](t, w)
	assert.True(t, batch.Complete)
	assert.Equal(t, "pass", string(batch.Result.Outcome))
	assert.Equal(t, 2, batch.Result.PassCount)
	assert.Equal(t, 1, batch.Result.FailCount)
	assert.Equal(t, 2, batch.Result.Processed)

	w = a.do(t, http.MethodGet, "/v1/challenges/"+id, "carol", nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode[struct {
		Challenge challengeResponse `json:"challenge"`
		Ledger    ledgerResponse    `json:"ledger"`
	}](t, w)
	assert.Equal(t, "completed", view.Challenge.Status)
	assert.Equal(t, int64(5000), view.Challenge.PotAmount)
	assert.ElementsMatch(t, []string{"carol", "dave"}, view.Challenge.SupporterIDs)
	assert.Equal(t, ledgerResponse{Released: 5000, Total: 5000, Collected: 5000, Count: 2}, view.Ledger)

	w = a.do(t, http.MethodGet, "/v1/challenges", "dave", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[struct {
		Challenges []challengeResponse `json:"challenges"`
	}](t, w).Challenges, 1)
}

func TestFriendChallengeFlow(t *testing.T) {
	a := newAPI(t)
	w := a.do(t, http.MethodPost, "/v1/challenges/friend", "alice", map[string]any{
		"description":   "no sugar for a week",
		"deadline":      deadline(),
		"challengeeId":  "bob",
		"amount":        5000,
		"paymentMethod": sandbox.ConfirmPaymentMethod,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	c := decode[challengeResponse](t, w)
	assert.Equal(t, "pending", c.Status)
	assert.Equal(t, int64(5000), c.PotAmount)
	assert.NotEmpty(t, c.EscrowIntentID)

	w = a.do(t, http.MethodPost, "/v1/challenges/"+c.ID+"/accept", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = a.do(t, http.MethodPost, "/v1/challenges/"+c.ID+"/proof", "bob", map[string]any{"proof": "https://cdn.example.com/food-log.jpg"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = a.do(t, http.MethodPost, "/v1/challenges/"+c.ID+"/approve", "bob", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "PermissionDenied", errorCode(t, w))

	w = a.do(t, http.MethodPost, "/v1/challenges/"+c.ID+"/approve", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "completed", decode[challengeResponse](t, w).Status)
	assert.Equal(t, 1, a.gw.Captures(c.EscrowIntentID))

	w = a.do(t, http.MethodPost, "/v1/challenges/"+c.ID+"/reject", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "FailedPrecondition", errorCode(t, w))
}

func TestAPIErrors(t *testing.T) {
	a := newAPI(t)
	w := a.do(t, http.MethodPost, "/v1/challenges/self", "alice", map[string]any{"description": "read", "deadline": deadline()})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[challengeResponse](t, w).ID

	tests := []struct {
		name     string
		method   string
		path     string
		user     string
		body     any
		wantHTTP int
		wantCode string
		wantMsg  string
	}{
		{"no token", http.MethodGet, "/v1/challenges", "", nil, http.StatusUnauthorized, "Unauthenticated", ""},
		{"bad token", http.MethodGet, "/v1/challenges", "bad", nil, http.StatusUnauthorized, "Unauthenticated", ""},
		{"malformed json", http.MethodPost, "/v1/escrow/holds", "alice", "{", http.StatusBadRequest, "InvalidArgument", "malformed request body"},
		{"zero amount", http.MethodPost, "/v1/escrow/holds", "alice", map[string]any{"amount": 0}, http.StatusBadRequest, "InvalidArgument", "amount is required"},
		{"negative amount", http.MethodPost, "/v1/escrow/holds", "alice", map[string]any{"amount": -5}, http.StatusBadRequest, "InvalidArgument", "amount must be greater than 0"},
		{"bad vote value", http.MethodPut, "/v1/challenges/" + id + "/vote", "carol", map[string]any{"value": "maybe"}, http.StatusBadRequest, "InvalidArgument", "value must be one of"},
		{"unknown challenge", http.MethodGet, "/v1/challenges/nope", "alice", nil, http.StatusNotFound, "NotFound", ""},
		{"finalize while active", http.MethodPost, "/v1/challenges/" + id + "/finalize", "alice", nil, http.StatusBadRequest, "FailedPrecondition", ""},
		{"finalize by supporter", http.MethodPost, "/v1/challenges/" + id + "/finalize", "carol", nil, http.StatusForbidden, "PermissionDenied", ""},
		{"friend missing challengee", http.MethodPost, "/v1/challenges/friend", "alice", map[string]any{"description": "x", "deadline": deadline(), "amount": 10, "paymentMethod": "pm_card_visa"}, http.StatusBadRequest, "InvalidArgument", "challengeeID is required"},
		{"past deadline", http.MethodPost, "/v1/challenges/self", "alice", map[string]any{"description": "x", "deadline": "2001-01-01T00:00:00Z"}, http.StatusBadRequest, "InvalidArgument", "deadline"},
		{"bad progress limit", http.MethodGet, "/v1/challenges/" + id + "/progress?limit=-1", "alice", nil, http.StatusBadRequest, "InvalidArgument", "limit"},
		{"unknown route", http.MethodGet, "/v1/nothing", "alice", nil, http.StatusNotFound, "NotFound", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := a.do(t, tt.method, tt.path, tt.user, tt.body)
			assert.Equal(t, tt.wantHTTP, w.Code, w.Body.String())
			body := decode[middleware.ErrorBody](t, w)
			assert.Equal(t, tt.wantCode, body.Error.Code)
			if tt.wantMsg != "" {
				assert.Contains(t, body.Error.Message, tt.wantMsg)
			}
		})
	}
}

func TestProgressRoutes(t *testing.T) {
	a := newAPI(t)
	w := a.do(t, http.MethodPost, "/v1/challenges/self", "alice", map[string]any{"description": "learn go", "deadline": deadline()})
	id := decode[challengeResponse](t, w).ID

	w = a.do(t, http.MethodPost, "/v1/challenges/"+id+"/progress", "alice", map[string]any{"text": "chapter 1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = a.do(t, http.MethodPost, "/v1/challenges/"+id+"/progress", "alice", map[string]any{"externalUrl": "https://github.com/alice/go"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "link", decode[progressResponse](t, w).Kind)

	w = a.do(t, http.MethodGet, "/v1/challenges/"+id+"/progress?limit=1", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	reports := decode[struct {
		Reports []progressResponse `json:"reports"`
	}](t, w).Reports
	require.Len(t, reports, 1)
	assert.Equal(t, "https://github.com/alice/go", reports[0].ExternalURL)
}

func TestEscrowConfig(t *testing.T) {
	a := newAPI(t)
	w := a.do(t, http.MethodGet, "/v1/escrow/config", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"provider":"sandbox","currency":"usd"}`, w.Body.String())
}

func TestWatch(t *testing.T) {
	a := newAPI(t)
	w := a.do(t, http.MethodPost, "/v1/challenges/self", "alice", map[string]any{"description": "meditate", "deadline": deadline()})
	id := decode[challengeResponse](t, w).ID

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/v1/challenges/"+id+"/watch", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer carol")
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		a.router.ServeHTTP(rec, req)
		close(done)
	}()

	select {
	case got := <-a.feed.subscribed:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("watch never subscribed")
	}
	vote := a.do(t, http.MethodPut, "/v1/challenges/"+id+"/vote", "dave", map[string]any{"value": "pass"})
	require.Equal(t, http.StatusOK, vote.Code)
	// The vote snapshot is published synchronously; give the stream a moment to write it.
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop after the client left")
	}

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", strings.Split(rec.Header().Get("Content-Type"), ";")[0])
	assert.Equal(t, 2, strings.Count(body, "event:snapshot"), body)
	assert.Contains(t, body, `"event":"snapshot"`)
	assert.Contains(t, body, `"event":"vote_cast"`)
}

func TestWatch_Unauthorized(t *testing.T) {
	a := newAPI(t)
	w := a.do(t, http.MethodGet, "/v1/challenges/missing/watch", "carol", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	select {
	case <-a.feed.subscribed:
		t.Fatal("should not subscribe to a missing challenge")
	default:
	}
}

func TestDescribeBindError(t *testing.T) {
	msg := describeBindError(errors.New("EOF"))
	assert.True(t, strings.HasPrefix(msg, "malformed request body"))
}
