// Package handler exposes challenge, funding and settlement operations over HTTP (gin).
// Handlers translate JSON to service calls; all authorization happens below them.
package handler

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"commitment-escrow/backend/internal/challenge/domain"
	"commitment-escrow/backend/internal/challenge/feed"
	"commitment-escrow/backend/internal/challenge/service"
	"commitment-escrow/backend/internal/server/middleware"
	"commitment-escrow/backend/internal/settlement"
)

const defaultHeartbeat = 25 * time.Second

// EscrowConfig is what clients need to confirm holds themselves.
type EscrowConfig struct {
	Provider       string `json:"provider"`
	PublishableKey string `json:"publishableKey,omitempty"`
	Currency       string `json:"currency"`
}

// Handler serves the /v1 challenge API.
type Handler struct {
	svc       *service.Service
	settle    *settlement.Engine
	feed      feed.Feed
	escrow    EscrowConfig
	heartbeat time.Duration
}

// New returns a Handler. f may be nil, which disables the watch route.
func New(svc *service.Service, settle *settlement.Engine, f feed.Feed, escrow EscrowConfig) *Handler {
	return &Handler{svc: svc, settle: settle, feed: f, escrow: escrow, heartbeat: defaultHeartbeat}
}

// WatchRoute is the streaming route; it is excluded from auditing.
const WatchRoute = "/v1/challenges/:id/watch"

// Register mounts the routes on g, which must be the authenticated /v1 group.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.GET("/escrow/config", h.escrowConfig)
	g.POST("/escrow/holds", h.authorizeHold)

	ch := g.Group("/challenges")
	ch.GET("", h.list)
	ch.POST("/self", h.createSelf)
	ch.POST("/friend", h.createFriend)
	ch.GET("/:id", h.get)
	ch.GET("/:id/watch", h.watch)
	ch.POST("/:id/accept", h.accept)
	ch.POST("/:id/fund", h.fund)
	ch.POST("/:id/proof", h.submitProof)
	ch.POST("/:id/approve", h.approve)
	ch.POST("/:id/reject", h.reject)
	ch.PUT("/:id/vote", h.vote)
	ch.POST("/:id/finalize", h.finalize)
	ch.POST("/:id/reconcile", h.reconcile)
	ch.GET("/:id/progress", h.listProgress)
	ch.POST("/:id/progress", h.addProgress)
}

type holdRequest struct {
	Amount         int64             `json:"amount" binding:"required,gt=0"`
	Currency       string            `json:"currency" binding:"omitempty,len=3"`
	PaymentMethod  string            `json:"paymentMethod"`
	IdempotencyKey string            `json:"idempotencyKey" binding:"max=255"`
	Metadata       map[string]string `json:"metadata"`
}

type holdResponse struct {
	IntentID     string `json:"intentId"`
	ClientSecret string `json:"clientSecret,omitempty"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
}

type draftRequest struct {
	Description string    `json:"description" binding:"required,max=2000"`
	Deadline    time.Time `json:"deadline" binding:"required"`
	Currency    string    `json:"currency" binding:"omitempty,len=3"`
}

func (d draftRequest) draft(challengeeID string) domain.Draft {
	return domain.Draft{Description: d.Description, Deadline: d.Deadline, ChallengeeID: challengeeID, Currency: d.Currency}
}

type friendRequest struct {
	draftRequest
	ChallengeeID   string `json:"challengeeId" binding:"required"`
	Amount         int64  `json:"amount" binding:"required,gt=0"`
	PaymentMethod  string `json:"paymentMethod"`
	EscrowIntentID string `json:"escrowIntentId"`
	IdempotencyKey string `json:"idempotencyKey" binding:"max=255"`
}

type fundRequest struct {
	Amount         int64  `json:"amount" binding:"required,gt=0"`
	EscrowIntentID string `json:"escrowIntentId" binding:"required"`
}

type proofRequest struct {
	Proof string `json:"proof" binding:"required"`
}

type voteRequest struct {
	Value string `json:"value" binding:"required,oneof=pass fail"`
}

type progressRequest struct {
	Text        string `json:"text" binding:"max=2000"`
	MediaURL    string `json:"mediaUrl"`
	ExternalURL string `json:"externalUrl" binding:"omitempty,url"`
}

type challengeResponse struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	Description    string    `json:"description"`
	Deadline       time.Time `json:"deadline"`
	Status         string    `json:"status"`
	ChallengerID   string    `json:"challengerId"`
	ChallengeeID   string    `json:"challengeeId,omitempty"`
	PotAmount      int64     `json:"potAmount"`
	SupporterIDs   []string  `json:"supporterIds"`
	ProofURL       string    `json:"proofUrl,omitempty"`
	EscrowIntentID string    `json:"escrowIntentId,omitempty"`
	Currency       string    `json:"currency"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func toChallenge(c *domain.Challenge) challengeResponse {
	supporters := c.SupporterIDs
	if supporters == nil {
		supporters = []string{}
	}
	return challengeResponse{
		ID:             c.ID,
		Type:           string(c.Type),
		Description:    c.Description,
		Deadline:       c.Deadline,
		Status:         string(c.Status),
		ChallengerID:   c.ChallengerID,
		ChallengeeID:   c.ChallengeeID,
		PotAmount:      c.PotAmount,
		SupporterIDs:   supporters,
		ProofURL:       c.ProofURL,
		EscrowIntentID: c.EscrowIntentID,
		Currency:       c.Currency,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

type ledgerResponse struct {
	Held      int64 `json:"held"`
	Released  int64 `json:"released"`
	Refunded  int64 `json:"refunded"`
	Total     int64 `json:"total"`
	Collected int64 `json:"collected"`
	Count     int   `json:"count"`
}

type progressResponse struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Kind        string    `json:"kind"`
	Text        string    `json:"text,omitempty"`
	MediaURL    string    `json:"mediaUrl,omitempty"`
	ExternalURL string    `json:"externalUrl,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (h *Handler) escrowConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.escrow)
}

func (h *Handler) authorizeHold(c *gin.Context) {
	var req holdRequest
	if !bind(c, &req) {
		return
	}
	hold, err := h.svc.AuthorizeHold(c.Request.Context(), middleware.CallerID(c), service.HoldRequest{
		Amount:         req.Amount,
		Currency:       req.Currency,
		PaymentMethod:  req.PaymentMethod,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	})
	if err != nil {
		middleware.WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, holdResponse{
		IntentID:     hold.IntentID,
		ClientSecret: hold.ClientSecret,
		Status:       string(hold.Status),
		Amount:       hold.Amount,
		Currency:     hold.Currency,
	})
}

func (h *Handler) list(c *gin.Context) {
	list, err := h.svc.ListChallenges(c.Request.Context(), middleware.CallerID(c))
	if err != nil {
		middleware.WriteError(c, err)
		return
	}
	out := make([]challengeResponse, 0, len(list))
	for _, ch := range list {
		out = append(out, toChallenge(ch))
	}
	c.JSON(http.StatusOK, gin.H{"challenges": out})
}

func (h *Handler) createSelf(c *gin.Context) {
	var req draftRequest
	if !bind(c, &req) {
		return
	}
	ch, err := h.svc.CreateSelfChallenge(c.Request.Context(), middleware.CallerID(c), req.draft(""))
	if err != nil {
		middleware.WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toChallenge(ch))
}

func (h *Handler) createFriend(c *gin.Context) {
	var req friendRequest
	if !bind(c, &req) {
		return
	}
	ch, err := h.svc.FundFriendChallenge(c.Request.Context(), middleware.CallerID(c), service.FriendFunding{
		Draft:          req.draft(req.ChallengeeID),
		Amount:         req.Amount,
		PaymentMethod:  req.PaymentMethod,
		IntentID:       req.EscrowIntentID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		middleware.WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toChallenge(ch))
}

func (h *Handler) get(c *gin.Context) {
	view, err := h.svc.GetChallenge(c.Request.Context(), middleware.CallerID(c), c.Param("id"))
	if err != nil {
		middleware.WriteError(c, err)
		return
	}
	sum := view.Ledger
	c.JSON(http.StatusOK, gin.H{
		"challenge": toChallenge(view.Challenge),
		"ledger": ledgerResponse{
			Held:      sum.Held,
			Released:  sum.Released,
			Refunded:  sum.Refunded,
			Total:     sum.Total(),
			Collected: sum.Collected(),
			Count:     sum.Count,
		},
	})
}

func (h *Handler) accept(c *gin.Context) {
	h.respondChallenge(c, http.StatusOK)(h.svc.AcceptChallenge(c.Request.Context(), middleware.CallerID(c), c.Param("id")))
}

func (h *Handler) fund(c *gin.Context) {
	var req fundRequest
	if !bind(c, &req) {
		return
	}
	txID, err := h.svc.FundSelfChallenge(c.Request.Context(), middleware.CallerID(c), c.Param("id"), req.Amount, req.EscrowIntentID)
	if err != nil {
		middleware.WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transactionId": txID})
}

func (h *Handler) submitProof(c *gin.Context) {
	var req proofRequest
	if !bind(c, &req) {
		return
	}
	h.respondChallenge(c, http.StatusOK)(h.svc.SubmitProof(c.Request.Context(), middleware.CallerID(c), c.Param("id"), req.Proof))
}

func (h *Handler) approve(c *gin.Context) {
	h.respondChallenge(c, http.StatusOK)(h.settle.Approve(c.Request.Context(), middleware.CallerID(c), c.Param("id")))
}

func (h *Handler) reject(c *gin.Context) {
	h.respondChallenge(c, http.StatusOK)(h.settle.Reject(c.Request.Context(), middleware.CallerID(c), c.Param("id")))
}

func (h *Handler) vote(c *gin.Context) {
	var req voteRequest
	if !bind(c, &req) {
		return
	}
	v, err := h.svc.Vote(c.Request.Context(), middleware.CallerID(c), c.Param("id"), req.Value)
	if err != nil {
		middleware.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"challengeId": v.ChallengeID, "voterId": v.VoterID, "value": v.Value, "updatedAt": v.UpdatedAt})
}

func (h *Handler) finalize(c *gin.Context) {
	h.respondBatch(c)(h.settle.FinalizeSelfChallenge(c.Request.Context(), middleware.CallerID(c), c.Param("id")))
}

func (h *Handler) reconcile(c *gin.Context) {
	h.respondBatch(c)(h.settle.Reconcile(c.Request.Context(), middleware.CallerID(c), c.Param("id")))
}

func (h *Handler) addProgress(c *gin.Context) {
	var req progressRequest
	if !bind(c, &req) {
		return
	}
	r, err := h.svc.AddProgressReport(c.Request.Context(), middleware.CallerID(c), c.Param("id"), service.ProgressInput{
		Text:        req.Text,
		MediaURL:    req.MediaURL,
		ExternalURL: req.ExternalURL,
	})
	if err != nil {
		middleware.WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, progressResponse{
		ID: r.ID, UserID: r.UserID, Kind: string(r.Kind), Text: r.Text,
		MediaURL: r.MediaURL, ExternalURL: r.ExternalURL, CreatedAt: r.CreatedAt,
	})
}

func (h *Handler) listProgress(c *gin.Context) {
	var limit int64
	if s := c.Query("limit"); s != "" {
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil || n < 0 {
			middleware.WriteError(c, status.Error(codes.InvalidArgument, "limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	reports, err := h.svc.ListProgressReports(c.Request.Context(), middleware.CallerID(c), c.Param("id"), int32(limit))
	if err != nil {
		middleware.WriteError(c, err)
		return
	}
	out := make([]progressResponse, 0, len(reports))
	for _, r := range reports {
		out = append(out, progressResponse{
			ID: r.ID, UserID: r.UserID, Kind: string(r.Kind), Text: r.Text,
			MediaURL: r.MediaURL, ExternalURL: r.ExternalURL, CreatedAt: r.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"reports": out})
}

// watch streams challenge snapshots as server-sent events: the current state first, then one
// event per change, with periodic heartbeats until the client goes away.
func (h *Handler) watch(c *gin.Context) {
	ctx := c.Request.Context()
	view, err := h.svc.GetChallenge(ctx, middleware.CallerID(c), c.Param("id"))
	if err != nil {
		middleware.WriteError(c, err)
		return
	}
	if h.feed == nil {
		middleware.WriteError(c, status.Error(codes.Unavailable, "live updates are not enabled"))
		return
	}
	updates, err := h.feed.Subscribe(ctx, view.Challenge.ID)
	if err != nil {
		log.Printf("challenge: subscribe %s: %v", view.Challenge.ID, err)
		middleware.WriteError(c, status.Error(codes.Unavailable, "live updates are unavailable"))
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("snapshot", feed.FromChallenge(view.Challenge, "snapshot", time.Now().UTC()))
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-updates:
			if !ok {
				return
			}
			c.SSEvent("snapshot", s)
		case t := <-ticker.C:
			c.SSEvent("heartbeat", t.UTC().Unix())
		}
		c.Writer.Flush()
	}
}

func (h *Handler) respondChallenge(c *gin.Context, code int) func(*domain.Challenge, error) {
	return func(ch *domain.Challenge, err error) {
		if err != nil {
			middleware.WriteError(c, err)
			return
		}
		c.JSON(code, toChallenge(ch))
	}
}

// respondBatch renders a finalize or reconcile result. A run that left entries held still
// returns 200 with the per-entry errors; the caller retries with reconcile.
func (h *Handler) respondBatch(c *gin.Context) func(*settlement.BatchResult, error) {
	return func(res *settlement.BatchResult, err error) {
		if err != nil {
			middleware.WriteError(c, err)
			return
		}
		if res.Results == nil {
			res.Results = []settlement.Result{}
		}
		c.JSON(http.StatusOK, gin.H{"result": res, "complete": res.Complete()})
	}
}

// bind decodes the JSON body into req and renders binding failures as InvalidArgument.
func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		middleware.WriteError(c, status.Error(codes.InvalidArgument, describeBindError(err)))
		return false
	}
	return true
}

func describeBindError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "malformed request body: " + err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := lowerFirst(fe.Field())
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "gt":
			msgs = append(msgs, fmt.Sprintf("%s must be greater than %s", field, fe.Param()))
		case "len":
			msgs = append(msgs, fmt.Sprintf("%s must be %s characters", field, fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s characters", field, fe.Param()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", field, fe.Param()))
		case "url":
			msgs = append(msgs, field+" must be a URL")
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %q", field, fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
