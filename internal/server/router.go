// Package server assembles the HTTP API and the gRPC health endpoint.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"commitment-escrow/backend/internal/audit"
	"commitment-escrow/backend/internal/challenge/handler"
	"commitment-escrow/backend/internal/health"
	"commitment-escrow/backend/internal/server/middleware"
)

// Deps holds what the router needs. Challenges and Tokens are required; the rest may be nil.
type Deps struct {
	Tokens     middleware.TokenValidator
	Challenges *handler.Handler
	// Audit records one entry per authenticated /v1 request. If nil, nothing is audited.
	Audit *audit.Logger
	// Health backs /healthz. If nil, /healthz always reports ok.
	Health *health.Checker
	// RateLimiter throttles /v1 per caller. If nil, requests are not limited.
	RateLimiter *middleware.RateLimiter
	// ServiceName names the otelgin spans.
	ServiceName string
}

// NewRouter returns the gin engine serving /healthz, /metrics and the authenticated /v1 API.
//
// Middleware order: panic recovery, tracing, request metrics; then for /v1 only:
// authentication, rate limiting, auditing.
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	name := d.ServiceName
	if name == "" {
		name = "escrow-api"
	}
	r.Use(middleware.Recovery(), otelgin.Middleware(name), middleware.Observe())

	r.GET("/healthz", healthz(d.Health))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1",
		middleware.Auth(d.Tokens),
		d.RateLimiter.Middleware(),
		middleware.Audit(d.Audit, map[string]bool{handler.WatchRoute: true}),
	)
	d.Challenges.Register(v1)

	r.NoRoute(middleware.NotFound)
	return r
}

func healthz(checker *health.Checker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := checker.Check(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
