package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	grpchealth "google.golang.org/grpc/health"

	"commitment-escrow/backend/internal/app"
	"commitment-escrow/backend/internal/challenge/handler"
	"commitment-escrow/backend/internal/config"
	"commitment-escrow/backend/internal/security"
	"commitment-escrow/backend/internal/server"
	"commitment-escrow/backend/internal/server/middleware"
	"commitment-escrow/backend/internal/telemetry"
)

const (
	shutdownTimeout     = 15 * time.Second
	healthCheckInterval = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("app: %v", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Printf("app: close: %v", err)
		}
	}()

	tokens, err := security.NewTokenProviderFromPEM(cfg.JWTPrivateKey, cfg.JWTPublicKey, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL())
	if err != nil {
		log.Fatalf("jwt: %v (set JWT_PUBLIC_KEY)", err)
	}

	escrowCfg := handler.EscrowConfig{Provider: "sandbox", Currency: cfg.EscrowCurrency}
	if cfg.StripeSecretKey != "" {
		escrowCfg.Provider = "stripe"
		escrowCfg.PublishableKey = cfg.StripePublishableKey
	}
	router := server.NewRouter(server.Deps{
		Tokens:      tokens,
		Challenges:  handler.New(a.Service, a.Settlement, a.Feed, escrowCfg),
		Audit:       a.Audit,
		Health:      a.Health,
		RateLimiter: middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		ServiceName: "escrow-api",
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("listen: %v", err)
		}
		hs := grpchealth.NewServer()
		grpcSrv := server.NewGRPCServer(hs)
		g.Go(func() error {
			a.Health.Sync(gctx, hs, healthCheckInterval)
			return nil
		})
		g.Go(func() error {
			log.Printf("gRPC health listening on %s", cfg.GRPCAddr)
			return grpcSrv.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			grpcSrv.GracefulStop()
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Println("shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("server: %v", err)
	}
	// Let in-flight async event emits finish before the deferred Close shuts the exporters down.
	time.Sleep(telemetry.ShutdownDrainDuration)
	log.Println("server stopped")
}
