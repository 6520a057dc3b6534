// Package app builds the escrow service graph from Config. The API server and the operator CLI
// share it so both settle through the same store, gateway and lock.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"commitment-escrow/backend/internal/audit"
	auditrepo "commitment-escrow/backend/internal/audit/repository"
	"commitment-escrow/backend/internal/challenge/feed"
	"commitment-escrow/backend/internal/challenge/notify"
	challengerepo "commitment-escrow/backend/internal/challenge/repository"
	"commitment-escrow/backend/internal/challenge/service"
	"commitment-escrow/backend/internal/config"
	"commitment-escrow/backend/internal/db"
	"commitment-escrow/backend/internal/escrow"
	"commitment-escrow/backend/internal/escrow/sandbox"
	"commitment-escrow/backend/internal/escrow/stripe"
	"commitment-escrow/backend/internal/health"
	"commitment-escrow/backend/internal/ledger"
	ledgerrepo "commitment-escrow/backend/internal/ledger/repository"
	"commitment-escrow/backend/internal/platform/lock"
	"commitment-escrow/backend/internal/platform/redisconn"
	"commitment-escrow/backend/internal/policy/engine"
	progressrepo "commitment-escrow/backend/internal/progress/repository"
	"commitment-escrow/backend/internal/proof"
	"commitment-escrow/backend/internal/server/middleware"
	"commitment-escrow/backend/internal/settlement"
	"commitment-escrow/backend/internal/store/memory"
	"commitment-escrow/backend/internal/telemetry"
	otelemit "commitment-escrow/backend/internal/telemetry/otel"
	"commitment-escrow/backend/internal/telemetry/producer"
	voterepo "commitment-escrow/backend/internal/vote/repository"
)

const serviceName = "escrow-api"

// App is the wired service graph. Call Close when done.
type App struct {
	Config     *config.Config
	DB         *sql.DB
	Gateway    escrow.Gateway
	Feed       feed.Feed
	Authz      *engine.OPAEvaluator
	Service    *service.Service
	Settlement *settlement.Engine
	Audit      *audit.Logger
	Health     *health.Checker
	Telemetry  *otelemit.Providers

	closers []func() error
}

type repositories struct {
	challenges challengerepo.Repository
	ledger     ledgerrepo.Repository
	votes      voterepo.Repository
	progress   progressrepo.Repository
	audit      auditrepo.Repository
}

// New connects every backend cfg names and falls back to in-process ones for the rest:
// the memory store without DATABASE_URL, the sandbox gateway without STRIPE_SECRET_KEY,
// a local lock and feed without REDIS_URL. Config.Load already refuses those fallbacks in production.
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	repos, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	if cfg.StripeSecretKey != "" {
		gw, err := stripe.New(cfg.StripeSecretKey)
		if err != nil {
			return nil, fmt.Errorf("escrow gateway: %w", err)
		}
		a.Gateway = gw
	} else {
		log.Println("app: STRIPE_SECRET_KEY not set; using the sandbox escrow gateway")
		a.Gateway = sandbox.New()
	}

	var locker lock.Locker = lock.NewLocal()
	a.Feed = feed.NewLocal()
	if cfg.RedisURL != "" {
		rdb, err := redisconn.Open(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.closers = append(a.closers, rdb.Close)
		locker = lock.NewRedis(rdb, "escrow:lock:")
		a.Feed = feed.NewRedis(rdb, "escrow:feed:")
	}

	var verifier proof.Verifier
	if cfg.ProofBucket != "" {
		v, err := proof.NewS3Verifier(ctx, cfg.ProofBucket)
		if err != nil {
			return nil, fmt.Errorf("proof verifier: %w", err)
		}
		verifier = v
	}

	a.Authz, err = engine.NewOPAEvaluator(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy engine: %w", err)
	}

	emitter, err := a.openTelemetry(ctx)
	if err != nil {
		return nil, err
	}
	notifier := notify.New(a.Feed, emitter)

	l := ledger.New(repos.ledger)
	a.Service = service.New(service.Deps{
		Challenges: repos.challenges,
		Votes:      repos.votes,
		Progress:   repos.progress,
		Ledger:     l,
		Gateway:    a.Gateway,
		Authz:      a.Authz,
		Proofs:     verifier,
		Notifier:   notifier,
		Currency:   cfg.EscrowCurrency,
	})
	a.Settlement = settlement.New(settlement.Deps{
		Challenges: repos.challenges,
		Votes:      repos.votes,
		Ledger:     l,
		Gateway:    a.Gateway,
		Authz:      a.Authz,
		Locker:     locker,
		LockTTL:    cfg.LockTTL(),
		Notifier:   notifier,
	})
	a.Audit = audit.NewLogger(repos.audit, middleware.ClientIP)

	var pinger health.Pinger
	if a.DB != nil {
		pinger = a.DB
	}
	a.Health = health.NewChecker(pinger, a.Authz)
	return a, nil
}

func (a *App) openStore(ctx context.Context) (*repositories, error) {
	if a.Config.DatabaseURL == "" {
		log.Println("app: DATABASE_URL not set; using the in-memory store")
		s := memory.New()
		return &repositories{
			challenges: s.Challenges(),
			ledger:     s.Ledger(),
			votes:      s.Votes(),
			progress:   s.Progress(),
			audit:      s.Audit(),
		}, nil
	}
	conn, err := db.Open(ctx, a.Config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	a.DB = conn
	a.closers = append(a.closers, conn.Close)
	return &repositories{
		challenges: challengerepo.NewPostgresRepository(conn),
		ledger:     ledgerrepo.NewPostgresRepository(conn),
		votes:      voterepo.NewPostgresRepository(conn),
		progress:   progressrepo.NewPostgresRepository(conn),
		audit:      auditrepo.NewPostgresRepository(conn),
	}, nil
}

// openTelemetry sets up OTel providers and the event emitters: OTel logs always, Kafka when
// brokers are configured.
func (a *App) openTelemetry(ctx context.Context) (telemetry.EventEmitter, error) {
	providers, err := otelemit.NewProviders(ctx, a.Config.OTLPEndpoint, otelemit.Options{
		ServiceName: serviceName,
		Environment: a.Config.Env,
		Insecure:    a.Config.OTLPInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	providers.SetGlobal()
	a.Telemetry = providers
	a.closers = append(a.closers, func() error { return providers.Shutdown(context.Background()) })

	emitters := []telemetry.EventEmitter{otelemit.NewEventEmitter(providers.LoggerProvider)}
	kp, err := producer.NewKafkaProducer(a.Config.EventsKafkaBrokersList(), a.Config.EventsKafkaTopic)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	if kp != nil {
		a.closers = append(a.closers, kp.Close)
		emitters = append(emitters, kp)
	}
	return telemetry.Fanout(emitters...), nil
}

// Close releases everything New opened, newest first.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
