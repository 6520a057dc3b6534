// seed inserts development sample data for local testing.
// Idempotent: skips inserts if the dev challenge (dev-challenge-001) already exists.
// Stakes are not seeded; they need live escrow holds, so fund through the API instead.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	challengedomain "commitment-escrow/backend/internal/challenge/domain"
	challengerepo "commitment-escrow/backend/internal/challenge/repository"
	"commitment-escrow/backend/internal/config"
	"commitment-escrow/backend/internal/db"
	progressdomain "commitment-escrow/backend/internal/progress/domain"
	progressrepo "commitment-escrow/backend/internal/progress/repository"
	"commitment-escrow/backend/internal/security"
	votedomain "commitment-escrow/backend/internal/vote/domain"
	voterepo "commitment-escrow/backend/internal/vote/repository"
)

const (
	devChallengerID = "dev-user-001"
	devSupporterID  = "dev-user-002"
	devChallengeID  = "dev-challenge-001"
	devReportID     = "dev-progress-001"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env or export DATABASE_URL")
	}

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	challenges := challengerepo.NewPostgresRepository(conn)
	existing, err := challenges.GetByID(ctx, devChallengeID)
	if err != nil {
		log.Fatalf("seed: lookup: %v", err)
	}
	if existing != nil {
		log.Printf("seed: %s already exists; skipping", devChallengeID)
		printTokens(cfg)
		return
	}

	now := time.Now().UTC()
	c, err := challengedomain.NewSelfChallenge(devChallengeID, devChallengerID, challengedomain.Draft{
		Description: "Run 5km three times a week",
		Deadline:    now.Add(14 * 24 * time.Hour),
		Currency:    cfg.EscrowCurrency,
	}, now)
	if err != nil {
		log.Fatalf("seed: challenge: %v", err)
	}
	if err := challenges.Create(ctx, c); err != nil {
		log.Fatalf("seed: create challenge: %v", err)
	}

	report, err := progressdomain.NewReport(devReportID, devChallengeID, devChallengerID, "First run done: 5.2km in 31 minutes", "", "", now)
	if err != nil {
		log.Fatalf("seed: report: %v", err)
	}
	if err := progressrepo.NewPostgresRepository(conn).Create(ctx, report); err != nil {
		log.Fatalf("seed: create report: %v", err)
	}

	vote := &votedomain.Vote{ChallengeID: devChallengeID, VoterID: devSupporterID, Value: votedomain.Pass, CreatedAt: now, UpdatedAt: now}
	if err := voterepo.NewPostgresRepository(conn).Upsert(ctx, vote); err != nil {
		log.Fatalf("seed: vote: %v", err)
	}

	log.Printf("seed: created self challenge %s for %s with one progress report and one vote", devChallengeID, devChallengerID)
	printTokens(cfg)
}

// printTokens prints bearer tokens for the dev users when a signing key is configured.
func printTokens(cfg *config.Config) {
	if cfg.JWTPrivateKey == "" {
		return
	}
	tokens, err := security.NewTokenProviderFromPEM(cfg.JWTPrivateKey, cfg.JWTPublicKey, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL())
	if err != nil {
		log.Printf("seed: tokens: %v", err)
		return
	}
	for _, uid := range []string{devChallengerID, devSupporterID} {
		token, exp, err := tokens.IssueAccess(uid, "")
		if err != nil {
			log.Printf("seed: token for %s: %v", uid, err)
			continue
		}
		fmt.Printf("%s (expires %s):\n  %s\n", uid, exp.Format(time.RFC3339), token)
	}
}
