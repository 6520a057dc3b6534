// Package ledger records stakes as held entries and settles them exactly once.
package ledger

import (
	"context"
	"errors"
	"log"
	"time"

	"commitment-escrow/backend/internal/ledger/domain"
	"commitment-escrow/backend/internal/ledger/repository"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Ledger is the transaction ledger. Errors it returns are gRPC status errors.
type Ledger struct {
	repo repository.Repository
	now  func() time.Time
}

// New returns a Ledger over repo.
func New(repo repository.Repository) *Ledger {
	return &Ledger{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// RecordHeld appends a held entry for an authorized hold and adds amount to the challenge pot.
// The caller must have verified the hold with the escrow gateway.
func (l *Ledger) RecordHeld(ctx context.Context, challengeID, userID string, amount int64, escrowIntentID string) (string, error) {
	tx, err := domain.NewHeld(uuid.NewString(), challengeID, userID, amount, escrowIntentID, l.now())
	if err != nil {
		return "", status.Error(codes.InvalidArgument, err.Error())
	}
	if err := l.repo.RecordHeld(ctx, tx); err != nil {
		switch {
		case errors.Is(err, repository.ErrChallengeNotFound):
			return "", status.Error(codes.NotFound, "challenge not found")
		case errors.Is(err, repository.ErrNotFundable), errors.Is(err, repository.ErrDuplicateIntent):
			return "", status.Error(codes.FailedPrecondition, err.Error())
		}
		log.Printf("ledger: record held challenge=%s intent=%s: %v", challengeID, escrowIntentID, err)
		return "", status.Error(codes.Internal, "failed to record stake")
	}
	return tx.ID, nil
}

// MarkReleased settles a held entry as released. changed is false if it was already settled.
func (l *Ledger) MarkReleased(ctx context.Context, transactionID string) (bool, error) {
	return l.settle(ctx, transactionID, l.repo.MarkReleased)
}

// MarkRefunded settles a held entry as refunded. changed is false if it was already settled.
func (l *Ledger) MarkRefunded(ctx context.Context, transactionID string) (bool, error) {
	return l.settle(ctx, transactionID, l.repo.MarkRefunded)
}

func (l *Ledger) settle(ctx context.Context, id string, mark func(context.Context, string) (bool, error)) (bool, error) {
	if id == "" {
		return false, status.Error(codes.InvalidArgument, "transaction id is required")
	}
	changed, err := mark(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidState) {
			return false, status.Error(codes.FailedPrecondition, err.Error())
		}
		log.Printf("ledger: settle %s: %v", id, err)
		return false, status.Error(codes.Internal, "failed to settle transaction")
	}
	return changed, nil
}

// Held returns the challenge's unsettled entries in creation order.
func (l *Ledger) Held(ctx context.Context, challengeID string) ([]*domain.Transaction, error) {
	return l.list(ctx, challengeID, domain.StatusHeld)
}

// List returns every entry of the challenge in creation order.
func (l *Ledger) List(ctx context.Context, challengeID string) ([]*domain.Transaction, error) {
	return l.list(ctx, challengeID, "")
}

func (l *Ledger) list(ctx context.Context, challengeID string, st domain.Status) ([]*domain.Transaction, error) {
	txs, err := l.repo.ListByChallenge(ctx, challengeID, st)
	if err != nil {
		log.Printf("ledger: list challenge=%s: %v", challengeID, err)
		return nil, status.Error(codes.Internal, "failed to read ledger")
	}
	return txs, nil
}

// ByIntent returns the entry for an escrow intent, or nil.
func (l *Ledger) ByIntent(ctx context.Context, intentID string) (*domain.Transaction, error) {
	tx, err := l.repo.GetByIntentID(ctx, intentID)
	if err != nil {
		log.Printf("ledger: get intent=%s: %v", intentID, err)
		return nil, status.Error(codes.Internal, "failed to read ledger")
	}
	return tx, nil
}

// Summarize aggregates the challenge's entries by status.
func (l *Ledger) Summarize(ctx context.Context, challengeID string) (domain.Summary, error) {
	txs, err := l.List(ctx, challengeID)
	if err != nil {
		return domain.Summary{ChallengeID: challengeID}, err
	}
	return domain.Summarize(challengeID, txs), nil
}
