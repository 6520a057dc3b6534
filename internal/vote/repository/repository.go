package repository

import (
	"context"

	"commitment-escrow/backend/internal/vote/domain"
)

// Repository defines persistence for votes. There is at most one vote per (challenge, voter).
type Repository interface {
	// Upsert stores v, replacing any earlier vote by the same voter on the same challenge.
	Upsert(ctx context.Context, v *domain.Vote) error
	// ListByChallenge returns every current vote on the challenge.
	ListByChallenge(ctx context.Context, challengeID string) ([]*domain.Vote, error)
}
