package repository

import (
	"context"
	"errors"

	"commitment-escrow/backend/internal/challenge/domain"
	ledgerdomain "commitment-escrow/backend/internal/ledger/domain"
)

var (
	// ErrNotFound is returned by mutations that target a challenge that does not exist.
	ErrNotFound = errors.New("challenge not found")
	// ErrStatusConflict is returned by TransitionStatus when the stored status no longer matches from.
	ErrStatusConflict = errors.New("challenge status changed concurrently")
	// ErrDuplicate is returned when a challenge id or escrow intent has already been stored.
	ErrDuplicate = errors.New("challenge or escrow intent already exists")
)

// Patch carries optional fields written together with a status transition. Zero values leave the column unchanged.
type Patch struct {
	ProofURL string
}

// Repository defines persistence for challenges.
type Repository interface {
	// GetByID returns the challenge for id, or nil if not found.
	GetByID(ctx context.Context, id string) (*domain.Challenge, error)
	// ListByUser returns challenges where userID is the challenger, the challengee, or a supporter, newest first.
	ListByUser(ctx context.Context, userID string) ([]*domain.Challenge, error)
	// Create persists a challenge with no ledger entries. Used for self challenges.
	Create(ctx context.Context, c *domain.Challenge) error
	// CreateWithStake persists a challenge and its first held entry in one unit.
	// c.PotAmount must equal tx.Amount. Used for friend challenges.
	CreateWithStake(ctx context.Context, c *domain.Challenge, tx *ledgerdomain.Transaction) error
	// TransitionStatus writes to (and patch) only if the stored status still equals from.
	// Returns the updated challenge, ErrStatusConflict on mismatch, or ErrNotFound.
	TransitionStatus(ctx context.Context, id string, from, to domain.Status, patch Patch) (*domain.Challenge, error)
}
