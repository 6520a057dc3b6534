package repository

import (
	"context"
	"errors"

	"commitment-escrow/backend/internal/ledger/domain"
)

var (
	// ErrChallengeNotFound is returned by RecordHeld when the owning challenge does not exist.
	ErrChallengeNotFound = errors.New("ledger: challenge not found")
	// ErrNotFundable is returned by RecordHeld when the challenge no longer accepts stakes.
	ErrNotFundable = errors.New("ledger: challenge is not accepting stakes")
	// ErrDuplicateIntent is returned by RecordHeld when the escrow intent is already recorded.
	ErrDuplicateIntent = errors.New("ledger: escrow intent already recorded")
	// ErrInvalidState is returned by MarkReleased and MarkRefunded when the entry does not exist.
	ErrInvalidState = errors.New("ledger: transaction does not exist")
)

// Repository defines persistence for ledger entries.
type Repository interface {
	// RecordHeld stores t (status held), increments the challenge pot by t.Amount, and adds
	// t.UserID to the supporters of a self challenge. All three happen atomically.
	RecordHeld(ctx context.Context, t *domain.Transaction) error
	// MarkReleased moves a held entry to released. changed is false when it was already terminal.
	MarkReleased(ctx context.Context, id string) (changed bool, err error)
	// MarkRefunded moves a held entry to refunded. changed is false when it was already terminal.
	MarkRefunded(ctx context.Context, id string) (changed bool, err error)
	// GetByID returns the entry for id, or nil if not found.
	GetByID(ctx context.Context, id string) (*domain.Transaction, error)
	// GetByIntentID returns the entry for an escrow intent, or nil if not found.
	GetByIntentID(ctx context.Context, intentID string) (*domain.Transaction, error)
	// ListByChallenge returns entries in creation order. An empty status returns all of them.
	ListByChallenge(ctx context.Context, challengeID string, status domain.Status) ([]*domain.Transaction, error)
}
