package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is a ledger entry's settlement state. Only held entries may change.
type Status string

const (
	StatusHeld     Status = "held"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
)

// ErrInvalidArgument is returned by NewHeld and ParseStatus for malformed input.
var ErrInvalidArgument = errors.New("invalid ledger argument")

// Transaction is one stake: a single escrow hold attributed to a user on a challenge.
type Transaction struct {
	ID             string
	ChallengeID    string
	UserID         string
	Amount         int64
	EscrowIntentID string
	Status         Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewHeld builds a held entry. Amount is in minor currency units and must be positive.
func NewHeld(id, challengeID, userID string, amount int64, escrowIntentID string, now time.Time) (*Transaction, error) {
	switch {
	case strings.TrimSpace(id) == "":
		return nil, fmt.Errorf("%w: id is required", ErrInvalidArgument)
	case strings.TrimSpace(challengeID) == "":
		return nil, fmt.Errorf("%w: challenge id is required", ErrInvalidArgument)
	case strings.TrimSpace(userID) == "":
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	case strings.TrimSpace(escrowIntentID) == "":
		return nil, fmt.Errorf("%w: escrow intent id is required", ErrInvalidArgument)
	case amount <= 0:
		return nil, fmt.Errorf("%w: amount must be a positive integer", ErrInvalidArgument)
	}
	return &Transaction{
		ID:             id,
		ChallengeID:    challengeID,
		UserID:         userID,
		Amount:         amount,
		EscrowIntentID: escrowIntentID,
		Status:         StatusHeld,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// ParseStatus returns the Status for s or ErrInvalidArgument.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusHeld, StatusReleased, StatusRefunded:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown transaction status %q", ErrInvalidArgument, s)
}

// IsTerminal reports whether the entry has been settled.
func (s Status) IsTerminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// Summary aggregates a challenge's ledger by status, in minor units.
type Summary struct {
	ChallengeID string
	Held        int64
	Released    int64
	Refunded    int64
	Count       int
}

// Total is every amount ever staked, settled or not. It matches the challenge pot.
func (s Summary) Total() int64 { return s.Held + s.Released + s.Refunded }

// Collected is the amount that has not been returned to stakers.
func (s Summary) Collected() int64 { return s.Held + s.Released }

// Summarize folds txs into a Summary.
func Summarize(challengeID string, txs []*Transaction) Summary {
	sum := Summary{ChallengeID: challengeID}
	for _, t := range txs {
		if t == nil {
			continue
		}
		sum.Count++
		switch t.Status {
		case StatusHeld:
			sum.Held += t.Amount
		case StatusReleased:
			sum.Released += t.Amount
		case StatusRefunded:
			sum.Refunded += t.Amount
		}
	}
	return sum
}
