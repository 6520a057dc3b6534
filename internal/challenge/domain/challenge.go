package domain

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Type distinguishes self challenges (community-verified) from friend challenges (challenger-verified).
type Type string

const (
	TypeSelf   Type = "self"
	TypeFriend Type = "friend"
)

// Status is a challenge's lifecycle state.
type Status string

const (
	StatusPending              Status = "pending"
	StatusActive               Status = "active"
	StatusAwaitingVerification Status = "awaiting_verification"
	StatusCompleted            Status = "completed"
	StatusFailed               Status = "failed"
)

// DefaultCurrency is used when a draft does not name one.
const DefaultCurrency = "usd"

var (
	// ErrInvalidArgument is returned by constructors and parsers for malformed input.
	ErrInvalidArgument = errors.New("invalid challenge argument")
	// ErrInvalidState is returned for a status transition the state machine does not allow.
	ErrInvalidState = errors.New("invalid challenge state transition")
)

// Challenge is a stake-backed commitment. PotAmount is in minor currency units.
type Challenge struct {
	ID             string
	Type           Type
	Description    string
	Deadline       time.Time
	Status         Status
	ChallengerID   string
	ChallengeeID   string
	PotAmount      int64
	SupporterIDs   []string
	ProofURL       string
	EscrowIntentID string
	Currency       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Draft holds the caller-supplied fields of a new challenge.
type Draft struct {
	Description  string
	Deadline     time.Time
	ChallengeeID string
	Currency     string
}

// NewSelfChallenge builds an active self challenge with an empty pot.
func NewSelfChallenge(id, challengerID string, d Draft, now time.Time) (*Challenge, error) {
	if strings.TrimSpace(d.ChallengeeID) != "" {
		return nil, fmt.Errorf("%w: self challenges have no challengee", ErrInvalidArgument)
	}
	c, err := newChallenge(id, TypeSelf, challengerID, d, now)
	if err != nil {
		return nil, err
	}
	c.Status = StatusActive
	return c, nil
}

// NewFriendChallenge builds a pending friend challenge backed by an already authorized hold for stake.
func NewFriendChallenge(id, challengerID string, d Draft, stake int64, escrowIntentID string, now time.Time) (*Challenge, error) {
	challengeeID := strings.TrimSpace(d.ChallengeeID)
	if challengeeID == "" {
		return nil, fmt.Errorf("%w: challengee is required", ErrInvalidArgument)
	}
	if challengeeID == strings.TrimSpace(challengerID) {
		return nil, fmt.Errorf("%w: cannot challenge yourself", ErrInvalidArgument)
	}
	if stake <= 0 {
		return nil, fmt.Errorf("%w: stake must be a positive amount", ErrInvalidArgument)
	}
	if strings.TrimSpace(escrowIntentID) == "" {
		return nil, fmt.Errorf("%w: escrow intent is required", ErrInvalidArgument)
	}
	c, err := newChallenge(id, TypeFriend, challengerID, d, now)
	if err != nil {
		return nil, err
	}
	c.ChallengeeID = challengeeID
	c.Status = StatusPending
	c.PotAmount = stake
	c.EscrowIntentID = strings.TrimSpace(escrowIntentID)
	return c, nil
}

func newChallenge(id string, t Type, challengerID string, d Draft, now time.Time) (*Challenge, error) {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(challengerID) == "" {
		return nil, fmt.Errorf("%w: id and challenger are required", ErrInvalidArgument)
	}
	desc := strings.TrimSpace(d.Description)
	if desc == "" {
		return nil, fmt.Errorf("%w: description is required", ErrInvalidArgument)
	}
	if !d.Deadline.After(now) {
		return nil, fmt.Errorf("%w: deadline must be in the future", ErrInvalidArgument)
	}
	currency := strings.ToLower(strings.TrimSpace(d.Currency))
	if currency == "" {
		currency = DefaultCurrency
	}
	if len(currency) != 3 {
		return nil, fmt.Errorf("%w: currency must be a three-letter ISO code", ErrInvalidArgument)
	}
	return &Challenge{
		ID:           id,
		Type:         t,
		Description:  desc,
		Deadline:     d.Deadline.UTC(),
		ChallengerID: strings.TrimSpace(challengerID),
		SupporterIDs: []string{},
		Currency:     currency,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// ParseType returns the Type for s or ErrInvalidArgument.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeSelf, TypeFriend:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown challenge type %q", ErrInvalidArgument, s)
}

// ParseStatus returns the Status for s or ErrInvalidArgument.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusActive, StatusAwaitingVerification, StatusCompleted, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown challenge status %q", ErrInvalidArgument, s)
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var transitions = map[Status][]Status{
	StatusPending:              {StatusActive},
	StatusActive:               {StatusAwaitingVerification},
	StatusAwaitingVerification: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// CheckTransition returns ErrInvalidState when from -> to is not allowed.
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, from, to)
	}
	return nil
}

// IsParticipant reports whether userID is the challenger, the challengee, or a supporter.
func (c *Challenge) IsParticipant(userID string) bool {
	if c == nil || userID == "" {
		return false
	}
	return c.ChallengerID == userID || c.ChallengeeID == userID || slices.Contains(c.SupporterIDs, userID)
}

// AcceptsStakes reports whether supporters may still fund the challenge.
func (c *Challenge) AcceptsStakes() bool {
	return c != nil && c.Type == TypeSelf && c.Status == StatusActive
}

// ValidateFriend checks a friend draft before its hold exists, with the same rules NewFriendChallenge applies.
func ValidateFriend(challengerID string, d Draft, stake int64, now time.Time) error {
	_, err := NewFriendChallenge("draft", challengerID, d, stake, "unverified", now)
	return err
}
