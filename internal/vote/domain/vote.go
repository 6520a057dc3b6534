package domain

import (
	"errors"
	"fmt"
	"time"
)

// Value is a voter's verdict on a self challenge.
type Value string

const (
	Pass Value = "pass"
	Fail Value = "fail"
)

// ErrInvalidValue is returned by ParseValue for anything other than pass or fail.
var ErrInvalidValue = errors.New("vote value must be pass or fail")

// Vote is one voter's current verdict. Re-voting replaces it.
type Vote struct {
	ChallengeID string
	VoterID     string
	Value       Value
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ParseValue returns the Value for s or ErrInvalidValue.
func ParseValue(s string) (Value, error) {
	switch v := Value(s); v {
	case Pass, Fail:
		return v, nil
	}
	return "", fmt.Errorf("%w: got %q", ErrInvalidValue, s)
}

// Tally counts pass and fail votes. Unrecognized values count toward neither.
func Tally(votes []*Vote) (pass, fail int) {
	for _, v := range votes {
		if v == nil {
			continue
		}
		switch v.Value {
		case Pass:
			pass++
		case Fail:
			fail++
		}
	}
	return pass, fail
}

// Outcome is the majority verdict. Ties go to pass.
func Outcome(pass, fail int) Value {
	if pass >= fail {
		return Pass
	}
	return Fail
}
