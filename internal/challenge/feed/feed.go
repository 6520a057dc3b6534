// Package feed fans challenge changes out to live subscribers.
package feed

import (
	"context"
	"sync"
	"time"

	"commitment-escrow/backend/internal/challenge/domain"
)

// Snapshot is the public state of a challenge after a change.
type Snapshot struct {
	ChallengeID    string    `json:"challengeId"`
	Event          string    `json:"event"`
	Status         string    `json:"status"`
	PotAmount      int64     `json:"potAmount"`
	SupporterCount int       `json:"supporterCount"`
	ProofURL       string    `json:"proofUrl,omitempty"`
	At             time.Time `json:"at"`
}

// FromChallenge builds the snapshot published after event.
func FromChallenge(c *domain.Challenge, event string, at time.Time) Snapshot {
	return Snapshot{
		ChallengeID:    c.ID,
		Event:          event,
		Status:         string(c.Status),
		PotAmount:      c.PotAmount,
		SupporterCount: len(c.SupporterIDs),
		ProofURL:       c.ProofURL,
		At:             at,
	}
}

// Feed publishes snapshots and lets callers follow one challenge.
// Snapshots for a challenge are delivered in publish order. The returned channel
// is closed when ctx is done.
type Feed interface {
	Publish(ctx context.Context, s Snapshot) error
	Subscribe(ctx context.Context, challengeID string) (<-chan Snapshot, error)
}

const subscriberBuffer = 16

// Local is an in-process Feed. Slow subscribers drop snapshots rather than block publishers.
type Local struct {
	mu   sync.Mutex
	subs map[string]map[chan Snapshot]struct{}
}

// NewLocal returns an empty in-process feed.
func NewLocal() *Local {
	return &Local{subs: make(map[string]map[chan Snapshot]struct{})}
}

func (l *Local) Publish(_ context.Context, s Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ch := range l.subs[s.ChallengeID] {
		select {
		case ch <- s:
		default:
		}
	}
	return nil
}

func (l *Local) Subscribe(ctx context.Context, challengeID string) (<-chan Snapshot, error) {
	ch := make(chan Snapshot, subscriberBuffer)
	l.mu.Lock()
	if l.subs[challengeID] == nil {
		l.subs[challengeID] = make(map[chan Snapshot]struct{})
	}
	l.subs[challengeID][ch] = struct{}{}
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.subs[challengeID], ch)
		if len(l.subs[challengeID]) == 0 {
			delete(l.subs, challengeID)
		}
		close(ch)
		l.mu.Unlock()
	}()
	return ch, nil
}
