// Package notify announces challenge changes on the live feed and as telemetry events.
package notify

import (
	"context"
	"log"
	"time"

	"commitment-escrow/backend/internal/challenge/domain"
	"commitment-escrow/backend/internal/challenge/feed"
	"commitment-escrow/backend/internal/telemetry"
)

// Change describes one state change of a challenge.
type Change struct {
	Event    telemetry.EventType
	UserID   string
	Amount   int64
	Source   string
	Metadata map[string]string
}

// Notifier is nil-safe; a nil *Notifier drops every change.
type Notifier struct {
	feed    feed.Feed
	emitter telemetry.EventEmitter
	now     func() time.Time
}

// New returns a Notifier. Either collaborator may be nil.
func New(f feed.Feed, emitter telemetry.EventEmitter) *Notifier {
	return &Notifier{feed: f, emitter: emitter, now: func() time.Time { return time.Now().UTC() }}
}

// Changed publishes c's snapshot synchronously and emits the telemetry event in the background.
// Failures are logged; they never fail the operation that caused the change.
func (n *Notifier) Changed(ctx context.Context, c *domain.Challenge, ch Change) {
	if n == nil || c == nil {
		return
	}
	at := n.now()
	if n.feed != nil {
		if err := n.feed.Publish(ctx, feed.FromChallenge(c, string(ch.Event), at)); err != nil {
			log.Printf("notify: publish %s for challenge %s: %v", ch.Event, c.ID, err)
		}
	}
	ev := &telemetry.Event{
		Type:        ch.Event,
		ChallengeID: c.ID,
		UserID:      ch.UserID,
		Status:      string(c.Status),
		Amount:      ch.Amount,
		Source:      ch.Source,
		Metadata:    ch.Metadata,
		CreatedAt:   at,
	}
	telemetry.EmitAsync(n.emitter, ev)
}

// Emit sends an event that is not tied to a stored challenge, e.g. a hold cancelled before creation.
func (n *Notifier) Emit(ev *telemetry.Event) {
	if n == nil {
		return
	}
	if ev != nil && ev.Source == "" {
		ev.Source = "funding"
	}
	telemetry.EmitAsync(n.emitter, ev)
}
