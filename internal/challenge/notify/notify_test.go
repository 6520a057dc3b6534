package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"commitment-escrow/backend/internal/challenge/domain"
	"commitment-escrow/backend/internal/challenge/feed"
	"commitment-escrow/backend/internal/telemetry"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []*telemetry.Event
	done   chan struct{}
}

func (r *recordingEmitter) Emit(_ context.Context, e *telemetry.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	r.done <- struct{}{}
	return nil
}

func TestChanged_PublishesAndEmits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := feed.NewLocal()
	sub, err := f.Subscribe(ctx, "c1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	em := &recordingEmitter{done: make(chan struct{}, 1)}
	n := New(f, em)

	c := &domain.Challenge{ID: "c1", Status: domain.StatusActive, PotAmount: 2000, SupporterIDs: []string{"carol"}}
	n.Changed(ctx, c, Change{Event: telemetry.EventStakeFunded, UserID: "carol", Amount: 2000, Source: "funding"})

	select {
	case s := <-sub:
		if s.Event != string(telemetry.EventStakeFunded) || s.PotAmount != 2000 || s.SupporterCount != 1 {
			t.Errorf("snapshot = %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot published")
	}
	select {
	case <-em.done:
	case <-time.After(2 * time.Second):
		t.Fatal("no telemetry event emitted")
	}
	em.mu.Lock()
	defer em.mu.Unlock()
	got := em.events[0]
	if got.ChallengeID != "c1" || got.Status != "active" || got.Amount != 2000 || got.UserID != "carol" {
		t.Errorf("event = %+v", got)
	}
}

func TestChanged_NilSafe(t *testing.T) {
	var n *Notifier
	n.Changed(context.Background(), &domain.Challenge{ID: "c1"}, Change{Event: telemetry.EventVoteCast})
	New(nil, nil).Changed(context.Background(), &domain.Challenge{ID: "c1"}, Change{Event: telemetry.EventVoteCast})
	New(nil, nil).Changed(context.Background(), nil, Change{})
}

func TestEmit_DefaultsSource(t *testing.T) {
	em := &recordingEmitter{done: make(chan struct{}, 1)}
	New(nil, em).Emit(telemetry.NewEvent(telemetry.EventHoldCanceled, "", "").With("escrow_intent_id", "pi_1"))
	select {
	case <-em.done:
	case <-time.After(2 * time.Second):
		t.Fatal("no event emitted")
	}
	em.mu.Lock()
	defer em.mu.Unlock()
	if em.events[0].Source != "funding" || em.events[0].Metadata["escrow_intent_id"] != "pi_1" {
		t.Errorf("event = %+v", em.events[0])
	}
	var n *Notifier
	n.Emit(telemetry.NewEvent(telemetry.EventHoldCanceled, "", ""))
}
