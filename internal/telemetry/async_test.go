package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockEventEmitter implements EventEmitter for tests.
type mockEventEmitter struct {
	mu      sync.Mutex
	events  []*Event
	emitErr error
	delay   time.Duration
	done    chan struct{}
}

func (m *mockEventEmitter) Emit(ctx context.Context, event *Event) error {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
	}
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
	if m.done != nil {
		m.done <- struct{}{}
	}
	return m.emitErr
}

func (m *mockEventEmitter) getEvents() []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Event(nil), m.events...)
}

func waitN(t *testing.T, done <-chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for emit %d of %d", i+1, n)
		}
	}
}

func TestEmitAsync_NilEmitter(t *testing.T) {
	// Should not panic
	EmitAsync(nil, NewEvent(EventVoteCast, "c1", "u1"))
}

func TestEmitAsync_NilEvent(t *testing.T) {
	emitter := &mockEventEmitter{}
	EmitAsync(emitter, nil)
	time.Sleep(10 * time.Millisecond)
	if n := len(emitter.getEvents()); n != 0 {
		t.Errorf("expected 0 events, got %d", n)
	}
}

func TestEmitAsync_SuccessfulEmit(t *testing.T) {
	emitter := &mockEventEmitter{done: make(chan struct{}, 1)}
	EmitAsync(emitter, NewEvent(EventStakeFunded, "c1", "carol").With("intent_id", "pi_1"))
	waitN(t, emitter.done, 1)

	events := emitter.getEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].ChallengeID != "c1" || events[0].UserID != "carol" || events[0].Type != EventStakeFunded {
		t.Errorf("unexpected event %+v", events[0])
	}
	if events[0].Metadata["intent_id"] != "pi_1" {
		t.Errorf("metadata = %v", events[0].Metadata)
	}
}

func TestEmitAsync_ErrorIsSwallowed(t *testing.T) {
	emitter := &mockEventEmitter{emitErr: context.DeadlineExceeded, done: make(chan struct{}, 1)}
	EmitAsync(emitter, NewEvent(EventChallengeSettled, "c1", ""))
	waitN(t, emitter.done, 1)
}

func TestEmitAsync_ConcurrentAccess(t *testing.T) {
	emitter := &mockEventEmitter{done: make(chan struct{}, 10)}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			EmitAsync(emitter, NewEvent(EventVoteCast, "c1", "u"))
		}()
	}
	wg.Wait()
	waitN(t, emitter.done, 10)
	if n := len(emitter.getEvents()); n != 10 {
		t.Errorf("expected 10 events, got %d", n)
	}
}

func TestFanout(t *testing.T) {
	a := &mockEventEmitter{}
	boom := errors.New("boom")
	b := &mockEventEmitter{emitErr: boom}
	em := Fanout(a, nil, b)
	err := em.Emit(context.Background(), NewEvent(EventProofSubmitted, "c1", "bob"))
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	if len(a.getEvents()) != 1 || len(b.getEvents()) != 1 {
		t.Error("every emitter should receive the event")
	}
	if err := Fanout().Emit(context.Background(), NewEvent(EventVoteCast, "c1", "")); err != nil {
		t.Errorf("empty fanout err = %v", err)
	}
}

func TestEventWithAndMetadataJSON(t *testing.T) {
	e := NewEvent(EventChallengeCreated, "c1", "alice")
	if e.MetadataJSON() != nil {
		t.Error("no metadata should encode as nil")
	}
	e.With("type", "friend").With("empty", "")
	if _, ok := e.Metadata["empty"]; ok {
		t.Error("empty values should be skipped")
	}
	if got := string(e.MetadataJSON()); got != `{"type":"friend"}` {
		t.Errorf("MetadataJSON = %s", got)
	}
	if e.CreatedAt.IsZero() {
		t.Error("NewEvent should stamp CreatedAt")
	}
}
