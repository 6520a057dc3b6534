package telemetry

import (
	"encoding/json"
	"time"
)

// EventType names a challenge lifecycle event.
type EventType string

const (
	EventChallengeCreated     EventType = "challenge_created"
	EventChallengeAccepted    EventType = "challenge_accepted"
	EventStakeFunded          EventType = "stake_funded"
	EventProofSubmitted       EventType = "proof_submitted"
	EventVoteCast             EventType = "vote_cast"
	EventProgressReported     EventType = "progress_reported"
	EventChallengeSettled     EventType = "challenge_settled"
	EventSettlementReconciled EventType = "settlement_reconciled"
	EventHoldCanceled         EventType = "hold_canceled"
)

// Event is one challenge lifecycle event. It is serialized as JSON onto Kafka and read back by the worker.
type Event struct {
	Type        EventType         `json:"eventType"`
	ChallengeID string            `json:"challengeId,omitempty"`
	UserID      string            `json:"userId,omitempty"`
	Status      string            `json:"status,omitempty"`
	Amount      int64             `json:"amount,omitempty"`
	Source      string            `json:"source,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// NewEvent returns an Event stamped with the current UTC time.
func NewEvent(t EventType, challengeID, userID string) *Event {
	return &Event{Type: t, ChallengeID: challengeID, UserID: userID, CreatedAt: time.Now().UTC()}
}

// With sets a metadata key and returns e for chaining. Empty values are skipped.
func (e *Event) With(key, value string) *Event {
	if e == nil || value == "" {
		return e
	}
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// MetadataJSON returns the metadata as a JSON object, or nil when there is none.
func (e *Event) MetadataJSON() []byte {
	if e == nil || len(e.Metadata) == 0 {
		return nil
	}
	b, err := json.Marshal(e.Metadata)
	if err != nil {
		return nil
	}
	return b
}
