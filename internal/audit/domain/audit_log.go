package domain

import "time"

// AuditLog represents an audit event. ChallengeID is empty for calls not scoped to a challenge.
type AuditLog struct {
	ID          string
	ChallengeID string
	UserID      string
	Action      string
	Resource    string
	IP          string
	Metadata    string
	CreatedAt   time.Time
}
