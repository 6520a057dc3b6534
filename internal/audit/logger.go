package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"commitment-escrow/backend/internal/audit/domain"
	auditrepo "commitment-escrow/backend/internal/audit/repository"
)

// IPExtractor returns the client IP from the request context.
type IPExtractor func(context.Context) string

// Entry is one audited call. ChallengeID is empty for calls not scoped to a challenge.
type Entry struct {
	ChallengeID string
	UserID      string
	Action      string
	Resource    string
	Metadata    map[string]string
}

// Logger persists audit entries. Log is best-effort: failures are logged and never reach the caller.
type Logger struct {
	repo        auditrepo.Repository
	ipExtractor IPExtractor
	now         func() time.Time
}

// NewLogger returns a Logger that persists to repo. ipExtractor may be nil; then IP is recorded as "unknown".
func NewLogger(repo auditrepo.Repository, ipExtractor IPExtractor) *Logger {
	return &Logger{repo: repo, ipExtractor: ipExtractor, now: func() time.Time { return time.Now().UTC() }}
}

// Log writes one audit log entry.
func (l *Logger) Log(ctx context.Context, e Entry) {
	if l == nil || l.repo == nil {
		return
	}
	ip := "unknown"
	if l.ipExtractor != nil {
		if s := l.ipExtractor(ctx); s != "" {
			ip = s
		}
	}
	var meta string
	if len(e.Metadata) > 0 {
		if b, err := json.Marshal(e.Metadata); err == nil {
			meta = string(b)
		}
	}
	entry := &domain.AuditLog{
		ID:          uuid.New().String(),
		ChallengeID: e.ChallengeID,
		UserID:      e.UserID,
		Action:      e.Action,
		Resource:    e.Resource,
		IP:          ip,
		Metadata:    meta,
		CreatedAt:   l.now(),
	}
	if err := l.repo.Create(ctx, entry); err != nil {
		log.Printf("audit: failed to log event %s/%s: %v", e.Action, e.Resource, err)
	}
}

// List returns a challenge's audit trail, newest first.
func (l *Logger) List(ctx context.Context, challengeID string, limit, offset int32) ([]*domain.AuditLog, error) {
	return l.repo.ListByChallenge(ctx, challengeID, limit, offset)
}
