package repository

import (
	"context"

	"commitment-escrow/backend/internal/progress/domain"
)

// Repository defines persistence for progress reports.
type Repository interface {
	Create(ctx context.Context, r *domain.Report) error
	// ListByChallenge returns reports newest first.
	ListByChallenge(ctx context.Context, challengeID string, limit int32) ([]*domain.Report, error)
}
