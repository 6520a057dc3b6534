package repository

import (
	"context"
	"database/sql"

	"commitment-escrow/backend/internal/progress/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a progress report repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create persists the report. The report must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, rep *domain.Report) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO progress_reports
		(id, challenge_id, user_id, kind, text, media_url, external_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rep.ID, rep.ChallengeID, rep.UserID, string(rep.Kind), rep.Text, rep.MediaURL, rep.ExternalURL, rep.CreatedAt)
	return err
}

// ListByChallenge returns up to limit reports for the challenge, newest first.
func (r *PostgresRepository) ListByChallenge(ctx context.Context, challengeID string, limit int32) ([]*domain.Report, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, challenge_id, user_id, kind, text, media_url, external_url, created_at
		FROM progress_reports WHERE challenge_id = $1 ORDER BY created_at DESC, id LIMIT $2`, challengeID, sql.NullInt32{Int32: limit, Valid: limit > 0})
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Report
	for rows.Next() {
		var (
			rep  domain.Report
			kind string
		)
		if err := rows.Scan(&rep.ID, &rep.ChallengeID, &rep.UserID, &kind, &rep.Text, &rep.MediaURL, &rep.ExternalURL, &rep.CreatedAt); err != nil {
			return nil, err
		}
		rep.Kind = domain.Kind(kind)
		out = append(out, &rep)
	}
	return out, rows.Err()
}
