package repository

import (
	"context"
	"database/sql"

	"commitment-escrow/backend/internal/vote/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a vote repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Upsert inserts the vote or overwrites the voter's previous value. CreatedAt of the first vote is kept.
func (r *PostgresRepository) Upsert(ctx context.Context, v *domain.Vote) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO votes (challenge_id, voter_id, value, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (challenge_id, voter_id) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		v.ChallengeID, v.VoterID, string(v.Value), v.UpdatedAt)
	return err
}

// ListByChallenge returns votes for the challenge ordered by voter. Returns (nil, error) only on database errors.
func (r *PostgresRepository) ListByChallenge(ctx context.Context, challengeID string) ([]*domain.Vote, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT challenge_id, voter_id, value, created_at, updated_at
		FROM votes WHERE challenge_id = $1 ORDER BY voter_id`, challengeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Vote
	for rows.Next() {
		var (
			v     domain.Vote
			value string
		)
		if err := rows.Scan(&v.ChallengeID, &v.VoterID, &value, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, err
		}
		v.Value = domain.Value(value)
		out = append(out, &v)
	}
	return out, rows.Err()
}
