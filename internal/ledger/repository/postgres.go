package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"commitment-escrow/backend/internal/db"
	"commitment-escrow/backend/internal/ledger/domain"
)

const transactionColumns = `id, challenge_id, user_id, amount, escrow_intent_id, status, created_at, updated_at`

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a ledger repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// RecordHeld locks the challenge row, inserts the entry, and bumps the pot in one transaction.
// The pot is incremented in SQL so concurrent stakes never lose an update.
func (r *PostgresRepository) RecordHeld(ctx context.Context, t *domain.Transaction) error {
	return db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var typ, status string
		err := tx.QueryRowContext(ctx,
			`SELECT type, status FROM challenges WHERE id = $1 FOR UPDATE`, t.ChallengeID).Scan(&typ, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrChallengeNotFound, t.ChallengeID)
		}
		if err != nil {
			return err
		}
		if typ != "self" || status != "active" {
			return fmt.Errorf("%w: %s challenge is %s", ErrNotFundable, typ, status)
		}

		res, err := tx.ExecContext(ctx, `INSERT INTO transactions (`+transactionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (escrow_intent_id) DO NOTHING`,
			t.ID, t.ChallengeID, t.UserID, t.Amount, t.EscrowIntentID, string(domain.StatusHeld), t.CreatedAt, t.UpdatedAt)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateIntent, t.EscrowIntentID)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE challenges SET pot_amount = pot_amount + $2, updated_at = $3 WHERE id = $1`,
			t.ChallengeID, t.Amount, t.CreatedAt); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO challenge_supporters (challenge_id, user_id, added_at)
			VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`, t.ChallengeID, t.UserID, t.CreatedAt)
		return err
	})
}

// MarkReleased transitions a held entry to released.
func (r *PostgresRepository) MarkReleased(ctx context.Context, id string) (bool, error) {
	return r.settle(ctx, id, domain.StatusReleased)
}

// MarkRefunded transitions a held entry to refunded.
func (r *PostgresRepository) MarkRefunded(ctx context.Context, id string) (bool, error) {
	return r.settle(ctx, id, domain.StatusRefunded)
}

func (r *PostgresRepository) settle(ctx context.Context, id string, to domain.Status) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE transactions SET status = $2, updated_at = $3 WHERE id = $1 AND status = 'held'`,
		id, string(to), time.Now().UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("%w: %s", ErrInvalidState, id)
	}
	return false, nil
}

// GetByID returns the entry for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Transaction, error) {
	return r.getOne(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
}

// GetByIntentID returns the entry for the escrow intent, or nil if not found.
func (r *PostgresRepository) GetByIntentID(ctx context.Context, intentID string) (*domain.Transaction, error) {
	return r.getOne(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE escrow_intent_id = $1`, intentID)
}

// ListByChallenge returns entries for the challenge, optionally filtered by status.
func (r *PostgresRepository) ListByChallenge(ctx context.Context, challengeID string, status domain.Status) ([]*domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE challenge_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at, id`, challengeID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) getOne(ctx context.Context, query, arg string) (*domain.Transaction, error) {
	t, err := scanTransaction(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		t      domain.Transaction
		status string
	)
	if err := row.Scan(&t.ID, &t.ChallengeID, &t.UserID, &t.Amount, &t.EscrowIntentID, &status, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = domain.Status(status)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}
