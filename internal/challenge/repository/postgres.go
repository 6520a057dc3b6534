package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"commitment-escrow/backend/internal/challenge/domain"
	"commitment-escrow/backend/internal/db"
	ledgerdomain "commitment-escrow/backend/internal/ledger/domain"

	"github.com/jackc/pgx/v5/pgconn"
)

const challengeColumns = `id, type, description, deadline, status, challenger_id, challengee_id,
	pot_amount, proof_url, escrow_intent_id, currency, created_at, updated_at`

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a challenge repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID returns the challenge for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Challenge, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+challengeColumns+` FROM challenges WHERE id = $1`, id)
	c, err := scanChallenge(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if c.SupporterIDs, err = r.supporters(ctx, c.ID); err != nil {
		return nil, err
	}
	return c, nil
}

// ListByUser returns challenges the user participates in, newest first. Returns (nil, error) only on database errors.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID string) ([]*domain.Challenge, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+challengeColumns+` FROM challenges
		WHERE challenger_id = $1 OR challengee_id = $1
		   OR id IN (SELECT challenge_id FROM challenge_supporters WHERE user_id = $1)
		ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, c := range out {
		if c.SupporterIDs, err = r.supporters(ctx, c.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Create persists the challenge. The challenge must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, c *domain.Challenge) error {
	return db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		return insertChallenge(ctx, tx, c)
	})
}

// CreateWithStake persists the challenge and its first held transaction in one database transaction.
func (r *PostgresRepository) CreateWithStake(ctx context.Context, c *domain.Challenge, t *ledgerdomain.Transaction) error {
	if t == nil || t.ChallengeID != c.ID || t.Amount != c.PotAmount || t.Status != ledgerdomain.StatusHeld {
		return fmt.Errorf("challenge %s: stake does not match pot", c.ID)
	}
	return db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := insertChallenge(ctx, tx, c); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO transactions
			(id, challenge_id, user_id, amount, escrow_intent_id, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			t.ID, t.ChallengeID, t.UserID, t.Amount, t.EscrowIntentID, string(t.Status), t.CreatedAt, t.UpdatedAt)
		return mapUniqueViolation(err)
	})
}

// TransitionStatus performs a compare-and-swap on the status column.
func (r *PostgresRepository) TransitionStatus(ctx context.Context, id string, from, to domain.Status, patch Patch) (*domain.Challenge, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE challenges
		SET status = $3,
		    proof_url = CASE WHEN $4 = '' THEN proof_url ELSE $4 END,
		    updated_at = $5
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), patch.ProofURL, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	c, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrNotFound
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s is %s, expected %s", ErrStatusConflict, id, c.Status, from)
	}
	return c, nil
}

func (r *PostgresRepository) supporters(ctx context.Context, challengeID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id FROM challenge_supporters WHERE challenge_id = $1 ORDER BY added_at, user_id`, challengeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func insertChallenge(ctx context.Context, tx *sql.Tx, c *domain.Challenge) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO challenges (`+challengeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		c.ID, string(c.Type), c.Description, c.Deadline, string(c.Status), c.ChallengerID, c.ChallengeeID,
		c.PotAmount, c.ProofURL, c.EscrowIntentID, c.Currency, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return mapUniqueViolation(err)
	}
	for _, u := range c.SupporterIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO challenge_supporters (challenge_id, user_id, added_at)
			VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`, c.ID, u, c.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChallenge(row rowScanner) (*domain.Challenge, error) {
	var (
		c              domain.Challenge
		typ, status    string
		createdAt, upd time.Time
	)
	if err := row.Scan(&c.ID, &typ, &c.Description, &c.Deadline, &status, &c.ChallengerID, &c.ChallengeeID,
		&c.PotAmount, &c.ProofURL, &c.EscrowIntentID, &c.Currency, &createdAt, &upd); err != nil {
		return nil, err
	}
	c.Type = domain.Type(typ)
	c.Status = domain.Status(status)
	c.Deadline = c.Deadline.UTC()
	c.CreatedAt = createdAt.UTC()
	c.UpdatedAt = upd.UTC()
	c.SupporterIDs = []string{}
	return &c, nil
}

func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}
