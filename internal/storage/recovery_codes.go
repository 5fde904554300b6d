package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RecoveryCodeRepo persists hashed one-time recovery codes.
type RecoveryCodeRepo struct {
	pool *pgxpool.Pool
}

func NewRecoveryCodeRepo(pool *pgxpool.Pool) *RecoveryCodeRepo {
	return &RecoveryCodeRepo{pool: pool}
}

// Replace inserts a fresh batch of code hashes, optionally deleting the
// user's prior codes in the same transaction.
func (r *RecoveryCodeRepo) Replace(ctx context.Context, userID string, codeHashes []string, deleteExisting bool) error {
	return WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if deleteExisting {
			if _, err := tx.Exec(ctx,
				`DELETE FROM two_factor_recovery_codes WHERE user_id = $1`, userID); err != nil {
				return fmt.Errorf("delete recovery codes: %w", err)
			}
		}
		for _, hash := range codeHashes {
			if _, err := tx.Exec(ctx, `
				INSERT INTO two_factor_recovery_codes (id, user_id, code_hash, used)
				VALUES ($1, $2, $3, FALSE)`,
				uuid.NewString(), userID, hash); err != nil {
				return fmt.Errorf("insert recovery code: %w", err)
			}
		}
		return nil
	})
}

// ListUnused returns the user's unused codes.
func (r *RecoveryCodeRepo) ListUnused(ctx context.Context, userID string) ([]*RecoveryCode, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, code_hash, used, used_at
		FROM two_factor_recovery_codes
		WHERE user_id = $1 AND NOT used`, userID)
	if err != nil {
		return nil, fmt.Errorf("list recovery codes: %w", err)
	}
	defer rows.Close()

	var out []*RecoveryCode
	for rows.Next() {
		var c RecoveryCode
		if err := rows.Scan(&c.ID, &c.UserID, &c.CodeHash, &c.Used, &c.UsedAt); err != nil {
			return nil, fmt.Errorf("scan recovery code: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// MarkUsed consumes a single code. Used is terminal, so the guard makes the
// operation race-safe: only one caller observes RowsAffected = 1.
func (r *RecoveryCodeRepo) MarkUsed(ctx context.Context, codeID string, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE two_factor_recovery_codes
		SET used = TRUE, used_at = $2
		WHERE id = $1 AND NOT used`, codeID, at)
	if err != nil {
		return false, fmt.Errorf("mark recovery code used: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteAll removes every code for the user.
func (r *RecoveryCodeRepo) DeleteAll(ctx context.Context, userID string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM two_factor_recovery_codes WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete recovery codes: %w", err)
	}
	return nil
}
