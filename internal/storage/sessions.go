package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SessionRepo persists user sessions.
type SessionRepo struct {
	pool *pgxpool.Pool
}

func NewSessionRepo(pool *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

const sessionColumns = `id, user_id, token_id, device_id, fingerprint, ip,
	user_agent, location, status, is_current, created_at, last_active_at, expires_at`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(
		&s.ID, &s.UserID, &s.TokenID, &s.DeviceID, &s.Fingerprint, &s.IP,
		&s.UserAgent, &s.Location, &s.Status, &s.IsCurrent, &s.CreatedAt,
		&s.LastActiveAt, &s.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &s, nil
}

// Insert writes a new session row.
func (r *SessionRepo) Insert(ctx context.Context, s *Session) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_sessions (`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		s.ID, s.UserID, s.TokenID, s.DeviceID, s.Fingerprint, s.IP,
		s.UserAgent, s.Location, s.Status, s.IsCurrent, s.CreatedAt,
		s.LastActiveAt, s.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetByID fetches a session by primary key.
func (r *SessionRepo) GetByID(ctx context.Context, id string) (*Session, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM user_sessions WHERE id = $1`, id)
	return scanSession(row)
}

// GetByTokenID fetches the session bound to an access token jti.
func (r *SessionRepo) GetByTokenID(ctx context.Context, tokenID string) (*Session, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM user_sessions WHERE token_id = $1`, tokenID)
	return scanSession(row)
}

// ListByUser returns a user's sessions, most recent first.
func (r *SessionRepo) ListByUser(ctx context.Context, userID string, activeOnly bool, limit, offset int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + sessionColumns + ` FROM user_sessions WHERE user_id = $1`
	if activeOnly {
		query += ` AND status IN ('active','suspicious') AND expires_at > NOW()`
	}
	query += ` ORDER BY last_active_at DESC LIMIT $2 OFFSET $3`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// RecentActive returns up to limit most recent bearer-valid sessions,
// used by the risk heuristics.
func (r *SessionRepo) RecentActive(ctx context.Context, userID string, limit int) ([]*Session, error) {
	return r.ListByUser(ctx, userID, true, limit, 0)
}

// UpdateActivity touches last_active_at.
func (r *SessionRepo) UpdateActivity(ctx context.Context, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE user_sessions SET last_active_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("update session activity: %w", err)
	}
	return nil
}

// UpdateStatus sets the status and optionally extends expiry. Transition
// legality is enforced by the session manager, not here.
func (r *SessionRepo) UpdateStatus(ctx context.Context, id string, status string, expiresAt *time.Time) error {
	var tag pgconn.CommandTag
	var err error
	if expiresAt != nil {
		tag, err = r.pool.Exec(ctx,
			`UPDATE user_sessions SET status = $2, expires_at = $3 WHERE id = $1`,
			id, status, *expiresAt)
	} else {
		tag, err = r.pool.Exec(ctx,
			`UPDATE user_sessions SET status = $2 WHERE id = $1`, id, status)
	}
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// BindToken attaches the issued access token and device to the session.
func (r *SessionRepo) BindToken(ctx context.Context, id string, tokenID string, deviceID *string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE user_sessions SET token_id = $2, device_id = $3 WHERE id = $1`,
		id, tokenID, deviceID)
	if err != nil {
		return fmt.Errorf("bind session token: %w", err)
	}
	return nil
}

// HasCurrent reports whether the user already has a current session.
func (r *SessionRepo) HasCurrent(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_sessions WHERE user_id = $1 AND is_current)`,
		userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has current session: %w", err)
	}
	return exists, nil
}

// SetCurrent transactionally clears the current flag on the user's other
// sessions and sets it on the target.
func (r *SessionRepo) SetCurrent(ctx context.Context, userID string, sessionID string) error {
	return WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE user_sessions SET is_current = FALSE WHERE user_id = $1 AND is_current AND id <> $2`,
			userID, sessionID); err != nil {
			return fmt.Errorf("clear current sessions: %w", err)
		}
		tag, err := tx.Exec(ctx,
			`UPDATE user_sessions SET is_current = TRUE WHERE id = $1 AND user_id = $2`,
			sessionID, userID)
		if err != nil {
			return fmt.Errorf("set current session: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// RevokeAll marks every non-terminal session of the user revoked, except the
// optional exception, and returns the count.
func (r *SessionRepo) RevokeAll(ctx context.Context, userID string, exceptID string) (int, error) {
	var count int64
	err := WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE user_sessions
			SET status = 'revoked', is_current = FALSE
			WHERE user_id = $1
			  AND status NOT IN ('expired','revoked')
			  AND ($2 = '' OR id <> $2)`,
			userID, exceptID)
		if err != nil {
			return fmt.Errorf("revoke all sessions: %w", err)
		}
		count = tag.RowsAffected()
		return nil
	})
	return int(count), err
}

// MarkExpired bulk-expires sessions past their deadline and returns their ids
// so the caller can evict cache entries.
func (r *SessionRepo) MarkExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE user_sessions
		SET status = 'expired', is_current = FALSE
		WHERE expires_at <= $1 AND status NOT IN ('expired','revoked')
		RETURNING id`, now)
	if err != nil {
		return nil, fmt.Errorf("mark expired sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
