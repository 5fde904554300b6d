package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// UserRepo persists users.
type UserRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) *UserRepo {
	return &UserRepo{pool: pool}
}

const userColumns = `id, username, email, phone, password_hash, status, role,
	secondary_roles, two_factor_enabled, two_factor_secret, two_factor_method,
	last_login_at, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	var secondary *string
	err := row.Scan(
		&u.ID, &u.Username, &u.Email, &u.Phone, &u.PasswordHash, &u.Status,
		&u.Role, &secondary, &u.TwoFactorEnabled, &u.TwoFactorSecret,
		&u.TwoFactorMethod, &u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.SecondaryRoles = parseSecondaryRoles(secondary)
	return &u, nil
}

// parseSecondaryRoles accepts either a JSON array or a comma-separated
// string; legacy rows carry both forms.
func parseSecondaryRoles(raw *string) []string {
	if raw == nil || *raw == "" {
		return nil
	}
	s := strings.TrimSpace(*raw)

	if strings.HasPrefix(s, "[") {
		var roles []string
		if err := json.Unmarshal([]byte(s), &roles); err == nil {
			return trimNonEmpty(roles)
		}
	}

	return trimNonEmpty(strings.Split(s, ","))
}

func trimNonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, r := range in {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// GetByID fetches a user by primary key.
func (r *UserRepo) GetByID(ctx context.Context, id string) (*User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// GetByIdentifier resolves a user by username, email, or phone.
func (r *UserRepo) GetByIdentifier(ctx context.Context, identifier string) (*User, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE username = $1 OR email = $1 OR phone = $1
		LIMIT 1`, identifier)
	return scanUser(row)
}

// UpdateLastLogin touches last_login_at.
func (r *UserRepo) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET last_login_at = $2, updated_at = NOW() WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}

// UpdatePassword replaces the password hash.
func (r *UserRepo) UpdatePassword(ctx context.Context, id string, passwordHash string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`, id, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// EnableTwoFactor persists the TOTP secret and flips the flag in one write.
func (r *UserRepo) EnableTwoFactor(ctx context.Context, id string, secret string, method string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users
		SET two_factor_enabled = TRUE,
		    two_factor_secret = $2,
		    two_factor_method = $3,
		    updated_at = NOW()
		WHERE id = $1`, id, secret, method)
	if err != nil {
		return fmt.Errorf("enable two factor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DisableTwoFactor clears the secret and method.
func (r *UserRepo) DisableTwoFactor(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users
		SET two_factor_enabled = FALSE,
		    two_factor_secret = NULL,
		    two_factor_method = NULL,
		    updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("disable two factor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
