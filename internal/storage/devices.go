package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DeviceRepo persists user devices. (user_id, fingerprint) is logically
// unique; concurrent first sightings resolve first-write-wins.
type DeviceRepo struct {
	pool *pgxpool.Pool
}

func NewDeviceRepo(pool *pgxpool.Pool) *DeviceRepo {
	return &DeviceRepo{pool: pool}
}

const deviceColumns = `id, user_id, fingerprint, device_type, os, browser,
	is_trusted, last_used_at, created_at`

func scanDevice(row pgx.Row) (*Device, error) {
	var d Device
	err := row.Scan(
		&d.ID, &d.UserID, &d.Fingerprint, &d.DeviceType, &d.OS, &d.Browser,
		&d.IsTrusted, &d.LastUsedAt, &d.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan device: %w", err)
	}
	return &d, nil
}

// Insert writes the device. On a (user_id, fingerprint) collision the
// existing row wins and is returned instead.
func (r *DeviceRepo) Insert(ctx context.Context, d *Device) (*Device, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO user_devices (`+deviceColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (user_id, fingerprint) DO NOTHING`,
		d.ID, d.UserID, d.Fingerprint, d.DeviceType, d.OS, d.Browser,
		d.IsTrusted, d.LastUsedAt, d.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.GetByFingerprint(ctx, d.UserID, d.Fingerprint)
	}
	return d, nil
}

// GetByID fetches a device scoped to its owner.
func (r *DeviceRepo) GetByID(ctx context.Context, userID, deviceID string) (*Device, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM user_devices WHERE id = $1 AND user_id = $2`,
		deviceID, userID)
	return scanDevice(row)
}

// GetByFingerprint fetches the most recently used device matching the
// fingerprint for the user.
func (r *DeviceRepo) GetByFingerprint(ctx context.Context, userID, fingerprint string) (*Device, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+deviceColumns+`
		FROM user_devices
		WHERE user_id = $1 AND fingerprint = $2
		ORDER BY last_used_at DESC
		LIMIT 1`, userID, fingerprint)
	return scanDevice(row)
}

// ListByUser returns all devices for a user, most recently used first.
func (r *DeviceRepo) ListByUser(ctx context.Context, userID string) ([]*Device, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+deviceColumns+` FROM user_devices WHERE user_id = $1 ORDER BY last_used_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Touch updates last_used_at.
func (r *DeviceRepo) Touch(ctx context.Context, deviceID string, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE user_devices SET last_used_at = $2 WHERE id = $1`, deviceID, at)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

// SetTrusted flips the trust flag, scoped to the owner.
func (r *DeviceRepo) SetTrusted(ctx context.Context, userID, deviceID string, trusted bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE user_devices SET is_trusted = $3 WHERE id = $1 AND user_id = $2`,
		deviceID, userID, trusted)
	if err != nil {
		return fmt.Errorf("set device trust: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a device, scoped to the owner.
func (r *DeviceRepo) Delete(ctx context.Context, userID, deviceID string) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM user_devices WHERE id = $1 AND user_id = $2`, deviceID, userID)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
