// Package device provides stable device identity: user-agent normalization,
// deterministic fingerprints, and the trust registry.
package device

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/suoke-life/auth-service/internal/apperr"
	"github.com/suoke-life/auth-service/internal/crypto"
	"github.com/suoke-life/auth-service/internal/storage"
)

// Store is the slice of the relational layer the registry needs.
type Store interface {
	Insert(ctx context.Context, d *storage.Device) (*storage.Device, error)
	GetByID(ctx context.Context, userID, deviceID string) (*storage.Device, error)
	GetByFingerprint(ctx context.Context, userID, fingerprint string) (*storage.Device, error)
	ListByUser(ctx context.Context, userID string) ([]*storage.Device, error)
	Touch(ctx context.Context, deviceID string, at time.Time) error
	SetTrusted(ctx context.Context, userID, deviceID string, trusted bool) error
	Delete(ctx context.Context, userID, deviceID string) error
}

// Registry implements device identity and trust.
type Registry struct {
	store  Store
	logger *slog.Logger
}

func NewRegistry(store Store, logger *slog.Logger) *Registry {
	return &Registry{store: store, logger: logger}
}

// Fingerprint derives the deterministic identity of a device from its
// normalized attributes. Re-running on the same normalized inputs yields the
// same 64-hex digest.
func Fingerprint(info Info) string {
	n := Normalize(info)
	return crypto.Fingerprint(
		n.DeviceType,
		n.OSName,
		n.OSVersion,
		n.BrowserName,
		n.BrowserVersion,
		n.UserAgent,
		n.ClientID,
		n.AppVersion,
	)
}

// Register stores a new device record for the user. On a fingerprint
// collision the earlier record wins.
func (r *Registry) Register(ctx context.Context, userID string, info Info, trusted bool) (*storage.Device, error) {
	n := Normalize(info)
	now := time.Now().UTC()
	d := &storage.Device{
		ID:          uuid.NewString(),
		UserID:      userID,
		Fingerprint: Fingerprint(info),
		DeviceType:  n.DeviceType,
		OS:          n.OSName,
		Browser:     n.BrowserName,
		IsTrusted:   trusted,
		LastUsedAt:  now,
		CreatedAt:   now,
	}

	stored, err := r.store.Insert(ctx, d)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return stored, nil
}

// Identify resolves the device matching the client attributes, touching
// last_used_at on a hit. Returns nil when the device is unseen.
func (r *Registry) Identify(ctx context.Context, userID string, info Info) (*storage.Device, error) {
	d, err := r.store.GetByFingerprint(ctx, userID, Fingerprint(info))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, apperr.Internal(err)
	}

	if err := r.store.Touch(ctx, d.ID, time.Now().UTC()); err != nil {
		r.logger.Warn("device_touch_failed", "device_id", d.ID, "error", err)
	}
	return d, nil
}

// RegisterAndTrust identifies or registers the device, upgrading trust when
// asked. Used after a successful second factor with "remember this device".
func (r *Registry) RegisterAndTrust(ctx context.Context, userID string, info Info, trust bool) (*storage.Device, error) {
	d, err := r.Identify(ctx, userID, info)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return r.Register(ctx, userID, info, trust)
	}
	if trust && !d.IsTrusted {
		if err := r.Trust(ctx, userID, d.ID); err != nil {
			return nil, err
		}
		d.IsTrusted = true
	}
	return d, nil
}

func (r *Registry) setTrust(ctx context.Context, userID, deviceID string, trusted bool) error {
	if err := r.store.SetTrusted(ctx, userID, deviceID, trusted); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.E(apperr.KindNotFound, "device not found")
		}
		return apperr.Internal(err)
	}
	return nil
}

// Trust marks a device trusted. The ownership check is the user_id scope.
func (r *Registry) Trust(ctx context.Context, userID, deviceID string) error {
	return r.setTrust(ctx, userID, deviceID, true)
}

// Untrust clears the trust flag.
func (r *Registry) Untrust(ctx context.Context, userID, deviceID string) error {
	return r.setTrust(ctx, userID, deviceID, false)
}

// Get fetches a device scoped to its owner.
func (r *Registry) Get(ctx context.Context, userID, deviceID string) (*storage.Device, error) {
	d, err := r.store.GetByID(ctx, userID, deviceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.E(apperr.KindNotFound, "device not found")
		}
		return nil, apperr.Internal(err)
	}
	return d, nil
}

// List returns all devices of the user.
func (r *Registry) List(ctx context.Context, userID string) ([]*storage.Device, error) {
	devices, err := r.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return devices, nil
}

// Remove deletes a device, scoped to its owner.
func (r *Registry) Remove(ctx context.Context, userID, deviceID string) error {
	if err := r.store.Delete(ctx, userID, deviceID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.E(apperr.KindNotFound, "device not found")
		}
		return apperr.Internal(err)
	}
	return nil
}
