// Package twofactor implements the TOTP lifecycle and one-time recovery
// codes. Pending secrets live in the KV cache until activation so an
// abandoned setup leaves no trace.
package twofactor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/suoke-life/auth-service/internal/apperr"
	"github.com/suoke-life/auth-service/internal/crypto"
	"github.com/suoke-life/auth-service/internal/kvcache"
	"github.com/suoke-life/auth-service/internal/securitylog"
	"github.com/suoke-life/auth-service/internal/storage"
)

const (
	setupTTL          = 10 * time.Minute
	recoveryCodeCount = 10
	// recoveryCodeCost keeps verification loops affordable; the codes are
	// high-entropy so the reduced cost is safe.
	recoveryCodeCost = 10
)

// UserStore is the slice of the user table the service needs.
type UserStore interface {
	GetByID(ctx context.Context, id string) (*storage.User, error)
	EnableTwoFactor(ctx context.Context, id string, secret string, method string) error
	DisableTwoFactor(ctx context.Context, id string) error
}

// CodeStore persists hashed recovery codes.
type CodeStore interface {
	Replace(ctx context.Context, userID string, codeHashes []string, deleteExisting bool) error
	ListUnused(ctx context.Context, userID string) ([]*storage.RecoveryCode, error)
	MarkUsed(ctx context.Context, codeID string, at time.Time) (bool, error)
	DeleteAll(ctx context.Context, userID string) error
}

// Service implements second-factor provisioning and verification.
type Service struct {
	users  UserStore
	codes  CodeStore
	cache  *kvcache.Client
	totp   *crypto.TOTP
	hasher crypto.PasswordHasher
	events *securitylog.Logger
	logger *slog.Logger
}

func NewService(users UserStore, codes CodeStore, cache *kvcache.Client, totp *crypto.TOTP, hasher crypto.PasswordHasher, events *securitylog.Logger, logger *slog.Logger) *Service {
	return &Service{
		users:  users,
		codes:  codes,
		cache:  cache,
		totp:   totp,
		hasher: hasher,
		events: events,
		logger: logger,
	}
}

func setupKey(userID, setupID string) string {
	return fmt.Sprintf("2fa_setup:%s:%s", userID, setupID)
}

type setupBlob struct {
	Secret    string `json:"secret"`
	URL       string `json:"url"`
	CreatedAt int64  `json:"created_at"`
}

// ProvisionResult is handed to the client for enrollment.
type ProvisionResult struct {
	SetupID   string
	Secret    string
	QRDataURI string
}

// Provision generates a pending TOTP secret. It is not persisted on the user
// until ActivateTOTP confirms possession; re-provisioning after a disable
// yields an independent secret.
func (s *Service) Provision(ctx context.Context, userID, username string) (*ProvisionResult, error) {
	pr, err := s.totp.Provision(username)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	setupID := uuid.NewString()
	blob, err := json.Marshal(setupBlob{
		Secret:    pr.Secret,
		URL:       pr.URL,
		CreatedAt: time.Now().UTC().Unix(),
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}

	if err := s.cache.Set(ctx, setupKey(userID, setupID), string(blob), setupTTL); err != nil {
		return nil, apperr.Internal(err)
	}

	s.events.Record(ctx, securitylog.EventTwoFactorEnabled, userID, map[string]interface{}{
		"status": "pending",
		"method": storage.TwoFactorMethodTOTP,
	})

	return &ProvisionResult{
		SetupID:   setupID,
		Secret:    pr.Secret,
		QRDataURI: pr.QRDataURI,
	}, nil
}

// ActivateTOTP confirms the pending setup with a live code, persists the
// secret, and returns a fresh batch of recovery codes.
func (s *Service) ActivateTOTP(ctx context.Context, userID, setupID, code string) ([]string, error) {
	key := setupKey(userID, setupID)
	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kvcache.ErrNotFound) {
			return nil, apperr.E(apperr.KindBadRequest, "setup not found or expired")
		}
		return nil, apperr.Internal(err)
	}

	var blob setupBlob
	if err := json.Unmarshal([]byte(raw), &blob); err != nil {
		return nil, apperr.Internal(err)
	}

	if !s.totp.Validate(code, blob.Secret) {
		return nil, apperr.Unauthorized()
	}

	if err := s.users.EnableTwoFactor(ctx, userID, blob.Secret, storage.TwoFactorMethodTOTP); err != nil {
		return nil, apperr.Internal(err)
	}

	recoveryCodes, err := s.GenerateRecoveryCodes(ctx, userID, recoveryCodeCount, true)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Del(ctx, key); err != nil {
		s.logger.Warn("2fa_setup_cleanup_failed", "user_id", userID, "error", err)
	}

	s.events.Record(ctx, securitylog.EventTwoFactorEnabled, userID, map[string]interface{}{
		"status": "active",
		"method": storage.TwoFactorMethodTOTP,
	})

	return recoveryCodes, nil
}

// VerifyTOTP checks a live code against the user's secret, window ±1.
// Returns Unauthorized when 2FA is not enabled for the user.
func (s *Service) VerifyTOTP(ctx context.Context, userID, code string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return apperr.Unauthorized()
	}
	if !user.TwoFactorEnabled || user.TwoFactorSecret == nil {
		return apperr.Unauthorized()
	}
	if !s.totp.Validate(code, *user.TwoFactorSecret) {
		return apperr.Unauthorized()
	}
	return nil
}

// Verify tries TOTP first, then falls back to a recovery code. The returned
// method names what matched.
func (s *Service) Verify(ctx context.Context, userID, code string) (string, error) {
	if err := s.VerifyTOTP(ctx, userID, code); err == nil {
		return "totp", nil
	}
	if err := s.VerifyRecoveryCode(ctx, userID, code); err != nil {
		return "", err
	}
	return "recovery_code", nil
}

// GenerateRecoveryCodes mints count codes, stores their bcrypt hashes, and
// returns the plaintext for one-time display.
func (s *Service) GenerateRecoveryCodes(ctx context.Context, userID string, count int, replaceExisting bool) ([]string, error) {
	if count <= 0 {
		count = recoveryCodeCount
	}

	plain, err := crypto.GenerateRecoveryCodes(count)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	hashes := make([]string, len(plain))
	for i, code := range plain {
		h, err := bcrypt.GenerateFromPassword([]byte(code), recoveryCodeCost)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		hashes[i] = string(h)
	}

	if err := s.codes.Replace(ctx, userID, hashes, replaceExisting); err != nil {
		return nil, apperr.Internal(err)
	}
	return plain, nil
}

// VerifyRecoveryCode consumes a single unused code. A used code is terminal
// and never verifies again.
func (s *Service) VerifyRecoveryCode(ctx context.Context, userID, code string) error {
	unused, err := s.codes.ListUnused(ctx, userID)
	if err != nil {
		return apperr.Internal(err)
	}

	for _, rc := range unused {
		if bcrypt.CompareHashAndPassword([]byte(rc.CodeHash), []byte(code)) != nil {
			continue
		}
		consumed, err := s.codes.MarkUsed(ctx, rc.ID, time.Now().UTC())
		if err != nil {
			return apperr.Internal(err)
		}
		if !consumed {
			// Lost the race to a concurrent attempt with the same code.
			return apperr.Unauthorized()
		}
		s.events.Record(ctx, securitylog.EventRecoveryCodeUsed, userID, map[string]interface{}{
			"recovery_code_id": rc.ID,
		})
		return nil
	}
	return apperr.Unauthorized()
}

// Disable turns 2FA off after re-verifying the password, clearing the secret
// and deleting every recovery code.
func (s *Service) Disable(ctx context.Context, userID, password string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return apperr.Unauthorized()
	}
	if err := s.hasher.Compare(user.PasswordHash, password); err != nil {
		return apperr.Unauthorized()
	}

	if err := s.users.DisableTwoFactor(ctx, userID); err != nil {
		return apperr.Internal(err)
	}
	if err := s.codes.DeleteAll(ctx, userID); err != nil {
		return apperr.Internal(err)
	}

	s.events.Record(ctx, securitylog.EventTwoFactorDisabled, userID, nil)
	return nil
}
