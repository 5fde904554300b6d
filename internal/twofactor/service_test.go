package twofactor

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suoke-life/auth-service/internal/apperr"
	"github.com/suoke-life/auth-service/internal/crypto"
	"github.com/suoke-life/auth-service/internal/kvcache"
	"github.com/suoke-life/auth-service/internal/securitylog"
	"github.com/suoke-life/auth-service/internal/storage"
)

type memUserStore struct {
	mu    sync.Mutex
	users map[string]*storage.User
}

func newMemUserStore(users ...*storage.User) *memUserStore {
	m := &memUserStore{users: map[string]*storage.User{}}
	for _, u := range users {
		cp := *u
		m.users[u.ID] = &cp
	}
	return m
}

func (m *memUserStore) GetByID(ctx context.Context, id string) (*storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUserStore) EnableTwoFactor(ctx context.Context, id string, secret string, method string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return storage.ErrNotFound
	}
	u.TwoFactorEnabled = true
	u.TwoFactorSecret = &secret
	u.TwoFactorMethod = &method
	return nil
}

func (m *memUserStore) DisableTwoFactor(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return storage.ErrNotFound
	}
	u.TwoFactorEnabled = false
	u.TwoFactorSecret = nil
	u.TwoFactorMethod = nil
	return nil
}

type memCodeStore struct {
	mu    sync.Mutex
	codes map[string]*storage.RecoveryCode
}

func newMemCodeStore() *memCodeStore {
	return &memCodeStore{codes: map[string]*storage.RecoveryCode{}}
}

func (m *memCodeStore) Replace(ctx context.Context, userID string, codeHashes []string, deleteExisting bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if deleteExisting {
		for id, c := range m.codes {
			if c.UserID == userID {
				delete(m.codes, id)
			}
		}
	}
	for _, hash := range codeHashes {
		id := uuid.NewString()
		m.codes[id] = &storage.RecoveryCode{ID: id, UserID: userID, CodeHash: hash}
	}
	return nil
}

func (m *memCodeStore) ListUnused(ctx context.Context, userID string) ([]*storage.RecoveryCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*storage.RecoveryCode
	for _, c := range m.codes {
		if c.UserID == userID && !c.Used {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memCodeStore) MarkUsed(ctx context.Context, codeID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[codeID]
	if !ok || c.Used {
		return false, nil
	}
	c.Used = true
	c.UsedAt = &at
	return true, nil
}

func (m *memCodeStore) DeleteAll(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.codes {
		if c.UserID == userID {
			delete(m.codes, id)
		}
	}
	return nil
}

type memEventStore struct{}

func (memEventStore) InsertUserEvent(ctx context.Context, e *storage.UserEvent) error { return nil }

func testService(t *testing.T, users *memUserStore) (*Service, *memCodeStore, *crypto.TOTP) {
	t.Helper()

	mr := miniredis.RunT(t)
	cache := kvcache.NewClientFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = cache.Close() })

	codes := newMemCodeStore()
	totp := crypto.NewTOTP("suoke-auth-service")
	events := securitylog.New(memEventStore{}, cache, slog.Default(), securitylog.Options{})

	svc := NewService(users, codes, cache, totp, crypto.NewBcryptHasher(), events, slog.Default())
	return svc, codes, totp
}

func activeUser(t *testing.T, password string) *storage.User {
	t.Helper()
	hash, err := crypto.NewBcryptHasher().Hash(password)
	require.NoError(t, err)
	return &storage.User{
		ID:           "u1",
		Username:     "alice",
		PasswordHash: hash,
		Status:       storage.UserStatusActive,
		Role:         "user",
	}
}

func TestProvisionAndActivate(t *testing.T) {
	users := newMemUserStore(activeUser(t, "password-123"))
	svc, _, totp := testService(t, users)
	ctx := context.Background()

	pr, err := svc.Provision(ctx, "u1", "alice")
	require.NoError(t, err)
	require.NotEmpty(t, pr.SetupID)
	require.NotEmpty(t, pr.Secret)
	assert.Contains(t, pr.QRDataURI, "data:image/png;base64,")

	code, err := totp.GenerateCode(pr.Secret, time.Now())
	require.NoError(t, err)

	recoveryCodes, err := svc.ActivateTOTP(ctx, "u1", pr.SetupID, code)
	require.NoError(t, err)
	assert.Len(t, recoveryCodes, 10)

	user, err := users.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, user.TwoFactorEnabled)
	require.NotNil(t, user.TwoFactorSecret)
	assert.Equal(t, pr.Secret, *user.TwoFactorSecret)

	// The setup blob is consumed.
	_, err = svc.ActivateTOTP(ctx, "u1", pr.SetupID, code)
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err))
}

func TestActivateRejectsBadCode(t *testing.T) {
	users := newMemUserStore(activeUser(t, "password-123"))
	svc, _, _ := testService(t, users)
	ctx := context.Background()

	pr, err := svc.Provision(ctx, "u1", "alice")
	require.NoError(t, err)

	_, err = svc.ActivateTOTP(ctx, "u1", pr.SetupID, "000000")
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))

	user, err := users.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, user.TwoFactorEnabled)
}

func TestVerifyTOTPRequiresEnabled(t *testing.T) {
	users := newMemUserStore(activeUser(t, "password-123"))
	svc, _, _ := testService(t, users)

	err := svc.VerifyTOTP(context.Background(), "u1", "123456")
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func enable2FA(t *testing.T, svc *Service, totp *crypto.TOTP) (secret string, recoveryCodes []string) {
	t.Helper()
	ctx := context.Background()

	pr, err := svc.Provision(ctx, "u1", "alice")
	require.NoError(t, err)
	code, err := totp.GenerateCode(pr.Secret, time.Now())
	require.NoError(t, err)
	recoveryCodes, err = svc.ActivateTOTP(ctx, "u1", pr.SetupID, code)
	require.NoError(t, err)
	return pr.Secret, recoveryCodes
}

func TestVerifyFallsBackToRecoveryCode(t *testing.T) {
	users := newMemUserStore(activeUser(t, "password-123"))
	svc, _, totp := testService(t, users)
	ctx := context.Background()

	secret, recoveryCodes := enable2FA(t, svc, totp)

	// A live TOTP code verifies as totp.
	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	method, err := svc.Verify(ctx, "u1", code)
	require.NoError(t, err)
	assert.Equal(t, "totp", method)

	// A recovery code verifies as recovery_code.
	method, err = svc.Verify(ctx, "u1", recoveryCodes[0])
	require.NoError(t, err)
	assert.Equal(t, "recovery_code", method)

	// Used codes are terminal.
	_, err = svc.Verify(ctx, "u1", recoveryCodes[0])
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestRecoveryCodeSingleUse(t *testing.T) {
	users := newMemUserStore(activeUser(t, "password-123"))
	svc, _, totp := testService(t, users)
	ctx := context.Background()

	_, recoveryCodes := enable2FA(t, svc, totp)

	require.NoError(t, svc.VerifyRecoveryCode(ctx, "u1", recoveryCodes[3]))

	err := svc.VerifyRecoveryCode(ctx, "u1", recoveryCodes[3])
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))

	// Other codes are unaffected.
	require.NoError(t, svc.VerifyRecoveryCode(ctx, "u1", recoveryCodes[4]))
}

func TestRegenerateReplacesCodes(t *testing.T) {
	users := newMemUserStore(activeUser(t, "password-123"))
	svc, _, totp := testService(t, users)
	ctx := context.Background()

	_, oldCodes := enable2FA(t, svc, totp)

	newCodes, err := svc.GenerateRecoveryCodes(ctx, "u1", 10, true)
	require.NoError(t, err)
	assert.Len(t, newCodes, 10)

	err = svc.VerifyRecoveryCode(ctx, "u1", oldCodes[0])
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
	assert.NoError(t, svc.VerifyRecoveryCode(ctx, "u1", newCodes[0]))
}

func TestDisableRequiresPassword(t *testing.T) {
	users := newMemUserStore(activeUser(t, "password-123"))
	svc, codes, totp := testService(t, users)
	ctx := context.Background()

	_, recoveryCodes := enable2FA(t, svc, totp)

	err := svc.Disable(ctx, "u1", "wrong-password")
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))

	require.NoError(t, svc.Disable(ctx, "u1", "password-123"))

	user, err := users.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, user.TwoFactorEnabled)
	assert.Nil(t, user.TwoFactorSecret)

	unused, err := codes.ListUnused(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, unused)
	_ = recoveryCodes
}

func TestReprovisionYieldsIndependentSecret(t *testing.T) {
	users := newMemUserStore(activeUser(t, "password-123"))
	svc, _, totp := testService(t, users)
	ctx := context.Background()

	first, _ := enable2FA(t, svc, totp)
	require.NoError(t, svc.Disable(ctx, "u1", "password-123"))

	pr, err := svc.Provision(ctx, "u1", "alice")
	require.NoError(t, err)
	assert.NotEqual(t, first, pr.Secret)
}
