package token

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suoke-life/auth-service/internal/kvcache"
	"github.com/suoke-life/auth-service/internal/securitylog"
	"github.com/suoke-life/auth-service/internal/storage"
)

type memEventStore struct {
	mu     sync.Mutex
	events []*storage.UserEvent
}

func (m *memEventStore) InsertUserEvent(ctx context.Context, e *storage.UserEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func testAuthority(t *testing.T) (*Authority, *kvcache.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	cache := kvcache.NewClientFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = cache.Close() })

	logger := slog.Default()
	events := securitylog.New(&memEventStore{}, cache, logger, securitylog.Options{})

	authority, err := NewAuthority(Options{
		Secret:   "test-secret",
		Issuer:   "suoke-auth-service",
		Audience: "https://suoke.life",
	}, cache, events, logger)
	require.NoError(t, err)

	return authority, cache, mr
}

func testUser() *storage.User {
	return &storage.User{
		ID:       "u1",
		Username: "alice",
		Status:   storage.UserStatusActive,
		Role:     "knowledge_reader",
	}
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	a, _, _ := testAuthority(t)
	ctx := context.Background()

	pair, err := a.Issue(ctx, testUser(), IssueOptions{SessionID: "s1", DeviceID: "d1"})
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, int64(86400), pair.ExpiresIn)

	claims, err := a.VerifyAccess(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID())
	assert.Equal(t, "knowledge_reader", claims.Role)
	assert.Equal(t, TypeAccess, claims.TokenType)
	assert.Equal(t, "s1", claims.SessionID)
	assert.Equal(t, "d1", claims.DeviceID)
	assert.Equal(t, pair.JTI, claims.JTI())

	refreshClaims, err := a.VerifyRefresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, TypeRefresh, refreshClaims.TokenType)
	assert.NotEqual(t, claims.JTI(), refreshClaims.JTI())
}

func TestVerifyWrongType(t *testing.T) {
	a, _, _ := testAuthority(t)
	ctx := context.Background()

	pair, err := a.Issue(ctx, testUser(), IssueOptions{})
	require.NoError(t, err)

	_, err = a.VerifyAccess(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrWrongType)

	_, err = a.VerifyRefresh(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrWrongType)
}

func TestVerifyRejectsNoneAlgorithm(t *testing.T) {
	a, _, _ := testAuthority(t)
	ctx := context.Background()

	claims := &Claims{
		TokenType: TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			ID:        "11111111-1111-1111-1111-111111111111",
			Issuer:    "suoke-auth-service",
			Audience:  jwt.ClaimStrings{"https://suoke.life"},
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = a.VerifyAccess(ctx, unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	a, _, _ := testAuthority(t)
	ctx := context.Background()

	other, err := NewAuthority(Options{
		Secret:   "different-secret",
		Issuer:   "suoke-auth-service",
		Audience: "https://suoke.life",
	}, nil, nil, slog.Default())
	require.NoError(t, err)

	forged, err := other.sign(&Claims{
		TokenType:        TypeAccess,
		RegisteredClaims: other.baseClaims("u1", "11111111-1111-1111-1111-111111111111", time.Hour, time.Now()),
	})
	require.NoError(t, err)

	_, err = a.VerifyAccess(ctx, forged)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpired(t *testing.T) {
	a, _, mr := testAuthority(t)
	ctx := context.Background()

	pair, err := a.Issue(ctx, testUser(), IssueOptions{AccessTTL: time.Second})
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	time.Sleep(1100 * time.Millisecond)

	_, err = a.VerifyAccess(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestRevokeBlocksVerification(t *testing.T) {
	a, cache, _ := testAuthority(t)
	ctx := context.Background()

	pair, err := a.Issue(ctx, testUser(), IssueOptions{})
	require.NoError(t, err)

	require.NoError(t, a.Revoke(ctx, pair.AccessToken))

	_, err = a.VerifyAccess(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrRevoked)

	// Blacklist TTL respects the floor.
	ttl, err := cache.TTL(ctx, "blacklist:"+pair.JTI)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ttl, 3600*time.Second)
}

func TestRevokeIsIdempotent(t *testing.T) {
	a, _, _ := testAuthority(t)
	ctx := context.Background()

	pair, err := a.Issue(ctx, testUser(), IssueOptions{})
	require.NoError(t, err)

	require.NoError(t, a.Revoke(ctx, pair.JTI))
	require.NoError(t, a.Revoke(ctx, pair.JTI))

	// Unknown jti is a no-op success too.
	require.NoError(t, a.Revoke(ctx, "22222222-2222-2222-2222-222222222222"))
}

func TestRevokeOnceRace(t *testing.T) {
	a, _, _ := testAuthority(t)
	ctx := context.Background()

	pair, err := a.Issue(ctx, testUser(), IssueOptions{})
	require.NoError(t, err)

	won, err := a.RevokeOnce(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = a.RevokeOnce(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestRevokeAll(t *testing.T) {
	a, _, _ := testAuthority(t)
	ctx := context.Background()

	user := testUser()
	first, err := a.Issue(ctx, user, IssueOptions{})
	require.NoError(t, err)
	second, err := a.Issue(ctx, user, IssueOptions{})
	require.NoError(t, err)

	count, err := a.RevokeAll(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, count) // two access + two refresh jtis

	for _, tok := range []string{first.AccessToken, first.RefreshToken, second.AccessToken} {
		_, err := a.VerifyAccess(ctx, tok)
		assert.Error(t, err)
	}
	_, err = a.VerifyRefresh(ctx, second.RefreshToken)
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestPasswordResetSingleUse(t *testing.T) {
	a, _, _ := testAuthority(t)
	ctx := context.Background()

	reset, err := a.IssuePasswordReset(ctx, "u1", "alice@suoke.life")
	require.NoError(t, err)

	claims, err := a.VerifyPasswordReset(ctx, reset)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID())
	assert.Equal(t, "alice@suoke.life", claims.Email)
	assert.Equal(t, TypeReset, claims.TokenType)

	require.NoError(t, a.ConsumePasswordReset(ctx, claims))

	_, err = a.VerifyPasswordReset(ctx, reset)
	assert.Error(t, err)
}

func TestPasswordResetReplayAcrossReissue(t *testing.T) {
	a, _, _ := testAuthority(t)
	ctx := context.Background()

	first, err := a.IssuePasswordReset(ctx, "u1", "alice@suoke.life")
	require.NoError(t, err)
	_, err = a.IssuePasswordReset(ctx, "u1", "alice@suoke.life")
	require.NoError(t, err)

	// The stored jti now pins the second issue; the first token is dead.
	_, err = a.VerifyPasswordReset(ctx, first)
	assert.ErrorIs(t, err, ErrRevoked)
}
