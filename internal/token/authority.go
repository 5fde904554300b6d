// Package token implements the token authority: it mints, verifies, and
// revokes the bearer credentials every other subsystem trusts.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/suoke-life/auth-service/internal/kvcache"
	"github.com/suoke-life/auth-service/internal/securitylog"
	"github.com/suoke-life/auth-service/internal/storage"
)

// Common errors. Callers surface all of them as Unauthorized; the
// distinction is for internal logging only.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrWrongType    = errors.New("wrong token type")
	ErrRevoked      = errors.New("token revoked")
)

const (
	// blacklistSlack is added to the remaining lifetime when blacklisting.
	blacklistSlack = 60 * time.Second
	// blacklistFloor tolerates clock skew between issuer and verifier.
	blacklistFloor = 3600 * time.Second
)

// Options configures the authority. Zero durations fall back to defaults.
type Options struct {
	Secret     string
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	ResetTTL   time.Duration
}

func (o *Options) normalize() {
	if o.AccessTTL <= 0 {
		o.AccessTTL = 24 * time.Hour
	}
	if o.RefreshTTL <= 0 {
		o.RefreshTTL = 7 * 24 * time.Hour
	}
	if o.ResetTTL <= 0 {
		o.ResetTTL = 30 * time.Minute
	}
}

// Pair is the result of issuing tokens.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	ExpiresIn        int64 // seconds
	RefreshExpiresIn int64 // seconds
	JTI              string
}

// IssueOptions binds a pair to a session/device and optionally snapshots
// permissions into the access claims. The snapshot is advisory only;
// authorization always re-resolves.
type IssueOptions struct {
	SessionID   string
	DeviceID    string
	Permissions []string
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
}

// Authority mints and verifies HS256 tokens and owns the jti blacklist.
type Authority struct {
	secret       []byte
	opts         Options
	cache        *kvcache.Client
	events       *securitylog.Logger
	logger       *slog.Logger
	validMethods []string
}

func NewAuthority(opts Options, cache *kvcache.Client, events *securitylog.Logger, logger *slog.Logger) (*Authority, error) {
	if opts.Secret == "" {
		return nil, errors.New("token: secret is required")
	}
	opts.normalize()
	return &Authority{
		secret: []byte(opts.Secret),
		opts:   opts,
		cache:  cache,
		events: events,
		logger: logger,
		// The allowlist is exactly HS256. "none" and every other
		// algorithm must fail verification.
		validMethods: []string{jwt.SigningMethodHS256.Alg()},
	}, nil
}

func (a *Authority) sign(claims *Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (a *Authority) baseClaims(userID, jti string, ttl time.Duration, now time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   userID,
		ID:        jti,
		Issuer:    a.opts.Issuer,
		Audience:  jwt.ClaimStrings{a.opts.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

// Issue mints an access/refresh pair for the user, records the token
// metadata in the cache, and indexes both jtis under the user's token set.
func (a *Authority) Issue(ctx context.Context, user *storage.User, opts IssueOptions) (*Pair, error) {
	accessTTL := opts.AccessTTL
	if accessTTL <= 0 {
		accessTTL = a.opts.AccessTTL
	}
	refreshTTL := opts.RefreshTTL
	if refreshTTL <= 0 {
		refreshTTL = a.opts.RefreshTTL
	}

	now := time.Now().UTC()
	accessJTI := uuid.NewString()
	refreshJTI := uuid.NewString()

	access, err := a.sign(&Claims{
		Role:             user.Role,
		Permissions:      opts.Permissions,
		TokenType:        TypeAccess,
		SessionID:        opts.SessionID,
		DeviceID:         opts.DeviceID,
		RegisteredClaims: a.baseClaims(user.ID, accessJTI, accessTTL, now),
	})
	if err != nil {
		return nil, err
	}

	refresh, err := a.sign(&Claims{
		TokenType:        TypeRefresh,
		SessionID:        opts.SessionID,
		DeviceID:         opts.DeviceID,
		RegisteredClaims: a.baseClaims(user.ID, refreshJTI, refreshTTL, now),
	})
	if err != nil {
		return nil, err
	}

	a.recordIssued(ctx, user.ID, accessJTI, opts, accessTTL, now)
	a.recordIssued(ctx, user.ID, refreshJTI, opts, refreshTTL, now)

	// Legacy record some deployed readers still consume.
	if blob, err := json.Marshal(map[string]string{
		"user_id":    user.ID,
		"session_id": opts.SessionID,
		"device_id":  opts.DeviceID,
		"created_at": strconv.FormatInt(now.Unix(), 10),
	}); err == nil {
		if err := a.cache.Set(ctx, "refresh_token:"+refreshJTI, string(blob), refreshTTL); err != nil {
			a.logger.Warn("refresh_token_record_write_failed", "jti", refreshJTI, "error", err)
		}
	}

	a.events.Record(ctx, securitylog.EventTokenIssued, user.ID, map[string]interface{}{
		"jti":        accessJTI,
		"session_id": opts.SessionID,
		"device_id":  opts.DeviceID,
	})

	return &Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		ExpiresIn:        int64(accessTTL.Seconds()),
		RefreshExpiresIn: int64(refreshTTL.Seconds()),
		JTI:              accessJTI,
	}, nil
}

// recordIssued writes the token metadata hash and user token-set entry.
// Cache failures are non-critical: a missing record only shortens the
// blacklist TTL to its floor on revocation.
func (a *Authority) recordIssued(ctx context.Context, userID, jti string, opts IssueOptions, ttl time.Duration, now time.Time) {
	key := "token:" + jti
	if err := a.cache.HSet(ctx, key, map[string]string{
		"user_id":    userID,
		"session_id": opts.SessionID,
		"device_id":  opts.DeviceID,
		"created_at": strconv.FormatInt(now.Unix(), 10),
		"expires_at": strconv.FormatInt(now.Add(ttl).Unix(), 10),
	}); err != nil {
		a.logger.Warn("token_metadata_write_failed", "jti", jti, "error", err)
		return
	}
	if err := a.cache.Expire(ctx, key, ttl); err != nil {
		a.logger.Warn("token_metadata_expire_failed", "jti", jti, "error", err)
	}
	if err := a.cache.SAdd(ctx, "user_tokens:"+userID, jti); err != nil {
		a.logger.Warn("user_token_index_write_failed", "jti", jti, "error", err)
	}
}

// parse verifies signature, algorithm, issuer, audience, and expiry.
func (a *Authority) parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	},
		jwt.WithValidMethods(a.validMethods),
		jwt.WithIssuer(a.opts.Issuer),
		jwt.WithAudience(a.opts.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (a *Authority) verify(ctx context.Context, tokenString, wantType string) (*Claims, error) {
	claims, err := a.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != wantType {
		return nil, ErrWrongType
	}

	blacklisted, err := a.cache.Exists(ctx, "blacklist:"+claims.ID)
	if err != nil {
		return nil, fmt.Errorf("blacklist check: %w", err)
	}
	if blacklisted {
		return nil, ErrRevoked
	}
	return claims, nil
}

// VerifyAccess validates an access token.
func (a *Authority) VerifyAccess(ctx context.Context, tokenString string) (*Claims, error) {
	return a.verify(ctx, tokenString, TypeAccess)
}

// VerifyRefresh validates a refresh token.
func (a *Authority) VerifyRefresh(ctx context.Context, tokenString string) (*Claims, error) {
	return a.verify(ctx, tokenString, TypeRefresh)
}

// Revoke blacklists a token, given either the signed token or a bare jti.
// Revoking an unknown or already-expired token is a no-op success.
func (a *Authority) Revoke(ctx context.Context, tokenOrJTI string) error {
	jti, userID := a.resolve(tokenOrJTI)
	if jti == "" {
		return nil
	}

	remaining, err := a.cache.TTL(ctx, "token:"+jti)
	if err != nil || remaining < 0 {
		remaining = 0
	}

	ttl := remaining + blacklistSlack
	if ttl < blacklistFloor {
		ttl = blacklistFloor
	}

	if err := a.cache.Set(ctx, "blacklist:"+jti, "1", ttl); err != nil {
		return fmt.Errorf("blacklist write: %w", err)
	}

	if userID == "" {
		if meta, err := a.cache.HGetAll(ctx, "token:"+jti); err == nil {
			userID = meta["user_id"]
		}
	}
	if userID != "" {
		if err := a.cache.SRem(ctx, "user_tokens:"+userID, jti); err != nil {
			a.logger.Warn("user_token_index_remove_failed", "jti", jti, "error", err)
		}
	}

	a.events.Record(ctx, securitylog.EventTokenRevoked, userID, map[string]interface{}{"jti": jti})
	return nil
}

// RevokeOnce blacklists a jti atomically and reports whether this call won.
// A second caller racing on the same jti loses, which is what serializes
// concurrent refreshes of the same refresh token.
func (a *Authority) RevokeOnce(ctx context.Context, tokenOrJTI string) (bool, error) {
	jti, userID := a.resolve(tokenOrJTI)
	if jti == "" {
		return false, nil
	}

	remaining, err := a.cache.TTL(ctx, "token:"+jti)
	if err != nil || remaining < 0 {
		remaining = 0
	}
	ttl := remaining + blacklistSlack
	if ttl < blacklistFloor {
		ttl = blacklistFloor
	}

	won, err := a.cache.SetNX(ctx, "blacklist:"+jti, "1", ttl)
	if err != nil {
		return false, fmt.Errorf("blacklist write: %w", err)
	}
	if !won {
		return false, nil
	}

	if userID == "" {
		if meta, err := a.cache.HGetAll(ctx, "token:"+jti); err == nil {
			userID = meta["user_id"]
		}
	}
	if userID != "" {
		if err := a.cache.SRem(ctx, "user_tokens:"+userID, jti); err != nil {
			a.logger.Warn("user_token_index_remove_failed", "jti", jti, "error", err)
		}
	}

	a.events.Record(ctx, securitylog.EventTokenRevoked, userID, map[string]interface{}{"jti": jti})
	return true, nil
}

// resolve extracts (jti, userID) from either a signed token or a bare jti.
// Expired tokens still resolve: revocation must work on them.
func (a *Authority) resolve(tokenOrJTI string) (string, string) {
	if _, err := uuid.Parse(tokenOrJTI); err == nil {
		return tokenOrJTI, ""
	}
	claims := &Claims{}
	parser := jwt.NewParser(jwt.WithValidMethods(a.validMethods))
	if _, _, err := parser.ParseUnverified(tokenOrJTI, claims); err != nil {
		return "", ""
	}
	return claims.ID, claims.Subject
}

// RevokeAll blacklists every live token of the user and returns the count.
// Re-running is idempotent: revoking a revoked jti succeeds.
func (a *Authority) RevokeAll(ctx context.Context, userID string) (int, error) {
	setKey := "user_tokens:" + userID
	jtis, err := a.cache.SMembers(ctx, setKey)
	if err != nil {
		return 0, fmt.Errorf("list user tokens: %w", err)
	}

	count := 0
	for _, jti := range jtis {
		if err := a.Revoke(ctx, jti); err != nil {
			a.logger.Warn("revoke_all_entry_failed", "jti", jti, "error", err)
			continue
		}
		count++
	}

	if err := a.cache.Del(ctx, setKey); err != nil {
		a.logger.Warn("user_token_index_delete_failed", "user_id", userID, "error", err)
	}
	return count, nil
}

// IssuePasswordReset mints a single-use reset token. The stored jti pins the
// latest issue: re-issuing invalidates every earlier reset token.
func (a *Authority) IssuePasswordReset(ctx context.Context, userID, email string) (string, error) {
	now := time.Now().UTC()
	jti := uuid.NewString()

	signed, err := a.sign(&Claims{
		TokenType:        TypeReset,
		Email:            email,
		RegisteredClaims: a.baseClaims(userID, jti, a.opts.ResetTTL, now),
	})
	if err != nil {
		return "", err
	}

	if err := a.cache.Set(ctx, "password_reset:"+userID, jti, a.opts.ResetTTL); err != nil {
		return "", fmt.Errorf("store reset jti: %w", err)
	}
	return signed, nil
}

// VerifyPasswordReset validates a reset token, including the stored-jti
// match that prevents replay across re-issues.
func (a *Authority) VerifyPasswordReset(ctx context.Context, tokenString string) (*Claims, error) {
	claims, err := a.verify(ctx, tokenString, TypeReset)
	if err != nil {
		return nil, err
	}

	stored, err := a.cache.Get(ctx, "password_reset:"+claims.Subject)
	if err != nil {
		if errors.Is(err, kvcache.ErrNotFound) {
			return nil, ErrRevoked
		}
		return nil, fmt.Errorf("read reset jti: %w", err)
	}
	if stored != claims.ID {
		return nil, ErrRevoked
	}
	return claims, nil
}

// ConsumePasswordReset invalidates a verified reset token.
func (a *Authority) ConsumePasswordReset(ctx context.Context, claims *Claims) error {
	if err := a.cache.Del(ctx, "password_reset:"+claims.Subject); err != nil {
		return err
	}
	return a.Revoke(ctx, claims.ID)
}
