// Package auth orchestrates the login, refresh, logout, and password-reset
// sequences. It composes the token authority, session manager, device
// registry, risk engine, and two-factor service behind narrow interfaces so
// the dependency graph has no back-edges.
package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/suoke-life/auth-service/internal/device"
	"github.com/suoke-life/auth-service/internal/notify"
	"github.com/suoke-life/auth-service/internal/risk"
	"github.com/suoke-life/auth-service/internal/securitylog"
	"github.com/suoke-life/auth-service/internal/session"
	"github.com/suoke-life/auth-service/internal/storage"
	"github.com/suoke-life/auth-service/internal/token"
)

// TokenAuthority mints and revokes bearer credentials.
type TokenAuthority interface {
	Issue(ctx context.Context, user *storage.User, opts token.IssueOptions) (*token.Pair, error)
	VerifyAccess(ctx context.Context, tokenString string) (*token.Claims, error)
	VerifyRefresh(ctx context.Context, tokenString string) (*token.Claims, error)
	Revoke(ctx context.Context, tokenOrJTI string) error
	RevokeOnce(ctx context.Context, tokenOrJTI string) (bool, error)
	RevokeAll(ctx context.Context, userID string) (int, error)
	IssuePasswordReset(ctx context.Context, userID, email string) (string, error)
	VerifyPasswordReset(ctx context.Context, tokenString string) (*token.Claims, error)
	ConsumePasswordReset(ctx context.Context, claims *token.Claims) error
}

// SessionManager owns the session state machine.
type SessionManager interface {
	Create(ctx context.Context, p session.CreateParams) (*storage.Session, error)
	Get(ctx context.Context, id string) (*storage.Session, error)
	UpdateStatus(ctx context.Context, id string, newStatus string, expiresIn time.Duration) (*storage.Session, error)
	UpdateActivity(ctx context.Context, id string) error
	BindToken(ctx context.Context, id string, tokenID string, deviceID string) error
	Revoke(ctx context.Context, id string, reason string) error
	RevokeAll(ctx context.Context, userID string, exceptID string, reason string) (int, error)
	IsValid(ctx context.Context, id string, userID string) bool
}

// DeviceRegistry resolves and trusts devices.
type DeviceRegistry interface {
	Identify(ctx context.Context, userID string, info device.Info) (*storage.Device, error)
	RegisterAndTrust(ctx context.Context, userID string, info device.Info, trust bool) (*storage.Device, error)
}

// RiskEngine evaluates logins.
type RiskEngine interface {
	ProcessLoginSecurity(ctx context.Context, lc risk.LoginContext) (*risk.Result, error)
	RecordLoginSuccess(ctx context.Context, userID string, a risk.LoginAttempt)
	RecordLoginFailure(ctx context.Context, userID string, a risk.LoginAttempt)
	RecordSuspicious(ctx context.Context, userID string, sessionID, ip string)
}

// TwoFactor verifies second factors.
type TwoFactor interface {
	Verify(ctx context.Context, userID, code string) (method string, err error)
}

// DeviceVerifier issues and checks device verification codes.
type DeviceVerifier interface {
	Issue(ctx context.Context, phone string) error
	Verify(ctx context.Context, phone, code string) error
}

// UserStore is the slice of the user table the orchestrator needs.
type UserStore interface {
	GetByID(ctx context.Context, id string) (*storage.User, error)
	GetByIdentifier(ctx context.Context, identifier string) (*storage.User, error)
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error
	UpdatePassword(ctx context.Context, id string, passwordHash string) error
}

// PasswordHasher hashes and verifies passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) error
}

// Options configures the orchestrated flows.
type Options struct {
	DefaultSessionDuration time.Duration // default 24h
	TrustedDeviceDuration  time.Duration // default 30d
	TempTwoFactorTTL       time.Duration // default 5m
	TempDeviceVerifyTTL    time.Duration // default 15m
}

func (o *Options) normalize() {
	if o.DefaultSessionDuration <= 0 {
		o.DefaultSessionDuration = 24 * time.Hour
	}
	if o.TrustedDeviceDuration <= 0 {
		o.TrustedDeviceDuration = 30 * 24 * time.Hour
	}
	if o.TempTwoFactorTTL <= 0 {
		o.TempTwoFactorTTL = 5 * time.Minute
	}
	if o.TempDeviceVerifyTTL <= 0 {
		o.TempDeviceVerifyTTL = 15 * time.Minute
	}
}

// Service is the auth orchestrator.
type Service struct {
	users      UserStore
	hasher     PasswordHasher
	tokens     TokenAuthority
	sessions   SessionManager
	devices    DeviceRegistry
	risk       RiskEngine
	twoFactor  TwoFactor
	verifier   DeviceVerifier
	events     *securitylog.Logger
	mail       notify.EmailTransport
	background *notify.Dispatcher
	logger     *slog.Logger
	opts       Options
}

func NewService(
	users UserStore,
	hasher PasswordHasher,
	tokens TokenAuthority,
	sessions SessionManager,
	devices DeviceRegistry,
	riskEngine RiskEngine,
	twoFactor TwoFactor,
	verifier DeviceVerifier,
	events *securitylog.Logger,
	mail notify.EmailTransport,
	background *notify.Dispatcher,
	logger *slog.Logger,
	opts Options,
) *Service {
	opts.normalize()
	return &Service{
		users:      users,
		hasher:     hasher,
		tokens:     tokens,
		sessions:   sessions,
		devices:    devices,
		risk:       riskEngine,
		twoFactor:  twoFactor,
		verifier:   verifier,
		events:     events,
		mail:       mail,
		background: background,
		logger:     logger,
		opts:       opts,
	}
}

// SanitizedUser is the caller-facing view of a user: no hash, no secret.
type SanitizedUser struct {
	ID               string     `json:"id"`
	Username         string     `json:"username"`
	Email            *string    `json:"email,omitempty"`
	Phone            *string    `json:"phone,omitempty"`
	Status           string     `json:"status"`
	Role             string     `json:"role"`
	SecondaryRoles   []string   `json:"secondary_roles,omitempty"`
	TwoFactorEnabled bool       `json:"two_factor_enabled"`
	LastLoginAt      *time.Time `json:"last_login_at,omitempty"`
}

// Sanitize strips credential material from a user row.
func Sanitize(u *storage.User) *SanitizedUser {
	return &SanitizedUser{
		ID:               u.ID,
		Username:         u.Username,
		Email:            u.Email,
		Phone:            u.Phone,
		Status:           u.Status,
		Role:             u.Role,
		SecondaryRoles:   u.SecondaryRoles,
		TwoFactorEnabled: u.TwoFactorEnabled,
		LastLoginAt:      u.LastLoginAt,
	}
}

// LoginResult is the outcome of a login step. Exactly one of the three
// shapes is populated: completed (User/Tokens/Session), a pending second
// factor, or a pending device verification.
type LoginResult struct {
	User    *SanitizedUser   `json:"user,omitempty"`
	Tokens  *token.Pair      `json:"tokens,omitempty"`
	Session *storage.Session `json:"session,omitempty"`

	RequiresTwoFactor bool   `json:"requires_two_factor,omitempty"`
	TwoFactorMethod   string `json:"two_factor_method,omitempty"`

	RequiresDeviceVerification bool              `json:"requires_device_verification,omitempty"`
	VerificationInfo           map[string]string `json:"verification_info,omitempty"`

	TempSessionID string `json:"temp_session_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
}
