package storage

import "time"

// User statuses.
const (
	UserStatusActive   = "active"
	UserStatusInactive = "inactive"
	UserStatusLocked   = "locked"
)

// Session statuses. Transitions are one-directional toward expired/revoked;
// the session manager owns the transition table.
const (
	SessionStatusActive             = "active"
	SessionStatusPending2FA         = "pending_2fa"
	SessionStatusPendingDeviceVerif = "pending_device_verification"
	SessionStatusExpired            = "expired"
	SessionStatusRevoked            = "revoked"
	SessionStatusSuspicious         = "suspicious"
)

// TwoFactorMethodTOTP is the only supported second-factor method.
const TwoFactorMethodTOTP = "TOTP"

// User is a row in the users table.
type User struct {
	ID               string
	Username         string
	Email            *string
	Phone            *string
	PasswordHash     string
	Status           string
	Role             string
	SecondaryRoles   []string
	TwoFactorEnabled bool
	TwoFactorSecret  *string
	TwoFactorMethod  *string
	LastLoginAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Session is a row in the user_sessions table.
type Session struct {
	ID           string
	UserID       string
	TokenID      *string
	DeviceID     *string
	Fingerprint  string
	IP           string
	UserAgent    string
	Location     *string
	Status       string
	IsCurrent    bool
	CreatedAt    time.Time
	LastActiveAt time.Time
	ExpiresAt    time.Time
}

// Device is a row in the user_devices table.
type Device struct {
	ID          string
	UserID      string
	Fingerprint string
	DeviceType  string
	OS          string
	Browser     string
	IsTrusted   bool
	LastUsedAt  time.Time
	CreatedAt   time.Time
}

// RecoveryCode is a row in the two_factor_recovery_codes table.
// The raw code is never stored, only its bcrypt hash.
type RecoveryCode struct {
	ID       string
	UserID   string
	CodeHash string
	Used     bool
	UsedAt   *time.Time
}

// UserEvent is a row in the user_events table.
type UserEvent struct {
	ID        string
	UserID    *string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// KnowledgeAccessLog records a resolved authorization decision.
type KnowledgeAccessLog struct {
	ID           string
	UserID       string
	ResourceType string
	ResourceID   string
	Action       string
	Allowed      bool
	CreatedAt    time.Time
}
