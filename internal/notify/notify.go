// Package notify declares the collaborator contracts the core consumes and a
// bounded background dispatcher for fire-and-forget work. Delivery transports
// live outside the core; dev implementations here only log.
package notify

import (
	"context"
	"log/slog"
)

// EmailTransport delivers transactional mail.
type EmailTransport interface {
	SendWelcome(ctx context.Context, to, username string) error
	SendPasswordReset(ctx context.Context, to, resetToken, displayName string) error
}

// SmsTransport delivers verification codes.
type SmsTransport interface {
	SendVerificationCode(ctx context.Context, phone, code, provider string) error
}

// GeoLookup resolves an IP to a coarse location.
type GeoLookup interface {
	Lookup(ctx context.Context, ip string) (country, region, city string, ok bool)
}

// NotificationDispatch pushes user-facing security alerts.
type NotificationDispatch interface {
	NotifySuspiciousLogin(ctx context.Context, userID string, details map[string]string) error
}

// DevMailer logs instead of sending. Useful in development and tests.
type DevMailer struct {
	Logger *slog.Logger
}

func (m *DevMailer) SendWelcome(ctx context.Context, to, username string) error {
	m.Logger.Info("dev_mail_welcome", "to", to, "username", username)
	return nil
}

func (m *DevMailer) SendPasswordReset(ctx context.Context, to, resetToken, displayName string) error {
	m.Logger.Info("dev_mail_password_reset", "to", to, "display_name", displayName)
	return nil
}

// DevSms logs instead of sending.
type DevSms struct {
	Logger *slog.Logger
}

func (s *DevSms) SendVerificationCode(ctx context.Context, phone, code, provider string) error {
	s.Logger.Info("dev_sms_verification_code", "phone", phone, "provider", provider)
	return nil
}

// NopGeo never resolves. Location stays null on miss, per the session model.
type NopGeo struct{}

func (NopGeo) Lookup(ctx context.Context, ip string) (string, string, string, bool) {
	return "", "", "", false
}

// DevDispatch logs suspicious-login alerts.
type DevDispatch struct {
	Logger *slog.Logger
}

func (d *DevDispatch) NotifySuspiciousLogin(ctx context.Context, userID string, details map[string]string) error {
	d.Logger.Warn("dev_notify_suspicious_login", "user_id", userID, "session_id", details["sessionId"], "ip", details["ip"])
	return nil
}
