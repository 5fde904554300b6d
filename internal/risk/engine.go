// Package risk decides per-login whether extra verification is required and
// classifies completed logins as suspicious.
package risk

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/suoke-life/auth-service/internal/device"
	"github.com/suoke-life/auth-service/internal/securitylog"
	"github.com/suoke-life/auth-service/internal/storage"
)

const (
	recentSessionWindow = 5
	countryChangeWindow = 24 * time.Hour
	deviceChangeWindow  = 12 * time.Hour
)

// SessionSource is the slice of session history the heuristics read.
type SessionSource interface {
	RecentActive(ctx context.Context, userID string, limit int) ([]*storage.Session, error)
}

// DeviceSource resolves known devices.
type DeviceSource interface {
	Identify(ctx context.Context, userID string, info device.Info) (*storage.Device, error)
}

// GeoLookup resolves an IP to a coarse location.
type GeoLookup interface {
	Lookup(ctx context.Context, ip string) (country, region, city string, ok bool)
}

// Options tunes the engine.
type Options struct {
	// RequireVerificationForNewDevice forces the SMS verification flow the
	// first time a fingerprint is seen.
	RequireVerificationForNewDevice bool
}

// Engine implements the login risk policy.
type Engine struct {
	sessions SessionSource
	devices  DeviceSource
	geo      GeoLookup
	events   *securitylog.Logger
	logger   *slog.Logger
	opts     Options
}

func NewEngine(sessions SessionSource, devices DeviceSource, geo GeoLookup, events *securitylog.Logger, logger *slog.Logger, opts Options) *Engine {
	return &Engine{
		sessions: sessions,
		devices:  devices,
		geo:      geo,
		events:   events,
		logger:   logger,
		opts:     opts,
	}
}

// LoginContext describes the attempt being evaluated.
type LoginContext struct {
	UserID    string
	Info      device.Info
	IP        string
	UserAgent string
	DeviceID  string
}

// Result is the verification decision for a login.
type Result struct {
	VerificationRequired bool
	VerificationInfo     map[string]string
	DeviceFingerprint    string
	Device               *storage.Device
}

// ProcessLoginSecurity resolves the device and decides whether the login
// needs device verification before a bearer session may be created.
func (e *Engine) ProcessLoginSecurity(ctx context.Context, lc LoginContext) (*Result, error) {
	fingerprint := device.Fingerprint(lc.Info)
	res := &Result{DeviceFingerprint: fingerprint}

	known, err := e.devices.Identify(ctx, lc.UserID, lc.Info)
	if err != nil {
		return nil, err
	}
	if known != nil {
		res.Device = known
		return res, nil
	}

	if e.opts.RequireVerificationForNewDevice {
		res.VerificationRequired = true
		res.VerificationInfo = map[string]string{
			"method": "sms",
			"reason": "new_device",
		}
	}
	return res, nil
}

// DetectSuspicious applies the completed-login heuristic over the user's
// recent bearer-valid sessions. The first-ever session is never suspicious.
func (e *Engine) DetectSuspicious(ctx context.Context, userID, ip, userAgent string) bool {
	recent, err := e.sessions.RecentActive(ctx, userID, recentSessionWindow)
	if err != nil {
		e.logger.Warn("suspicion_history_read_failed", "user_id", userID, "error", err)
		return false
	}
	if len(recent) == 0 {
		return false
	}

	now := time.Now().UTC()
	last := recent[0]

	ipKnown := false
	for _, s := range recent {
		if s.IP == ip {
			ipKnown = true
			break
		}
	}

	if !ipKnown && now.Sub(last.CreatedAt) < countryChangeWindow {
		if e.countryOf(ctx, ip) != "" && e.sessionCountry(last) != "" &&
			e.countryOf(ctx, ip) != e.sessionCountry(last) {
			return true
		}
	}

	currentType := device.Normalize(device.Info{UserAgent: userAgent}).DeviceType
	if currentType != "unknown" && now.Sub(last.CreatedAt) < deviceChangeWindow {
		seen := false
		for _, s := range recent {
			prior := device.Normalize(device.Info{UserAgent: s.UserAgent}).DeviceType
			if prior == currentType {
				seen = true
				break
			}
		}
		if !seen {
			return true
		}
	}

	return false
}

func (e *Engine) countryOf(ctx context.Context, ip string) string {
	if e.geo == nil {
		return ""
	}
	country, _, _, ok := e.geo.Lookup(ctx, ip)
	if !ok {
		return ""
	}
	return country
}

// sessionCountry extracts the country segment of a stored location.
func (e *Engine) sessionCountry(s *storage.Session) string {
	if s.Location == nil {
		return ""
	}
	parts := strings.SplitN(*s.Location, "/", 2)
	return parts[0]
}

// LoginAttempt carries the context recorded with success/failure events.
type LoginAttempt struct {
	IP        string
	UserAgent string
	Reason    string
	DeviceID  string
	SessionID string
}

// RecordLoginSuccess appends a LOGIN_SUCCESS event.
func (e *Engine) RecordLoginSuccess(ctx context.Context, userID string, a LoginAttempt) {
	e.events.Record(ctx, securitylog.EventLoginSuccess, userID, map[string]interface{}{
		"ip":         a.IP,
		"user_agent": a.UserAgent,
		"device_id":  a.DeviceID,
		"session_id": a.SessionID,
	})
}

// RecordLoginFailure appends a LOGIN_FAILED event. userID may be empty for
// unknown identifiers; those events feed enumeration-attack analysis.
func (e *Engine) RecordLoginFailure(ctx context.Context, userID string, a LoginAttempt) {
	e.events.Record(ctx, securitylog.EventLoginFailed, userID, map[string]interface{}{
		"ip":         a.IP,
		"user_agent": a.UserAgent,
		"reason":     a.Reason,
	})
}

// RecordSuspicious appends a SUSPICIOUS_ACTIVITY event.
func (e *Engine) RecordSuspicious(ctx context.Context, userID string, sessionID, ip string) {
	e.events.Record(ctx, securitylog.EventSuspiciousActivity, userID, map[string]interface{}{
		"session_id": sessionID,
		"ip":         ip,
	})
}
