package auth

import (
	"context"
	"time"

	"github.com/suoke-life/auth-service/internal/apperr"
	"github.com/suoke-life/auth-service/internal/device"
	"github.com/suoke-life/auth-service/internal/risk"
	"github.com/suoke-life/auth-service/internal/securitylog"
	"github.com/suoke-life/auth-service/internal/session"
	"github.com/suoke-life/auth-service/internal/storage"
	"github.com/suoke-life/auth-service/internal/token"
)

// Failure reasons recorded with LOGIN_FAILED events. Internal only; callers
// always see the uniform unauthorized message.
const (
	reasonUserNotFound    = "user_not_found"
	reasonAccountDisabled = "account_disabled"
	reasonInvalidPassword = "invalid_password"
	reasonInvalid2FACode  = "invalid_2fa_code"
)

// Login runs the credential check and risk evaluation. Depending on the
// user and device it completes immediately, or parks the attempt in a temp
// session pending a second factor or device verification.
func (s *Service) Login(ctx context.Context, identifier, password string, info device.Info, ip, userAgent string) (*LoginResult, error) {
	user, err := s.users.GetByIdentifier(ctx, identifier)
	if err != nil {
		s.risk.RecordLoginFailure(ctx, "", risk.LoginAttempt{
			IP: ip, UserAgent: userAgent, Reason: reasonUserNotFound,
		})
		return nil, apperr.Unauthorized()
	}

	if user.Status != storage.UserStatusActive {
		s.risk.RecordLoginFailure(ctx, user.ID, risk.LoginAttempt{
			IP: ip, UserAgent: userAgent, Reason: reasonAccountDisabled,
		})
		return nil, apperr.E(apperr.KindForbidden, "account disabled")
	}

	if err := s.hasher.Compare(user.PasswordHash, password); err != nil {
		s.risk.RecordLoginFailure(ctx, user.ID, risk.LoginAttempt{
			IP: ip, UserAgent: userAgent, Reason: reasonInvalidPassword,
		})
		return nil, apperr.Unauthorized()
	}

	sec, err := s.risk.ProcessLoginSecurity(ctx, risk.LoginContext{
		UserID: user.ID, Info: info, IP: ip, UserAgent: userAgent,
	})
	if err != nil {
		return nil, err
	}

	if sec.VerificationRequired {
		return s.parkForDeviceVerification(ctx, user, info, ip, userAgent, sec)
	}

	if user.TwoFactorEnabled {
		return s.parkForTwoFactor(ctx, user, info, ip, userAgent)
	}

	return s.completeLogin(ctx, user, info, ip, userAgent, completeOptions{
		duration:    s.opts.DefaultSessionDuration,
		knownDevice: sec.Device,
	})
}

func (s *Service) parkForDeviceVerification(ctx context.Context, user *storage.User, info device.Info, ip, userAgent string, sec *risk.Result) (*LoginResult, error) {
	temp, err := s.sessions.Create(ctx, sessionParams(user.ID, info, ip, userAgent,
		storage.SessionStatusPendingDeviceVerif, s.opts.TempDeviceVerifyTTL))
	if err != nil {
		return nil, err
	}

	// Delivering the code is best-effort here; the client can re-request.
	if s.verifier != nil && user.Phone != nil {
		phone := *user.Phone
		s.background.Enqueue("device_verification_code", func(ctx context.Context) error {
			return s.verifier.Issue(ctx, phone)
		})
	}

	return &LoginResult{
		RequiresDeviceVerification: true,
		VerificationInfo:           sec.VerificationInfo,
		TempSessionID:              temp.ID,
		UserID:                     user.ID,
	}, nil
}

func (s *Service) parkForTwoFactor(ctx context.Context, user *storage.User, info device.Info, ip, userAgent string) (*LoginResult, error) {
	temp, err := s.sessions.Create(ctx, sessionParams(user.ID, info, ip, userAgent,
		storage.SessionStatusPending2FA, s.opts.TempTwoFactorTTL))
	if err != nil {
		return nil, err
	}

	method := storage.TwoFactorMethodTOTP
	if user.TwoFactorMethod != nil {
		method = *user.TwoFactorMethod
	}

	return &LoginResult{
		RequiresTwoFactor: true,
		TwoFactorMethod:   method,
		TempSessionID:     temp.ID,
		UserID:            user.ID,
	}, nil
}

type completeOptions struct {
	duration    time.Duration
	trustDevice bool
	knownDevice *storage.Device
	tempSession *storage.Session
}

// completeLogin finishes a verified attempt: device registration, session
// activation, token issue, and bookkeeping, in that order. A failure after
// session creation leaves a TTL-bounded session for CleanupExpired.
func (s *Service) completeLogin(ctx context.Context, user *storage.User, info device.Info, ip, userAgent string, o completeOptions) (*LoginResult, error) {
	dev := o.knownDevice
	if dev == nil || o.trustDevice {
		var err error
		dev, err = s.devices.RegisterAndTrust(ctx, user.ID, info, o.trustDevice)
		if err != nil {
			return nil, err
		}
	}
	if o.trustDevice {
		s.events.Record(ctx, securitylog.EventDeviceTrusted, user.ID, map[string]interface{}{
			"device_id": dev.ID,
		})
	}

	var sess *storage.Session
	var err error
	if o.tempSession != nil {
		sess, err = s.sessions.UpdateStatus(ctx, o.tempSession.ID, storage.SessionStatusActive, o.duration)
	} else {
		sess, err = s.sessions.Create(ctx, session.CreateParams{
			UserID:      user.ID,
			Fingerprint: device.Fingerprint(info),
			IP:          ip,
			UserAgent:   userAgent,
			DeviceID:    dev.ID,
			Status:      storage.SessionStatusActive,
			ExpiresIn:   o.duration,
		})
	}
	if err != nil {
		return nil, err
	}

	pair, err := s.tokens.Issue(ctx, user, token.IssueOptions{
		SessionID: sess.ID,
		DeviceID:  dev.ID,
	})
	if err != nil {
		return nil, err
	}

	if err := s.sessions.BindToken(ctx, sess.ID, pair.JTI, dev.ID); err != nil {
		s.logger.Warn("session_token_bind_failed", "session_id", sess.ID, "error", err)
	}
	jti, devID := pair.JTI, dev.ID
	sess.TokenID = &jti
	sess.DeviceID = &devID

	userID := user.ID
	s.background.Enqueue("update_last_login", func(ctx context.Context) error {
		return s.users.UpdateLastLogin(ctx, userID, time.Now().UTC())
	})

	s.risk.RecordLoginSuccess(ctx, user.ID, risk.LoginAttempt{
		IP: ip, UserAgent: userAgent, DeviceID: dev.ID, SessionID: sess.ID,
	})
	if sess.Status == storage.SessionStatusSuspicious {
		s.risk.RecordSuspicious(ctx, user.ID, sess.ID, ip)
	}

	return &LoginResult{
		User:    Sanitize(user),
		Tokens:  pair,
		Session: sess,
	}, nil
}

// VerifyTwoFactorAndLogin completes a login parked in pending_2fa.
// TOTP is tried first, then recovery codes.
func (s *Service) VerifyTwoFactorAndLogin(ctx context.Context, userID, tempSessionID, code string, rememberDevice bool, info device.Info, ip, userAgent string) (*LoginResult, error) {
	temp, err := s.validTempSession(ctx, userID, tempSessionID, storage.SessionStatusPending2FA)
	if err != nil {
		return nil, err
	}

	method, err := s.twoFactor.Verify(ctx, userID, code)
	if err != nil {
		s.risk.RecordLoginFailure(ctx, userID, risk.LoginAttempt{
			IP: ip, UserAgent: userAgent, Reason: reasonInvalid2FACode,
		})
		s.events.Record(ctx, securitylog.EventTwoFactorFailed, userID, map[string]interface{}{
			"session_id": tempSessionID,
		})
		return nil, apperr.Unauthorized()
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, apperr.Unauthorized()
	}

	// The effective device may still be unverified.
	sec, err := s.risk.ProcessLoginSecurity(ctx, risk.LoginContext{
		UserID: userID, Info: info, IP: ip, UserAgent: userAgent,
	})
	if err != nil {
		return nil, err
	}
	if sec.VerificationRequired {
		if _, err := s.sessions.UpdateStatus(ctx, temp.ID, storage.SessionStatusPendingDeviceVerif, s.opts.TempDeviceVerifyTTL); err != nil {
			return nil, err
		}
		return &LoginResult{
			RequiresDeviceVerification: true,
			VerificationInfo:           sec.VerificationInfo,
			TempSessionID:              temp.ID,
			UserID:                     userID,
		}, nil
	}

	duration := s.opts.DefaultSessionDuration
	if rememberDevice {
		duration = s.opts.TrustedDeviceDuration
	}

	s.events.Record(ctx, securitylog.EventTwoFactorVerified, userID, map[string]interface{}{
		"method": method,
	})

	return s.completeLogin(ctx, user, info, ip, userAgent, completeOptions{
		duration:    duration,
		trustDevice: rememberDevice,
		knownDevice: sec.Device,
		tempSession: temp,
	})
}

// VerifyDeviceAndLogin completes a login parked in pending_device_verification
// using the SMS code delivered to the account phone.
func (s *Service) VerifyDeviceAndLogin(ctx context.Context, userID, tempSessionID, code string, info device.Info, ip, userAgent string) (*LoginResult, error) {
	temp, err := s.validTempSession(ctx, userID, tempSessionID, storage.SessionStatusPendingDeviceVerif)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, apperr.Unauthorized()
	}
	if user.Phone == nil || s.verifier == nil {
		return nil, apperr.E(apperr.KindBadRequest, "device verification unavailable")
	}

	if err := s.verifier.Verify(ctx, *user.Phone, code); err != nil {
		return nil, err
	}
	s.events.Record(ctx, securitylog.EventDeviceVerified, userID, map[string]interface{}{
		"session_id": temp.ID,
	})

	if user.TwoFactorEnabled {
		if _, err := s.sessions.UpdateStatus(ctx, temp.ID, storage.SessionStatusPending2FA, s.opts.TempTwoFactorTTL); err != nil {
			return nil, err
		}
		method := storage.TwoFactorMethodTOTP
		if user.TwoFactorMethod != nil {
			method = *user.TwoFactorMethod
		}
		return &LoginResult{
			RequiresTwoFactor: true,
			TwoFactorMethod:   method,
			TempSessionID:     temp.ID,
			UserID:            userID,
		}, nil
	}

	return s.completeLogin(ctx, user, info, ip, userAgent, completeOptions{
		duration:    s.opts.DefaultSessionDuration,
		tempSession: temp,
	})
}

func (s *Service) validTempSession(ctx context.Context, userID, tempSessionID, wantStatus string) (*storage.Session, error) {
	temp, err := s.sessions.Get(ctx, tempSessionID)
	if err != nil {
		return nil, apperr.Unauthorized()
	}
	if temp.UserID != userID || temp.Status != wantStatus {
		return nil, apperr.Unauthorized()
	}
	if !temp.ExpiresAt.After(time.Now().UTC()) {
		return nil, apperr.Unauthorized()
	}
	return temp, nil
}

func sessionParams(userID string, info device.Info, ip, userAgent, status string, ttl time.Duration) session.CreateParams {
	return session.CreateParams{
		UserID:      userID,
		Fingerprint: device.Fingerprint(info),
		IP:          ip,
		UserAgent:   userAgent,
		Status:      status,
		ExpiresIn:   ttl,
	}
}
