package auth

import (
	"context"

	"github.com/suoke-life/auth-service/internal/securitylog"
)

// LogoutResult aggregates what a logout actually managed to revoke.
// Partial failures are reported here, never by aborting siblings.
type LogoutResult struct {
	RevokedTokens   int      `json:"revoked_tokens"`
	RevokedSessions int      `json:"revoked_sessions"`
	Warnings        []string `json:"warnings,omitempty"`
}

// Logout revokes the presented tokens and their session, or everything the
// user holds when allDevices is set.
func (s *Service) Logout(ctx context.Context, userID, accessToken, refreshToken string, allDevices bool) (*LogoutResult, error) {
	res := &LogoutResult{}

	if allDevices {
		count, err := s.tokens.RevokeAll(ctx, userID)
		if err != nil {
			res.Warnings = append(res.Warnings, "token revocation incomplete")
			s.logger.Warn("logout_revoke_all_tokens_failed", "user_id", userID, "error", err)
		}
		res.RevokedTokens = count

		sessions, err := s.sessions.RevokeAll(ctx, userID, "", "logout_all_devices")
		if err != nil {
			res.Warnings = append(res.Warnings, "session revocation incomplete")
			s.logger.Warn("logout_revoke_all_sessions_failed", "user_id", userID, "error", err)
		}
		res.RevokedSessions = sessions

		s.events.Record(ctx, securitylog.EventLogout, userID, map[string]interface{}{
			"all_devices": true,
		})
		return res, nil
	}

	sessionID := ""
	if accessToken != "" {
		if claims, err := s.tokens.VerifyAccess(ctx, accessToken); err == nil {
			sessionID = claims.SessionID
		}
		if err := s.tokens.Revoke(ctx, accessToken); err != nil {
			res.Warnings = append(res.Warnings, "access token revocation failed")
			s.logger.Warn("logout_access_revoke_failed", "user_id", userID, "error", err)
		} else {
			res.RevokedTokens++
		}
	}

	if refreshToken != "" {
		if err := s.tokens.Revoke(ctx, refreshToken); err != nil {
			res.Warnings = append(res.Warnings, "refresh token revocation failed")
			s.logger.Warn("logout_refresh_revoke_failed", "user_id", userID, "error", err)
		} else {
			res.RevokedTokens++
		}
	}

	if sessionID != "" {
		if err := s.sessions.Revoke(ctx, sessionID, "logout"); err != nil {
			res.Warnings = append(res.Warnings, "session revocation failed")
			s.logger.Warn("logout_session_revoke_failed", "session_id", sessionID, "error", err)
		} else {
			res.RevokedSessions++
		}
	}

	s.events.Record(ctx, securitylog.EventLogout, userID, map[string]interface{}{
		"all_devices": false,
		"session_id":  sessionID,
	})
	return res, nil
}
