package auth

import (
	"context"

	"github.com/suoke-life/auth-service/internal/apperr"
	"github.com/suoke-life/auth-service/internal/securitylog"
	"github.com/suoke-life/auth-service/internal/storage"
	"github.com/suoke-life/auth-service/internal/token"
)

// Refresh rotates a refresh token: the old jti is revoked before new tokens
// are minted, so of two racing refreshes on the same token exactly one wins.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*LoginResult, error) {
	claims, err := s.tokens.VerifyRefresh(ctx, refreshToken)
	if err != nil {
		return nil, apperr.Unauthorized()
	}

	user, err := s.users.GetByID(ctx, claims.UserID())
	if err != nil {
		return nil, apperr.Unauthorized()
	}
	if user.Status == storage.UserStatusLocked || user.Status == storage.UserStatusInactive {
		return nil, apperr.E(apperr.KindForbidden, "account disabled")
	}

	won, err := s.tokens.RevokeOnce(ctx, claims.JTI())
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if !won {
		// A concurrent rotation got here first.
		return nil, apperr.Unauthorized()
	}

	pair, err := s.tokens.Issue(ctx, user, token.IssueOptions{
		SessionID: claims.SessionID,
		DeviceID:  claims.DeviceID,
	})
	if err != nil {
		return nil, err
	}

	if claims.SessionID != "" {
		if err := s.sessions.UpdateActivity(ctx, claims.SessionID); err != nil {
			s.logger.Warn("refresh_activity_update_failed", "session_id", claims.SessionID, "error", err)
		}
		if err := s.sessions.BindToken(ctx, claims.SessionID, pair.JTI, claims.DeviceID); err != nil {
			s.logger.Warn("refresh_token_bind_failed", "session_id", claims.SessionID, "error", err)
		}
	}

	s.events.Record(ctx, securitylog.EventTokenRefreshed, user.ID, map[string]interface{}{
		"session_id": claims.SessionID,
	})

	return &LoginResult{
		User:   Sanitize(user),
		Tokens: pair,
	}, nil
}
