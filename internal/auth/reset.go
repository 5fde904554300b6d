package auth

import (
	"context"

	"github.com/suoke-life/auth-service/internal/apperr"
	"github.com/suoke-life/auth-service/internal/securitylog"
)

const minPasswordLength = 8

// RequestPasswordReset starts the reset flow. The caller always sees
// success, whether or not the email resolves to an account.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	user, err := s.users.GetByIdentifier(ctx, email)
	if err != nil {
		// Silence is golden: no signal about account existence.
		return nil
	}
	if user.Email == nil {
		return nil
	}

	resetToken, err := s.tokens.IssuePasswordReset(ctx, user.ID, *user.Email)
	if err != nil {
		return apperr.Internal(err)
	}

	to := *user.Email
	displayName := user.Username
	s.background.Enqueue("password_reset_email", func(ctx context.Context) error {
		return s.mail.SendPasswordReset(ctx, to, resetToken, displayName)
	})

	s.events.Record(ctx, securitylog.EventPasswordResetRequested, user.ID, nil)
	return nil
}

// ConfirmPasswordReset sets the new password, consumes the reset token, and
// revokes every outstanding token for the account.
func (s *Service) ConfirmPasswordReset(ctx context.Context, resetToken, newPassword string) error {
	if len(newPassword) < minPasswordLength {
		return apperr.E(apperr.KindBadRequest, "password too short")
	}

	claims, err := s.tokens.VerifyPasswordReset(ctx, resetToken)
	if err != nil {
		return apperr.Unauthorized()
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return apperr.Internal(err)
	}
	if err := s.users.UpdatePassword(ctx, claims.UserID(), hash); err != nil {
		return apperr.Internal(err)
	}

	if err := s.tokens.ConsumePasswordReset(ctx, claims); err != nil {
		s.logger.Warn("reset_token_consume_failed", "user_id", claims.UserID(), "error", err)
	}
	if _, err := s.tokens.RevokeAll(ctx, claims.UserID()); err != nil {
		s.logger.Warn("reset_revoke_all_failed", "user_id", claims.UserID(), "error", err)
	}

	s.events.Record(ctx, securitylog.EventPasswordResetCompleted, claims.UserID(), nil)
	return nil
}
