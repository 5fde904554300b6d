package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/suoke-life/auth-service/internal/apperr"
	"github.com/suoke-life/auth-service/internal/crypto"
	"github.com/suoke-life/auth-service/internal/kvcache"
	"github.com/suoke-life/auth-service/internal/notify"
)

const codeDigits = 6

// CodeOptions tunes the SMS verification code service.
type CodeOptions struct {
	CodeTTL     time.Duration // default 15m
	MaxAttempts int           // default 5
	Throttle    time.Duration // default 1m
	Provider    string
}

func (o *CodeOptions) normalize() {
	if o.CodeTTL <= 0 {
		o.CodeTTL = 15 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Throttle <= 0 {
		o.Throttle = time.Minute
	}
}

// CodeService issues and verifies SMS device-verification codes. The code,
// attempt counter, and throttle flag all live in the KV cache and self-heal
// by TTL.
type CodeService struct {
	cache  *kvcache.Client
	sms    notify.SmsTransport
	logger *slog.Logger
	opts   CodeOptions
}

func NewCodeService(cache *kvcache.Client, sms notify.SmsTransport, logger *slog.Logger, opts CodeOptions) *CodeService {
	opts.normalize()
	return &CodeService{cache: cache, sms: sms, logger: logger, opts: opts}
}

func codeKey(phone string) string     { return "sms:code:" + phone }
func attemptsKey(phone string) string { return "sms:attempts:" + phone }
func throttleKey(phone string) string { return "sms:throttle:" + phone }

// Issue generates and delivers a fresh code. Re-requesting while the
// throttle flag is live fails RateLimited.
func (s *CodeService) Issue(ctx context.Context, phone string) error {
	if phone == "" {
		return apperr.E(apperr.KindBadRequest, "phone is required")
	}

	throttled, err := s.cache.Exists(ctx, throttleKey(phone))
	if err != nil {
		return apperr.Internal(err)
	}
	if throttled {
		return apperr.E(apperr.KindRateLimited, "verification code recently sent")
	}

	code, err := crypto.GenerateNumericCode(codeDigits)
	if err != nil {
		return apperr.Internal(err)
	}

	if err := s.cache.Set(ctx, codeKey(phone), code, s.opts.CodeTTL); err != nil {
		return apperr.Internal(err)
	}
	if err := s.cache.Del(ctx, attemptsKey(phone)); err != nil {
		s.logger.Warn("sms_attempts_reset_failed", "error", err)
	}
	if err := s.cache.Set(ctx, throttleKey(phone), "1", s.opts.Throttle); err != nil {
		s.logger.Warn("sms_throttle_write_failed", "error", err)
	}

	if err := s.sms.SendVerificationCode(ctx, phone, code, s.opts.Provider); err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to deliver verification code", err)
	}
	return nil
}

// Verify checks a submitted code. Each wrong attempt counts toward the cap;
// the attempt after the cap fails RateLimited and evicts the stored code.
func (s *CodeService) Verify(ctx context.Context, phone, code string) error {
	attempts, err := s.cache.Incr(ctx, attemptsKey(phone))
	if err != nil {
		return apperr.Internal(err)
	}
	if attempts == 1 {
		if err := s.cache.Expire(ctx, attemptsKey(phone), s.opts.CodeTTL); err != nil {
			s.logger.Warn("sms_attempts_expire_failed", "error", err)
		}
	}
	if attempts > int64(s.opts.MaxAttempts) {
		if err := s.cache.Del(ctx, codeKey(phone), attemptsKey(phone)); err != nil {
			s.logger.Warn("sms_code_evict_failed", "error", err)
		}
		return apperr.E(apperr.KindRateLimited, "too many verification attempts")
	}

	stored, err := s.cache.Get(ctx, codeKey(phone))
	if err != nil {
		if errors.Is(err, kvcache.ErrNotFound) {
			return apperr.Unauthorized()
		}
		return apperr.Internal(fmt.Errorf("read verification code: %w", err))
	}

	if !crypto.SecureCompare(code, stored) {
		return apperr.Unauthorized()
	}

	if err := s.cache.Del(ctx, codeKey(phone), attemptsKey(phone)); err != nil {
		s.logger.Warn("sms_code_cleanup_failed", "error", err)
	}
	return nil
}
