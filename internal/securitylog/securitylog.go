// Package securitylog records the append-only security event stream. Events
// land in the relational user_events table and are mirrored into the KV cache
// under a per-user index bounded to the most recent entries. Writes are
// best-effort: a failed write is logged, never bubbled to the caller.
package securitylog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/suoke-life/auth-service/internal/kvcache"
	"github.com/suoke-life/auth-service/internal/storage"
)

// EventType categorizes a security event.
type EventType string

const (
	EventTokenIssued            EventType = "TOKEN_ISSUED"
	EventTokenRefreshed         EventType = "TOKEN_REFRESHED"
	EventTokenRevoked           EventType = "TOKEN_REVOKED"
	EventLoginSuccess           EventType = "LOGIN_SUCCESS"
	EventLoginFailed            EventType = "LOGIN_FAILED"
	EventLogout                 EventType = "LOGOUT"
	EventTwoFactorEnabled       EventType = "TWO_FACTOR_ENABLED"
	EventTwoFactorVerified      EventType = "TWO_FACTOR_VERIFIED"
	EventTwoFactorFailed        EventType = "TWO_FACTOR_FAILED"
	EventTwoFactorDisabled      EventType = "TWO_FACTOR_DISABLED"
	EventRecoveryCodeUsed       EventType = "RECOVERY_CODE_USED"
	EventSuspiciousActivity     EventType = "SUSPICIOUS_ACTIVITY"
	EventDeviceTrusted          EventType = "DEVICE_TRUSTED"
	EventDeviceVerified         EventType = "DEVICE_VERIFIED"
	EventPasswordResetRequested EventType = "PASSWORD_RESET_REQUESTED"
	EventPasswordResetCompleted EventType = "PASSWORD_RESET_COMPLETED"
)

// EventStore is the slice of the relational layer the logger needs.
type EventStore interface {
	InsertUserEvent(ctx context.Context, e *storage.UserEvent) error
}

// Options bounds the stream.
type Options struct {
	RetentionDays int
	MaxUserEvents int
}

func (o *Options) normalize() {
	if o.RetentionDays <= 0 {
		o.RetentionDays = 30
	}
	if o.MaxUserEvents <= 0 {
		o.MaxUserEvents = 100
	}
}

// Logger appends security events.
type Logger struct {
	store  EventStore
	cache  *kvcache.Client
	logger *slog.Logger
	opts   Options
}

func New(store EventStore, cache *kvcache.Client, logger *slog.Logger, opts Options) *Logger {
	opts.normalize()
	return &Logger{store: store, cache: cache, logger: logger, opts: opts}
}

// secretFields are stripped from payloads before persistence. The stream must
// never contain raw passwords, tokens, secrets, or codes.
var secretFields = []string{"password", "token", "secret", "code", "authorization"}

func sanitize(payload map[string]interface{}) map[string]interface{} {
	if payload == nil {
		return map[string]interface{}{}
	}
	clean := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		lower := strings.ToLower(k)
		redact := false
		for _, s := range secretFields {
			if strings.Contains(lower, s) {
				redact = true
				break
			}
		}
		if redact {
			clean[k] = "[REDACTED]"
			continue
		}
		clean[k] = v
	}
	return clean
}

// Record appends an event. userID may be empty for events against unknown
// identities (failed logins feed enumeration-attack analysis).
func (l *Logger) Record(ctx context.Context, eventType EventType, userID string, payload map[string]interface{}) {
	now := time.Now().UTC()
	eventID := uuid.NewString()
	clean := sanitize(payload)

	body, err := json.Marshal(clean)
	if err != nil {
		l.logger.Error("securitylog_marshal_failed", "type", string(eventType), "error", err)
		body = []byte("{}")
	}

	var uid *string
	if userID != "" {
		uid = &userID
	}

	if err := l.store.InsertUserEvent(ctx, &storage.UserEvent{
		ID:        eventID,
		UserID:    uid,
		Type:      string(eventType),
		Payload:   body,
		CreatedAt: now,
	}); err != nil {
		// Fallback: emit to stdout so the event is not lost entirely.
		l.logger.Error("securitylog_insert_failed",
			"type", string(eventType),
			"user_id", userID,
			"error", err,
		)
	}

	l.mirror(ctx, eventType, eventID, userID, clean, now)
}

// mirror writes the KVC copy: the event blob with retention TTL and the
// per-user sorted-set index trimmed to the most recent entries.
func (l *Logger) mirror(ctx context.Context, eventType EventType, eventID, userID string, payload map[string]interface{}, at time.Time) {
	blob, err := json.Marshal(map[string]interface{}{
		"id":        eventID,
		"type":      string(eventType),
		"user_id":   userID,
		"timestamp": at.UnixMilli(),
		"payload":   payload,
	})
	if err != nil {
		return
	}

	retention := time.Duration(l.opts.RetentionDays) * 24 * time.Hour
	eventKey := fmt.Sprintf("security_log:%s:%s", eventType, eventID)
	if err := l.cache.Set(ctx, eventKey, string(blob), retention); err != nil {
		l.logger.Warn("securitylog_cache_write_failed", "key", eventKey, "error", err)
		return
	}

	if userID == "" {
		return
	}

	indexKey := fmt.Sprintf("security_log:user:%s:events", userID)
	member := fmt.Sprintf("%s:%s", eventType, eventID)
	if err := l.cache.ZAdd(ctx, indexKey, float64(at.UnixMilli()), member); err != nil {
		l.logger.Warn("securitylog_index_write_failed", "key", indexKey, "error", err)
		return
	}
	if err := l.cache.ZTrimToMostRecent(ctx, indexKey, int64(l.opts.MaxUserEvents)); err != nil {
		l.logger.Warn("securitylog_index_trim_failed", "key", indexKey, "error", err)
	}
	if err := l.cache.Expire(ctx, indexKey, retention); err != nil {
		l.logger.Warn("securitylog_index_expire_failed", "key", indexKey, "error", err)
	}
}

// RecentForUser reads the per-user index, most recent first.
func (l *Logger) RecentForUser(ctx context.Context, userID string, limit int) ([]string, error) {
	if limit <= 0 || limit > l.opts.MaxUserEvents {
		limit = l.opts.MaxUserEvents
	}
	key := fmt.Sprintf("security_log:user:%s:events", userID)
	return l.cache.ZRevRange(ctx, key, 0, int64(limit-1))
}
