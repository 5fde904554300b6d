// Package session owns the session state machine and its cache discipline.
// Every write goes to the relational store first; status mutations evict the
// cache entry so readers self-correct on the next miss.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/suoke-life/auth-service/internal/apperr"
	"github.com/suoke-life/auth-service/internal/kvcache"
	"github.com/suoke-life/auth-service/internal/storage"
)

// Store is the slice of the relational layer the manager needs.
type Store interface {
	Insert(ctx context.Context, s *storage.Session) error
	GetByID(ctx context.Context, id string) (*storage.Session, error)
	GetByTokenID(ctx context.Context, tokenID string) (*storage.Session, error)
	ListByUser(ctx context.Context, userID string, activeOnly bool, limit, offset int) ([]*storage.Session, error)
	UpdateActivity(ctx context.Context, id string, at time.Time) error
	UpdateStatus(ctx context.Context, id string, status string, expiresAt *time.Time) error
	BindToken(ctx context.Context, id string, tokenID string, deviceID *string) error
	HasCurrent(ctx context.Context, userID string) (bool, error)
	SetCurrent(ctx context.Context, userID string, sessionID string) error
	RevokeAll(ctx context.Context, userID string, exceptID string) (int, error)
	MarkExpired(ctx context.Context, now time.Time) ([]string, error)
}

// GeoLookup resolves an IP to a coarse location. Nil results are fine.
type GeoLookup interface {
	Lookup(ctx context.Context, ip string) (country, region, city string, ok bool)
}

// SuspicionChecker classifies a completed login. Implemented by the risk
// engine; declared here so the dependency points inward.
type SuspicionChecker interface {
	DetectSuspicious(ctx context.Context, userID, ip, userAgent string) bool
}

// SuspiciousNotifier receives fire-and-forget alerts about suspicious logins.
type SuspiciousNotifier interface {
	NotifySuspiciousLogin(userID string, details map[string]string)
}

// Options configures the manager.
type Options struct {
	CacheTTL        time.Duration // default 1h
	DefaultDuration time.Duration // default 24h
}

func (o *Options) normalize() {
	if o.CacheTTL <= 0 {
		o.CacheTTL = time.Hour
	}
	if o.DefaultDuration <= 0 {
		o.DefaultDuration = 24 * time.Hour
	}
}

// Manager implements the session lifecycle.
type Manager struct {
	store    Store
	cache    *kvcache.Client
	geo      GeoLookup
	checker  SuspicionChecker
	notifier SuspiciousNotifier
	logger   *slog.Logger
	opts     Options
}

func NewManager(store Store, cache *kvcache.Client, logger *slog.Logger, opts Options) *Manager {
	opts.normalize()
	return &Manager{store: store, cache: cache, logger: logger, opts: opts}
}

// WithGeo attaches the best-effort location resolver.
func (m *Manager) WithGeo(geo GeoLookup) *Manager { m.geo = geo; return m }

// WithSuspicion attaches the risk heuristic and its notifier.
func (m *Manager) WithSuspicion(c SuspicionChecker, n SuspiciousNotifier) *Manager {
	m.checker = c
	m.notifier = n
	return m
}

// allowedTransitions is the monotonic state machine. Any state may move to
// expired or revoked; nothing leaves a terminal state.
var allowedTransitions = map[string]map[string]bool{
	storage.SessionStatusPendingDeviceVerif: {
		storage.SessionStatusPending2FA: true,
		storage.SessionStatusActive:     true,
	},
	storage.SessionStatusPending2FA: {
		storage.SessionStatusPendingDeviceVerif: true,
		storage.SessionStatusActive:             true,
	},
	storage.SessionStatusActive: {
		storage.SessionStatusSuspicious: true,
	},
	storage.SessionStatusSuspicious: {},
	storage.SessionStatusExpired:    {},
	storage.SessionStatusRevoked:    {},
}

func terminal(status string) bool {
	return status == storage.SessionStatusExpired || status == storage.SessionStatusRevoked
}

// CanTransition reports whether the move is legal.
func CanTransition(from, to string) bool {
	if from == to {
		return false
	}
	if terminal(to) {
		return !terminal(from)
	}
	next, ok := allowedTransitions[from]
	return ok && next[to]
}

// CreateParams describes a new session.
type CreateParams struct {
	UserID      string
	Fingerprint string
	IP          string
	UserAgent   string
	DeviceID    string
	Status      string        // default active
	ExpiresIn   time.Duration // default Options.DefaultDuration
}

// Create persists a new session. Active sessions run the suspicion heuristic
// and may land as suspicious instead; that still yields a bearer-valid
// session, plus an async notification.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*storage.Session, error) {
	if p.UserID == "" {
		return nil, apperr.E(apperr.KindBadRequest, "user id is required")
	}
	status := p.Status
	if status == "" {
		status = storage.SessionStatusActive
	}
	expiresIn := p.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = m.opts.DefaultDuration
	}

	now := time.Now().UTC()
	s := &storage.Session{
		ID:           uuid.NewString(),
		UserID:       p.UserID,
		Fingerprint:  p.Fingerprint,
		IP:           p.IP,
		UserAgent:    p.UserAgent,
		Status:       status,
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(expiresIn),
	}
	if p.DeviceID != "" {
		s.DeviceID = &p.DeviceID
	}

	if m.geo != nil && p.IP != "" {
		if country, region, city, ok := m.geo.Lookup(ctx, p.IP); ok {
			loc := country
			if region != "" {
				loc += "/" + region
			}
			if city != "" {
				loc += "/" + city
			}
			s.Location = &loc
		}
	}

	suspicious := false
	if status == storage.SessionStatusActive && m.checker != nil {
		suspicious = m.checker.DetectSuspicious(ctx, p.UserID, p.IP, p.UserAgent)
		if suspicious {
			s.Status = storage.SessionStatusSuspicious
		}
	}

	if status == storage.SessionStatusActive {
		hasCurrent, err := m.store.HasCurrent(ctx, p.UserID)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		s.IsCurrent = !hasCurrent
	}

	if err := m.store.Insert(ctx, s); err != nil {
		return nil, apperr.Internal(err)
	}
	m.cacheSession(ctx, s)

	if suspicious && m.notifier != nil {
		details := map[string]string{
			"sessionId": s.ID,
			"ip":        s.IP,
			"time":      now.Format(time.RFC3339),
		}
		if s.Location != nil {
			details["location"] = *s.Location
		}
		m.notifier.NotifySuspiciousLogin(p.UserID, details)
	}

	return s, nil
}

func (m *Manager) cacheKey(id string) string { return "session:" + id }

func (m *Manager) cacheSession(ctx context.Context, s *storage.Session) {
	blob, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := m.cache.Set(ctx, m.cacheKey(s.ID), string(blob), m.opts.CacheTTL); err != nil {
		m.logger.Warn("session_cache_write_failed", "session_id", s.ID, "error", err)
	}
}

func (m *Manager) evict(ctx context.Context, id string) {
	if err := m.cache.Del(ctx, m.cacheKey(id)); err != nil {
		m.logger.Warn("session_cache_evict_failed", "session_id", id, "error", err)
	}
}

// Get reads cache-first with relational fallback, repopulating on miss.
func (m *Manager) Get(ctx context.Context, id string) (*storage.Session, error) {
	if blob, err := m.cache.Get(ctx, m.cacheKey(id)); err == nil {
		var s storage.Session
		if err := json.Unmarshal([]byte(blob), &s); err == nil {
			return &s, nil
		}
	}

	s, err := m.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.E(apperr.KindNotFound, "session not found")
		}
		return nil, apperr.Internal(err)
	}
	m.cacheSession(ctx, s)
	return s, nil
}

// GetByTokenID fetches the session bound to an access token jti.
func (m *Manager) GetByTokenID(ctx context.Context, tokenID string) (*storage.Session, error) {
	s, err := m.store.GetByTokenID(ctx, tokenID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.E(apperr.KindNotFound, "session not found")
		}
		return nil, apperr.Internal(err)
	}
	return s, nil
}

// List returns the user's sessions.
func (m *Manager) List(ctx context.Context, userID string, activeOnly bool, limit, offset int) ([]*storage.Session, error) {
	sessions, err := m.store.ListByUser(ctx, userID, activeOnly, limit, offset)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return sessions, nil
}

// UpdateActivity touches last_active_at in both tiers.
func (m *Manager) UpdateActivity(ctx context.Context, id string) error {
	now := time.Now().UTC()
	if err := m.store.UpdateActivity(ctx, id, now); err != nil {
		return apperr.Internal(err)
	}
	if s, err := m.store.GetByID(ctx, id); err == nil {
		m.cacheSession(ctx, s)
	}
	return nil
}

// UpdateStatus enforces the monotonic transition table, persists the change,
// and evicts the cache entry.
func (m *Manager) UpdateStatus(ctx context.Context, id string, newStatus string, expiresIn time.Duration) (*storage.Session, error) {
	s, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(s.Status, newStatus) {
		return nil, apperr.E(apperr.KindConflict,
			fmt.Sprintf("illegal session transition %s -> %s", s.Status, newStatus))
	}

	var expiresAt *time.Time
	if expiresIn > 0 {
		t := time.Now().UTC().Add(expiresIn)
		expiresAt = &t
	}
	if err := m.store.UpdateStatus(ctx, id, newStatus, expiresAt); err != nil {
		return nil, apperr.Internal(err)
	}
	m.evict(ctx, id)

	s.Status = newStatus
	if expiresAt != nil {
		s.ExpiresAt = *expiresAt
	}
	return s, nil
}

// BindToken attaches the issued token and device to the session.
func (m *Manager) BindToken(ctx context.Context, id string, tokenID string, deviceID string) error {
	var dev *string
	if deviceID != "" {
		dev = &deviceID
	}
	if err := m.store.BindToken(ctx, id, tokenID, dev); err != nil {
		return apperr.Internal(err)
	}
	m.evict(ctx, id)
	return nil
}

// SetCurrent makes the target the user's single current session.
func (m *Manager) SetCurrent(ctx context.Context, userID, sessionID string) error {
	if err := m.store.SetCurrent(ctx, userID, sessionID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.E(apperr.KindNotFound, "session not found")
		}
		return apperr.Internal(err)
	}
	// Other sessions changed rows too; drop what we can cheaply.
	m.evict(ctx, sessionID)
	return nil
}

// Revoke terminates one session.
func (m *Manager) Revoke(ctx context.Context, id string, reason string) error {
	s, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if terminal(s.Status) {
		return nil
	}
	if err := m.store.UpdateStatus(ctx, id, storage.SessionStatusRevoked, nil); err != nil {
		return apperr.Internal(err)
	}
	m.evict(ctx, id)
	m.logger.Info("session_revoked", "session_id", id, "reason", reason)
	return nil
}

// RevokeAll terminates every non-terminal session of the user, optionally
// sparing one, and returns the count.
func (m *Manager) RevokeAll(ctx context.Context, userID string, exceptID string, reason string) (int, error) {
	sessions, err := m.store.ListByUser(ctx, userID, false, 500, 0)
	if err != nil {
		return 0, apperr.Internal(err)
	}

	count, err := m.store.RevokeAll(ctx, userID, exceptID)
	if err != nil {
		return 0, apperr.Internal(err)
	}

	for _, s := range sessions {
		if s.ID == exceptID {
			continue
		}
		m.evict(ctx, s.ID)
	}
	m.logger.Info("sessions_revoked_all", "user_id", userID, "count", count, "reason", reason)
	return count, nil
}

// CleanupExpired bulk-marks sessions past their deadline as expired.
// Intended for the periodic scheduler.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	ids, err := m.store.MarkExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, apperr.Internal(err)
	}
	for _, id := range ids {
		m.evict(ctx, id)
	}
	return len(ids), nil
}

// IsValid reports whether the session is a bearer-valid context for the user.
// A session expiring exactly now is expired.
func (m *Manager) IsValid(ctx context.Context, id string, userID string) bool {
	s, err := m.Get(ctx, id)
	if err != nil {
		return false
	}
	if s.UserID != userID {
		return false
	}
	if s.Status != storage.SessionStatusActive && s.Status != storage.SessionStatusSuspicious {
		return false
	}
	return s.ExpiresAt.After(time.Now().UTC())
}
