package auth

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/suoke-life/auth-service/internal/notify"
	"github.com/suoke-life/auth-service/internal/storage"
)

func notifyDispatcher(t *testing.T, log *slog.Logger) *notify.Dispatcher {
	t.Helper()
	d := notify.NewDispatcher(log, 16)
	t.Cleanup(d.Close)
	return d
}

// In-memory stands-ins for the relational repositories, shared by the
// orchestrator tests.

type memUsers struct {
	mu    sync.Mutex
	users map[string]*storage.User
}

func newMemUsers(users ...*storage.User) *memUsers {
	m := &memUsers{users: map[string]*storage.User{}}
	for _, u := range users {
		cp := *u
		m.users[u.ID] = &cp
	}
	return m
}

func (m *memUsers) GetByID(ctx context.Context, id string) (*storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) GetByIdentifier(ctx context.Context, identifier string) (*storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == identifier ||
			(u.Email != nil && *u.Email == identifier) ||
			(u.Phone != nil && *u.Phone == identifier) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *memUsers) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.LastLoginAt = &at
	}
	return nil
}

func (m *memUsers) UpdatePassword(ctx context.Context, id string, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return storage.ErrNotFound
	}
	u.PasswordHash = passwordHash
	return nil
}

func (m *memUsers) EnableTwoFactor(ctx context.Context, id string, secret string, method string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return storage.ErrNotFound
	}
	u.TwoFactorEnabled = true
	u.TwoFactorSecret = &secret
	u.TwoFactorMethod = &method
	return nil
}

func (m *memUsers) DisableTwoFactor(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return storage.ErrNotFound
	}
	u.TwoFactorEnabled = false
	u.TwoFactorSecret = nil
	u.TwoFactorMethod = nil
	return nil
}

type memSessions struct {
	mu       sync.Mutex
	sessions map[string]*storage.Session
}

func newMemSessions() *memSessions {
	return &memSessions{sessions: map[string]*storage.Session{}}
}

func (m *memSessions) Insert(ctx context.Context, s *storage.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memSessions) GetByID(ctx context.Context, id string) (*storage.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSessions) GetByTokenID(ctx context.Context, tokenID string) (*storage.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.TokenID != nil && *s.TokenID == tokenID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *memSessions) ListByUser(ctx context.Context, userID string, activeOnly bool, limit, offset int) ([]*storage.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*storage.Session
	for _, s := range m.sessions {
		if s.UserID != userID {
			continue
		}
		if activeOnly {
			valid := s.Status == storage.SessionStatusActive || s.Status == storage.SessionStatusSuspicious
			if !valid || !s.ExpiresAt.After(time.Now()) {
				continue
			}
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActiveAt.After(out[j].LastActiveAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memSessions) UpdateActivity(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.LastActiveAt = at
	}
	return nil
}

func (m *memSessions) UpdateStatus(ctx context.Context, id string, status string, expiresAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return storage.ErrNotFound
	}
	s.Status = status
	if expiresAt != nil {
		s.ExpiresAt = *expiresAt
	}
	return nil
}

func (m *memSessions) BindToken(ctx context.Context, id string, tokenID string, deviceID *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.TokenID = &tokenID
		s.DeviceID = deviceID
	}
	return nil
}

func (m *memSessions) HasCurrent(ctx context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.UserID == userID && s.IsCurrent {
			return true, nil
		}
	}
	return false, nil
}

func (m *memSessions) SetCurrent(ctx context.Context, userID string, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.sessions[sessionID]
	if !ok || target.UserID != userID {
		return storage.ErrNotFound
	}
	for _, s := range m.sessions {
		if s.UserID == userID {
			s.IsCurrent = false
		}
	}
	target.IsCurrent = true
	return nil
}

func (m *memSessions) RevokeAll(ctx context.Context, userID string, exceptID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, s := range m.sessions {
		if s.UserID != userID || s.ID == exceptID {
			continue
		}
		if s.Status == storage.SessionStatusExpired || s.Status == storage.SessionStatusRevoked {
			continue
		}
		s.Status = storage.SessionStatusRevoked
		s.IsCurrent = false
		count++
	}
	return count, nil
}

func (m *memSessions) MarkExpired(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, s := range m.sessions {
		if s.Status == storage.SessionStatusExpired || s.Status == storage.SessionStatusRevoked {
			continue
		}
		if !s.ExpiresAt.After(now) {
			s.Status = storage.SessionStatusExpired
			ids = append(ids, s.ID)
		}
	}
	return ids, nil
}

func (m *memSessions) RecentActive(ctx context.Context, userID string, limit int) ([]*storage.Session, error) {
	return m.ListByUser(ctx, userID, true, limit, 0)
}

type memDevices struct {
	mu      sync.Mutex
	devices map[string]*storage.Device
}

func newMemDevices() *memDevices {
	return &memDevices{devices: map[string]*storage.Device{}}
}

func (m *memDevices) Insert(ctx context.Context, d *storage.Device) (*storage.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.devices {
		if existing.UserID == d.UserID && existing.Fingerprint == d.Fingerprint {
			cp := *existing
			return &cp, nil
		}
	}
	cp := *d
	m.devices[d.ID] = &cp
	return d, nil
}

func (m *memDevices) GetByID(ctx context.Context, userID, deviceID string) (*storage.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok || d.UserID != userID {
		return nil, storage.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memDevices) GetByFingerprint(ctx context.Context, userID, fingerprint string) (*storage.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.UserID == userID && d.Fingerprint == fingerprint {
			cp := *d
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *memDevices) ListByUser(ctx context.Context, userID string) ([]*storage.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*storage.Device
	for _, d := range m.devices {
		if d.UserID == userID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memDevices) Touch(ctx context.Context, deviceID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[deviceID]; ok {
		d.LastUsedAt = at
	}
	return nil
}

func (m *memDevices) SetTrusted(ctx context.Context, userID, deviceID string, trusted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok || d.UserID != userID {
		return storage.ErrNotFound
	}
	d.IsTrusted = trusted
	return nil
}

func (m *memDevices) Delete(ctx context.Context, userID, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, deviceID)
	return nil
}

type memCodes struct {
	mu    sync.Mutex
	codes map[string]*storage.RecoveryCode
}

func newMemCodes() *memCodes {
	return &memCodes{codes: map[string]*storage.RecoveryCode{}}
}

func (m *memCodes) Replace(ctx context.Context, userID string, codeHashes []string, deleteExisting bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if deleteExisting {
		for id, c := range m.codes {
			if c.UserID == userID {
				delete(m.codes, id)
			}
		}
	}
	for _, hash := range codeHashes {
		id := uuid.NewString()
		m.codes[id] = &storage.RecoveryCode{ID: id, UserID: userID, CodeHash: hash}
	}
	return nil
}

func (m *memCodes) ListUnused(ctx context.Context, userID string) ([]*storage.RecoveryCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*storage.RecoveryCode
	for _, c := range m.codes {
		if c.UserID == userID && !c.Used {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memCodes) MarkUsed(ctx context.Context, codeID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[codeID]
	if !ok || c.Used {
		return false, nil
	}
	c.Used = true
	c.UsedAt = &at
	return true, nil
}

func (m *memCodes) DeleteAll(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.codes {
		if c.UserID == userID {
			delete(m.codes, id)
		}
	}
	return nil
}

type memEvents struct {
	mu     sync.Mutex
	events []*storage.UserEvent
}

func (m *memEvents) InsertUserEvent(ctx context.Context, e *storage.UserEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memEvents) typesRecorded() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int{}
	for _, e := range m.events {
		out[e.Type]++
	}
	return out
}

type recordingMailer struct {
	mu          sync.Mutex
	resetTokens []string
}

func (r *recordingMailer) SendWelcome(ctx context.Context, to, username string) error { return nil }

func (r *recordingMailer) SendPasswordReset(ctx context.Context, to, resetToken, displayName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetTokens = append(r.resetTokens, resetToken)
	return nil
}

type recordingSms struct {
	mu    sync.Mutex
	codes []string
}

func (r *recordingSms) SendVerificationCode(ctx context.Context, phone, code, provider string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = append(r.codes, code)
	return nil
}
