// Package permission answers "can this user touch this resource" by merging
// role-derived, direct, and group-derived grants behind a three-tier cache:
// an in-process map, the KV cache, and the relational source of truth.
package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/suoke-life/auth-service/internal/apperr"
	"github.com/suoke-life/auth-service/internal/kvcache"
	"github.com/suoke-life/auth-service/internal/storage"
)

// Cache TTL tiers. The tier chosen for a decision applies to both the
// in-process and KV entries.
const (
	ttlTier1 = 600 * time.Second  // read on knowledge_* resources
	ttlTier2 = 1800 * time.Second // knowledge/graph generally
	ttlTier3 = 7200 * time.Second // everything else

	userPermissionsTTL = 1800 * time.Second
	rolePermissionsTTL = 7200 * time.Second
)

// UserSource is the slice of the user table the resolver needs.
type UserSource interface {
	GetByID(ctx context.Context, id string) (*storage.User, error)
}

// Source reads the permission tables. Grants are additive across every
// source; the deny overlay is subtracted last, so a revoke holds even when a
// role or group still grants the permission.
type Source interface {
	UserFlags(ctx context.Context, userID string) ([]string, error)
	GroupFlags(ctx context.Context, userID string) ([]string, error)
	RolePermissions(ctx context.Context, roles []string) ([]string, error)
	SetUserFlags(ctx context.Context, userID string, flags []string, value bool) error
	Denies(ctx context.Context, userID string) ([]string, error)
	SetDenies(ctx context.Context, userID string, perms []string, denied bool) error
}

// AccessLogSink records resolved decisions. Best-effort.
type AccessLogSink interface {
	InsertKnowledgeAccess(ctx context.Context, l *storage.KnowledgeAccessLog) error
}

// Resolver implements permission resolution with caching.
type Resolver struct {
	users  UserSource
	source Source
	cache  *kvcache.Client
	mem    *memoryCache
	sink   AccessLogSink
	logger *slog.Logger
}

func NewResolver(users UserSource, source Source, cache *kvcache.Client, logger *slog.Logger) *Resolver {
	return &Resolver{
		users:  users,
		source: source,
		cache:  cache,
		mem:    newMemoryCache(),
		logger: logger,
	}
}

// WithAccessLog attaches the decision log sink.
func (r *Resolver) WithAccessLog(sink AccessLogSink) *Resolver {
	r.sink = sink
	return r
}

// Close stops the in-process cache sweep.
func (r *Resolver) Close() {
	r.mem.Close()
}

func accessKey(userID, resourceType, resourceID, action string) string {
	return fmt.Sprintf("access:%s:%s:%s:%s", userID, resourceType, resourceID, action)
}

func userPermissionsKey(userID string) string {
	return "user_permissions:" + userID
}

// tierTTL picks the cache tier for a decision.
func tierTTL(resourceType, action string) time.Duration {
	prefix := ResourcePrefix(resourceType)
	if ActionSuffix(action) == "read" && strings.HasPrefix(resourceType, "knowledge_") {
		return ttlTier1
	}
	if prefix == "knowledge" || prefix == "graph" {
		return ttlTier2
	}
	return ttlTier3
}

// roles returns the user's primary plus secondary roles, deduplicated.
func roles(user *storage.User) []string {
	out := make([]string, 0, 1+len(user.SecondaryRoles))
	seen := map[string]bool{}
	for _, role := range append([]string{user.Role}, user.SecondaryRoles...) {
		if role == "" || seen[role] {
			continue
		}
		seen[role] = true
		out = append(out, role)
	}
	return out
}

// PermissionSet resolves the user's effective permission strings, merged
// from every source, cache-first.
func (r *Resolver) PermissionSet(ctx context.Context, userID string) (map[string]bool, error) {
	memKey := userPermissionsKey(userID)
	if v, ok := r.mem.Get(memKey); ok {
		if set, ok := v.(map[string]bool); ok {
			return set, nil
		}
	}

	if raw, err := r.cache.Get(ctx, memKey); err == nil {
		var perms []string
		if err := json.Unmarshal([]byte(raw), &perms); err == nil {
			set := toSet(perms)
			r.mem.Set(memKey, set, userPermissionsTTL)
			return set, nil
		}
	}

	set, err := r.resolveFromSource(ctx, userID)
	if err != nil {
		return nil, err
	}

	if blob, err := json.Marshal(setToSorted(set)); err == nil {
		if err := r.cache.Set(ctx, memKey, string(blob), userPermissionsTTL); err != nil {
			r.logger.Warn("permission_cache_write_failed", "user_id", userID, "error", err)
		}
	}
	r.mem.Set(memKey, set, userPermissionsTTL)
	return set, nil
}

func (r *Resolver) resolveFromSource(ctx context.Context, userID string) (map[string]bool, error) {
	user, err := r.users.GetByID(ctx, userID)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	set := map[string]bool{}
	userRoles := roles(user)

	for _, role := range userRoles {
		for _, p := range BuiltinRolePermissions(role) {
			set[p] = true
		}
	}

	tablePerms, err := r.rolePermissionsCached(ctx, userRoles)
	if err != nil {
		return nil, err
	}
	for _, p := range tablePerms {
		set[p] = true
	}

	direct, err := r.source.UserFlags(ctx, userID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	for _, f := range direct {
		set[FlagToPermission(f)] = true
	}

	group, err := r.source.GroupFlags(ctx, userID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	for _, f := range group {
		set[FlagToPermission(f)] = true
	}

	denied, err := r.source.Denies(ctx, userID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	for _, p := range denied {
		delete(set, p)
	}

	return set, nil
}

// rolePermissionsCached reads the role_permissions table through its own KV
// entry, keyed by the sorted role list.
func (r *Resolver) rolePermissionsCached(ctx context.Context, userRoles []string) ([]string, error) {
	if len(userRoles) == 0 {
		return nil, nil
	}
	sorted := append([]string(nil), userRoles...)
	sort.Strings(sorted)
	key := "role_permissions:" + strings.Join(sorted, ",")

	if raw, err := r.cache.Get(ctx, key); err == nil {
		var perms []string
		if err := json.Unmarshal([]byte(raw), &perms); err == nil {
			return perms, nil
		}
	}

	perms, err := r.source.RolePermissions(ctx, sorted)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if blob, err := json.Marshal(perms); err == nil {
		if err := r.cache.Set(ctx, key, string(blob), rolePermissionsTTL); err != nil {
			r.logger.Warn("role_permission_cache_write_failed", "error", err)
		}
	}
	return perms, nil
}

// CanAccess decides whether the user may perform action on the resource.
// The decision is cached per (user, type, id, action) at the tiered TTL.
func (r *Resolver) CanAccess(ctx context.Context, userID, resourceType, resourceID, action string) (bool, error) {
	key := accessKey(userID, resourceType, resourceID, action)

	if v, ok := r.mem.Get(key); ok {
		if allowed, ok := v.(bool); ok {
			return allowed, nil
		}
	}
	if raw, err := r.cache.Get(ctx, key); err == nil {
		allowed := raw == "true"
		r.mem.Set(key, allowed, tierTTL(resourceType, action))
		return allowed, nil
	}

	set, err := r.PermissionSet(ctx, userID)
	if err != nil {
		return false, err
	}

	required := RequiredPermission(resourceType, action)
	allowed := set[AdminPermission] || set[required]

	ttl := tierTTL(resourceType, action)
	value := "false"
	if allowed {
		value = "true"
	}
	if err := r.cache.Set(ctx, key, value, ttl); err != nil {
		r.logger.Warn("access_cache_write_failed", "key", key, "error", err)
	}
	r.mem.Set(key, allowed, ttl)

	r.logAccess(ctx, userID, resourceType, resourceID, action, allowed)
	return allowed, nil
}

func (r *Resolver) logAccess(ctx context.Context, userID, resourceType, resourceID, action string, allowed bool) {
	if r.sink == nil {
		return
	}
	if err := r.sink.InsertKnowledgeAccess(ctx, &storage.KnowledgeAccessLog{
		ID:           uuid.NewString(),
		UserID:       userID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Action:       action,
		Allowed:      allowed,
		CreatedAt:    time.Now().UTC(),
	}); err != nil {
		r.logger.Warn("access_log_write_failed", "user_id", userID, "error", err)
	}
}

// EffectivePermissions returns the user's permission strings after
// role-priority conflict resolution. Overlapping grants keep the
// highest-priority source; the priority bookkeeping never leaves this
// function. The admin role grants everything.
func (r *Resolver) EffectivePermissions(ctx context.Context, userID string) ([]string, error) {
	user, err := r.users.GetByID(ctx, userID)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	granted := map[string]int{}
	grant := func(perm string, priority int) {
		if prev, ok := granted[perm]; !ok || priority > prev {
			granted[perm] = priority
		}
	}

	for _, role := range roles(user) {
		priority := RolePriority(role)
		for _, p := range BuiltinRolePermissions(role) {
			grant(p, priority)
		}
	}

	tablePerms, err := r.rolePermissionsCached(ctx, roles(user))
	if err != nil {
		return nil, err
	}
	for _, p := range tablePerms {
		grant(p, 0)
	}

	direct, err := r.source.UserFlags(ctx, userID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	for _, f := range direct {
		grant(FlagToPermission(f), 0)
	}

	group, err := r.source.GroupFlags(ctx, userID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	for _, f := range group {
		grant(FlagToPermission(f), 0)
	}

	denied, err := r.source.Denies(ctx, userID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	for _, p := range denied {
		delete(granted, p)
	}

	out := make([]string, 0, len(granted))
	for p := range granted {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// AssignPermissions grants direct permissions, lifts any standing deny on
// them, and invalidates every cached entry for the user in both tiers.
func (r *Resolver) AssignPermissions(ctx context.Context, userID string, perms []string) error {
	return r.writePermissions(ctx, userID, perms, true)
}

// RevokePermissions clears the direct flags AND records a deny for each
// permission, so the revoke holds against role- and group-derived grants.
// The caches are invalidated, so a fresh evaluation sees the change
// immediately.
func (r *Resolver) RevokePermissions(ctx context.Context, userID string, perms []string) error {
	return r.writePermissions(ctx, userID, perms, false)
}

func (r *Resolver) writePermissions(ctx context.Context, userID string, perms []string, grant bool) error {
	if len(perms) == 0 {
		return apperr.E(apperr.KindBadRequest, "no permissions given")
	}
	flags := make([]string, len(perms))
	for i, p := range perms {
		flags[i] = PermissionToFlag(p)
	}
	if err := r.source.SetUserFlags(ctx, userID, flags, grant); err != nil {
		return apperr.Internal(err)
	}
	if err := r.source.SetDenies(ctx, userID, perms, !grant); err != nil {
		return apperr.Internal(err)
	}
	r.Invalidate(ctx, userID)
	return nil
}

// Invalidate drops the user's permission set and every cached access
// decision from both the in-process map and the KV cache.
func (r *Resolver) Invalidate(ctx context.Context, userID string) {
	r.mem.Delete(userPermissionsKey(userID))
	r.mem.DeletePrefix("access:" + userID + ":")

	if err := r.cache.Del(ctx, userPermissionsKey(userID)); err != nil {
		r.logger.Warn("permission_cache_invalidate_failed", "user_id", userID, "error", err)
	}
	if _, err := r.cache.DeleteByPattern(ctx, "access:"+userID+":*"); err != nil {
		r.logger.Warn("access_cache_invalidate_failed", "user_id", userID, "error", err)
	}
}

// CheckItem is one entry of a batch check.
type CheckItem struct {
	ResourceType string
	ResourceID   string
	Action       string
}

// BatchCheck fans CanAccess out in parallel. A failed entry degrades to
// false and is logged; the batch itself never fails.
func (r *Resolver) BatchCheck(ctx context.Context, userID string, items []CheckItem) map[CheckItem]bool {
	results := make(map[CheckItem]bool, len(items))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, item := range items {
		wg.Add(1)
		go func(it CheckItem) {
			defer wg.Done()
			allowed, err := r.CanAccess(ctx, userID, it.ResourceType, it.ResourceID, it.Action)
			if err != nil {
				r.logger.Warn("batch_check_entry_failed",
					"user_id", userID,
					"resource_type", it.ResourceType,
					"resource_id", it.ResourceID,
					"action", it.Action,
					"error", err,
				)
				allowed = false
			}
			mu.Lock()
			results[it] = allowed
			mu.Unlock()
		}(item)
	}

	wg.Wait()
	return results
}

func toSet(perms []string) map[string]bool {
	set := make(map[string]bool, len(perms))
	for _, p := range perms {
		set[p] = true
	}
	return set
}

func setToSorted(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
