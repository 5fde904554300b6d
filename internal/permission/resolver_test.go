package permission

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suoke-life/auth-service/internal/kvcache"
	"github.com/suoke-life/auth-service/internal/storage"
)

func TestRequiredPermissionDerivation(t *testing.T) {
	cases := []struct {
		resourceType, action, want string
	}{
		{"knowledge_base", "read", "knowledge:read"},
		{"knowledge_node", "view", "knowledge:read"},
		{"knowledge_base", "create", "knowledge:write"},
		{"knowledge_graph", "query", "graph:read"},
		{"graph_node", "update", "graph:write"},
		{"graph_relation", "list", "graph:read"},
		{"sensitive_data", "read", "sensitive:read"},
		{"tcm_knowledge", "search", "tcm:read"},
		{"nutrition_knowledge", "delete", "nutrition:write"},
		{"mental_health_knowledge", "get", "mental_health:read"},
		{"environmental_health_knowledge", "read", "environmental_health:read"},
		{"precision_medicine_knowledge", "write", "precision_medicine:write"},
		// Unknown types and actions pass through.
		{"custom_thing", "read", "custom_thing:read"},
		{"knowledge_base", "export", "knowledge:export"},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, RequiredPermission(tc.resourceType, tc.action),
			"%s/%s", tc.resourceType, tc.action)
	}
}

func TestFlagPermissionTransforms(t *testing.T) {
	assert.Equal(t, "knowledge:write", FlagToPermission("knowledge_write"))
	assert.Equal(t, "mental_health:read", FlagToPermission("mental_health_read"))
	assert.Equal(t, "admin", FlagToPermission("admin"))

	assert.Equal(t, "knowledge_write", PermissionToFlag("knowledge:write"))
	assert.Equal(t, "mental_health_read", PermissionToFlag("mental_health:read"))
	assert.Equal(t, "admin", PermissionToFlag("admin"))
}

func TestRolePriorities(t *testing.T) {
	assert.Greater(t, RolePriority("knowledge_editor"), RolePriority("knowledge_reader"))
	assert.Greater(t, RolePriority("admin"), RolePriority("knowledge_manager"))
	assert.Equal(t, 0, RolePriority("unheard_of_role"))
}

type memUsers struct {
	mu    sync.Mutex
	users map[string]*storage.User
	err   error
}

func (m *memUsers) GetByID(ctx context.Context, id string) (*storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	u, ok := m.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

type memSource struct {
	mu         sync.Mutex
	userFlags  map[string][]string
	groupFlags map[string][]string
	rolePerms  map[string][]string
	denies     map[string]map[string]bool
}

func newMemSource() *memSource {
	return &memSource{
		userFlags:  map[string][]string{},
		groupFlags: map[string][]string{},
		rolePerms:  map[string][]string{},
		denies:     map[string]map[string]bool{},
	}
}

func (m *memSource) UserFlags(ctx context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.userFlags[userID]...), nil
}

func (m *memSource) GroupFlags(ctx context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.groupFlags[userID]...), nil
}

func (m *memSource) RolePermissions(ctx context.Context, roles []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range roles {
		out = append(out, m.rolePerms[r]...)
	}
	return out, nil
}

func (m *memSource) SetUserFlags(ctx context.Context, userID string, flags []string, value bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := map[string]bool{}
	for _, f := range m.userFlags[userID] {
		current[f] = true
	}
	for _, f := range flags {
		if value {
			current[f] = true
		} else {
			delete(current, f)
		}
	}
	var out []string
	for f := range current {
		out = append(out, f)
	}
	m.userFlags[userID] = out
	return nil
}

func (m *memSource) Denies(ctx context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for p := range m.denies[userID] {
		out = append(out, p)
	}
	return out, nil
}

func (m *memSource) SetDenies(ctx context.Context, userID string, perms []string, denied bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.denies[userID] == nil {
		m.denies[userID] = map[string]bool{}
	}
	for _, p := range perms {
		if denied {
			m.denies[userID][p] = true
		} else {
			delete(m.denies[userID], p)
		}
	}
	return nil
}

func testResolver(t *testing.T, users *memUsers, source *memSource) (*Resolver, *kvcache.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	cache := kvcache.NewClientFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = cache.Close() })

	r := NewResolver(users, source, cache, slog.Default())
	t.Cleanup(r.Close)
	return r, cache
}

func user(id, role string, secondary ...string) *storage.User {
	return &storage.User{
		ID:             id,
		Username:       id,
		Status:         storage.UserStatusActive,
		Role:           role,
		SecondaryRoles: secondary,
	}
}

func TestCanAccessRolePermissions(t *testing.T) {
	users := &memUsers{users: map[string]*storage.User{"u1": user("u1", "knowledge_reader")}}
	r, _ := testResolver(t, users, newMemSource())
	ctx := context.Background()

	allowed, err := r.CanAccess(ctx, "u1", "knowledge_base", "kb1", "read")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = r.CanAccess(ctx, "u1", "knowledge_base", "kb1", "write")
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = r.CanAccess(ctx, "u1", "knowledge_graph", "g1", "read")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestCanAccessSecondaryRoleWins(t *testing.T) {
	// knowledge_editor (priority 30) grants write over knowledge_reader (10).
	users := &memUsers{users: map[string]*storage.User{
		"u1": user("u1", "knowledge_reader", "knowledge_editor"),
	}}
	r, _ := testResolver(t, users, newMemSource())

	allowed, err := r.CanAccess(context.Background(), "u1", "knowledge_base", "kb1", "write")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestCanAccessAdminWildcard(t *testing.T) {
	users := &memUsers{users: map[string]*storage.User{"u1": user("u1", "admin")}}
	r, _ := testResolver(t, users, newMemSource())
	ctx := context.Background()

	for _, probe := range []struct{ rt, id, action string }{
		{"knowledge_base", "kb1", "write"},
		{"graph_query", "q1", "query"},
		{"sensitive_data", "x", "read"},
		{"something_unmapped", "y", "frobnicate"},
	} {
		allowed, err := r.CanAccess(ctx, "u1", probe.rt, probe.id, probe.action)
		require.NoError(t, err)
		assert.True(t, allowed, "%s/%s", probe.rt, probe.action)
	}
}

func TestCanAccessDirectAndGroupFlags(t *testing.T) {
	users := &memUsers{users: map[string]*storage.User{"u1": user("u1", "user")}}
	source := newMemSource()
	source.userFlags["u1"] = []string{"tcm_read"}
	source.groupFlags["u1"] = []string{"nutrition_write"}
	r, _ := testResolver(t, users, source)

	ctx := context.Background()
	allowed, err := r.CanAccess(ctx, "u1", "tcm_knowledge", "t1", "read")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = r.CanAccess(ctx, "u1", "nutrition_knowledge", "n1", "update")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = r.CanAccess(ctx, "u1", "sensitive_data", "s1", "read")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestRoleTablePermissions(t *testing.T) {
	users := &memUsers{users: map[string]*storage.User{"u1": user("u1", "curator")}}
	source := newMemSource()
	source.rolePerms["curator"] = []string{"graph:read"}
	r, _ := testResolver(t, users, source)

	allowed, err := r.CanAccess(context.Background(), "u1", "graph_node", "g1", "read")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestAssignAndRevokeInvalidate(t *testing.T) {
	users := &memUsers{users: map[string]*storage.User{"u1": user("u1", "user")}}
	source := newMemSource()
	r, cache := testResolver(t, users, source)
	ctx := context.Background()

	allowed, err := r.CanAccess(ctx, "u1", "knowledge_base", "kb1", "write")
	require.NoError(t, err)
	require.False(t, allowed)

	require.NoError(t, r.AssignPermissions(ctx, "u1", []string{"knowledge:write"}))

	// Both tiers were dropped by the invalidation.
	_, err = cache.Get(ctx, "user_permissions:u1")
	assert.ErrorIs(t, err, kvcache.ErrNotFound)
	_, memHit := r.mem.Get("access:u1:knowledge_base:kb1:write")
	assert.False(t, memHit)

	// Fresh evaluation sees the new grant.
	allowed, err = r.CanAccess(ctx, "u1", "knowledge_base", "kb1", "write")
	require.NoError(t, err)
	assert.True(t, allowed)

	require.NoError(t, r.RevokePermissions(ctx, "u1", []string{"knowledge:write"}))

	allowed, err = r.CanAccess(ctx, "u1", "knowledge_base", "kb1", "write")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestRevokeOverridesRoleGrant(t *testing.T) {
	// knowledge:write flows from the knowledge_editor role (priority 30),
	// not from a direct flag; the revoke must still hold.
	users := &memUsers{users: map[string]*storage.User{
		"u1": user("u1", "knowledge_reader", "knowledge_editor"),
	}}
	r, _ := testResolver(t, users, newMemSource())
	ctx := context.Background()

	allowed, err := r.CanAccess(ctx, "u1", "knowledge_base", "kb1", "write")
	require.NoError(t, err)
	require.True(t, allowed)

	require.NoError(t, r.RevokePermissions(ctx, "u1", []string{"knowledge:write"}))

	// Fresh evaluation sees the deny immediately.
	allowed, err = r.CanAccess(ctx, "u1", "knowledge_base", "kb1", "write")
	require.NoError(t, err)
	assert.False(t, allowed)

	// The deny is scoped: reads through the same roles survive.
	allowed, err = r.CanAccess(ctx, "u1", "knowledge_base", "kb1", "read")
	require.NoError(t, err)
	assert.True(t, allowed)

	perms, err := r.EffectivePermissions(ctx, "u1")
	require.NoError(t, err)
	assert.NotContains(t, perms, "knowledge:write")
	assert.Contains(t, perms, "knowledge:read")

	// A later grant lifts the deny.
	require.NoError(t, r.AssignPermissions(ctx, "u1", []string{"knowledge:write"}))
	allowed, err = r.CanAccess(ctx, "u1", "knowledge_base", "kb1", "write")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestEffectivePermissionsStripsMarkers(t *testing.T) {
	users := &memUsers{users: map[string]*storage.User{
		"u1": user("u1", "knowledge_reader", "knowledge_editor"),
	}}
	r, _ := testResolver(t, users, newMemSource())

	perms, err := r.EffectivePermissions(context.Background(), "u1")
	require.NoError(t, err)

	assert.Contains(t, perms, "knowledge:read")
	assert.Contains(t, perms, "knowledge:write")
	assert.Contains(t, perms, "knowledge:delete")
	for _, p := range perms {
		assert.NotContains(t, p, "priority")
	}
}

func TestEffectivePermissionsAdmin(t *testing.T) {
	users := &memUsers{users: map[string]*storage.User{"u1": user("u1", "admin")}}
	r, _ := testResolver(t, users, newMemSource())

	perms, err := r.EffectivePermissions(context.Background(), "u1")
	require.NoError(t, err)

	assert.Contains(t, perms, AdminPermission)
	assert.Contains(t, perms, "precision_medicine:write")
	assert.Contains(t, perms, "graph:admin")
}

func TestBatchCheckDegradesPerEntry(t *testing.T) {
	users := &memUsers{users: map[string]*storage.User{"u1": user("u1", "knowledge_reader")}}
	r, _ := testResolver(t, users, newMemSource())
	ctx := context.Background()

	items := []CheckItem{
		{ResourceType: "knowledge_base", ResourceID: "kb1", Action: "read"},
		{ResourceType: "knowledge_base", ResourceID: "kb1", Action: "write"},
		{ResourceType: "graph_node", ResourceID: "g1", Action: "read"},
	}

	results := r.BatchCheck(ctx, "u1", items)
	require.Len(t, results, 3)
	assert.True(t, results[items[0]])
	assert.False(t, results[items[1]])
	assert.False(t, results[items[2]])

	// Source failures come back as false instead of failing the batch.
	users.mu.Lock()
	users.err = errors.New("storage down")
	users.mu.Unlock()
	r.Invalidate(ctx, "u1")

	results = r.BatchCheck(ctx, "u1", items)
	require.Len(t, results, 3)
	for _, item := range items {
		assert.False(t, results[item])
	}
}

func TestPermissionSetCachedInKV(t *testing.T) {
	users := &memUsers{users: map[string]*storage.User{"u1": user("u1", "knowledge_reader")}}
	r, cache := testResolver(t, users, newMemSource())
	ctx := context.Background()

	_, err := r.PermissionSet(ctx, "u1")
	require.NoError(t, err)

	raw, err := cache.Get(ctx, "user_permissions:u1")
	require.NoError(t, err)
	assert.Contains(t, raw, "knowledge:read")
}
