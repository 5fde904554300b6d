package permission

import "strings"

// AdminPermission is a wildcard: its presence in a permission set grants
// every (type, id, action).
const AdminPermission = "admin"

// rolePriorities orders built-in roles for conflict resolution. When several
// roles grant overlapping (resource, action) pairs, the highest priority wins.
var rolePriorities = map[string]int{
	"user":                  0,
	"knowledge_reader":      10,
	"graph_reader":          15,
	"knowledge_contributor": 20,
	"sensitive_reader":      25,
	"knowledge_editor":      30,
	"graph_editor":          35,
	"knowledge_manager":     40,
	"admin":                 100,
}

// RolePriority returns the priority of a role; unknown roles rank at zero.
func RolePriority(role string) int {
	return rolePriorities[role]
}

// permission domains covered by the admin grant.
var adminDomains = []string{
	"knowledge", "graph", "sensitive", "tcm", "nutrition",
	"mental_health", "environmental_health", "precision_medicine",
}

func adminGrant() []string {
	perms := make([]string, 0, len(adminDomains)*2+5)
	for _, d := range adminDomains {
		perms = append(perms, d+":read", d+":write")
	}
	perms = append(perms,
		"knowledge:delete", "knowledge:admin",
		"graph:delete", "graph:admin",
		AdminPermission,
	)
	return perms
}

// builtinRolePermissions is the fixed mapping for well-known roles,
// augmented at resolution time by the role_permissions table.
var builtinRolePermissions = map[string][]string{
	"admin":                 adminGrant(),
	"knowledge_manager":     {"knowledge:read", "knowledge:write", "knowledge:delete", "knowledge:admin"},
	"knowledge_editor":      {"knowledge:read", "knowledge:write", "knowledge:delete"},
	"knowledge_contributor": {"knowledge:read", "knowledge:write"},
	"knowledge_reader":      {"knowledge:read"},
	"graph_editor":          {"graph:read", "graph:write", "graph:delete"},
	"graph_reader":          {"graph:read"},
	"sensitive_reader":      {"knowledge:read", "sensitive:read"},
}

// BuiltinRolePermissions returns the fixed grant for a role, or nil.
func BuiltinRolePermissions(role string) []string {
	return builtinRolePermissions[role]
}

// resourcePrefixes maps resource types to permission resource prefixes.
// Unknown types pass through unchanged.
var resourcePrefixes = map[string]string{
	"knowledge_base":                "knowledge",
	"knowledge_node":                "knowledge",
	"knowledge_graph":               "graph",
	"graph_node":                    "graph",
	"graph_relation":                "graph",
	"graph_query":                   "graph",
	"sensitive_data":                "sensitive",
	"tcm_knowledge":                 "tcm",
	"nutrition_knowledge":           "nutrition",
	"mental_health_knowledge":       "mental_health",
	"environmental_health_knowledge": "environmental_health",
	"precision_medicine_knowledge":  "precision_medicine",
}

// actionSuffixes maps actions to permission action suffixes. Unknown actions
// pass through unchanged.
var actionSuffixes = map[string]string{
	"read":   "read",
	"view":   "read",
	"get":    "read",
	"list":   "read",
	"search": "read",
	"query":  "read",
	"write":  "write",
	"create": "write",
	"update": "write",
	"delete": "write",
}

// ResourcePrefix normalizes a resource type.
func ResourcePrefix(resourceType string) string {
	if p, ok := resourcePrefixes[resourceType]; ok {
		return p
	}
	return resourceType
}

// ActionSuffix normalizes an action.
func ActionSuffix(action string) string {
	if s, ok := actionSuffixes[action]; ok {
		return s
	}
	return action
}

// RequiredPermission derives the permission string guarding (type, action).
func RequiredPermission(resourceType, action string) string {
	return ResourcePrefix(resourceType) + ":" + ActionSuffix(action)
}

// FlagToPermission turns a storage flag column into a permission string by
// splitting on the last underscore: knowledge_write -> knowledge:write,
// mental_health_read -> mental_health:read. Flags without an underscore
// (e.g. admin) pass through.
func FlagToPermission(flag string) string {
	i := strings.LastIndex(flag, "_")
	if i <= 0 || i == len(flag)-1 {
		return flag
	}
	return flag[:i] + ":" + flag[i+1:]
}

// PermissionToFlag is the inverse transform used on the write path.
func PermissionToFlag(perm string) string {
	i := strings.LastIndex(perm, ":")
	if i <= 0 || i == len(perm)-1 {
		return perm
	}
	return perm[:i] + "_" + perm[i+1:]
}
