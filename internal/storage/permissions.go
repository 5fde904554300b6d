package storage

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PermissionRepo reads the permission source tables. Flag tables
// (user_permissions, group_permissions) are scanned column-wise: every
// boolean-ish column with a truthy value is a granted flag. This mirrors the
// admin tooling, which adds flag columns without touching this code.
type PermissionRepo struct {
	pool *pgxpool.Pool
}

func NewPermissionRepo(pool *pgxpool.Pool) *PermissionRepo {
	return &PermissionRepo{pool: pool}
}

// metaColumns are row bookkeeping, never permission flags.
var metaColumns = map[string]bool{
	"id":         true,
	"user_id":    true,
	"group_id":   true,
	"created_at": true,
	"updated_at": true,
}

// flagColumnPattern bounds the identifiers we will interpolate into UPDATE
// statements. Flag names come from admin input, so anything outside
// lowercase snake_case is rejected outright.
var flagColumnPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

func truthy(v interface{}) bool {
	switch x := v.(type) {
	case bool:
		return x
	case int64:
		return x != 0
	case int32:
		return x != 0
	case string:
		return x == "1" || strings.EqualFold(x, "true") || strings.EqualFold(x, "t")
	default:
		return false
	}
}

// collectFlags walks result rows and returns the names of truthy flag columns.
func collectFlags(rows pgx.Rows) ([]string, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	seen := map[string]bool{}
	var flags []string

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read flag row: %w", err)
		}
		for i, fd := range fields {
			name := string(fd.Name)
			if metaColumns[name] || seen[name] {
				continue
			}
			if truthy(values[i]) {
				seen[name] = true
				flags = append(flags, name)
			}
		}
	}
	return flags, rows.Err()
}

// UserFlags returns the user's direct permission flags.
func (r *PermissionRepo) UserFlags(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT * FROM user_permissions WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("query user permissions: %w", err)
	}
	return collectFlags(rows)
}

// GroupFlags returns the flags granted through the user's group memberships.
func (r *PermissionRepo) GroupFlags(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT gp.*
		FROM group_permissions gp
		JOIN user_groups ug ON ug.group_id = gp.group_id
		WHERE ug.user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("query group permissions: %w", err)
	}
	return collectFlags(rows)
}

// RolePermissions returns the permission strings configured for the roles in
// the role_permissions table.
func (r *PermissionRepo) RolePermissions(ctx context.Context, roles []string) ([]string, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT permission FROM role_permissions WHERE role = ANY($1)`, roles)
	if err != nil {
		return nil, fmt.Errorf("query role permissions: %w", err)
	}
	defer rows.Close()

	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan role permission: %w", err)
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// Denies returns the user's explicit deny overlay: permission strings that
// must be subtracted from the resolved set even when a role or group still
// grants them.
func (r *PermissionRepo) Denies(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT permission FROM user_permission_denies WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("query permission denies: %w", err)
	}
	defer rows.Close()

	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan permission deny: %w", err)
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// SetDenies adds or removes deny rows for the given permission strings.
func (r *PermissionRepo) SetDenies(ctx context.Context, userID string, perms []string, denied bool) error {
	return WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		for _, p := range perms {
			var err error
			if denied {
				_, err = tx.Exec(ctx, `
					INSERT INTO user_permission_denies (user_id, permission)
					VALUES ($1, $2)
					ON CONFLICT DO NOTHING`, userID, p)
			} else {
				_, err = tx.Exec(ctx,
					`DELETE FROM user_permission_denies WHERE user_id = $1 AND permission = $2`,
					userID, p)
			}
			if err != nil {
				return fmt.Errorf("set permission deny %s: %w", p, err)
			}
		}
		return nil
	})
}

// SetUserFlags writes direct per-user flags. Column names are validated
// against flagColumnPattern before interpolation; values are parameterized.
func (r *PermissionRepo) SetUserFlags(ctx context.Context, userID string, flags []string, value bool) error {
	for _, f := range flags {
		if !flagColumnPattern.MatchString(f) || metaColumns[f] {
			return fmt.Errorf("invalid permission flag %q", f)
		}
	}
	return WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO user_permissions (user_id) VALUES ($1)
			ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
			return fmt.Errorf("ensure user permission row: %w", err)
		}
		for _, f := range flags {
			stmt := fmt.Sprintf(`UPDATE user_permissions SET %q = $2 WHERE user_id = $1`, f)
			if _, err := tx.Exec(ctx, stmt, userID, value); err != nil {
				return fmt.Errorf("set flag %s: %w", f, err)
			}
		}
		return nil
	})
}
