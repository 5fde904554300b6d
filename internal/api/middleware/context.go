package middleware

import (
	"context"
	"errors"
)

type contextKey string

const (
	// UserIDKey carries the authenticated user id.
	UserIDKey contextKey = "user_id"
	// RoleKey carries the primary role from the access claims.
	RoleKey contextKey = "role"
	// SessionIDKey carries the session bound to the access token.
	SessionIDKey contextKey = "session_id"
)

var ErrNotInContext = errors.New("value not in context")

// GetUserID extracts the authenticated user id.
func GetUserID(ctx context.Context) (string, error) {
	v, ok := ctx.Value(UserIDKey).(string)
	if !ok || v == "" {
		return "", ErrNotInContext
	}
	return v, nil
}

// GetRole extracts the role claim.
func GetRole(ctx context.Context) (string, error) {
	v, ok := ctx.Value(RoleKey).(string)
	if !ok || v == "" {
		return "", ErrNotInContext
	}
	return v, nil
}

// GetSessionID extracts the session id claim, if present.
func GetSessionID(ctx context.Context) string {
	v, _ := ctx.Value(SessionIDKey).(string)
	return v
}
