package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/suoke-life/auth-service/internal/token"
)

// AccessVerifier is the slice of the token authority the middleware needs.
type AccessVerifier interface {
	VerifyAccess(ctx context.Context, tokenString string) (*token.Claims, error)
}

// Auth creates a handler that validates bearer access tokens and injects the
// user identity into the request context.
func Auth(verifier AccessVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "Invalid authorization format", http.StatusUnauthorized)
				return
			}

			claims, err := verifier.VerifyAccess(r.Context(), parts[1])
			if err != nil {
				slog.Warn("invalid_token", "error", err, "ip", r.RemoteAddr)
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, claims.UserID())
			ctx = context.WithValue(ctx, RoleKey, claims.Role)
			if claims.SessionID != "" {
				ctx = context.WithValue(ctx, SessionIDKey, claims.SessionID)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
