package middleware

import (
	"log/slog"
	"net/http"

	"github.com/getsentry/sentry-go"
)

// Recovery converts panics into 500s and reports them to sentry when
// configured.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("panic_recovered", "panic", rec, "path", r.URL.Path)
				if hub := sentry.CurrentHub(); hub.Client() != nil {
					hub.Recover(rec)
				}
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
