// Package api is the thin HTTP adapter over the auth core.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/suoke-life/auth-service/internal/api/middleware"
	"github.com/suoke-life/auth-service/internal/auth"
	"github.com/suoke-life/auth-service/internal/device"
	"github.com/suoke-life/auth-service/internal/kvcache"
	"github.com/suoke-life/auth-service/internal/metrics"
	"github.com/suoke-life/auth-service/internal/permission"
	"github.com/suoke-life/auth-service/internal/session"
	"github.com/suoke-life/auth-service/internal/storage"
	"github.com/suoke-life/auth-service/internal/twofactor"
)

// Pinger is anything with a health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// UserReader is the slice of the user table the handlers need.
type UserReader interface {
	GetByID(ctx context.Context, id string) (*storage.User, error)
}

// Server wires handlers, middleware, and dependencies into a chi router.
type Server struct {
	Router *chi.Mux

	auth        *auth.Service
	sessions    *session.Manager
	devices     *device.Registry
	twoFactor   *twofactor.Service
	permissions *permission.Resolver
	users       UserReader
	verifier    middleware.AccessVerifier
	metrics     *metrics.Metrics

	db Pinger
	kv *kvcache.Client
}

// Config collects the server dependencies.
type Config struct {
	Auth        *auth.Service
	Sessions    *session.Manager
	Devices     *device.Registry
	TwoFactor   *twofactor.Service
	Permissions *permission.Resolver
	Users       UserReader
	Verifier    middleware.AccessVerifier
	Metrics     *metrics.Metrics
	DB          Pinger
	KV          *kvcache.Client
	RateRPS     float64
	RateBurst   int
}

func NewServer(cfg Config) *Server {
	s := &Server{
		auth:        cfg.Auth,
		sessions:    cfg.Sessions,
		devices:     cfg.Devices,
		twoFactor:   cfg.TwoFactor,
		permissions: cfg.Permissions,
		users:       cfg.Users,
		verifier:    cfg.Verifier,
		metrics:     cfg.Metrics,
		db:          cfg.DB,
		kv:          cfg.KV,
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(middleware.Recovery)
	r.Use(s.metrics.Middleware)

	limiter := middleware.NewIPRateLimiter(rate.Limit(cfg.RateRPS), cfg.RateBurst)

	r.Get("/healthz", s.Health)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	// Pre-auth routes, rate limited per IP.
	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware)
		r.Post("/auth/login", s.Login)
		r.Post("/auth/2fa/verify", s.VerifyTwoFactor)
		r.Post("/auth/device/verify", s.VerifyDevice)
		r.Post("/auth/refresh", s.Refresh)
		r.Post("/auth/password-reset/request", s.RequestPasswordReset)
		r.Post("/auth/password-reset/confirm", s.ConfirmPasswordReset)
	})

	// Authenticated routes.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(s.verifier))

		r.Post("/auth/logout", s.Logout)

		r.Get("/sessions", s.ListSessions)
		r.Delete("/sessions/{id}", s.RevokeSession)

		r.Get("/devices", s.ListDevices)
		r.Post("/devices/{id}/trust", s.TrustDevice)
		r.Post("/devices/{id}/untrust", s.UntrustDevice)
		r.Delete("/devices/{id}", s.RemoveDevice)

		r.Post("/2fa/setup", s.SetupTwoFactor)
		r.Post("/2fa/activate", s.ActivateTwoFactor)
		r.Post("/2fa/disable", s.DisableTwoFactor)
		r.Post("/2fa/recovery-codes", s.RegenerateRecoveryCodes)

		r.Get("/permissions", s.EffectivePermissions)
		r.Get("/permissions/check", s.CheckPermission)
		r.Post("/permissions/batch", s.BatchCheckPermissions)
	})

	s.Router = r
	return s
}

// Health handles GET /healthz, probing both stores.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := map[string]string{"database": "ok", "cache": "ok"}
	healthy := true

	if err := s.db.Ping(ctx); err != nil {
		status["database"] = "unreachable"
		healthy = false
	}
	if err := s.kv.Ping(ctx); err != nil {
		status["cache"] = "unreachable"
		healthy = false
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, status)
}
