package api

import (
	"net/http"

	"github.com/suoke-life/auth-service/internal/api/middleware"
	"github.com/suoke-life/auth-service/internal/apperr"
	"github.com/suoke-life/auth-service/internal/auth"
	"github.com/suoke-life/auth-service/internal/device"
)

type deviceInfoPayload struct {
	DeviceType     string `json:"device_type"`
	OSName         string `json:"os_name"`
	OSVersion      string `json:"os_version"`
	BrowserName    string `json:"browser_name"`
	BrowserVersion string `json:"browser_version"`
	ClientID       string `json:"client_id"`
	AppVersion     string `json:"app_version"`
}

func (p deviceInfoPayload) toInfo(userAgent string) device.Info {
	return device.Info{
		DeviceType:     p.DeviceType,
		OSName:         p.OSName,
		OSVersion:      p.OSVersion,
		BrowserName:    p.BrowserName,
		BrowserVersion: p.BrowserVersion,
		UserAgent:      userAgent,
		ClientID:       p.ClientID,
		AppVersion:     p.AppVersion,
	}
}

type loginRequest struct {
	Identifier string            `json:"identifier"`
	Password   string            `json:"password"`
	Device     deviceInfoPayload `json:"device"`
}

// Login handles POST /auth/login.
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Identifier == "" || req.Password == "" {
		respondError(w, apperr.E(apperr.KindBadRequest, "identifier and password are required"))
		return
	}

	ua := r.UserAgent()
	result, err := s.auth.Login(r.Context(), req.Identifier, req.Password,
		req.Device.toInfo(ua), clientIP(r), ua)
	if err != nil {
		s.metrics.Logins.WithLabelValues("failure").Inc()
		respondError(w, err)
		return
	}

	s.metrics.Logins.WithLabelValues(loginOutcome(result)).Inc()
	respondJSON(w, http.StatusOK, result)
}

type twoFactorLoginRequest struct {
	UserID         string            `json:"user_id"`
	TempSessionID  string            `json:"temp_session_id"`
	Code           string            `json:"code"`
	RememberDevice bool              `json:"remember_device"`
	Device         deviceInfoPayload `json:"device"`
}

// VerifyTwoFactor handles POST /auth/2fa/verify.
func (s *Server) VerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req twoFactorLoginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}

	ua := r.UserAgent()
	result, err := s.auth.VerifyTwoFactorAndLogin(r.Context(), req.UserID, req.TempSessionID,
		req.Code, req.RememberDevice, req.Device.toInfo(ua), clientIP(r), ua)
	if err != nil {
		s.metrics.Logins.WithLabelValues("failure").Inc()
		respondError(w, err)
		return
	}

	s.metrics.Logins.WithLabelValues(loginOutcome(result)).Inc()
	respondJSON(w, http.StatusOK, result)
}

type deviceVerifyRequest struct {
	UserID        string            `json:"user_id"`
	TempSessionID string            `json:"temp_session_id"`
	Code          string            `json:"code"`
	Device        deviceInfoPayload `json:"device"`
}

// VerifyDevice handles POST /auth/device/verify.
func (s *Server) VerifyDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceVerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}

	ua := r.UserAgent()
	result, err := s.auth.VerifyDeviceAndLogin(r.Context(), req.UserID, req.TempSessionID,
		req.Code, req.Device.toInfo(ua), clientIP(r), ua)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh handles POST /auth/refresh.
func (s *Server) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.RefreshToken == "" {
		respondError(w, apperr.E(apperr.KindBadRequest, "refresh_token is required"))
		return
	}

	result, err := s.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		respondError(w, err)
		return
	}
	s.metrics.TokensIssued.Inc()
	respondJSON(w, http.StatusOK, result)
}

type logoutRequest struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	AllDevices   bool   `json:"all_devices"`
}

// Logout handles POST /auth/logout (authenticated).
func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r.Context())
	if err != nil {
		respondError(w, apperr.Unauthorized())
		return
	}

	var req logoutRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}

	result, err := s.auth.Logout(r.Context(), userID, req.AccessToken, req.RefreshToken, req.AllDevices)
	if err != nil {
		respondError(w, err)
		return
	}
	s.metrics.TokensRevoked.Add(float64(result.RevokedTokens))
	respondJSON(w, http.StatusOK, result)
}

type resetRequest struct {
	Email string `json:"email"`
}

// RequestPasswordReset handles POST /auth/password-reset/request.
// Always succeeds from the caller's perspective.
func (s *Server) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := s.auth.RequestPasswordReset(r.Context(), req.Email); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type resetConfirmRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

// ConfirmPasswordReset handles POST /auth/password-reset/confirm.
func (s *Server) ConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req resetConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := s.auth.ConfirmPasswordReset(r.Context(), req.Token, req.NewPassword); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func loginOutcome(result *auth.LoginResult) string {
	switch {
	case result.RequiresTwoFactor:
		return "pending_2fa"
	case result.RequiresDeviceVerification:
		return "pending_device_verification"
	default:
		return "success"
	}
}
