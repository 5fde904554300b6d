package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/suoke-life/auth-service/internal/api/middleware"
	"github.com/suoke-life/auth-service/internal/apperr"
)

// ListSessions handles GET /sessions.
func (s *Server) ListSessions(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r.Context())
	if err != nil {
		respondError(w, apperr.Unauthorized())
		return
	}

	activeOnly := r.URL.Query().Get("active") == "true"
	sessions, err := s.sessions.List(r.Context(), userID, activeOnly, 50, 0)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// RevokeSession handles DELETE /sessions/{id}.
func (s *Server) RevokeSession(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r.Context())
	if err != nil {
		respondError(w, apperr.Unauthorized())
		return
	}

	sessionID := chi.URLParam(r, "id")
	sess, err := s.sessions.Get(r.Context(), sessionID)
	if err != nil {
		respondError(w, err)
		return
	}
	if sess.UserID != userID {
		respondError(w, apperr.E(apperr.KindNotFound, "session not found"))
		return
	}

	if err := s.sessions.Revoke(r.Context(), sessionID, "user_request"); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// ListDevices handles GET /devices.
func (s *Server) ListDevices(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r.Context())
	if err != nil {
		respondError(w, apperr.Unauthorized())
		return
	}

	devices, err := s.devices.List(r.Context(), userID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"devices": devices})
}

// TrustDevice handles POST /devices/{id}/trust.
func (s *Server) TrustDevice(w http.ResponseWriter, r *http.Request) {
	s.setDeviceTrust(w, r, true)
}

// UntrustDevice handles POST /devices/{id}/untrust.
func (s *Server) UntrustDevice(w http.ResponseWriter, r *http.Request) {
	s.setDeviceTrust(w, r, false)
}

func (s *Server) setDeviceTrust(w http.ResponseWriter, r *http.Request, trusted bool) {
	userID, err := middleware.GetUserID(r.Context())
	if err != nil {
		respondError(w, apperr.Unauthorized())
		return
	}

	deviceID := chi.URLParam(r, "id")
	if trusted {
		err = s.devices.Trust(r.Context(), userID, deviceID)
	} else {
		err = s.devices.Untrust(r.Context(), userID, deviceID)
	}
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"is_trusted": trusted})
}

// RemoveDevice handles DELETE /devices/{id}.
func (s *Server) RemoveDevice(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r.Context())
	if err != nil {
		respondError(w, apperr.Unauthorized())
		return
	}

	if err := s.devices.Remove(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// SetupTwoFactor handles POST /2fa/setup.
func (s *Server) SetupTwoFactor(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r.Context())
	if err != nil {
		respondError(w, apperr.Unauthorized())
		return
	}

	user, err := s.users.GetByID(r.Context(), userID)
	if err != nil {
		respondError(w, apperr.Unauthorized())
		return
	}

	result, err := s.twoFactor.Provision(r.Context(), userID, user.Username)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"setup_id":    result.SetupID,
		"secret":      result.Secret,
		"qr_data_uri": result.QRDataURI,
	})
}

type activateTwoFactorRequest struct {
	SetupID string `json:"setup_id"`
	Code    string `json:"code"`
}

// ActivateTwoFactor handles POST /2fa/activate.
func (s *Server) ActivateTwoFactor(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r.Context())
	if err != nil {
		respondError(w, apperr.Unauthorized())
		return
	}

	var req activateTwoFactorRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}

	codes, err := s.twoFactor.ActivateTOTP(r.Context(), userID, req.SetupID, req.Code)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"activated":      true,
		"recovery_codes": codes,
	})
}

type disableTwoFactorRequest struct {
	Password string `json:"password"`
}

// DisableTwoFactor handles POST /2fa/disable.
func (s *Server) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r.Context())
	if err != nil {
		respondError(w, apperr.Unauthorized())
		return
	}

	var req disableTwoFactorRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}

	if err := s.twoFactor.Disable(r.Context(), userID, req.Password); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"disabled": true})
}

// RegenerateRecoveryCodes handles POST /2fa/recovery-codes.
func (s *Server) RegenerateRecoveryCodes(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r.Context())
	if err != nil {
		respondError(w, apperr.Unauthorized())
		return
	}

	codes, err := s.twoFactor.GenerateRecoveryCodes(r.Context(), userID, 10, true)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"recovery_codes": codes})
}
