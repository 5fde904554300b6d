package api

import (
	"encoding/json"
	"net/http"

	"github.com/suoke-life/auth-service/internal/apperr"
)

// respondJSON writes a JSON body with the given status.
func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// respondError maps the error taxonomy onto transport status codes. This is
// the only place kinds become HTTP.
func respondError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)

	status := http.StatusInternalServerError
	switch kind {
	case apperr.KindUnauthorized:
		status = http.StatusUnauthorized
	case apperr.KindForbidden:
		status = http.StatusForbidden
	case apperr.KindBadRequest:
		status = http.StatusBadRequest
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindRateLimited:
		status = http.StatusTooManyRequests
	}

	respondJSON(w, status, errorBody{
		Error: apperr.PublicMessage(err),
		Kind:  kind.String(),
	})
}

// decodeJSON parses a request body into dst.
func decodeJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return apperr.E(apperr.KindBadRequest, "empty request body")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(apperr.KindBadRequest, "invalid request body", err)
	}
	return nil
}

// clientIP prefers the proxy-forwarded address injected by chi's RealIP.
func clientIP(r *http.Request) string {
	return r.RemoteAddr
}
