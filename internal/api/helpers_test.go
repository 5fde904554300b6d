package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suoke-life/auth-service/internal/apperr"
)

func TestRespondErrorMapsKinds(t *testing.T) {
	cases := []struct {
		err        error
		wantStatus int
	}{
		{apperr.Unauthorized(), http.StatusUnauthorized},
		{apperr.E(apperr.KindForbidden, "account disabled"), http.StatusForbidden},
		{apperr.E(apperr.KindBadRequest, "bad input"), http.StatusBadRequest},
		{apperr.E(apperr.KindNotFound, "session not found"), http.StatusNotFound},
		{apperr.E(apperr.KindConflict, "already exists"), http.StatusConflict},
		{apperr.E(apperr.KindRateLimited, "slow down"), http.StatusTooManyRequests},
		{errors.New("plain failure"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		rr := httptest.NewRecorder()
		respondError(rr, tc.err)

		assert.Equal(t, tc.wantStatus, rr.Code)
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	}
}

func TestRespondErrorHidesInternalDetail(t *testing.T) {
	rr := httptest.NewRecorder()
	respondError(rr, errors.New("pq: connection refused to 10.0.0.3"))

	var body errorBody
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, "internal error", body.Error)
	assert.NotContains(t, rr.Body.String(), "10.0.0.3")
}

func TestDecodeJSON(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"alice"}`))
	require.NoError(t, decodeJSON(req, &dst))
	assert.Equal(t, "alice", dst.Name)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":`))
	err := decodeJSON(req, &dst)
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"unknown_field":1}`))
	err = decodeJSON(req, &dst)
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err))
}
