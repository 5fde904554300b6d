package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindUnauthorized, KindOf(Unauthorized()))
	assert.Equal(t, KindRateLimited, KindOf(E(KindRateLimited, "slow down")))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain error")))

	// Kind survives wrapping.
	wrapped := fmt.Errorf("handler: %w", E(KindNotFound, "session not found"))
	assert.Equal(t, KindNotFound, KindOf(wrapped))
}

func TestPublicMessage(t *testing.T) {
	assert.Equal(t, MsgInvalidCredentials, PublicMessage(Unauthorized()))
	assert.Equal(t, "internal error", PublicMessage(errors.New("db: connection refused")))
	assert.Equal(t, "internal error", PublicMessage(Internal(errors.New("sensitive detail"))))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(KindInternal, "storage failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "storage failed")
}
