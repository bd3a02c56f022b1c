package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackendFailure(t *testing.T) {
	cause := errors.New("engine crashed")

	err := BackendFailure("install", "ext@example", cause)
	require.Error(t, err)
	assert.True(t, IsBackendFailure(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "ext@example")
	assert.Contains(t, err.Error(), "install")

	wrapped := fmt.Errorf("outer: %w", err)
	assert.True(t, IsBackendFailure(wrapped))

	var be *BackendError
	require.True(t, errors.As(wrapped, &be))
	assert.Equal(t, "ext@example", be.ID)

	assert.NoError(t, BackendFailure("install", "x", nil))
	assert.False(t, IsBackendFailure(cause))
}

func TestWrappedSentinels(t *testing.T) {
	assert.ErrorIs(t, NotFound("session", "abc"), ErrNotFound)
	assert.Contains(t, NotFound("session", "abc").Error(), `session "abc"`)

	err := InvalidState("session %s already displayed", "abc")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.NotErrorIs(t, err, ErrNotFound)
}
