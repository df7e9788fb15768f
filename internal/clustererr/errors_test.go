package clustererr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesByKind(t *testing.T) {
	err := NotFoundf("agent %s", "a1")
	assert.True(t, errors.Is(err, NotFound))
	assert.False(t, errors.Is(err, DaemonUnavailable))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	wrapped := Wrap(KindBackendUnavailable, cause)
	require.True(t, errors.Is(wrapped, BackendUnavailable))
	assert.Equal(t, cause, errors.Unwrap(wrapped))
}

func TestErrorMessageNeverEmpty(t *testing.T) {
	err := DaemonUnavailablef("daemon %s has no live control channel", "d1")
	assert.Contains(t, err.Error(), "daemon_unavailable")
	assert.Contains(t, err.Error(), "d1")
}
