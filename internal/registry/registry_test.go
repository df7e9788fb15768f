package registry

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clud-dev/cluster/internal/clustererr"
)

func TestRegisterDaemonControlSupersedesPrevious(t *testing.T) {
	r := New()
	daemonID := uuid.New()

	first := make(chan Intent, 1)
	r.RegisterDaemonControl(daemonID, first)

	second := make(chan Intent, 1)
	r.RegisterDaemonControl(daemonID, second)

	_, stillOpen := <-first
	assert.False(t, stillOpen, "previous control channel should be closed on supersede")

	got, ok := r.LookupDaemonControl(daemonID)
	require.True(t, ok)
	assert.Equal(t, second, got)
}

func TestRemoveDaemonControlOnlyRemovesCurrentHandle(t *testing.T) {
	r := New()
	daemonID := uuid.New()

	stale := make(chan Intent, 1)
	r.RegisterDaemonControl(daemonID, stale)
	current := make(chan Intent, 1)
	r.RegisterDaemonControl(daemonID, current)

	// The stale handle was already closed by the supersede; attempting to
	// remove it must not touch the current registration.
	removed := r.RemoveDaemonControl(daemonID, stale)
	assert.False(t, removed)

	got, ok := r.LookupDaemonControl(daemonID)
	require.True(t, ok)
	assert.Equal(t, current, got)

	assert.True(t, r.RemoveDaemonControl(daemonID, current))
	_, ok = r.LookupDaemonControl(daemonID)
	assert.False(t, ok)
}

func TestLookupMissingDaemonControl(t *testing.T) {
	r := New()
	_, ok := r.LookupDaemonControl(uuid.New())
	assert.False(t, ok)
}

func TestPoolChannelLifecycle(t *testing.T) {
	r := New()
	daemonID := uuid.New()
	ch := make(chan PTYFrame, 1)

	r.RegisterPoolChannel(daemonID, ch)
	got, ok := r.LookupPoolChannel(daemonID)
	require.True(t, ok)
	assert.Equal(t, ch, got)

	assert.True(t, r.RemovePoolChannel(daemonID, ch))
	_, ok = r.LookupPoolChannel(daemonID)
	assert.False(t, ok)
}

func TestTerminalLifecycle(t *testing.T) {
	r := New()
	agentID := uuid.New()
	ch := make(chan []byte, 1)

	r.RegisterTerminal(agentID, ch)
	got, ok := r.LookupTerminal(agentID)
	require.True(t, ok)
	assert.Equal(t, ch, got)

	assert.True(t, r.RemoveTerminal(agentID, ch))
}

func TestBindAgentToPoolAndUnbind(t *testing.T) {
	r := New()
	agentID, daemonID := uuid.New(), uuid.New()

	_, err := r.PoolForAgent(agentID)
	require.Error(t, err)
	assert.ErrorIs(t, err, clustererr.NotFound)

	r.BindAgentToPool(agentID, daemonID)
	got, err := r.PoolForAgent(agentID)
	require.NoError(t, err)
	assert.Equal(t, daemonID, got)

	r.UnbindAgent(agentID)
	_, err = r.PoolForAgent(agentID)
	assert.ErrorIs(t, err, clustererr.NotFound)
}

func TestLiveDaemonIDsSnapshot(t *testing.T) {
	r := New()
	a, b := uuid.New(), uuid.New()
	r.RegisterDaemonControl(a, make(chan Intent, 1))
	r.RegisterDaemonControl(b, make(chan Intent, 1))

	ids := r.LiveDaemonIDs()
	assert.ElementsMatch(t, []uuid.UUID{a, b}, ids)
}
