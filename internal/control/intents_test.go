package control

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clud-dev/cluster/internal/clustererr"
	"github.com/clud-dev/cluster/internal/registry"
	"github.com/clud-dev/cluster/internal/store"
	"github.com/clud-dev/cluster/internal/types"
)

func seedAgent(t *testing.T, st store.Store, daemonID uuid.UUID) uuid.UUID {
	t.Helper()
	agentID := uuid.New()
	err := st.UpsertAgent(context.Background(), &types.Agent{
		ID:            agentID,
		DaemonID:      daemonID,
		Status:        types.AgentRunning,
		LastHeartbeat: time.Now().UTC(),
	})
	require.NoError(t, err)
	return agentID
}

// Scenario E: intent to an agent whose daemon has no live control channel
// returns DaemonUnavailable, leaves Store untouched, and closes nothing.
func TestDispatchReturnsDaemonUnavailableWhenChannelMissing(t *testing.T) {
	st := store.NewMemory(store.DefaultWindows(), nil)
	reg := registry.New()
	daemonID := uuid.New()
	agentID := seedAgent(t, st, daemonID)

	err := StopAgent(context.Background(), st, reg, agentID, false, 5)

	require.Error(t, err)
	assert.ErrorIs(t, err, clustererr.DaemonUnavailable)

	agent, getErr := st.GetAgent(context.Background(), agentID)
	require.NoError(t, getErr)
	assert.Equal(t, types.AgentRunning, agent.Status)
}

func TestDispatchReturnsNotFoundForUnknownAgent(t *testing.T) {
	st := store.NewMemory(store.DefaultWindows(), nil)
	reg := registry.New()

	err := StopAgent(context.Background(), st, reg, uuid.New(), true, 10)

	require.Error(t, err)
	assert.ErrorIs(t, err, clustererr.NotFound)
}

func TestDispatchDeliversIntentOnLiveChannel(t *testing.T) {
	st := store.NewMemory(store.DefaultWindows(), nil)
	reg := registry.New()
	daemonID := uuid.New()
	agentID := seedAgent(t, st, daemonID)

	ch := make(chan registry.Intent, 1)
	reg.RegisterDaemonControl(daemonID, ch)

	err := ExecInAgent(context.Background(), st, reg, agentID, "ls -la", "/tmp", map[string]string{"FOO": "bar"}, 30)
	require.NoError(t, err)

	select {
	case intent := <-ch:
		assert.Equal(t, string(MsgAgentExec), intent.Type)
		payload, ok := intent.Payload.(AgentExecPayload)
		require.True(t, ok)
		assert.Equal(t, "ls -la", payload.Command)
		assert.Equal(t, "/tmp", payload.Cwd)
		assert.Equal(t, 30, payload.TimeoutSeconds)
	default:
		t.Fatal("expected intent to be enqueued")
	}
}

func TestDispatchReturnsBackpressureDropWhenQueueFull(t *testing.T) {
	st := store.NewMemory(store.DefaultWindows(), nil)
	reg := registry.New()
	daemonID := uuid.New()
	agentID := seedAgent(t, st, daemonID)

	ch := make(chan registry.Intent, 1)
	reg.RegisterDaemonControl(daemonID, ch)
	ch <- registry.Intent{Type: "filler"}

	err := LaunchVSCode(context.Background(), st, reg, agentID, 9229, "tok")
	require.Error(t, err)
	assert.ErrorIs(t, err, clustererr.BackpressureDrop)
}

func TestGetScrollbackDispatchesWithLineCount(t *testing.T) {
	st := store.NewMemory(store.DefaultWindows(), nil)
	reg := registry.New()
	daemonID := uuid.New()
	agentID := seedAgent(t, st, daemonID)

	ch := make(chan registry.Intent, 1)
	reg.RegisterDaemonControl(daemonID, ch)

	require.NoError(t, GetScrollback(context.Background(), st, reg, agentID, 500))

	intent := <-ch
	payload, ok := intent.Payload.(GetScrollbackPayload)
	require.True(t, ok)
	assert.Equal(t, 500, payload.Lines)
}
