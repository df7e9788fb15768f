package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clud-dev/cluster/internal/clustererr"
	"github.com/clud-dev/cluster/internal/types"
)

func newTestAgent(daemonID uuid.UUID, lastHeartbeat time.Time) *types.Agent {
	now := time.Now()
	return &types.Agent{
		ID:            uuid.New(),
		DaemonID:      daemonID,
		Hostname:      "dev-box",
		Command:       "claude",
		Status:        types.AgentRunning,
		CreatedAt:     now,
		UpdatedAt:     now,
		LastHeartbeat: lastHeartbeat,
	}
}

func TestUpsertAndGetAgentRecomputesStaleness(t *testing.T) {
	clockTime := time.Now()
	clock := func() time.Time { return clockTime }
	s := NewMemory(DefaultWindows(), clock)
	ctx := context.Background()

	daemonID := uuid.New()
	agent := newTestAgent(daemonID, clockTime)
	require.NoError(t, s.UpsertAgent(ctx, agent))

	got, err := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StaleFresh, got.Staleness)

	// Advance the clock past the stale threshold without touching the
	// store; GetAgent must recompute, not replay a stored value.
	clockTime = clockTime.Add(20 * time.Second)
	got, err = s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StaleStale, got.Staleness)

	clockTime = clockTime.Add(70 * time.Second)
	got, err = s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StaleDisconnected, got.Staleness)
}

func TestGetAgentNotFound(t *testing.T) {
	s := NewMemory(DefaultWindows(), nil)
	_, err := s.GetAgent(context.Background(), uuid.New())
	assert.ErrorIs(t, err, clustererr.NotFound)
}

func TestListAgentsFiltersByDaemonAndStatus(t *testing.T) {
	s := NewMemory(DefaultWindows(), nil)
	ctx := context.Background()

	daemonA, daemonB := uuid.New(), uuid.New()
	a1 := newTestAgent(daemonA, time.Now())
	a2 := newTestAgent(daemonA, time.Now())
	a2.Status = types.AgentStopped
	stoppedAt := time.Now()
	a2.StoppedAt = &stoppedAt
	a3 := newTestAgent(daemonB, time.Now())

	require.NoError(t, s.UpsertAgent(ctx, a1))
	require.NoError(t, s.UpsertAgent(ctx, a2))
	require.NoError(t, s.UpsertAgent(ctx, a3))

	running := types.AgentRunning
	got, err := s.ListAgents(ctx, types.AgentFilter{DaemonID: &daemonA, Status: &running})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a1.ID, got[0].ID)
}

func TestReconcileDaemonAgentsStopsMissingAgents(t *testing.T) {
	s := NewMemory(DefaultWindows(), nil)
	ctx := context.Background()
	daemonID := uuid.New()

	kept := newTestAgent(daemonID, time.Now())
	dropped := newTestAgent(daemonID, time.Now())
	require.NoError(t, s.UpsertAgent(ctx, kept))
	require.NoError(t, s.UpsertAgent(ctx, dropped))

	recon, err := s.ReconcileDaemonAgents(ctx, daemonID, []uuid.UUID{kept.ID})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{dropped.ID}, recon.Stopped)
	assert.Equal(t, []uuid.UUID{kept.ID}, recon.Existing)
	assert.Empty(t, recon.New)

	got, err := s.GetAgent(ctx, dropped.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentStopped, got.Status)
	require.NotNil(t, got.StoppedAt)

	got, err = s.GetAgent(ctx, kept.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentRunning, got.Status)
}

func TestReconcileDaemonAgentsReportsNewAgents(t *testing.T) {
	s := NewMemory(DefaultWindows(), nil)
	ctx := context.Background()
	daemonID := uuid.New()
	freshlyReportedID := uuid.New()

	recon, err := s.ReconcileDaemonAgents(ctx, daemonID, []uuid.UUID{freshlyReportedID})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{freshlyReportedID}, recon.New)
	assert.Empty(t, recon.Stopped)
	assert.Empty(t, recon.Existing)
}

func TestUpsertAgentRejectsDaemonOwnershipChange(t *testing.T) {
	s := NewMemory(DefaultWindows(), nil)
	ctx := context.Background()

	agent := newTestAgent(uuid.New(), time.Now())
	require.NoError(t, s.UpsertAgent(ctx, agent))

	stolen := *agent
	stolen.DaemonID = uuid.New()
	err := s.UpsertAgent(ctx, &stolen)
	require.Error(t, err)
	assert.ErrorIs(t, err, clustererr.OwnershipConflict)
}

func TestUpdateHeartbeatRefreshesStalenessToFresh(t *testing.T) {
	clockTime := time.Now()
	clock := func() time.Time { return clockTime }
	s := NewMemory(DefaultWindows(), clock)
	ctx := context.Background()

	agent := newTestAgent(uuid.New(), clockTime.Add(-time.Hour))
	require.NoError(t, s.UpsertAgent(ctx, agent))

	stale, err := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StaleDisconnected, stale.Staleness)

	require.NoError(t, s.UpdateHeartbeat(ctx, agent.ID, "running", types.AgentMetrics{}))

	got, err := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StaleFresh, got.Staleness)
	assert.Equal(t, clockTime, got.LastHeartbeat)
}

func TestUpdateHeartbeatUnknownAgentNotFound(t *testing.T) {
	s := NewMemory(DefaultWindows(), nil)
	ctx := context.Background()

	err := s.UpdateHeartbeat(ctx, uuid.New(), "running", types.AgentMetrics{})
	require.Error(t, err)
	assert.ErrorIs(t, err, clustererr.NotFound)
}

func TestSessionTokenRoundTrip(t *testing.T) {
	s := NewMemory(DefaultWindows(), nil)
	ctx := context.Background()

	sess := &types.Session{
		ID:         uuid.New(),
		OperatorID: "operator-1",
		Type:       types.SessionWeb,
		Token:      "super-secret",
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	require.NoError(t, s.CreateSession(ctx, sess))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "super-secret", got.Token)

	require.NoError(t, s.DeleteSession(ctx, sess.ID))
	_, err = s.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, clustererr.NotFound)
}

func TestAuditEventsListedMostRecentFirst(t *testing.T) {
	s := NewMemory(DefaultWindows(), nil)
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		id := uuid.New()
		ids = append(ids, id)
		require.NoError(t, s.AppendAuditEvent(ctx, &types.AuditEvent{
			ID:         id,
			OperatorID: "operator-1",
			EventType:  "agent_exec",
			Result:     types.AuditSuccess,
			Timestamp:  time.Now(),
		}))
	}

	got, err := s.ListAuditEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ids[2], got[0].ID)
	assert.Equal(t, ids[1], got[1].ID)
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	s := NewMemory(DefaultWindows(), nil)
	require.NoError(t, s.Close())

	err := s.UpsertDaemon(context.Background(), &types.Daemon{ID: uuid.New(), Hostname: "h", Status: types.DaemonConnected})
	assert.ErrorIs(t, err, clustererr.BackendUnavailable)
}
