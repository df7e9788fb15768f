package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clud-dev/cluster/internal/eventbus"
	"github.com/clud-dev/cluster/internal/store"
	"github.com/clud-dev/cluster/internal/types"
)

func TestSweepPublishesOnlyOnNewlyDisconnected(t *testing.T) {
	clockTime := time.Now()
	clock := func() time.Time { return clockTime }
	st := store.NewMemory(store.Windows{Fresh: 10 * time.Millisecond, Stale: 20 * time.Millisecond}, clock)
	bus := eventbus.New(nil)
	sub, unsubscribe := bus.Subscribe(8, time.Second)
	defer unsubscribe()

	ctx := context.Background()
	agent := &types.Agent{
		ID:            uuid.New(),
		DaemonID:      uuid.New(),
		Command:       "claude",
		Status:        types.AgentRunning,
		CreatedAt:     clockTime,
		UpdatedAt:     clockTime,
		LastHeartbeat: clockTime,
	}
	require.NoError(t, st.UpsertAgent(ctx, agent))

	w := New(st, bus, Config{SweepInterval: time.Hour}, nil)
	w.sweepOnce(ctx)
	assert.Len(t, sub, 0, "agent starts fresh, no event expected")

	clockTime = clockTime.Add(time.Second)
	w.sweepOnce(ctx)

	select {
	case evt := <-sub:
		assert.Equal(t, eventbus.KindAgentUpdated, evt.Type)
	default:
		t.Fatal("expected agent_updated once the agent crossed into disconnected")
	}

	// A second sweep with no further change must not re-publish.
	w.sweepOnce(ctx)
	assert.Len(t, sub, 0)
}
