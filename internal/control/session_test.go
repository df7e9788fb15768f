package control

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clud-dev/cluster/internal/eventbus"
	"github.com/clud-dev/cluster/internal/registry"
	"github.com/clud-dev/cluster/internal/store"
)

// fakeConn is an in-memory Conn driven by two envelope queues, standing
// in for a gorilla websocket connection in tests.
type fakeConn struct {
	mu      sync.Mutex
	inbox   []Envelope
	outbox  []Envelope
	closed  bool
}

func (c *fakeConn) pushInbound(env Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inbox = append(c.inbox, env)
}

func (c *fakeConn) ReadJSON(v interface{}) error {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return assertErr("connection closed")
		}
		if len(c.inbox) > 0 {
			env := c.inbox[0]
			c.inbox = c.inbox[1:]
			c.mu.Unlock()
			data, _ := json.Marshal(env)
			return json.Unmarshal(data, v)
		}
		c.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	c.outbox = append(c.outbox, env)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) lastOutbound() (Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.outbox) == 0 {
		return Envelope{}, false
	}
	return c.outbox[len(c.outbox)-1], true
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func assertErr(msg string) error { return simpleErr(msg) }

func testDeps() (Deps, store.Store, *registry.Registry, *eventbus.Bus) {
	st := store.NewMemory(store.DefaultWindows(), nil)
	reg := registry.New()
	bus := eventbus.New(nil)
	deps := Deps{
		Store:    st,
		Registry: reg,
		Bus:      bus,
		IssueToken: func(daemonID string) (string, time.Time, error) {
			return "real-token-" + daemonID, time.Now().Add(time.Hour), nil
		},
		ExternalBaseURL:  "wss://cluster.example.com",
		HandshakeTimeout: time.Second,
		QueueDepth:       4,
	}
	return deps, st, reg, bus
}

func TestSessionRegistersAndGoesLive(t *testing.T) {
	deps, st, _, _ := testDeps()
	conn := &fakeConn{}
	sess := New(conn, deps)

	daemonID := uuid.New()
	regPayload, err := json.Marshal(DaemonRegisterPayload{DaemonID: daemonID.String(), Hostname: "dev-box", Platform: "linux", Version: "1.0"})
	require.NoError(t, err)
	conn.pushInbound(Envelope{Type: MsgDaemonRegister, Payload: regPayload})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	require.Eventually(t, func() bool { return sess.State() == StateLive }, time.Second, time.Millisecond)

	env, ok := conn.lastOutbound()
	require.True(t, ok)
	assert.Equal(t, MsgRegisterAck, env.Type)

	var ack RegisterAckPayload
	require.NoError(t, json.Unmarshal(env.Payload, &ack))
	assert.NotEqual(t, "mock_token", ack.SessionToken)
	assert.Empty(t, ack.Reconciliation.NewAgents)
	assert.Empty(t, ack.Reconciliation.StoppedAgents)
	assert.Empty(t, ack.Reconciliation.ExistingAgents)

	daemons, err := st.ListDaemons(ctx)
	require.NoError(t, err)
	require.Len(t, daemons, 1)

	conn.Close()
	<-done
	assert.Equal(t, StateDead, sess.State())
}

func TestAgentRegisterBuildsPTYURLFromConfig(t *testing.T) {
	deps, _, reg, _ := testDeps()
	conn := &fakeConn{}
	sess := New(conn, deps)

	daemonID := uuid.New()
	regPayload, _ := json.Marshal(DaemonRegisterPayload{DaemonID: daemonID.String(), Hostname: "dev-box"})
	conn.pushInbound(Envelope{Type: MsgDaemonRegister, Payload: regPayload})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go sess.Run(ctx)

	require.Eventually(t, func() bool { return sess.State() == StateLive }, time.Second, time.Millisecond)

	agentID := uuid.New()
	agentPayload, _ := json.Marshal(AgentRegisterPayload{AgentID: agentID.String(), Command: "claude", PTYConnectionID: "pool-1"})
	conn.pushInbound(Envelope{Type: MsgAgentRegister, Payload: agentPayload})

	require.Eventually(t, func() bool {
		env, ok := conn.lastOutbound()
		return ok && env.Type == MsgAgentRegisterAck
	}, time.Second, time.Millisecond)

	env, _ := conn.lastOutbound()
	var ack AgentRegisterAckPayload
	require.NoError(t, json.Unmarshal(env.Payload, &ack))
	assert.Contains(t, ack.PTYWebSocketURL, "wss://cluster.example.com")
	assert.Contains(t, ack.PTYWebSocketURL, "pool-1")

	pool, err := reg.PoolForAgent(agentID)
	require.NoError(t, err)
	assert.Equal(t, sess.DaemonID(), pool)

	conn.Close()
}

func TestDispatchIntentDropsWhenQueueFull(t *testing.T) {
	deps, _, _, _ := testDeps()
	deps.QueueDepth = 1
	conn := &fakeConn{}
	sess := New(conn, deps)
	sess.setState(StateLive)
	sess.daemonID = uuid.New()

	require.NoError(t, sess.DispatchIntent(registry.Intent{Type: "agent_stop"}))
	err := sess.DispatchIntent(registry.Intent{Type: "agent_stop"})
	require.Error(t, err)
}

func TestDispatchIntentRejectedWhenNotLive(t *testing.T) {
	deps, _, _, _ := testDeps()
	conn := &fakeConn{}
	sess := New(conn, deps)

	err := sess.DispatchIntent(registry.Intent{Type: "agent_stop"})
	require.Error(t, err)
}
