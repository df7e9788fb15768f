package control

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/clud-dev/cluster/internal/clustererr"
	"github.com/clud-dev/cluster/internal/eventbus"
	"github.com/clud-dev/cluster/internal/obs"
	"github.com/clud-dev/cluster/internal/registry"
	"github.com/clud-dev/cluster/internal/store"
	"github.com/clud-dev/cluster/internal/types"
)

// State is a ControlSession's position in its lifecycle.
type State int

const (
	StateInit State = iota
	StateAwaitRegistration
	StateLive
	StateDead
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAwaitRegistration:
		return "await_registration"
	case StateLive:
		return "live"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Conn is the minimal transport a ControlSession needs. A gorilla
// websocket connection satisfies it directly; tests use a fake.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

// TokenIssuer hands out real session tokens for newly registered
// daemons. Exactly one capability is injected so callers can swap in
// whatever secret-issuing mechanism the deployment uses.
type TokenIssuer func(daemonID string) (token string, expiresAt time.Time, err error)

// Deps bundles the collaborators a ControlSession needs to do anything
// beyond framing bytes.
type Deps struct {
	Store                     store.Store
	Registry                  *registry.Registry
	Bus                       *eventbus.Bus
	IssueToken                TokenIssuer
	ExternalBaseURL           string
	HandshakeTimeout          time.Duration
	HeartbeatInterval         time.Duration
	MaxAgentsPerPTYConnection int
	QueueDepth                int
	Logger                    *log.Logger
}

// Session is one daemon's control channel: a state machine plus a
// bounded outbound intent queue that a dedicated writer goroutine drains,
// so a slow or wedged daemon connection never blocks an operator request.
type Session struct {
	deps   Deps
	conn   Conn
	logger *log.Logger

	mu       sync.RWMutex
	state    State
	daemonID uuid.UUID

	outbound chan registry.Intent
	done     chan struct{}
	closeOnce sync.Once
}

// New creates a Session in StateInit for a freshly accepted connection.
// Callers must call Run to drive it.
func New(conn Conn, deps Deps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	depth := deps.QueueDepth
	if depth <= 0 {
		depth = 64
	}
	return &Session{
		deps:     deps,
		conn:     conn,
		logger:   logger,
		state:    StateInit,
		outbound: make(chan registry.Intent, depth),
		done:     make(chan struct{}),
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// DaemonID returns the registered daemon id, or uuid.Nil before
// registration completes.
func (s *Session) DaemonID() uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.daemonID
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	obs.RecordControlTransition(context.Background(), st.String())
}

// DispatchIntent enqueues an outbound message for delivery to the
// daemon. It never blocks: if the outbound queue is full, the intent is
// dropped and a BackpressureDrop error returned, matching the
// queue-full edge case required of a live control channel.
func (s *Session) DispatchIntent(intent registry.Intent) error {
	if s.State() != StateLive {
		return clustererr.DaemonUnavailablef("session is %s, not live", s.State())
	}
	select {
	case s.outbound <- intent:
		return nil
	default:
		return clustererr.BackpressureDropf("outbound queue full for daemon %s", s.daemonID)
	}
}

// Run drives the session to completion: it blocks until the connection
// closes, the handshake times out, or ctx is canceled. Run always leaves
// the session in StateDead and cleans up its Registry/EventBus entries
// before returning.
func (s *Session) Run(ctx context.Context) error {
	defer s.teardown()

	s.setState(StateAwaitRegistration)
	if err := s.awaitRegistration(ctx); err != nil {
		return err
	}

	s.setState(StateLive)
	s.deps.Registry.RegisterDaemonControl(s.daemonID, s.outbound)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	readErr := s.readLoop(ctx)

	close(s.done)
	<-writerDone
	return readErr
}

func (s *Session) awaitRegistration(ctx context.Context) error {
	timeout := s.deps.HandshakeTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	type result struct {
		env Envelope
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		var env Envelope
		err := s.conn.ReadJSON(&env)
		resultCh <- result{env: env, err: err}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return clustererr.ProtocolViolationf("handshake timeout waiting for daemon_register")
	case r := <-resultCh:
		if r.err != nil {
			return clustererr.ProtocolViolationf("reading daemon_register: %v", r.err)
		}
		if r.env.Type != MsgDaemonRegister {
			return clustererr.ProtocolViolationf("expected daemon_register, got %s", r.env.Type)
		}
		return s.handleDaemonRegister(ctx, r.env.Payload)
	}
}

func (s *Session) handleDaemonRegister(ctx context.Context, payload json.RawMessage) error {
	var reg DaemonRegisterPayload
	if err := json.Unmarshal(payload, &reg); err != nil {
		return clustererr.ProtocolViolationf("malformed daemon_register: %v", err)
	}

	daemonID, err := uuid.Parse(reg.DaemonID)
	if err != nil {
		return clustererr.ProtocolViolationf("invalid daemon_id: %v", err)
	}
	s.mu.Lock()
	s.daemonID = daemonID
	s.mu.Unlock()

	now := time.Now().UTC()
	existing, getErr := s.deps.Store.GetDaemon(ctx, daemonID)
	createdAt := now
	if getErr == nil {
		createdAt = existing.CreatedAt
	}
	daemon := &types.Daemon{
		ID:        daemonID,
		Hostname:  reg.Hostname,
		Platform:  reg.Platform,
		Version:   reg.Version,
		Status:    types.DaemonConnected,
		CreatedAt: createdAt,
		LastSeen:  now,
	}
	if err := s.deps.Store.UpsertDaemon(ctx, daemon); err != nil {
		return err
	}

	liveIDs := make([]uuid.UUID, 0, len(reg.Agents))
	for _, a := range reg.Agents {
		id, err := uuid.Parse(a.ID)
		if err != nil {
			continue
		}
		liveIDs = append(liveIDs, id)
	}
	recon, err := s.deps.Store.ReconcileDaemonAgents(ctx, daemonID, liveIDs)
	if err != nil {
		return err
	}
	for _, id := range recon.Stopped {
		s.deps.Registry.UnbindAgent(id)
		if a, err := s.deps.Store.GetAgent(ctx, id); err == nil {
			s.deps.Bus.Publish(eventbus.Event{Type: eventbus.KindAgentStopped, Agent: a})
		}
	}

	token, _, err := s.deps.IssueToken(daemonID.String())
	if err != nil {
		return clustererr.Wrap(clustererr.KindBackendUnavailable, err)
	}

	interval := s.deps.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	maxAgents := s.deps.MaxAgentsPerPTYConnection
	if maxAgents <= 0 {
		maxAgents = 8
	}
	ack, err := Encode(MsgRegisterAck, RegisterAckPayload{
		DaemonID:                  daemonID.String(),
		SessionToken:              token,
		HeartbeatInterval:         interval.Milliseconds(),
		MaxAgentsPerPTYConnection: maxAgents,
		Reconciliation: ReconciliationWire{
			NewAgents:      stringifyUUIDs(recon.New),
			StoppedAgents:  stringifyUUIDs(recon.Stopped),
			ExistingAgents: stringifyUUIDs(recon.Existing),
		},
	})
	if err != nil {
		return err
	}
	if err := s.conn.WriteJSON(ack); err != nil {
		return clustererr.ProtocolViolationf("writing register_ack: %v", err)
	}

	s.deps.Bus.Publish(eventbus.Event{Type: eventbus.KindDaemonConnected, Daemon: daemon})
	return nil
}

func stringifyUUIDs(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		var env Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			s.markDisconnected(ctx)
			return err
		}

		if err := s.handleInbound(ctx, env); err != nil {
			s.logger.Printf("control: daemon %s: %v", s.daemonID, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (s *Session) handleInbound(ctx context.Context, env Envelope) error {
	switch env.Type {
	case MsgHeartbeat:
		return s.handleHeartbeat(ctx, env.Payload)
	case MsgAgentRegister:
		return s.handleAgentRegister(ctx, env.Payload)
	case MsgAgentStopped:
		return s.handleAgentStopped(ctx, env.Payload)
	default:
		return clustererr.ProtocolViolationf("unexpected message type %s on live control channel", env.Type)
	}
}

func (s *Session) handleHeartbeat(ctx context.Context, payload json.RawMessage) error {
	var hb HeartbeatPayload
	if err := json.Unmarshal(payload, &hb); err != nil {
		return clustererr.ProtocolViolationf("malformed heartbeat: %v", err)
	}

	now := time.Now().UTC()
	liveCount := 0
	for _, a := range hb.Agents {
		agentID, err := uuid.Parse(a.AgentID)
		if err != nil {
			continue
		}
		liveCount++

		metrics, verr := validatedMetrics(a.Metrics)
		if verr != nil {
			s.logger.Printf("control: daemon %s: %v", s.daemonID, verr)
			continue
		}
		prior, priorErr := s.deps.Store.GetAgent(ctx, agentID)
		err = backoff.Retry(func() error {
			uerr := s.deps.Store.UpdateHeartbeat(ctx, agentID, a.Status, metrics)
			if uerr != nil && !errors.Is(uerr, clustererr.BackendUnavailable) {
				return backoff.Permanent(uerr)
			}
			return uerr
		}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx))
		if err != nil {
			// Best-effort per spec.md §7: transient BackendUnavailable errors
			// are retried a bounded number of times; heartbeat persistence
			// failures are then logged and swallowed, not surfaced to the daemon.
			s.logger.Printf("control: daemon %s: heartbeat for %s: %v", s.daemonID, agentID, err)
			continue
		}
		if priorErr == nil && !prior.LastHeartbeat.IsZero() {
			obs.RecordHeartbeatLag(ctx, now.Sub(prior.LastHeartbeat))
		}
		if updated, err := s.deps.Store.GetAgent(ctx, agentID); err == nil {
			s.deps.Bus.Publish(eventbus.Event{Type: eventbus.KindAgentUpdated, Agent: updated})
		}
	}

	if daemon, err := s.deps.Store.GetDaemon(ctx, s.daemonID); err == nil {
		daemon.LastSeen = now
		daemon.AgentCount = liveCount
		_ = s.deps.Store.UpsertDaemon(ctx, daemon)
	}

	return nil
}

const maxMetricsFields = 32

func validatedMetrics(raw json.RawMessage) (types.AgentMetrics, error) {
	var m types.AgentMetrics
	if len(raw) == 0 {
		return m, nil
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return m, clustererr.ProtocolViolationf("malformed metrics: %v", err)
	}
	if len(probe) > maxMetricsFields {
		return m, clustererr.ProtocolViolationf("metrics bag too large: %d fields", len(probe))
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, clustererr.ProtocolViolationf("malformed metrics: %v", err)
	}
	if err := m.Validate(); err != nil {
		return m, clustererr.ProtocolViolationf("invalid metrics: %v", err)
	}
	return m, nil
}

func (s *Session) handleAgentRegister(ctx context.Context, payload json.RawMessage) error {
	var reg AgentRegisterPayload
	if err := json.Unmarshal(payload, &reg); err != nil {
		return clustererr.ProtocolViolationf("malformed agent_register: %v", err)
	}

	agentID, err := uuid.Parse(reg.AgentID)
	if err != nil {
		return clustererr.ProtocolViolationf("invalid agent_id: %v", err)
	}
	if reg.PTYConnectionID == "" {
		return clustererr.ProtocolViolationf("agent_register missing pty_connection_id")
	}

	now := time.Now().UTC()
	createdAt := now
	if existing, err := s.deps.Store.GetAgent(ctx, agentID); err == nil {
		// Idempotent for replays: a second agent_register for the same id
		// keeps its original creation time.
		createdAt = existing.CreatedAt
	}
	agent := &types.Agent{
		ID:            agentID,
		DaemonID:      s.daemonID,
		Cwd:           reg.Cwd,
		Command:       reg.Command,
		PID:           reg.PID,
		Status:        types.AgentRunning,
		Capabilities:  reg.Capabilities,
		CreatedAt:     createdAt,
		UpdatedAt:     now,
		LastHeartbeat: now,
	}
	if err := s.deps.Store.UpsertAgent(ctx, agent); err != nil {
		return err
	}
	// PoolChannels/AgentToPool are keyed by this session's daemon id: this
	// deployment runs one pool per daemon (pty_connection_id doesn't index
	// a separate registry map; it is only echoed back as a query
	// parameter). The pty_ws_url path must match that keying —
	// /ws/pty/pool/{daemonID} is the only route handlePoolWS registers.
	// See DESIGN.md for the tradeoff.
	s.deps.Registry.BindAgentToPool(agentID, s.daemonID)

	ack, err := Encode(MsgAgentRegisterAck, AgentRegisterAckPayload{
		AgentID:         agentID.String(),
		PTYWebSocketURL: s.deps.ExternalBaseURL + "/ws/pty/pool/" + s.daemonID.String() + "?pty_connection_id=" + url.QueryEscape(reg.PTYConnectionID),
	})
	if err != nil {
		return err
	}
	if err := s.conn.WriteJSON(ack); err != nil {
		return clustererr.ProtocolViolationf("writing agent_register_ack: %v", err)
	}

	s.deps.Bus.Publish(eventbus.Event{Type: eventbus.KindAgentRegister, Agent: agent})
	return nil
}

func (s *Session) handleAgentStopped(ctx context.Context, payload json.RawMessage) error {
	var stopped AgentStoppedPayload
	if err := json.Unmarshal(payload, &stopped); err != nil {
		return clustererr.ProtocolViolationf("malformed agent_stopped: %v", err)
	}

	agentID, err := uuid.Parse(stopped.AgentID)
	if err != nil {
		return clustererr.ProtocolViolationf("invalid agent_id: %v", err)
	}

	if err := s.deps.Store.MarkAgentStopped(ctx, agentID, time.Now().UTC()); err != nil {
		return err
	}
	s.deps.Registry.UnbindAgent(agentID)

	if a, err := s.deps.Store.GetAgent(ctx, agentID); err == nil {
		s.deps.Bus.Publish(eventbus.Event{Type: eventbus.KindAgentStopped, Agent: a})
	}
	return nil
}

func (s *Session) writeLoop() {
	for {
		select {
		case intent, ok := <-s.outbound:
			if !ok {
				return
			}
			env, err := Encode(MessageType(intent.Type), intent.Payload)
			if err != nil {
				s.logger.Printf("control: daemon %s: encoding %s: %v", s.daemonID, intent.Type, err)
				continue
			}
			if err := s.conn.WriteJSON(env); err != nil {
				s.logger.Printf("control: daemon %s: write failed: %v", s.daemonID, err)
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) markDisconnected(ctx context.Context) {
	if s.daemonID == uuid.Nil {
		return
	}
	if daemon, err := s.deps.Store.GetDaemon(ctx, s.daemonID); err == nil {
		daemon.Status = types.DaemonDisconnected
		_ = s.deps.Store.UpsertDaemon(ctx, daemon)
		s.deps.Bus.Publish(eventbus.Event{Type: eventbus.KindDaemonDisconnected, Daemon: daemon})
	}
}

func (s *Session) teardown() {
	s.setState(StateDead)
	s.closeOnce.Do(func() {
		if s.daemonID != uuid.Nil {
			s.deps.Registry.RemoveDaemonControl(s.daemonID, s.outbound)
		}
		_ = s.conn.Close()
	})
}
