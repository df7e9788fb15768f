package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/clud-dev/cluster/internal/clustererr"
	"github.com/clud-dev/cluster/internal/obs"
	"github.com/clud-dev/cluster/internal/types"
)

// memoryStore is the default in-memory Store implementation. It is not
// durable across restarts; production deployments point StoreDriver at
// the SQL backend instead.
type memoryStore struct {
	mu      sync.RWMutex
	windows Windows
	closed  atomic.Bool

	daemons  map[uuid.UUID]*types.Daemon
	agents   map[uuid.UUID]*types.Agent
	bindings map[uuid.UUID]*types.TelegramBinding
	sessions map[uuid.UUID]*types.Session
	audit    []*types.AuditEvent

	now func() time.Time
}

// NewMemory creates an empty in-memory Store classifying staleness
// against windows. A nil clock defaults to time.Now.
func NewMemory(windows Windows, clock func() time.Time) Store {
	if clock == nil {
		clock = time.Now
	}
	return &memoryStore{
		windows:  windows,
		daemons:  make(map[uuid.UUID]*types.Daemon),
		agents:   make(map[uuid.UUID]*types.Agent),
		bindings: make(map[uuid.UUID]*types.TelegramBinding),
		sessions: make(map[uuid.UUID]*types.Session),
		now:      clock,
	}
}

func (s *memoryStore) checkOpen() error {
	if s.closed.Load() {
		return clustererr.BackendUnavailablef("store is closed")
	}
	return nil
}

func (s *memoryStore) UpsertDaemon(ctx context.Context, d *types.Daemon) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := d.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.daemons[d.ID] = cloneDaemon(d)
	return nil
}

func (s *memoryStore) GetDaemon(ctx context.Context, id uuid.UUID) (*types.Daemon, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.daemons[id]
	if !ok {
		return nil, clustererr.NotFoundf("daemon %s", id)
	}
	return cloneDaemon(d), nil
}

func (s *memoryStore) ListDaemons(ctx context.Context) ([]*types.Daemon, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Daemon, 0, len(s.daemons))
	for _, d := range s.daemons {
		out = append(out, cloneDaemon(d))
	}
	return out, nil
}

func (s *memoryStore) UpsertAgent(ctx context.Context, a *types.Agent) (err error) {
	defer func() { obs.RecordStoreOp(ctx, "UpsertAgent", err) }()

	if err = s.checkOpen(); err != nil {
		return err
	}
	if err = a.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.agents[a.ID]; ok && existing.DaemonID != a.DaemonID {
		err = clustererr.OwnershipConflictf("agent %s is owned by daemon %s, not %s", a.ID, existing.DaemonID, a.DaemonID)
		return err
	}
	clone := cloneAgent(a)
	clone.Staleness = s.windows.Classify(clone.LastHeartbeat, s.now())
	s.agents[a.ID] = clone
	return nil
}

func (s *memoryStore) UpdateHeartbeat(ctx context.Context, agentID uuid.UUID, reportedStatus string, metrics types.AgentMetrics) (err error) {
	defer func() { obs.RecordStoreOp(ctx, "UpdateHeartbeat", err) }()

	if err = s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok {
		err = clustererr.NotFoundf("agent %s", agentID)
		return err
	}
	now := s.now()
	a.DaemonReportedStatus = reportedStatus
	a.DaemonReportedAt = now
	a.LastHeartbeat = now
	a.UpdatedAt = now
	a.Metrics = metrics
	return nil
}

func (s *memoryStore) GetAgent(ctx context.Context, id uuid.UUID) (agent *types.Agent, err error) {
	defer func() { obs.RecordStoreOp(ctx, "GetAgent", err) }()

	if err = s.checkOpen(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok {
		err = clustererr.NotFoundf("agent %s", id)
		return nil, err
	}
	return s.recomputed(a), nil
}

func (s *memoryStore) ListAgents(ctx context.Context, filter types.AgentFilter) ([]*types.Agent, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		if !matchesFilter(a, filter) {
			continue
		}
		out = append(out, s.recomputed(a))
	}
	return out, nil
}

func (s *memoryStore) MarkAgentStopped(ctx context.Context, id uuid.UUID, at time.Time) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return clustererr.NotFoundf("agent %s", id)
	}
	a.Status = types.AgentStopped
	a.StoppedAt = &at
	a.UpdatedAt = at
	return nil
}

func (s *memoryStore) ReconcileDaemonAgents(ctx context.Context, daemonID uuid.UUID, liveAgentIDs []uuid.UUID) (types.Reconciliation, error) {
	if err := s.checkOpen(); err != nil {
		return types.Reconciliation{}, err
	}

	live := make(map[uuid.UUID]struct{}, len(liveAgentIDs))
	for _, id := range liveAgentIDs {
		live[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var result types.Reconciliation
	now := s.now()
	knownForDaemon := make(map[uuid.UUID]struct{})
	for id, a := range s.agents {
		if a.DaemonID != daemonID {
			continue
		}
		knownForDaemon[id] = struct{}{}
		if a.Status == types.AgentStopped {
			continue
		}
		if _, ok := live[id]; ok {
			result.Existing = append(result.Existing, id)
			continue
		}
		a.Status = types.AgentStopped
		a.StoppedAt = &now
		a.UpdatedAt = now
		result.Stopped = append(result.Stopped, id)
	}
	for id := range live {
		if _, ok := knownForDaemon[id]; !ok {
			result.New = append(result.New, id)
		}
	}
	return result, nil
}

func (s *memoryStore) recomputed(a *types.Agent) *types.Agent {
	clone := cloneAgent(a)
	clone.Staleness = s.windows.Classify(clone.LastHeartbeat, s.now())
	return clone
}

func (s *memoryStore) CreateBinding(ctx context.Context, b *types.TelegramBinding) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := b.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.bindings[b.ID]; exists {
		return clustererr.OwnershipConflictf("binding %s already exists", b.ID)
	}
	clone := *b
	s.bindings[b.ID] = &clone
	return nil
}

func (s *memoryStore) GetBinding(ctx context.Context, id uuid.UUID) (*types.TelegramBinding, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bindings[id]
	if !ok {
		return nil, clustererr.NotFoundf("binding %s", id)
	}
	clone := *b
	return &clone, nil
}

func (s *memoryStore) ListBindings(ctx context.Context, agentID uuid.UUID) ([]*types.TelegramBinding, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.TelegramBinding
	for _, b := range s.bindings {
		if b.AgentID == agentID {
			clone := *b
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *memoryStore) DeleteBinding(ctx context.Context, id uuid.UUID) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bindings[id]; !ok {
		return clustererr.NotFoundf("binding %s", id)
	}
	delete(s.bindings, id)
	return nil
}

func (s *memoryStore) CreateSession(ctx context.Context, sess *types.Session) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := sess.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *sess
	s.sessions[sess.ID] = &clone
	return nil
}

func (s *memoryStore) GetSession(ctx context.Context, id uuid.UUID) (*types.Session, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, clustererr.NotFoundf("session %s", id)
	}
	clone := *sess
	return &clone, nil
}

func (s *memoryStore) GetSessionByToken(ctx context.Context, token string) (*types.Session, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sess := range s.sessions {
		if sess.Token == token {
			clone := *sess
			return &clone, nil
		}
	}
	return nil, clustererr.NotFoundf("session with token")
}

func (s *memoryStore) DeleteSession(ctx context.Context, id uuid.UUID) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return clustererr.NotFoundf("session %s", id)
	}
	delete(s.sessions, id)
	return nil
}

func (s *memoryStore) AppendAuditEvent(ctx context.Context, e *types.AuditEvent) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := e.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *e
	s.audit = append(s.audit, &clone)
	return nil
}

func (s *memoryStore) ListAuditEvents(ctx context.Context, limit int) ([]*types.AuditEvent, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.audit)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*types.AuditEvent, n)
	// Most-recent-first, matching the admin listing endpoints' expected order.
	for i := 0; i < n; i++ {
		clone := *s.audit[len(s.audit)-1-i]
		out[i] = &clone
	}
	return out, nil
}

func (s *memoryStore) Close() error {
	s.closed.Store(true)
	return nil
}

func matchesFilter(a *types.Agent, filter types.AgentFilter) bool {
	if filter.DaemonID != nil && a.DaemonID != *filter.DaemonID {
		return false
	}
	if filter.Status != nil && a.Status != *filter.Status {
		return false
	}
	return true
}

func cloneDaemon(d *types.Daemon) *types.Daemon {
	clone := *d
	return &clone
}

func cloneAgent(a *types.Agent) *types.Agent {
	clone := *a
	if a.Capabilities != nil {
		clone.Capabilities = append([]string(nil), a.Capabilities...)
	}
	if a.StoppedAt != nil {
		stoppedAt := *a.StoppedAt
		clone.StoppedAt = &stoppedAt
	}
	return &clone
}
