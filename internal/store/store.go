// Package store defines the durable view of cluster state: daemons,
// agents, Telegram bindings, operator sessions, and the audit trail.
// A stored staleness value is never trusted; it is recomputed from LastHeartbeat against
// the configured windows every time an Agent is read, so a Store that
// hasn't seen a write in an hour still reports accurate staleness.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/clud-dev/cluster/internal/types"
)

// Store is the persistence interface every backend (memory, SQL) honors.
// All methods are safe for concurrent use.
type Store interface {
	UpsertDaemon(ctx context.Context, d *types.Daemon) error
	GetDaemon(ctx context.Context, id uuid.UUID) (*types.Daemon, error)
	ListDaemons(ctx context.Context) ([]*types.Daemon, error)

	UpsertAgent(ctx context.Context, a *types.Agent) error
	GetAgent(ctx context.Context, id uuid.UUID) (*types.Agent, error)
	ListAgents(ctx context.Context, filter types.AgentFilter) ([]*types.Agent, error)
	MarkAgentStopped(ctx context.Context, id uuid.UUID, at time.Time) error

	// ReconcileDaemonAgents compares liveAgentIDs (the set a daemon just
	// reported owning) against what the store believes that daemon owns,
	// marking any agent missing from liveAgentIDs as stopped. It returns
	// the new/stopped/existing split.
	ReconcileDaemonAgents(ctx context.Context, daemonID uuid.UUID, liveAgentIDs []uuid.UUID) (types.Reconciliation, error)

	// UpdateHeartbeat refreshes an agent's liveness and daemon-reported
	// fields. Staleness is recomputed on the next read, never stored as
	// ground truth.
	UpdateHeartbeat(ctx context.Context, agentID uuid.UUID, reportedStatus string, metrics types.AgentMetrics) error

	CreateBinding(ctx context.Context, b *types.TelegramBinding) error
	GetBinding(ctx context.Context, id uuid.UUID) (*types.TelegramBinding, error)
	ListBindings(ctx context.Context, agentID uuid.UUID) ([]*types.TelegramBinding, error)
	DeleteBinding(ctx context.Context, id uuid.UUID) error

	CreateSession(ctx context.Context, s *types.Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*types.Session, error)
	// GetSessionByToken is the hot path an Authorization header is
	// validated against: every operator-facing lookup resolves a
	// session by its opaque token, never by id, so this is the method
	// rediscache.Cache sits in front of.
	GetSessionByToken(ctx context.Context, token string) (*types.Session, error)
	DeleteSession(ctx context.Context, id uuid.UUID) error

	AppendAuditEvent(ctx context.Context, e *types.AuditEvent) error
	ListAuditEvents(ctx context.Context, limit int) ([]*types.AuditEvent, error)

	Close() error
}

// Windows bundles the staleness thresholds a Store recomputes against.
type Windows struct {
	Fresh time.Duration
	Stale time.Duration
}

// DefaultWindows returns the standard fresh/stale cutoffs.
func DefaultWindows() Windows {
	return Windows{Fresh: types.DefaultFreshWindow, Stale: types.DefaultStaleWindow}
}

// Classify returns the staleness band for an agent last heard from at
// lastHeartbeat, as of now.
func (w Windows) Classify(lastHeartbeat, now time.Time) types.Staleness {
	return types.Classify(now.Sub(lastHeartbeat), w.Fresh, w.Stale)
}
