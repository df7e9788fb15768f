// Package types defines the core entities tracked by the cluster control
// plane: agents, daemons, telegram bindings, operator sessions, and audit
// events. State for Agent and Daemon is owned by the daemon process; the
// cluster is a consistent view over values the daemon reports.
package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentStatus is the lifecycle status of a tracked agent process.
type AgentStatus string

const (
	AgentRunning AgentStatus = "running"
	AgentIdle    AgentStatus = "idle"
	AgentError   AgentStatus = "error"
	AgentStopped AgentStatus = "stopped"
)

// Staleness classifies how recently a daemon has reported on an agent.
type Staleness string

const (
	StaleFresh        Staleness = "fresh"
	StaleStale        Staleness = "stale"
	StaleDisconnected Staleness = "disconnected"
)

// Default staleness band thresholds. Configurable per Store, but the
// three-band ordering here is invariant.
const (
	DefaultFreshWindow = 15 * time.Second
	DefaultStaleWindow = 90 * time.Second
)

// Classify returns the staleness band for the given heartbeat age, using
// the supplied thresholds. Both bounds are inclusive-lower.
func Classify(age time.Duration, freshWindow, staleWindow time.Duration) Staleness {
	switch {
	case age < freshWindow:
		return StaleFresh
	case age < staleWindow:
		return StaleStale
	default:
		return StaleDisconnected
	}
}

// AgentMetrics is the free-form metrics bag reported by a daemon on
// heartbeat: cpu, memory, uptime and PTY byte counters.
type AgentMetrics struct {
	CPUPercent        float64 `json:"cpu_percent"`
	MemoryMB          int64   `json:"memory_mb"`
	UptimeSeconds     int64   `json:"uptime_seconds"`
	PTYBytesSent      int64   `json:"pty_bytes_sent"`
	PTYBytesReceived  int64   `json:"pty_bytes_received"`
}

// Validate rejects metrics bags a malformed daemon could use to poison the
// store (negative counters). It does not mutate m.
func (m AgentMetrics) Validate() error {
	if m.CPUPercent < 0 {
		return fmt.Errorf("cpu_percent must be >= 0")
	}
	if m.MemoryMB < 0 {
		return fmt.Errorf("memory_mb must be >= 0")
	}
	if m.UptimeSeconds < 0 {
		return fmt.Errorf("uptime_seconds must be >= 0")
	}
	if m.PTYBytesSent < 0 || m.PTYBytesReceived < 0 {
		return fmt.Errorf("pty byte counters must be >= 0")
	}
	return nil
}

// Agent is a tracked interactive process supervised by a daemon.
type Agent struct {
	ID       uuid.UUID `json:"id"`
	DaemonID uuid.UUID `json:"daemon_id"`

	Hostname string   `json:"hostname"`
	PID      int      `json:"pid"`
	Cwd      string   `json:"cwd"`
	Command  string   `json:"command"`

	Status       AgentStatus `json:"status"`
	Capabilities []string    `json:"capabilities"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastHeartbeat  time.Time  `json:"last_heartbeat"`
	StoppedAt      *time.Time `json:"stopped_at,omitempty"`

	Staleness Staleness `json:"staleness"`

	DaemonReportedStatus string    `json:"daemon_reported_status"`
	DaemonReportedAt     time.Time `json:"daemon_reported_at"`

	Metrics AgentMetrics `json:"metrics"`
}

// Validate checks the invariants an Agent must satisfy before it is
// accepted by the Store.
func (a *Agent) Validate() error {
	if a.ID == uuid.Nil {
		return fmt.Errorf("id is required")
	}
	if a.DaemonID == uuid.Nil {
		return fmt.Errorf("daemon_id is required")
	}
	if len(a.Command) > 4096 {
		return fmt.Errorf("command must be 4096 characters or less")
	}
	switch a.Status {
	case AgentRunning, AgentIdle, AgentError, AgentStopped:
	default:
		return fmt.Errorf("invalid status %q", a.Status)
	}
	if a.LastHeartbeat.After(time.Now().Add(time.Second)) {
		return fmt.Errorf("last_heartbeat cannot be in the future")
	}
	if (a.Status == AgentStopped) != (a.StoppedAt != nil) {
		return fmt.Errorf("stopped_at must be set iff status is stopped")
	}
	return nil
}

// DaemonStatus is the connectivity status of a daemon's control channel.
type DaemonStatus string

const (
	DaemonConnected    DaemonStatus = "connected"
	DaemonDisconnected DaemonStatus = "disconnected"
	DaemonError        DaemonStatus = "error"
)

// Daemon is a long-running process on a developer machine that supervises
// agents and relays their PTY traffic.
type Daemon struct {
	ID uuid.UUID `json:"id"`

	Hostname      string `json:"hostname"`
	Platform      string `json:"platform"`
	Version       string `json:"version"`
	BindAddress   string `json:"bind_address"`

	Status     DaemonStatus `json:"status"`
	AgentCount int          `json:"agent_count"`

	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
}

// Validate checks the invariants a Daemon must satisfy before it is
// accepted by the Store.
func (d *Daemon) Validate() error {
	if d.ID == uuid.Nil {
		return fmt.Errorf("id is required")
	}
	if d.Hostname == "" {
		return fmt.Errorf("hostname is required")
	}
	switch d.Status {
	case DaemonConnected, DaemonDisconnected, DaemonError:
	default:
		return fmt.Errorf("invalid status %q", d.Status)
	}
	return nil
}

// BindingMode controls whether an operator bound to an agent via a
// messaging bridge can drive it or only observe it.
type BindingMode string

const (
	BindingActive   BindingMode = "active"
	BindingObserver BindingMode = "observer"
)

// TelegramBinding links a (chat id, agent id) pair to an operator.
type TelegramBinding struct {
	ID         uuid.UUID   `json:"id"`
	ChatID     int64       `json:"chat_id"`
	AgentID    uuid.UUID   `json:"agent_id"`
	OperatorID string      `json:"operator_id"`
	Mode       BindingMode `json:"mode"`
	CreatedAt  time.Time   `json:"created_at"`
}

func (b *TelegramBinding) Validate() error {
	if b.AgentID == uuid.Nil {
		return fmt.Errorf("agent_id is required")
	}
	if b.OperatorID == "" {
		return fmt.Errorf("operator_id is required")
	}
	switch b.Mode {
	case BindingActive, BindingObserver:
	default:
		return fmt.Errorf("invalid mode %q", b.Mode)
	}
	return nil
}

// SessionType identifies which surface an operator session was opened from.
type SessionType string

const (
	SessionWeb      SessionType = "web"
	SessionTelegram SessionType = "telegram"
	SessionAPI      SessionType = "api"
)

// Session is an authenticated operator context. Tokens are never returned
// from listing endpoints.
type Session struct {
	ID         uuid.UUID   `json:"id"`
	OperatorID string      `json:"operator_id"`
	Type       SessionType `json:"type"`
	Token      string      `json:"-"`
	ExpiresAt  time.Time   `json:"expires_at"`
	Scopes     []string    `json:"scopes"`
}

func (s *Session) Validate() error {
	if s.OperatorID == "" {
		return fmt.Errorf("operator_id is required")
	}
	switch s.Type {
	case SessionWeb, SessionTelegram, SessionAPI:
	default:
		return fmt.Errorf("invalid session type %q", s.Type)
	}
	if s.Token == "" {
		return fmt.Errorf("token is required")
	}
	return nil
}

// AuditResult is the outcome of an audited operator action.
type AuditResult string

const (
	AuditSuccess AuditResult = "success"
	AuditError   AuditResult = "error"
)

// AuditEvent is an append-only record of an operator action. Never mutated.
type AuditEvent struct {
	ID         uuid.UUID              `json:"id"`
	OperatorID string                 `json:"operator_id"`
	EventType  string                 `json:"event_type"`
	AgentID    *uuid.UUID             `json:"agent_id,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Result     AuditResult            `json:"result"`
	Timestamp  time.Time              `json:"timestamp"`
}

func (e *AuditEvent) Validate() error {
	if e.OperatorID == "" {
		return fmt.Errorf("operator_id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	switch e.Result {
	case AuditSuccess, AuditError:
	default:
		return fmt.Errorf("invalid result %q", e.Result)
	}
	return nil
}

// AgentFilter narrows a ListAgents call.
type AgentFilter struct {
	DaemonID *uuid.UUID
	Status   *AgentStatus
}

// Reconciliation is the three-way split ReconcileDaemonAgents returns:
// agents the daemon just reported that the store didn't know about, agents
// the store had live that the daemon no longer reports (now marked
// stopped as a side effect), and the intersection.
type Reconciliation struct {
	New      []uuid.UUID
	Stopped  []uuid.UUID
	Existing []uuid.UUID
}
