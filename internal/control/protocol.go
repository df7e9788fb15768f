// Package control implements the daemon control channel: message framing,
// the per-connection ControlSession state machine, and the bounded
// outbound intent queue that lets the rest of the cluster reach a live
// daemon without blocking on a slow network peer.
package control

import (
	"encoding/json"
	"time"
)

// MessageType enumerates every inbound and outbound message on the
// control channel. Inbound messages originate from the daemon; outbound
// messages are pushed to it.
type MessageType string

const (
	// Inbound: daemon -> cluster.
	MsgDaemonRegister MessageType = "daemon_register"
	MsgHeartbeat       MessageType = "heartbeat"
	MsgAgentRegister   MessageType = "agent_register"
	MsgAgentStopped    MessageType = "agent_stopped"

	// Outbound: cluster -> daemon.
	MsgRegisterAck      MessageType = "register_ack"
	MsgAgentRegisterAck MessageType = "agent_register_ack"
	MsgAgentStop        MessageType = "agent_stop"
	MsgAgentExec        MessageType = "agent_exec"
	MsgVSCodeLaunch     MessageType = "vscode_launch"
	MsgGetScrollback    MessageType = "get_scrollback"
	MsgTerminalInput    MessageType = "terminal_input"
)

// Envelope is the wire shape every control channel frame uses: a type tag
// plus an opaque payload decoded once the type is known.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// DaemonRegisterPayload is sent once, immediately after the daemon
// connects, while the session is in StateAwaitRegistration. Agents is the
// daemon's authoritative list of what it currently supervises, fed
// straight into ReconcileDaemonAgents.
type DaemonRegisterPayload struct {
	DaemonID  string                 `json:"daemon_id"`
	Hostname  string                 `json:"hostname"`
	Platform  string                 `json:"platform"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Agents    []RegisteredAgentState `json:"agents"`
}

// RegisteredAgentState is one entry in daemon_register.agents[]: the
// daemon's self-reported view of an agent it already owns, used only to
// seed reconciliation (full detail arrives via a subsequent agent_register
// or heartbeat).
type RegisteredAgentState struct {
	ID              string          `json:"id"`
	Status          string          `json:"status"`
	Metrics         json.RawMessage `json:"metrics,omitempty"`
	PTYConnectionID string          `json:"pty_connection_id,omitempty"`
}

// HeartbeatPayload is sent periodically by a live daemon and carries each
// listed agent's self-reported status and metrics. An agent missing from
// a heartbeat is not marked stopped; that happens only through
// daemon_register reconciliation or agent_stopped.
type HeartbeatPayload struct {
	Agents []AgentHeartbeat `json:"agents"`
}

// AgentHeartbeat is one agent's self-reported state within a heartbeat.
type AgentHeartbeat struct {
	AgentID string          `json:"agent_id"`
	Status  string          `json:"status"`
	Metrics json.RawMessage `json:"metrics,omitempty"`
}

// AgentRegisterPayload announces a newly spawned agent process.
// PTYConnectionID names the pool this agent's PTY traffic will arrive on.
// It is required and echoed back in agent_register_ack's pty_ws_url, but
// AgentToPool binds the agent to the registering daemon's id, not to it.
type AgentRegisterPayload struct {
	AgentID         string            `json:"agent_id"`
	DaemonID        string            `json:"daemon_id"`
	Cwd             string            `json:"cwd"`
	Command         string            `json:"command"`
	PID             int               `json:"pid"`
	Env             map[string]string `json:"env,omitempty"`
	Capabilities    []string          `json:"capabilities,omitempty"`
	PTYConnectionID string            `json:"pty_connection_id"`
	Timestamp       time.Time         `json:"timestamp"`
}

// AgentStoppedPayload announces that an agent process has exited.
type AgentStoppedPayload struct {
	AgentID    string    `json:"agent_id"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Signal     string    `json:"signal,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	LastOutput []string  `json:"last_output,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// RegisterAckPayload is the reply to daemon_register: a real session
// token from the injected TokenIssuer, never a hardcoded stub, plus the
// reconciliation the registration just performed.
type RegisterAckPayload struct {
	DaemonID                  string             `json:"daemon_id"`
	SessionToken              string             `json:"session_token"`
	HeartbeatInterval         int64              `json:"heartbeat_interval_ms"`
	MaxAgentsPerPTYConnection int                `json:"max_agents_per_pty_connection"`
	Reconciliation            ReconciliationWire `json:"reconciliation"`
}

// ReconciliationWire is the wire shape of a Reconciliation: ids
// stringified, matching spec.md §6.1's register_ack.reconciliation.
type ReconciliationWire struct {
	NewAgents      []string `json:"new_agents"`
	StoppedAgents  []string `json:"stopped_agents"`
	ExistingAgents []string `json:"existing_agents"`
}

// AgentRegisterAckPayload is the reply to agent_register. PTYWebSocketURL
// is always built from the cluster's configured external base URL and the
// registering daemon's id, with the pool id the daemon named carried as
// the pty_connection_id query parameter; never a hardcoded host.
type AgentRegisterAckPayload struct {
	AgentID         string `json:"agent_id"`
	PTYWebSocketURL string `json:"pty_ws_url"`
}

// AgentStopPayload asks the daemon to terminate an agent process. Force
// selects SIGKILL over a graceful SIGTERM-then-wait; TimeoutSeconds bounds
// how long the daemon waits for a graceful exit before escalating.
type AgentStopPayload struct {
	AgentID        string `json:"agent_id"`
	Force          bool   `json:"force"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// AgentExecPayload asks the daemon to run a command inside an agent's
// working directory (e.g. an operator-issued shell command).
type AgentExecPayload struct {
	AgentID        string            `json:"agent_id"`
	Command        string            `json:"command"`
	Cwd            string            `json:"cwd,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds"`
}

// VSCodeLaunchPayload asks the daemon to open an agent's working
// directory in a local VS Code window, pointed at a debug/attach port and
// an auth token the daemon uses to authorize the launch.
type VSCodeLaunchPayload struct {
	AgentID   string `json:"agent_id"`
	Port      int    `json:"port"`
	AuthToken string `json:"auth_token"`
}

// GetScrollbackPayload requests replay of an agent's recent terminal
// output; the daemon answers over the PTY pool channel, not this one.
type GetScrollbackPayload struct {
	AgentID string `json:"agent_id"`
	Lines   int    `json:"lines,omitempty"`
}

// TerminalInputPayload carries hex-encoded browser keystrokes destined
// for one agent's PTY. Browser input always reaches the daemon wrapped as
// this control-channel intent.
type TerminalInputPayload struct {
	AgentID string `json:"agent_id"`
	DataHex string `json:"data"`
}

// Encode wraps a typed payload into an Envelope ready for marshaling.
func Encode(t MessageType, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, Payload: data}, nil
}
