// Package registry holds the in-memory channel maps that let the rest of
// the cluster control plane reach a specific daemon's control channel,
// PTY pool channel, or a specific agent's browser terminal channel,
// without the server loops holding references to each other. Every
// lookup is a point-in-time snapshot: if a daemon reconnects and
// supersedes its old handle, the previous handle is closed in place, so
// callers holding it the instant before Lookup observe a closed channel
// rather than writing into a stale connection.
package registry

import (
	"sync"

	"github.com/google/uuid"

	"github.com/clud-dev/cluster/internal/clustererr"
)

// Handle pairs a channel with a Close func. The registry's own maps store
// bare channels and close them directly on supersede or removal; they do
// not use Handle.
type Handle[T any] struct {
	Ch    chan T
	Close func()
}

// chanMap is a generic, mutex-guarded registry of live channel handles
// keyed by uuid.UUID. Registering a new handle under an existing key
// closes and replaces the previous one: the newest connection always
// wins, matching the control channel's last-writer-wins ownership rule.
type chanMap[T any] struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]chan T
}

func newChanMap[T any]() *chanMap[T] {
	return &chanMap[T]{entries: make(map[uuid.UUID]chan T)}
}

// Register installs ch under id, closing and discarding any previous
// channel registered under the same id.
func (m *chanMap[T]) Register(id uuid.UUID, ch chan T) {
	m.mu.Lock()
	old, existed := m.entries[id]
	m.entries[id] = ch
	m.mu.Unlock()

	if existed {
		close(old)
	}
}

// Lookup returns the channel currently registered under id, if any.
func (m *chanMap[T]) Lookup(id uuid.UUID) (chan T, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.entries[id]
	return ch, ok
}

// Remove deregisters id only if ch is still the currently registered
// channel (an already-superseded registration must not remove its
// successor). Returns true if it removed and closed ch.
func (m *chanMap[T]) Remove(id uuid.UUID, ch chan T) bool {
	m.mu.Lock()
	current, ok := m.entries[id]
	if !ok || current != ch {
		m.mu.Unlock()
		return false
	}
	delete(m.entries, id)
	m.mu.Unlock()
	close(ch)
	return true
}

// Len returns the number of live entries.
func (m *chanMap[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Keys returns a snapshot of the currently registered ids.
func (m *chanMap[T]) Keys() []uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	return ids
}

// Intent is an outbound message destined for a daemon's control channel:
// agent_stop, agent_exec, vscode_launch, get_scrollback or terminal_input.
// register_ack and agent_register_ack are written by the session directly
// and do not pass through this queue.
type Intent struct {
	Type    string
	Payload interface{}
}

// PTYFrame is one demultiplexed chunk of PTY traffic: a 16-byte agent id
// header plus its payload, flowing in either direction through the pool
// channel.
type PTYFrame struct {
	AgentID uuid.UUID
	Payload []byte
}

// Registry is the process-wide set of channel maps the server loops
// publish into and the dispatch/router code reads from.
type Registry struct {
	daemonControl *chanMap[Intent]
	poolChannels  *chanMap[PTYFrame]
	terminals     *chanMap[[]byte]

	mu          sync.RWMutex
	agentToPool map[uuid.UUID]uuid.UUID
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		daemonControl: newChanMap[Intent](),
		poolChannels:  newChanMap[PTYFrame](),
		terminals:     newChanMap[[]byte](),
		agentToPool:   make(map[uuid.UUID]uuid.UUID),
	}
}

// RegisterDaemonControl installs the outbound intent queue for a live
// daemon's control channel, superseding any previous registration for
// the same daemon id.
func (r *Registry) RegisterDaemonControl(daemonID uuid.UUID, ch chan Intent) {
	r.daemonControl.Register(daemonID, ch)
}

// LookupDaemonControl returns the outbound intent queue for daemonID.
func (r *Registry) LookupDaemonControl(daemonID uuid.UUID) (chan Intent, bool) {
	return r.daemonControl.Lookup(daemonID)
}

// RemoveDaemonControl deregisters ch for daemonID if it is still current.
func (r *Registry) RemoveDaemonControl(daemonID uuid.UUID, ch chan Intent) bool {
	return r.daemonControl.Remove(daemonID, ch)
}

// RegisterPoolChannel installs the PTY pool demux channel for a daemon.
func (r *Registry) RegisterPoolChannel(daemonID uuid.UUID, ch chan PTYFrame) {
	r.poolChannels.Register(daemonID, ch)
}

// LookupPoolChannel returns the PTY pool channel for daemonID.
func (r *Registry) LookupPoolChannel(daemonID uuid.UUID) (chan PTYFrame, bool) {
	return r.poolChannels.Lookup(daemonID)
}

// RemovePoolChannel deregisters ch for daemonID if it is still current.
func (r *Registry) RemovePoolChannel(daemonID uuid.UUID, ch chan PTYFrame) bool {
	return r.poolChannels.Remove(daemonID, ch)
}

// RegisterTerminal installs a browser terminal channel for agentID.
func (r *Registry) RegisterTerminal(agentID uuid.UUID, ch chan []byte) {
	r.terminals.Register(agentID, ch)
}

// LookupTerminal returns the browser terminal channel for agentID.
func (r *Registry) LookupTerminal(agentID uuid.UUID) (chan []byte, bool) {
	return r.terminals.Lookup(agentID)
}

// RemoveTerminal deregisters ch for agentID if it is still current.
func (r *Registry) RemoveTerminal(agentID uuid.UUID, ch chan []byte) bool {
	return r.terminals.Remove(agentID, ch)
}

// BindAgentToPool records which daemon's pool channel carries agentID's
// PTY traffic. Called once an agent_register arrives on a control
// channel with a known daemon id.
func (r *Registry) BindAgentToPool(agentID, daemonID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agentToPool[agentID] = daemonID
}

// UnbindAgent removes the agent-to-daemon binding, e.g. on agent_stopped.
func (r *Registry) UnbindAgent(agentID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agentToPool, agentID)
}

// PoolForAgent resolves which daemon's pool channel owns agentID's PTY
// traffic, returning clustererr.NotFound if the agent is unbound.
func (r *Registry) PoolForAgent(agentID uuid.UUID) (uuid.UUID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	daemonID, ok := r.agentToPool[agentID]
	if !ok {
		return uuid.Nil, clustererr.NotFoundf("no pool binding for agent %s", agentID)
	}
	return daemonID, nil
}

// LiveDaemonIDs returns a snapshot of daemon ids with a registered
// control channel, used by the heartbeat watchdog to enumerate live
// sessions without coupling it to ControlSession internals.
func (r *Registry) LiveDaemonIDs() []uuid.UUID {
	return r.daemonControl.Keys()
}
