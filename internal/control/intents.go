package control

import (
	"context"

	"github.com/google/uuid"

	"github.com/clud-dev/cluster/internal/clustererr"
	"github.com/clud-dev/cluster/internal/registry"
	"github.com/clud-dev/cluster/internal/store"
)

// Dispatch resolves agentID's owning daemon through st and enqueues
// intent on that daemon's live control channel through reg, implementing
// the resolution spec.md §4.4 requires of operator-initiated intents:
// Store.GetAgent yields the owning daemon, Registry.LookupDaemonControl
// yields the channel, and a failure at either step is returned to the
// caller rather than silently dropped or retried. This is the path HTTP
// handlers use; it enqueues directly on the channel a live ControlSession
// registered, the same queue ControlSession.DispatchIntent writes to.
func Dispatch(ctx context.Context, st store.Store, reg *registry.Registry, agentID uuid.UUID, msgType MessageType, payload interface{}) error {
	agent, err := st.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}

	ch, ok := reg.LookupDaemonControl(agent.DaemonID)
	if !ok {
		return clustererr.DaemonUnavailablef("daemon %s for agent %s has no live control channel", agent.DaemonID, agentID)
	}

	intent := registry.Intent{Type: string(msgType), Payload: payload}
	select {
	case ch <- intent:
		return nil
	default:
		return clustererr.BackpressureDropf("outbound queue full for daemon %s", agent.DaemonID)
	}
}

// StopAgent asks agentID's owning daemon to terminate it.
func StopAgent(ctx context.Context, st store.Store, reg *registry.Registry, agentID uuid.UUID, force bool, timeoutSeconds int) error {
	return Dispatch(ctx, st, reg, agentID, MsgAgentStop, AgentStopPayload{
		AgentID:        agentID.String(),
		Force:          force,
		TimeoutSeconds: timeoutSeconds,
	})
}

// ExecInAgent asks agentID's owning daemon to run command in the agent's
// environment.
func ExecInAgent(ctx context.Context, st store.Store, reg *registry.Registry, agentID uuid.UUID, command, cwd string, env map[string]string, timeoutSeconds int) error {
	return Dispatch(ctx, st, reg, agentID, MsgAgentExec, AgentExecPayload{
		AgentID:        agentID.String(),
		Command:        command,
		Cwd:            cwd,
		Env:            env,
		TimeoutSeconds: timeoutSeconds,
	})
}

// LaunchVSCode asks agentID's owning daemon to open a VS Code window
// attached on port, authorized with authToken.
func LaunchVSCode(ctx context.Context, st store.Store, reg *registry.Registry, agentID uuid.UUID, port int, authToken string) error {
	return Dispatch(ctx, st, reg, agentID, MsgVSCodeLaunch, VSCodeLaunchPayload{
		AgentID:   agentID.String(),
		Port:      port,
		AuthToken: authToken,
	})
}

// GetScrollback asks agentID's owning daemon to replay its recent PTY
// output over the PTY pool channel.
func GetScrollback(ctx context.Context, st store.Store, reg *registry.Registry, agentID uuid.UUID, lines int) error {
	return Dispatch(ctx, st, reg, agentID, MsgGetScrollback, GetScrollbackPayload{
		AgentID: agentID.String(),
		Lines:   lines,
	})
}
