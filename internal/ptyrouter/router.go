// Package ptyrouter demultiplexes a daemon's single PTY pool connection
// into per-agent terminal streams, and multiplexes browser keystrokes
// back onto the control channel as terminal_input intents. The framing
// is a fixed 16-byte big-endian UUID header identifying the agent,
// followed by the raw PTY payload; a frame shorter than the header is
// dropped rather than causing a parse panic.
package ptyrouter

import (
	"encoding/hex"
	"log"

	"github.com/google/uuid"

	"github.com/clud-dev/cluster/internal/clustererr"
	"github.com/clud-dev/cluster/internal/control"
	"github.com/clud-dev/cluster/internal/registry"
)

// HeaderSize is the fixed length of the agent id prefix on every PTY
// pool frame.
const HeaderSize = 16

// ParseFrame splits a pool connection frame into its agent id and
// payload. It returns a ProtocolViolation error if data is shorter than
// HeaderSize.
func ParseFrame(data []byte) (uuid.UUID, []byte, error) {
	if len(data) < HeaderSize {
		return uuid.Nil, nil, clustererr.ProtocolViolationf("pty frame shorter than header: %d bytes", len(data))
	}
	agentID, err := uuid.FromBytes(data[:HeaderSize])
	if err != nil {
		return uuid.Nil, nil, clustererr.ProtocolViolationf("invalid agent id in pty frame: %v", err)
	}
	return agentID, data[HeaderSize:], nil
}

// EncodeFrame prefixes payload with agentID's 16 raw bytes.
func EncodeFrame(agentID uuid.UUID, payload []byte) []byte {
	frame := make([]byte, HeaderSize+len(payload))
	idBytes, _ := agentID.MarshalBinary()
	copy(frame, idBytes)
	copy(frame[HeaderSize:], payload)
	return frame
}

// FrameSource reads successive raw frames off a connection. A gorilla
// websocket connection's ReadMessage (dropping the message-type int)
// satisfies this directly.
type FrameSource interface {
	ReadFrame() ([]byte, error)
}

// PoolRouter demultiplexes one daemon's PTY pool connection to the
// per-agent terminal channels registered in Registry. A frame for an
// agent with no registered terminal (no browser currently attached) is
// silently dropped, matching the PTY-is-not-persisted non-goal: there is
// nothing to replay it from later.
type PoolRouter struct {
	registry *registry.Registry
	logger   *log.Logger
}

// NewPoolRouter returns a PoolRouter backed by reg. logger defaults to
// log.Default() if nil.
func NewPoolRouter(reg *registry.Registry, logger *log.Logger) *PoolRouter {
	if logger == nil {
		logger = log.Default()
	}
	return &PoolRouter{registry: reg, logger: logger}
}

// Pump reads frames from src until it errors (typically connection
// close) and demultiplexes each to its agent's terminal channel.
func (p *PoolRouter) Pump(daemonID uuid.UUID, src FrameSource) error {
	for {
		data, err := src.ReadFrame()
		if err != nil {
			return err
		}

		agentID, payload, err := ParseFrame(data)
		if err != nil {
			p.logger.Printf("ptyrouter: daemon %s: %v", daemonID, err)
			continue
		}

		ch, ok := p.registry.LookupTerminal(agentID)
		if !ok {
			continue
		}

		select {
		case ch <- payload:
		default:
			p.logger.Printf("ptyrouter: dropping frame for agent %s: terminal channel full", agentID)
		}
	}
}

// BrowserRouter turns raw keystrokes from a browser terminal connection
// into terminal_input intents dispatched onto the owning daemon's
// control channel.
type BrowserRouter struct {
	registry *registry.Registry
}

// NewBrowserRouter returns a BrowserRouter backed by reg.
func NewBrowserRouter(reg *registry.Registry) *BrowserRouter {
	return &BrowserRouter{registry: reg}
}

// Dispatch hex-encodes data and enqueues it as a terminal_input intent on
// agentID's owning daemon's control channel. It returns NotFound if the
// agent has no pool binding (it was never registered on a control session,
// or it has since stopped), DaemonUnavailable if the bound daemon has no
// live control channel, and BackpressureDrop if that daemon's outbound
// queue is full.
func (r *BrowserRouter) Dispatch(agentID uuid.UUID, data []byte) error {
	daemonID, err := r.registry.PoolForAgent(agentID)
	if err != nil {
		return err
	}

	ch, ok := r.registry.LookupDaemonControl(daemonID)
	if !ok {
		return clustererr.DaemonUnavailablef("daemon %s has no live control channel", daemonID)
	}

	intent := registry.Intent{
		Type: string(control.MsgTerminalInput),
		Payload: control.TerminalInputPayload{
			AgentID: agentID.String(),
			DataHex: hex.EncodeToString(data),
		},
	}

	select {
	case ch <- intent:
		return nil
	default:
		return clustererr.BackpressureDropf("control queue full for daemon %s", daemonID)
	}
}
