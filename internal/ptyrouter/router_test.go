package ptyrouter

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clud-dev/cluster/internal/clustererr"
	"github.com/clud-dev/cluster/internal/control"
	"github.com/clud-dev/cluster/internal/registry"
)

func TestEncodeParseFrameRoundTrip(t *testing.T) {
	agentID := uuid.New()
	frame := EncodeFrame(agentID, []byte("hello"))

	gotID, payload, err := ParseFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, agentID, gotID)
	assert.Equal(t, []byte("hello"), payload)
}

func TestParseFrameRejectsShortFrame(t *testing.T) {
	_, _, err := ParseFrame([]byte{1, 2, 3})
	require.Error(t, err)
	assert.ErrorIs(t, err, clustererr.ProtocolViolation)
}

type fakeFrameSource struct {
	frames [][]byte
	i      int
}

func (f *fakeFrameSource) ReadFrame() ([]byte, error) {
	if f.i >= len(f.frames) {
		return nil, errors.New("eof")
	}
	frame := f.frames[f.i]
	f.i++
	return frame, nil
}

func TestPoolRouterDemuxesToRegisteredTerminal(t *testing.T) {
	reg := registry.New()
	agentID := uuid.New()
	termCh := make(chan []byte, 4)
	reg.RegisterTerminal(agentID, termCh)

	src := &fakeFrameSource{frames: [][]byte{
		EncodeFrame(agentID, []byte("abc")),
		EncodeFrame(uuid.New(), []byte("orphan")),
	}}

	router := NewPoolRouter(reg, nil)
	err := router.Pump(uuid.New(), src)
	require.Error(t, err) // fakeFrameSource exhausts and returns eof

	select {
	case got := <-termCh:
		assert.Equal(t, []byte("abc"), got)
	default:
		t.Fatal("expected demuxed frame on terminal channel")
	}

	assert.Len(t, termCh, 0) // the orphaned agent's frame must not appear anywhere
}

func TestBrowserRouterDispatchesHexEncodedInput(t *testing.T) {
	reg := registry.New()
	agentID, daemonID := uuid.New(), uuid.New()
	reg.BindAgentToPool(agentID, daemonID)
	controlCh := make(chan registry.Intent, 1)
	reg.RegisterDaemonControl(daemonID, controlCh)

	router := NewBrowserRouter(reg)
	require.NoError(t, router.Dispatch(agentID, []byte("ls\n")))

	intent := <-controlCh
	assert.Equal(t, string(control.MsgTerminalInput), intent.Type)

	payload, ok := intent.Payload.(control.TerminalInputPayload)
	require.True(t, ok)
	decoded, err := hex.DecodeString(payload.DataHex)
	require.NoError(t, err)
	assert.Equal(t, "ls\n", string(decoded))
}

func TestBrowserRouterReturnsNotFoundForUnboundAgent(t *testing.T) {
	reg := registry.New()
	router := NewBrowserRouter(reg)

	err := router.Dispatch(uuid.New(), []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, clustererr.NotFound)
}
