package types

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentValidation(t *testing.T) {
	now := time.Now()
	stopped := now

	tests := []struct {
		name    string
		agent   Agent
		wantErr string
	}{
		{
			name: "valid running agent",
			agent: Agent{
				ID:            uuid.New(),
				DaemonID:      uuid.New(),
				Status:        AgentRunning,
				LastHeartbeat: now,
			},
		},
		{
			name:    "missing id",
			agent:   Agent{DaemonID: uuid.New(), Status: AgentRunning},
			wantErr: "id is required",
		},
		{
			name:    "missing daemon id",
			agent:   Agent{ID: uuid.New(), Status: AgentRunning},
			wantErr: "daemon_id is required",
		},
		{
			name:    "invalid status",
			agent:   Agent{ID: uuid.New(), DaemonID: uuid.New(), Status: AgentStatus("bogus")},
			wantErr: "invalid status",
		},
		{
			name: "stopped without stopped_at",
			agent: Agent{
				ID: uuid.New(), DaemonID: uuid.New(), Status: AgentStopped,
			},
			wantErr: "stopped_at must be set",
		},
		{
			name: "stopped_at without stopped status",
			agent: Agent{
				ID: uuid.New(), DaemonID: uuid.New(), Status: AgentRunning, StoppedAt: &stopped,
			},
			wantErr: "stopped_at must be set",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.agent.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestClassifyStaleness(t *testing.T) {
	tests := []struct {
		age  time.Duration
		want Staleness
	}{
		{0, StaleFresh},
		{14 * time.Second, StaleFresh},
		{15 * time.Second, StaleStale},
		{89 * time.Second, StaleStale},
		{90 * time.Second, StaleDisconnected},
		{10 * time.Minute, StaleDisconnected},
	}

	for _, tt := range tests {
		got := Classify(tt.age, DefaultFreshWindow, DefaultStaleWindow)
		assert.Equalf(t, tt.want, got, "age=%s", tt.age)
	}
}

func TestAgentMetricsValidate(t *testing.T) {
	require.NoError(t, AgentMetrics{}.Validate())
	require.Error(t, AgentMetrics{CPUPercent: -1}.Validate())
	require.Error(t, AgentMetrics{MemoryMB: -1}.Validate())
	require.Error(t, AgentMetrics{UptimeSeconds: -1}.Validate())
	require.Error(t, AgentMetrics{PTYBytesSent: -1}.Validate())
}

func TestTelegramBindingValidation(t *testing.T) {
	valid := TelegramBinding{AgentID: uuid.New(), OperatorID: "op1", Mode: BindingActive}
	require.NoError(t, valid.Validate())

	missingOperator := TelegramBinding{AgentID: uuid.New(), Mode: BindingActive}
	require.Error(t, missingOperator.Validate())

	badMode := TelegramBinding{AgentID: uuid.New(), OperatorID: "op1", Mode: "bogus"}
	require.Error(t, badMode.Validate())
}

func TestSessionValidation(t *testing.T) {
	valid := Session{OperatorID: "op1", Type: SessionWeb, Token: "tok"}
	require.NoError(t, valid.Validate())

	missingToken := Session{OperatorID: "op1", Type: SessionWeb}
	require.Error(t, missingToken.Validate())
}

func TestAuditEventValidation(t *testing.T) {
	valid := AuditEvent{OperatorID: "op1", EventType: "agent_stop", Result: AuditSuccess}
	require.NoError(t, valid.Validate())

	badResult := AuditEvent{OperatorID: "op1", EventType: "agent_stop", Result: "bogus"}
	require.Error(t, badResult.Validate())
}
