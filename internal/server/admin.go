package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clud-dev/cluster/internal/clustererr"
	"github.com/clud-dev/cluster/internal/control"
	"github.com/clud-dev/cluster/internal/types"
)

// withAudit wraps an admin handler so every call through it appends an
// append-only AuditEvent, applied here to operator-facing reads rather
// than writes. A Store failure while appending the audit record is
// logged, not surfaced: the listing itself must not fail because
// auditing did.
func (s *Server) withAudit(eventType string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		next(w, r)

		event := &types.AuditEvent{
			ID:         uuid.New(),
			OperatorID: s.operatorFromRequest(r),
			EventType:  eventType,
			Result:     types.AuditSuccess,
			Timestamp:  time.Now().UTC(),
		}
		if err := s.store.AppendAuditEvent(r.Context(), event); err != nil {
			s.logger.Printf("server: audit append failed for %s: %v", eventType, err)
		}
	}
}

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header, or "" if the header is absent or doesn't use the bearer scheme.
func bearerToken(r *http.Request) string {
	v := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(v, prefix) {
		return ""
	}
	return strings.TrimSpace(v[len(prefix):])
}

// resolveSession validates token against the session cache, falling
// through to Store.GetSessionByToken on a cache miss and populating the
// cache on the way back out — the cache-in-front-of-Store pattern
// SPEC_FULL.md Part C wires rediscache for. An expired session, wherever
// found, is treated the same as no session at all.
func (s *Server) resolveSession(ctx context.Context, token string) (*types.Session, bool) {
	if token == "" {
		return nil, false
	}

	if s.sessionCache != nil {
		if sess, ok := s.sessionCache.Get(ctx, token); ok {
			if sess.ExpiresAt.Before(time.Now().UTC()) {
				return nil, false
			}
			return sess, true
		}
	}

	sess, err := s.store.GetSessionByToken(ctx, token)
	if err != nil {
		return nil, false
	}
	if sess.ExpiresAt.Before(time.Now().UTC()) {
		return nil, false
	}

	if s.sessionCache != nil {
		if err := s.sessionCache.Put(ctx, sess); err != nil {
			s.logger.Printf("server: session cache put failed during resolve: %v", err)
		}
	}
	return sess, true
}

// operatorFromRequest extracts the caller identity for the audit trail.
// A valid bearer token resolves to the session's own OperatorID; absent
// that, the caller falls back to the X-Operator-Id header, then
// "anonymous" for callers with no identity at all.
func (s *Server) operatorFromRequest(r *http.Request) string {
	if sess, ok := s.resolveSession(r.Context(), bearerToken(r)); ok {
		return sess.OperatorID
	}
	if v := r.Header.Get("X-Operator-Id"); v != "" {
		return v
	}
	return "anonymous"
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	var filter types.AgentFilter
	if v := r.URL.Query().Get("daemon_id"); v != "" {
		if id, err := uuid.Parse(v); err == nil {
			filter.DaemonID = &id
		}
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := types.AgentStatus(v)
		filter.Status = &status
	}

	agents, err := s.store.ListAgents(r.Context(), filter)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, agents)
}

func (s *Server) handleListDaemons(w http.ResponseWriter, r *http.Request) {
	daemons, err := s.store.ListDaemons(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, daemons)
}

// handleListSessions has no ListSessions Store method (sessions are
// looked up by id or token, never enumerated server-wide, to avoid
// building an endpoint that would have to redact every Token field by
// hand for a listing nobody asked for). It returns a fixed detail
// message and reports neither the sessions nor a session count; the call
// is still audited as "list_sessions".
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"detail": "session listing is not available; sessions are looked up by id or token"})
}

func (s *Server) handleListBindings(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query().Get("agent_id")
	if v == "" {
		http.Error(w, "agent_id query parameter is required", http.StatusBadRequest)
		return
	}
	agentID, err := uuid.Parse(v)
	if err != nil {
		http.Error(w, "invalid agent_id", http.StatusBadRequest)
		return
	}

	bindings, err := s.store.ListBindings(r.Context(), agentID)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, bindings)
}

// auditIntent appends one AuditEvent per DispatchIntent call, per
// SPEC_FULL.md Part D supplemented feature #4. The audit append itself is
// best-effort: a Store failure here is logged, never surfaced on top of
// whatever the intent dispatch already returned.
func (s *Server) auditIntent(r *http.Request, eventType string, agentID uuid.UUID, payload map[string]interface{}, dispatchErr error) {
	result := types.AuditSuccess
	if dispatchErr != nil {
		result = types.AuditError
		if payload == nil {
			payload = map[string]interface{}{}
		}
		payload["error"] = dispatchErr.Error()
	}
	event := &types.AuditEvent{
		ID:         uuid.New(),
		OperatorID: s.operatorFromRequest(r),
		EventType:  eventType,
		AgentID:    &agentID,
		Payload:    payload,
		Result:     result,
		Timestamp:  time.Now().UTC(),
	}
	if err := s.store.AppendAuditEvent(r.Context(), event); err != nil {
		s.logger.Printf("server: audit append failed for %s: %v", eventType, err)
	}
}

type agentStopRequest struct {
	AgentID        uuid.UUID `json:"agent_id"`
	Force          bool      `json:"force"`
	TimeoutSeconds int       `json:"timeout_seconds"`
}

// handleAgentStop dispatches an agent_stop intent to agentID's owning
// daemon. Per spec.md §4.4/§7: an agent with no live owning control
// channel returns DaemonUnavailable and never closes any channel or
// mutates Store (spec.md §8 Scenario E).
func (s *Server) handleAgentStop(w http.ResponseWriter, r *http.Request) {
	var req agentStopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	err := control.StopAgent(r.Context(), s.store, s.registry, req.AgentID, req.Force, req.TimeoutSeconds)
	s.auditIntent(r, "agent_stop", req.AgentID, map[string]interface{}{"force": req.Force}, err)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "dispatched"})
}

type agentExecRequest struct {
	AgentID        uuid.UUID         `json:"agent_id"`
	Command        string            `json:"command"`
	Cwd            string            `json:"cwd"`
	Env            map[string]string `json:"env"`
	TimeoutSeconds int               `json:"timeout_seconds"`
}

func (s *Server) handleAgentExec(w http.ResponseWriter, r *http.Request) {
	var req agentExecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	err := control.ExecInAgent(r.Context(), s.store, s.registry, req.AgentID, req.Command, req.Cwd, req.Env, req.TimeoutSeconds)
	s.auditIntent(r, "agent_exec", req.AgentID, map[string]interface{}{"command": req.Command}, err)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "dispatched"})
}

type vscodeLaunchRequest struct {
	AgentID   uuid.UUID `json:"agent_id"`
	Port      int       `json:"port"`
	AuthToken string    `json:"auth_token"`
}

func (s *Server) handleVSCodeLaunch(w http.ResponseWriter, r *http.Request) {
	var req vscodeLaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	err := control.LaunchVSCode(r.Context(), s.store, s.registry, req.AgentID, req.Port, req.AuthToken)
	s.auditIntent(r, "vscode_launch", req.AgentID, map[string]interface{}{"port": req.Port}, err)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "dispatched"})
}

type getScrollbackRequest struct {
	AgentID uuid.UUID `json:"agent_id"`
	Lines   int       `json:"lines"`
}

func (s *Server) handleGetScrollback(w http.ResponseWriter, r *http.Request) {
	var req getScrollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	err := control.GetScrollback(r.Context(), s.store, s.registry, req.AgentID, req.Lines)
	s.auditIntent(r, "get_scrollback", req.AgentID, map[string]interface{}{"lines": req.Lines}, err)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "dispatched"})
}

func httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var cerr *clustererr.Error
	if errors.As(err, &cerr) {
		switch cerr.Kind {
		case clustererr.KindNotFound:
			status = http.StatusNotFound
		case clustererr.KindBackendUnavailable, clustererr.KindDaemonUnavailable:
			status = http.StatusServiceUnavailable
		}
	}
	http.Error(w, err.Error(), status)
}
