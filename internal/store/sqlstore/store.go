// Package sqlstore implements store.Store against a running Dolt
// sql-server, connected over the MySQL wire protocol. This is the
// durable backend: internal/store's in-memory implementation is for
// tests and single-process development, sqlstore is what a multi-node
// control plane points at in production.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/clud-dev/cluster/internal/clustererr"
	"github.com/clud-dev/cluster/internal/obs"
	"github.com/clud-dev/cluster/internal/store"
	"github.com/clud-dev/cluster/internal/types"
)

// Config describes how to reach and select a Dolt sql-server database.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	TLS      bool

	// DialTimeout bounds the fail-fast TCP probe New performs before
	// attempting a MySQL handshake. Defaults to 500ms.
	DialTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 3307
	}
	if c.User == "" {
		c.User = "root"
	}
	if c.Database == "" {
		c.Database = "cluster"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 500 * time.Millisecond
	}
}

// Store is a store.Store backed by a Dolt sql-server.
type Store struct {
	db      *sql.DB
	windows store.Windows
	now     func() time.Time
}

var _ store.Store = (*Store)(nil)

// New dials host:port, fail-fast probes reachability before attempting a
// MySQL handshake, creates the database if missing, and ensures schema.
func New(ctx context.Context, cfg Config, windows store.Windows) (*Store, error) {
	cfg.applyDefaults()

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	conn, err := net.DialTimeout("tcp", addr, cfg.DialTimeout)
	if err != nil {
		return nil, clustererr.BackendUnavailablef("dolt sql-server unreachable at %s: %v", addr, err)
	}
	_ = conn.Close()

	if err := validateIdentifier(cfg.Database); err != nil {
		return nil, fmt.Errorf("sqlstore: invalid database name %q: %w", cfg.Database, err)
	}

	initDB, err := sql.Open("mysql", dsn(cfg, ""))
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open init connection: %w", err)
	}
	defer initDB.Close()

	createDB := func() error {
		_, err := initDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", cfg.Database))
		return err
	}
	if err := backoff.Retry(createDB, retryPolicy()); err != nil {
		return nil, fmt.Errorf("sqlstore: create database: %w", err)
	}

	db, err := sql.Open("mysql", dsn(cfg, cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, clustererr.BackendUnavailablef("ping dolt sql-server: %v", err)
	}
	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, windows: windows, now: time.Now}, nil
}

func retryPolicy() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	return bo
}

func dsn(cfg Config, database string) string {
	var userPart string
	if cfg.Password != "" {
		userPart = fmt.Sprintf("%s:%s", cfg.User, cfg.Password)
	} else {
		userPart = cfg.User
	}
	params := "parseTime=true"
	if cfg.TLS {
		params += "&tls=true"
	}
	return fmt.Sprintf("%s@tcp(%s:%d)/%s?%s", userPart, cfg.Host, cfg.Port, database, params)
}

// validateIdentifier rejects anything but a conservative identifier charset,
// since the database name is interpolated directly into DDL that the sql
// driver cannot parameterize.
func validateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("empty identifier")
	}
	for _, r := range name {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return fmt.Errorf("disallowed character %q", r)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) UpsertDaemon(ctx context.Context, d *types.Daemon) (err error) {
	defer func() { obs.RecordStoreOp(ctx, "UpsertDaemon", err) }()
	if err = d.Validate(); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO daemons (id, hostname, platform, version, bind_address, status, agent_count, created_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			hostname = VALUES(hostname), platform = VALUES(platform), version = VALUES(version),
			bind_address = VALUES(bind_address), status = VALUES(status),
			agent_count = VALUES(agent_count), last_seen = VALUES(last_seen)
	`, d.ID.String(), d.Hostname, d.Platform, d.Version, d.BindAddress, string(d.Status), d.AgentCount, d.CreatedAt, d.LastSeen)
	return err
}

func (s *Store) GetDaemon(ctx context.Context, id uuid.UUID) (d *types.Daemon, err error) {
	defer func() { obs.RecordStoreOp(ctx, "GetDaemon", err) }()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, hostname, platform, version, bind_address, status, agent_count, created_at, last_seen
		FROM daemons WHERE id = ?`, id.String())
	d, err = scanDaemon(row)
	return d, err
}

func (s *Store) ListDaemons(ctx context.Context) (out []*types.Daemon, err error) {
	defer func() { obs.RecordStoreOp(ctx, "ListDaemons", err) }()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hostname, platform, version, bind_address, status, agent_count, created_at, last_seen
		FROM daemons`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		d, err := scanDaemonRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanDaemon(row scannable) (*types.Daemon, error) {
	var d types.Daemon
	var id, status string
	if err := row.Scan(&id, &d.Hostname, &d.Platform, &d.Version, &d.BindAddress, &status, &d.AgentCount, &d.CreatedAt, &d.LastSeen); err != nil {
		if err == sql.ErrNoRows {
			return nil, clustererr.NotFoundf("daemon %s", id)
		}
		return nil, err
	}
	d.ID = uuid.MustParse(id)
	d.Status = types.DaemonStatus(status)
	return &d, nil
}

func scanDaemonRows(rows *sql.Rows) (*types.Daemon, error) {
	return scanDaemon(rows)
}

func (s *Store) UpsertAgent(ctx context.Context, a *types.Agent) (err error) {
	defer func() { obs.RecordStoreOp(ctx, "UpsertAgent", err) }()
	if err = a.Validate(); err != nil {
		return err
	}
	var existingDaemonID string
	row := s.db.QueryRowContext(ctx, `SELECT daemon_id FROM agents WHERE id = ?`, a.ID.String())
	switch err = row.Scan(&existingDaemonID); err {
	case nil:
		if existingDaemonID != a.DaemonID.String() {
			err = clustererr.OwnershipConflictf("agent %s is owned by daemon %s, not %s", a.ID, existingDaemonID, a.DaemonID)
			return err
		}
	case sql.ErrNoRows:
		err = nil
	default:
		return err
	}
	caps := strings.Join(a.Capabilities, ",")
	metricsJSON, err := json.Marshal(a.Metrics)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal metrics: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, daemon_id, hostname, pid, cwd, command, status, capabilities,
			created_at, updated_at, last_heartbeat, stopped_at, daemon_reported_status, daemon_reported_at, metrics_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			hostname = VALUES(hostname), pid = VALUES(pid), cwd = VALUES(cwd), command = VALUES(command),
			status = VALUES(status), capabilities = VALUES(capabilities), updated_at = VALUES(updated_at),
			last_heartbeat = VALUES(last_heartbeat), stopped_at = VALUES(stopped_at),
			daemon_reported_status = VALUES(daemon_reported_status), daemon_reported_at = VALUES(daemon_reported_at),
			metrics_json = VALUES(metrics_json)
	`, a.ID.String(), a.DaemonID.String(), a.Hostname, a.PID, a.Cwd, a.Command, string(a.Status), caps,
		a.CreatedAt, a.UpdatedAt, a.LastHeartbeat, a.StoppedAt, a.DaemonReportedStatus, nullableTime(a.DaemonReportedAt), string(metricsJSON))
	return err
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func (s *Store) GetAgent(ctx context.Context, id uuid.UUID) (agent *types.Agent, err error) {
	defer func() { obs.RecordStoreOp(ctx, "GetAgent", err) }()
	row := s.db.QueryRowContext(ctx, agentSelectSQL+" WHERE id = ?", id.String())
	a, err := scanAgent(row)
	if err != nil {
		return nil, err
	}
	a.Staleness = s.windows.Classify(a.LastHeartbeat, s.now())
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context, filter types.AgentFilter) (out []*types.Agent, err error) {
	defer func() { obs.RecordStoreOp(ctx, "ListAgents", err) }()

	query := agentSelectSQL
	var args []interface{}
	var where []string
	if filter.DaemonID != nil {
		where = append(where, "daemon_id = ?")
		args = append(args, filter.DaemonID.String())
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := s.now()
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		a.Staleness = s.windows.Classify(a.LastHeartbeat, now)
		out = append(out, a)
	}
	return out, rows.Err()
}

const agentSelectSQL = `
	SELECT id, daemon_id, hostname, pid, cwd, command, status, capabilities,
		created_at, updated_at, last_heartbeat, stopped_at, daemon_reported_status, daemon_reported_at, metrics_json
	FROM agents`

func scanAgent(row scannable) (*types.Agent, error) {
	var a types.Agent
	var id, daemonID, status, caps, metricsJSON string
	var stoppedAt sql.NullTime
	var reportedAt sql.NullTime
	if err := row.Scan(&id, &daemonID, &a.Hostname, &a.PID, &a.Cwd, &a.Command, &status, &caps,
		&a.CreatedAt, &a.UpdatedAt, &a.LastHeartbeat, &stoppedAt, &a.DaemonReportedStatus, &reportedAt, &metricsJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, clustererr.NotFoundf("agent %s", id)
		}
		return nil, err
	}
	a.ID = uuid.MustParse(id)
	a.DaemonID = uuid.MustParse(daemonID)
	a.Status = types.AgentStatus(status)
	if caps != "" {
		a.Capabilities = strings.Split(caps, ",")
	}
	if stoppedAt.Valid {
		t := stoppedAt.Time
		a.StoppedAt = &t
	}
	if reportedAt.Valid {
		a.DaemonReportedAt = reportedAt.Time
	}
	if metricsJSON != "" {
		if err := json.Unmarshal([]byte(metricsJSON), &a.Metrics); err != nil {
			return nil, fmt.Errorf("sqlstore: unmarshal metrics: %w", err)
		}
	}
	return &a, nil
}

func (s *Store) MarkAgentStopped(ctx context.Context, id uuid.UUID, at time.Time) (err error) {
	defer func() { obs.RecordStoreOp(ctx, "MarkAgentStopped", err) }()
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = ?, stopped_at = ?, updated_at = ? WHERE id = ?
	`, string(types.AgentStopped), at, at, id.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return clustererr.NotFoundf("agent %s", id)
	}
	return nil
}

func (s *Store) ReconcileDaemonAgents(ctx context.Context, daemonID uuid.UUID, liveAgentIDs []uuid.UUID) (result types.Reconciliation, err error) {
	defer func() { obs.RecordStoreOp(ctx, "ReconcileDaemonAgents", err) }()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status FROM agents WHERE daemon_id = ?`, daemonID.String())
	if err != nil {
		return types.Reconciliation{}, err
	}
	live := make(map[string]struct{}, len(liveAgentIDs))
	for _, id := range liveAgentIDs {
		live[id.String()] = struct{}{}
	}
	known := make(map[string]struct{})
	var toStop []string
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			rows.Close()
			return types.Reconciliation{}, err
		}
		known[id] = struct{}{}
		if status == string(types.AgentStopped) {
			continue
		}
		if _, ok := live[id]; ok {
			result.Existing = append(result.Existing, uuid.MustParse(id))
			continue
		}
		toStop = append(toStop, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return types.Reconciliation{}, err
	}

	now := s.now()
	for _, id := range toStop {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE agents SET status = ?, stopped_at = ?, updated_at = ? WHERE id = ?
		`, string(types.AgentStopped), now, now, id); err != nil {
			return types.Reconciliation{}, err
		}
		result.Stopped = append(result.Stopped, uuid.MustParse(id))
	}
	for id := range live {
		if _, ok := known[id]; !ok {
			result.New = append(result.New, uuid.MustParse(id))
		}
	}
	return result, nil
}

func (s *Store) UpdateHeartbeat(ctx context.Context, agentID uuid.UUID, reportedStatus string, metrics types.AgentMetrics) (err error) {
	defer func() { obs.RecordStoreOp(ctx, "UpdateHeartbeat", err) }()

	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal metrics: %w", err)
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET daemon_reported_status = ?, daemon_reported_at = ?,
			last_heartbeat = ?, updated_at = ?, metrics_json = ?
		WHERE id = ?
	`, reportedStatus, now, now, now, string(metricsJSON), agentID.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return clustererr.NotFoundf("agent %s", agentID)
	}
	return nil
}

func (s *Store) CreateBinding(ctx context.Context, b *types.TelegramBinding) (err error) {
	defer func() { obs.RecordStoreOp(ctx, "CreateBinding", err) }()
	if err = b.Validate(); err != nil {
		return err
	}
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO telegram_bindings (id, chat_id, agent_id, operator_id, mode, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, b.ID.String(), b.ChatID, b.AgentID.String(), b.OperatorID, string(b.Mode), b.CreatedAt)
	if isDuplicateKeyErr(err) {
		return clustererr.OwnershipConflictf("binding %s already exists", b.ID)
	}
	return err
}

func (s *Store) GetBinding(ctx context.Context, id uuid.UUID) (b *types.TelegramBinding, err error) {
	defer func() { obs.RecordStoreOp(ctx, "GetBinding", err) }()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, chat_id, agent_id, operator_id, mode, created_at FROM telegram_bindings WHERE id = ?`, id.String())
	return scanBinding(row)
}

func (s *Store) ListBindings(ctx context.Context, agentID uuid.UUID) (out []*types.TelegramBinding, err error) {
	defer func() { obs.RecordStoreOp(ctx, "ListBindings", err) }()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, agent_id, operator_id, mode, created_at FROM telegram_bindings WHERE agent_id = ?`, agentID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBinding(row scannable) (*types.TelegramBinding, error) {
	var b types.TelegramBinding
	var id, agentID, mode string
	if err := row.Scan(&id, &b.ChatID, &agentID, &b.OperatorID, &mode, &b.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, clustererr.NotFoundf("binding %s", id)
		}
		return nil, err
	}
	b.ID = uuid.MustParse(id)
	b.AgentID = uuid.MustParse(agentID)
	b.Mode = types.BindingMode(mode)
	return &b, nil
}

func (s *Store) DeleteBinding(ctx context.Context, id uuid.UUID) (err error) {
	defer func() { obs.RecordStoreOp(ctx, "DeleteBinding", err) }()
	res, err := s.db.ExecContext(ctx, `DELETE FROM telegram_bindings WHERE id = ?`, id.String())
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return clustererr.NotFoundf("binding %s", id)
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, sess *types.Session) (err error) {
	defer func() { obs.RecordStoreOp(ctx, "CreateSession", err) }()
	if err = sess.Validate(); err != nil {
		return err
	}
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	scopes := strings.Join(sess.Scopes, ",")
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, operator_id, type, token, expires_at, scopes)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sess.ID.String(), sess.OperatorID, string(sess.Type), sess.Token, sess.ExpiresAt, scopes)
	return err
}

func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (sess *types.Session, err error) {
	defer func() { obs.RecordStoreOp(ctx, "GetSession", err) }()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, operator_id, type, token, expires_at, scopes FROM sessions WHERE id = ?`, id.String())
	return scanSession(row)
}

func (s *Store) GetSessionByToken(ctx context.Context, token string) (sess *types.Session, err error) {
	defer func() { obs.RecordStoreOp(ctx, "GetSessionByToken", err) }()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, operator_id, type, token, expires_at, scopes FROM sessions WHERE token = ?`, token)
	return scanSession(row)
}

func scanSession(row scannable) (*types.Session, error) {
	var sess types.Session
	var id, sessType, scopes string
	if err := row.Scan(&id, &sess.OperatorID, &sessType, &sess.Token, &sess.ExpiresAt, &scopes); err != nil {
		if err == sql.ErrNoRows {
			return nil, clustererr.NotFoundf("session %s", id)
		}
		return nil, err
	}
	sess.ID = uuid.MustParse(id)
	sess.Type = types.SessionType(sessType)
	if scopes != "" {
		sess.Scopes = strings.Split(scopes, ",")
	}
	return &sess, nil
}

func (s *Store) DeleteSession(ctx context.Context, id uuid.UUID) (err error) {
	defer func() { obs.RecordStoreOp(ctx, "DeleteSession", err) }()
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id.String())
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return clustererr.NotFoundf("session %s", id)
	}
	return nil
}

func (s *Store) AppendAuditEvent(ctx context.Context, e *types.AuditEvent) (err error) {
	defer func() { obs.RecordStoreOp(ctx, "AppendAuditEvent", err) }()
	if err = e.Validate(); err != nil {
		return err
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	var payloadJSON []byte
	if e.Payload != nil {
		payloadJSON, err = json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("sqlstore: marshal audit payload: %w", err)
		}
	}
	var agentID interface{}
	if e.AgentID != nil {
		agentID = e.AgentID.String()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, operator_id, event_type, agent_id, payload_json, result, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID.String(), e.OperatorID, e.EventType, agentID, string(payloadJSON), string(e.Result), e.Timestamp)
	return err
}

func (s *Store) ListAuditEvents(ctx context.Context, limit int) (out []*types.AuditEvent, err error) {
	defer func() { obs.RecordStoreOp(ctx, "ListAuditEvents", err) }()
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operator_id, event_type, agent_id, payload_json, result, timestamp
		FROM audit_events ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var e types.AuditEvent
		var id, payloadJSON, result string
		var agentIDNull sql.NullString
		if err := rows.Scan(&id, &e.OperatorID, &e.EventType, &agentIDNull, &payloadJSON, &result, &e.Timestamp); err != nil {
			return nil, err
		}
		e.ID = uuid.MustParse(id)
		e.Result = types.AuditResult(result)
		if agentIDNull.Valid {
			aid := uuid.MustParse(agentIDNull.String)
			e.AgentID = &aid
		}
		if payloadJSON != "" {
			if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
				return nil, fmt.Errorf("sqlstore: unmarshal audit payload: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func isDuplicateKeyErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Duplicate entry")
}
