package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStatements creates the five tables backing Store, matching the
// entities in internal/types. Every statement is idempotent so startup
// can run it against an already-initialized database.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS daemons (
		id VARCHAR(36) PRIMARY KEY,
		hostname VARCHAR(255) NOT NULL,
		platform VARCHAR(64) NOT NULL,
		version VARCHAR(64) NOT NULL,
		bind_address VARCHAR(255) NOT NULL,
		status VARCHAR(32) NOT NULL,
		agent_count INT NOT NULL DEFAULT 0,
		created_at DATETIME(6) NOT NULL,
		last_seen DATETIME(6) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS agents (
		id VARCHAR(36) PRIMARY KEY,
		daemon_id VARCHAR(36) NOT NULL,
		hostname VARCHAR(255) NOT NULL,
		pid INT NOT NULL,
		cwd TEXT NOT NULL,
		command TEXT NOT NULL,
		status VARCHAR(32) NOT NULL,
		capabilities TEXT,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		last_heartbeat DATETIME(6) NOT NULL,
		stopped_at DATETIME(6) NULL,
		daemon_reported_status VARCHAR(64) NOT NULL DEFAULT '',
		daemon_reported_at DATETIME(6) NULL,
		metrics_json TEXT,
		INDEX idx_agents_daemon_id (daemon_id),
		INDEX idx_agents_status (status)
	)`,
	`CREATE TABLE IF NOT EXISTS telegram_bindings (
		id VARCHAR(36) PRIMARY KEY,
		chat_id BIGINT NOT NULL,
		agent_id VARCHAR(36) NOT NULL,
		operator_id VARCHAR(255) NOT NULL,
		mode VARCHAR(32) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		INDEX idx_bindings_agent_id (agent_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id VARCHAR(36) PRIMARY KEY,
		operator_id VARCHAR(255) NOT NULL,
		type VARCHAR(32) NOT NULL,
		token VARCHAR(255) NOT NULL,
		expires_at DATETIME(6) NOT NULL,
		scopes TEXT,
		INDEX idx_sessions_token (token)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_events (
		id VARCHAR(36) PRIMARY KEY,
		operator_id VARCHAR(255) NOT NULL,
		event_type VARCHAR(128) NOT NULL,
		agent_id VARCHAR(36) NULL,
		payload_json TEXT,
		result VARCHAR(32) NOT NULL,
		timestamp DATETIME(6) NOT NULL,
		INDEX idx_audit_timestamp (timestamp)
	)`,
}

// ensureSchema runs every create-table statement. Each is independently
// idempotent, so a partial prior run is safe to resume.
func ensureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlstore: schema statement failed: %w", err)
		}
	}
	return nil
}
