// Package config loads cluster server configuration from a YAML file with
// CLUSTER_*-prefixed environment variable overrides, read directly rather
// than through a framework singleton.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the cluster server's runtime configuration.
type Config struct {
	// ListenAddr is the address the WebSocket/HTTP server binds to.
	ListenAddr string `yaml:"listen-addr"`

	// ExternalBaseURL is the base URL daemons and browsers see this
	// cluster at; used to build pty_ws_url in agent_register_ack.
	// Never hardcode a host here in calling code.
	ExternalBaseURL string `yaml:"external-base-url"`

	// BootstrapTokens authenticates daemons on the control channel
	// accept path.
	BootstrapTokens []string `yaml:"bootstrap-tokens"`

	// HeartbeatInterval is advertised to daemons in register_ack.
	HeartbeatInterval time.Duration `yaml:"heartbeat-interval"`

	// HandshakeTimeout bounds time in AWAIT_REG before the channel is
	// closed. Defaults to HeartbeatInterval.
	HandshakeTimeout time.Duration `yaml:"handshake-timeout"`

	// MaxAgentsPerPTYConnection is advertised to daemons; the router
	// does not enforce it.
	MaxAgentsPerPTYConnection int `yaml:"max-agents-per-pty-connection"`

	// FreshWindow / StaleWindow are the staleness thresholds used to
	// classify an agent's heartbeat age. The three-band ordering they
	// imply is invariant; only the cutoffs are configurable.
	FreshWindow time.Duration `yaml:"fresh-window"`
	StaleWindow time.Duration `yaml:"stale-window"`

	// IntentQueueDepth bounds the per-daemon outbound intent queue;
	// enqueue beyond it yields BackpressureDrop.
	IntentQueueDepth int `yaml:"intent-queue-depth"`

	// EventSubscriberDeadline bounds how long EventBus.Publish will
	// wait on a single slow subscriber before reaping it.
	EventSubscriberDeadline time.Duration `yaml:"event-subscriber-deadline"`

	// StoreDriver selects the Store backend: "memory" or "sql".
	StoreDriver string `yaml:"store-driver"`
	// StoreDSN is the data source name for the sql backend.
	StoreDSN string `yaml:"store-dsn"`

	// RedisAddr, if set, enables the Redis-backed session/token cache
	// in front of the durable Store.
	RedisAddr string `yaml:"redis-addr"`

	// NATSURL, if set, enables best-effort JetStream mirroring of
	// published events (never the delivery path of record).
	NATSURL string `yaml:"nats-url"`
}

// Default returns the configuration used when no file or override is
// present.
func Default() Config {
	return Config{
		ListenAddr:                ":8000",
		ExternalBaseURL:           "ws://localhost:8000",
		HeartbeatInterval:         30 * time.Second,
		HandshakeTimeout:          30 * time.Second,
		MaxAgentsPerPTYConnection: 8,
		FreshWindow:               15 * time.Second,
		StaleWindow:               90 * time.Second,
		IntentQueueDepth:          64,
		EventSubscriberDeadline:   2 * time.Second,
		StoreDriver:               "memory",
	}
}

// Load reads a YAML config file at path (if it exists), layers
// CLUSTER_*-prefixed environment variable overrides on top, and returns the
// result. A missing file is not an error — Default() is used as the base.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-provided config path
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = cfg.HeartbeatInterval
	}

	return cfg, nil
}

// applyEnvOverrides layers CLUSTER_* environment variables on top of a
// loaded config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CLUSTER_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CLUSTER_EXTERNAL_BASE_URL"); v != "" {
		cfg.ExternalBaseURL = v
	}
	if v := os.Getenv("CLUSTER_BOOTSTRAP_TOKENS"); v != "" {
		cfg.BootstrapTokens = strings.Split(v, ",")
	}
	if v := os.Getenv("CLUSTER_STORE_DRIVER"); v != "" {
		cfg.StoreDriver = v
	}
	if v := os.Getenv("CLUSTER_STORE_DSN"); v != "" {
		cfg.StoreDSN = v
	}
	if v := os.Getenv("CLUSTER_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("CLUSTER_NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	if v := os.Getenv("CLUSTER_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("CLUSTER_MAX_AGENTS_PER_PTY_CONNECTION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxAgentsPerPTYConnection = n
		}
	}
}
