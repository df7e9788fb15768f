// Package server hosts the cluster's external surface: one WebSocket
// accept loop per channel kind named by the control protocol (daemon
// control, PTY pool, browser terminal, event subscription), read-only
// operator listing endpoints, and operator intent endpoints. The HTTP
// server runs under a golang.org/x/sync/errgroup and is shut down with a
// bounded grace period when the context is canceled; http.Server.Shutdown
// does not wait for the hijacked WebSocket connections.
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/clud-dev/cluster/internal/clustererr"
	"github.com/clud-dev/cluster/internal/config"
	"github.com/clud-dev/cluster/internal/control"
	"github.com/clud-dev/cluster/internal/eventbus"
	"github.com/clud-dev/cluster/internal/ptyrouter"
	"github.com/clud-dev/cluster/internal/registry"
	"github.com/clud-dev/cluster/internal/store"
	"github.com/clud-dev/cluster/internal/store/rediscache"
	"github.com/clud-dev/cluster/internal/types"
)

// Server wires the accept loops and admin API to a shared Store,
// Registry and Bus.
type Server struct {
	cfgMu    sync.RWMutex
	cfg      config.Config

	store    store.Store
	registry *registry.Registry
	bus      *eventbus.Bus
	logger   *log.Logger

	upgrader      websocket.Upgrader
	poolRouter    *ptyrouter.PoolRouter
	browserRouter *ptyrouter.BrowserRouter

	sessionCache *rediscache.Cache

	httpServer *http.Server
}

// config returns a snapshot of the current configuration, safe to read
// without racing a concurrent SetConfig.
func (s *Server) config() config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// SetConfig swaps in a freshly loaded configuration, e.g. from
// config.Watcher's reload callback. In-flight connections keep whatever
// settings they started with; only new connections see the update.
func (s *Server) SetConfig(cfg config.Config) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.cfg = cfg
}

// New builds a Server. logger defaults to log.Default() if nil. cache is
// optional: when nil, every issued session round-trips the Store alone.
func New(cfg config.Config, st store.Store, reg *registry.Registry, bus *eventbus.Bus, cache *rediscache.Cache, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		cfg:      cfg,
		store:    st,
		registry: reg,
		bus:      bus,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		poolRouter:    ptyrouter.NewPoolRouter(reg, logger),
		browserRouter: ptyrouter.NewBrowserRouter(reg),
		sessionCache:  cache,
	}
}

// Run serves the control plane until ctx is canceled, then shuts down the
// HTTP server with a bounded grace period and returns once every accept
// loop has unwound.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/control", s.handleControlWS)
	mux.HandleFunc("/ws/pty/pool/", s.handlePoolWS)
	mux.HandleFunc("/ws/pty/agent/", s.handleTerminalWS)
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/agents", s.withAudit("list_agents", s.handleListAgents))
	mux.HandleFunc("/api/daemons", s.handleListDaemons)
	mux.HandleFunc("/api/sessions", s.withAudit("list_sessions", s.handleListSessions))
	mux.HandleFunc("/api/bindings", s.handleListBindings)
	mux.HandleFunc("/api/intents/agent_stop", s.handleAgentStop)
	mux.HandleFunc("/api/intents/agent_exec", s.handleAgentExec)
	mux.HandleFunc("/api/intents/vscode_launch", s.handleVSCodeLaunch)
	mux.HandleFunc("/api/intents/get_scrollback", s.handleGetScrollback)

	s.httpServer = &http.Server{
		Addr:         s.config().ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	return g.Wait()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// checkBootstrapToken enforces the `?token=` control-channel auth
// requirement: missing or mismatched tokens never reach AWAIT_REG.
func (s *Server) checkBootstrapToken(r *http.Request) bool {
	cfg := s.config()
	if len(cfg.BootstrapTokens) == 0 {
		return true
	}
	got := r.URL.Query().Get("token")
	for _, want := range cfg.BootstrapTokens {
		if got == want {
			return true
		}
	}
	return false
}

func (s *Server) handleControlWS(w http.ResponseWriter, r *http.Request) {
	if !s.checkBootstrapToken(r) {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("server: control upgrade failed: %v", err)
		return
	}

	cfg := s.config()
	deps := control.Deps{
		Store:                     s.store,
		Registry:                  s.registry,
		Bus:                       s.bus,
		IssueToken:                s.issueToken,
		ExternalBaseURL:           cfg.ExternalBaseURL,
		HandshakeTimeout:          cfg.HandshakeTimeout,
		HeartbeatInterval:         cfg.HeartbeatInterval,
		MaxAgentsPerPTYConnection: cfg.MaxAgentsPerPTYConnection,
		QueueDepth:                cfg.IntentQueueDepth,
		Logger:                    s.logger,
	}
	sess := control.New(wsConn{conn}, deps)
	if err := sess.Run(r.Context()); err != nil {
		s.logger.Printf("server: control session %s ended: %v", sess.DaemonID(), err)
	}
}

// issueToken is the TokenIssuer injected into every ControlSession: a
// real opaque session token persisted through Store, replacing the
// hardcoded placeholder the original implementation returned.
func (s *Server) issueToken(daemonID string) (string, time.Time, error) {
	expiresAt := time.Now().UTC().Add(24 * time.Hour)
	sess := &types.Session{
		ID:         uuid.New(),
		OperatorID: "daemon:" + daemonID,
		Type:       types.SessionAPI,
		Token:      uuid.New().String(),
		ExpiresAt:  expiresAt,
		Scopes:     []string{"daemon"},
	}
	if err := s.store.CreateSession(context.Background(), sess); err != nil {
		return "", time.Time{}, err
	}
	if s.sessionCache != nil {
		if err := s.sessionCache.Put(context.Background(), sess); err != nil {
			s.logger.Printf("server: session cache put failed for daemon %s: %v", daemonID, err)
		}
	}
	return sess.Token, expiresAt, nil
}

// handlePoolWS accepts a daemon's single PTY pool connection at
// /ws/pty/pool/{daemonID}, demultiplexing inbound frames to per-agent
// terminal channels and draining an outbound PTYFrame channel other
// server code can use to push raw PTY bytes back to the daemon.
func (s *Server) handlePoolWS(w http.ResponseWriter, r *http.Request) {
	daemonID, err := pathID(r.URL.Path, "/ws/pty/pool/")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("server: pool upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	outbound := make(chan registry.PTYFrame, s.config().IntentQueueDepth)
	s.registry.RegisterPoolChannel(daemonID, outbound)
	defer s.registry.RemovePoolChannel(daemonID, outbound)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for frame := range outbound {
			if err := conn.WriteMessage(websocket.BinaryMessage, ptyrouter.EncodeFrame(frame.AgentID, frame.Payload)); err != nil {
				return
			}
		}
	}()

	if err := s.poolRouter.Pump(daemonID, wsFrameSource{conn}); err != nil {
		s.logger.Printf("server: pool %s closed: %v", daemonID, err)
	}
}

// handleTerminalWS accepts a browser's attach connection at
// /ws/pty/agent/{agentID}: PTY output flows browser-ward over Ch,
// keystrokes flow daemon-ward via BrowserRouter.Dispatch.
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathID(r.URL.Path, "/ws/pty/agent/")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("server: terminal upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch := make(chan []byte, 256)
	s.registry.RegisterTerminal(agentID, ch)
	defer s.registry.RemoveTerminal(agentID, ch)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for payload := range ch {
			if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if err := s.browserRouter.Dispatch(agentID, data); err != nil {
			s.logger.Printf("server: terminal input for agent %s: %v", agentID, err)
		}
	}
}

// handleEventsWS streams the cluster-wide event feed to a connected
// browser; a subscriber that falls behind is reaped by EventBus.Publish.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("server: events upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub, unsubscribe := s.bus.Subscribe(64, s.config().EventSubscriberDeadline)
	defer unsubscribe()

	for event := range sub {
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}
}

func pathID(path, prefix string) (uuid.UUID, error) {
	raw := strings.TrimPrefix(path, prefix)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, clustererr.ProtocolViolationf("invalid id in path %q", path)
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
