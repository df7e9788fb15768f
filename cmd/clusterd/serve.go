package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/clud-dev/cluster/internal/config"
	"github.com/clud-dev/cluster/internal/eventbus"
	"github.com/clud-dev/cluster/internal/obs"
	"github.com/clud-dev/cluster/internal/registry"
	"github.com/clud-dev/cluster/internal/server"
	"github.com/clud-dev/cluster/internal/store"
	"github.com/clud-dev/cluster/internal/store/rediscache"
	"github.com/clud-dev/cluster/internal/store/sqlstore"
	"github.com/clud-dev/cluster/internal/watchdog"
)

var (
	configPath   string
	otlpEndpoint string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cluster control plane server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to clusterd.yaml")
	serveCmd.Flags().StringVar(&otlpEndpoint, "otlp-endpoint", "", "OTLP metrics exporter endpoint (stdout exporter if unset)")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := log.Default()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := obs.Setup(ctx, "clusterd", otlpEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Printf("clusterd: metrics shutdown: %v", err)
		}
	}()

	windows := store.Windows{Fresh: cfg.FreshWindow, Stale: cfg.StaleWindow}

	var st store.Store
	switch cfg.StoreDriver {
	case "sql":
		sqlCfg, err := sqlstore.ParseDSN(cfg.StoreDSN)
		if err != nil {
			return err
		}
		st, err = sqlstore.New(ctx, sqlCfg, windows)
		if err != nil {
			return err
		}
	default:
		st = store.NewMemory(windows, nil)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Printf("clusterd: store close: %v", err)
		}
	}()

	var cache *rediscache.Cache
	if cfg.RedisAddr != "" {
		cache, err = rediscache.New(cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Printf("clusterd: redis cache close: %v", err)
			}
		}()
	}

	reg := registry.New()
	bus := eventbus.New(logger)

	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			logger.Printf("clusterd: nats connect failed, continuing without event mirror: %v", err)
		} else {
			defer nc.Close()
			js, err := nc.JetStream()
			if err != nil {
				logger.Printf("clusterd: jetstream context failed, continuing without event mirror: %v", err)
			} else {
				bus.SetJetStream(js, "cluster.events")
			}
		}
	}

	srv := server.New(cfg, st, reg, bus, cache, logger)

	watch, err := config.NewWatcher(configPathOrDefault(configPath), logger, srv.SetConfig)
	if err != nil {
		logger.Printf("clusterd: config watcher disabled: %v", err)
	} else {
		defer func() { _ = watch.Close() }()
	}

	wd := watchdog.New(st, bus, watchdog.Config{}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return wd.Run(gctx) })

	return g.Wait()
}

// configPathOrDefault keeps the Watcher from trying to watch an empty
// path when no --config flag was given; config.Load tolerates a missing
// file, but fsnotify can't watch "".
func configPathOrDefault(path string) string {
	if path != "" {
		return path
	}
	return "clusterd.yaml"
}
