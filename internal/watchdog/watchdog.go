// Package watchdog runs a periodic sweep over every tracked agent and
// publishes agent_updated the moment one crosses into the disconnected
// staleness band, so browser subscribers don't have to poll a listing
// endpoint to notice a daemon has gone dark. The sweep is a supplement,
// not the source of truth: Store recomputes staleness on every read
// regardless of whether the watchdog has run.
package watchdog

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/clud-dev/cluster/internal/eventbus"
	"github.com/clud-dev/cluster/internal/store"
	"github.com/clud-dev/cluster/internal/types"
)

// DefaultSweepInterval is how often the watchdog re-evaluates every
// tracked agent's staleness.
const DefaultSweepInterval = 10 * time.Second

// Config configures a Watchdog.
type Config struct {
	SweepInterval time.Duration
}

// Watchdog periodically re-reads every agent and republishes
// agent_updated for any that have newly crossed into the disconnected
// band since the previous sweep.
type Watchdog struct {
	store  store.Store
	bus    *eventbus.Bus
	config Config
	logger *log.Logger

	lastBand map[uuid.UUID]types.Staleness
}

// New creates a Watchdog. logger defaults to log.Default() if nil.
func New(st store.Store, bus *eventbus.Bus, config Config, logger *log.Logger) *Watchdog {
	if config.SweepInterval == 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Watchdog{
		store:    st,
		bus:      bus,
		config:   config,
		logger:   logger,
		lastBand: make(map[uuid.UUID]types.Staleness),
	}
}

// Run sweeps immediately, then on config.SweepInterval, until ctx is
// canceled.
func (w *Watchdog) Run(ctx context.Context) error {
	w.sweepOnce(ctx)

	ticker := time.NewTicker(w.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.sweepOnce(ctx)
		}
	}
}

func (w *Watchdog) sweepOnce(ctx context.Context) {
	agents, err := w.store.ListAgents(ctx, types.AgentFilter{})
	if err != nil {
		w.logger.Printf("watchdog: list agents: %v", err)
		return
	}

	seen := make(map[uuid.UUID]struct{}, len(agents))
	for _, a := range agents {
		seen[a.ID] = struct{}{}
		previous, tracked := w.lastBand[a.ID]
		w.lastBand[a.ID] = a.Staleness

		if tracked && previous != types.StaleDisconnected && a.Staleness == types.StaleDisconnected {
			w.bus.Publish(eventbus.Event{Type: eventbus.KindAgentUpdated, Agent: a})
		}
	}

	for id := range w.lastBand {
		if _, ok := seen[id]; !ok {
			delete(w.lastBand, id)
		}
	}
}
