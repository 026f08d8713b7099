package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/normanking/conductor/internal/audit"
	"github.com/normanking/conductor/internal/bus"
	"github.com/normanking/conductor/internal/config"
	"github.com/normanking/conductor/internal/data"
	"github.com/normanking/conductor/internal/llm"
	"github.com/normanking/conductor/internal/logging"
	"github.com/normanking/conductor/internal/memory"
	"github.com/normanking/conductor/internal/metrics"
	"github.com/normanking/conductor/internal/orchestrator"
	"github.com/normanking/conductor/internal/planning"
	"github.com/normanking/conductor/internal/store"
	"github.com/normanking/conductor/internal/store/natsstore"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RUNTIME ASSEMBLY
// ═══════════════════════════════════════════════════════════════════════════════

// runtime is everything a command needs, plus the cleanup that releases it.
type runtime struct {
	backend store.Backend
	bus     *bus.Bus
	service *orchestrator.Service
}

// Close stops the bus and releases the backend.
func (r *runtime) Close() {
	if r.bus != nil {
		_ = r.bus.Close()
	}
	if r.backend != nil {
		if err := r.backend.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close backend")
		}
	}
}

// openBackend opens the configured persistence backend. The SQLite store is
// also returned so it can back the memory tiers.
func openBackend(ctx context.Context, c *config.Config) (store.Backend, *data.Store, error) {
	switch strings.ToLower(c.Store.Backend) {
	case "", "sqlite":
		log.Debug().Str("path", c.Store.SQLitePath).Msg("opening SQLite store")
		db, err := data.NewDB(c.Store.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		return db, db, nil
	case "nats":
		log.Debug().Str("url", c.Store.NATS.URL).Msg("connecting to NATS JetStream")
		ns, err := natsstore.Connect(ctx, c.Store.NATS)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		return ns, nil, nil
	case "memory":
		return store.NewMemoryStore(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
}

// newRuntime wires the backend, bus and memory into a Service.
func newRuntime(ctx context.Context) (*runtime, error) {
	backend, db, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	rt := &runtime{backend: backend, bus: bus.New()}

	rec := audit.New(backend, rt.bus)
	deps := orchestrator.Deps{
		Backend: backend,
		Bus:     rt.bus,
		Memory:  newMemory(db, rec),
	}

	if offline {
		deps.Dispatcher = offlineDispatcher(rec)
		deps.Analyzer = planning.HeuristicAnalyzer()
		deps.Planner = planning.HeuristicPlanner()
		deps.Reflector = planning.HeuristicReflector()
	}

	svc, err := orchestrator.New(cfg, deps, orchestrator.WithLogger(logging.Component("orchestrator")))
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to build orchestrator: %w", err)
	}
	rt.service = svc
	return rt, nil
}

// newMemory backs the memory tiers with SQLite when it is available and
// leaves the coordinator to its in-memory defaults otherwise.
func newMemory(db *data.Store, rec *audit.Recorder) *memory.Coordinator {
	l := logging.Component("memory")
	mc := memory.CoordinatorConfig{
		Embedder: memory.NewHashEmbedder(cfg.Memory.EmbeddingDims),
		Memory:   cfg.Memory,
		Audit:    rec,
		Logger:   &l,
	}
	if db != nil {
		mc.Working = db.Working()
		mc.Episodic = db.Episodic()
		mc.Semantic = db.Semantic()
	}
	return memory.NewCoordinator(mc)
}

// offlineDispatcher answers every tier with the echo provider.
func offlineDispatcher(rec *audit.Recorder) *llm.Dispatcher {
	lc := cfg.LLM
	lc.Candidates = map[string][]string{"a": {"echo"}, "b": {"echo"}, "c": {"echo"}}
	providers := map[string]llm.Provider{"echo": llm.EchoProvider("echo")}
	return llm.NewDispatcher(providers, lc, llm.WithAudit(rec))
}

// threadMetrics replays a thread's audit trail into a fresh collector. Only
// backends that can read events back support it.
func (r *runtime) threadMetrics(ctx context.Context, threadID string) (*metrics.Collector, error) {
	reader, ok := r.backend.(store.EventReader)
	if !ok {
		return nil, fmt.Errorf("the %s backend cannot list events", cfg.Store.Backend)
	}
	events, err := reader.Events(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to read events for %s: %w", threadID, err)
	}
	c := metrics.NewCollector(nil)
	n := c.Replay(events)
	log.Debug().Str("thread_id", threadID).Int("events", n).Msg("replayed audit trail")
	return c, nil
}
