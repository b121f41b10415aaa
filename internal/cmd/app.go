package cmd

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/Iron-Ham/ragents/internal/agent"
	"github.com/Iron-Ham/ragents/internal/approval"
	"github.com/Iron-Ham/ragents/internal/checkpoint"
	"github.com/Iron-Ham/ragents/internal/config"
	"github.com/Iron-Ham/ragents/internal/engine"
	"github.com/Iron-Ham/ragents/internal/event"
	"github.com/Iron-Ham/ragents/internal/graph"
	"github.com/Iron-Ham/ragents/internal/llm"
	"github.com/Iron-Ham/ragents/internal/logging"
	"github.com/Iron-Ham/ragents/internal/memory"
	"github.com/Iron-Ham/ragents/internal/metrics"
	"github.com/Iron-Ham/ragents/internal/state"
	"github.com/Iron-Ham/ragents/internal/tools"
)

// Collaborator factories, replaced in tests.
var (
	newGenerator = func(cfg config.LLMConfig) (llm.Generator, error) {
		return llm.NewClient(llm.ClientConfig{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
	}
	newSearchTools = defaultSearchTools
)

func defaultSearchTools(cfg config.SearchConfig) []tools.Tool {
	var ts []tools.Tool
	if cfg.Tavily.APIKey != "" {
		ts = append(ts, tools.NewTavily(cfg.Tavily.APIKey, cfg.Tavily.Endpoint, cfg.Tavily.Depth, cfg.Timeout))
	}
	if cfg.Arxiv.Enabled {
		ts = append(ts, tools.NewArxiv(cfg.Arxiv.Endpoint, cfg.Timeout))
	}
	if cfg.Fetch.Enabled {
		ts = append(ts, tools.NewFetch(cfg.Timeout, cfg.Fetch.MaxContent))
	}
	return ts
}

// loadConfig reads the validated configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// app is the set of components one command invocation works with. Only
// the parts a command asks for are built.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	bus     *event.Bus
	metrics *metrics.Metrics
	store   checkpoint.Store
	backing checkpoint.Store // store without instrumentation
	memory  *memory.Store
	engine  *engine.Engine
	gate    *approval.Gate

	closers []func() error
}

// openStore builds the logger and the checkpoint store.
func openStore(cfg *config.Config, stderr io.Writer) (*app, error) {
	a := &app{cfg: cfg}
	logger, err := newLogger(cfg, stderr)
	if err != nil {
		return nil, err
	}
	a.logger = logger
	a.closers = append(a.closers, logger.Close)

	store, closer, err := newCheckpointStore(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}
	a.backing = store
	a.bus = event.NewBus(logger)
	a.metrics = metrics.New()
	a.metrics.Observe(a.bus)
	a.store = a.metrics.InstrumentStore(store)
	return a, nil
}

// openEngine builds the full stack: store, memory, tools, agents, graph,
// engine and approval gate, plus event forwarding when configured.
func openEngine(ctx context.Context, cfg *config.Config, stderr io.Writer) (*app, error) {
	a, err := openStore(cfg, stderr)
	if err != nil {
		return nil, err
	}
	if err := a.buildEngine(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) buildEngine(ctx context.Context) error {
	cfg := a.cfg

	mem, err := newMemory(ctx, cfg)
	if err != nil {
		return err
	}
	a.memory = mem
	a.closers = append(a.closers, mem.Close)
	a.metrics.RegisterMemory(mem)

	gen, err := newGenerator(cfg.LLM)
	if err != nil {
		return fmt.Errorf("creating llm client: %w", err)
	}
	registry := tools.NewRegistry(newSearchTools(cfg.Search)...)
	if len(registry.Names()) == 0 {
		a.logger.Warn("no research tools configured; every subtask will fail")
	}

	sources := availableSources(cfg.Planner.Sources, registry)
	defaultSource := cfg.Planner.DefaultSource
	if !slices.Contains(sources, defaultSource) {
		defaultSource = sources[0]
	}

	policy, err := approval.ParsePolicy(cfg.Approval.Mode, cfg.Approval.MinSubtasks)
	if err != nil {
		return err
	}
	agents, err := agent.NewSet(
		agent.NewCoordinator(gen, policy, a.logger),
		agent.NewPlanner(gen, agent.PlannerConfig{
			MaxSubtasks:   cfg.Planner.MaxSubtasks,
			MaxQueries:    cfg.Planner.MaxQueries,
			Sources:       sources,
			DefaultSource: defaultSource,
		}, a.logger),
		agent.NewResearcher(registry, mem, agent.ResearcherConfig{
			BatchSize:    cfg.Research.BatchSize,
			Concurrency:  cfg.Research.Concurrency,
			MaxResults:   cfg.Research.MaxResults,
			MaxReplans:   cfg.Research.MaxReplans,
			MinRelevance: cfg.Research.MinRelevance,
		}, a.logger),
		agent.NewRapporteur(gen, agent.RapporteurConfig{Format: cfg.Report.Format}, a.logger),
	)
	if err != nil {
		return err
	}

	g, err := loadGraph(cfg.Engine.GraphFile)
	if err != nil {
		return err
	}

	eng, err := engine.New(g, agents, a.store,
		engine.WithBus(a.bus),
		engine.WithLogger(a.logger),
		engine.WithDefaults(runConfig(cfg.Engine)),
		engine.WithSaveRetry(engine.SaveRetry{Attempts: cfg.Engine.SaveAttempts}),
	)
	if err != nil {
		return err
	}
	a.engine = eng
	a.gate = approval.NewGate(a.bus, eng.ResumeRun)
	eng.SetHolder(a.gate)

	if cfg.Events.NATSURL != "" {
		fwd, err := event.ConnectForwarder(a.bus, cfg.Events.NATSURL, cfg.Events.SubjectPrefix, a.logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, fwd.Close)
	}
	return nil
}

// Close shuts the engine down and releases everything in reverse order.
func (a *app) Close() {
	if a.engine != nil {
		if err := a.engine.Shutdown(context.Background()); err != nil {
			a.logger.Warn("engine shutdown", "error", err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.logger != nil {
			a.logger.Warn("close", "error", err)
		}
	}
	a.closers = nil
}

func newLogger(cfg *config.Config, stderr io.Writer) (*logging.Logger, error) {
	if !cfg.Logging.Enabled {
		return logging.NewWriterLogger(stderr, logging.LevelWarn), nil
	}
	return logging.NewRotatingLogger(cfg.Paths.LogDir(), cfg.Logging.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
}

func newCheckpointStore(cfg *config.Config) (checkpoint.Store, func() error, error) {
	switch cfg.Checkpoint.Backend {
	case config.BackendSQLite:
		s, err := checkpoint.OpenSQLite(cfg.Paths.CheckpointDB(), cfg.Checkpoint.KeepRevisions)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.BackendMemory:
		return checkpoint.NewMemoryStore(), nil, nil
	default:
		s, err := checkpoint.NewFileStore(cfg.Paths.CheckpointDir())
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	}
}

func newMemory(ctx context.Context, cfg *config.Config) (*memory.Store, error) {
	opts := []memory.Option{
		memory.WithThreshold(cfg.Memory.SimilarityThreshold),
		memory.WithLimit(cfg.Memory.Limit),
		memory.WithMaxAge(cfg.Memory.MaxAge),
		memory.WithMaxEntries(cfg.Memory.MaxEntries),
	}
	if !cfg.Memory.Persist {
		return memory.New(opts...), nil
	}
	p, err := memory.OpenSQLite(cfg.Paths.MemoryDB())
	if err != nil {
		return nil, err
	}
	mem, err := memory.Open(ctx, p, opts...)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	return mem, nil
}

// loadGraph returns the graph defined in path, or the built-in research
// graph when path is empty.
func loadGraph(path string) (*graph.Graph, error) {
	if path == "" {
		return graph.DefaultResearchGraph(), nil
	}
	return graph.LoadFile(path, graph.DefaultHints(), graph.DefaultPredicates())
}

// availableSources keeps the configured sources that have a registered
// tool, so plans only name tools that can run.
func availableSources(configured []string, registry *tools.Registry) []string {
	var out []string
	for _, s := range configured {
		if registry.Has(s) {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return configured
	}
	return out
}

func runConfig(cfg config.EngineConfig) state.RunConfig {
	return state.RunConfig{
		MaxIterations:      cfg.MaxIterations,
		PerNodeTimeout:     cfg.PerNodeTimeout,
		RetryLimit:         cfg.RetryLimit,
		RelevanceThreshold: cfg.RelevanceThreshold,
		BackoffInitial:     cfg.BackoffInitial,
		BackoffMax:         cfg.BackoffMax,
	}
}
