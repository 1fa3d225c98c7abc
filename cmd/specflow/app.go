package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specflow/internal/agents"
	"github.com/fyrsmithlabs/specflow/internal/config"
	"github.com/fyrsmithlabs/specflow/internal/events"
	"github.com/fyrsmithlabs/specflow/internal/logging"
	"github.com/fyrsmithlabs/specflow/internal/manifest"
	"github.com/fyrsmithlabs/specflow/internal/orchestrator"
	"github.com/fyrsmithlabs/specflow/internal/specs"
	"github.com/fyrsmithlabs/specflow/internal/store"
	"github.com/fyrsmithlabs/specflow/internal/telemetry"
	"github.com/fyrsmithlabs/specflow/internal/workflow"
)

// appOptions selects which infrastructure a command needs.
type appOptions struct {
	store     bool
	events    bool
	telemetry bool
	// logStderr keeps standard output free for command results.
	logStderr bool
}

// app holds every dependency a command may use. Optional dependencies are
// nil when not requested or not configured.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	tel     *telemetry.Telemetry
	store   *store.SQLiteStore
	nc      *nats.Conn
	events  *events.Publisher
	specs   *specs.Registry
	agents  *agents.Registry
	loader  *manifest.Loader
	metrics *orchestrator.Metrics
}

// newApp loads configuration and initializes dependencies:
//  1. Loads and validates configuration
//  2. Initializes telemetry and the logger
//  3. Opens the run store
//  4. Connects to NATS for progress events
//  5. Registers built-in specs and agents
func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	a := &app{cfg: cfg}

	if opts.telemetry {
		tel, err := telemetry.New(ctx, telemetry.FromConfig(cfg.Telemetry, version))
		if err != nil {
			return nil, fmt.Errorf("initializing telemetry: %w", err)
		}
		a.tel = tel
	}

	if a.logger, err = initLogger(cfg, a.tel, opts.logStderr); err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	if a.tel != nil {
		if h := a.tel.Health(); h.Degraded {
			a.logger.Warn(ctx, "telemetry degraded", zap.Strings("reasons", h.Reasons))
		}
	}

	if opts.store {
		if err := config.EnsureConfigDir(); err != nil {
			a.Close(ctx)
			return nil, err
		}
		st, err := store.Open(cfg.Database.Path, store.WithLogger(a.logger))
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("opening run store: %w", err)
		}
		a.store = st
	}

	if opts.events && cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("specflow"))
		if err != nil {
			// Progress events are optional; runs proceed without them.
			a.logger.Warn(ctx, "nats unavailable, progress events disabled", zap.String("url", cfg.NATS.URL), zap.Error(err))
		} else {
			a.nc = nc
			a.events = events.NewPublisher(nc, cfg.NATS.SubjectPrefix, a.logger)
		}
	}

	a.specs = specs.NewRegistry(a.logger)
	if err := specs.RegisterBuiltins(a.specs); err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("registering specs: %w", err)
	}
	a.agents = agents.NewRegistry()
	extract := agents.NewExtractAgent(
		agents.WithRequestsPerMinute(cfg.LLM.RequestsPerMinute),
		agents.WithCallTimeout(cfg.LLM.Timeout.Duration()),
	)
	if err := agents.RegisterBuiltins(a.agents, extract); err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("registering agents: %w", err)
	}
	a.loader = manifest.NewLoader(a.specs, a.agents, a.logger)
	a.metrics = orchestrator.NewMetrics()

	a.logger.Debug(ctx, "dependencies initialized",
		zap.Bool("store", a.store != nil),
		zap.Bool("events", a.events != nil),
		zap.Bool("telemetry", a.tel.IsEnabled()))
	return a, nil
}

// initLogger builds the logger from the user-facing logging settings.
func initLogger(cfg *config.Config, tel *telemetry.Telemetry, stderr bool) (*logging.Logger, error) {
	logCfg := logging.NewDefaultConfig()
	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}
	logCfg.Level = level
	logCfg.Format = cfg.Logging.Format
	logCfg.Output.Stderr = stderr
	lp := tel.LoggerProvider()
	logCfg.Output.OTEL = lp != nil
	return logging.NewLogger(logCfg, lp)
}

// manifestFile resolves the manifest from the flag, then config.
func (a *app) manifestFile() (string, error) {
	if manifestPath != "" {
		return manifestPath, nil
	}
	if a.cfg.Manifest.Path != "" {
		return a.cfg.Manifest.Path, nil
	}
	return "", errors.New("no manifest: pass --manifest or set manifest.path")
}

// loadGraph loads and validates the configured manifest.
func (a *app) loadGraph(ctx context.Context) (string, *workflow.Graph, error) {
	path, err := a.manifestFile()
	if err != nil {
		return "", nil, err
	}
	g, err := a.loader.LoadFile(ctx, path)
	if err != nil {
		return path, nil, err
	}
	return path, g, nil
}

// orchestrator wires an orchestrator for g to every available dependency.
func (a *app) orchestrator(g *workflow.Graph, extra ...orchestrator.Option) *orchestrator.Orchestrator {
	opts := []orchestrator.Option{
		orchestrator.WithLogger(a.logger),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithTracer(a.tel.Tracer("specflow.orchestrator")),
	}
	if a.store != nil {
		opts = append(opts, orchestrator.WithRecorder(a.store))
	}
	if a.events != nil {
		opts = append(opts, orchestrator.WithObserver(a.events))
	}
	return orchestrator.New(g, a.specs, a.agents, append(opts, extra...)...)
}

// runConfig is the config map every run receives. Manifest defaults fill
// in whatever is left empty here.
func (a *app) runConfig() map[string]any {
	llm := a.cfg.LLM
	rc := map[string]any{
		agents.ConfigModel:       llm.Model,
		agents.ConfigTemperature: llm.Temperature,
	}
	if llm.APIKey.IsSet() {
		rc[specs.ConfigAPIKey] = llm.APIKey.Value()
	}
	if llm.BaseURL != "" {
		rc[agents.ConfigBaseURL] = llm.BaseURL
	}
	return rc
}

// runData seeds a run's data from the given folders, falling back to the
// configured defaults.
func (a *app) runData(input, output string) (map[string]any, error) {
	if input == "" {
		input = a.cfg.Workflow.InputFolder
	}
	if output == "" {
		output = a.cfg.Workflow.OutputFolder
	}
	if input == "" || output == "" {
		return nil, errors.New("input and output folders are required (flags or workflow.input_folder/output_folder)")
	}
	return map[string]any{
		specs.KeyInputFolder:  input,
		specs.KeyOutputFolder: output,
	}, nil
}

// Close releases all infrastructure resources.
func (a *app) Close(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.nc != nil {
		a.nc.Close()
	}
	if a.logger != nil {
		_ = a.logger.Sync() // Best-effort sync
	}
	// Last, so the log provider flushes everything logged above.
	if a.tel != nil {
		if err := a.tel.Shutdown(ctx); err != nil && a.logger != nil {
			a.logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
		}
	}
}
