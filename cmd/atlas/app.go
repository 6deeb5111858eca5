package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"atlas/internal/config"
	"atlas/internal/executor"
	"atlas/internal/llm"
	"atlas/internal/logging"
	"atlas/internal/plan"
	"atlas/internal/regen"
	"atlas/internal/session"
	"atlas/internal/store"
	"atlas/internal/tools"
	"atlas/internal/verification"
)

// app wires the engine's components together for the CLI.
type app struct {
	mu  sync.RWMutex
	cfg *config.Config

	store    *store.Store
	registry *tools.Registry
	client   llm.Client
	planner  *plan.Planner
	verifier *verification.Verifier
	regen    *regen.Manager
	exec     *executor.Executor
	sessions *session.Manager
}

// newApp loads config and builds the full component graph. A missing API
// key degrades the app (template planning, no LLM strategies) instead of
// failing startup.
func newApp(ctx context.Context) (*app, error) {
	cfgPath := config.DefaultPath(workspace)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if provider != "" {
		cfg.DefaultProvider = provider
	}
	if debugMode {
		cfg.Logging.DebugMode = true
		cfg.Logging.Level = "debug"
	}

	if err := logging.Initialize(workspace, logging.Options{
		DebugMode:  cfg.Logging.DebugMode,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	logging.Boot("atlas %s starting in %s", version, workspace)

	dbPath := cfg.Store.DatabasePath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(workspace, dbPath)
	}
	st, err := store.New(dbPath)
	if err != nil {
		return nil, err
	}

	client, err := llm.NewClientFromConfig(cfg)
	if err != nil {
		logger.Warn("no LLM provider available; planning falls back to templates", zap.Error(err))
		client = nil
	}

	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry)

	var regenMgr *regen.Manager
	if cfg.Regen.Enabled {
		regenCfg := cfg.Regen
		if !filepath.IsAbs(regenCfg.ToolDir) {
			regenCfg.ToolDir = filepath.Join(workspace, regenCfg.ToolDir)
		}
		regenMgr = regen.New(client, registry, st, regenCfg)
		if n, err := regenMgr.LoadPersisted(ctx); err != nil {
			logger.Warn("failed to load persisted tools", zap.Error(err))
		} else if n > 0 {
			logger.Info("loaded persisted generated tools", zap.Int("count", n))
		}
	}

	a := &app{
		cfg:      cfg,
		store:    st,
		registry: registry,
		client:   client,
		regen:    regenMgr,
		sessions: session.NewManager(st),
	}
	a.rebuild()
	return a, nil
}

// rebuild derives the planner, verifier, and executor from the current
// config and client. Called at startup and on config hot reload.
func (a *app) rebuild() {
	a.mu.Lock()
	defer a.mu.Unlock()

	limits := plan.Limits{
		MaxDepth:    a.cfg.Planner.MaxDepth,
		MaxFanOut:   a.cfg.Planner.MaxFanOut,
		MaxSubtasks: a.cfg.Planner.MaxSubtasks,
	}
	a.planner = plan.NewPlanner(a.client, limits, a.registry.Names())
	a.verifier = verification.New(a.client, a.cfg.Verify)

	opts := executor.Options{
		Registry: a.registry,
		Client:   a.client,
		Planner:  a.planner,
		Verifier: a.verifier,
		Recorder: a.store,
		Config:   a.cfg.Executor,
		MaxDepth: a.cfg.Planner.MaxDepth,
	}
	if a.regen != nil {
		opts.Regen = a.regen
	}
	a.exec = executor.New(opts)
}

// applyConfig swaps in a hot-reloaded config. The LLM client is rebuilt in
// case provider settings changed.
func (a *app) applyConfig(cfg *config.Config) {
	if provider != "" {
		cfg.DefaultProvider = provider
	}

	client, err := llm.NewClientFromConfig(cfg)
	if err != nil {
		client = nil
	}

	a.mu.Lock()
	a.cfg = cfg
	a.client = client
	a.mu.Unlock()

	a.rebuild()
	logger.Info("configuration reloaded")
}

// components returns a consistent snapshot for one goal's lifetime.
func (a *app) components() (*plan.Planner, *executor.Executor) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.planner, a.exec
}

func (a *app) close() {
	if a.store != nil {
		_ = a.store.Close()
	}
	logging.CloseAll()
}
