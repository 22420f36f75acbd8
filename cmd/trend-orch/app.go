package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/trend-orchestrator/internal/cache"
	"github.com/hochfrequenz/trend-orchestrator/internal/config"
	"github.com/hochfrequenz/trend-orchestrator/internal/executor"
	"github.com/hochfrequenz/trend-orchestrator/internal/logging"
	"github.com/hochfrequenz/trend-orchestrator/internal/notify"
	"github.com/hochfrequenz/trend-orchestrator/internal/output"
	"github.com/hochfrequenz/trend-orchestrator/internal/pipeline"
	"github.com/hochfrequenz/trend-orchestrator/internal/prompts"
	"github.com/hochfrequenz/trend-orchestrator/internal/providers"
	"github.com/hochfrequenz/trend-orchestrator/internal/runstore"
)

// app holds the components shared by the commands that run the pipeline
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      *runstore.Store
	cache      *cache.Store
	sink       *output.FileSink
	controller *pipeline.Controller

	closers []func() error
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	cfg.ResolveSecrets(os.LookupEnv)
	return cfg, nil
}

func openStore(cfg *config.Config) (*runstore.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return store, nil
}

// newApp wires config, logging, storage, providers and the controller.
// Extra listeners receive every run event.
func newApp(ctx context.Context, listeners ...pipeline.Listener) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, undo, err := logging.Install(cfg.Log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, func() error { undo(); return nil })

	a.store, err = openStore(cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)
	if n, err := a.store.MarkInterrupted(ctx, time.Now()); err != nil {
		logger.Warn("runstore: marking interrupted runs failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("runstore: marked interrupted runs as failed", zap.Int("count", n))
	}

	backend, closeBackend, err := cache.OpenBackend(cfg.Cache)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	a.closers = append(a.closers, closeBackend)
	a.cache = cache.New(backend, cache.WithLogger(logger))

	registry, err := providers.FromConfig(cfg, &http.Client{})
	if err != nil {
		a.close()
		return nil, err
	}

	cwd, _ := os.Getwd()
	a.sink = output.NewFileSink(cfg.Output.Dir)

	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithExecutor(executor.New(executor.WithLogger(logger))),
		pipeline.WithPrompts(prompts.DefaultLoader(cwd, cfg.General.PromptDirs...)),
		pipeline.WithRunStore(a.store),
		pipeline.WithSink(a.sink),
		pipeline.WithListener(notify.NewRunListener(notify.FromConfig(cfg.Notifications), cfg.Notifications.FailuresOnly, logger)),
	}
	for _, l := range listeners {
		opts = append(opts, pipeline.WithListener(l))
	}

	a.controller, err = pipeline.New(cfg, registry, a.cache, opts...)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// shutdown drains active runs, then releases resources
func (a *app) shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.controller.Shutdown(ctx); err != nil {
		a.logger.Warn("pipeline: shutdown cut short, active runs cancelled", zap.Error(err))
	}
	a.close()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}
