package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dhanush-chevuri/julep/internal/activities"
	"github.com/dhanush-chevuri/julep/internal/engine"
	"github.com/dhanush-chevuri/julep/internal/expressions"
	"github.com/dhanush-chevuri/julep/internal/logging"
	"github.com/dhanush-chevuri/julep/internal/plugins"
	"github.com/dhanush-chevuri/julep/internal/store"
	"github.com/dhanush-chevuri/julep/internal/streaming"
	"github.com/dhanush-chevuri/julep/internal/validation"
)

// shutdownGrace bounds how long a command waits for running executions
// before exiting. Executions still running stay resumable.
const shutdownGrace = 2 * time.Second

// app is the wired runtime shared by the commands.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     store.Store
	hub       *streaming.MemoryHub
	validator *validation.TaskValidator
	exec      *engine.Executor
	tools     *plugins.Manager
}

func newLogger(cfg Config) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	h, err := logging.NewHandler(os.Stderr, level, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	return slog.New(h), nil
}

// openApp loads the configuration, opens and migrates the database and
// builds the executor.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	if dir := filepath.Dir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	s, err := store.NewLibSQLStore(cfg.dsn())
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	validator, err := validation.NewTaskValidator()
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	ev := expressions.MustEvaluator()
	reg := activities.NewDefaultRegistry(ev, nil)
	tools, err := openTools(ctx, cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	if tools != nil {
		activities.RegisterTools(reg, ev, tools)
	}

	hub := streaming.NewMemoryHub()
	ecfg := cfg.executorConfig()
	ecfg.Hub = hub
	ecfg.Logger = logger

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     s,
		hub:       hub,
		validator: validator,
		exec:      engine.NewExecutor(s, reg, ev, validator, ecfg),
		tools:     tools,
	}, nil
}

// openTools connects the configured tool providers. It returns nil when
// none are configured, leaving tool_call unsupported.
func openTools(ctx context.Context, cfg Config, logger *slog.Logger) (*plugins.Manager, error) {
	if !cfg.BuiltinTools && len(cfg.ToolProviders) == 0 {
		return nil, nil
	}
	tools := plugins.NewManager(version, logger)
	if cfg.BuiltinTools {
		if err := tools.ConnectBuiltin(ctx); err != nil {
			_ = tools.Close()
			return nil, err
		}
	}
	for _, pc := range cfg.ToolProviders {
		if err := tools.Launch(ctx, pc); err != nil {
			_ = tools.Close()
			return nil, err
		}
	}
	return tools, nil
}

// close waits briefly for running executions, then closes the database.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := a.exec.Shutdown(ctx); err != nil {
		a.logger.Warn("executions still running at exit; resume them later", slog.String("error", err.Error()))
	}
	if a.tools != nil {
		if err := a.tools.Close(); err != nil {
			a.logger.Error("close tool providers", slog.String("error", err.Error()))
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("close store", slog.String("error", err.Error()))
	}
}
