package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/loomengine/loom/internal/engine"
	"github.com/loomengine/loom/internal/logging"
	"github.com/loomengine/loom/internal/schedule"
	"github.com/loomengine/loom/internal/store"
	"github.com/loomengine/loom/internal/streaming"
	"github.com/loomengine/loom/internal/tasks"
	"github.com/loomengine/loom/pkg/mcp"
	"github.com/loomengine/loom/pkg/schema"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		printVersion()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "loom: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	runLog := store.NewRunLog(st)
	hub := streaming.NewMemoryHub()

	registry, err := buildRegistry(cfg)
	if err != nil {
		return fmt.Errorf("build runner registry: %w", err)
	}

	eng := engine.New(engine.Config{
		GraphID:      cfg.GraphID,
		Concurrency:  cfg.Concurrency,
		HistoryLimit: cfg.HistoryLimit,
	}, engine.Deps{
		Registry: registry,
		Store:    st,
		Appender: runLog,
		Hub:      hub,
		Logger:   logger,
	})

	// Resume the persisted document when one exists for this graph.
	if err := eng.LoadGraph(ctx); err != nil {
		var le *schema.LoomError
		if !errors.As(err, &le) || le.Code != schema.ErrCodeNotFound {
			logger.Warn("failed to load persisted graph", "error", err)
		}
	}

	sched := schedule.NewScheduler(st, eng, logger)
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("scheduled job recovery failed", "error", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	srv := mcp.NewLoomServer(mcp.LoomServerDeps{
		Engine: eng,
		Store:  st,
		Logger: logger,
	})

	logger.Info("loom ready", "graph_id", eng.GraphID(), "db_path", cfg.DBPath, "offline", cfg.Offline)
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

// buildRegistry wires one runner per generative node kind. Composite nodes
// never execute, so no runner is registered for them.
func buildRegistry(cfg Config) (*tasks.Registry, error) {
	reg := tasks.NewRegistry()
	kinds := []schema.NodeKind{schema.KindText, schema.KindImage, schema.KindVideo, schema.KindCharacter}

	for _, kind := range kinds {
		var runner tasks.Runner
		if cfg.Offline || cfg.ProviderEndpoint == "" {
			runner = tasks.NewStaticRunner(string(kind))
		} else {
			r, err := tasks.NewHTTPRunner(string(kind), tasks.HTTPConfig{
				Endpoint: cfg.ProviderEndpoint,
				APIKey:   cfg.ProviderAPIKey,
				Extract:  cfg.ProviderExtract,
			})
			if err != nil {
				return nil, err
			}
			runner = r
		}
		if err := reg.Register(kind, runner); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	// Logs go to stderr; stdout carries the MCP stdio transport.
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
