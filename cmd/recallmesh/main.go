package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/recallmesh/recallmesh/internal/backend"
	"github.com/recallmesh/recallmesh/internal/config"
	"github.com/recallmesh/recallmesh/internal/coordination"
	"github.com/recallmesh/recallmesh/internal/events"
	"github.com/recallmesh/recallmesh/internal/llm"
	"github.com/recallmesh/recallmesh/internal/orchestrator"
	"github.com/recallmesh/recallmesh/internal/server"
	"github.com/recallmesh/recallmesh/internal/store"
)

const appVersion = "0.1.0"

var (
	version  = flag.Bool("version", false, "Print version and exit")
	debug    = flag.Bool("debug", false, "Enable debug logging")
	httpMode = flag.Bool("http", false, "Enable HTTP/SSE transport instead of stdio")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Println("recallmesh v" + appVersion)
		os.Exit(0)
	}

	// Setup structured logging. Logs go to stderr so stdio transport
	// keeps stdout for the protocol.
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg := config.FromEnv()

	logger.Info("starting recallmesh",
		"version", appVersion,
		"debug", *debug,
		"http_mode", *httpMode,
		"db", cfg.Database.Path,
		"llm_provider", cfg.LLM.Provider,
	)

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	client, err := llm.NewClient(cfg.LLM)
	if err != nil {
		logger.Error("create llm client", "error", err)
		os.Exit(1)
	}

	var be backend.Backend
	if cfg.Backend.URL != "" {
		be = backend.NewHTTPBackend(cfg.Backend.URL, cfg.Backend.APIKey, cfg.Backend.Timeout)
	} else {
		logger.Warn("no memory backend configured, using in-process mock")
		be = &backend.MockBackend{}
	}

	mux := events.NewMux(cfg.Events.KeepaliveInterval, cfg.Events.MaxKeepalives, logger)
	registry := coordination.NewRegistry(db, logger)
	locks := coordination.NewLockManager(db, mux, cfg.Coordination.MaxLockTime, logger)
	progress := coordination.NewProgressTracker(db, mux, logger)
	caster := coordination.NewBroadcaster(db, mux, logger)
	planner := orchestrator.NewPlanner(client, be, cfg.LLM.Timeout, cfg.Backend.Timeout, logger)

	mcpServer := server.NewMCPServer(server.Config{
		Name:         "recallmesh",
		Version:      appVersion,
		DefaultUser:  cfg.Server.DefaultUser,
		AllowedTools: cfg.Server.AllowedTools,
	}, registry, locks, progress, caster, mux, planner, be, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sweeper := coordination.NewSweeper(locks, registry,
		cfg.Coordination.SweepInterval, cfg.Coordination.StaleThreshold,
		cfg.Coordination.SessionMaxIdle, logger)
	go sweeper.Run(ctx)

	go func() {
		if *httpMode {
			if err := mcpServer.ServeHTTP(ctx, cfg.ListenAddr()); err != nil {
				logger.Error("MCP server error", "error", err)
				cancel()
			}
		} else {
			if err := mcpServer.Serve(); err != nil {
				logger.Error("MCP server error", "error", err)
				cancel()
			}
		}
	}()

	select {
	case <-sigChan:
		logger.Info("received shutdown signal")
	case <-ctx.Done():
		logger.Info("context canceled")
	}

	cancel()
	logger.Info("recallmesh shutdown complete")
}
