// Polymarket copy-trading simulator — observes a set of leader wallets,
// aggregates their fills into short windows, and simulates whether a proxy
// portfolio would have copied each trade under configurable guardrails.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine + API, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: ingest routing, worker pool, lifecycle
//	aggregator/          — 2 s window bucketing and the small-trade buffer
//	executor/            — sizing, guardrails, and book-walk fill simulation
//	book/                — book cache, market WebSocket feed, REST fallback
//	venue/               — rate-limited HTTP client for the venue
//	portfolio/           — derived equity/exposure state for risk checks
//	store/               — SQLite persistence: attempts, fills, ledger, snapshots
//	api/                 — read-only operator HTTP surface
//
// No real orders are ever placed: every "fill" is a simulation against a
// live order book snapshot, persisted so the operator UI can audit each
// decision and its reasons.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"polymarket-copy/internal/api"
	"polymarket-copy/internal/config"
	"polymarket-copy/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("COPY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, eng.Store(), eng.ConfigManager(), eng.Executor(), eng.Portfolio(), logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("api server failed", "error", err)
			}
		}()
		logger.Info("api started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("copy trader started",
		"workers", cfg.Executor.Workers,
		"window_ms", cfg.System.AggregationWindowMs,
		"engine_enabled", eng.ConfigManager().EngineEnabled(),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop api server", "error", err)
		}
	}
	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
