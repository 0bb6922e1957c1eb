// USSPOT Engine — an automated spot-market trading bot for Binance.US.
//
// Architecture:
//
//	main.go             — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go    — orchestrator: wires scanner → signal generator → risk → execution
//	signal/signal.go    — four playbooks (breakout-trend, VWAP-revert, event-burst, dip-pullback)
//	risk/manager.go     — Kelly sizing, ordered pre-trade gates, daily/weekly kill switch
//	execution/router.go — maker-first pricing, order-type policy, fill reconciliation, lots
//	market/scanner.go   — polls the venue and builds per-pair snapshots with gate results
//	market/book.go      — local top-of-book mirror fed by the ticker WebSocket feed
//	exchange/client.go  — REST client for the Binance.US spot API
//	exchange/auth.go    — HMAC request signing
//	exchange/ws.go      — ticker WebSocket feed with auto-reconnect
//	store/store.go      — SQLite persistence for positions, orders, lots, trades, signals
//
// How it trades:
//
//	The scanner polls the configured universe for pairs passing the volume/
//	spread/depth quality gate. The signal generator runs four independent
//	playbooks against each gate-passing pair; any non-skipped signal is sized
//	by the risk manager and, if it clears every pre-trade gate, routed to the
//	venue as a maker-first limit order (falling back to market for decayed
//	event signals). Open positions are monitored on a fixed cadence and exited
//	on stop-loss, target, or per-playbook time-stop — in that priority order.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"usspot-engine/internal/config"
	"usspot-engine/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ENGINE_CONFIG"); p != "" {
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

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("usspot engine started",
		"universe", cfg.Scanner.Universe,
		"max_concurrent_positions", cfg.Risk.MaxConcurrentPositions,
		"r_percent", cfg.Risk.RPercent,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

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
