// Latency-arb engine — exploits the lag between a spot crypto exchange and
// a CLOB-style binary prediction market by trading short-window contracts
// the instant the underlying spot price moves but the contract hasn't
// repriced yet.
//
// Architecture:
//
//	main.go                — entry point: loads config, starts the router, waits for SIGINT/SIGTERM
//	engine/engine.go       — router: binds tokens to strategies, routes ticks/book updates/rotations
//	strategy/strategy.go   — per-(asset,window) signal generation: latency-arb + certainty-arb edges
//	spotfeed/spotfeed.go   — spot exchange trade stream, online realized-vol estimation
//	discovery/discovery.go — polls the market-listing API for the live contract window per asset
//	exchange/book.go       — local contract order book mirror, YES/NO normalization
//	exchange/client.go     — REST client for the CLOB API (place/cancel orders, fetch book)
//	exchange/auth.go       — L1 (EIP-712) and L2 (HMAC) authentication
//	exchange/ws.go         — WebSocket feeds (market data + user fills/orders) with auto-reconnect
//	executor/executor.go   — order lifecycle: entry, monitoring, exit, crash-recovery restore
//	risk/manager.go        — bankroll, exposure, and kill-switch state, the single writer of both
//	store/store.go         — JSON + NDJSON persistence for state and the trade audit log
//
// How it makes money:
//
//	A binary contract's price should track the model-implied probability
//	derived from the spot price. When spot moves quickly, the contract
//	venue lags by a few seconds. The engine computes
//	the model probability from the latest spot tick and compares it to the
//	contract's current quote; once the edge clears the cost floor (slippage
//	+ fee + margin), it takes the side the contract hasn't repriced to yet.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"latencyarb/internal/api"
	"latencyarb/internal/config"
	"latencyarb/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ARB_CONFIG"); p != "" {
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
		apiServer = api.NewServer(cfg.Dashboard, eng, *cfg, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("latency-arb engine started",
		"assets", len(cfg.Assets),
		"starting_bankroll", cfg.Risk.StartingBankroll,
		"max_open_positions", cfg.Risk.MaxOpenPositions,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
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
