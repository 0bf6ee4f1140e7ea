// Polymarket Copy Trader — watches a configured set of wallets and
// replicates their prediction-market trades on the operator's account.
//
// Architecture:
//
//	main.go               — entry point: config, storage, coordinator, signals
//	engine/coordinator.go — wires detection → policy → execution, owns dedup
//	detect/poller.go      — scans each tracked wallet's Data API trade history
//	detect/detector.go    — merges the poller with the optional push stream
//	policy/engine.go      — the per-trade filter chain (side, price, repeat,
//	                        value, rate, stop-loss, sizing, ownership)
//	exchange/client.go    — CLOB REST client (orders, markets, balances)
//	exchange/data.go      — Data API client (trades, positions, portfolio)
//	exchange/auth.go      — L1 (EIP-712) and L2 (HMAC) authentication
//	exchange/ws.go        — user-channel WebSocket with auto-reconnect
//	store/store.go        — JSON file persistence (wallets, config, ledger,
//	                        metrics, issues) surviving restarts
//	api/server.go         — operator HTTP control surface
//
// How a trade flows:
//
//	A tracked wallet's fill shows up via polling or push. The coordinator
//	dedups it (tx hash, cross-source compound key, in-flight set), the
//	policy chain accepts or rejects it, and accepted trades become GTC
//	limit orders with a slippage allowance. Every terminal outcome is
//	recorded; executed positions enter a ledger that backs the no-repeat
//	guard.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"polymarket-copytrader/internal/api"
	"polymarket-copytrader/internal/config"
	"polymarket-copytrader/internal/engine"
	"polymarket-copytrader/internal/store"
)

func main() {
	// .env is optional; real deployments set POLY_* in the environment.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLY_CONFIG"); p != "" {
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

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		logger.Error("failed to open store", "error", err, "dir", cfg.Store.DataDir)
		os.Exit(1)
	}

	coord := engine.New(*cfg, st, logger)

	initCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	if err := coord.Initialize(initCtx); err != nil {
		cancel()
		logger.Error("failed to initialize engine", "error", err)
		os.Exit(1)
	}
	cancel()

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, coord, st, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("control API failed", "error", err)
			}
		}()
		logger.Info("control API started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if err := coord.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("polymarket copy trader started",
		"poll_interval_ms", coord.Runtime().PollIntervalMs,
		"default_trade_size_usd", coord.Runtime().DefaultTradeSizeUSD,
		"push_stream", cfg.API.WSUserURL != "",
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop control API", "error", err)
		}
	}

	coord.Stop()
	st.Close()
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
