// Package api exposes the operator control surface as a small JSON HTTP
// API: wallet management, runtime configuration, engine lifecycle, and
// trade/issue history. No authentication — bind it to localhost.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"polymarket-copytrader/internal/config"
	"polymarket-copytrader/internal/engine"
	"polymarket-copytrader/internal/store"
)

// Server runs the operator HTTP API.
type Server struct {
	cfg      config.DashboardConfig
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the route table over the coordinator and the store.
func NewServer(cfg config.DashboardConfig, coord *engine.Coordinator, st *store.Store, logger *slog.Logger) *Server {
	h := NewHandlers(coord, st, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HandleHealth)

	mux.HandleFunc("GET /api/wallets", h.HandleListWallets)
	mux.HandleFunc("POST /api/wallets", h.HandleAddWallet)
	mux.HandleFunc("DELETE /api/wallets/{addr}", h.HandleRemoveWallet)
	mux.HandleFunc("POST /api/wallets/{addr}/active", h.HandleSetActive)
	mux.HandleFunc("POST /api/wallets/{addr}/policy", h.HandleSetPolicy)
	mux.HandleFunc("POST /api/wallets/{addr}/label", h.HandleSetLabel)

	mux.HandleFunc("GET /api/config", h.HandleGetConfig)
	mux.HandleFunc("POST /api/config/stoploss", h.HandleSetStopLoss)
	mux.HandleFunc("POST /api/config/interval", h.HandleSetInterval)
	mux.HandleFunc("POST /api/config/tradesize", h.HandleSetTradeSize)

	mux.HandleFunc("GET /api/engine/status", h.HandleEngineStatus)
	mux.HandleFunc("POST /api/engine/start", h.HandleEngineStart)
	mux.HandleFunc("POST /api/engine/stop", h.HandleEngineStop)
	mux.HandleFunc("POST /api/engine/credentials", h.HandleEngineCredentials)

	mux.HandleFunc("GET /api/trades/recent", h.HandleRecentTrades)
	mux.HandleFunc("GET /api/trades/failed", h.HandleFailedTrades)

	mux.HandleFunc("GET /api/issues", h.HandleListIssues)
	mux.HandleFunc("POST /api/issues/{id}/resolve", h.HandleResolveIssue)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		handlers: h,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Handler returns the server's route table, mainly for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("control API listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	s.logger.Info("stopping control API")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
