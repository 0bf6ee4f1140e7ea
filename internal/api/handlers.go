package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"polymarket-copytrader/internal/engine"
	"polymarket-copytrader/internal/store"
	"polymarket-copytrader/pkg/types"
)

// Handlers holds the handler dependencies.
type Handlers struct {
	coord  *engine.Coordinator
	store  *store.Store
	logger *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(coord *engine.Coordinator, st *store.Store, logger *slog.Logger) *Handlers {
	return &Handlers{
		coord:  coord,
		store:  st,
		logger: logger.With("component", "api-handlers"),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

// HandleHealth is a liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ————————————————————————————————————————————————————————————————————————
// Wallets
// ————————————————————————————————————————————————————————————————————————

// HandleListWallets returns every tracked wallet.
func (h *Handlers) HandleListWallets(w http.ResponseWriter, r *http.Request) {
	wallets, err := h.store.ListWallets()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"wallets": wallets})
}

// HandleAddWallet starts tracking a wallet. New wallets are active with a
// default policy.
func (h *Handlers) HandleAddWallet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
		Label   string `json:"label"`
	}
	if !readJSON(w, r, &req) {
		return
	}

	wallet, err := h.store.AddWallet(req.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Label != "" {
		if err := h.store.SetLabel(wallet.Address, req.Label); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		wallet.Label = req.Label
	}
	h.reloadStream()
	writeJSON(w, http.StatusCreated, wallet)
}

// HandleRemoveWallet stops tracking a wallet entirely.
func (h *Handlers) HandleRemoveWallet(w http.ResponseWriter, r *http.Request) {
	if err := h.store.RemoveWallet(r.PathValue("addr")); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	h.reloadStream()
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// HandleSetActive pauses or resumes copying for one wallet.
func (h *Handlers) HandleSetActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active bool `json:"active"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if err := h.store.SetActive(r.PathValue("addr"), req.Active); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	h.reloadStream()
	writeJSON(w, http.StatusOK, map[string]bool{"active": req.Active})
}

// HandleSetPolicy merges a patch into a wallet's copy policy: fields present
// in the request overwrite, omitted fields keep their current value. Applies
// to trades detected after this call; in-flight trades keep their snapshot.
func (h *Handlers) HandleSetPolicy(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.store.GetWallet(r.PathValue("addr"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if wallet == nil {
		writeError(w, http.StatusNotFound, errors.New("wallet not tracked"))
		return
	}
	policy := wallet.Policy
	if !readJSON(w, r, &policy) {
		return
	}
	if err := h.store.UpdateWalletPolicy(wallet.Address, policy); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

// HandleSetLabel renames a wallet.
func (h *Handlers) HandleSetLabel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Label string `json:"label"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if err := h.store.SetLabel(r.PathValue("addr"), req.Label); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"label": req.Label})
}

func (h *Handlers) reloadStream() {
	if err := h.coord.ReloadWallets(); err != nil {
		h.logger.Warn("wallet reload", "error", err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Runtime configuration
// ————————————————————————————————————————————————————————————————————————

// HandleGetConfig returns the current runtime configuration.
func (h *Handlers) HandleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coord.Runtime())
}

// HandleSetStopLoss updates the stop-loss gate.
func (h *Handlers) HandleSetStopLoss(w http.ResponseWriter, r *http.Request) {
	var req types.StopLossConfig
	if !readJSON(w, r, &req) {
		return
	}
	cfg := h.coord.Runtime()
	cfg.StopLoss = req
	if err := h.coord.UpdateRuntime(cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// HandleSetInterval updates the poll interval. Takes effect from the next
// poll tick.
func (h *Handlers) HandleSetInterval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PollIntervalMs int `json:"poll_interval_ms"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	cfg := h.coord.Runtime()
	cfg.PollIntervalMs = req.PollIntervalMs
	if err := h.coord.UpdateRuntime(cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// HandleSetTradeSize updates the global default trade size.
func (h *Handlers) HandleSetTradeSize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DefaultTradeSizeUSD float64 `json:"default_trade_size_usd"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	cfg := h.coord.Runtime()
	cfg.DefaultTradeSizeUSD = req.DefaultTradeSizeUSD
	if err := h.coord.UpdateRuntime(cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// ————————————————————————————————————————————————————————————————————————
// Engine lifecycle
// ————————————————————————————————————————————————————————————————————————

// HandleEngineStatus reports the coordinator's state.
func (h *Handlers) HandleEngineStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coord.Status())
}

// HandleEngineStart starts the detection pipeline.
func (h *Handlers) HandleEngineStart(w http.ResponseWriter, r *http.Request) {
	if err := h.coord.Start(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, h.coord.Status())
}

// HandleEngineStop stops the pipeline and drains in-flight trades.
func (h *Handlers) HandleEngineStop(w http.ResponseWriter, r *http.Request) {
	h.coord.Stop()
	writeJSON(w, http.StatusOK, h.coord.Status())
}

// HandleEngineCredentials rebuilds the venue clients from current
// configuration, restarting a running pipeline.
func (h *Handlers) HandleEngineCredentials(w http.ResponseWriter, r *http.Request) {
	if err := h.coord.ReinitCredentials(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, h.coord.Status())
}

// ————————————————————————————————————————————————————————————————————————
// Trade history and issues
// ————————————————————————————————————————————————————————————————————————

func limitParam(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// HandleRecentTrades returns the most recent trade metrics, newest first.
func (h *Handlers) HandleRecentTrades(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"trades": h.store.RecentTrades(limitParam(r, 50)),
	})
}

// HandleFailedTrades returns the most recent failed trades, newest first.
func (h *Handlers) HandleFailedTrades(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"trades": h.store.FailedTrades(limitParam(r, 50)),
	})
}

// HandleListIssues returns open and resolved system issues, newest first.
func (h *Handlers) HandleListIssues(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issues": h.store.ListIssues(),
	})
}

// HandleResolveIssue marks an issue resolved.
func (h *Handlers) HandleResolveIssue(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid issue id"))
		return
	}
	if err := h.store.ResolveIssue(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}
