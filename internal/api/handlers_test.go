package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"polymarket-copytrader/internal/config"
	"polymarket-copytrader/internal/engine"
	"polymarket-copytrader/internal/store"
	"polymarket-copytrader/pkg/types"
)

const walletAddr = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()

	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	cfg := config.Config{Dashboard: config.DashboardConfig{Enabled: true, Port: 0}}
	coord := engine.New(cfg, st, logger)
	if err := coord.UpdateRuntime(types.GlobalConfig{
		DefaultTradeSizeUSD: 2,
		PollIntervalMs:      15000,
	}); err != nil {
		t.Fatalf("UpdateRuntime: %v", err)
	}

	return NewServer(cfg.Dashboard, coord, st, logger), st
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestWalletLifecycleEndpoints(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/wallets",
		map[string]string{"address": walletAddr, "label": "whale one"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add: status = %d, body %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/wallets",
		map[string]string{"address": "0x123"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid address: status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/wallets", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}
	var listResp struct {
		Wallets []types.TrackedWallet `json:"wallets"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listResp); err != nil {
		t.Fatal(err)
	}
	if len(listResp.Wallets) != 1 || listResp.Wallets[0].Label != "whale one" {
		t.Errorf("wallets = %+v", listResp.Wallets)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/wallets/"+walletAddr+"/active",
		map[string]bool{"active": false})
	if rec.Code != http.StatusOK {
		t.Errorf("deactivate: status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/wallets/"+walletAddr+"/policy",
		types.WalletPolicy{SizingMode: types.SizingFixed, FixedTradeSize: 25})
	if rec.Code != http.StatusOK {
		t.Errorf("policy: status = %d, body %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/wallets/"+walletAddr+"/policy",
		map[string]float64{"price_min": 0.90, "price_max": 0.20})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("inverted price bounds: status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodDelete, "/api/wallets/"+walletAddr, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("remove: status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodDelete, "/api/wallets/"+walletAddr, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("remove twice: status = %d", rec.Code)
	}
}

func TestSetPolicyMergePreservesOmittedFields(t *testing.T) {
	t.Parallel()
	srv, st := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/wallets",
		map[string]string{"address": walletAddr})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add: status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodPost, "/api/wallets/"+walletAddr+"/policy",
		types.WalletPolicy{SizingMode: types.SizingFixed, FixedTradeSize: 25})
	if rec.Code != http.StatusOK {
		t.Fatalf("initial policy: status = %d, body %s", rec.Code, rec.Body)
	}

	// A patch naming only the side filter must not zero the sizing fields.
	rec = doJSON(t, h, http.MethodPost, "/api/wallets/"+walletAddr+"/policy",
		map[string]string{"side_filter": "buy_only"})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch: status = %d, body %s", rec.Code, rec.Body)
	}

	wallet, err := st.GetWallet(walletAddr)
	if err != nil || wallet == nil {
		t.Fatalf("GetWallet: wallet=%v err=%v", wallet, err)
	}
	if wallet.Policy.SideFilter != types.SideBuyOnly {
		t.Errorf("SideFilter = %q, want buy_only", wallet.Policy.SideFilter)
	}
	if wallet.Policy.SizingMode != types.SizingFixed || wallet.Policy.FixedTradeSize != 25 {
		t.Errorf("sizing fields lost by patch: %+v", wallet.Policy)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/wallets/0xdoesnotexist0000000000000000000000000000/policy",
		map[string]string{"side_filter": "buy_only"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("patch on untracked wallet: status = %d", rec.Code)
	}
}

func TestConfigEndpoints(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/config/tradesize",
		map[string]float64{"default_trade_size_usd": 12})
	if rec.Code != http.StatusOK {
		t.Fatalf("tradesize: status = %d, body %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/config/interval",
		map[string]int{"poll_interval_ms": 30000})
	if rec.Code != http.StatusOK {
		t.Fatalf("interval: status = %d, body %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/config/interval",
		map[string]int{"poll_interval_ms": 100})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("sub-second interval: status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/config/stoploss",
		types.StopLossConfig{Enabled: true, MaxCommitmentPercent: 80})
	if rec.Code != http.StatusOK {
		t.Fatalf("stoploss: status = %d, body %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/config", nil)
	var got types.GlobalConfig
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.DefaultTradeSizeUSD != 12 || got.PollIntervalMs != 30000 || !got.StopLoss.Enabled {
		t.Errorf("config = %+v", got)
	}
}

func TestEngineStatusAndStartFromIdle(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/engine/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var status engine.StatusInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.State != engine.StateIdle {
		t.Errorf("State = %q, want idle before initialization", status.State)
	}

	// Starting an uninitialized engine must refuse, not crash.
	rec = doJSON(t, h, http.MethodPost, "/api/engine/start", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("start from idle: status = %d", rec.Code)
	}
}

func TestTradeAndIssueEndpoints(t *testing.T) {
	t.Parallel()
	srv, st := newTestServer(t)
	h := srv.Handler()

	st.AppendTradeMetric(types.TradeMetric{MarketID: "m1", Status: types.StatusExecuted})
	st.AppendTradeMetric(types.TradeMetric{MarketID: "m2", Status: types.StatusFailed})
	id := st.LogIssue("executor", "order failed")

	rec := doJSON(t, h, http.MethodGet, "/api/trades/recent?limit=10", nil)
	var trades struct {
		Trades []types.TradeMetric `json:"trades"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &trades); err != nil {
		t.Fatal(err)
	}
	if len(trades.Trades) != 2 {
		t.Errorf("recent = %d, want 2", len(trades.Trades))
	}

	rec = doJSON(t, h, http.MethodGet, "/api/trades/failed", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &trades); err != nil {
		t.Fatal(err)
	}
	if len(trades.Trades) != 1 || trades.Trades[0].MarketID != "m2" {
		t.Errorf("failed = %+v", trades.Trades)
	}

	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/api/issues/%d/resolve", id), nil)
	if rec.Code != http.StatusOK {
		t.Errorf("resolve: status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodPost, "/api/issues/9999/resolve", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("resolve unknown: status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodPost, "/api/issues/abc/resolve", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("resolve bad id: status = %d", rec.Code)
	}
}
