package exchange

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"polymarket-copytrader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(t *testing.T, baseURL string, dryRun bool) *Client {
	t.Helper()
	cfg := testConfig()
	cfg.DryRun = dryRun
	cfg.API.CLOBBaseURL = baseURL

	auth, err := NewAuth(cfg)
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	return NewClient(cfg, auth, NewRateLimiter(), testLogger())
}

func TestDryRunPlaceOrder(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, "http://unused.invalid", true)

	resp, err := c.PlaceOrder(context.Background(), "tok1", types.BUY, 10, 0.50, types.Tick001, false)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if !resp.Success {
		t.Error("Success = false in dry-run")
	}
	if resp.OrderRef() == "" {
		t.Error("dry-run response carries no order id")
	}
	if !strings.HasPrefix(resp.OrderRef(), "dry-run-") {
		t.Errorf("OrderRef() = %q, want dry-run prefix", resp.OrderRef())
	}
}

func TestGetMarketMapsTokens(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/markets/0xcond" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"condition_id": "0xcond",
			"minimum_order_size": "15",
			"minimum_tick_size": "0.001",
			"neg_risk": true,
			"closed": false,
			"accepting_orders": true,
			"tokens": [
				{"token_id": "111", "outcome": "Yes"},
				{"token_id": "222", "outcome": "No"}
			]
		}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	info, err := c.GetMarket(context.Background(), "0xcond")
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}

	if info.YesTokenID != "111" || info.NoTokenID != "222" {
		t.Errorf("token ids = %s/%s, want 111/222", info.YesTokenID, info.NoTokenID)
	}
	if info.TickSize != types.Tick0001 {
		t.Errorf("TickSize = %q, want %q", info.TickSize, types.Tick0001)
	}
	if !info.NegRisk {
		t.Error("NegRisk = false")
	}
	if info.MinOrderSize != 15 {
		t.Errorf("MinOrderSize = %v, want 15", info.MinOrderSize)
	}
}

func TestGetMarketNotFoundIsClosed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	_, err := c.GetMarket(context.Background(), "0xgone")
	if !errors.Is(err, ErrMarketClosed) {
		t.Errorf("err = %v, want ErrMarketClosed", err)
	}
}

func TestGetMinOrderSizeDefaults(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"condition_id": "0xcond", "accepting_orders": true, "tokens": []}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	size, err := c.GetMinOrderSize(context.Background(), "0xcond")
	if err != nil {
		t.Fatalf("GetMinOrderSize: %v", err)
	}
	if size != 5 {
		t.Errorf("size = %v, want default 5", size)
	}
}

func TestGetBalanceAllowanceConvertsBaseUnits(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("POLY_SIGNATURE") == "" {
			t.Error("balance request missing L2 signature")
		}
		if r.URL.Query().Get("asset_type") != "COLLATERAL" {
			t.Errorf("asset_type = %q", r.URL.Query().Get("asset_type"))
		}
		w.Write([]byte(`{"balance": "2000000000"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	usdc, err := c.GetBalanceAllowance(context.Background())
	if err != nil {
		t.Fatalf("GetBalanceAllowance: %v", err)
	}
	if usdc != 2000 {
		t.Errorf("balance = %v, want 2000", usdc)
	}
}

func TestPlaceOrderSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/order" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("POLY_SIGNATURE") == "" {
			t.Error("order post missing L2 signature")
		}
		w.Write([]byte(`{"success": true, "orderID": "0xabc", "status": "live"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	resp, err := c.PlaceOrder(context.Background(), "123", types.BUY, 10, 0.50, types.Tick001, false)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if resp.OrderRef() != "0xabc" {
		t.Errorf("OrderRef() = %q, want 0xabc", resp.OrderRef())
	}
}

func TestPlaceOrderResponseValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		body       string
		wantClosed bool
	}{
		{"market closed text", 400, `{"error": "market is closed"}`, true},
		{"no orderbook", 200, `{"errorMsg": "orderbook does not exist"}`, true},
		{"http error", 500, `internal`, false},
		{"empty body", 200, ``, false},
		{"block page", 200, `<html><body>request denied</body></html>`, false},
		{"venue error field", 200, `{"error": "insufficient balance"}`, false},
		{"missing order id", 200, `{"success": true, "status": "live"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL, false)
			_, err := c.PlaceOrder(context.Background(), "123", types.SELL, 10, 0.50, types.Tick001, false)
			if err == nil {
				t.Fatal("expected error, got success")
			}
			if got := errors.Is(err, ErrMarketClosed); got != tt.wantClosed {
				t.Errorf("errors.Is(err, ErrMarketClosed) = %v, want %v (err: %v)", got, tt.wantClosed, err)
			}
		})
	}
}

func TestDeriveAPIKeySetsCredentials(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/derive-api-key" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("POLY_SIGNATURE") == "" || r.Header.Get("POLY_NONCE") == "" {
			t.Error("derive request missing L1 headers")
		}
		w.Write([]byte(`{"apiKey": "k", "secret": "c2VjcmV0", "passphrase": "p"}`))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.API.CLOBBaseURL = srv.URL
	cfg.API.ApiKey, cfg.API.Secret, cfg.API.Passphrase = "", "", ""

	auth, err := NewAuth(cfg)
	if err != nil {
		t.Fatal(err)
	}
	c := NewClient(cfg, auth, NewRateLimiter(), testLogger())

	creds, err := c.DeriveAPIKey(context.Background())
	if err != nil {
		t.Fatalf("DeriveAPIKey: %v", err)
	}
	if creds.ApiKey != "k" {
		t.Errorf("ApiKey = %q, want k", creds.ApiKey)
	}
	if !auth.HasL2Credentials() {
		t.Error("credentials not installed on auth")
	}
}
