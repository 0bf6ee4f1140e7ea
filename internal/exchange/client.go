// Package exchange implements the Polymarket venue clients used by the
// copy trader:
//
//   - Client (CLOB REST):  order placement and market metadata
//     PlaceOrder:          POST /order            — sign and place one GTC order
//     GetMarket:           GET  /markets/{id}     — tick size, neg-risk, token ids
//     GetBalanceAllowance: GET  /balance-allowance — operator USDC balance
//     DeriveAPIKey:        GET  /auth/derive-api-key — bootstrap L2 creds from L1 wallet
//
//   - DataClient (Data API REST, data.go): trade history, positions,
//     portfolio values and proxy-wallet lookup for arbitrary addresses.
//
//   - Stream (WebSocket, ws.go): push subscription for tracked-wallet trades.
//
// Order posts are never retried (at-most-once). Data reads retry with
// exponential backoff on transient failures and share token-bucket limits.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-copytrader/internal/config"
	"polymarket-copytrader/pkg/types"
)

// ErrMarketClosed marks a venue refusal: the market is closed or its order
// book no longer exists. Callers treat this as informational, not a failure.
var ErrMarketClosed = errors.New("market closed or orderbook missing")

// marketClosedIndicators are substrings the venue uses when refusing an
// order for a dead market.
var marketClosedIndicators = []string{
	"market is closed",
	"market closed",
	"orderbook does not exist",
	"no orderbook",
	"not accepting orders",
}

// blockIndicators are bodies the venue's front door returns instead of JSON
// when a request is blocked. A response containing one is never a fill.
var blockIndicators = []string{
	"cloudflare",
	"access denied",
	"<html",
	"blocked",
}

// Client is the Polymarket CLOB REST API client.
// It wraps a resty HTTP client with rate limiting and auth. Mutating calls
// are never retried.
type Client struct {
	http   *resty.Client // HTTP client with base URL (no retry for orders)
	auth   *Auth         // L1/L2 auth provider for request signing
	rl     *RateLimiter  // shared rate limiting
	dryRun bool          // when true, PlaceOrder returns fake success without HTTP calls
	logger *slog.Logger
}

// NewClient creates a CLOB REST client.
func NewClient(cfg config.Config, auth *Auth, rl *RateLimiter, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.API.CLOBBaseURL).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     rl,
		dryRun: cfg.DryRun,
		logger: logger,
	}
}

// Auth exposes the client's auth provider (for WS credentials).
func (c *Client) Auth() *Auth {
	return c.auth
}

// DeriveAPIKey derives L2 API credentials via L1 authentication.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}

// clobMarket is the CLOB's market metadata response shape.
type clobMarket struct {
	ConditionID      string  `json:"condition_id"`
	MinimumOrderSize float64 `json:"minimum_order_size,string"`
	MinimumTickSize  string  `json:"minimum_tick_size"`
	NegRisk          bool    `json:"neg_risk"`
	Closed           bool    `json:"closed"`
	AcceptingOrders  bool    `json:"accepting_orders"`
	Tokens           []struct {
		TokenID string `json:"token_id"`
		Outcome string `json:"outcome"`
	} `json:"tokens"`
}

// GetMarket fetches metadata for a market by condition ID.
func (c *Client) GetMarket(ctx context.Context, conditionID string) (*types.MarketInfo, error) {
	if err := c.rl.WaitData(ctx); err != nil {
		return nil, err
	}

	var result clobMarket
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/markets/" + conditionID)
	if err != nil {
		return nil, fmt.Errorf("get market: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("get market %s: %w", conditionID, ErrMarketClosed)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get market: status %d: %s", resp.StatusCode(), resp.String())
	}

	info := &types.MarketInfo{
		ConditionID:     result.ConditionID,
		TickSize:        types.TickSize(result.MinimumTickSize),
		MinOrderSize:    result.MinimumOrderSize,
		NegRisk:         result.NegRisk,
		Closed:          result.Closed,
		AcceptingOrders: result.AcceptingOrders,
	}
	if info.TickSize == "" {
		info.TickSize = types.Tick001
	}
	for _, tok := range result.Tokens {
		switch strings.ToUpper(tok.Outcome) {
		case "YES":
			info.YesTokenID = tok.TokenID
		case "NO":
			info.NoTokenID = tok.TokenID
		}
	}
	return info, nil
}

// GetMinOrderSize returns the minimum order size in shares for a token's
// market, defaulting to 5 when the venue does not report one.
func (c *Client) GetMinOrderSize(ctx context.Context, conditionID string) (float64, error) {
	info, err := c.GetMarket(ctx, conditionID)
	if err != nil {
		return 0, err
	}
	if info.MinOrderSize <= 0 {
		return 5, nil
	}
	return info.MinOrderSize, nil
}

// balanceAllowance is the CLOB's collateral balance response.
type balanceAllowance struct {
	Balance string `json:"balance"` // USDC in 6-decimal base units
}

// GetBalanceAllowance returns the operator's spendable USDC balance in USD.
func (c *Client) GetBalanceAllowance(ctx context.Context) (float64, error) {
	if err := c.rl.WaitData(ctx); err != nil {
		return 0, err
	}

	path := "/balance-allowance"
	headers, err := c.auth.L2Headers("GET", path, "")
	if err != nil {
		return 0, fmt.Errorf("l2 headers: %w", err)
	}

	var result balanceAllowance
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(map[string]string{
			"asset_type":     "COLLATERAL",
			"signature_type": fmt.Sprintf("%d", c.auth.sigType),
		}).
		SetResult(&result).
		Get(path)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("get balance: status %d: %s", resp.StatusCode(), resp.String())
	}

	var base float64
	if _, err := fmt.Sscanf(strings.TrimSpace(result.Balance), "%f", &base); err != nil {
		return 0, fmt.Errorf("parse balance %q: %w", result.Balance, err)
	}
	return base / 1e6, nil
}

// PlaceOrder signs and posts a single GTC order. It is never retried: a
// timeout after the POST leaves the venue-side state unknown, and at-most-once
// beats double execution.
//
// The response is validated before any success is reported:
//  1. HTTP status < 400
//  2. body non-empty and not a venue block page
//  3. no error field set
//  4. an order identifier present under orderID, orderId or id
//
// A venue refusal for a dead market returns ErrMarketClosed.
func (c *Client) PlaceOrder(ctx context.Context, tokenID string, side types.Side, size, price float64, tickSize types.TickSize, negRisk bool) (*types.OrderResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order",
			"token", tokenID, "side", side, "size", size, "price", price)
		return &types.OrderResponse{
			Success:      true,
			OrderIDUpper: fmt.Sprintf("dry-run-%d", time.Now().UnixNano()),
			Status:       "live",
		}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	if tickSize == "" {
		tickSize = types.Tick001
	}
	makerAmt, takerAmt := PriceToAmounts(price, size, side, tickSize)

	order := types.SignedOrder{
		TokenID:     tokenID,
		MakerAmount: makerAmt,
		TakerAmount: takerAmt,
		Side:        side,
		Expiration:  "0",
		Nonce:       "0",
		FeeRateBps:  "0",
	}
	if err := c.auth.SignOrder(&order, negRisk); err != nil {
		return nil, fmt.Errorf("sign order: %w", err)
	}

	payload := types.OrderPayload{
		Order:     order,
		Owner:     c.auth.creds.ApiKey,
		OrderType: types.OrderTypeGTC,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/order", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		Post("/order")
	if err != nil {
		return nil, fmt.Errorf("post order: %w", err)
	}

	return c.validateOrderResponse(resp)
}

// validateOrderResponse applies the response checks that must all pass
// before an order is considered placed. Validation fails closed: anything
// ambiguous is an error, never a success.
func (c *Client) validateOrderResponse(resp *resty.Response) (*types.OrderResponse, error) {
	raw := resp.String()
	lower := strings.ToLower(raw)

	if closedReason := matchIndicator(lower, marketClosedIndicators); closedReason != "" {
		return nil, fmt.Errorf("%s: %w", closedReason, ErrMarketClosed)
	}
	if resp.StatusCode() >= http.StatusBadRequest {
		return nil, fmt.Errorf("post order: status %d: %s", resp.StatusCode(), raw)
	}
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("post order: empty response body")
	}
	if blocked := matchIndicator(lower, blockIndicators); blocked != "" {
		return nil, fmt.Errorf("post order: blocked response (%s)", blocked)
	}

	var result types.OrderResponse
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("post order: unexpected body %q: %w", truncate(raw, 200), err)
	}
	if msg := result.ErrField(); msg != "" {
		if matchIndicator(strings.ToLower(msg), marketClosedIndicators) != "" {
			return nil, fmt.Errorf("%s: %w", msg, ErrMarketClosed)
		}
		return nil, fmt.Errorf("post order: venue error: %s", msg)
	}
	if result.OrderRef() == "" {
		return nil, fmt.Errorf("post order: response carries no order id: %s", truncate(raw, 200))
	}

	return &result, nil
}

func matchIndicator(haystack string, indicators []string) string {
	for _, ind := range indicators {
		if strings.Contains(haystack, ind) {
			return ind
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
