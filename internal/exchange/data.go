// data.go implements the Polymarket Data API client: idempotent reads over
// public account data (trade history, positions, portfolio values, proxy
// wallets). Unlike order posts, these reads are safe to retry; transient
// failures (429, 5xx, transport errors) back off exponentially for up to
// three attempts starting at one second. Every read passes through the
// shared data-API token buckets.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-copytrader/internal/config"
	"polymarket-copytrader/pkg/types"
)

// DataClient is the Polymarket Data API client. All methods are idempotent
// reads for arbitrary (not just operator-owned) addresses.
type DataClient struct {
	http   *resty.Client
	rl     *RateLimiter
	logger *slog.Logger
}

// NewDataClient creates a Data API client with retry and rate limiting.
func NewDataClient(cfg config.Config, rl *RateLimiter, logger *slog.Logger) *DataClient {
	httpClient := resty.New().
		SetBaseURL(cfg.API.DataBaseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(2). // 3 attempts total
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(8 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true // transport error / connection reset
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json")

	return &DataClient{
		http:   httpClient,
		rl:     rl,
		logger: logger,
	}
}

// GetUserTrades fetches the most recent trades for a wallet, newest first.
func (d *DataClient) GetUserTrades(ctx context.Context, address string, limit int) ([]types.UserTrade, error) {
	if err := d.rl.WaitData(ctx); err != nil {
		return nil, err
	}

	var result []types.UserTrade
	resp, err := d.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"user":  address,
			"limit": strconv.Itoa(limit),
		}).
		SetResult(&result).
		Get("/trades")
	if err != nil {
		return nil, fmt.Errorf("get user trades: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get user trades: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// GetUserPositions fetches a wallet's open positions.
func (d *DataClient) GetUserPositions(ctx context.Context, address string) ([]types.UserPosition, error) {
	if err := d.rl.WaitData(ctx); err != nil {
		return nil, err
	}

	var result []types.UserPosition
	resp, err := d.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"user":          address,
			"sizeThreshold": "0", // include positions of any size
		}).
		SetResult(&result).
		Get("/positions")
	if err != nil {
		return nil, fmt.Errorf("get user positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get user positions: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// portfolioValue is the Data API's /value response: one row per requested user.
type portfolioValue struct {
	User  string  `json:"user"`
	Value float64 `json:"value"`
}

// GetPortfolioValue returns a wallet's total portfolio value in USD
// (cash plus positions marked at current prices).
func (d *DataClient) GetPortfolioValue(ctx context.Context, address string) (float64, error) {
	if err := d.rl.WaitData(ctx); err != nil {
		return 0, err
	}

	var result []portfolioValue
	resp, err := d.http.R().
		SetContext(ctx).
		SetQueryParam("user", address).
		SetResult(&result).
		Get("/value")
	if err != nil {
		return 0, fmt.Errorf("get portfolio value: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("get portfolio value: status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(result) == 0 {
		return 0, fmt.Errorf("get portfolio value: empty response for %s", address)
	}
	return result[0].Value, nil
}

// PositionsValue sums a wallet's open positions at current prices.
func (d *DataClient) PositionsValue(ctx context.Context, address string) (float64, error) {
	positions, err := d.GetUserPositions(ctx, address)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, p := range positions {
		total += p.ValueUSD()
	}
	return total, nil
}

// GetProxyWallet resolves the proxy wallet funding an EOA, or "" when the
// account has none. Positions and balances for proxy-funded accounts are
// indexed under the proxy address, not the signing key's address.
func (d *DataClient) GetProxyWallet(ctx context.Context, eoa string) (string, error) {
	if err := d.rl.WaitData(ctx); err != nil {
		return "", err
	}

	var result types.PublicProfile
	resp, err := d.http.R().
		SetContext(ctx).
		SetQueryParam("address", eoa).
		SetResult(&result).
		Get("/public-profile")
	if err != nil {
		return "", fmt.Errorf("get proxy wallet: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("get proxy wallet: status %d: %s", resp.StatusCode(), resp.String())
	}
	return types.NormalizeAddress(result.ProxyWallet), nil
}
