// executor.go turns an accepted TradeOrder into a posted venue order and
// classifies the outcome. The post itself is at-most-once: the exchange
// client never retries it, and neither does the executor.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-copytrader/internal/exchange"
	"polymarket-copytrader/pkg/types"
)

// OrderVenue is the slice of the CLOB client the executor needs.
type OrderVenue interface {
	PlaceOrder(ctx context.Context, tokenID string, side types.Side, size, price float64, tickSize types.TickSize, negRisk bool) (*types.OrderResponse, error)
	GetMarket(ctx context.Context, conditionID string) (*types.MarketInfo, error)
}

// Executor posts replication orders as Good-Til-Cancelled limit orders with
// a slippage allowance around the detected price.
type Executor struct {
	venue  OrderVenue
	logger *slog.Logger
}

// NewExecutor creates an executor over the given venue client.
func NewExecutor(venue OrderVenue, logger *slog.Logger) *Executor {
	return &Executor{
		venue:  venue,
		logger: logger.With("component", "executor"),
	}
}

// LimitPrice computes the slippage-adjusted limit price, clamped to the
// venue's executable envelope and rounded to 2 decimals.
//
//	BUY:  min(0.99, price × (1 + slippage/100))
//	SELL: max(0.01, price × (1 − slippage/100))
func LimitPrice(side types.Side, price, slippagePercent float64) float64 {
	adj := decimal.NewFromFloat(price).
		Mul(decimal.NewFromFloat(1 + slippagePercent/100))
	if side == types.SELL {
		adj = decimal.NewFromFloat(price).
			Mul(decimal.NewFromFloat(1 - slippagePercent/100))
	}
	limit, _ := adj.Round(2).Float64()
	if side == types.BUY {
		return math.Min(0.99, limit)
	}
	return math.Max(0.01, limit)
}

// Execute posts one order and classifies the result. A missing token id or
// tick size is resolved from market metadata first; resolution failures for
// a dead market classify as market_closed rather than an error.
func (x *Executor) Execute(ctx context.Context, order types.TradeOrder) types.TradeResult {
	start := time.Now()
	fail := func(err error) types.TradeResult {
		return types.TradeResult{
			Status:          types.StatusFailed,
			Error:           err.Error(),
			ExecutionTimeMs: time.Since(start).Milliseconds(),
		}
	}

	tokenID := order.TokenID
	tickSize := types.Tick001
	negRisk := order.NegRisk

	if tokenID == "" {
		info, err := x.venue.GetMarket(ctx, order.MarketID)
		if err != nil {
			if errors.Is(err, exchange.ErrMarketClosed) {
				return x.marketClosed(order, start, err)
			}
			return fail(err)
		}
		if info.Closed || !info.AcceptingOrders {
			return x.marketClosed(order, start, exchange.ErrMarketClosed)
		}
		tickSize = info.TickSize
		negRisk = info.NegRisk
		if order.Outcome == types.OutcomeYes {
			tokenID = info.YesTokenID
		} else {
			tokenID = info.NoTokenID
		}
		if tokenID == "" {
			return fail(errors.New("market metadata carries no token id for outcome"))
		}
	} else if info, err := x.venue.GetMarket(ctx, order.MarketID); err == nil {
		// Token known; still prefer the market's own tick size and neg-risk
		// flag over what the detection source reported.
		tickSize = info.TickSize
		negRisk = info.NegRisk
	} else if errors.Is(err, exchange.ErrMarketClosed) {
		return x.marketClosed(order, start, err)
	}

	limit := LimitPrice(order.Side, order.Price, order.SlippagePercent)

	resp, err := x.venue.PlaceOrder(ctx, tokenID, order.Side, order.Shares, limit, tickSize, negRisk)
	if err != nil {
		if errors.Is(err, exchange.ErrMarketClosed) {
			return x.marketClosed(order, start, err)
		}
		return fail(err)
	}

	x.logger.Info("order executed",
		"market", order.MarketID,
		"side", order.Side,
		"shares", order.Shares,
		"limit", limit,
		"order_id", resp.OrderRef(),
	)
	return types.TradeResult{
		Success:         true,
		Status:          types.StatusExecuted,
		OrderID:         resp.OrderRef(),
		TransactionHash: resp.TransactionHash,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}
}

// marketClosed is the informational non-error terminal: the venue refused
// because the market is dead. Suppressed from the issue log.
func (x *Executor) marketClosed(order types.TradeOrder, start time.Time, err error) types.TradeResult {
	x.logger.Info("market not tradable",
		"market", order.MarketID, "detail", err.Error())
	return types.TradeResult{
		Status:          types.StatusMarketClosed,
		Error:           err.Error(),
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}
}
