// Package policy implements the per-trade filter chain that stands between
// a detected trade and real money. Each filter either accepts, rejects with
// a reason, or errors; errors always collapse to a rejection (fail-closed),
// never to an acceptance.
//
// The chain order is load-bearing. Cheap lookups run first, reads that hit
// the venue run late, and the SELL-ownership check runs last because it can
// clamp the order size decided by the sizing step.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"polymarket-copytrader/pkg/types"
)

// NoRepeatSafetyMinimumHours is the global no-repeat floor applied when a
// wallet has no explicit no-repeat window: the same (market, outcome) is
// never re-entered within 5 minutes.
const NoRepeatSafetyMinimumHours = 5.0 / 60.0

// proportionalSanityCapUSD bounds proportional sizing against unit bugs.
const proportionalSanityCapUSD = 500.0

// defaultMinOrderShares is assumed when the venue does not report a
// market's minimum order size.
const defaultMinOrderShares = 5.0

// Ledger is the slice of storage backing the no-repeat guard.
type Ledger interface {
	IsPositionBlocked(marketID string, outcome types.Outcome, blockHours float64) (bool, error)
}

// WalletDirectory provides the live tracked-wallet set. The engine reads it
// fresh on every trade so a removed wallet stops replicating immediately.
type WalletDirectory interface {
	ListActive() ([]types.TrackedWallet, error)
}

// AccountReader reads third-party account data from the venue.
type AccountReader interface {
	GetPortfolioValue(ctx context.Context, address string) (float64, error)
	GetUserPositions(ctx context.Context, address string) ([]types.UserPosition, error)
	PositionsValue(ctx context.Context, address string) (float64, error)
}

// BalanceReader reads the operator's spendable USDC.
type BalanceReader interface {
	GetBalanceAllowance(ctx context.Context) (float64, error)
}

// MarketReader reads market metadata.
type MarketReader interface {
	GetMinOrderSize(ctx context.Context, conditionID string) (float64, error)
}

// RateGate answers whether a wallet has headroom in its execution rate
// windows. Counters are owned by the coordinator and advance only on
// successful execution, so the gate never charges for a trade that later
// fails.
type RateGate interface {
	Allow(wallet string, perHour, perDay int) bool
}

// Decision is the engine's verdict for one detected trade.
type Decision struct {
	Accepted bool
	Reason   string            // set when rejected
	Order    *types.TradeOrder // set when accepted
	SizeUSD  float64           // set when accepted
}

func reject(format string, args ...interface{}) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// rejectSafety is the fail-closed path: a read backing a safety check
// failed, so the state is unknown and the trade must not happen.
func rejectSafety(detail string, err error) Decision {
	return Decision{Reason: fmt.Sprintf("safety: %s: %v", detail, err)}
}

// Engine evaluates detected trades against the full filter chain.
type Engine struct {
	wallets  WalletDirectory
	ledger   Ledger
	accounts AccountReader
	balance  BalanceReader
	markets  MarketReader
	rates    RateGate

	operatorEOA   string // lowercase
	operatorProxy string // lowercase, "" when the account has no proxy

	logger *slog.Logger
}

// NewEngine wires the filter chain's collaborators.
func NewEngine(
	wallets WalletDirectory,
	ledger Ledger,
	accounts AccountReader,
	balance BalanceReader,
	markets MarketReader,
	rates RateGate,
	operatorEOA, operatorProxy string,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		wallets:       wallets,
		ledger:        ledger,
		accounts:      accounts,
		balance:       balance,
		markets:       markets,
		rates:         rates,
		operatorEOA:   types.NormalizeAddress(operatorEOA),
		operatorProxy: types.NormalizeAddress(operatorProxy),
		logger:        logger.With("component", "policy"),
	}
}

// operatorPositionsAddress is where the operator's positions are indexed:
// the proxy wallet when the venue exposes one, otherwise the EOA.
func (e *Engine) operatorPositionsAddress() string {
	if e.operatorProxy != "" {
		return e.operatorProxy
	}
	return e.operatorEOA
}

// Evaluate runs the filter chain for one trade under the given runtime
// config. It performs venue reads and may block; callers pass a context
// with their own deadline.
func (e *Engine) Evaluate(ctx context.Context, t types.DetectedTrade, cfg types.GlobalConfig) Decision {
	p := t.Policy

	// 1. Tracked-wallet check, fresh read every trade.
	if t.Wallet == e.operatorEOA || (e.operatorProxy != "" && t.Wallet == e.operatorProxy) {
		return reject("trade source is the operator wallet")
	}
	active, err := e.wallets.ListActive()
	if err != nil {
		return rejectSafety("active wallet set unavailable", err)
	}
	tracked := false
	for _, w := range active {
		if w.Address == e.operatorEOA || (e.operatorProxy != "" && w.Address == e.operatorProxy) {
			return reject("operator wallet present in tracked set")
		}
		if w.Address == t.Wallet {
			tracked = true
		}
	}
	if !tracked {
		return reject("wallet %s is not actively tracked", t.Wallet)
	}

	// 2. Schema check.
	if t.MarketID == "" || t.MarketID == "unknown" {
		return reject("missing market identifier")
	}
	if t.Price <= 0 || t.Price > 1 {
		return reject("price %.4f outside (0, 1]", t.Price)
	}
	if t.Side != types.BUY && t.Side != types.SELL {
		return reject("unrecognized side %q", t.Side)
	}

	// 3. Side filter.
	switch p.SideFilter {
	case types.SideBuyOnly:
		if t.Side == types.SELL {
			return reject("side filter buy_only excludes SELL")
		}
	case types.SideSellOnly:
		if t.Side == types.BUY {
			return reject("side filter sell_only excludes BUY")
		}
	}

	// 4. Price bounds. The 0.01/0.99 envelope is hard: the venue cannot
	// execute outside it no matter what the per-wallet policy says.
	lo := math.Max(0.01, p.PriceMin)
	hi := 0.99
	if p.PriceMax > 0 {
		hi = math.Min(hi, p.PriceMax)
	}
	if t.Price < lo || t.Price > hi {
		return reject("price %.2f outside allowed band [%.2f, %.2f]", t.Price, lo, hi)
	}

	// 5. No-repeat. Always active: wallets without an explicit window get
	// the 5-minute global safety minimum. An explicit window of 0 blocks
	// forever.
	blockHours := NoRepeatSafetyMinimumHours
	if p.NoRepeatEnabled {
		blockHours = p.NoRepeatPeriodHours
	}
	blocked, err := e.ledger.IsPositionBlocked(t.MarketID, t.Outcome, blockHours)
	if err != nil {
		return rejectSafety("no-repeat ledger unavailable", err)
	}
	if blocked {
		return reject("position (%s, %s) blocked by no-repeat window", t.MarketID, t.Outcome)
	}

	// 6. Value filter.
	if p.ValueFilterEnabled {
		value := t.ValueUSD()
		if p.ValueFilterMin > 0 && value < p.ValueFilterMin {
			return reject("trade value $%.2f below minimum $%.2f", value, p.ValueFilterMin)
		}
		if p.ValueFilterMax > 0 && value > p.ValueFilterMax {
			return reject("trade value $%.2f above maximum $%.2f", value, p.ValueFilterMax)
		}
	}

	// 7. Rate limit. Counters advance only on successful execution, so this
	// is a pure headroom check.
	if p.RateLimitEnabled && !e.rates.Allow(t.Wallet, p.RateLimitPerHour, p.RateLimitPerDay) {
		return reject("rate limit reached for wallet %s", t.Wallet)
	}

	// 8. Side recheck (cheap; sizing below branches on it).
	if t.Side != types.BUY && t.Side != types.SELL {
		return reject("unrecognized side %q", t.Side)
	}

	// 9. Stop-loss.
	if cfg.StopLoss.Enabled {
		usdc, err := e.balance.GetBalanceAllowance(ctx)
		if err != nil {
			return rejectSafety("operator balance unavailable", err)
		}
		posValue, err := e.accounts.PositionsValue(ctx, e.operatorPositionsAddress())
		if err != nil {
			return rejectSafety("operator positions unavailable", err)
		}
		total := usdc + posValue
		if total > 0 {
			commitment := posValue / total * 100
			if commitment >= cfg.StopLoss.MaxCommitmentPercent {
				return reject("Stop-loss active: %.1f%% of capital committed (limit %.1f%%)",
					commitment, cfg.StopLoss.MaxCommitmentPercent)
			}
		}
	}

	// 10. Sizing.
	sizeUSD, dec := e.computeSize(ctx, t, cfg)
	if dec != nil {
		return *dec
	}

	// 11. Minimum-order check.
	shares := round2(sizeUSD / t.Price)
	minShares, err := e.markets.GetMinOrderSize(ctx, t.MarketID)
	if err != nil {
		e.logger.Warn("min order size unavailable, assuming default",
			"market", t.MarketID, "error", err)
		minShares = defaultMinOrderShares
	}
	if minShares <= 0 {
		minShares = defaultMinOrderShares
	}
	if shares < minShares {
		return reject("order of %.2f shares below market minimum %.2f (need ≥ $%.2f)",
			shares, minShares, minShares*t.Price)
	}

	// 12. SELL ownership. Replicating a SELL only makes sense for tokens
	// the operator actually holds; holdings smaller than the request clamp
	// the order.
	if t.Side == types.SELL {
		owned, err := e.ownedShares(ctx, t)
		if err != nil {
			return rejectSafety("operator holdings unavailable", err)
		}
		if owned <= 0 {
			return reject("operator holds none of token %s", t.TokenID)
		}
		if owned < shares {
			e.logger.Info("clamping SELL to owned shares",
				"market", t.MarketID, "requested", shares, "owned", owned)
			shares = round2(owned)
		}
	}

	order := &types.TradeOrder{
		MarketID:        t.MarketID,
		TokenID:         t.TokenID,
		Outcome:         t.Outcome,
		Side:            t.Side,
		Shares:          shares,
		Price:           t.Price,
		SlippagePercent: p.Slippage(),
		NegRisk:         t.NegRisk,
	}
	return Decision{Accepted: true, Order: order, SizeUSD: sizeUSD}
}

// ownedShares returns how many of the traded token the operator holds.
// Positions match by token id when the trade carries one, otherwise by
// (market, outcome).
func (e *Engine) ownedShares(ctx context.Context, t types.DetectedTrade) (float64, error) {
	positions, err := e.accounts.GetUserPositions(ctx, e.operatorPositionsAddress())
	if err != nil {
		return 0, err
	}
	for _, pos := range positions {
		if t.TokenID != "" && pos.Asset == t.TokenID {
			return pos.Size, nil
		}
		if t.TokenID == "" && pos.ConditionID == t.MarketID &&
			types.Outcome(normalizeOutcome(pos.Outcome)) == t.Outcome {
			return pos.Size, nil
		}
	}
	return 0, nil
}

func normalizeOutcome(s string) string {
	if len(s) > 0 && (s[0] == 'Y' || s[0] == 'y') {
		return string(types.OutcomeYes)
	}
	return string(types.OutcomeNo)
}
