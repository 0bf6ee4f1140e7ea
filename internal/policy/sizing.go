// sizing.go computes the USD size of a replicated order. Three modes:
//
//	unset        — global default size
//	fixed        — the wallet's fixed size, optionally gated by a threshold
//	               on the source trade's share of the source portfolio
//	proportional — the operator commits the same portfolio fraction the
//	               source wallet committed
//
// Every mode ends in a sanity cap that catches arithmetic or unit bugs
// before they reach the venue.
package policy

import (
	"context"
	"math"

	"github.com/shopspring/decimal"

	"polymarket-copytrader/pkg/types"
)

// computeSize returns the trade size in USD, or a rejection decision.
func (e *Engine) computeSize(ctx context.Context, t types.DetectedTrade, cfg types.GlobalConfig) (float64, *Decision) {
	p := t.Policy

	switch p.SizingMode {
	case types.SizingFixed:
		return e.fixedSize(ctx, t, cfg)
	case types.SizingProportional:
		return e.proportionalSize(ctx, t, cfg)
	default:
		sizeUSD := cfg.DefaultTradeSizeUSD
		if dec := capFixed(sizeUSD, cfg.DefaultTradeSizeUSD); dec != nil {
			return 0, dec
		}
		return sizeUSD, nil
	}
}

func (e *Engine) fixedSize(ctx context.Context, t types.DetectedTrade, cfg types.GlobalConfig) (float64, *Decision) {
	p := t.Policy

	configured := p.FixedTradeSize
	if configured <= 0 {
		configured = cfg.DefaultTradeSizeUSD
	}

	if p.ThresholdEnabled && p.ThresholdPercent > 0 {
		portfolio, err := e.accounts.GetPortfolioValue(ctx, t.Wallet)
		if err != nil {
			dec := rejectSafety("source portfolio unavailable", err)
			return 0, &dec
		}
		if portfolio <= 0 {
			dec := reject("source portfolio value is zero")
			return 0, &dec
		}
		pct := t.ValueUSD() / portfolio * 100
		if pct < p.ThresholdPercent {
			dec := reject("trade is %.2f%% of source portfolio, below threshold %.2f%%",
				pct, p.ThresholdPercent)
			return 0, &dec
		}
	}

	if dec := capFixed(configured, configured); dec != nil {
		return 0, dec
	}
	return configured, nil
}

// proportionalSize scales the operator's commitment to match the source's.
// If the source put 1% of a $50,000 portfolio into a trade and the operator
// holds $2,000 USDC, the replicated order is $20.
func (e *Engine) proportionalSize(ctx context.Context, t types.DetectedTrade, cfg types.GlobalConfig) (float64, *Decision) {
	p := t.Policy

	fallback := p.FixedTradeSize
	if fallback <= 0 {
		fallback = cfg.DefaultTradeSizeUSD
	}

	portfolio, perr := e.accounts.GetPortfolioValue(ctx, t.Wallet)
	usdc, berr := e.balance.GetBalanceAllowance(ctx)
	if perr != nil || berr != nil || portfolio <= 0 {
		// Proportional inputs unavailable: fall back to the fixed size
		// rather than guessing a scale.
		e.logger.Warn("proportional sizing inputs unavailable, using fallback",
			"wallet", t.Wallet, "fallback_usd", fallback,
			"portfolio_err", perr, "balance_err", berr)
		if dec := capFixed(fallback, fallback); dec != nil {
			return 0, dec
		}
		return fallback, nil
	}

	pct := decimal.NewFromFloat(t.ValueUSD()).
		Div(decimal.NewFromFloat(portfolio)).
		Mul(decimal.NewFromInt(100))
	sizeD := pct.Div(decimal.NewFromInt(100)).Mul(decimal.NewFromFloat(usdc))
	sizeUSD, _ := sizeD.Round(2).Float64()

	if sizeUSD <= 0 {
		dec := reject("proportional size computed as $%.2f", sizeUSD)
		return 0, &dec
	}

	limit := math.Max(2*sizeUSD, proportionalSanityCapUSD)
	if sizeUSD > limit {
		dec := reject("proportional size $%.2f exceeds sanity cap $%.2f", sizeUSD, limit)
		return 0, &dec
	}
	return sizeUSD, nil
}

// capFixed rejects fixed/global sizes that drifted past twice their
// configured value. With a straight assignment this cannot fire; it exists
// to catch future arithmetic on the size going wrong.
func capFixed(sizeUSD, configured float64) *Decision {
	if configured > 0 && sizeUSD > 2*configured {
		dec := reject("size $%.2f exceeds 2× configured $%.2f", sizeUSD, configured)
		return &dec
	}
	return nil
}

// round2 rounds to 2 decimal places using decimal arithmetic so float
// artifacts cannot nudge an order size.
func round2(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}
