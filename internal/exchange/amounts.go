package exchange

import (
	"math/big"

	"github.com/shopspring/decimal"

	"polymarket-copytrader/pkg/types"
)

// PriceToAmounts converts a human-readable price and size to makerAmount
// and takerAmount as big.Int values scaled to 6 decimals (USDC).
//
// For BUY:  you pay makerAmount USDC, you receive takerAmount tokens
// For SELL: you give makerAmount tokens, you receive takerAmount USDC
//
// Amounts are truncated, never rounded up: exceeding the intended notional
// by a base unit makes the venue reject the order as invalid.
func PriceToAmounts(price, size float64, side types.Side, tickSize types.TickSize) (makerAmt, takerAmt *big.Int) {
	amtDecimals := int32(tickSize.AmountDecimals())
	scale := decimal.New(1, 6) // USDC 6 decimals

	sizeD := decimal.NewFromFloat(size).Truncate(2)
	priceD := decimal.NewFromFloat(price)
	notional := sizeD.Mul(priceD).Truncate(amtDecimals)

	sizeUnits := sizeD.Mul(scale).BigInt()
	notionalUnits := notional.Mul(scale).BigInt()

	switch side {
	case types.BUY:
		// makerAmount = USDC cost, takerAmount = tokens received
		return notionalUnits, sizeUnits
	default:
		// makerAmount = tokens given, takerAmount = USDC received
		return sizeUnits, notionalUnits
	}
}

// Round2 rounds a share or USD quantity to 2 decimal places.
func Round2(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}
