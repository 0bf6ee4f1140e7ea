package exchange

import (
	"testing"

	"polymarket-copytrader/pkg/types"
)

func TestPriceToAmounts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		price    float64
		size     float64
		side     types.Side
		tickSize types.TickSize
		wantMkr  int64
		wantTkr  int64
	}{
		{"buy round numbers", 0.50, 10, types.BUY, types.Tick001, 5_000_000, 10_000_000},
		{"sell round numbers", 0.50, 10, types.SELL, types.Tick001, 10_000_000, 5_000_000},
		{"buy truncates notional", 0.333, 3.33, types.BUY, types.Tick001, 1_108_800, 3_330_000},
		{"coarse tick truncates more", 0.333, 3.33, types.BUY, types.Tick01, 1_108_000, 3_330_000},
		{"size truncated to 2dp", 0.50, 10.999, types.BUY, types.Tick001, 5_495_000, 10_990_000},
		{"penny price", 0.01, 100, types.BUY, types.Tick001, 1_000_000, 100_000_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mkr, tkr := PriceToAmounts(tt.price, tt.size, tt.side, tt.tickSize)
			if mkr.Int64() != tt.wantMkr {
				t.Errorf("makerAmount = %v, want %v", mkr, tt.wantMkr)
			}
			if tkr.Int64() != tt.wantTkr {
				t.Errorf("takerAmount = %v, want %v", tkr, tt.wantTkr)
			}
		})
	}
}

func TestRound2(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   float64
		want float64
	}{
		{1.005, 1.01}, // decimal rounds half away from zero, no float artifact
		{1.006, 1.01},
		{2.344, 2.34},
		{2.345, 2.35},
		{0, 0},
	}
	for _, tt := range tests {
		if got := Round2(tt.in); got != tt.want {
			t.Errorf("Round2(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
