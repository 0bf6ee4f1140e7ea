package types

import (
	"testing"
	"time"
)

func TestTickSizeDecimals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tick TickSize
		want int
	}{
		{Tick01, 1},
		{Tick001, 2},
		{Tick0001, 3},
		{Tick00001, 4},
		{TickSize("unknown"), 2}, // default
	}

	for _, tt := range tests {
		if got := tt.tick.Decimals(); got != tt.want {
			t.Errorf("TickSize(%q).Decimals() = %d, want %d", tt.tick, got, tt.want)
		}
	}
}

func TestTickSizeAmountDecimals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tick TickSize
		want int
	}{
		{Tick01, 3},
		{Tick001, 4},
		{Tick0001, 5},
		{Tick00001, 6},
		{TickSize("unknown"), 4}, // default
	}

	for _, tt := range tests {
		if got := tt.tick.AmountDecimals(); got != tt.want {
			t.Errorf("TickSize(%q).AmountDecimals() = %d, want %d", tt.tick, got, tt.want)
		}
	}
}

func TestNormalizeAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"0xABCDEF0123456789abcdef0123456789ABCDEF01", "0xabcdef0123456789abcdef0123456789abcdef01"},
		{"  0xabc  ", "0xabc"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeAddress(tt.in); got != tt.want {
			t.Errorf("NormalizeAddress(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCompoundKeyBucketsTime(t *testing.T) {
	t.Parallel()

	base := DetectedTrade{
		Wallet:   "0xwhale",
		MarketID: "0xcond",
		Outcome:  OutcomeYes,
		Side:     BUY,
	}

	a := base
	a.Timestamp = time.Unix(1000, 0)
	b := base
	b.Timestamp = time.Unix(1299, 0) // same 300s bucket
	c := base
	c.Timestamp = time.Unix(1300, 0) // next bucket

	if a.CompoundKey() != b.CompoundKey() {
		t.Errorf("same bucket: %q != %q", a.CompoundKey(), b.CompoundKey())
	}
	if a.CompoundKey() == c.CompoundKey() {
		t.Errorf("different buckets collided: %q", a.CompoundKey())
	}

	d := a
	d.Side = SELL
	if a.CompoundKey() == d.CompoundKey() {
		t.Error("opposite sides must not collide")
	}
}

func TestDetectedTradeValueUSD(t *testing.T) {
	t.Parallel()

	tr := DetectedTrade{Size: 100, Price: 0.45}
	if got := tr.ValueUSD(); got != 45 {
		t.Errorf("ValueUSD() = %v, want 45", got)
	}
}

func TestOrderResponseOrderRef(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		resp OrderResponse
		want string
	}{
		{"orderID field", OrderResponse{OrderIDUpper: "a"}, "a"},
		{"orderId fallback", OrderResponse{OrderIDCamel: "b"}, "b"},
		{"id fallback", OrderResponse{ID: "c"}, "c"},
		{"prefers orderID", OrderResponse{OrderIDUpper: "a", ID: "c"}, "a"},
		{"empty", OrderResponse{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.resp.OrderRef(); got != tt.want {
				t.Errorf("OrderRef() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWalletPolicySlippageDefault(t *testing.T) {
	t.Parallel()

	var p WalletPolicy
	if got := p.Slippage(); got != DefaultSlippagePercent {
		t.Errorf("Slippage() = %v, want %v", got, DefaultSlippagePercent)
	}
	p.SlippagePercent = 5
	if got := p.Slippage(); got != 5 {
		t.Errorf("Slippage() = %v, want 5", got)
	}
}
