package detect

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"polymarket-copytrader/pkg/types"
)

type fakeHistory struct {
	trades map[string][]types.UserTrade
}

func (f *fakeHistory) GetUserTrades(_ context.Context, address string, _ int) ([]types.UserTrade, error) {
	return f.trades[address], nil
}

type fakeDirectory struct {
	wallets []types.TrackedWallet
}

func (f *fakeDirectory) ListActive() ([]types.TrackedWallet, error) {
	return f.wallets, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPollerEmitsFreshTradesWithPolicy(t *testing.T) {
	t.Parallel()

	wallet := "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	policy := types.WalletPolicy{FixedTradeSize: 25, SizingMode: types.SizingFixed}

	history := &fakeHistory{trades: map[string][]types.UserTrade{
		wallet: {
			{
				ConditionID: "0xfresh", Side: "BUY", Size: 10, Price: 0.5,
				Timestamp: time.Now().Unix(), Outcome: "Yes", TransactionHash: "0xt1",
			},
			{
				ConditionID: "0xstale", Side: "BUY", Size: 10, Price: 0.5,
				Timestamp: time.Now().Add(-time.Hour).Unix(), Outcome: "Yes", TransactionHash: "0xt2",
			},
		},
	}}
	dir := &fakeDirectory{wallets: []types.TrackedWallet{
		{Address: wallet, Active: true, Policy: policy},
	}}

	p := NewPoller(history, dir, 60000, 50, 5, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	select {
	case tr := <-p.Trades():
		if tr.MarketID != "0xfresh" {
			t.Errorf("MarketID = %q, want the fresh trade", tr.MarketID)
		}
		if tr.Policy.FixedTradeSize != 25 {
			t.Errorf("Policy not snapshotted: %+v", tr.Policy)
		}
		if tr.Source != types.SourcePoller {
			t.Errorf("Source = %q", tr.Source)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poller emitted nothing")
	}

	// The stale trade must not follow.
	select {
	case tr := <-p.Trades():
		t.Errorf("unexpected second trade: %+v", tr)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPollerSetIntervalBounds(t *testing.T) {
	t.Parallel()

	p := NewPoller(&fakeHistory{}, &fakeDirectory{}, 15000, 50, 5, quietLogger())

	p.SetInterval(500) // below floor, ignored
	if got := p.intervalMs.Load(); got != 15000 {
		t.Errorf("interval = %d after invalid set, want 15000", got)
	}
	p.SetInterval(30000)
	if got := p.intervalMs.Load(); got != 30000 {
		t.Errorf("interval = %d, want 30000", got)
	}
	p.SetInterval(400000) // above ceiling, ignored
	if got := p.intervalMs.Load(); got != 30000 {
		t.Errorf("interval = %d after invalid set, want 30000", got)
	}
}

func TestDetectorFiltersStreamEvents(t *testing.T) {
	t.Parallel()

	tracked := "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	dir := &fakeDirectory{wallets: []types.TrackedWallet{
		{Address: tracked, Active: true, Policy: types.WalletPolicy{SlippagePercent: 3}},
	}}

	// Poller with no wallets: only the stream feeds this test.
	p := NewPoller(&fakeHistory{}, &fakeDirectory{}, 60000, 50, 5, quietLogger())
	streamCh := make(chan types.WSTradeEvent, 4)
	d := NewDetector(p, streamCh, dir, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	event := func(user string) types.WSTradeEvent {
		return types.WSTradeEvent{
			User:            user,
			ConditionID:     "0xcond",
			Side:            "SELL",
			Size:            20,
			Price:           0.6,
			Timestamp:       time.Now().Unix(),
			Outcome:         "No",
			TransactionHash: "0xstream",
		}
	}

	streamCh <- event("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb") // untracked
	streamCh <- event(tracked)

	select {
	case tr := <-d.Trades():
		if tr.Wallet != tracked {
			t.Errorf("Wallet = %q, untracked event leaked through", tr.Wallet)
		}
		if tr.Source != types.SourceStream {
			t.Errorf("Source = %q, want stream", tr.Source)
		}
		if tr.Policy.SlippagePercent != 3 {
			t.Errorf("Policy not attached: %+v", tr.Policy)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("detector emitted nothing")
	}

	select {
	case tr := <-d.Trades():
		t.Errorf("unexpected extra trade: %+v", tr)
	case <-time.After(200 * time.Millisecond):
	}
}
