package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"polymarket-copytrader/internal/config"
	"polymarket-copytrader/internal/policy"
	"polymarket-copytrader/internal/store"
	"polymarket-copytrader/pkg/types"
)

const (
	pipeWhale    = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	pipeOperator = "0xcccccccccccccccccccccccccccccccccccccccc"
)

type pipeAccounts struct{}

func (pipeAccounts) GetPortfolioValue(context.Context, string) (float64, error) {
	return 50000, nil
}
func (pipeAccounts) GetUserPositions(context.Context, string) ([]types.UserPosition, error) {
	return nil, nil
}
func (pipeAccounts) PositionsValue(context.Context, string) (float64, error) {
	return 0, nil
}

type pipeBalance struct{}

func (pipeBalance) GetBalanceAllowance(context.Context) (float64, error) { return 2000, nil }

type pipeMarkets struct{}

func (pipeMarkets) GetMinOrderSize(context.Context, string) (float64, error) { return 5, nil }

// newPipeline builds a coordinator with a real store and policy engine but a
// fake venue, so admission and bookkeeping run the production code paths.
func newPipeline(t *testing.T) (*Coordinator, *fakeVenue, *store.Store) {
	t.Helper()

	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	if _, err := st.AddWallet(pipeWhale); err != nil {
		t.Fatalf("AddWallet: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	c := New(config.Config{Engine: config.EngineConfig{DrainTimeoutSec: 5}}, st, logger)
	c.runtime = types.GlobalConfig{DefaultTradeSizeUSD: 10, PollIntervalMs: 15000}
	c.policy = policy.NewEngine(st, st, pipeAccounts{}, pipeBalance{}, pipeMarkets{},
		c.rates, pipeOperator, "", logger)

	venue := &fakeVenue{
		market: &types.MarketInfo{
			ConditionID:     "0xcond",
			YesTokenID:      "111",
			NoTokenID:       "222",
			TickSize:        types.Tick001,
			AcceptingOrders: true,
		},
		resp: &types.OrderResponse{Success: true, OrderIDUpper: "0xorder"},
	}
	c.executor = NewExecutor(venue, logger)

	return c, venue, st
}

func pipeTrade(hash string) types.DetectedTrade {
	return types.DetectedTrade{
		Wallet:          pipeWhale,
		MarketID:        "0xcond",
		TokenID:         "111",
		Outcome:         types.OutcomeYes,
		Side:            types.BUY,
		Size:            1000,
		Price:           0.50,
		Timestamp:       time.Now(),
		TransactionHash: hash,
		Source:          types.SourcePoller,
	}
}

func TestCoordinatorDuplicateHashAdmittedOnce(t *testing.T) {
	t.Parallel()

	c, venue, _ := newPipeline(t)
	trade := pipeTrade("0xdup")

	c.admit(context.Background(), trade)
	// The hash must be in the dedup cache before the worker has run, so a
	// burst of identical events cannot all pass the check.
	if !c.byTxHash.Has(trade.TransactionHash) {
		t.Fatal("tx hash not cached synchronously on admission")
	}
	c.admit(context.Background(), trade)
	c.wg.Wait()

	if len(venue.placed) != 1 {
		t.Errorf("placed %d orders for one tx hash, want 1", len(venue.placed))
	}
	if c.inFlight.Len() != 0 {
		t.Errorf("inFlight.Len() = %d after completion, want 0", c.inFlight.Len())
	}
}

func TestCoordinatorCompoundKeyBlocksAcrossSources(t *testing.T) {
	t.Parallel()

	c, venue, _ := newPipeline(t)

	// Same whale, market, outcome, side and time bucket under two different
	// hashes: the poller and the push stream reporting one fill.
	first := pipeTrade("0xpoll")
	second := pipeTrade("0xstream")
	second.Source = types.SourceStream

	c.admit(context.Background(), first)
	c.wg.Wait()
	c.admit(context.Background(), second)
	c.wg.Wait()

	if len(venue.placed) != 1 {
		t.Errorf("placed %d orders for one fill, want 1", len(venue.placed))
	}
	if c.byTxHash.Has(second.TransactionHash) {
		t.Error("refused event's hash entered the dedup cache")
	}
	if c.inFlight.Len() != 0 {
		t.Errorf("inFlight.Len() = %d, want 0", c.inFlight.Len())
	}
}

func TestCoordinatorExecutedBookkeeping(t *testing.T) {
	t.Parallel()

	c, venue, st := newPipeline(t)
	trade := pipeTrade("0xexec")

	c.admit(context.Background(), trade)
	c.wg.Wait()

	if len(venue.placed) != 1 {
		t.Fatalf("placed %d orders, want 1", len(venue.placed))
	}
	blocked, err := st.IsPositionBlocked(trade.MarketID, trade.Outcome, 24)
	if err != nil || !blocked {
		t.Errorf("ledger not appended: blocked=%v err=%v", blocked, err)
	}
	if !c.byCompound.Has(trade.CompoundKey()) {
		t.Error("compound key not cached after execution")
	}
	if hour, day := c.rates.Counts(pipeWhale); hour != 1 || day != 1 {
		t.Errorf("rate counters = (%d, %d), want (1, 1)", hour, day)
	}
	metrics := st.RecentTrades(10)
	if len(metrics) != 1 || metrics[0].Status != types.StatusExecuted || metrics[0].OrderID != "0xorder" {
		t.Errorf("metrics = %+v", metrics)
	}
	if c.inFlight.Len() != 0 {
		t.Errorf("inFlight.Len() = %d, want 0", c.inFlight.Len())
	}
}

func TestCoordinatorRejectionBookkeeping(t *testing.T) {
	t.Parallel()

	c, venue, st := newPipeline(t)
	trade := pipeTrade("0xrej")
	trade.Wallet = "0xdddddddddddddddddddddddddddddddddddddddd" // not tracked

	c.admit(context.Background(), trade)
	c.wg.Wait()

	if len(venue.placed) != 0 {
		t.Error("rejected trade reached the venue")
	}
	if !c.byCompound.Has(trade.CompoundKey()) {
		t.Error("compound key not cached after rejection")
	}
	metrics := st.RecentTrades(10)
	if len(metrics) != 1 || metrics[0].Status != types.StatusRejected {
		t.Errorf("metrics = %+v", metrics)
	}
	if issues := st.ListIssues(); len(issues) != 0 {
		t.Errorf("plain rejection logged %d issues, want 0", len(issues))
	}
	if c.inFlight.Len() != 0 {
		t.Errorf("inFlight.Len() = %d, want 0", c.inFlight.Len())
	}
}

func TestCoordinatorFailureLogsIssue(t *testing.T) {
	t.Parallel()

	c, venue, st := newPipeline(t)
	venue.placeErr = errors.New("insufficient balance")
	venue.resp = nil
	trade := pipeTrade("0xfail")

	c.admit(context.Background(), trade)
	c.wg.Wait()

	if !c.byCompound.Has(trade.CompoundKey()) {
		t.Error("compound key not cached after failure")
	}
	metrics := st.RecentTrades(10)
	if len(metrics) != 1 || metrics[0].Status != types.StatusFailed {
		t.Errorf("metrics = %+v", metrics)
	}
	if issues := st.ListIssues(); len(issues) != 1 {
		t.Errorf("failure logged %d issues, want 1", len(issues))
	}
	if blocked, _ := st.IsPositionBlocked(trade.MarketID, trade.Outcome, 24); blocked {
		t.Error("failed trade entered the executed-position ledger")
	}
	if c.inFlight.Len() != 0 {
		t.Errorf("inFlight.Len() = %d, want 0", c.inFlight.Len())
	}
}

func TestCoordinatorStopPreventsExecution(t *testing.T) {
	t.Parallel()

	c, venue, _ := newPipeline(t)
	trade := pipeTrade("0xlate")

	// A cancelled run context is what a worker admitted just before Stop
	// observes: the policy verdict may land, but no order may start.
	runCtx, cancel := context.WithCancel(context.Background())
	cancel()

	c.admit(runCtx, trade)
	c.wg.Wait()

	if len(venue.placed) != 0 {
		t.Error("order initiated after the run context was cancelled")
	}
	if !c.byTxHash.Has(trade.TransactionHash) {
		t.Error("tx hash missing from the dedup cache")
	}
	if !c.byCompound.Has(trade.CompoundKey()) {
		t.Error("compound key not cached on the stop path")
	}
	if c.inFlight.Len() != 0 {
		t.Errorf("inFlight.Len() = %d, want 0", c.inFlight.Len())
	}
}
