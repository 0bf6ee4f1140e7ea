// Package detect implements the two trade-detection paths and merges them
// into one DetectedTrade stream:
//
//   - Poller: on every tick, pulls each active wallet's recent trade history
//     from the Data API in parallel (bounded fan-out, one outstanding call
//     per wallet) and emits trades inside the recency window.
//
//   - Detector: adapts push-stream events into the same normalized shape and
//     multiplexes both sources onto a single channel.
//
// Neither path deduplicates — the coordinator owns dedup, because only it
// sees both sources.
package detect

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"polymarket-copytrader/pkg/types"
)

// TradeHistory is the slice of the Data API the poller needs.
type TradeHistory interface {
	GetUserTrades(ctx context.Context, address string, limit int) ([]types.UserTrade, error)
}

// WalletDirectory is the slice of storage the detection layer needs: the
// active wallet set with each wallet's current policy.
type WalletDirectory interface {
	ListActive() ([]types.TrackedWallet, error)
}

// Poller periodically scans every active wallet's trade history.
type Poller struct {
	data       TradeHistory
	wallets    WalletDirectory
	fetchLimit int
	maxFanout  int
	intervalMs atomic.Int64
	out        chan types.DetectedTrade
	logger     *slog.Logger
}

// NewPoller creates a poller emitting on an internal buffered channel.
func NewPoller(data TradeHistory, wallets WalletDirectory, intervalMs, fetchLimit, maxFanout int, logger *slog.Logger) *Poller {
	p := &Poller{
		data:       data,
		wallets:    wallets,
		fetchLimit: fetchLimit,
		maxFanout:  maxFanout,
		out:        make(chan types.DetectedTrade, 256),
		logger:     logger.With("component", "poller"),
	}
	p.intervalMs.Store(int64(intervalMs))
	return p
}

// Trades returns the poller's output channel.
func (p *Poller) Trades() <-chan types.DetectedTrade { return p.out }

// SetInterval updates the poll interval. Takes effect from the next tick.
func (p *Poller) SetInterval(ms int) {
	if ms >= 1000 && ms <= 300000 {
		p.intervalMs.Store(int64(ms))
	}
}

// Run polls until ctx is cancelled. The first scan happens immediately.
func (p *Poller) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		p.scanAll(ctx)
		timer.Reset(time.Duration(p.intervalMs.Load()) * time.Millisecond)
	}
}

// scanAll fetches trade history for every active wallet with bounded
// parallelism. Per-wallet failures are logged and skipped; one dead wallet
// must not starve the rest.
func (p *Poller) scanAll(ctx context.Context) {
	wallets, err := p.wallets.ListActive()
	if err != nil {
		p.logger.Error("list active wallets", "error", err)
		return
	}
	if len(wallets) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxFanout)
	for _, w := range wallets {
		w := w
		g.Go(func() error {
			p.scanWallet(gctx, w)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Poller) scanWallet(ctx context.Context, wallet types.TrackedWallet) {
	raws, err := p.data.GetUserTrades(ctx, wallet.Address, p.fetchLimit)
	if err != nil {
		p.logger.Warn("fetch trade history", "wallet", wallet.Address, "error", err)
		return
	}

	now := time.Now()
	for _, raw := range raws {
		n, err := normalizeTrade(types.SourcePoller, wallet.Address, raw)
		if err != nil {
			p.logger.Debug("skipping malformed trade",
				"wallet", wallet.Address, "error", err)
			continue
		}
		if n.corrected {
			p.logger.Warn("corrected unscaled trade size",
				"wallet", wallet.Address, "market", n.trade.MarketID,
				"size", n.trade.Size)
		}
		if tooOld(n.trade, now) {
			continue
		}

		// Snapshot the wallet's policy so every downstream filter sees one
		// consistent configuration for this event.
		n.trade.Policy = wallet.Policy

		select {
		case p.out <- n.trade:
		case <-ctx.Done():
			return
		}
	}
}
