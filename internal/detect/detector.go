package detect

import (
	"context"
	"log/slog"
	"time"

	"polymarket-copytrader/pkg/types"
)

// Detector merges the poller and the optional push stream into one
// DetectedTrade sequence. It normalizes stream events, drops events for
// wallets that are not actively tracked, and attaches the wallet's policy
// snapshot — but performs no deduplication.
type Detector struct {
	poller  *Poller
	stream  <-chan types.WSTradeEvent // nil when the push stream is disabled
	wallets WalletDirectory
	out     chan types.DetectedTrade
	logger  *slog.Logger
}

// NewDetector wires the poller and an optional stream channel together.
func NewDetector(poller *Poller, stream <-chan types.WSTradeEvent, wallets WalletDirectory, logger *slog.Logger) *Detector {
	return &Detector{
		poller:  poller,
		stream:  stream,
		wallets: wallets,
		out:     make(chan types.DetectedTrade, 256),
		logger:  logger.With("component", "detector"),
	}
}

// Trades returns the unified trade stream.
func (d *Detector) Trades() <-chan types.DetectedTrade { return d.out }

// Run forwards events from both sources until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-d.poller.Trades():
			d.forward(ctx, t)
		case evt, ok := <-d.stream:
			if !ok {
				d.stream = nil
				continue
			}
			d.handleStreamEvent(ctx, evt)
		}
	}
}

func (d *Detector) handleStreamEvent(ctx context.Context, evt types.WSTradeEvent) {
	n, err := normalizeTrade(types.SourceStream, evt.User, fromStream(evt))
	if err != nil {
		d.logger.Debug("skipping malformed stream trade", "user", evt.User, "error", err)
		return
	}
	if n.corrected {
		d.logger.Warn("corrected unscaled stream trade size",
			"wallet", n.trade.Wallet, "market", n.trade.MarketID, "size", n.trade.Size)
	}
	if tooOld(n.trade, time.Now()) {
		return
	}

	// The push front door can deliver events for users outside the tracked
	// set; only actively tracked wallets pass, and their current policy is
	// snapshotted onto the event.
	active, err := d.wallets.ListActive()
	if err != nil {
		d.logger.Error("list active wallets", "error", err)
		return
	}
	for _, w := range active {
		if w.Address == n.trade.Wallet {
			n.trade.Policy = w.Policy
			d.forward(ctx, n.trade)
			return
		}
	}
}

func (d *Detector) forward(ctx context.Context, t types.DetectedTrade) {
	select {
	case d.out <- t:
	case <-ctx.Done():
	}
}
