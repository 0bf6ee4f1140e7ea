// normalize.go converts raw venue trade records into DetectedTrade values.
// Both detection sources (trade-history polling and the push stream) funnel
// through the same normalization so downstream filters see one shape.
package detect

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"polymarket-copytrader/pkg/types"
)

// RecencyWindow is the maximum age of a trade the detector will emit.
// Anything older is history, not a live trade — this is the primary guard
// against replaying a wallet's past trades on restart.
const RecencyWindow = 5 * time.Minute

// baseUnitThreshold flags raw sizes that arrived unscaled (6-decimal base
// units instead of shares). No real trade on this venue is worth $10M.
const baseUnitThreshold = 10_000_000

// normalized carries a normalization result plus whether the raw size
// needed the base-unit correction (the caller logs those).
type normalized struct {
	trade     types.DetectedTrade
	corrected bool
}

// normalizeTrade validates and converts one raw trade record.
// Rejections are returned as errors; they mean the record is unusable,
// not that the venue misbehaved.
func normalizeTrade(source types.TradeSource, wallet string, raw types.UserTrade) (normalized, error) {
	var out normalized

	marketID := raw.ConditionID
	if marketID == "" {
		marketID = raw.Asset
	}
	if marketID == "" || marketID == "unknown" {
		return out, fmt.Errorf("trade has no market identifier")
	}

	outcome := types.OutcomeNo
	if strings.EqualFold(raw.Outcome, "yes") || (raw.OutcomeIndex != nil && *raw.OutcomeIndex == 0) {
		outcome = types.OutcomeYes
	}

	side := types.Side(strings.ToUpper(raw.Side))
	if side != types.BUY && side != types.SELL {
		return out, fmt.Errorf("unrecognized side %q", raw.Side)
	}

	if raw.Price <= 0 || raw.Price >= 1 {
		return out, fmt.Errorf("price %v outside (0, 1)", raw.Price)
	}

	size := raw.Size
	if size <= 0 {
		return out, fmt.Errorf("size %v not positive", raw.Size)
	}
	if size*raw.Price > baseUnitThreshold {
		// The raw field slipped in unscaled 6-decimal base units.
		size /= 1e6
		out.corrected = true
	}

	ts := raw.Timestamp
	if ts <= 0 {
		return out, fmt.Errorf("missing timestamp")
	}
	if ts < 1e12 {
		ts *= 1000 // seconds epoch
	}

	hash := raw.TransactionHash
	if hash == "" {
		hash = raw.ID
	}
	if hash == "" {
		// Synthetic hash: weakens tx-hash dedup for this record, but the
		// compound-key check compensates. Never leave it empty.
		hash = fmt.Sprintf("trade-%d-%s", ts, uuid.NewString())
	}

	out.trade = types.DetectedTrade{
		Wallet:          types.NormalizeAddress(wallet),
		MarketID:        marketID,
		TokenID:         raw.Asset,
		Outcome:         outcome,
		Side:            side,
		Size:            size,
		Price:           raw.Price,
		Timestamp:       time.UnixMilli(ts),
		TransactionHash: hash,
		NegRisk:         raw.NegRisk,
		Source:          source,
	}
	return out, nil
}

// fromStream reshapes a push-stream event into the polled record shape so
// both sources share one normalization path.
func fromStream(evt types.WSTradeEvent) types.UserTrade {
	return types.UserTrade{
		Asset:           evt.Asset,
		ConditionID:     evt.ConditionID,
		Side:            evt.Side,
		Size:            evt.Size,
		Price:           evt.Price,
		Timestamp:       evt.Timestamp,
		Outcome:         evt.Outcome,
		OutcomeIndex:    evt.OutcomeIndex,
		TransactionHash: evt.TransactionHash,
		NegRisk:         evt.NegRisk,
	}
}

// tooOld reports whether a normalized trade falls outside the recency window.
func tooOld(t types.DetectedTrade, now time.Time) bool {
	return now.Sub(t.Timestamp) > RecencyWindow
}
