// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the copy trader — detected
// trades, replication orders, per-wallet policy, venue API payloads, and
// WebSocket event shapes. It has no dependencies on internal packages,
// so it can be imported by any layer.
package types

import (
	"math/big"
	"strconv"
	"strings"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Outcome identifies one leg of a binary market.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Til-Cancelled: stays on book until filled or cancelled
)

// SignatureType identifies the signing scheme for the CTF exchange contract.
type SignatureType int

const (
	SigEOA        SignatureType = 0 // externally-owned account (standard wallet)
	SigProxy      SignatureType = 1 // Polymarket proxy / Magic wallet
	SigGnosisSafe SignatureType = 2 // Gnosis Safe multisig
)

// TickSize represents the price granularity for a market. Polymarket supports
// four tick sizes; each market has a fixed tick size that determines the
// minimum price increment and USDC amount rounding precision.
type TickSize string

const (
	Tick01    TickSize = "0.1"    // 1 decimal  — coarse markets
	Tick001   TickSize = "0.01"   // 2 decimals — standard markets (most common)
	Tick0001  TickSize = "0.001"  // 3 decimals — fine-grained markets
	Tick00001 TickSize = "0.0001" // 4 decimals — ultra-precise markets
)

// Decimals returns the number of decimal places for a tick size.
func (t TickSize) Decimals() int {
	switch t {
	case Tick01:
		return 1
	case Tick001:
		return 2
	case Tick0001:
		return 3
	case Tick00001:
		return 4
	default:
		return 2
	}
}

// AmountDecimals returns the rounding precision for USDC amounts.
func (t TickSize) AmountDecimals() int {
	switch t {
	case Tick01:
		return 3
	case Tick001:
		return 4
	case Tick0001:
		return 5
	case Tick00001:
		return 6
	default:
		return 4
	}
}

// ————————————————————————————————————————————————————————————————————————
// Tracked wallets and per-wallet policy
// ————————————————————————————————————————————————————————————————————————

// SizingMode selects how the replicated order's USD size is computed.
type SizingMode string

const (
	SizingUnset        SizingMode = ""             // global default size, no threshold filtering
	SizingFixed        SizingMode = "fixed"        // use WalletPolicy.FixedTradeSize
	SizingProportional SizingMode = "proportional" // scale by source portfolio share
)

// SideFilter restricts which trade directions are replicated.
type SideFilter string

const (
	SideAll      SideFilter = "all"
	SideBuyOnly  SideFilter = "buy_only"
	SideSellOnly SideFilter = "sell_only"
)

// DefaultSlippagePercent is applied when a wallet has no explicit slippage.
const DefaultSlippagePercent = 2.0

// WalletPolicy is the per-wallet replication policy. Zero values mean
// "inherit global default / do not filter".
type WalletPolicy struct {
	SizingMode       SizingMode `json:"sizing_mode,omitempty"`
	FixedTradeSize   float64    `json:"fixed_trade_size,omitempty"` // USD
	ThresholdEnabled bool       `json:"threshold_enabled,omitempty"`
	ThresholdPercent float64    `json:"threshold_percent,omitempty"` // % of source portfolio

	SideFilter SideFilter `json:"side_filter,omitempty"`

	PriceMin float64 `json:"price_min,omitempty"` // clamped to >= 0.01
	PriceMax float64 `json:"price_max,omitempty"` // clamped to <= 0.99

	ValueFilterEnabled bool    `json:"value_filter_enabled,omitempty"`
	ValueFilterMin     float64 `json:"value_filter_min,omitempty"` // USD, 0 = no floor
	ValueFilterMax     float64 `json:"value_filter_max,omitempty"` // USD, 0 = no cap

	NoRepeatEnabled     bool    `json:"no_repeat_enabled,omitempty"`
	NoRepeatPeriodHours float64 `json:"no_repeat_period_hours,omitempty"` // 0 = block forever

	RateLimitEnabled bool `json:"rate_limit_enabled,omitempty"`
	RateLimitPerHour int  `json:"rate_limit_per_hour,omitempty"`
	RateLimitPerDay  int  `json:"rate_limit_per_day,omitempty"`

	SlippagePercent float64 `json:"slippage_percent,omitempty"` // default 2
}

// Slippage returns the configured slippage percent or the default.
func (p WalletPolicy) Slippage() float64 {
	if p.SlippagePercent > 0 {
		return p.SlippagePercent
	}
	return DefaultSlippagePercent
}

// TrackedWallet is a third-party account whose trades the operator replicates.
type TrackedWallet struct {
	Address   string       `json:"address"` // lowercase 0x hex
	Label     string       `json:"label,omitempty"`
	Active    bool         `json:"active"`
	CreatedAt time.Time    `json:"created_at"`
	Policy    WalletPolicy `json:"policy"`
}

// NormalizeAddress lowercases a wallet address so comparisons are
// case-insensitive everywhere.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// ————————————————————————————————————————————————————————————————————————
// Global runtime configuration
// ————————————————————————————————————————————————————————————————————————

// StopLossConfig gates all trading on the operator's capital commitment.
// When enabled, a trade is rejected once positionsValue/(usdc+positionsValue)
// meets MaxCommitmentPercent.
type StopLossConfig struct {
	Enabled              bool    `json:"enabled"`
	MaxCommitmentPercent float64 `json:"max_commitment_percent"` // (0, 100]
}

// GlobalConfig is the operator-adjustable runtime configuration, persisted
// as a single document and reloaded by the coordinator on change.
type GlobalConfig struct {
	DefaultTradeSizeUSD float64        `json:"default_trade_size_usd"` // > 0, default 2
	PollIntervalMs      int            `json:"poll_interval_ms"`       // [1000, 300000]
	StopLoss            StopLossConfig `json:"stop_loss"`
}

// DefaultGlobalConfig returns the config used when no document exists yet.
func DefaultGlobalConfig() GlobalConfig {
	return GlobalConfig{
		DefaultTradeSizeUSD: 2,
		PollIntervalMs:      15000,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Detected trades and replication orders
// ————————————————————————————————————————————————————————————————————————

// TradeSource identifies which detection path produced a DetectedTrade.
type TradeSource string

const (
	SourcePoller TradeSource = "poller"
	SourceStream TradeSource = "stream"
)

// DetectedTrade is an immutable record of a trade observed on a tracked
// wallet, normalized from either the poller or the push stream. Policy is a
// snapshot of the wallet's configuration at detection time so the filter
// chain sees one consistent view per event.
type DetectedTrade struct {
	Wallet          string    // source wallet address, lowercase
	MarketID        string    // conditionId (falls back to asset)
	TokenID         string    // CLOB token id for the traded outcome
	Outcome         Outcome   // YES or NO
	Side            Side      // BUY or SELL
	Size            float64   // shares, > 0
	Price           float64   // strictly in (0, 1)
	Timestamp       time.Time // venue event time
	TransactionHash string    // may be synthetic ("trade-<ts>-<uuid>")
	NegRisk         bool
	Source          TradeSource
	Policy          WalletPolicy // snapshot at detection time
}

// ValueUSD returns the notional value of the detected trade.
func (t DetectedTrade) ValueUSD() float64 {
	return t.Size * t.Price
}

// CompoundKey is the cross-source dedup key. Two reports of the same
// underlying trade from the poller and the push stream carry different
// transaction hashes but collide here.
func (t DetectedTrade) CompoundKey() string {
	bucket := t.Timestamp.Unix() / 300 // 5-minute buckets
	return t.Wallet + "|" + t.MarketID + "|" + string(t.Outcome) + "|" +
		string(t.Side) + "|" + strconv.FormatInt(bucket, 10)
}

// TradeOrder is the replication order produced by the policy engine for an
// accepted trade. Shares are rounded to 2 decimals; Price is the detected
// trade price before slippage adjustment.
type TradeOrder struct {
	MarketID        string
	TokenID         string
	Outcome         Outcome
	Side            Side
	Shares          float64
	Price           float64
	SlippagePercent float64
	NegRisk         bool
}

// TradeStatus classifies the terminal state of a processed trade.
type TradeStatus string

const (
	StatusExecuted     TradeStatus = "executed"
	StatusMarketClosed TradeStatus = "market_closed"
	StatusRejected     TradeStatus = "rejected"
	StatusFailed       TradeStatus = "failed"
)

// TradeResult is the executor's verdict for one order attempt.
type TradeResult struct {
	Success         bool
	Status          TradeStatus
	OrderID         string
	TransactionHash string
	Error           string
	ExecutionTimeMs int64
}

// ————————————————————————————————————————————————————————————————————————
// Venue Data API payloads
// ————————————————————————————————————————————————————————————————————————

// UserTrade is one record from GET /trades?user=<addr>. Field presence
// varies across the venue's responses: outcome may arrive as a label or an
// index, the transaction hash may be absent, and timestamps may be seconds
// or milliseconds.
type UserTrade struct {
	ID              string  `json:"id"`
	Asset           string  `json:"asset"`       // token id
	ConditionID     string  `json:"conditionId"` // market id
	Side            string  `json:"side"`
	Size            float64 `json:"size"`
	Price           float64 `json:"price"`
	Timestamp       int64   `json:"timestamp"` // seconds or milliseconds
	Outcome         string  `json:"outcome,omitempty"`
	OutcomeIndex    *int    `json:"outcomeIndex,omitempty"`
	TransactionHash string  `json:"transactionHash,omitempty"`
	NegRisk         bool    `json:"negativeRisk,omitempty"`
}

// UserPosition is one record from GET /positions?user=<addr>.
type UserPosition struct {
	Asset        string  `json:"asset"`       // token id
	ConditionID  string  `json:"conditionId"` // market id
	Size         float64 `json:"size"`        // shares held
	AvgPrice     float64 `json:"avgPrice"`
	CurPrice     float64 `json:"curPrice"`
	Outcome      string  `json:"outcome"`
	NegativeRisk bool    `json:"negativeRisk"`
	Redeemable   bool    `json:"redeemable,omitempty"`
	Title        string  `json:"title,omitempty"`
}

// ValueUSD marks the position at the current price.
func (p UserPosition) ValueUSD() float64 {
	return p.Size * p.CurPrice
}

// PublicProfile is the response of GET /public-profile?address=<eoa>.
type PublicProfile struct {
	ProxyWallet string `json:"proxyWallet,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// CLOB API payloads
// ————————————————————————————————————————————————————————————————————————

// MarketInfo is the metadata the executor needs for one binary market.
type MarketInfo struct {
	ConditionID     string
	YesTokenID      string
	NoTokenID       string
	TickSize        TickSize
	MinOrderSize    float64 // minimum order size in shares
	NegRisk         bool
	Closed          bool
	AcceptingOrders bool
}

// SignedOrder is the on-chain order format the CLOB API expects.
// MakerAmount and TakerAmount are in 6-decimal USDC units (1e6 = $1).
//
// For BUY:  maker gives MakerAmount USDC, receives TakerAmount tokens
// For SELL: maker gives MakerAmount tokens, receives TakerAmount USDC
type SignedOrder struct {
	Salt          string        `json:"salt"`
	Maker         string        `json:"maker"`       // funder/proxy wallet address
	Signer        string        `json:"signer"`      // EOA that signs the order
	Taker         string        `json:"taker"`       // zero address = open order
	TokenID       string        `json:"tokenId"`     // CTF token ID
	MakerAmount   *big.Int      `json:"makerAmount"` // what maker gives (scaled to 1e6)
	TakerAmount   *big.Int      `json:"takerAmount"` // what maker receives (scaled to 1e6)
	Side          Side          `json:"side"`
	Expiration    string        `json:"expiration"`    // unix timestamp as string
	Nonce         string        `json:"nonce"`         // replay protection
	FeeRateBps    string        `json:"feeRateBps"`    // fee in basis points as string
	SignatureType SignatureType `json:"signatureType"` // 0 = EOA
	Signature     string        `json:"signature"`     // EIP-712 signature hex
}

// OrderPayload is the REST API request body for POST /order.
type OrderPayload struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"`     // API key of the order owner
	OrderType OrderType   `json:"orderType"` // GTC
}

// OrderResponse is the CLOB's reply to an order POST. The venue has been
// observed to spell the order identifier three different ways; OrderRef()
// checks all of them.
type OrderResponse struct {
	Success         bool   `json:"success"`
	ErrorMsg        string `json:"errorMsg,omitempty"`
	Error           string `json:"error,omitempty"`
	OrderIDUpper    string `json:"orderID,omitempty"`
	OrderIDCamel    string `json:"orderId,omitempty"`
	ID              string `json:"id,omitempty"`
	Status          string `json:"status,omitempty"`
	TransactionHash string `json:"transactionHash,omitempty"`
}

// OrderRef returns the order identifier under whichever name the venue
// used, or "" when none is present.
func (r OrderResponse) OrderRef() string {
	switch {
	case r.OrderIDUpper != "":
		return r.OrderIDUpper
	case r.OrderIDCamel != "":
		return r.OrderIDCamel
	default:
		return r.ID
	}
}

// ErrField returns the response's error text under whichever name was set.
func (r OrderResponse) ErrField() string {
	if r.Error != "" {
		return r.Error
	}
	return r.ErrorMsg
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket payloads
// ————————————————————————————————————————————————————————————————————————

// WSAuth carries L2 credentials for the authenticated user channel.
type WSAuth struct {
	ApiKey     string `json:"apikey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// WSSubscribeMsg is the initial subscription message after connect.
type WSSubscribeMsg struct {
	Type    string   `json:"type"`
	Auth    *WSAuth  `json:"auth,omitempty"`
	Users   []string `json:"users,omitempty"`
	Markets []string `json:"markets,omitempty"`
}

// WSUpdateMsg adds or removes subscriptions on a live connection.
type WSUpdateMsg struct {
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
	Users     []string `json:"users,omitempty"`
	Markets   []string `json:"markets,omitempty"`
}

// WSTradeEvent is a trade notification from the push stream. Numeric fields
// arrive as strings on this channel.
type WSTradeEvent struct {
	EventType       string  `json:"event_type"`
	User            string  `json:"user"`
	Asset           string  `json:"asset"`
	ConditionID     string  `json:"conditionId"`
	Side            string  `json:"side"`
	Size            float64 `json:"size,string"`
	Price           float64 `json:"price,string"`
	Timestamp       int64   `json:"timestamp,string"`
	Outcome         string  `json:"outcome,omitempty"`
	OutcomeIndex    *int    `json:"outcomeIndex,omitempty"`
	TransactionHash string  `json:"transactionHash,omitempty"`
	NegRisk         bool    `json:"negRisk,omitempty"`
}

// StreamState is the push stream's connection state.
type StreamState string

const (
	StreamDisconnected StreamState = "disconnected"
	StreamConnecting   StreamState = "connecting"
	StreamConnected    StreamState = "connected"
)

// ————————————————————————————————————————————————————————————————————————
// Metrics and issues
// ————————————————————————————————————————————————————————————————————————

// TradeMetric is one row of the rolling trade log exposed to the operator.
type TradeMetric struct {
	Timestamp       time.Time   `json:"timestamp"`
	Wallet          string      `json:"wallet"`
	MarketID        string      `json:"market_id"`
	Outcome         Outcome     `json:"outcome"`
	Side            Side        `json:"side"`
	Status          TradeStatus `json:"status"`
	Reason          string      `json:"reason,omitempty"`
	OrderID         string      `json:"order_id,omitempty"`
	SizeUSD         float64     `json:"size_usd,omitempty"`
	Price           float64     `json:"price,omitempty"`
	ExecutionTimeMs int64       `json:"execution_time_ms,omitempty"`
}

// SystemIssue is an operational problem surfaced to the operator.
type SystemIssue struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Resolved  bool      `json:"resolved"`
}
