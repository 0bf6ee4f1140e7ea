// Package engine is the coordination layer of the copy trader.
//
// The Coordinator owns the Detector → PolicyEngine → Executor pipeline:
//
//  1. Detector merges the poller and the optional push stream into one
//     DetectedTrade sequence.
//  2. Admission dedups each trade against the tx-hash cache, the
//     cross-source compound-key cache, and the in-flight set — all on the
//     synchronous portion of the handler, before any I/O can suspend it.
//  3. Admitted trades run the policy filter chain and, when accepted, the
//     executor. Different trades proceed in parallel; duplicates cannot.
//  4. Bookkeeping (ledger append, rate-limit counters, trade metrics,
//     compound-key insertion) happens on well-defined outcomes only.
//
// Lifecycle: idle → initialized → running ⇄ stopping. Credential changes
// restart the pipeline: running → stopping → initialized → running.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"polymarket-copytrader/internal/config"
	"polymarket-copytrader/internal/detect"
	"polymarket-copytrader/internal/exchange"
	"polymarket-copytrader/internal/policy"
	"polymarket-copytrader/internal/store"
	"polymarket-copytrader/pkg/types"
)

// State is the coordinator's lifecycle state.
type State string

const (
	StateIdle        State = "idle"
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StateStopping    State = "stopping"
)

const (
	txHashTTL    = 60 * time.Minute
	compoundTTL  = 5 * time.Minute
	sweepEvery   = time.Minute
	tradeTimeout = 90 * time.Second // per-trade pipeline deadline
)

// StatusInfo is a point-in-time view of the coordinator for the operator.
type StatusInfo struct {
	State          State  `json:"state"`
	ActiveWallets  int    `json:"active_wallets"`
	InFlight       int    `json:"in_flight"`
	DedupTxHashes  int    `json:"dedup_tx_hashes"`
	DedupCompound  int    `json:"dedup_compound"`
	StreamEnabled  bool   `json:"stream_enabled"`
	OperatorEOA    string `json:"operator_eoa"`
	OperatorProxy  string `json:"operator_proxy,omitempty"`
	PollIntervalMs int    `json:"poll_interval_ms"`
	DryRun         bool   `json:"dry_run"`
}

// Coordinator wires and drives every subsystem. All of its mutable state —
// dedup caches, in-flight set, rate counters — is confined here.
type Coordinator struct {
	cfg    config.Config
	store  *store.Store
	logger *slog.Logger

	mu       sync.Mutex // guards state + swappable components
	state    State
	auth     *exchange.Auth
	client   *exchange.Client
	data     *exchange.DataClient
	stream   *exchange.Stream
	poller   *detect.Poller
	policy   *policy.Engine
	executor *Executor

	operatorProxy string

	runtimeMu sync.RWMutex
	runtime   types.GlobalConfig

	byTxHash   *dedupCache
	byCompound *dedupCache
	inFlight   *inFlightSet
	rates      *rateCounters

	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New creates an idle coordinator. Initialize must succeed before Start.
func New(cfg config.Config, st *store.Store, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		store:      st,
		logger:     logger.With("component", "coordinator"),
		state:      StateIdle,
		byTxHash:   newDedupCache(txHashTTL),
		byCompound: newDedupCache(compoundTTL),
		inFlight:   newInFlightSet(),
		rates:      newRateCounters(),
	}
}

// Initialize builds the venue clients, derives credentials when needed,
// loads runtime config, and compacts the ledger. Failure here is fatal:
// the engine refuses to start without a working venue client.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateRunning || c.state == StateStopping {
		return fmt.Errorf("cannot initialize while %s", c.state)
	}

	auth, err := exchange.NewAuth(c.cfg)
	if err != nil {
		return fmt.Errorf("build auth: %w", err)
	}
	rl := exchange.NewRateLimiter()
	client := exchange.NewClient(c.cfg, auth, rl, c.logger)
	data := exchange.NewDataClient(c.cfg, rl, c.logger)

	if !auth.HasL2Credentials() {
		c.logger.Info("no L2 credentials, deriving API key via L1...")
		if _, err := client.DeriveAPIKey(ctx); err != nil {
			return fmt.Errorf("derive api key: %w", err)
		}
	}

	runtime, err := c.loadRuntimeConfig()
	if err != nil {
		return err
	}

	operatorEOA := types.NormalizeAddress(auth.Address().Hex())
	proxy, err := data.GetProxyWallet(ctx, auth.Address().Hex())
	if err != nil {
		// Positions fall back to the EOA; safety reads that need the proxy
		// will fail closed on their own if this mattered.
		c.logger.Warn("proxy wallet lookup failed, using EOA", "error", err)
		proxy = ""
	}

	c.auth = auth
	c.client = client
	c.data = data
	c.operatorProxy = proxy
	c.policy = policy.NewEngine(c.store, c.store, data, client, client, c.rates,
		operatorEOA, proxy, c.logger)
	c.executor = NewExecutor(client, c.logger)

	c.runtimeMu.Lock()
	c.runtime = runtime
	c.runtimeMu.Unlock()

	c.compactLedger()

	c.state = StateInitialized
	c.logger.Info("coordinator initialized",
		"operator", operatorEOA,
		"proxy", proxy,
		"poll_interval_ms", runtime.PollIntervalMs,
	)
	return nil
}

// loadRuntimeConfig prefers the persisted document; on first run the YAML
// bootstrap values seed it.
func (c *Coordinator) loadRuntimeConfig() (types.GlobalConfig, error) {
	runtime, err := c.store.LoadConfig()
	if err != nil {
		return runtime, fmt.Errorf("load runtime config: %w", err)
	}
	if runtime == types.DefaultGlobalConfig() {
		runtime.DefaultTradeSizeUSD = c.cfg.Engine.DefaultTradeSizeUSD
		runtime.PollIntervalMs = c.cfg.Engine.PollIntervalMs
		if err := c.store.SaveConfig(runtime); err != nil {
			return runtime, fmt.Errorf("seed runtime config: %w", err)
		}
	}
	return runtime, nil
}

// compactLedger drops ledger entries older than the longest configured
// block window (24h floor). Wallets blocking forever disable compaction.
func (c *Coordinator) compactLedger() {
	wallets, err := c.store.ListWallets()
	if err != nil {
		c.logger.Warn("skipping ledger compaction", "error", err)
		return
	}
	maxKeep := 24.0
	for _, w := range wallets {
		if !w.Policy.NoRepeatEnabled {
			continue
		}
		if w.Policy.NoRepeatPeriodHours == 0 {
			return // someone blocks forever; keep everything
		}
		if w.Policy.NoRepeatPeriodHours > maxKeep {
			maxKeep = w.Policy.NoRepeatPeriodHours
		}
	}
	removed, err := c.store.CleanupExpiredPositions(maxKeep)
	if err != nil {
		c.logger.Warn("ledger compaction failed", "error", err)
		return
	}
	if removed > 0 {
		c.logger.Info("compacted executed-position ledger",
			"removed", removed, "keep_hours", maxKeep)
	}
}

// Start spawns the detection pipeline. Requires a successful Initialize.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateInitialized:
	case StateRunning:
		return nil
	default:
		return fmt.Errorf("cannot start from state %s", c.state)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.runCancel = cancel

	c.poller = detect.NewPoller(c.data, c.store,
		c.currentRuntime().PollIntervalMs,
		c.cfg.Engine.TradeFetchLimit,
		c.cfg.Engine.MaxPollConcurrency,
		c.logger)

	var streamCh <-chan types.WSTradeEvent
	if c.cfg.API.WSUserURL != "" {
		c.stream = exchange.NewStream(c.cfg.API.WSUserURL, c.auth, c.logger)
		if active, err := c.store.ListActive(); err == nil {
			addrs := make([]string, len(active))
			for i, w := range active {
				addrs[i] = w.Address
			}
			_ = c.stream.SetWallets(addrs) // not connected yet; reconnect resubscribes
		}
		streamCh = c.stream.TradeEvents()

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.stream.Run(runCtx); err != nil && runCtx.Err() == nil {
				c.logger.Error("push stream terminated", "error", err)
			}
		}()
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.watchStreamState(runCtx)
		}()
	}

	detector := detect.NewDetector(c.poller, streamCh, c.store, c.logger)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.poller.Run(runCtx)
	}()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		detector.Run(runCtx)
	}()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consume(runCtx, detector.Trades())
	}()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.sweepLoop(runCtx)
	}()

	// Seed the operator balance so the first stop-loss check isn't the
	// first time we learn the credentials are bad.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		bctx, bcancel := context.WithTimeout(runCtx, 30*time.Second)
		defer bcancel()
		if usdc, err := c.client.GetBalanceAllowance(bctx); err == nil {
			c.logger.Info("operator balance", "usdc", usdc)
		} else if runCtx.Err() == nil {
			c.logger.Warn("operator balance unavailable", "error", err)
		}
	}()

	c.state = StateRunning
	c.logger.Info("copy trader running",
		"push_stream", c.cfg.API.WSUserURL != "",
		"dry_run", c.cfg.DryRun,
	)
	return nil
}

// Stop cancels all workers and drains in-flight trades for up to the
// configured drain window. No new orders are initiated after Stop returns;
// orders already posted are not cancelled at the venue (at-most-once).
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return
	}
	c.state = StateStopping
	cancel := c.runCancel
	stream := c.stream
	c.mu.Unlock()

	c.logger.Info("stopping...")
	cancel()
	if stream != nil {
		_ = stream.Close()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	drain := time.Duration(c.cfg.Engine.DrainTimeoutSec) * time.Second
	select {
	case <-done:
	case <-time.After(drain):
		c.logger.Warn("drain window elapsed, discarding in-flight results",
			"in_flight", c.inFlight.Len())
	}

	c.mu.Lock()
	c.stream = nil
	c.poller = nil
	c.state = StateInitialized
	c.mu.Unlock()
	c.logger.Info("stopped")
}

// ReinitCredentials rebuilds the venue clients from current configuration.
// A running pipeline is stopped first and restarted after.
func (c *Coordinator) ReinitCredentials(ctx context.Context) error {
	c.mu.Lock()
	wasRunning := c.state == StateRunning
	c.mu.Unlock()

	if wasRunning {
		c.Stop()
	}
	if err := c.Initialize(ctx); err != nil {
		return err
	}
	if wasRunning {
		return c.Start()
	}
	return nil
}

// ReloadWallets pushes the current active wallet set to the push stream.
// The poller and the policy engine read storage fresh on every tick/trade,
// so they need no notification.
func (c *Coordinator) ReloadWallets() error {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()

	if stream == nil {
		return nil
	}
	active, err := c.store.ListActive()
	if err != nil {
		return fmt.Errorf("list active wallets: %w", err)
	}
	addrs := make([]string, len(active))
	for i, w := range active {
		addrs[i] = w.Address
	}
	if err := stream.SetWallets(addrs); err != nil {
		c.logger.Warn("stream resubscribe failed, reconnect will retry", "error", err)
	}
	return nil
}

// UpdateRuntime persists and applies a new runtime configuration.
func (c *Coordinator) UpdateRuntime(runtime types.GlobalConfig) error {
	if err := c.store.SaveConfig(runtime); err != nil {
		return err
	}
	c.runtimeMu.Lock()
	c.runtime = runtime
	c.runtimeMu.Unlock()

	c.mu.Lock()
	if c.poller != nil {
		c.poller.SetInterval(runtime.PollIntervalMs)
	}
	c.mu.Unlock()
	return nil
}

// Runtime returns the current runtime configuration.
func (c *Coordinator) Runtime() types.GlobalConfig {
	return c.currentRuntime()
}

func (c *Coordinator) currentRuntime() types.GlobalConfig {
	c.runtimeMu.RLock()
	defer c.runtimeMu.RUnlock()
	return c.runtime
}

// Status reports the coordinator's current state for the control surface.
func (c *Coordinator) Status() StatusInfo {
	c.mu.Lock()
	state := c.state
	var eoa string
	if c.auth != nil {
		eoa = types.NormalizeAddress(c.auth.Address().Hex())
	}
	proxy := c.operatorProxy
	c.mu.Unlock()

	activeCount := 0
	if active, err := c.store.ListActive(); err == nil {
		activeCount = len(active)
	}

	return StatusInfo{
		State:          state,
		ActiveWallets:  activeCount,
		InFlight:       c.inFlight.Len(),
		DedupTxHashes:  c.byTxHash.Len(),
		DedupCompound:  c.byCompound.Len(),
		StreamEnabled:  c.cfg.API.WSUserURL != "",
		OperatorEOA:    eoa,
		OperatorProxy:  proxy,
		PollIntervalMs: c.currentRuntime().PollIntervalMs,
		DryRun:         c.cfg.DryRun,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Pipeline
// ————————————————————————————————————————————————————————————————————————

func (c *Coordinator) consume(ctx context.Context, trades <-chan types.DetectedTrade) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-trades:
			c.admit(ctx, t)
		}
	}
}

// admit runs the dedup protocol synchronously, then hands the trade to a
// worker. The tx hash enters byTxHash before anything can suspend, so a
// burst of push events for the same trade cannot all pass the check. The
// compound key is deferred until the outcome is known: two genuinely
// distinct trades by the same whale on the same market within 5 minutes
// must not block each other, while two copies of one trade are already
// caught by the hash.
func (c *Coordinator) admit(ctx context.Context, t types.DetectedTrade) {
	hash := t.TransactionHash
	ckey := t.CompoundKey()

	if c.byTxHash.Has(hash) || c.byCompound.Has(ckey) {
		return
	}
	if !c.inFlight.TryAdd(hash, ckey) {
		return
	}
	c.byTxHash.Add(hash)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.inFlight.Remove(hash, ckey)
		c.process(ctx, t, ckey)
	}()
}

// process runs the policy chain and, on acceptance, the executor, then does
// outcome bookkeeping. The per-trade context is detached from the run
// context: stopping the engine must not abort an order POST that is already
// on the wire (at-most-once), it only stops new admissions.
func (c *Coordinator) process(runCtx context.Context, t types.DetectedTrade, ckey string) {
	ctx, cancel := context.WithTimeout(context.Background(), tradeTimeout)
	defer cancel()

	c.logger.Info("processing trade",
		"wallet", t.Wallet, "market", t.MarketID, "outcome", t.Outcome,
		"side", t.Side, "size", t.Size, "price", t.Price, "source", t.Source,
	)

	decision := c.policy.Evaluate(ctx, t, c.currentRuntime())
	if !decision.Accepted {
		c.byCompound.Add(ckey)
		c.logger.Info("trade rejected", "wallet", t.Wallet,
			"market", t.MarketID, "reason", decision.Reason)
		if strings.HasPrefix(decision.Reason, "safety:") {
			c.store.LogIssue("policy", decision.Reason)
		}
		c.record(t, types.TradeMetric{
			Status: types.StatusRejected,
			Reason: decision.Reason,
		})
		return
	}

	// Stop() after this point no longer prevents the order: that is the
	// drain window's job. But a stop before execution begins must win.
	if runCtx.Err() != nil {
		c.byCompound.Add(ckey)
		return
	}

	result := c.executor.Execute(ctx, *decision.Order)

	switch result.Status {
	case types.StatusExecuted:
		// Ledger first: the no-repeat guard must be durable before the
		// success becomes visible anywhere else.
		if err := c.store.AppendExecutedPosition(t.MarketID, t.Outcome, t.Wallet, time.Now()); err != nil {
			c.logger.Error("ledger append failed after execution", "error", err)
			c.store.LogIssue("ledger",
				fmt.Sprintf("executed order %s not recorded: %v", result.OrderID, err))
		}
		c.byCompound.Add(ckey)
		c.rates.Record(t.Wallet)
		c.record(t, types.TradeMetric{
			Status:          types.StatusExecuted,
			OrderID:         result.OrderID,
			SizeUSD:         decision.SizeUSD,
			ExecutionTimeMs: result.ExecutionTimeMs,
		})

	case types.StatusMarketClosed:
		// Informational: suppress retries, log no issue.
		c.byCompound.Add(ckey)
		c.record(t, types.TradeMetric{
			Status:          types.StatusMarketClosed,
			Reason:          result.Error,
			ExecutionTimeMs: result.ExecutionTimeMs,
		})

	default:
		c.byCompound.Add(ckey)
		c.logger.Error("execution failed",
			"wallet", t.Wallet, "market", t.MarketID, "error", result.Error)
		c.store.LogIssue("executor",
			fmt.Sprintf("order for %s/%s failed: %s", t.MarketID, t.Outcome, result.Error))
		c.record(t, types.TradeMetric{
			Status:          types.StatusFailed,
			Reason:          result.Error,
			ExecutionTimeMs: result.ExecutionTimeMs,
		})
	}
}

func (c *Coordinator) record(t types.DetectedTrade, m types.TradeMetric) {
	m.Timestamp = time.Now().UTC()
	m.Wallet = t.Wallet
	m.MarketID = t.MarketID
	m.Outcome = t.Outcome
	m.Side = t.Side
	m.Price = t.Price
	c.store.AppendTradeMetric(m)
}

func (c *Coordinator) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h := c.byTxHash.Sweep()
			k := c.byCompound.Sweep()
			if h+k > 0 {
				c.logger.Debug("swept dedup caches", "tx_hashes", h, "compound", k)
			}
		}
	}
}

func (c *Coordinator) watchStreamState(ctx context.Context) {
	var last types.StreamState
	for {
		select {
		case <-ctx.Done():
			return
		case state := <-c.stream.StateEvents():
			if state == last {
				continue
			}
			if state == types.StreamDisconnected && last == types.StreamConnected {
				c.logger.Warn("push stream lost; poller continues alone")
			}
			if state == types.StreamConnected && last != "" {
				c.logger.Info("push stream restored")
			}
			last = state
		}
	}
}
