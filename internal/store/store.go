// Package store provides crash-safe persistence for the copy trader using
// JSON files in a single data directory:
//
//	wallets.json             — tracked-wallet document (whole-document writes)
//	config.json              — global runtime configuration
//	executed_positions.jsonl — append-only ledger backing the no-repeat guard
//	trade_metrics.json       — rolling trade log (capped at 1,000 entries)
//	system_issues.json       — rolling issue log (capped at 500 entries)
//
// Document writes use atomic file replacement (write to .tmp, then rename)
// to prevent corruption from partial writes or crashes mid-save. The ledger
// is appended line-by-line and indexed in memory so the no-repeat check never
// re-reads the file.
//
// Reads that back a safety decision (active-wallet set, position block)
// return explicit errors; callers are expected to fail closed on them.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"polymarket-copytrader/pkg/types"
)

const (
	walletsFile = "wallets.json"
	configFile  = "config.json"
	ledgerFile  = "executed_positions.jsonl"
	metricsFile = "trade_metrics.json"
	issuesFile  = "system_issues.json"

	maxTradeMetrics = 1000
	maxSystemIssues = 500
)

// LedgerEntry is one executed-position record. The no-repeat filter blocks a
// (market, outcome) pair while its latest entry is inside the block window.
type LedgerEntry struct {
	MarketID     string        `json:"market_id"`
	Outcome      types.Outcome `json:"outcome"`
	SourceWallet string        `json:"source_wallet"`
	Timestamp    time.Time     `json:"ts"`
}

func ledgerKey(marketID string, outcome types.Outcome) string {
	return marketID + "|" + string(outcome)
}

// Store persists all operator and pipeline state under one directory.
// Each file group has its own mutex so a slow ledger rewrite cannot stall a
// wallet lookup.
type Store struct {
	dir string

	walletsMu sync.Mutex
	configMu  sync.Mutex

	ledgerMu sync.Mutex
	ledger   []LedgerEntry        // full entry list, oldest first
	latest   map[string]time.Time // ledgerKey → newest entry timestamp

	metricsMu sync.Mutex
	metrics   []types.TradeMetric

	issuesMu    sync.Mutex
	issues      []types.SystemIssue
	nextIssueID int64
}

// Open creates a store backed by the given directory and loads the ledger
// index and rolling buffers.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	s := &Store{
		dir:         dir,
		latest:      make(map[string]time.Time),
		nextIssueID: 1,
	}
	if err := s.loadLedger(); err != nil {
		return nil, err
	}
	if err := readDocument(s.path(metricsFile), &s.metrics); err != nil {
		return nil, fmt.Errorf("load trade metrics: %w", err)
	}
	if err := readDocument(s.path(issuesFile), &s.issues); err != nil {
		return nil, fmt.Errorf("load system issues: %w", err)
	}
	for _, iss := range s.issues {
		if iss.ID >= s.nextIssueID {
			s.nextIssueID = iss.ID + 1
		}
	}
	return s, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// ————————————————————————————————————————————————————————————————————————
// Tracked wallets
// ————————————————————————————————————————————————————————————————————————

// ListWallets returns every tracked wallet, active or not.
func (s *Store) ListWallets() ([]types.TrackedWallet, error) {
	s.walletsMu.Lock()
	defer s.walletsMu.Unlock()
	return s.readWallets()
}

// ListActive returns only the wallets currently being monitored.
func (s *Store) ListActive() ([]types.TrackedWallet, error) {
	wallets, err := s.ListWallets()
	if err != nil {
		return nil, err
	}
	active := wallets[:0]
	for _, w := range wallets {
		if w.Active {
			active = append(active, w)
		}
	}
	return active, nil
}

// GetWallet returns one tracked wallet, or (nil, nil) when not tracked.
func (s *Store) GetWallet(addr string) (*types.TrackedWallet, error) {
	wallets, err := s.ListWallets()
	if err != nil {
		return nil, err
	}
	addr = types.NormalizeAddress(addr)
	for i := range wallets {
		if wallets[i].Address == addr {
			return &wallets[i], nil
		}
	}
	return nil, nil
}

// AddWallet starts tracking a wallet. New wallets begin active with an
// empty policy. Adding an already-tracked wallet is an error.
func (s *Store) AddWallet(addr string) (*types.TrackedWallet, error) {
	addr = types.NormalizeAddress(addr)
	if len(addr) != 42 || addr[:2] != "0x" {
		return nil, fmt.Errorf("invalid wallet address %q", addr)
	}

	s.walletsMu.Lock()
	defer s.walletsMu.Unlock()

	wallets, err := s.readWallets()
	if err != nil {
		return nil, err
	}
	for _, w := range wallets {
		if w.Address == addr {
			return nil, fmt.Errorf("wallet %s already tracked", addr)
		}
	}

	wallet := types.TrackedWallet{
		Address:   addr,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	wallets = append(wallets, wallet)
	if err := s.writeWallets(wallets); err != nil {
		return nil, err
	}
	return &wallet, nil
}

// RemoveWallet stops tracking a wallet entirely.
func (s *Store) RemoveWallet(addr string) error {
	addr = types.NormalizeAddress(addr)

	s.walletsMu.Lock()
	defer s.walletsMu.Unlock()

	wallets, err := s.readWallets()
	if err != nil {
		return err
	}
	kept := wallets[:0]
	found := false
	for _, w := range wallets {
		if w.Address == addr {
			found = true
			continue
		}
		kept = append(kept, w)
	}
	if !found {
		return fmt.Errorf("wallet %s not tracked", addr)
	}
	return s.writeWallets(kept)
}

// SetActive toggles monitoring for a wallet without forgetting its policy.
func (s *Store) SetActive(addr string, active bool) error {
	return s.mutateWallet(addr, func(w *types.TrackedWallet) {
		w.Active = active
	})
}

// SetLabel sets the human-readable label for a wallet.
func (s *Store) SetLabel(addr, label string) error {
	return s.mutateWallet(addr, func(w *types.TrackedWallet) {
		w.Label = label
	})
}

// UpdateWalletPolicy replaces a wallet's policy bundle. Price bounds are
// clamped into the venue's executable envelope regardless of what the
// operator submitted.
func (s *Store) UpdateWalletPolicy(addr string, policy types.WalletPolicy) error {
	if policy.PriceMin != 0 && policy.PriceMin < 0.01 {
		policy.PriceMin = 0.01
	}
	if policy.PriceMax != 0 && policy.PriceMax > 0.99 {
		policy.PriceMax = 0.99
	}
	if policy.PriceMin != 0 && policy.PriceMax != 0 && policy.PriceMin > policy.PriceMax {
		return fmt.Errorf("price_min %.2f exceeds price_max %.2f", policy.PriceMin, policy.PriceMax)
	}
	if policy.SizingMode == types.SizingFixed && policy.FixedTradeSize <= 0 {
		return fmt.Errorf("fixed sizing requires a positive fixed_trade_size")
	}
	return s.mutateWallet(addr, func(w *types.TrackedWallet) {
		w.Policy = policy
	})
}

func (s *Store) mutateWallet(addr string, fn func(*types.TrackedWallet)) error {
	addr = types.NormalizeAddress(addr)

	s.walletsMu.Lock()
	defer s.walletsMu.Unlock()

	wallets, err := s.readWallets()
	if err != nil {
		return err
	}
	for i := range wallets {
		if wallets[i].Address == addr {
			fn(&wallets[i])
			return s.writeWallets(wallets)
		}
	}
	return fmt.Errorf("wallet %s not tracked", addr)
}

func (s *Store) readWallets() ([]types.TrackedWallet, error) {
	var wallets []types.TrackedWallet
	if err := readDocument(s.path(walletsFile), &wallets); err != nil {
		return nil, fmt.Errorf("read wallets: %w", err)
	}
	return wallets, nil
}

func (s *Store) writeWallets(wallets []types.TrackedWallet) error {
	if err := writeDocument(s.path(walletsFile), wallets); err != nil {
		return fmt.Errorf("write wallets: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Global config
// ————————————————————————————————————————————————————————————————————————

// LoadConfig returns the persisted runtime config, or defaults when no
// document exists yet.
func (s *Store) LoadConfig() (types.GlobalConfig, error) {
	s.configMu.Lock()
	defer s.configMu.Unlock()

	cfg := types.DefaultGlobalConfig()
	data, err := os.ReadFile(s.path(configFile))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// SaveConfig validates and persists the runtime config.
func (s *Store) SaveConfig(cfg types.GlobalConfig) error {
	if cfg.DefaultTradeSizeUSD <= 0 {
		return fmt.Errorf("default_trade_size_usd must be > 0")
	}
	if cfg.PollIntervalMs < 1000 || cfg.PollIntervalMs > 300000 {
		return fmt.Errorf("poll_interval_ms must be within [1000, 300000]")
	}
	if cfg.StopLoss.Enabled &&
		(cfg.StopLoss.MaxCommitmentPercent <= 0 || cfg.StopLoss.MaxCommitmentPercent > 100) {
		return fmt.Errorf("stop_loss.max_commitment_percent must be within (0, 100]")
	}

	s.configMu.Lock()
	defer s.configMu.Unlock()
	if err := writeDocument(s.path(configFile), cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Executed-position ledger
// ————————————————————————————————————————————————————————————————————————

// AppendExecutedPosition records a successful replication. The entry is on
// disk before this returns, so the no-repeat guard survives restarts.
func (s *Store) AppendExecutedPosition(marketID string, outcome types.Outcome, sourceWallet string, ts time.Time) error {
	entry := LedgerEntry{
		MarketID:     marketID,
		Outcome:      outcome,
		SourceWallet: types.NormalizeAddress(sourceWallet),
		Timestamp:    ts.UTC(),
	}

	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}
	f, err := os.OpenFile(s.path(ledgerFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync ledger: %w", err)
	}

	s.ledger = append(s.ledger, entry)
	key := ledgerKey(marketID, outcome)
	if entry.Timestamp.After(s.latest[key]) {
		s.latest[key] = entry.Timestamp
	}
	return nil
}

// IsPositionBlocked reports whether (marketID, outcome) was executed inside
// the block window. blockHours of 0 means any recorded entry blocks forever.
func (s *Store) IsPositionBlocked(marketID string, outcome types.Outcome, blockHours float64) (bool, error) {
	s.ledgerMu.Lock()
	last, ok := s.latest[ledgerKey(marketID, outcome)]
	s.ledgerMu.Unlock()

	if !ok {
		return false, nil
	}
	if blockHours == 0 {
		return true, nil
	}
	cutoff := time.Now().Add(-time.Duration(blockHours * float64(time.Hour)))
	return last.After(cutoff), nil
}

// CleanupExpiredPositions drops ledger entries older than maxKeepHours and
// compacts the file. Returns how many entries were removed.
func (s *Store) CleanupExpiredPositions(maxKeepHours float64) (int, error) {
	if maxKeepHours <= 0 {
		return 0, nil // 0 = keep forever
	}
	cutoff := time.Now().Add(-time.Duration(maxKeepHours * float64(time.Hour)))

	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()

	kept := make([]LedgerEntry, 0, len(s.ledger))
	removed := 0
	for _, e := range s.ledger {
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed == 0 {
		return 0, nil
	}

	var buf []byte
	for _, e := range kept {
		line, err := json.Marshal(e)
		if err != nil {
			return 0, fmt.Errorf("marshal ledger entry: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	path := s.path(ledgerFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return 0, fmt.Errorf("rewrite ledger: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("replace ledger: %w", err)
	}

	s.ledger = kept
	s.latest = make(map[string]time.Time, len(kept))
	for _, e := range kept {
		key := ledgerKey(e.MarketID, e.Outcome)
		if e.Timestamp.After(s.latest[key]) {
			s.latest[key] = e.Timestamp
		}
	}
	return removed, nil
}

func (s *Store) loadLedger() error {
	f, err := os.Open(s.path(ledgerFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry LedgerEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			// A torn final line from a crash is tolerable; anything else isn't.
			return fmt.Errorf("corrupt ledger line: %w", err)
		}
		s.ledger = append(s.ledger, entry)
		key := ledgerKey(entry.MarketID, entry.Outcome)
		if entry.Timestamp.After(s.latest[key]) {
			s.latest[key] = entry.Timestamp
		}
	}
	return scanner.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Trade metrics and system issues
// ————————————————————————————————————————————————————————————————————————

// AppendTradeMetric records one processed trade in the rolling trade log.
func (s *Store) AppendTradeMetric(m types.TradeMetric) {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()

	s.metrics = append(s.metrics, m)
	if len(s.metrics) > maxTradeMetrics {
		s.metrics = s.metrics[len(s.metrics)-maxTradeMetrics:]
	}
	// Best effort: metrics are observability, not a safety input.
	_ = writeDocument(s.path(metricsFile), s.metrics)
}

// RecentTrades returns the newest trade metrics, newest first.
func (s *Store) RecentTrades(limit int) []types.TradeMetric {
	return s.filterTrades(limit, func(types.TradeMetric) bool { return true })
}

// FailedTrades returns the newest failed or rejected trades, newest first.
func (s *Store) FailedTrades(limit int) []types.TradeMetric {
	return s.filterTrades(limit, func(m types.TradeMetric) bool {
		return m.Status == types.StatusFailed || m.Status == types.StatusRejected
	})
}

func (s *Store) filterTrades(limit int, keep func(types.TradeMetric) bool) []types.TradeMetric {
	if limit <= 0 {
		limit = 50
	}
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()

	out := make([]types.TradeMetric, 0, limit)
	for i := len(s.metrics) - 1; i >= 0 && len(out) < limit; i-- {
		if keep(s.metrics[i]) {
			out = append(out, s.metrics[i])
		}
	}
	return out
}

// LogIssue records an operational problem and returns its id.
func (s *Store) LogIssue(component, message string) int64 {
	s.issuesMu.Lock()
	defer s.issuesMu.Unlock()

	issue := types.SystemIssue{
		ID:        s.nextIssueID,
		Timestamp: time.Now().UTC(),
		Component: component,
		Message:   message,
	}
	s.nextIssueID++
	s.issues = append(s.issues, issue)
	if len(s.issues) > maxSystemIssues {
		s.issues = s.issues[len(s.issues)-maxSystemIssues:]
	}
	_ = writeDocument(s.path(issuesFile), s.issues)
	return issue.ID
}

// ListIssues returns all retained issues, newest first.
func (s *Store) ListIssues() []types.SystemIssue {
	s.issuesMu.Lock()
	defer s.issuesMu.Unlock()

	out := make([]types.SystemIssue, len(s.issues))
	for i, iss := range s.issues {
		out[len(s.issues)-1-i] = iss
	}
	return out
}

// ResolveIssue marks an issue resolved.
func (s *Store) ResolveIssue(id int64) error {
	s.issuesMu.Lock()
	defer s.issuesMu.Unlock()

	for i := range s.issues {
		if s.issues[i].ID == id {
			s.issues[i].Resolved = true
			_ = writeDocument(s.path(issuesFile), s.issues)
			return nil
		}
	}
	return fmt.Errorf("issue %d not found", id)
}

// ————————————————————————————————————————————————————————————————————————
// File helpers
// ————————————————————————————————————————————————————————————————————————

// writeDocument atomically replaces a JSON document (write .tmp, rename).
func writeDocument(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmp, path)
}

// readDocument loads a JSON document, leaving v untouched when the file
// does not exist yet.
func readDocument(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, v)
}
