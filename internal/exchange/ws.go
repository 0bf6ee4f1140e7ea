// ws.go implements the optional push stream: a persistent WebSocket
// subscription that delivers trades for the tracked wallet set as they
// happen, ahead of the next poll tick.
//
// The stream never replaces the poller — the push source may identify a
// user by a different address variant (proxy vs EOA) than the one the
// operator tracks, so both detection paths run concurrently and the
// coordinator deduplicates across them.
//
// The connection auto-reconnects with exponential backoff (1s → 30s max)
// and re-subscribes to the full wallet set on reconnection. A read deadline
// (90s) ensures silent server failures are detected within ~2 missed pings.
// State transitions (connecting/connected/disconnected) are observable on
// StateEvents.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-copytrader/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	tradeBufferSize  = 128              // buffer for incoming trade events
	stateBufferSize  = 8                // buffer for state transitions
)

// Stream maintains the push subscription for a set of wallet addresses.
// It handles connection lifecycle, subscription tracking, message routing,
// and automatic reconnection with exponential backoff.
type Stream struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes
	auth   *Auth

	// Track subscriptions for automatic re-subscribe on reconnect
	walletsMu sync.RWMutex
	wallets   map[string]bool // lowercase wallet addresses

	tradeCh chan types.WSTradeEvent
	stateCh chan types.StreamState

	logger *slog.Logger
}

// NewStream creates a push stream for the given WebSocket URL.
func NewStream(wsURL string, auth *Auth, logger *slog.Logger) *Stream {
	return &Stream{
		url:     wsURL,
		auth:    auth,
		wallets: make(map[string]bool),
		tradeCh: make(chan types.WSTradeEvent, tradeBufferSize),
		stateCh: make(chan types.StreamState, stateBufferSize),
		logger:  logger.With("component", "push_stream"),
	}
}

// TradeEvents returns a read-only channel of trade notifications.
func (s *Stream) TradeEvents() <-chan types.WSTradeEvent { return s.tradeCh }

// StateEvents returns a read-only channel of connection state transitions.
func (s *Stream) StateEvents() <-chan types.StreamState { return s.stateCh }

// SetWallets replaces the subscribed wallet set. Takes effect on the live
// connection immediately and on every reconnect thereafter.
func (s *Stream) SetWallets(addrs []string) error {
	s.walletsMu.Lock()
	s.wallets = make(map[string]bool, len(addrs))
	for _, a := range addrs {
		s.wallets[types.NormalizeAddress(a)] = true
	}
	s.walletsMu.Unlock()

	// Best effort on a live connection; reconnect picks it up otherwise.
	if err := s.sendSubscription(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}
	return nil
}

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		s.notifyState(types.StreamConnecting)
		err := s.connectAndRead(ctx)
		s.notifyState(types.StreamDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("push stream disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close gracefully closes the connection.
func (s *Stream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Stream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if err := s.sendSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	s.logger.Info("push stream connected", "wallets", s.walletCount())
	s.notifyState(types.StreamConnected)

	// Start ping goroutine
	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		s.dispatchMessage(msg)
	}
}

func (s *Stream) sendSubscription() error {
	s.walletsMu.RLock()
	users := make([]string, 0, len(s.wallets))
	for addr := range s.wallets {
		users = append(users, addr)
	}
	s.walletsMu.RUnlock()

	msg := types.WSSubscribeMsg{
		Type:  "user",
		Auth:  s.auth.WSAuthPayload(),
		Users: users,
	}
	return s.writeJSON(msg)
}

func (s *Stream) dispatchMessage(data []byte) {
	// Peek at event_type to route
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "trade":
		var evt types.WSTradeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.logger.Error("unmarshal trade event", "error", err)
			return
		}
		select {
		case s.tradeCh <- evt:
		default:
			s.logger.Warn("trade channel full, dropping event",
				"user", evt.User, "market", evt.ConditionID)
		}

	case "order", "last_trade_price", "best_bid_ask":
		// Informational events we don't need to process
		s.logger.Debug("ignoring event", "type", envelope.EventType)

	default:
		s.logger.Debug("unknown ws event type", "type", envelope.EventType)
	}
}

func (s *Stream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *Stream) notifyState(state types.StreamState) {
	select {
	case s.stateCh <- state:
	default:
	}
}

func (s *Stream) walletCount() int {
	s.walletsMu.RLock()
	defer s.walletsMu.RUnlock()
	return len(s.wallets)
}

func (s *Stream) writeJSON(v interface{}) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *Stream) writeMessage(msgType int, data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(msgType, data)
}
