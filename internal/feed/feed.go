// Package feed implements the reconnecting market-data WebSocket client.
//
// The feed maintains one persistent connection to the venue's market channel
// and a desired subscription set keyed by token ID. Incoming "book" and
// "last_trade_price" frames are reduced to a single stream of PriceUpdate
// values consumed by the worker. Wire errors never reach the consumer: they
// show up only as reconnect activity and as IsConnected() == false.
//
// Reconnects use exponential backoff (1s → 60s, ×2 by default); the attempt
// counter resets after a successful connect, and the full desired set is
// re-subscribed with a single aggregate message before any frame is read.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-trade-manager/internal/config"
	"polymarket-trade-manager/pkg/types"
)

const (
	readTimeout     = 90 * time.Second // ~3 missed pings triggers reconnect
	writeTimeout    = 10 * time.Second // deadline for outgoing messages
	priceBufferSize = 1024             // buffer for the price stream
)

// Feed manages the market WebSocket connection. It handles connection
// lifecycle, subscription tracking, price derivation, and automatic
// reconnection with exponential backoff.
type Feed struct {
	cfg    config.FeedConfig
	logger *slog.Logger

	connMu sync.Mutex // protects conn writes
	conn   *websocket.Conn

	desiredMu sync.RWMutex
	desired   map[string]bool // token IDs we want subscribed

	connected atomic.Bool
	closing   atomic.Bool

	prices chan types.PriceUpdate
}

// New creates a market feed client. Nothing is dialed until Run is called.
func New(cfg config.FeedConfig, logger *slog.Logger) *Feed {
	return &Feed{
		cfg:     cfg,
		logger:  logger.With("component", "feed"),
		desired: make(map[string]bool),
		prices:  make(chan types.PriceUpdate, priceBufferSize),
	}
}

// Prices returns the stream of derived price updates. The stream is infinite
// and not restartable; consumers must tolerate missed updates across
// reconnects.
func (f *Feed) Prices() <-chan types.PriceUpdate { return f.prices }

// IsConnected reports whether the socket is currently established.
func (f *Feed) IsConnected() bool { return f.connected.Load() }

// SubscribedTokens returns the desired subscription set, sorted for
// deterministic diffing.
func (f *Feed) SubscribedTokens() []string {
	f.desiredMu.RLock()
	defer f.desiredMu.RUnlock()
	out := make([]string, 0, len(f.desired))
	for id := range f.desired {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Subscribe adds token IDs to the desired set. Idempotent. Before the
// connection is up the call only records the set; the aggregate subscription
// is sent on connect.
func (f *Feed) Subscribe(tokenIDs []string) {
	if len(tokenIDs) == 0 {
		return
	}
	f.desiredMu.Lock()
	changed := false
	for _, id := range tokenIDs {
		if !f.desired[id] {
			f.desired[id] = true
			changed = true
		}
	}
	f.desiredMu.Unlock()

	if !changed || !f.connected.Load() {
		return
	}
	if err := f.sendSubscription("subscribe"); err != nil {
		f.logger.Warn("subscribe send failed, will resend on reconnect", "error", err)
	}
}

// Unsubscribe removes token IDs from the desired set. Unknown tokens are a
// no-op.
func (f *Feed) Unsubscribe(tokenIDs []string) {
	if len(tokenIDs) == 0 {
		return
	}
	f.desiredMu.Lock()
	removed := make([]string, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		if f.desired[id] {
			delete(f.desired, id)
			removed = append(removed, id)
		}
	}
	f.desiredMu.Unlock()

	if len(removed) == 0 || !f.connected.Load() {
		return
	}
	msg := types.WSSubscription{Type: "market", AssetIDs: removed, Operation: "unsubscribe"}
	if err := f.writeJSON(msg); err != nil {
		f.logger.Warn("unsubscribe send failed", "error", err)
	}
}

// Run connects and maintains the WebSocket connection with auto-reconnect.
// The initial connect fails open: a dial error just schedules a retry while
// Subscribe/Unsubscribe keep recording the desired set. Blocks until ctx is
// cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := f.cfg.ReconnectInitial

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if f.closing.Load() {
			return nil
		}
		if err == nil {
			// Clean read-loop exit means the connection lived; restart the
			// backoff schedule.
			backoff = f.cfg.ReconnectInitial
			continue
		}

		f.logger.Warn("feed disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * f.cfg.ReconnectMultiplier)
		if backoff > f.cfg.ReconnectMax {
			backoff = f.cfg.ReconnectMax
		}
	}
}

// Close sends a close frame and tears down the connection. User-initiated:
// Run returns instead of scheduling a reconnect.
func (f *Feed) Close() error {
	f.closing.Store(true)
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return nil
	}
	deadline := time.Now().Add(writeTimeout)
	_ = f.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return f.conn.Close()
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connected.Store(false)
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	f.connected.Store(true)

	// Aggregate subscription for the full desired set goes out before any
	// frame is processed.
	if err := f.sendSubscription("subscribe"); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("feed connected", "subscribed", len(f.SubscribedTokens()))

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if f.closing.Load() {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		f.handleFrame(msg)
	}
}

// sendSubscription sends the aggregate message naming the full desired set.
func (f *Feed) sendSubscription(operation string) error {
	ids := f.SubscribedTokens()
	if len(ids) == 0 {
		return nil
	}
	msg := types.WSSubscription{Type: "market", AssetIDs: ids, Operation: operation}
	return f.writeJSON(msg)
}

// handleFrame routes one inbound frame by event_type and emits any derived
// price onto the stream.
func (f *Feed) handleFrame(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		// Non-JSON payloads are server-side diagnostics (error strings).
		f.logger.Error("feed error frame", "payload", string(data))
		return
	}

	switch envelope.EventType {
	case "book":
		var evt types.WSBookEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal book event", "error", err)
			return
		}
		price, ok := priceFromBook(evt, f.cfg.AllowOneSidedBook)
		if !ok {
			return
		}
		f.emit(evt.AssetID, price)

	case "last_trade_price":
		var evt types.WSLastTradePrice
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal last_trade_price event", "error", err)
			return
		}
		price, ok := priceFromLastTrade(evt)
		if !ok {
			return
		}
		f.emit(evt.AssetID, price)

	case "price_change", "best_bid_ask":
		// Recognized but not a price source for the rule engine.
		f.logger.Debug("ignoring event", "type", envelope.EventType)

	default:
		f.logger.Debug("unknown feed event type", "type", envelope.EventType)
	}
}

func (f *Feed) emit(tokenID string, price types.PriceUpdate) {
	price.TokenID = tokenID
	price.Timestamp = time.Now()

	select {
	case f.prices <- price:
	default:
		f.logger.Warn("price channel full, dropping update", "token", tokenID)
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("feed not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("feed not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
