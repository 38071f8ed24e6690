// ws.go implements the market-channel WebSocket feed.
//
// One long-lived connection serves every subscribed token. The feed consumes
// the cache's subscription-change channel, keeps pending (wanted, not yet
// confirmed) and active sets, and auto-reconnects with jittered exponential
// backoff. Keep-alive is the venue's text "PING"/"PONG" exchange; a missed
// pong within pongTimeout tears the connection down so the reconnect loop
// can rebuild it.
package book

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-copy/pkg/micros"
	"polymarket-copy/pkg/types"
)

const (
	pingInterval      = 10 * time.Second
	pongTimeout       = 5 * time.Second
	connectionTimeout = 30 * time.Second
	writeTimeout      = 10 * time.Second
	initialBackoff    = time.Second
	maxBackoff        = 60 * time.Second
)

// Feed manages the market WebSocket connection and its subscriptions.
type Feed struct {
	url   string
	cache *Cache

	conn   *websocket.Conn
	connMu sync.Mutex // serializes all outbound frames

	subMu   sync.Mutex
	pending map[string]bool // wanted, not yet confirmed on this connection
	active  map[string]bool // confirmed on this connection

	connected  atomic.Bool
	lastPong   atomic.Int64 // unix millis of last PONG
	errorCount atomic.Int64 // parse failures, dropped

	logger *slog.Logger
}

// NewFeed creates the market feed for the given WS endpoint.
func NewFeed(wsURL string, cache *Cache, logger *slog.Logger) *Feed {
	return &Feed{
		url:     wsURL,
		cache:   cache,
		pending: make(map[string]bool),
		active:  make(map[string]bool),
		logger:  logger.With("component", "ws_market"),
	}
}

// Connected reports whether the feed currently has a live connection.
func (f *Feed) Connected() bool { return f.connected.Load() }

// ErrorCount returns the number of inbound frames dropped on parse failure.
func (f *Feed) ErrorCount() int64 { return f.errorCount.Load() }

// Run maintains the connection until ctx is cancelled. It also drains the
// cache's subscription-change channel, so it must be running before any
// book lookups are made.
func (f *Feed) Run(ctx context.Context) error {
	go f.consumeChanges(ctx)

	backoff := initialBackoff
	for {
		start := time.Now()
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A connection that lived long enough resets the backoff.
		if time.Since(start) > maxBackoff {
			backoff = initialBackoff
		}
		wait := jitter(backoff)
		f.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// jitter spreads a backoff by ±10%.
func jitter(d time.Duration) time.Duration {
	spread := float64(d) * 0.1
	return d + time.Duration((rand.Float64()*2-1)*spread)
}

// consumeChanges applies cache subscription intent to the live connection.
func (f *Feed) consumeChanges(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ch := <-f.cache.Changes():
			if ch.Subscribe {
				f.subscribe(ch.TokenID)
			} else {
				f.unsubscribe(ch.TokenID)
			}
		}
	}
}

func (f *Feed) subscribe(tokenID string) {
	f.subMu.Lock()
	if f.active[tokenID] || f.pending[tokenID] {
		f.subMu.Unlock()
		return
	}
	f.pending[tokenID] = true
	send := f.connected.Load()
	f.subMu.Unlock()

	if !send {
		return
	}
	msg := types.WSUpdateMsg{AssetIDs: []string{tokenID}, Operation: "subscribe"}
	if err := f.writeJSON(msg); err != nil {
		f.logger.Warn("subscribe frame failed", "token", tokenID, "error", err)
		return
	}
	f.subMu.Lock()
	if f.pending[tokenID] {
		delete(f.pending, tokenID)
		f.active[tokenID] = true
	}
	f.subMu.Unlock()
}

func (f *Feed) unsubscribe(tokenID string) {
	f.subMu.Lock()
	wasTracked := f.active[tokenID] || f.pending[tokenID]
	delete(f.pending, tokenID)
	delete(f.active, tokenID)
	send := wasTracked && f.connected.Load()
	f.subMu.Unlock()

	if !send {
		return
	}
	msg := types.WSUpdateMsg{AssetIDs: []string{tokenID}, Operation: "unsubscribe"}
	if err := f.writeJSON(msg); err != nil {
		f.logger.Warn("unsubscribe frame failed", "token", tokenID, "error", err)
	}
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, f.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	f.connected.Store(true)
	f.lastPong.Store(time.Now().UnixMilli())

	defer func() {
		f.connected.Store(false)
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
		// Confirmed subscriptions must be re-sent on the next connection.
		f.subMu.Lock()
		for id := range f.active {
			f.pending[id] = true
			delete(f.active, id)
		}
		f.subMu.Unlock()
	}()

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.logger.Info("websocket connected")

	conn.SetPongHandler(func(string) error {
		f.lastPong.Store(time.Now().UnixMilli())
		return nil
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx, conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if string(msg) == "PONG" {
			f.lastPong.Store(time.Now().UnixMilli())
			continue
		}
		f.handleMessage(msg)
	}
}

// sendInitialSubscription sends the connect-time subscribe frame covering
// everything wanted, then marks it all active.
func (f *Feed) sendInitialSubscription() error {
	f.subMu.Lock()
	ids := make([]string, 0, len(f.pending)+len(f.active))
	for id := range f.pending {
		ids = append(ids, id)
	}
	for id := range f.active {
		ids = append(ids, id)
	}
	f.subMu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	if err := f.writeJSON(types.WSSubscribeMsg{AssetIDs: ids, Type: "market"}); err != nil {
		return err
	}
	f.subMu.Lock()
	for _, id := range ids {
		delete(f.pending, id)
		f.active[id] = true
	}
	f.subMu.Unlock()
	return nil
}

// pingLoop sends the text PING keep-alive and closes the connection when the
// pong deadline is missed, which unblocks the read loop into reconnect.
func (f *Feed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				conn.Close()
				return
			}
			deadline := time.Now().Add(pongTimeout)
			timer := time.NewTimer(pongTimeout)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				if time.UnixMilli(f.lastPong.Load()).Before(deadline.Add(-pongTimeout)) {
					f.logger.Warn("pong timeout, dropping connection")
					conn.Close()
					return
				}
			}
		}
	}
}

// handleMessage parses one inbound frame and applies book deltas to the
// cache. Parse failures are counted and dropped; the next update corrects.
func (f *Feed) handleMessage(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
		AssetID   string `json:"asset_id"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.errorCount.Add(1)
		f.logger.Debug("ignoring non-json ws message", "error", err)
		return
	}

	switch envelope.EventType {
	case "book", "":
		if envelope.AssetID == "" {
			return
		}
		var msg types.WSBookMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			f.errorCount.Add(1)
			f.logger.Error("unmarshal book message", "error", err)
			return
		}
		f.applyBook(msg)

	case "price_change", "last_trade_price":
		// Not used by the copier.

	default:
		f.logger.Debug("unknown ws event type", "type", envelope.EventType)
	}
}

func (f *Feed) applyBook(msg types.WSBookMessage) {
	bids, err := levelsToMicros(msg.Bids.Levels)
	if err != nil {
		f.errorCount.Add(1)
		f.logger.Error("bad bid levels", "asset", msg.AssetID, "error", err)
		return
	}
	asks, err := levelsToMicros(msg.Asks.Levels)
	if err != nil {
		f.errorCount.Add(1)
		f.logger.Error("bad ask levels", "asset", msg.AssetID, "error", err)
		return
	}
	f.cache.Update(msg.AssetID, bids, asks, types.BookSourceWS, false)
}

func levelsToMicros(in []types.WSLevel) ([]types.PriceLevel, error) {
	out := make([]types.PriceLevel, 0, len(in))
	for _, l := range in {
		price, err := micros.ParsePrice(l.Price)
		if err != nil {
			return nil, err
		}
		size, err := micros.ParseSize(l.Size)
		if err != nil {
			return nil, err
		}
		out = append(out, types.PriceLevel{PriceMicros: price, SizeMicros: size})
	}
	return out, nil
}

func (f *Feed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
