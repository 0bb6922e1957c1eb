// ws.go implements the WebSocket ticker reader for Binance.US.
//
// A single feed connects to the combined-stream endpoint and dynamically
// subscribes/unsubscribes to per-symbol "<symbol>@ticker" streams via the
// venue's SUBSCRIBE/UNSUBSCRIBE JSON-RPC method, re-subscribing to every
// tracked symbol on reconnect.
//
// The feed auto-reconnects with exponential backoff (1s → 30s max), capped
// at 10 consecutive attempts before giving up and returning an error to the
// caller (the engine's ticker-feed task logs it; the feed is not restarted). A read
// deadline (90s) detects silent server failures between the venue's
// unsolicited ping frames.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"usspot-engine/pkg/types"
)

const (
	wsReadTimeout      = 90 * time.Second // no message (incl. ping) within this window triggers reconnect
	wsMaxReconnectWait = 30 * time.Second // cap on exponential backoff
	wsWriteTimeout      = 10 * time.Second // deadline for outgoing messages
	wsMaxReconnectTries = 10               // give up after this many consecutive failed attempts
	wsTickerBufferSize  = 256              // buffer for ticker events
)

// WSFeed manages the ticker WebSocket connection: lifecycle, subscription
// tracking, message routing, and automatic reconnection.
type WSFeed struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex

	subscribedMu sync.RWMutex
	subscribed   map[string]bool // symbols, lowercase

	tickerCh chan types.WSTickerPayload

	logger *slog.Logger
}

// NewTickerFeed creates a WebSocket feed for the combined ticker stream.
func NewTickerFeed(wsURL string, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:        wsURL,
		subscribed: make(map[string]bool),
		tickerCh:   make(chan types.WSTickerPayload, wsTickerBufferSize),
		logger:     logger.With("component", "ws_ticker"),
	}
}

// TickerEvents returns a read-only channel of ticker updates.
func (f *WSFeed) TickerEvents() <-chan types.WSTickerPayload { return f.tickerCh }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled or the reconnect attempt cap is exceeded.
func (f *WSFeed) Run(ctx context.Context) error {
	backoff := time.Second
	attempts := 0

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempts++
		if attempts >= wsMaxReconnectTries {
			return fmt.Errorf("websocket gave up after %d attempts: %w", attempts, err)
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
			"attempt", attempts,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > wsMaxReconnectWait {
			backoff = wsMaxReconnectWait
		}
	}
}

// Subscribe adds symbols to the ticker stream.
func (f *WSFeed) Subscribe(symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		f.subscribed[streamName(s)] = true
	}
	f.subscribedMu.Unlock()

	return f.sendSubscription("SUBSCRIBE", symbols)
}

// Unsubscribe removes symbols from the ticker stream.
func (f *WSFeed) Unsubscribe(symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		delete(f.subscribed, streamName(s))
	}
	f.subscribedMu.Unlock()

	return f.sendSubscription("UNSUBSCRIBE", symbols)
}

// Close gracefully closes the connection.
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func streamName(symbol string) string {
	lower := make([]byte, len(symbol))
	for i := 0; i < len(symbol); i++ {
		c := symbol[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		lower[i] = c
	}
	return string(lower) + "@ticker"
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsWriteTimeout))
	})

	if err := f.resubscribeAll(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	f.logger.Info("websocket connected")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *WSFeed) resubscribeAll() error {
	f.subscribedMu.RLock()
	streams := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		streams = append(streams, s)
	}
	f.subscribedMu.RUnlock()

	if len(streams) == 0 {
		return nil
	}

	msg := map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": streams,
		"id":     1,
	}
	return f.writeJSON(msg)
}

func (f *WSFeed) sendSubscription(method string, symbols []string) error {
	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = streamName(s)
	}
	msg := map[string]interface{}{
		"method": method,
		"params": streams,
		"id":     time.Now().UnixNano(),
	}
	return f.writeJSON(msg)
}

func (f *WSFeed) dispatchMessage(data []byte) {
	var combined types.WSCombinedMessage
	if err := json.Unmarshal(data, &combined); err == nil && combined.Stream != "" {
		select {
		case f.tickerCh <- combined.Data:
		default:
			f.logger.Warn("ticker channel full, dropping event", "symbol", combined.Data.Symbol)
		}
		return
	}

	// Single-stream payload (no "stream"/"data" envelope) or a JSON-RPC
	// subscribe/unsubscribe acknowledgement — neither carries a ticker update.
	var ack struct {
		Result interface{} `json:"result"`
		ID     interface{} `json:"id"`
	}
	if err := json.Unmarshal(data, &ack); err == nil && ack.ID != nil {
		f.logger.Debug("subscription ack received")
		return
	}

	f.logger.Debug("ignoring unrecognized ws message", "data", string(data))
}

func (f *WSFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return f.conn.WriteJSON(v)
}
