package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"cryptotax-engine/internal/domain"
	"cryptotax-engine/internal/idhash"
)

// WSFeedConfig configures the live trade feed.
type WSFeedConfig struct {
	// ReconnectDelay is initial delay before reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
}

// DefaultWSFeedConfig returns default feed configuration.
func DefaultWSFeedConfig() WSFeedConfig {
	return WSFeedConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// WSTradeFeed streams own-trade notifications from the exchange
// WebSocket API and delivers them as exchange events on a channel.
// The feed reconnects and resubscribes on connection loss.
type WSTradeFeed struct {
	endpoint string
	token    string // session token for the private subscription
	config   WSFeedConfig

	conn   *websocket.Conn
	connMu sync.Mutex
	closed atomic.Bool

	out  chan *domain.ExchangeEvent
	done chan struct{}
	wg   sync.WaitGroup
}

// NewWSTradeFeed connects, subscribes to own trades and starts the
// read and ping loops.
func NewWSTradeFeed(ctx context.Context, endpoint, token string, config *WSFeedConfig) (*WSTradeFeed, error) {
	cfg := DefaultWSFeedConfig()
	if config != nil {
		cfg = *config
	}

	f := &WSTradeFeed{
		endpoint: endpoint,
		token:    token,
		config:   cfg,
		out:      make(chan *domain.ExchangeEvent, 1024),
		done:     make(chan struct{}),
	}

	if err := f.connect(ctx); err != nil {
		return nil, err
	}
	if err := f.subscribe(); err != nil {
		f.Close()
		return nil, err
	}

	f.wg.Add(1)
	go f.readLoop()

	f.wg.Add(1)
	go f.pingLoop()

	return f, nil
}

// Trades is the stream of live trades. Closed when the feed closes.
func (f *WSTradeFeed) Trades() <-chan *domain.ExchangeEvent {
	return f.out
}

// Close closes the connection and stops both loops.
func (f *WSTradeFeed) Close() error {
	if f.closed.Swap(true) {
		return nil // Already closed
	}

	close(f.done)

	f.connMu.Lock()
	if f.conn != nil {
		f.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		f.conn.Close()
	}
	f.connMu.Unlock()

	f.wg.Wait()
	close(f.out)
	return nil
}

// connect establishes the WebSocket connection.
func (f *WSTradeFeed) connect(ctx context.Context) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, f.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	f.conn = conn
	return nil
}

// subscribe sends the ownTrades subscription request.
func (f *WSTradeFeed) subscribe() error {
	req := map[string]any{
		"event": "subscribe",
		"subscription": map[string]any{
			"name":  "ownTrades",
			"token": f.token,
		},
	}

	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(f.config.WriteTimeout))
	if err := f.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("write subscribe: %w", err)
	}
	return nil
}

// readLoop reads messages and reconnects with exponential backoff on
// connection loss.
func (f *WSTradeFeed) readLoop() {
	defer f.wg.Done()

	reconnectDelay := f.config.ReconnectDelay

	for !f.closed.Load() {
		f.connMu.Lock()
		conn := f.conn
		f.connMu.Unlock()

		if conn == nil {
			if !f.reconnect(reconnectDelay) {
				return
			}
			reconnectDelay = min(reconnectDelay*2, f.config.MaxReconnectDelay)
			continue
		}

		conn.SetReadDeadline(time.Now().Add(f.config.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if f.closed.Load() {
				return
			}
			f.connMu.Lock()
			f.conn.Close()
			f.conn = nil
			f.connMu.Unlock()
			continue
		}

		reconnectDelay = f.config.ReconnectDelay
		f.handleMessage(message)
	}
}

// reconnect waits out the delay, redials and resubscribes. Returns
// false when the feed closed while waiting.
func (f *WSTradeFeed) reconnect(delay time.Duration) bool {
	select {
	case <-f.done:
		return false
	case <-time.After(delay):
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := f.connect(ctx); err != nil {
		return true // retry on next loop iteration
	}
	if err := f.subscribe(); err != nil {
		f.connMu.Lock()
		if f.conn != nil {
			f.conn.Close()
			f.conn = nil
		}
		f.connMu.Unlock()
	}
	return true
}

// pingLoop sends periodic ping frames to keep the connection alive.
func (f *WSTradeFeed) pingLoop() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.done:
			return
		case <-ticker.C:
			f.connMu.Lock()
			if f.conn != nil {
				f.conn.SetWriteDeadline(time.Now().Add(f.config.WriteTimeout))
				f.conn.WriteMessage(websocket.PingMessage, nil)
			}
			f.connMu.Unlock()
		}
	}
}

// wsOwnTrade is one trade object inside an ownTrades notification.
type wsOwnTrade struct {
	OrderTxID string  `json:"ordertxid"`
	Pair      string  `json:"pair"` // "XBT/USD"
	Time      float64 `json:"time"` // unix seconds
	Type      string  `json:"type"` // buy | sell
	Price     string  `json:"price"`
	Cost      string  `json:"cost"`
	Fee       string  `json:"fee"`
	Vol       string  `json:"vol"`
}

// handleMessage decodes an ownTrades notification. The payload is a
// JSON array: [trades, channelName, sequence]; anything else (status
// events, heartbeats) is ignored.
func (f *WSTradeFeed) handleMessage(message []byte) {
	var parts []json.RawMessage
	if err := json.Unmarshal(message, &parts); err != nil || len(parts) < 2 {
		return
	}

	var channel string
	if err := json.Unmarshal(parts[1], &channel); err != nil || channel != "ownTrades" {
		return
	}

	var batches []map[string]wsOwnTrade
	if err := json.Unmarshal(parts[0], &batches); err != nil {
		return
	}

	for _, batch := range batches {
		for tradeID, t := range batch {
			event, err := ownTradeToEvent(tradeID, t)
			if err != nil {
				continue // malformed trade rows are skipped, backfill will catch them
			}
			select {
			case f.out <- event:
			case <-f.done:
				return
			}
		}
	}
}

// ownTradeToEvent maps one own-trade notification to an exchange
// event. The WS fee is charged in the quote currency.
func ownTradeToEvent(tradeID string, t wsOwnTrade) (*domain.ExchangeEvent, error) {
	base, quote, ok := strings.Cut(t.Pair, "/")
	if !ok {
		return nil, fmt.Errorf("trade %s: unexpected pair %q", tradeID, t.Pair)
	}

	price, err := decimal.NewFromString(t.Price)
	if err != nil {
		return nil, fmt.Errorf("trade %s: parse price %q: %w", tradeID, t.Price, err)
	}
	cost, err := decimal.NewFromString(t.Cost)
	if err != nil {
		return nil, fmt.Errorf("trade %s: parse cost %q: %w", tradeID, t.Cost, err)
	}
	fee, err := decimal.NewFromString(t.Fee)
	if err != nil {
		return nil, fmt.Errorf("trade %s: parse fee %q: %w", tradeID, t.Fee, err)
	}
	vol, err := decimal.NewFromString(t.Vol)
	if err != nil {
		return nil, fmt.Errorf("trade %s: parse volume %q: %w", tradeID, t.Vol, err)
	}

	side := domain.TradeSideBuy
	if t.Type == "sell" {
		side = domain.TradeSideSell
	}

	return &domain.ExchangeEvent{
		Exchange:      "kraken",
		TxID:          idhash.ComputeTradeID("kraken", tradeID),
		Pair:          base + quote,
		BaseCurrency:  base,
		QuoteCurrency: quote,
		Timestamp:     int64(t.Time * 1000),
		Side:          side,
		Price:         price,
		Cost:          cost,
		Volume:        vol,
		BaseFee:       decimal.Zero,
		QuoteFee:      fee,
		WithdrawalFee: decimal.Zero,
		Ledgers:       []string{tradeID},
	}, nil
}
