// Package marketdata streams exchange klines over WebSocket and converts
// them to domain bars.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"trade-risk-lab/internal/domain"
)

// StreamConfig configures WebSocket stream behavior.
type StreamConfig struct {
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
	// EventBuffer is the capacity of the outbound event channel.
	EventBuffer int
}

// DefaultStreamConfig returns default stream configuration.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		EventBuffer:       10000,
	}
}

// Subscription names one kline stream to follow.
type Subscription struct {
	Symbol   string
	Interval string
}

// KlineEvent is one kline update from the stream. Closed reports whether
// the bar's interval has finished; only closed bars are final.
type KlineEvent struct {
	Series domain.SeriesKey
	Bar    *domain.Bar
	Closed bool
}

// KlineStream consumes a combined kline stream over a single WebSocket
// connection and republishes updates as domain bars. It reconnects with
// exponential backoff; the combined-stream URL carries the subscriptions,
// so a reconnect restores them implicitly.
type KlineStream struct {
	endpoint string
	exchange string
	market   string
	config   StreamConfig
	logger   *log.Logger

	conn   *websocket.Conn
	connMu sync.Mutex
	closed atomic.Bool

	// series resolves a lowercase stream name back to its key
	series map[string]domain.SeriesKey

	events chan *KlineEvent
	done   chan struct{}
	wg     sync.WaitGroup

	reconnecting atomic.Bool
}

// NewKlineStream connects to the endpoint's combined stream for the given
// subscriptions and starts the read and ping loops.
func NewKlineStream(ctx context.Context, endpoint, exchange, market string, subs []Subscription, config *StreamConfig, logger *log.Logger) (*KlineStream, error) {
	if len(subs) == 0 {
		return nil, fmt.Errorf("no subscriptions")
	}

	cfg := DefaultStreamConfig()
	if config != nil {
		cfg = *config
	}
	if logger == nil {
		logger = log.Default()
	}

	s := &KlineStream{
		endpoint: endpoint,
		exchange: exchange,
		market:   market,
		config:   cfg,
		logger:   logger,
		series:   make(map[string]domain.SeriesKey, len(subs)),
		events:   make(chan *KlineEvent, cfg.EventBuffer),
		done:     make(chan struct{}),
	}

	for _, sub := range subs {
		name := streamName(sub.Symbol, sub.Interval)
		s.series[name] = domain.SeriesKey{
			Exchange: exchange,
			Market:   market,
			Symbol:   strings.ToUpper(sub.Symbol),
			Interval: sub.Interval,
		}
	}

	if err := s.connect(ctx); err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go s.readLoop()

	s.wg.Add(1)
	go s.pingLoop()

	return s, nil
}

// Events returns the channel of kline updates. It is closed by Close.
func (s *KlineStream) Events() <-chan *KlineEvent {
	return s.events
}

// Close closes the WebSocket connection and the event channel.
func (s *KlineStream) Close() error {
	if s.closed.Swap(true) {
		return nil // Already closed
	}

	close(s.done)

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.conn.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()
	close(s.events)
	return nil
}

// connect establishes the WebSocket connection to the combined stream URL.
func (s *KlineStream) connect(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	names := make([]string, 0, len(s.series))
	for name := range s.series {
		names = append(names, name)
	}

	target := fmt.Sprintf("%s/stream?streams=%s", s.endpoint, url.QueryEscape(strings.Join(names, "/")))

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	s.conn = conn
	return nil
}

// readLoop reads messages and dispatches kline events.
func (s *KlineStream) readLoop() {
	defer s.wg.Done()

	reconnectDelay := s.config.ReconnectDelay

	for !s.closed.Load() {
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()

		if conn == nil {
			select {
			case <-s.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}

			if !s.reconnecting.Swap(true) {
				go s.reconnect(reconnectDelay)
			}

			reconnectDelay = reconnectDelay * 2
			if reconnectDelay > s.config.MaxReconnectDelay {
				reconnectDelay = s.config.MaxReconnectDelay
			}

			select {
			case <-s.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		// Reset delay on successful read
		reconnectDelay = s.config.ReconnectDelay

		s.handleMessage(message)
	}
}

// reconnect dials again after a delay. Subscriptions are part of the URL,
// so no resubscribe step is needed.
func (s *KlineStream) reconnect(delay time.Duration) {
	defer s.reconnecting.Store(false)

	if s.closed.Load() {
		return
	}

	select {
	case <-s.done:
		return
	case <-time.After(delay):
	}

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.connect(ctx); err != nil {
		s.logger.Printf("reconnect failed: %v", err)
		return
	}
	s.logger.Printf("reconnected to %s", s.endpoint)
}

// handleMessage parses one combined-stream message and emits the kline.
func (s *KlineStream) handleMessage(message []byte) {
	var env streamEnvelope
	if err := json.Unmarshal(message, &env); err != nil || env.Stream == "" {
		return
	}

	key, ok := s.series[env.Stream]
	if !ok {
		return
	}

	bar, closed, err := env.Data.Kline.toBar()
	if err != nil {
		s.logger.Printf("malformed kline on %s: %v", env.Stream, err)
		return
	}

	event := &KlineEvent{Series: key, Bar: bar, Closed: closed}

	// Block until we can send - never drop events
	select {
	case s.events <- event:
	case <-s.done:
	}
}

// pingLoop sends periodic ping frames to keep the connection alive.
func (s *KlineStream) pingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.connMu.Lock()
			if s.conn != nil {
				s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
				if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					// Connection might be dead, reader will handle reconnect
				}
			}
			s.connMu.Unlock()
		}
	}
}

// streamName builds the lowercase combined-stream name for a subscription.
func streamName(symbol, interval string) string {
	return fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), interval)
}

// Wire message types

type streamEnvelope struct {
	Stream string     `json:"stream"`
	Data   klineEvent `json:"data"`
}

type klineEvent struct {
	EventType string       `json:"e"`
	EventTime int64        `json:"E"`
	Symbol    string       `json:"s"`
	Kline     klinePayload `json:"k"`
}

type klinePayload struct {
	OpenTime    int64  `json:"t"`
	CloseTime   int64  `json:"T"`
	Interval    string `json:"i"`
	Open        string `json:"o"`
	High        string `json:"h"`
	Low         string `json:"l"`
	Close       string `json:"c"`
	Volume      string `json:"v"`
	QuoteVolume string `json:"q"`
	Trades      int    `json:"n"`
	IsClosed    bool   `json:"x"`
}

// toBar converts the wire kline to a domain bar.
func (k klinePayload) toBar() (*domain.Bar, bool, error) {
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return nil, false, fmt.Errorf("open: %w", err)
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return nil, false, fmt.Errorf("high: %w", err)
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return nil, false, fmt.Errorf("low: %w", err)
	}
	closePrice, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return nil, false, fmt.Errorf("close: %w", err)
	}
	volume, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return nil, false, fmt.Errorf("volume: %w", err)
	}
	quoteVolume, err := strconv.ParseFloat(k.QuoteVolume, 64)
	if err != nil {
		return nil, false, fmt.Errorf("quote volume: %w", err)
	}

	return &domain.Bar{
		OpenTime:    k.OpenTime,
		CloseTime:   k.CloseTime,
		Open:        open,
		High:        high,
		Low:         low,
		Close:       closePrice,
		Volume:      volume,
		QuoteVolume: quoteVolume,
		Trades:      k.Trades,
	}, k.IsClosed, nil
}
