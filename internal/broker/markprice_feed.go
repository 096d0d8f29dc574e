package broker

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	markPriceWriteWait   = 10 * time.Second
	markPriceDialTimeout = 30 * time.Second

	markPriceBaseReconnectDelay = 5 * time.Second
	markPriceMaxReconnectDelay  = 5 * time.Minute
	markPriceMaxReconnectTries  = 10

	markPriceStaleThreshold = 2 * time.Minute
)

// Tick is one streamed mark-price update.
type Tick struct {
	Symbol    string
	Price     float64
	UpdatedAt time.Time
}

// MarkPriceFeed streams live mark prices over a WebSocket connection,
// caching the latest price per symbol and reconnecting with exponential
// backoff on disconnect. It is the streaming counterpart to the polled
// GetQuote call for symbols the portfolio holds.
type MarkPriceFeed struct {
	url        string
	sid        string
	httpClient *http.Client

	mu           sync.RWMutex
	conn         *websocket.Conn
	connCtx      context.Context
	cancelFunc   context.CancelFunc
	connected    bool
	reconnecting bool
	stopped      bool
	stopChan     chan struct{}

	log zerolog.Logger

	cacheMu    sync.RWMutex
	cache      map[string]Tick
	lastUpdate time.Time

	onTick func(Tick)
}

// markPriceHTTP1Client forces HTTP/1.1 so the websocket upgrade handshake
// isn't negotiated away by an HTTP/2 ALPN offer.
func markPriceHTTP1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig:   &tls.Config{NextProtos: []string{"http/1.1"}},
			ForceAttemptHTTP2: false,
		},
	}
}

func NewMarkPriceFeed(url, sid string, log zerolog.Logger) *MarkPriceFeed {
	return &MarkPriceFeed{
		url:        url,
		sid:        sid,
		httpClient: markPriceHTTP1Client(),
		log:        log.With().Str("component", "mark_price_feed").Logger(),
		cache:      make(map[string]Tick),
		stopChan:   make(chan struct{}),
	}
}

// OnTick registers a callback invoked for every tick received, in addition
// to the cache update. Must be set before Start.
func (f *MarkPriceFeed) OnTick(cb func(Tick)) { f.onTick = cb }

func (f *MarkPriceFeed) Start() error {
	if err := f.connect(); err != nil {
		f.log.Warn().Err(err).Msg("initial mark price feed connection failed, retrying in background")
		go f.reconnectLoop()
		return err
	}
	f.mu.RLock()
	ctx := f.connCtx
	f.mu.RUnlock()
	go f.readLoop(ctx)
	return nil
}

func (f *MarkPriceFeed) Stop() error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true
	f.mu.Unlock()
	close(f.stopChan)
	return f.disconnect()
}

func (f *MarkPriceFeed) connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	wsURL := f.url
	if f.sid != "" {
		wsURL += "?SID=" + f.sid
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), markPriceDialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{HTTPClient: f.httpClient})
	if err != nil {
		return fmt.Errorf("dial mark price feed: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	f.conn = conn
	f.connCtx = connCtx
	f.cancelFunc = connCancel
	f.connected = true

	if err := f.subscribe(connCtx); err != nil {
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "subscribe failed")
		f.conn, f.connCtx, f.cancelFunc, f.connected = nil, nil, nil, false
		return fmt.Errorf("subscribe mark price feed: %w", err)
	}
	return nil
}

func (f *MarkPriceFeed) disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return nil
	}
	if f.cancelFunc != nil {
		f.cancelFunc()
		f.cancelFunc = nil
	}
	err := f.conn.Close(websocket.StatusNormalClosure, "")
	f.conn, f.connCtx, f.connected = nil, nil, false
	return err
}

func (f *MarkPriceFeed) subscribe(ctx context.Context) error {
	msg, err := json.Marshal([]string{"marks"})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, markPriceWriteWait)
	defer cancel()
	return f.conn.Write(writeCtx, websocket.MessageText, msg)
}

func (f *MarkPriceFeed) readLoop(ctx context.Context) {
	defer func() {
		f.mu.RLock()
		stopped := f.stopped
		f.mu.RUnlock()
		if !stopped {
			go f.reconnectLoop()
		}
	}()

	for {
		select {
		case <-f.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()
		if conn == nil {
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		if err := f.handleMessage(message); err != nil {
			f.log.Debug().Err(err).Msg("failed to parse mark price message, skipping")
		}
	}
}

func (f *MarkPriceFeed) handleMessage(message []byte) error {
	var payload []json.RawMessage
	if err := json.Unmarshal(message, &payload); err != nil {
		return err
	}
	if len(payload) < 2 {
		return fmt.Errorf("mark price message too short")
	}
	var ticks map[string]float64
	if err := json.Unmarshal(payload[1], &ticks); err != nil {
		return err
	}

	now := time.Now()
	f.cacheMu.Lock()
	for symbol, price := range ticks {
		tick := Tick{Symbol: symbol, Price: price, UpdatedAt: now}
		f.cache[symbol] = tick
		if f.onTick != nil {
			f.onTick(tick)
		}
	}
	f.lastUpdate = now
	f.cacheMu.Unlock()
	return nil
}

func (f *MarkPriceFeed) reconnectLoop() {
	f.mu.Lock()
	if f.reconnecting || f.stopped {
		f.mu.Unlock()
		return
	}
	f.reconnecting = true
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.reconnecting = false
		f.mu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-f.stopChan:
			return
		default:
		}
		f.mu.RLock()
		stopped := f.stopped
		f.mu.RUnlock()
		if stopped {
			return
		}

		attempt++
		delay := backoffDelay(attempt)
		select {
		case <-time.After(delay):
		case <-f.stopChan:
			return
		}

		if err := f.connect(); err != nil {
			f.log.Warn().Err(err).Int("attempt", attempt).Msg("mark price feed reconnect failed")
			continue
		}
		f.mu.RLock()
		ctx := f.connCtx
		f.mu.RUnlock()
		go f.readLoop(ctx)
		return
	}
}

func backoffDelay(attempt int) time.Duration {
	delay := float64(markPriceBaseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(markPriceMaxReconnectDelay) {
		delay = float64(markPriceMaxReconnectDelay)
	}
	return time.Duration(delay)
}

// LastPrice reads the streamed cache directly, keyed by the symbol string as
// it arrived on the feed. It takes a plain string, so MarkPriceFeed does not
// satisfy the PriceSource interface (whose LastPrice takes a domain.Symbol).
func (f *MarkPriceFeed) LastPrice(symbol string) (float64, bool) {
	f.cacheMu.RLock()
	defer f.cacheMu.RUnlock()
	t, ok := f.cache[symbol]
	return t.Price, ok
}

// IsStale reports whether the feed hasn't produced an update recently.
func (f *MarkPriceFeed) IsStale() bool {
	f.cacheMu.RLock()
	defer f.cacheMu.RUnlock()
	if f.lastUpdate.IsZero() {
		return true
	}
	return time.Since(f.lastUpdate) > markPriceStaleThreshold
}
