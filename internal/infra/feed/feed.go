package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"fxdesk/internal/domain"
	"fxdesk/internal/infra"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
)

// TickHandler consumes decoded ticks. Handlers run in registration order on
// the read goroutine and must not block.
type TickHandler func(domain.Tick)

// Config holds connection settings for the upstream price stream.
type Config struct {
	URL          string
	APIKey       string
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	PingInterval time.Duration
	ReadTimeout  time.Duration
}

// upstreamMessage covers every inbound event shape.
type upstreamMessage struct {
	Event     string          `json:"event"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"` // Unix seconds
	Status    string          `json:"status"`
	Success   []struct {
		Symbol string `json:"symbol"`
	} `json:"success"`
	Fails []struct {
		Symbol string `json:"symbol"`
	} `json:"fails"`
}

type actionMessage struct {
	Action string        `json:"action"`
	Params *actionParams `json:"params,omitempty"`
}

type actionParams struct {
	Symbols string `json:"symbols"`
}

type heartbeatReply struct {
	Event    string `json:"event"`
	Response string `json:"response"`
}

// Feed owns the single upstream WebSocket connection. It tracks the set of
// symbols that must be subscribed and replays it on every (re)connect.
type Feed struct {
	cfg     Config
	metrics *infra.Metrics

	conn      *websocket.Conn
	mu        sync.RWMutex
	writeMu   sync.Mutex
	connected bool
	running   bool
	active    map[string]struct{}
	handlers  []TickHandler

	seq atomic.Uint64
	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFeed creates a disconnected feed. Nothing is dialed until EnsureConnected.
func NewFeed(cfg Config, metrics *infra.Metrics) *Feed {
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Feed{
		cfg:     cfg,
		metrics: metrics,
		active:  make(map[string]struct{}),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// AddHandler registers a tick consumer.
func (f *Feed) AddHandler(h TickHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, h)
}

// EnsureConnected starts the connection loop unless it is already running.
func (f *Feed) EnsureConnected() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running || f.ctx.Err() != nil {
		return
	}
	f.running = true

	f.wg.Add(1)
	go f.connectionLoop()
}

// Subscribe marks symbol active and, when connected, subscribes immediately.
// Otherwise the next connect picks it up.
func (f *Feed) Subscribe(symbol string) {
	f.mu.Lock()
	f.active[symbol] = struct{}{}
	connected := f.connected
	f.mu.Unlock()

	if connected {
		if err := f.sendAction("subscribe", []string{symbol}); err != nil {
			slog.Warn("Upstream subscribe failed", slog.String("symbol", symbol), slog.Any("error", err))
		}
	}
}

// Unsubscribe removes symbol from the active set.
func (f *Feed) Unsubscribe(symbol string) {
	f.mu.Lock()
	delete(f.active, symbol)
	connected := f.connected
	f.mu.Unlock()

	if connected {
		if err := f.sendAction("unsubscribe", []string{symbol}); err != nil {
			slog.Warn("Upstream unsubscribe failed", slog.String("symbol", symbol), slog.Any("error", err))
		}
	}
}

// ActiveSymbols returns the sorted active set.
func (f *Feed) ActiveSymbols() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.activeLocked()
}

func (f *Feed) activeLocked() []string {
	out := make([]string, 0, len(f.active))
	for s := range f.active {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// connectionLoop connects, reads until the connection drops, then retries
// with exponential backoff while any symbol is still active.
func (f *Feed) connectionLoop() {
	defer f.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Feed panic recovered", slog.Any("panic", r))
			f.mu.Lock()
			f.running = false
			f.mu.Unlock()
		}
	}()

	retryCount := 0
	for {
		if f.ctx.Err() != nil {
			f.stopLoop()
			slog.Info("Feed connection loop stopped")
			return
		}

		if err := f.connect(); err != nil {
			f.metrics.RecordError()
			slog.Warn("Feed connection failed",
				slog.Any("error", err),
				slog.Int("retry", retryCount),
			)

			delay := infra.CalculateBackoff(retryCount, f.cfg.BaseDelay, f.cfg.MaxDelay)
			retryCount++
			if !f.wait(delay) || !f.keepRunning() {
				return
			}
			continue
		}

		retryCount = 0

		pingCtx, pingCancel := context.WithCancel(f.ctx)
		if f.cfg.PingInterval > 0 {
			f.wg.Add(1)
			go f.pingLoop(pingCtx)
		}

		f.readLoop()
		pingCancel()

		if !f.keepRunning() {
			slog.Info("Feed idle, no active symbols")
			return
		}

		f.metrics.RecordReconnect()
		if !f.wait(f.cfg.BaseDelay) {
			return
		}
	}
}

// keepRunning decides, atomically with Subscribe, whether the loop goes on.
func (f *Feed) keepRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ctx.Err() != nil || len(f.active) == 0 {
		f.running = false
		return false
	}
	return true
}

func (f *Feed) stopLoop() {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
}

func (f *Feed) wait(d time.Duration) bool {
	select {
	case <-f.ctx.Done():
		f.stopLoop()
		return false
	case <-time.After(d):
		return true
	}
}

// connect dials the upstream and bulk-subscribes the active set.
func (f *Feed) connect() error {
	u, err := url.Parse(f.cfg.URL)
	if err != nil {
		return domain.NewFatalNetworkError("dial", err)
	}
	if f.cfg.APIKey != "" {
		q := u.Query()
		q.Set("apikey", f.cfg.APIKey)
		u.RawQuery = q.Encode()
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	conn, _, err := dialer.DialContext(f.ctx, u.String(), http.Header{})
	if err != nil {
		return domain.NewNetworkError("dial", fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err))
	}

	// writeMu is held from the snapshot through the bulk subscribe so that
	// any Subscribe or Unsubscribe seeing connected=true writes after it.
	f.writeMu.Lock()
	f.mu.Lock()
	f.conn = conn
	f.connected = true
	symbols := f.activeLocked()
	f.mu.Unlock()

	var subErr error
	if len(symbols) > 0 {
		subErr = f.writeAction("subscribe", symbols)
	}
	f.writeMu.Unlock()
	f.metrics.SetUpstreamState(true)

	if subErr != nil {
		f.closeConnection()
		return domain.NewNetworkError("subscribe", subErr)
	}

	slog.Info("Feed connected", slog.Int("symbols", len(symbols)))
	return nil
}

func (f *Feed) sendAction(action string, symbols []string) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return f.writeAction(action, symbols)
}

// writeAction encodes and writes an action. Caller holds writeMu.
func (f *Feed) writeAction(action string, symbols []string) error {
	msg := actionMessage{Action: action}
	if len(symbols) > 0 {
		msg.Params = &actionParams{Symbols: strings.Join(symbols, ",")}
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return f.writeLocked(websocket.TextMessage, b)
}

// threadSafeWrite sends a message to the WebSocket connection in a thread-safe manner
func (f *Feed) threadSafeWrite(messageType int, data []byte) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return f.writeLocked(messageType, data)
}

func (f *Feed) writeLocked(messageType int, data []byte) error {
	f.mu.RLock()
	conn := f.conn
	f.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("connection is nil")
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(messageType, data)
}

// pingLoop sends the client keep-alive. A failed write drops the connection.
func (f *Feed) pingLoop(ctx context.Context) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()

	msg, _ := json.Marshal(actionMessage{Action: "heartbeat"})
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.threadSafeWrite(websocket.TextMessage, msg); err != nil {
				slog.Warn("Feed ping failed", slog.Any("error", err))
				f.closeConnection()
				return
			}
		}
	}
}

// readLoop reads messages until the connection fails.
func (f *Feed) readLoop() {
	for {
		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()

		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("Feed read error", slog.Any("error", err))
			}
			f.closeConnection()
			return
		}

		f.handleMessage(message)
	}
}

func (f *Feed) handleMessage(message []byte) {
	var msg upstreamMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		slog.Debug("Feed message parse error", slog.Any("error", err))
		return
	}

	switch msg.Event {
	case "price":
		f.handlePrice(&msg)
	case "heartbeat":
		b, _ := json.Marshal(heartbeatReply{Event: "heartbeat", Response: "pong"})
		if err := f.threadSafeWrite(websocket.TextMessage, b); err != nil {
			// An unanswered heartbeat means the connection is stale.
			slog.Warn("Feed heartbeat reply failed", slog.Any("error", err))
			f.closeConnection()
		}
	case "subscribe-status":
		if msg.Status != "ok" || len(msg.Fails) > 0 {
			fails := make([]string, len(msg.Fails))
			for i, s := range msg.Fails {
				fails[i] = s.Symbol
			}
			slog.Warn("Feed subscribe rejected", slog.String("status", msg.Status), slog.Any("fails", fails))
			return
		}
		slog.Debug("Feed subscribe ok", slog.Int("symbols", len(msg.Success)))
	default:
		slog.Debug("Feed unknown event", slog.String("event", msg.Event))
	}
}

func (f *Feed) handlePrice(msg *upstreamMessage) {
	if msg.Symbol == "" || !msg.Price.IsPositive() {
		slog.Debug("Feed price without symbol or price", slog.String("symbol", msg.Symbol))
		return
	}

	ts := f.now()
	if msg.Timestamp > 0 {
		ts = time.Unix(msg.Timestamp, 0)
	}

	tick := domain.Tick{
		Seq:       f.seq.Add(1),
		Symbol:    msg.Symbol,
		Price:     msg.Price,
		Timestamp: ts.UTC(),
	}
	f.metrics.RecordTick()

	f.mu.RLock()
	handlers := f.handlers
	f.mu.RUnlock()

	for _, h := range handlers {
		f.invoke(h, tick)
	}
}

// invoke isolates one consumer's failure from the next.
func (f *Feed) invoke(h TickHandler, tick domain.Tick) {
	defer func() {
		if r := recover(); r != nil {
			f.metrics.RecordError()
			slog.Error("Tick handler panic recovered",
				slog.String("symbol", tick.Symbol),
				slog.Any("panic", r),
			)
		}
	}()
	h(tick)
}

// closeConnection safely closes the WebSocket connection
func (f *Feed) closeConnection() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	if f.connected {
		f.connected = false
		f.metrics.SetUpstreamState(false)
	}
}

// Disconnect stops the loop and closes the connection.
func (f *Feed) Disconnect() {
	f.cancel()
	f.closeConnection()
	f.wg.Wait()
	slog.Info("Feed disconnected")
}

// IsConnected returns connection status
func (f *Feed) IsConnected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}
