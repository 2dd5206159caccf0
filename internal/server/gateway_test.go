package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"fxdesk/internal/domain"
	"fxdesk/internal/engine"
	"fxdesk/internal/event"
	"fxdesk/internal/infra"
	"fxdesk/internal/service"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

type nopUpstream struct {
	mu     sync.Mutex
	active map[string]bool
}

func (u *nopUpstream) Subscribe(symbol string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.active[symbol] = true
}

func (u *nopUpstream) Unsubscribe(symbol string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.active, symbol)
}

func (u *nopUpstream) EnsureConnected() {}

func (u *nopUpstream) has(symbol string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.active[symbol]
}

// stubEngine returns canned results keyed by the request.
type stubEngine struct {
	mu        sync.Mutex
	placeErr  error
	lastReq   domain.OrderRequest
	mutations int
}

func (e *stubEngine) mutated() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mutations
}

func (e *stubEngine) setPlaceErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.placeErr = err
}

func (e *stubEngine) last() domain.OrderRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReq
}

func (e *stubEngine) PlaceOrder(ctx context.Context, accountID string, req domain.OrderRequest) (*engine.Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastReq = req
	if e.placeErr != nil {
		return nil, e.placeErr
	}
	return &engine.Fill{
		Order:    domain.Order{ID: "ord-1", AccountID: accountID, Symbol: req.Symbol, Status: domain.OrderStatusFilled},
		Position: &domain.Position{ID: "pos-1", AccountID: accountID, Symbol: req.Symbol},
	}, nil
}

func (e *stubEngine) CancelOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	e.mu.Lock()
	e.mutations++
	e.mu.Unlock()
	if orderID != "ord-p" {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
	}
	return &domain.Order{ID: orderID, Status: domain.OrderStatusCancelled}, nil
}

func (e *stubEngine) ClosePosition(ctx context.Context, positionID string) (*domain.Trade, error) {
	e.mu.Lock()
	e.mutations++
	e.mu.Unlock()
	if positionID != "pos-1" {
		return nil, fmt.Errorf("%w: %s", domain.ErrPositionNotFound, positionID)
	}
	return &domain.Trade{ID: "tr-1", PositionID: positionID, Profit: decimal.RequireFromString("12.5")}, nil
}

func (e *stubEngine) Account(ctx context.Context, accountID string) (domain.Account, []domain.Position, error) {
	if accountID != "acc-1" {
		return domain.Account{}, nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, accountID)
	}
	return domain.Account{ID: accountID, Balance: decimal.NewFromInt(10000)}, []domain.Position{}, nil
}

func (e *stubEngine) OrderOwner(ctx context.Context, orderID string) (string, error) {
	if orderID != "ord-p" {
		return "", fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
	}
	return "acc-1", nil
}

func (e *stubEngine) PositionOwner(positionID string) (string, bool) {
	return "acc-1", positionID == "pos-1"
}

type stubCandles struct {
	mu       sync.Mutex
	gotLimit int
}

func (c *stubCandles) limit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gotLimit
}

func (c *stubCandles) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	c.mu.Lock()
	c.gotLimit = limit
	c.mu.Unlock()
	if _, err := domain.ParseInterval(interval); err != nil {
		return nil, err
	}
	return []domain.Candle{{Time: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), Close: decimal.RequireFromString("1.1")}}, nil
}

type testGateway struct {
	server   *httptest.Server
	registry *service.Registry
	upstream *nopUpstream
	engine   *stubEngine
	candles  *stubCandles
	metrics  *infra.Metrics
}

func newTestGateway(t *testing.T) *testGateway {
	symbols := []domain.Symbol{
		{Name: "EUR/USD", AssetClass: domain.AssetForex, ContractSize: decimal.NewFromInt(100000), Digits: 5, Spread: decimal.RequireFromString("0.0001")},
	}
	up := &nopUpstream{active: make(map[string]bool)}
	metrics := &infra.Metrics{}
	reg := service.NewRegistry(up, service.NewQuoter(symbols), metrics)
	eng := &stubEngine{}
	candles := &stubCandles{}

	srv := httptest.NewServer(NewGateway(reg, eng, candles, metrics, 16).Handler())
	t.Cleanup(srv.Close)

	return &testGateway{server: srv, registry: reg, upstream: up, engine: eng, candles: candles, metrics: metrics}
}

func (tg *testGateway) dial(t *testing.T, accountID string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(tg.server.URL, "http") + "/ws"
	header := http.Header{}
	if accountID != "" {
		header.Set(AccountHeader, accountID)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return msg
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestGateway_SubscribeAndReceivePrice(t *testing.T) {
	tg := newTestGateway(t)
	conn := tg.dial(t, "acc-1")

	conn.WriteJSON(clientMessage{Type: "subscribe", Symbols: []string{"EUR/USD", "XXX/YYY"}})
	ack := readFrame(t, conn)
	if ack["type"] != "subscribed" {
		t.Fatalf("Expected subscribed ack, got %v", ack)
	}
	if syms := ack["symbols"].([]any); len(syms) != 1 || syms[0] != "EUR/USD" {
		t.Errorf("Expected only EUR/USD accepted, got %v", syms)
	}
	if !tg.upstream.has("EUR/USD") {
		t.Error("Upstream not subscribed")
	}

	tg.registry.Dispatch(domain.Tick{Symbol: "EUR/USD", Price: decimal.RequireFromString("1.10000"), Timestamp: time.Now()})

	price := readFrame(t, conn)
	if price["type"] != "price" || price["symbol"] != "EUR/USD" {
		t.Fatalf("Expected price frame, got %v", price)
	}
	data := price["data"].(map[string]any)
	if data["ask"] != "1.1001" {
		t.Errorf("Expected ask 1.1001, got %v", data["ask"])
	}
}

func TestGateway_Unsubscribe(t *testing.T) {
	tg := newTestGateway(t)
	conn := tg.dial(t, "")

	conn.WriteJSON(clientMessage{Type: "subscribe", Symbols: []string{"EUR/USD"}})
	readFrame(t, conn)

	conn.WriteJSON(clientMessage{Type: "unsubscribe", Symbols: []string{"EUR/USD"}})
	ack := readFrame(t, conn)
	if ack["type"] != "unsubscribed" {
		t.Fatalf("Expected unsubscribed ack, got %v", ack)
	}
	if tg.upstream.has("EUR/USD") {
		t.Error("Upstream still subscribed after last unsubscribe")
	}
}

func TestGateway_BadInput(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"malformed json", `{"type":`},
		{"unknown type", `{"type":"trade"}`},
		{"missing symbols", `{"type":"subscribe"}`},
	}

	tg := newTestGateway(t)
	conn := tg.dial(t, "")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn.WriteMessage(websocket.TextMessage, []byte(tt.frame))
			msg := readFrame(t, conn)
			if msg["type"] != "error" || msg["message"] == "" {
				t.Errorf("Expected error frame, got %v", msg)
			}
		})
	}
}

func TestGateway_AccountEventsRouted(t *testing.T) {
	tg := newTestGateway(t)
	mine := tg.dial(t, "acc-1")
	other := tg.dial(t, "acc-2")

	waitFor(t, func() bool { return tg.metrics.Snapshot().ActiveSessions == 2 }, "sessions attached")

	n := tg.registry.DispatchAccount(&event.MarginCallEvent{
		BaseEvent:   event.BaseEvent{AccountID: "acc-1", Ts: time.Now()},
		MarginLevel: decimal.NewFromInt(75),
		Threshold:   decimal.NewFromInt(80),
	})
	if n != 1 {
		t.Fatalf("Expected delivery to 1 session, got %d", n)
	}

	msg := readFrame(t, mine)
	if msg["type"] != "margin_call" {
		t.Errorf("Expected margin_call, got %v", msg)
	}

	other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := other.ReadMessage(); err == nil {
		t.Error("Other account received an event")
	}
}

func TestGateway_CloseReleasesInterest(t *testing.T) {
	tg := newTestGateway(t)
	conn := tg.dial(t, "acc-1")

	conn.WriteJSON(clientMessage{Type: "subscribe", Symbols: []string{"EUR/USD"}})
	readFrame(t, conn)
	conn.Close()

	waitFor(t, func() bool { return tg.registry.SubscriberCount("EUR/USD") == 0 }, "interest released")
	waitFor(t, func() bool { return !tg.upstream.has("EUR/USD") }, "upstream unsubscribed")
	waitFor(t, func() bool { return tg.metrics.Snapshot().ActiveSessions == 0 }, "session count")
}

func TestGateway_OrderAPI(t *testing.T) {
	tg := newTestGateway(t)

	t.Run("place order", func(t *testing.T) {
		body := `{"symbol":"EUR/USD","type":"market","side":"long","volume":"1.5","takeProfit":"1.2"}`
		resp, err := http.Post(tg.server.URL+"/api/accounts/acc-1/orders", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("Expected 201, got %d", resp.StatusCode)
		}
		var fill engine.Fill
		if err := json.NewDecoder(resp.Body).Decode(&fill); err != nil {
			t.Fatal(err)
		}
		if fill.Position == nil || fill.Position.ID != "pos-1" {
			t.Errorf("Unexpected fill %+v", fill)
		}
		if got := tg.engine.last(); !got.Volume.Equal(decimal.RequireFromString("1.5")) || !got.TakeProfit.Valid {
			t.Errorf("Request not decoded: %+v", got)
		}
	})

	t.Run("account mismatch", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, tg.server.URL+"/api/accounts/acc-1/orders", strings.NewReader(`{}`))
		req.Header.Set(AccountHeader, "acc-2")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("Expected 403, got %d", resp.StatusCode)
		}
	})

	t.Run("close position", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodDelete, tg.server.URL+"/api/positions/pos-1", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()

		var out closeResponse
		json.NewDecoder(resp.Body).Decode(&out)
		if resp.StatusCode != http.StatusOK || !out.Profit.Equal(decimal.RequireFromString("12.5")) {
			t.Errorf("Unexpected close response %d %+v", resp.StatusCode, out)
		}
	})

	t.Run("close and cancel check ownership", func(t *testing.T) {
		tests := []struct {
			name    string
			path    string
			account string
			want    int
		}{
			{"close foreign position", "/api/positions/pos-1", "acc-2", http.StatusForbidden},
			{"cancel foreign order", "/api/orders/ord-p", "acc-2", http.StatusForbidden},
			{"close unknown position", "/api/positions/pos-9", "acc-2", http.StatusNotFound},
			{"cancel unknown order", "/api/orders/ord-9", "acc-2", http.StatusNotFound},
			{"close own position", "/api/positions/pos-1", "acc-1", http.StatusOK},
			{"cancel own order", "/api/orders/ord-p", "acc-1", http.StatusOK},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				before := tg.engine.mutated()
				req, _ := http.NewRequest(http.MethodDelete, tg.server.URL+tt.path, nil)
				req.Header.Set(AccountHeader, tt.account)
				resp, err := http.DefaultClient.Do(req)
				if err != nil {
					t.Fatal(err)
				}
				resp.Body.Close()

				if resp.StatusCode != tt.want {
					t.Errorf("Expected %d, got %d", tt.want, resp.StatusCode)
				}
				reached := tg.engine.mutated() > before
				if reached != (tt.want == http.StatusOK) {
					t.Errorf("Engine reached=%v for status %d", reached, resp.StatusCode)
				}
			})
		}
	})
}

func TestGateway_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		err    error
		want   int
	}{
		{"validation", http.MethodPost, "/api/accounts/acc-1/orders", domain.NewValidationError("volume", "must be positive", domain.ErrInvalidOrder), http.StatusBadRequest},
		{"unknown symbol", http.MethodPost, "/api/accounts/acc-1/orders", domain.NewValidationError("symbol", "XXX", domain.ErrUnknownSymbol), http.StatusBadRequest},
		{"insufficient margin", http.MethodPost, "/api/accounts/acc-1/orders", domain.ErrInsufficientMargin, http.StatusUnprocessableEntity},
		{"no price", http.MethodPost, "/api/accounts/acc-1/orders", domain.ErrNoPrice, http.StatusUnprocessableEntity},
		{"market closed", http.MethodPost, "/api/accounts/acc-1/orders", domain.ErrMarketClosed, http.StatusUnprocessableEntity},
		{"ledger failure", http.MethodPost, "/api/accounts/acc-1/orders", fmt.Errorf("disk full"), http.StatusInternalServerError},
		{"unknown account", http.MethodGet, "/api/accounts/acc-9", nil, http.StatusNotFound},
		{"unknown position", http.MethodDelete, "/api/positions/pos-9", nil, http.StatusNotFound},
		{"unknown order", http.MethodDelete, "/api/orders/ord-9", nil, http.StatusNotFound},
		{"cancel pending", http.MethodDelete, "/api/orders/ord-p", nil, http.StatusOK},
	}

	tg := newTestGateway(t)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tg.engine.setPlaceErr(tt.err)
			var body *strings.Reader
			if tt.method == http.MethodPost {
				body = strings.NewReader(`{"symbol":"EUR/USD","type":"market","side":"long","volume":1}`)
			} else {
				body = strings.NewReader("")
			}
			req, _ := http.NewRequest(tt.method, tg.server.URL+tt.path, body)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, resp.StatusCode)
			}
		})
	}
}

func TestGateway_Candles(t *testing.T) {
	tg := newTestGateway(t)

	resp, err := http.Get(tg.server.URL + "/api/candles?symbol=EUR/USD&interval=1h&limit=50")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var bars []map[string]any
	json.NewDecoder(resp.Body).Decode(&bars)
	if resp.StatusCode != http.StatusOK || len(bars) != 1 {
		t.Fatalf("Unexpected response %d %v", resp.StatusCode, bars)
	}
	if got := tg.candles.limit(); got != 50 {
		t.Errorf("Expected limit 50 passed through, got %d", got)
	}

	t.Run("bad interval", func(t *testing.T) {
		resp, err := http.Get(tg.server.URL + "/api/candles?symbol=EUR/USD&interval=3h")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", resp.StatusCode)
		}
	})

	t.Run("bad limit", func(t *testing.T) {
		resp, err := http.Get(tg.server.URL + "/api/candles?symbol=EUR/USD&interval=1h&limit=abc")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", resp.StatusCode)
		}
	})
}

func TestGateway_Metrics(t *testing.T) {
	tg := newTestGateway(t)
	tg.metrics.RecordTick()

	resp, err := http.Get(tg.server.URL + "/api/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var snap infra.MetricsSnapshot
	json.NewDecoder(resp.Body).Decode(&snap)
	if snap.TicksReceived != 1 {
		t.Errorf("Expected 1 tick, got %d", snap.TicksReceived)
	}
}

func TestHTTPServer_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewHTTPServer(ctx, "127.0.0.1:0", http.NewServeMux())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
