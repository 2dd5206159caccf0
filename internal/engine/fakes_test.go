package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fxdesk/internal/domain"
	"fxdesk/internal/event"
	"fxdesk/internal/infra"

	"github.com/shopspring/decimal"
)

type symbolMap map[string]domain.Symbol

func (m symbolMap) GetSymbol(_ context.Context, name string) (*domain.Symbol, error) {
	s, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownSymbol, name)
	}
	return &s, nil
}

func (m symbolMap) ListSymbols(context.Context) ([]domain.Symbol, error) {
	out := make([]domain.Symbol, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	return out, nil
}

var errLedgerDown = errors.New("ledger down")

// memLedger is an in-memory LedgerStore with write counting and failure injection.
type memLedger struct {
	mu        sync.Mutex
	accounts  map[string]domain.Account
	positions map[string]domain.Position
	orders    map[string]domain.Order
	trades    []domain.Trade
	writes    int
	failClose bool
}

func newMemLedger(accounts ...domain.Account) *memLedger {
	l := &memLedger{
		accounts:  make(map[string]domain.Account),
		positions: make(map[string]domain.Position),
		orders:    make(map[string]domain.Order),
	}
	for _, a := range accounts {
		l.accounts[a.ID] = a
	}
	return l
}

func (l *memLedger) GetAccount(_ context.Context, id string) (*domain.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
	}
	return &a, nil
}

func (l *memLedger) ListAccounts(context.Context) ([]domain.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Account, 0, len(l.accounts))
	for _, a := range l.accounts {
		out = append(out, a)
	}
	return out, nil
}

func (l *memLedger) ListPositions(_ context.Context, accountID string) ([]domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Position
	for _, p := range l.positions {
		if p.AccountID == accountID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (l *memLedger) SaveAccount(_ context.Context, a *domain.Account) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[a.ID] = *a
	l.writes++
	return nil
}

func (l *memLedger) OpenPosition(_ context.Context, o *domain.Order, p *domain.Position, a *domain.Account) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orders[o.ID] = *o
	l.positions[p.ID] = *p
	l.accounts[a.ID] = *a
	l.writes++
	return nil
}

func (l *memLedger) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
	}
	return &o, nil
}

func (l *memLedger) SavePendingOrder(_ context.Context, o *domain.Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orders[o.ID] = *o
	l.writes++
	return nil
}

func (l *memLedger) CancelOrder(_ context.Context, id string) (*domain.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[id]
	if !ok || o.Status != domain.OrderStatusPending {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
	}
	o.Status = domain.OrderStatusCancelled
	l.orders[id] = o
	l.writes++
	return &o, nil
}

func (l *memLedger) ClosePosition(_ context.Context, t *domain.Trade, a *domain.Account) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failClose {
		return errLedgerDown
	}
	if _, ok := l.positions[t.PositionID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrPositionNotFound, t.PositionID)
	}
	delete(l.positions, t.PositionID)
	l.trades = append(l.trades, *t)
	l.accounts[a.ID] = *a
	l.writes++
	return nil
}

func (l *memLedger) SaveMarks(_ context.Context, ps []*domain.Position, a *domain.Account) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range ps {
		l.positions[p.ID] = *p
	}
	l.accounts[a.ID] = *a
	l.writes++
	return nil
}

func (l *memLedger) tradeList() []domain.Trade {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Trade(nil), l.trades...)
}

func (l *memLedger) writeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writes
}

type priceMap struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

func (p *priceMap) set(symbol, price string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = decimal.RequireFromString(price)
}

func (p *priceMap) LastPrice(symbol string) (decimal.Decimal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.prices[symbol]
	return v, ok
}

type eventLog struct {
	mu     sync.Mutex
	events []event.Event
}

func (l *eventLog) record(ev event.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) count(typ event.Type) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.GetType() == typ {
			n++
		}
	}
	return n
}

var testNow = time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func testSymbols() symbolMap {
	return symbolMap{
		"EUR/USD": {Name: "EUR/USD", AssetClass: domain.AssetForex, ContractSize: d("100000"), Digits: 5,
			TradingHours: domain.TradingHours{Unlimited: true}},
		"GBP/USD": {Name: "GBP/USD", AssetClass: domain.AssetForex, ContractSize: d("100000"), Digits: 5,
			CommissionPerLot: d("7")},
		"DAX": {Name: "DAX", AssetClass: domain.AssetIndex, ContractSize: d("1"), Digits: 1,
			TradingHours: domain.TradingHours{OpenTime: "07:00", CloseTime: "11:00"}},
	}
}

type harness struct {
	engine *Engine
	ledger *memLedger
	prices *priceMap
	events *eventLog
}

func newHarness(balance string) *harness {
	ledger := newMemLedger(domain.Account{ID: "acc-1", Balance: d(balance), Leverage: 100})
	prices := &priceMap{prices: make(map[string]decimal.Decimal)}
	events := &eventLog{}

	e := NewEngine(Config{}, testSymbols(), ledger, prices, &infra.Metrics{}, events.record)
	e.now = func() time.Time { return testNow }
	return &harness{engine: e, ledger: ledger, prices: prices, events: events}
}

func (h *harness) open(side domain.Side, volume, price string) *domain.Position {
	fill, err := h.engine.PlaceOrderAt(context.Background(), "acc-1", domain.OrderRequest{
		Symbol: "EUR/USD", Type: domain.OrderTypeMarket, Side: side, Volume: d(volume),
	}, d(price))
	if err != nil {
		panic(err)
	}
	return fill.Position
}

func (h *harness) tick(price string) {
	h.engine.OnPriceTick(context.Background(), domain.Tick{Symbol: "EUR/USD", Price: d(price), Timestamp: testNow})
}

func (h *harness) account() (domain.Account, []domain.Position) {
	a, ps, err := h.engine.Account(context.Background(), "acc-1")
	if err != nil {
		panic(err)
	}
	return a, ps
}
