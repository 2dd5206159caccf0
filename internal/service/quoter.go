package service

import (
	"sort"
	"sync"
	"time"

	"fxdesk/internal/domain"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

type quoteState struct {
	last    domain.Quote
	price   decimal.Decimal
	dayOpen decimal.Decimal
	day     int // yyyymmdd of dayOpen, UTC
}

// Quoter turns ticks into client quotes and keeps the last price per symbol.
type Quoter struct {
	mu      sync.RWMutex
	symbols map[string]domain.Symbol
	state   map[string]*quoteState
}

// NewQuoter creates a Quoter for the given reference data.
func NewQuoter(symbols []domain.Symbol) *Quoter {
	q := &Quoter{
		symbols: make(map[string]domain.Symbol, len(symbols)),
		state:   make(map[string]*quoteState),
	}
	for _, s := range symbols {
		q.symbols[s.Name] = s
	}
	return q
}

// Known reports whether symbol has reference data.
func (q *Quoter) Known(symbol string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.symbols[symbol]
	return ok
}

// Symbols returns all known symbol names, sorted.
func (q *Quoter) Symbols() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]string, 0, len(q.symbols))
	for name := range q.symbols {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Apply records tick and returns the resulting quote.
// The upstream price is the bid; ask adds the symbol spread. Change is
// measured against the first price seen on the tick's UTC day.
func (q *Quoter) Apply(tick domain.Tick) domain.Quote {
	q.mu.Lock()
	defer q.mu.Unlock()

	sym := q.symbols[tick.Symbol]
	day := dayKey(tick.Timestamp)

	st, ok := q.state[tick.Symbol]
	if !ok {
		st = &quoteState{}
		q.state[tick.Symbol] = st
	}
	if st.day != day || st.dayOpen.IsZero() {
		st.day = day
		st.dayOpen = tick.Price
	}
	st.price = tick.Price

	digits := sym.Digits
	if digits <= 0 {
		digits = 5
	}

	change := tick.Price.Sub(st.dayOpen)
	changePct := decimal.Zero
	if st.dayOpen.IsPositive() {
		changePct = change.Div(st.dayOpen).Mul(hundred).Round(2)
	}

	st.last = domain.Quote{
		Symbol:        tick.Symbol,
		Bid:           tick.Price.Round(digits),
		Ask:           tick.Price.Add(sym.Spread).Round(digits),
		Change:        change.Round(digits),
		ChangePercent: changePct,
		Timestamp:     tick.Timestamp.UnixMilli(),
	}
	return st.last
}

// Last returns the latest quote for symbol.
func (q *Quoter) Last(symbol string) (domain.Quote, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	st, ok := q.state[symbol]
	if !ok {
		return domain.Quote{}, false
	}
	return st.last, true
}

// LastPrice returns the latest raw upstream price for symbol.
func (q *Quoter) LastPrice(symbol string) (decimal.Decimal, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	st, ok := q.state[symbol]
	if !ok {
		return decimal.Zero, false
	}
	return st.price, true
}

func dayKey(t time.Time) int {
	y, m, d := t.UTC().Date()
	return y*10000 + int(m)*100 + d
}
