package service

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"fxdesk/internal/domain"
	"fxdesk/internal/event"
	"fxdesk/internal/infra"
)

// Session is one client streaming connection. Send must not block.
type Session interface {
	ID() string
	AccountID() string
	Send(msg []byte) error
}

// Upstream is the subscription surface of the feed connector.
type Upstream interface {
	Subscribe(symbol string)
	Unsubscribe(symbol string)
	EnsureConnected()
}

// PriceMessage is pushed to sessions for every tick of a subscribed symbol.
type PriceMessage struct {
	Type      string       `json:"type"`
	Symbol    string       `json:"symbol"`
	Data      domain.Quote `json:"data"`
	Timestamp int64        `json:"timestamp"`
}

// transition is a 0<->1 change in a symbol's subscriber count.
type transition struct {
	symbol    string
	subscribe bool
}

// Registry reference-counts symbol interest across sessions so the upstream
// subscribes on the first subscriber and unsubscribes after the last.
//
// Transitions are queued under mu and applied to the upstream after mu is
// released. upstreamMu serializes the drain so they reach the upstream in
// the order they were queued.
type Registry struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]Session  // symbol -> session id -> session
	interests   map[string]map[string]struct{} // session id -> symbols
	accounts    map[string]map[string]Session  // account id -> session id -> session
	pending     []transition

	upstreamMu sync.Mutex
	upstream   Upstream
	quoter     *Quoter
	metrics    *infra.Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry(upstream Upstream, quoter *Quoter, metrics *infra.Metrics) *Registry {
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	return &Registry{
		subscribers: make(map[string]map[string]Session),
		interests:   make(map[string]map[string]struct{}),
		accounts:    make(map[string]map[string]Session),
		upstream:    upstream,
		quoter:      quoter,
		metrics:     metrics,
	}
}

// Attach registers a session for account event routing.
func (r *Registry) Attach(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attachLocked(s)
}

func (r *Registry) attachLocked(s Session) {
	acc := s.AccountID()
	if acc == "" {
		return
	}
	set, ok := r.accounts[acc]
	if !ok {
		set = make(map[string]Session)
		r.accounts[acc] = set
	}
	set[s.ID()] = s
}

// AddInterest subscribes s to symbols and returns the accepted ones.
// Unknown symbols are skipped.
func (r *Registry) AddInterest(s Session, symbols []string) []string {
	accepted := make([]string, 0, len(symbols))

	r.mu.Lock()
	r.attachLocked(s)
	for _, sym := range symbols {
		if r.quoter != nil && !r.quoter.Known(sym) {
			slog.Debug("Ignoring unknown symbol", slog.String("symbol", sym), slog.String("session", s.ID()))
			continue
		}
		accepted = append(accepted, sym)

		subs, ok := r.subscribers[sym]
		if !ok {
			subs = make(map[string]Session)
			r.subscribers[sym] = subs
		}
		if _, dup := subs[s.ID()]; dup {
			continue
		}
		subs[s.ID()] = s
		if len(subs) == 1 {
			r.pending = append(r.pending, transition{symbol: sym, subscribe: true})
		}

		set, ok := r.interests[s.ID()]
		if !ok {
			set = make(map[string]struct{})
			r.interests[s.ID()] = set
		}
		set[sym] = struct{}{}
	}
	r.mu.Unlock()

	r.flushUpstream()
	r.upstream.EnsureConnected()
	return accepted
}

// RemoveInterest unsubscribes s from symbols.
func (r *Registry) RemoveInterest(s Session, symbols []string) {
	r.mu.Lock()
	r.removeLocked(s.ID(), symbols)
	r.mu.Unlock()

	r.flushUpstream()
}

// flushUpstream applies queued transitions. A caller returns only after its
// own transitions have reached the upstream, whichever goroutine sent them.
func (r *Registry) flushUpstream() {
	r.upstreamMu.Lock()
	defer r.upstreamMu.Unlock()

	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, t := range batch {
		if t.subscribe {
			r.upstream.Subscribe(t.symbol)
		} else {
			r.upstream.Unsubscribe(t.symbol)
		}
	}
}

func (r *Registry) removeLocked(id string, symbols []string) {
	for _, sym := range symbols {
		subs, ok := r.subscribers[sym]
		if !ok {
			continue
		}
		if _, ok := subs[id]; !ok {
			continue
		}
		delete(subs, id)
		if len(subs) == 0 {
			delete(r.subscribers, sym)
			r.pending = append(r.pending, transition{symbol: sym})
		}

		if set, ok := r.interests[id]; ok {
			delete(set, sym)
			if len(set) == 0 {
				delete(r.interests, id)
			}
		}
	}
}

// OnSessionClosed drops every interest and account route held by s.
func (r *Registry) OnSessionClosed(s Session) {
	defer r.flushUpstream()

	r.mu.Lock()
	defer r.mu.Unlock()

	symbols := make([]string, 0, len(r.interests[s.ID()]))
	for sym := range r.interests[s.ID()] {
		symbols = append(symbols, sym)
	}
	r.removeLocked(s.ID(), symbols)

	if set, ok := r.accounts[s.AccountID()]; ok {
		delete(set, s.ID())
		if len(set) == 0 {
			delete(r.accounts, s.AccountID())
		}
	}
}

// Dispatch turns tick into a quote and sends it to every subscriber of its
// symbol. Sessions that cannot take the message are skipped.
func (r *Registry) Dispatch(tick domain.Tick) int {
	var quote domain.Quote
	if r.quoter != nil {
		quote = r.quoter.Apply(tick)
	} else {
		quote = domain.Quote{Symbol: tick.Symbol, Bid: tick.Price, Ask: tick.Price, Timestamp: tick.Timestamp.UnixMilli()}
	}

	r.mu.RLock()
	subs := r.subscribers[tick.Symbol]
	targets := make([]Session, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}

	payload, err := json.Marshal(PriceMessage{
		Type:      "price",
		Symbol:    tick.Symbol,
		Data:      quote,
		Timestamp: quote.Timestamp,
	})
	if err != nil {
		slog.Error("Failed to encode price message", slog.Any("error", err))
		return 0
	}

	return r.fanOut(targets, payload)
}

// DispatchAccount sends an engine event to the sessions of its account.
func (r *Registry) DispatchAccount(ev event.Event) int {
	r.mu.RLock()
	set := r.accounts[ev.GetAccountID()]
	targets := make([]Session, 0, len(set))
	for _, s := range set {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}

	payload, err := json.Marshal(event.Wrap(ev))
	if err != nil {
		slog.Error("Failed to encode event", slog.String("event", event.String(ev)), slog.Any("error", err))
		return 0
	}
	return r.fanOut(targets, payload)
}

func (r *Registry) fanOut(targets []Session, payload []byte) int {
	delivered := 0
	for _, s := range targets {
		if r.send(s, payload) {
			delivered++
		}
	}
	return delivered
}

// send isolates one session's failure from the rest of the fan-out.
func (r *Registry) send(s Session, payload []byte) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.RecordError()
			slog.Error("Session send panic recovered", slog.String("session", s.ID()), slog.Any("panic", rec))
			ok = false
		}
	}()

	if err := s.Send(payload); err != nil {
		slog.Debug("Skipping session", slog.String("session", s.ID()), slog.Any("error", err))
		return false
	}
	return true
}

// Subscribed reports whether any session is interested in symbol.
func (r *Registry) Subscribed(symbol string) bool {
	return r.SubscriberCount(symbol) > 0
}

// SubscriberCount returns the number of sessions interested in symbol.
func (r *Registry) SubscriberCount(symbol string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers[symbol])
}

// Symbols returns every symbol with at least one subscriber, sorted.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.subscribers))
	for sym := range r.subscribers {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// SessionSymbols returns the symbols a session is subscribed to, sorted.
func (r *Registry) SessionSymbols(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.interests[sessionID]))
	for sym := range r.interests[sessionID] {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
