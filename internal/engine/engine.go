package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"fxdesk/internal/domain"
	"fxdesk/internal/event"
	"fxdesk/internal/infra"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PriceSource yields the latest upstream price of a symbol.
type PriceSource interface {
	LastPrice(symbol string) (decimal.Decimal, bool)
}

// Config holds the risk thresholds and lane sizing.
type Config struct {
	StopOutLevel    decimal.Decimal
	MarginCallLevel decimal.Decimal
	LaneBuffer      int
	DumpDir         string
}

// Fill is the result of an accepted order. Position is nil for pending orders.
type Fill struct {
	Order    domain.Order     `json:"order"`
	Position *domain.Position `json:"position,omitempty"`
}

// accountBook is the authoritative in-memory state of one account.
// All reads and writes of an account go through its mutex.
type accountBook struct {
	mu           sync.Mutex
	account      domain.Account
	positions    map[string]*domain.Position
	marginCalled bool
}

func (b *accountBook) sorted() []*domain.Position {
	out := make([]*domain.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

type closeAction struct {
	positionID string
	reason     domain.CloseReason
}

// Engine owns order acceptance, the position lifecycle and account margin
// state. Ticks for one symbol are applied in arrival order by that symbol's
// lane; accounts are serialized by their own lock.
type Engine struct {
	cfg     Config
	symbols domain.SymbolStore
	ledger  domain.LedgerStore
	prices  PriceSource
	metrics *infra.Metrics
	onEvent func(event.Event)
	now     domain.Clock
	newID   func() string

	mu       sync.RWMutex
	accounts map[string]*accountBook
	bySymbol map[string]map[string]string // symbol -> position id -> account id
	owner    map[string]string            // position id -> account id

	lanesMu sync.Mutex
	lanes   map[string]*lane
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine creates an engine. onEvent may be nil.
func NewEngine(cfg Config, symbols domain.SymbolStore, ledger domain.LedgerStore, prices PriceSource, metrics *infra.Metrics, onEvent func(event.Event)) *Engine {
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	if cfg.StopOutLevel.IsZero() {
		cfg.StopOutLevel = decimal.NewFromInt(50)
	}
	if cfg.MarginCallLevel.IsZero() {
		cfg.MarginCallLevel = decimal.NewFromInt(80)
	}
	if cfg.LaneBuffer <= 0 {
		cfg.LaneBuffer = 256
	}
	if cfg.DumpDir == "" {
		cfg.DumpDir = "."
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		symbols:  symbols,
		ledger:   ledger,
		prices:   prices,
		metrics:  metrics,
		onEvent:  onEvent,
		now:      time.Now,
		newID:    uuid.NewString,
		accounts: make(map[string]*accountBook),
		bySymbol: make(map[string]map[string]string),
		owner:    make(map[string]string),
		lanes:    make(map[string]*lane),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Load warms the in-memory books from the ledger.
func (e *Engine) Load(ctx context.Context) error {
	accounts, err := e.ledger.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	for i := range accounts {
		if _, err := e.loadBook(ctx, &accounts[i]); err != nil {
			return err
		}
	}
	slog.Info("Engine books loaded", slog.Int("accounts", len(accounts)))
	return nil
}

func (e *Engine) loadBook(ctx context.Context, acc *domain.Account) (*accountBook, error) {
	positions, err := e.ledger.ListPositions(ctx, acc.ID)
	if err != nil {
		return nil, fmt.Errorf("list positions of %s: %w", acc.ID, err)
	}

	b := &accountBook{account: *acc, positions: make(map[string]*domain.Position, len(positions))}
	for i := range positions {
		p := positions[i]
		b.positions[p.ID] = &p
	}
	b.account.Recompute(b.sorted())

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.accounts[acc.ID]; ok {
		return existing, nil
	}
	e.accounts[acc.ID] = b
	for _, p := range b.positions {
		e.indexLocked(p)
	}
	return b, nil
}

// book returns the account's book, loading it on first use.
func (e *Engine) book(ctx context.Context, accountID string) (*accountBook, error) {
	e.mu.RLock()
	b, ok := e.accounts[accountID]
	e.mu.RUnlock()
	if ok {
		return b, nil
	}

	acc, err := e.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return e.loadBook(ctx, acc)
}

func (e *Engine) indexLocked(p *domain.Position) {
	set, ok := e.bySymbol[p.Symbol]
	if !ok {
		set = make(map[string]string)
		e.bySymbol[p.Symbol] = set
	}
	set[p.ID] = p.AccountID
	e.owner[p.ID] = p.AccountID
}

func (e *Engine) unindex(p *domain.Position) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if set, ok := e.bySymbol[p.Symbol]; ok {
		delete(set, p.ID)
		if len(set) == 0 {
			delete(e.bySymbol, p.Symbol)
		}
	}
	delete(e.owner, p.ID)
}

// ======================================================================================
// Orders
// ======================================================================================

// PlaceOrder fills req at the latest upstream price.
func (e *Engine) PlaceOrder(ctx context.Context, accountID string, req domain.OrderRequest) (*Fill, error) {
	if e.prices == nil {
		return nil, domain.ErrNoPrice
	}
	price, ok := e.prices.LastPrice(req.Symbol)
	if !ok && req.Type == domain.OrderTypeMarket {
		e.metrics.RecordOrderRejected()
		return nil, fmt.Errorf("%w: %s", domain.ErrNoPrice, req.Symbol)
	}
	return e.PlaceOrderAt(ctx, accountID, req, price)
}

// PlaceOrderAt accepts req with price as the current market price.
// Market orders open a position; limit and stop orders are stored pending.
func (e *Engine) PlaceOrderAt(ctx context.Context, accountID string, req domain.OrderRequest, price decimal.Decimal) (*Fill, error) {
	fill, err := e.placeOrder(ctx, accountID, req, price)
	if err != nil {
		e.metrics.RecordOrderRejected()
		slog.Info("Order rejected",
			slog.String("account", accountID),
			slog.String("symbol", req.Symbol),
			slog.Any("error", err),
		)
		return nil, err
	}
	return fill, nil
}

func (e *Engine) placeOrder(ctx context.Context, accountID string, req domain.OrderRequest, price decimal.Decimal) (*Fill, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	sym, err := e.symbols.GetSymbol(ctx, req.Symbol)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownSymbol) {
			return nil, domain.NewValidationError("symbol", req.Symbol, err)
		}
		return nil, err
	}

	b, err := e.book(ctx, accountID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	order := domain.Order{
		ID:         e.newID(),
		AccountID:  accountID,
		Symbol:     sym.Name,
		Side:       req.Side,
		Type:       req.Type,
		Price:      req.Price,
		StopPrice:  req.StopPrice,
		Volume:     req.Volume,
		TakeProfit: req.TakeProfit,
		StopLoss:   req.StopLoss,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if req.Type != domain.OrderTypeMarket {
		return e.placePending(ctx, b, sym, order)
	}

	if !price.IsPositive() {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoPrice, req.Symbol)
	}
	if !sym.TradingHours.IsOpen(now) {
		return nil, fmt.Errorf("%w: %s", domain.ErrMarketClosed, sym.Name)
	}
	if err := req.ValidateAgainst(price); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	margin := domain.MarginRequired(req.Volume, sym.ContractSize, price, b.account.Leverage)
	if margin.GreaterThan(b.account.FreeMargin) {
		return nil, fmt.Errorf("%w: required %s, free %s", domain.ErrInsufficientMargin, margin.StringFixed(2), b.account.FreeMargin.StringFixed(2))
	}

	order.Status = domain.OrderStatusFilled
	pos := &domain.Position{
		ID:             e.newID(),
		AccountID:      accountID,
		OrderID:        order.ID,
		Symbol:         sym.Name,
		Side:           req.Side,
		Volume:         req.Volume,
		ContractSize:   sym.ContractSize,
		OpenPrice:      price,
		TakeProfit:     req.TakeProfit,
		StopLoss:       req.StopLoss,
		Commission:     req.Volume.Mul(sym.CommissionPerLot),
		MarginRequired: margin,
		OpenedAt:       now,
	}
	pos.Reprice(price, now)

	next := b.account
	next.Recompute(append(b.sorted(), pos))
	next.UpdatedAt = now

	if err := e.ledger.OpenPosition(ctx, &order, pos, &next); err != nil {
		return nil, fmt.Errorf("open position: %w", err)
	}

	b.positions[pos.ID] = pos
	b.account = next
	e.mu.Lock()
	e.indexLocked(pos)
	e.mu.Unlock()

	e.metrics.RecordOrderFilled()
	slog.Info("Order filled",
		slog.String("account", accountID),
		slog.String("position", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("side", string(pos.Side)),
		slog.String("price", price.String()),
	)
	e.emit(&event.OrderFilledEvent{
		BaseEvent: event.BaseEvent{AccountID: accountID, Ts: now},
		Order:     order,
		Position:  *pos,
	})
	e.checkMarginCall(b)

	// pos stays owned by the book; lanes reprice it under b.mu.
	snapshot := *pos
	return &Fill{Order: order, Position: &snapshot}, nil
}

// placePending stores a limit or stop order once the account can carry it
// at its trigger price.
func (e *Engine) placePending(ctx context.Context, b *accountBook, sym *domain.Symbol, order domain.Order) (*Fill, error) {
	ref := order.Price.Decimal
	if order.Type == domain.OrderTypeStop {
		ref = order.StopPrice.Decimal
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	margin := domain.MarginRequired(order.Volume, sym.ContractSize, ref, b.account.Leverage)
	if margin.GreaterThan(b.account.FreeMargin) {
		return nil, fmt.Errorf("%w: required %s, free %s", domain.ErrInsufficientMargin, margin.StringFixed(2), b.account.FreeMargin.StringFixed(2))
	}

	order.Status = domain.OrderStatusPending
	if err := e.ledger.SavePendingOrder(ctx, &order); err != nil {
		return nil, fmt.Errorf("save pending order: %w", err)
	}
	return &Fill{Order: order}, nil
}

// CancelOrder cancels a pending order.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return e.ledger.CancelOrder(ctx, orderID)
}

// OrderOwner returns the account that placed orderID.
func (e *Engine) OrderOwner(ctx context.Context, orderID string) (string, error) {
	o, err := e.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	return o.AccountID, nil
}

// PositionOwner returns the account holding an open position.
func (e *Engine) PositionOwner(positionID string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	accountID, ok := e.owner[positionID]
	return accountID, ok
}

// ======================================================================================
// Positions
// ======================================================================================

// ClosePosition closes an open position manually and returns its trade.
// A second close of the same position fails with ErrPositionNotFound.
func (e *Engine) ClosePosition(ctx context.Context, positionID string) (*domain.Trade, error) {
	e.mu.RLock()
	accountID, ok := e.owner[positionID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPositionNotFound, positionID)
	}

	b, err := e.book(ctx, accountID)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[positionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPositionNotFound, positionID)
	}
	if e.prices != nil {
		if last, ok := e.prices.LastPrice(p.Symbol); ok {
			p.Reprice(last, e.now())
		}
	}

	trade, err := e.closeLocked(ctx, b, positionID, domain.ClosedManual)
	if err != nil {
		return nil, err
	}
	e.checkMarginCall(b)
	return trade, nil
}

// closeLocked turns a position into a trade at its current price.
// The in-memory book changes only after the ledger commit succeeds.
func (e *Engine) closeLocked(ctx context.Context, b *accountBook, positionID string, reason domain.CloseReason) (*domain.Trade, error) {
	p, ok := b.positions[positionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPositionNotFound, positionID)
	}

	now := e.now()
	profit := p.ProfitAt(p.CurrentPrice)
	trade := &domain.Trade{
		ID:         e.newID(),
		PositionID: p.ID,
		AccountID:  p.AccountID,
		Symbol:     p.Symbol,
		Side:       p.Side,
		Volume:     p.Volume,
		OpenPrice:  p.OpenPrice,
		ClosePrice: p.CurrentPrice,
		Commission: p.Commission,
		Swap:       p.Swap,
		Profit:     profit,
		ClosedBy:   reason,
		OpenedAt:   p.OpenedAt,
		ClosedAt:   now,
	}

	remaining := make([]*domain.Position, 0, len(b.positions)-1)
	for _, other := range b.sorted() {
		if other.ID != positionID {
			remaining = append(remaining, other)
		}
	}

	next := b.account
	next.Balance = next.Balance.Add(profit)
	next.Recompute(remaining)
	next.UpdatedAt = now

	if err := e.ledger.ClosePosition(ctx, trade, &next); err != nil {
		return nil, fmt.Errorf("close position %s: %w", positionID, err)
	}

	delete(b.positions, positionID)
	b.account = next
	e.unindex(p)

	e.metrics.RecordClose(reason == domain.ClosedStopOut)
	slog.Info("Position closed",
		slog.String("account", p.AccountID),
		slog.String("position", p.ID),
		slog.String("reason", string(reason)),
		slog.String("profit", profit.StringFixed(2)),
	)
	e.emit(&event.PositionClosedEvent{
		BaseEvent: event.BaseEvent{AccountID: p.AccountID, Ts: now},
		Trade:     *trade,
	})
	return trade, nil
}

// ======================================================================================
// Ticks & margin
// ======================================================================================

// OnPriceTick reprices every open position on the tick's symbol and
// reconciles each affected account. Callers must not run two ticks of the
// same symbol concurrently; Submit guarantees that.
func (e *Engine) OnPriceTick(ctx context.Context, tick domain.Tick) {
	e.mu.RLock()
	affected := make(map[string]struct{})
	for _, accountID := range e.bySymbol[tick.Symbol] {
		affected[accountID] = struct{}{}
	}
	e.mu.RUnlock()

	for accountID := range affected {
		e.applyTick(ctx, accountID, tick)
	}
}

func (e *Engine) applyTick(ctx context.Context, accountID string, tick domain.Tick) {
	e.mu.RLock()
	b, ok := e.accounts[accountID]
	e.mu.RUnlock()
	if !ok {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var repriced []*domain.Position
	for _, p := range b.sorted() {
		if p.Symbol == tick.Symbol {
			p.Reprice(tick.Price, tick.Timestamp)
			repriced = append(repriced, p)
		}
	}
	if len(repriced) == 0 {
		return
	}

	e.reconcile(ctx, b)

	open := repriced[:0]
	for _, p := range repriced {
		if _, ok := b.positions[p.ID]; ok {
			open = append(open, p)
		}
	}
	if err := e.ledger.SaveMarks(ctx, open, &b.account); err != nil {
		e.metrics.RecordError()
		slog.Warn("Failed to persist marks", slog.String("account", accountID), slog.Any("error", err))
	}
}

// RecomputeAccountMargin recomputes the account from its open positions and
// runs the close rules, then persists the result.
func (e *Engine) RecomputeAccountMargin(ctx context.Context, accountID string) (domain.Account, error) {
	b, err := e.book(ctx, accountID)
	if err != nil {
		return domain.Account{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	e.reconcile(ctx, b)
	if err := e.ledger.SaveAccount(ctx, &b.account); err != nil {
		return b.account, fmt.Errorf("save account: %w", err)
	}
	return b.account, nil
}

// reconcile recomputes the account and applies the close rules until none
// fires. Each round closes at least one position, so it terminates.
func (e *Engine) reconcile(ctx context.Context, b *accountBook) {
	for rounds := len(b.positions) + 1; rounds > 0; rounds-- {
		b.account.Recompute(b.sorted())

		actions := e.evaluate(b)
		if len(actions) == 0 {
			break
		}
		for _, a := range actions {
			if _, err := e.closeLocked(ctx, b, a.positionID, a.reason); err != nil {
				e.metrics.RecordError()
				slog.Error("Automatic close failed",
					slog.String("account", b.account.ID),
					slog.String("position", a.positionID),
					slog.String("reason", string(a.reason)),
					slog.Any("error", err),
				)
				return
			}
		}
	}
	e.checkMarginCall(b)
}

// evaluate applies the rule list in order: take-profit, stop-loss, then
// stop-out. Stop-out is considered only once no per-position rule fires.
func (e *Engine) evaluate(b *accountBook) []closeAction {
	var actions []closeAction
	for _, p := range b.sorted() {
		if reason, ok := p.TriggeredBy(); ok {
			actions = append(actions, closeAction{positionID: p.ID, reason: reason})
		}
	}
	if len(actions) > 0 {
		return actions
	}

	if b.account.BelowLevel(e.cfg.StopOutLevel) {
		slog.Warn("Stop-out",
			slog.String("account", b.account.ID),
			slog.String("margin_level", b.account.MarginLevel.StringFixed(2)),
			slog.Int("positions", len(b.positions)),
		)
		for _, p := range b.sorted() {
			actions = append(actions, closeAction{positionID: p.ID, reason: domain.ClosedStopOut})
		}
	}
	return actions
}

// checkMarginCall emits one advisory event per downward crossing.
func (e *Engine) checkMarginCall(b *accountBook) {
	below := b.account.BelowLevel(e.cfg.MarginCallLevel)
	if below && !b.marginCalled {
		slog.Warn("Margin call",
			slog.String("account", b.account.ID),
			slog.String("margin_level", b.account.MarginLevel.StringFixed(2)),
		)
		e.emit(&event.MarginCallEvent{
			BaseEvent:   event.BaseEvent{AccountID: b.account.ID, Ts: e.now()},
			MarginLevel: b.account.MarginLevel,
			Threshold:   e.cfg.MarginCallLevel,
		})
	}
	b.marginCalled = below
}

func (e *Engine) emit(ev event.Event) {
	if e.onEvent == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event handler panic recovered", slog.String("event", event.String(ev)), slog.Any("panic", r))
		}
	}()
	e.onEvent(ev)
}

// ======================================================================================
// Reads
// ======================================================================================

// Account returns a snapshot of the account and its open positions.
func (e *Engine) Account(ctx context.Context, accountID string) (domain.Account, []domain.Position, error) {
	b, err := e.book(ctx, accountID)
	if err != nil {
		return domain.Account{}, nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	positions := make([]domain.Position, 0, len(b.positions))
	for _, p := range b.sorted() {
		positions = append(positions, *p)
	}
	return b.account, positions, nil
}

// OpenSymbols returns the symbols that currently carry open positions, sorted.
func (e *Engine) OpenSymbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]string, 0, len(e.bySymbol))
	for sym := range e.bySymbol {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
