package domain

import (
	"context"
	"time"
)

// SymbolStore is the reference-data lookup consumed by the engine.
type SymbolStore interface {
	GetSymbol(ctx context.Context, name string) (*Symbol, error)
	ListSymbols(ctx context.Context) ([]Symbol, error)
}

// LedgerStore persists the engine's writes. Each method is one atomic unit.
type LedgerStore interface {
	GetAccount(ctx context.Context, id string) (*Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	ListPositions(ctx context.Context, accountID string) ([]Position, error)
	SaveAccount(ctx context.Context, account *Account) error

	// OpenPosition writes a filled order, its position and the recomputed account.
	OpenPosition(ctx context.Context, order *Order, position *Position, account *Account) error
	// GetOrder returns an order in any status.
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	// SavePendingOrder writes a non-market order.
	SavePendingOrder(ctx context.Context, order *Order) error
	// CancelOrder moves a pending order to cancelled.
	CancelOrder(ctx context.Context, orderID string) (*Order, error)
	// ClosePosition appends the trade, deletes the position and writes the account.
	ClosePosition(ctx context.Context, trade *Trade, account *Account) error
	// SaveMarks writes repriced positions and the recomputed account.
	SaveMarks(ctx context.Context, positions []*Position, account *Account) error
}

// CandleStore caches candle series by (symbol, interval).
type CandleStore interface {
	LoadCandles(ctx context.Context, symbol string, interval Interval) (*CandleSeries, error)
	ReplaceCandles(ctx context.Context, series *CandleSeries) error
}

// CandleSource fetches bars from the upstream provider.
type CandleSource interface {
	FetchCandles(ctx context.Context, symbol string, interval Interval, limit int) ([]Candle, error)
}

// Clock abstracts time for tests.
type Clock func() time.Time
