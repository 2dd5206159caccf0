package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CloseReason records why a position was closed.
type CloseReason string

const (
	ClosedManual     CloseReason = "manual"
	ClosedTakeProfit CloseReason = "take-profit"
	ClosedStopLoss   CloseReason = "stop-loss"
	ClosedStopOut    CloseReason = "stop-out"
)

// Position represents an open position. It is mutated on every tick of its
// symbol and turned into a Trade on close.
type Position struct {
	ID             string              `gorm:"primaryKey" json:"id"`
	AccountID      string              `gorm:"index" json:"accountId"`
	OrderID        string              `json:"orderId"`
	Symbol         string              `gorm:"index" json:"symbol"`
	Side           Side                `json:"side"`
	Volume         decimal.Decimal     `gorm:"type:text" json:"volume"`
	ContractSize   decimal.Decimal     `gorm:"type:text" json:"contractSize"`
	OpenPrice      decimal.Decimal     `gorm:"type:text" json:"openPrice"`
	CurrentPrice   decimal.Decimal     `gorm:"type:text" json:"currentPrice"`
	TakeProfit     decimal.NullDecimal `gorm:"type:text" json:"takeProfit"`
	StopLoss       decimal.NullDecimal `gorm:"type:text" json:"stopLoss"`
	Commission     decimal.Decimal     `gorm:"type:text" json:"commission"`
	Swap           decimal.Decimal     `gorm:"type:text" json:"swap"`
	Profit         decimal.Decimal     `gorm:"type:text" json:"profit"`
	MarginRequired decimal.Decimal     `gorm:"type:text" json:"marginRequired"`
	OpenedAt       time.Time           `json:"openedAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}

// MarginRequired computes volume × contractSize × price ÷ leverage.
func MarginRequired(volume, contractSize, price decimal.Decimal, leverage int64) decimal.Decimal {
	notional := volume.Mul(contractSize).Mul(price)
	if leverage <= 0 {
		return notional
	}
	return notional.Div(decimal.NewFromInt(leverage))
}

// ProfitAt computes the profit of the position if it were valued at price:
// (long ? price-open : open-price) × volume × contractSize − commission − swap.
func (p *Position) ProfitAt(price decimal.Decimal) decimal.Decimal {
	diff := price.Sub(p.OpenPrice)
	if p.Side == SideShort {
		diff = p.OpenPrice.Sub(price)
	}
	return diff.Mul(p.Volume).Mul(p.ContractSize).Sub(p.Commission).Sub(p.Swap)
}

// Reprice moves the position to price and refreshes its floating profit.
func (p *Position) Reprice(price decimal.Decimal, at time.Time) {
	p.CurrentPrice = price
	p.Profit = p.ProfitAt(price)
	p.UpdatedAt = at
}

// TriggeredBy evaluates take-profit then stop-loss against the current
// price. It returns the close reason and true if either threshold is hit.
func (p *Position) TriggeredBy() (CloseReason, bool) {
	price := p.CurrentPrice
	long := p.Side == SideLong

	if p.TakeProfit.Valid {
		tp := p.TakeProfit.Decimal
		if (long && price.GreaterThanOrEqual(tp)) || (!long && price.LessThanOrEqual(tp)) {
			return ClosedTakeProfit, true
		}
	}
	if p.StopLoss.Valid {
		sl := p.StopLoss.Decimal
		if (long && price.LessThanOrEqual(sl)) || (!long && price.GreaterThanOrEqual(sl)) {
			return ClosedStopLoss, true
		}
	}
	return "", false
}

// Trade is the immutable record of a closed position.
type Trade struct {
	ID         string          `gorm:"primaryKey" json:"id"`
	PositionID string          `gorm:"uniqueIndex" json:"positionId"`
	AccountID  string          `gorm:"index" json:"accountId"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Volume     decimal.Decimal `gorm:"type:text" json:"volume"`
	OpenPrice  decimal.Decimal `gorm:"type:text" json:"openPrice"`
	ClosePrice decimal.Decimal `gorm:"type:text" json:"closePrice"`
	Commission decimal.Decimal `gorm:"type:text" json:"commission"`
	Swap       decimal.Decimal `gorm:"type:text" json:"swap"`
	Profit     decimal.Decimal `gorm:"type:text" json:"profit"`
	ClosedBy   CloseReason     `gorm:"index" json:"closedBy"`
	OpenedAt   time.Time       `json:"openedAt"`
	ClosedAt   time.Time       `json:"closedAt"`
}
