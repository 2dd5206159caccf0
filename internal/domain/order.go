package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or position.
type Side string

// OrderType selects how an order is filled.
type OrderType string

// OrderStatus tracks an order's lifecycle.
type OrderStatus string

const (
	SideLong  Side = "long"
	SideShort Side = "short"

	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypeStop   OrderType = "stop"

	OrderStatusPending   OrderStatus = "pending"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Valid reports whether the side is long or short.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Valid reports whether the order type is known.
func (t OrderType) Valid() bool {
	return t == OrderTypeMarket || t == OrderTypeLimit || t == OrderTypeStop
}

// OrderRequest is the input of the order API.
type OrderRequest struct {
	Symbol     string              `json:"symbol"`
	Type       OrderType           `json:"type"`
	Side       Side                `json:"side"`
	Volume     decimal.Decimal     `json:"volume"`
	Price      decimal.NullDecimal `json:"price"`
	StopPrice  decimal.NullDecimal `json:"stopPrice"`
	TakeProfit decimal.NullDecimal `json:"takeProfit"`
	StopLoss   decimal.NullDecimal `json:"stopLoss"`
}

// Validate checks the request shape. Price-relative checks need a
// reference price and are done by ValidateAgainst.
func (r *OrderRequest) Validate() error {
	if r.Symbol == "" {
		return NewValidationError("symbol", "required", ErrInvalidOrder)
	}
	if !r.Side.Valid() {
		return NewValidationError("side", "must be long or short", ErrInvalidOrder)
	}
	if !r.Type.Valid() {
		return NewValidationError("type", "must be market, limit or stop", ErrInvalidOrder)
	}
	if !r.Volume.IsPositive() {
		return NewValidationError("volume", "must be positive", ErrInvalidOrder)
	}
	if r.Type == OrderTypeLimit && (!r.Price.Valid || !r.Price.Decimal.IsPositive()) {
		return NewValidationError("price", "limit order requires a positive price", ErrInvalidOrder)
	}
	if r.Type == OrderTypeStop && (!r.StopPrice.Valid || !r.StopPrice.Decimal.IsPositive()) {
		return NewValidationError("stopPrice", "stop order requires a positive stop price", ErrInvalidOrder)
	}
	if r.TakeProfit.Valid && !r.TakeProfit.Decimal.IsPositive() {
		return NewValidationError("takeProfit", "must be positive", ErrInvalidOrder)
	}
	if r.StopLoss.Valid && !r.StopLoss.Decimal.IsPositive() {
		return NewValidationError("stopLoss", "must be positive", ErrInvalidOrder)
	}
	return nil
}

// ValidateAgainst checks that take-profit and stop-loss sit on the
// correct side of the entry price.
func (r *OrderRequest) ValidateAgainst(entry decimal.Decimal) error {
	if r.TakeProfit.Valid {
		tp := r.TakeProfit.Decimal
		if (r.Side == SideLong && tp.LessThanOrEqual(entry)) || (r.Side == SideShort && tp.GreaterThanOrEqual(entry)) {
			return NewValidationError("takeProfit", "on the wrong side of the entry price", ErrInvalidOrder)
		}
	}
	if r.StopLoss.Valid {
		sl := r.StopLoss.Decimal
		if (r.Side == SideLong && sl.GreaterThanOrEqual(entry)) || (r.Side == SideShort && sl.LessThanOrEqual(entry)) {
			return NewValidationError("stopLoss", "on the wrong side of the entry price", ErrInvalidOrder)
		}
	}
	return nil
}

// Order represents a trading order.
type Order struct {
	ID         string              `gorm:"primaryKey" json:"id"`
	AccountID  string              `gorm:"index" json:"accountId"`
	Symbol     string              `json:"symbol"`
	Side       Side                `json:"side"`
	Type       OrderType           `json:"type"`
	Price      decimal.NullDecimal `gorm:"type:text" json:"price"`
	StopPrice  decimal.NullDecimal `gorm:"type:text" json:"stopPrice"`
	Volume     decimal.Decimal     `gorm:"type:text" json:"volume"`
	TakeProfit decimal.NullDecimal `gorm:"type:text" json:"takeProfit"`
	StopLoss   decimal.NullDecimal `gorm:"type:text" json:"stopLoss"`
	Status     OrderStatus         `gorm:"index" json:"status"`
	CreatedAt  time.Time           `json:"createdAt"`
	UpdatedAt  time.Time           `json:"updatedAt"`
}

// IsPending checks if the order still waits for a trigger.
func (o *Order) IsPending() bool {
	return o.Status == OrderStatusPending
}
