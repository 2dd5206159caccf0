package event

import (
	"fmt"
	"time"

	"fxdesk/internal/domain"

	"github.com/shopspring/decimal"
)

// Type identifies an engine event on the wire.
type Type string

const (
	TypeOrderFilled    Type = "order_filled"
	TypePositionClosed Type = "position_closed"
	TypeMarginCall     Type = "margin_call"
)

// Event is emitted by the engine and routed to the owning account's sessions.
type Event interface {
	GetType() Type
	GetAccountID() string
	GetTs() time.Time
}

// BaseEvent carries the fields every event shares.
type BaseEvent struct {
	AccountID string    `json:"accountId"`
	Ts        time.Time `json:"timestamp"`
}

func (e BaseEvent) GetAccountID() string { return e.AccountID }
func (e BaseEvent) GetTs() time.Time     { return e.Ts }

// OrderFilledEvent reports a market order that opened a position.
type OrderFilledEvent struct {
	BaseEvent
	Order    domain.Order    `json:"order"`
	Position domain.Position `json:"position"`
}

func (e *OrderFilledEvent) GetType() Type { return TypeOrderFilled }

// PositionClosedEvent reports a close, including automatic ones.
type PositionClosedEvent struct {
	BaseEvent
	Trade domain.Trade `json:"trade"`
}

func (e *PositionClosedEvent) GetType() Type { return TypePositionClosed }

// MarginCallEvent is advisory: the account crossed the margin-call level.
type MarginCallEvent struct {
	BaseEvent
	MarginLevel decimal.Decimal `json:"marginLevel"`
	Threshold   decimal.Decimal `json:"threshold"`
}

func (e *MarginCallEvent) GetType() Type { return TypeMarginCall }

// Envelope wraps an event for the client streaming protocol.
type Envelope struct {
	Type Type  `json:"type"`
	Data Event `json:"data"`
}

// Wrap builds the wire envelope for ev.
func Wrap(ev Event) Envelope {
	return Envelope{Type: ev.GetType(), Data: ev}
}

// String is used in logs.
func String(ev Event) string {
	return fmt.Sprintf("%s account=%s", ev.GetType(), ev.GetAccountID())
}
