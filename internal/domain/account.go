package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Account holds the financial state of a trading account.
// Equity and margin fields are derived; only Recompute writes them.
type Account struct {
	ID          string          `gorm:"primaryKey" json:"id"`
	OwnerID     string          `gorm:"index" json:"ownerId"`
	Balance     decimal.Decimal `gorm:"type:text" json:"balance"`
	Equity      decimal.Decimal `gorm:"type:text" json:"equity"`
	UsedMargin  decimal.Decimal `gorm:"type:text" json:"usedMargin"`
	FreeMargin  decimal.Decimal `gorm:"type:text" json:"freeMargin"`
	MarginLevel decimal.Decimal `gorm:"type:text" json:"marginLevel"`
	Leverage    int64           `json:"leverage"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Recompute derives equity and margin fields from the full set of open
// positions. It never patches the previous values.
func (a *Account) Recompute(positions []*Position) {
	used := decimal.Zero
	floating := decimal.Zero
	for _, p := range positions {
		used = used.Add(p.MarginRequired)
		floating = floating.Add(p.Profit)
	}

	a.UsedMargin = used
	a.Equity = a.Balance.Add(floating)
	a.FreeMargin = a.Equity.Sub(used)
	if used.IsPositive() {
		a.MarginLevel = a.Equity.Div(used).Mul(hundred)
	} else {
		a.MarginLevel = decimal.Zero
	}
}

// BelowLevel reports whether the account carries margin and its margin
// level is under level. A gap that drives equity to zero or below also
// counts, since the level is then non-positive while positions are open.
func (a *Account) BelowLevel(level decimal.Decimal) bool {
	return a.UsedMargin.IsPositive() && a.MarginLevel.LessThan(level)
}
