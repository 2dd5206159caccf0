package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AssetClass groups symbols by market type.
type AssetClass string

const (
	AssetForex     AssetClass = "forex"
	AssetCrypto    AssetClass = "crypto"
	AssetEquity    AssetClass = "equity"
	AssetCommodity AssetClass = "commodity"
	AssetIndex     AssetClass = "index"
)

// Valid reports whether the asset class is one of the known values.
func (c AssetClass) Valid() bool {
	switch c {
	case AssetForex, AssetCrypto, AssetEquity, AssetCommodity, AssetIndex:
		return true
	}
	return false
}

// TradingHours describes a daily UTC session window.
// An empty window (or Unlimited) means the market never closes.
type TradingHours struct {
	Unlimited bool   `json:"unlimited" yaml:"unlimited"`
	OpenTime  string `json:"open_time,omitempty" yaml:"open_time"`   // "HH:MM" UTC
	CloseTime string `json:"close_time,omitempty" yaml:"close_time"` // "HH:MM" UTC
}

// IsOpen reports whether t falls inside the trading window.
// Windows where CloseTime < OpenTime wrap past midnight.
func (h TradingHours) IsOpen(t time.Time) bool {
	if h.Unlimited || h.OpenTime == "" || h.CloseTime == "" {
		return true
	}
	open, err := parseClock(h.OpenTime)
	if err != nil {
		return true
	}
	closeAt, err := parseClock(h.CloseTime)
	if err != nil {
		return true
	}

	t = t.UTC()
	now := t.Hour()*60 + t.Minute()
	if open <= closeAt {
		return now >= open && now < closeAt
	}
	return now >= open || now < closeAt
}

func parseClock(s string) (int, error) {
	tm, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", s, err)
	}
	return tm.Hour()*60 + tm.Minute(), nil
}

// Symbol is immutable instrument reference data.
type Symbol struct {
	Name             string          `gorm:"primaryKey" json:"symbol" yaml:"name"`
	AssetClass       AssetClass      `json:"asset_class" yaml:"asset_class"`
	ContractSize     decimal.Decimal `gorm:"type:text" json:"contract_size" yaml:"contract_size"`
	Digits           int32           `json:"digits" yaml:"digits"`
	Spread           decimal.Decimal `gorm:"type:text" json:"spread" yaml:"spread"`
	CommissionPerLot decimal.Decimal `gorm:"type:text" json:"commission_per_lot" yaml:"commission_per_lot"`
	TradingHours     TradingHours    `gorm:"embedded;embeddedPrefix:hours_" json:"trading_hours" yaml:"trading_hours"`
	UpdatedAt        time.Time       `json:"updated_at" yaml:"-"`
}

// Validate checks reference data sanity before it is stored.
func (s *Symbol) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("symbol name is required")
	}
	if !s.AssetClass.Valid() {
		return fmt.Errorf("symbol %s: invalid asset class %q", s.Name, s.AssetClass)
	}
	if !s.ContractSize.IsPositive() {
		return fmt.Errorf("symbol %s: contract size must be positive", s.Name)
	}
	if s.Spread.IsNegative() || s.CommissionPerLot.IsNegative() {
		return fmt.Errorf("symbol %s: spread and commission must not be negative", s.Name)
	}
	return nil
}
