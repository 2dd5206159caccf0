package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Tick is a single price update for one symbol from the upstream feed.
type Tick struct {
	Seq       uint64          `json:"-"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Quote is the client-facing view of a tick.
type Quote struct {
	Symbol        string          `json:"symbol"`
	Bid           decimal.Decimal `json:"bid"`
	Ask           decimal.Decimal `json:"ask"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"changePercent"`
	Timestamp     int64           `json:"timestamp"` // Unix milliseconds
}

// Interval is a bar size in the upstream's notation.
type Interval string

var intervalDurations = map[Interval]time.Duration{
	"1min":   time.Minute,
	"5min":   5 * time.Minute,
	"15min":  15 * time.Minute,
	"30min":  30 * time.Minute,
	"45min":  45 * time.Minute,
	"1h":     time.Hour,
	"2h":     2 * time.Hour,
	"4h":     4 * time.Hour,
	"8h":     8 * time.Hour,
	"1day":   24 * time.Hour,
	"1week":  7 * 24 * time.Hour,
	"1month": 30 * 24 * time.Hour,
}

// ParseInterval validates an interval string.
func ParseInterval(s string) (Interval, error) {
	iv := Interval(s)
	if _, ok := intervalDurations[iv]; !ok {
		return "", NewValidationError("interval", fmt.Sprintf("unsupported interval %q", s), nil)
	}
	return iv, nil
}

// Duration returns the bar length, or zero for an unknown interval.
func (iv Interval) Duration() time.Duration {
	return intervalDurations[iv]
}

// Intraday reports whether bars are shorter than one hour.
func (iv Interval) Intraday() bool {
	d := iv.Duration()
	return d > 0 && d < time.Hour
}

// Candle is one OHLCV bar.
type Candle struct {
	ID       uint            `gorm:"primaryKey" json:"-"`
	Symbol   string          `gorm:"index:idx_candle_key" json:"-"`
	Interval Interval        `gorm:"index:idx_candle_key" json:"-"`
	Time     time.Time       `gorm:"index" json:"time"`
	Open     decimal.Decimal `gorm:"type:text" json:"open"`
	High     decimal.Decimal `gorm:"type:text" json:"high"`
	Low      decimal.Decimal `gorm:"type:text" json:"low"`
	Close    decimal.Decimal `gorm:"type:text" json:"close"`
	Volume   decimal.Decimal `gorm:"type:text" json:"volume"`
}

// CandleSeries is the cached bar sequence for one (symbol, interval).
type CandleSeries struct {
	Symbol   string
	Interval Interval
	Candles  []Candle // ascending by Time
	CachedAt time.Time
}

// Fresh reports whether the series is younger than ttl at now.
func (s *CandleSeries) Fresh(now time.Time, ttl time.Duration) bool {
	return !s.CachedAt.IsZero() && now.Sub(s.CachedAt) < ttl
}

// Last returns at most the last limit bars. A non-positive limit returns all.
func (s *CandleSeries) Last(limit int) []Candle {
	if limit <= 0 || limit >= len(s.Candles) {
		return s.Candles
	}
	return s.Candles[len(s.Candles)-limit:]
}
