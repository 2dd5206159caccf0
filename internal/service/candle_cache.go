package service

import (
	"context"
	"log/slog"
	"time"

	"fxdesk/internal/domain"
	"fxdesk/internal/infra"
)

const (
	defaultCandleLimit = 100
	maxCandleLimit     = 5000
)

// CandleCache serves historical bars from the local store, refreshing from
// the upstream when the cached series is older than its TTL.
type CandleCache struct {
	store        domain.CandleStore
	source       domain.CandleSource
	ttl          func(domain.Interval) time.Duration
	fetchTimeout time.Duration
	now          domain.Clock
	metrics      *infra.Metrics
}

// NewCandleCache wires a cache. ttl picks the lifetime per interval.
func NewCandleCache(store domain.CandleStore, source domain.CandleSource, ttl func(domain.Interval) time.Duration, fetchTimeout time.Duration, metrics *infra.Metrics) *CandleCache {
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	return &CandleCache{
		store:        store,
		source:       source,
		ttl:          ttl,
		fetchTimeout: fetchTimeout,
		now:          time.Now,
		metrics:      metrics,
	}
}

// GetCandles returns up to limit bars in ascending order. Priority is fresh
// cache, then a bounded upstream fetch, then stale cache, then an empty
// slice. Only an invalid interval is reported as an error.
func (c *CandleCache) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	iv, err := domain.ParseInterval(interval)
	if err != nil {
		return nil, err
	}
	if symbol == "" {
		return nil, domain.NewValidationError("symbol", "required", nil)
	}
	if limit <= 0 {
		limit = defaultCandleLimit
	}
	if limit > maxCandleLimit {
		limit = maxCandleLimit
	}

	now := c.now()

	cached, err := c.store.LoadCandles(ctx, symbol, iv)
	if err != nil {
		slog.Warn("Candle cache read failed", slog.String("symbol", symbol), slog.Any("error", err))
		cached = nil
	}
	if cached != nil && cached.Fresh(now, c.ttl(iv)) {
		return cached.Last(limit), nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	bars, err := c.source.FetchCandles(fetchCtx, symbol, iv, limit)
	if err != nil {
		c.metrics.RecordError()
		slog.Warn("Candle fetch failed, serving cache",
			slog.String("symbol", symbol),
			slog.String("interval", interval),
			slog.Bool("stale", cached != nil),
			slog.Any("error", err),
		)
		if cached != nil {
			return cached.Last(limit), nil
		}
		return []domain.Candle{}, nil
	}

	series := &domain.CandleSeries{
		Symbol:   symbol,
		Interval: iv,
		Candles:  bars,
		CachedAt: now,
	}
	if err := c.store.ReplaceCandles(ctx, series); err != nil {
		slog.Warn("Candle cache write failed", slog.String("symbol", symbol), slog.Any("error", err))
	}

	if series.Candles == nil {
		return []domain.Candle{}, nil
	}
	return series.Last(limit), nil
}
