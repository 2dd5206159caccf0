package candles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"fxdesk/internal/domain"

	"github.com/shopspring/decimal"
	"go.uber.org/ratelimit"
	"resty.dev/v3"
)

const (
	_timeSeriesURL = "/time_series"
)

var errClientClosed = errors.New("candles client closed")

// timeSeriesResponse is the upstream REST payload. Values arrive newest first.
type timeSeriesResponse struct {
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Values  []struct {
		Datetime string `json:"datetime"`
		Open     string `json:"open"`
		High     string `json:"high"`
		Low      string `json:"low"`
		Close    string `json:"close"`
		Volume   string `json:"volume"`
	} `json:"values"`
}

// Config holds the REST settings used by Client.
type Config struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerMinute int
}

// Client fetches historical bars from the upstream REST API.
//
// ratelimit.Limiter.Take cannot be cancelled, so a single pacer goroutine
// takes slots and hands them to callers over slots. A caller whose context
// ends leaves the slot for the next one instead of burning it.
type Client struct {
	c      *resty.Client
	apiKey string
	logger *slog.Logger

	rateLimiter ratelimit.Limiter
	slots       chan struct{}
	stop        chan struct{}
	stopOnce    sync.Once
}

// NewClient builds a rate-limited REST client.
func NewClient(cfg Config) *Client {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 8
	}
	return newClient(cfg, ratelimit.New(rpm, ratelimit.Per(time.Minute)))
}

func newClient(cfg Config, limiter ratelimit.Limiter) *Client {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout)

	c := &Client{
		c:           client,
		apiKey:      cfg.APIKey,
		logger:      slog.Default().With("module", "candles_client"),
		rateLimiter: limiter,
		slots:       make(chan struct{}),
		stop:        make(chan struct{}),
	}
	go c.pace()
	return c
}

// Close stops the pacer and releases the underlying HTTP resources.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return c.c.Close()
}

// pace holds at most one taken slot until a caller claims it.
func (c *Client) pace() {
	for {
		c.rateLimiter.Take()
		select {
		case c.slots <- struct{}{}:
		case <-c.stop:
			return
		}
	}
}

// FetchCandles returns up to limit bars for (symbol, interval) in ascending time order.
func (c *Client) FetchCandles(ctx context.Context, symbol string, interval domain.Interval, limit int) ([]domain.Candle, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	params := map[string]string{
		"symbol":   symbol,
		"interval": string(interval),
		"apikey":   c.apiKey,
	}
	if limit > 0 {
		params["outputsize"] = strconv.Itoa(limit)
	}

	resp, err := c.c.R().
		SetQueryParams(params).
		SetResult(&timeSeriesResponse{}).
		SetContext(ctx).
		Get(_timeSeriesURL)
	if err != nil {
		return nil, domain.NewNetworkError("time_series", err)
	}
	defer resp.Body.Close()

	c.logger.Debug("candles response",
		slog.String("symbol", symbol),
		slog.String("interval", string(interval)),
		slog.String("status", resp.Status()),
		slog.Duration("took", resp.Duration()),
	)

	if !resp.IsSuccess() {
		return nil, domain.NewNetworkError("time_series", fmt.Errorf("unexpected status %s", resp.Status()))
	}

	body := resp.Result().(*timeSeriesResponse)
	if body.Status == "error" {
		return nil, fmt.Errorf("time_series error %d: %s", body.Code, body.Message)
	}

	return parseValues(symbol, interval, body)
}

// wait claims a rate-limit slot but gives up when ctx ends first.
func (c *Client) wait(ctx context.Context) error {
	select {
	case <-c.slots:
		return nil
	case <-c.stop:
		return fmt.Errorf("rate limit wait: %w", errClientClosed)
	case <-ctx.Done():
		return fmt.Errorf("rate limit wait: %w", ctx.Err())
	}
}

func parseValues(symbol string, interval domain.Interval, body *timeSeriesResponse) ([]domain.Candle, error) {
	out := make([]domain.Candle, 0, len(body.Values))
	// Reverse into ascending order.
	for i := len(body.Values) - 1; i >= 0; i-- {
		v := body.Values[i]

		ts, err := parseDatetime(v.Datetime)
		if err != nil {
			return nil, err
		}

		c := domain.Candle{Symbol: symbol, Interval: interval, Time: ts}
		if c.Open, err = decimal.NewFromString(v.Open); err != nil {
			return nil, fmt.Errorf("bar %s open: %w", v.Datetime, err)
		}
		if c.High, err = decimal.NewFromString(v.High); err != nil {
			return nil, fmt.Errorf("bar %s high: %w", v.Datetime, err)
		}
		if c.Low, err = decimal.NewFromString(v.Low); err != nil {
			return nil, fmt.Errorf("bar %s low: %w", v.Datetime, err)
		}
		if c.Close, err = decimal.NewFromString(v.Close); err != nil {
			return nil, fmt.Errorf("bar %s close: %w", v.Datetime, err)
		}
		// Forex series carry no volume.
		if v.Volume != "" {
			if c.Volume, err = decimal.NewFromString(v.Volume); err != nil {
				return nil, fmt.Errorf("bar %s volume: %w", v.Datetime, err)
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func parseDatetime(s string) (time.Time, error) {
	for _, layout := range []string{time.DateTime, time.DateOnly} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable bar datetime %q", s)
}
