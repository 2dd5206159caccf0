package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"fxdesk/internal/domain"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config는 애플리케이션의 모든 설정을 담습니다.
// LoadConfig로 로드된 후에 환경 변수를 통해 민감 내용을 덮어씁니다.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Feed struct {
		WSURL               string   `yaml:"ws_url"`
		APIKey              string   `yaml:"api_key"`
		ReconnectDelayMS    int      `yaml:"reconnect_delay_ms"`
		MaxReconnectDelayMS int      `yaml:"max_reconnect_delay_ms"`
		PingIntervalSec     int      `yaml:"ping_interval_sec"`
		ReadTimeoutSec      int      `yaml:"read_timeout_sec"`
		Preload             []string `yaml:"preload"` // symbols the engine always watches
	} `yaml:"feed"`

	Candles struct {
		RestURL           string `yaml:"rest_url"`
		APIKey            string `yaml:"api_key"`
		FetchTimeoutMS    int    `yaml:"fetch_timeout_ms"`
		ShortTTLSec       int    `yaml:"short_ttl_sec"`
		LongTTLSec        int    `yaml:"long_ttl_sec"`
		RequestsPerMinute int    `yaml:"requests_per_minute"`
	} `yaml:"candles"`

	Risk struct {
		StopOutLevel    decimal.Decimal `yaml:"stop_out_level"`
		MarginCallLevel decimal.Decimal `yaml:"margin_call_level"`
		LaneBuffer      int             `yaml:"lane_buffer"`
	} `yaml:"risk"`

	Server struct {
		Addr          string `yaml:"addr"`
		SessionBuffer int    `yaml:"session_buffer"`
	} `yaml:"server"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Symbols []domain.Symbol `yaml:"symbols"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
}

// LoadConfig는 설정 파일을 읽고 파싱합니다.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
		}
		return nil, err
	}

	return ParseConfig(data)
}

// ParseConfig parses YAML bytes, applies defaults and env overrides, then validates.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	// .env is optional; real environment variables win over it.
	_ = godotenv.Load()
	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Feed.ReconnectDelayMS == 0 {
		c.Feed.ReconnectDelayMS = 1000
	}
	if c.Feed.MaxReconnectDelayMS == 0 {
		c.Feed.MaxReconnectDelayMS = 60000
	}
	if c.Feed.PingIntervalSec == 0 {
		c.Feed.PingIntervalSec = 10
	}
	if c.Feed.ReadTimeoutSec == 0 {
		c.Feed.ReadTimeoutSec = 30
	}
	if c.Candles.FetchTimeoutMS == 0 {
		c.Candles.FetchTimeoutMS = 5000
	}
	if c.Candles.ShortTTLSec == 0 {
		c.Candles.ShortTTLSec = 60
	}
	if c.Candles.LongTTLSec == 0 {
		c.Candles.LongTTLSec = 3600
	}
	if c.Candles.RequestsPerMinute == 0 {
		c.Candles.RequestsPerMinute = 8
	}
	if c.Risk.StopOutLevel.IsZero() {
		c.Risk.StopOutLevel = decimal.NewFromInt(50)
	}
	if c.Risk.MarginCallLevel.IsZero() {
		c.Risk.MarginCallLevel = decimal.NewFromInt(80)
	}
	if c.Risk.LaneBuffer == 0 {
		c.Risk.LaneBuffer = 256
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.SessionBuffer == 0 {
		c.Server.SessionBuffer = 64
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/fxdesk.db"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if !hasPrefix(c.Feed.WSURL, "ws://") && !hasPrefix(c.Feed.WSURL, "wss://") {
		return &domain.ConfigError{Field: "feed.ws_url", Err: fmt.Errorf("invalid websocket URL %q", c.Feed.WSURL)}
	}
	if !hasPrefix(c.Candles.RestURL, "http://") && !hasPrefix(c.Candles.RestURL, "https://") {
		return &domain.ConfigError{Field: "candles.rest_url", Err: fmt.Errorf("invalid REST URL %q", c.Candles.RestURL)}
	}
	if c.Feed.ReconnectDelayMS < 0 || c.Feed.MaxReconnectDelayMS < c.Feed.ReconnectDelayMS {
		return &domain.ConfigError{Field: "feed.max_reconnect_delay_ms", Err: fmt.Errorf("must be >= reconnect_delay_ms")}
	}
	if c.Candles.ShortTTLSec <= 0 || c.Candles.LongTTLSec < c.Candles.ShortTTLSec {
		return &domain.ConfigError{Field: "candles.long_ttl_sec", Err: fmt.Errorf("ttls must be positive and long >= short")}
	}
	if c.Candles.RequestsPerMinute <= 0 || c.Candles.FetchTimeoutMS <= 0 {
		return &domain.ConfigError{Field: "candles", Err: fmt.Errorf("rate and timeout must be positive")}
	}
	if !c.Risk.StopOutLevel.LessThan(c.Risk.MarginCallLevel) {
		return &domain.ConfigError{Field: "risk.stop_out_level", Err: fmt.Errorf("must be below margin_call_level")}
	}
	for i := range c.Symbols {
		if err := c.Symbols[i].Validate(); err != nil {
			return &domain.ConfigError{Field: "symbols", Err: err}
		}
	}
	return nil
}

// FeedReconnectDelay returns the base reconnect delay.
func (c *Config) FeedReconnectDelay() time.Duration {
	return time.Duration(c.Feed.ReconnectDelayMS) * time.Millisecond
}

// FeedMaxReconnectDelay returns the backoff cap.
func (c *Config) FeedMaxReconnectDelay() time.Duration {
	return time.Duration(c.Feed.MaxReconnectDelayMS) * time.Millisecond
}

// CandleTTL returns the cache lifetime for an interval: short below one hour, long otherwise.
func (c *Config) CandleTTL(iv domain.Interval) time.Duration {
	if iv.Intraday() {
		return time.Duration(c.Candles.ShortTTLSec) * time.Second
	}
	return time.Duration(c.Candles.LongTTLSec) * time.Second
}

func hasPrefix(s, prefix string) bool {
	return strings.HasPrefix(s, prefix)
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) {
	if key := os.Getenv("FXDESK_FEED_API_KEY"); key != "" {
		cfg.Feed.APIKey = key
	}
	if key := os.Getenv("FXDESK_CANDLES_API_KEY"); key != "" {
		cfg.Candles.APIKey = key
	}
	if path := os.Getenv("FXDESK_DB_PATH"); path != "" {
		cfg.Storage.Path = path
	}
	if addr := os.Getenv("FXDESK_HTTP_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
}
