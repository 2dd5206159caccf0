package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"fxdesk/internal/domain"
	"fxdesk/internal/engine"
	"fxdesk/internal/event"
	"fxdesk/internal/infra"
	"fxdesk/internal/infra/candles"
	"fxdesk/internal/infra/feed"
	"fxdesk/internal/infra/storage"
	"fxdesk/internal/server"
	"fxdesk/internal/service"
)

// DefaultConfigPath is where the binary looks for its configuration.
const DefaultConfigPath = "configs/config.yaml"

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config   *infra.Config
	Storage  *storage.Storage
	Metrics  *infra.Metrics
	Feed     *feed.Feed
	Quoter   *service.Quoter
	Registry *service.Registry
	Candles  *service.CandleCache
	Engine   *engine.Engine
	Gateway  *server.Gateway

	candleClient *candles.Client
	pinned       *pinnedSession
}

// pinnedSession holds registry interest on behalf of the engine, so symbols
// with open positions keep streaming when no client watches them.
type pinnedSession struct{}

func (pinnedSession) ID() string            { return "engine" }
func (pinnedSession) AccountID() string     { return "" }
func (pinnedSession) Send(msg []byte) error { return nil }

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{Metrics: infra.GlobalMetrics, pinned: &pinnedSession{}}
}

// Initialize loads config, opens storage, seeds reference data and wires
// the components together. Nothing connects upstream yet.
func (b *Bootstrap) Initialize(ctx context.Context, configPath string) error {
	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	slog.SetDefault(infra.NewLogger(cfg))
	slog.Info("🚀 Bootstrapping fxdesk...", slog.String("version", cfg.App.Version))

	// 3. Initialize Storage (DB)
	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Database initialized", slog.String("path", cfg.Storage.Path))

	// 4. Reference data
	if err := b.SeedSymbols(ctx); err != nil {
		return err
	}
	symbols, err := store.ListSymbols(ctx)
	if err != nil {
		return fmt.Errorf("list symbols: %w", err)
	}

	// 5. Components
	b.Quoter = service.NewQuoter(symbols)
	b.Feed = feed.NewFeed(feed.Config{
		URL:          cfg.Feed.WSURL,
		APIKey:       cfg.Feed.APIKey,
		BaseDelay:    cfg.FeedReconnectDelay(),
		MaxDelay:     cfg.FeedMaxReconnectDelay(),
		PingInterval: time.Duration(cfg.Feed.PingIntervalSec) * time.Second,
		ReadTimeout:  time.Duration(cfg.Feed.ReadTimeoutSec) * time.Second,
	}, b.Metrics)
	b.Registry = service.NewRegistry(b.Feed, b.Quoter, b.Metrics)

	b.candleClient = candles.NewClient(candles.Config{
		BaseURL:           cfg.Candles.RestURL,
		APIKey:            cfg.Candles.APIKey,
		Timeout:           time.Duration(cfg.Candles.FetchTimeoutMS) * time.Millisecond,
		RequestsPerMinute: cfg.Candles.RequestsPerMinute,
	})
	b.Candles = service.NewCandleCache(store, b.candleClient, cfg.CandleTTL,
		time.Duration(cfg.Candles.FetchTimeoutMS)*time.Millisecond, b.Metrics)

	b.Engine = engine.NewEngine(engine.Config{
		StopOutLevel:    cfg.Risk.StopOutLevel,
		MarginCallLevel: cfg.Risk.MarginCallLevel,
		LaneBuffer:      cfg.Risk.LaneBuffer,
		DumpDir:         filepath.Dir(cfg.Storage.Path),
	}, store, store, b.Quoter, b.Metrics, b.onEngineEvent)

	// Quotes first so the engine's price source is current when the lane runs.
	b.Feed.AddHandler(func(tick domain.Tick) { b.Registry.Dispatch(tick) })
	b.Feed.AddHandler(func(tick domain.Tick) { b.Engine.Submit(tick) })

	b.Gateway = server.NewGateway(b.Registry, b.Engine, b.Candles, b.Metrics, cfg.Server.SessionBuffer)
	slog.Info("✅ Components wired", slog.Int("symbols", len(symbols)))
	return nil
}

// SeedSymbols upserts the configured symbols into storage.
func (b *Bootstrap) SeedSymbols(ctx context.Context) error {
	now := time.Now().UTC()
	for i := range b.Config.Symbols {
		sym := b.Config.Symbols[i]
		sym.UpdatedAt = now
		if err := b.Storage.UpsertSymbol(ctx, &sym); err != nil {
			return fmt.Errorf("seed symbol %s: %w", sym.Name, err)
		}
	}
	slog.Info("✨ Symbols seeded", slog.Int("count", len(b.Config.Symbols)))
	return nil
}

// Start warms the engine from the ledger and pins the symbols it must watch.
func (b *Bootstrap) Start(ctx context.Context) error {
	if err := b.Engine.Load(ctx); err != nil {
		return fmt.Errorf("load engine: %w", err)
	}

	watch := append([]string{}, b.Config.Feed.Preload...)
	watch = append(watch, b.Engine.OpenSymbols()...)
	if len(watch) > 0 {
		accepted := b.Registry.AddInterest(b.pinned, watch)
		slog.Info("✅ Engine symbols pinned", slog.Any("symbols", accepted))
	}
	return nil
}

func (b *Bootstrap) onEngineEvent(ev event.Event) {
	if filled, ok := ev.(*event.OrderFilledEvent); ok {
		b.Registry.AddInterest(b.pinned, []string{filled.Position.Symbol})
	}
	b.Registry.DispatchAccount(ev)
}

// Close releases upstream connections and storage.
func (b *Bootstrap) Close() {
	if b.Feed != nil {
		b.Feed.Disconnect()
	}
	if b.Engine != nil {
		b.Engine.Stop()
	}
	if b.candleClient != nil {
		b.candleClient.Close()
	}
	if b.Storage != nil {
		if err := b.Storage.Close(); err != nil {
			slog.Warn("Failed to close storage", slog.Any("error", err))
		}
	}
}
