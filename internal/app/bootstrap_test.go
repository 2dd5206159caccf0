package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fxdesk/internal/domain"

	"github.com/shopspring/decimal"
)

const testConfig = `
app:
  name: fxdesk
  version: test
feed:
  ws_url: ws://127.0.0.1:1/quotes
  reconnect_delay_ms: 50
  max_reconnect_delay_ms: 100
candles:
  rest_url: http://127.0.0.1:1
storage:
  path: %s
logging:
  level: error
  file: %s
symbols:
  - name: EUR/USD
    asset_class: forex
    contract_size: 100000
    digits: 5
    spread: "0.0001"
    trading_hours:
      unlimited: true
  - name: GBP/USD
    asset_class: forex
    contract_size: 100000
    digits: 5
    trading_hours:
      unlimited: true
`

func newTestBootstrap(t *testing.T) *Bootstrap {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(testConfig, filepath.Join(dir, "fxdesk.db"), filepath.Join(dir, "fxdesk.log"))
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	b := NewBootstrap()
	if err := b.Initialize(context.Background(), path); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

func TestBootstrap_SeedsSymbols(t *testing.T) {
	b := newTestBootstrap(t)

	sym, err := b.Storage.GetSymbol(context.Background(), "EUR/USD")
	if err != nil {
		t.Fatalf("Symbol not seeded: %v", err)
	}
	if !sym.Spread.Equal(decimal.RequireFromString("0.0001")) {
		t.Errorf("Unexpected spread %s", sym.Spread)
	}
	if !b.Quoter.Known("GBP/USD") {
		t.Error("Quoter does not know seeded symbol")
	}
}

func TestBootstrap_StartPinsOpenPositions(t *testing.T) {
	b := newTestBootstrap(t)
	ctx := context.Background()

	acc := &domain.Account{ID: "acc-1", Balance: decimal.NewFromInt(10000), Leverage: 100}
	if err := b.Storage.CreateAccount(ctx, acc); err != nil {
		t.Fatal(err)
	}
	order := &domain.Order{ID: "ord-1", AccountID: "acc-1", Symbol: "GBP/USD", Side: domain.SideLong,
		Type: domain.OrderTypeMarket, Volume: decimal.NewFromInt(1), Status: domain.OrderStatusFilled}
	pos := &domain.Position{ID: "pos-1", AccountID: "acc-1", OrderID: "ord-1", Symbol: "GBP/USD",
		Side: domain.SideLong, Volume: decimal.NewFromInt(1), ContractSize: decimal.NewFromInt(100000),
		OpenPrice: decimal.RequireFromString("1.25"), CurrentPrice: decimal.RequireFromString("1.25"),
		MarginRequired: decimal.NewFromInt(1250), OpenedAt: time.Now()}
	if err := b.Storage.OpenPosition(ctx, order, pos, acc); err != nil {
		t.Fatal(err)
	}

	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if !b.Registry.Subscribed("GBP/USD") {
		t.Error("Symbol with open position not pinned")
	}
	if b.Registry.Subscribed("EUR/USD") {
		t.Error("Idle symbol should not be subscribed")
	}
	active := b.Feed.ActiveSymbols()
	if len(active) != 1 || active[0] != "GBP/USD" {
		t.Errorf("Expected feed to watch GBP/USD, got %v", active)
	}
}

func TestBootstrap_MissingConfig(t *testing.T) {
	b := NewBootstrap()
	if err := b.Initialize(context.Background(), filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Error("Expected error for missing config")
	}
}
