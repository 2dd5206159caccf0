package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"fxdesk/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Storage is the SQLite-backed store for reference data, the account
// ledger and the candle cache.
type Storage struct {
	db *gorm.DB
}

// candleSeriesMeta records when a (symbol, interval) series was cached.
type candleSeriesMeta struct {
	Symbol   string          `gorm:"primaryKey"`
	Interval domain.Interval `gorm:"primaryKey"`
	CachedAt time.Time
}

func (candleSeriesMeta) TableName() string { return "candle_series" }

// NewStorage opens (or creates) the database at path and migrates the schema.
func NewStorage(path string) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return newStorage(db)
}

func newStorage(db *gorm.DB) (*Storage, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sql.DB: %w", err)
	}
	// SQLite allows one writer; a single connection serializes transactions
	// instead of surfacing SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&domain.Symbol{},
		&domain.Account{},
		&domain.Order{},
		&domain.Position{},
		&domain.Trade{},
		&domain.Candle{},
		&candleSeriesMeta{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// Close releases the underlying connection.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Symbol Operations
// ======================================================================================

// UpsertSymbol creates or updates symbol reference data
func (s *Storage) UpsertSymbol(ctx context.Context, sym *domain.Symbol) error {
	return s.db.WithContext(ctx).Save(sym).Error
}

// GetSymbol retrieves a symbol by name
func (s *Storage) GetSymbol(ctx context.Context, name string) (*domain.Symbol, error) {
	var sym domain.Symbol
	err := s.db.WithContext(ctx).First(&sym, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownSymbol, name)
	}
	if err != nil {
		return nil, err
	}
	return &sym, nil
}

// ListSymbols retrieves all symbols
func (s *Storage) ListSymbols(ctx context.Context) ([]domain.Symbol, error) {
	var symbols []domain.Symbol
	err := s.db.WithContext(ctx).Order("name").Find(&symbols).Error
	return symbols, err
}

// ======================================================================================
// Ledger Operations
// ======================================================================================

// CreateAccount inserts a new account. Used by seeding and tests; account
// CRUD otherwise belongs to the surrounding platform.
func (s *Storage) CreateAccount(ctx context.Context, account *domain.Account) error {
	return s.db.WithContext(ctx).Create(account).Error
}

// GetAccount retrieves an account by id
func (s *Storage) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	var account domain.Account
	err := s.db.WithContext(ctx).First(&account, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// ListAccounts retrieves all accounts
func (s *Storage) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	var accounts []domain.Account
	err := s.db.WithContext(ctx).Find(&accounts).Error
	return accounts, err
}

// ListPositions retrieves the open positions of an account
func (s *Storage) ListPositions(ctx context.Context, accountID string) ([]domain.Position, error) {
	var positions []domain.Position
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Order("opened_at").Find(&positions).Error
	return positions, err
}

// SaveAccount writes the account's balance and margin fields
func (s *Storage) SaveAccount(ctx context.Context, account *domain.Account) error {
	return s.db.WithContext(ctx).Save(account).Error
}

// OpenPosition writes the filled order, the new position and the account in one transaction
func (s *Storage) OpenPosition(ctx context.Context, order *domain.Order, position *domain.Position, account *domain.Account) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		if err := tx.Create(position).Error; err != nil {
			return fmt.Errorf("insert position: %w", err)
		}
		if err := tx.Save(account).Error; err != nil {
			return fmt.Errorf("update account: %w", err)
		}
		return nil
	})
}

// SavePendingOrder writes a limit or stop order
func (s *Storage) SavePendingOrder(ctx context.Context, order *domain.Order) error {
	return s.db.WithContext(ctx).Create(order).Error
}

// GetOrder fetches an order by id
func (s *Storage) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var order domain.Order
	err := s.db.WithContext(ctx).First(&order, "id = ?", orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// CancelOrder moves a pending order to cancelled
func (s *Storage) CancelOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var order domain.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&order, "id = ? AND status = ?", orderID, domain.OrderStatusPending).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
		}
		if err != nil {
			return err
		}
		order.Status = domain.OrderStatusCancelled
		return tx.Save(&order).Error
	})
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ClosePosition appends the trade, removes the position and writes the account in one transaction
func (s *Storage) ClosePosition(ctx context.Context, trade *domain.Trade, account *domain.Account) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", trade.PositionID).Delete(&domain.Position{})
		if res.Error != nil {
			return fmt.Errorf("delete position: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", domain.ErrPositionNotFound, trade.PositionID)
		}
		if err := tx.Create(trade).Error; err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
		if err := tx.Save(account).Error; err != nil {
			return fmt.Errorf("update account: %w", err)
		}
		return nil
	})
}

// SaveMarks writes repriced positions and the recomputed account in one transaction
func (s *Storage) SaveMarks(ctx context.Context, positions []*domain.Position, account *domain.Account) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, p := range positions {
			err := tx.Model(&domain.Position{}).Where("id = ?", p.ID).Updates(map[string]any{
				"current_price": p.CurrentPrice,
				"profit":        p.Profit,
				"updated_at":    p.UpdatedAt,
			}).Error
			if err != nil {
				return fmt.Errorf("update position %s: %w", p.ID, err)
			}
		}
		return tx.Save(account).Error
	})
}

// ListTrades returns the closed-position ledger of an account, oldest first
func (s *Storage) ListTrades(ctx context.Context, accountID string) ([]domain.Trade, error) {
	var trades []domain.Trade
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Order("closed_at").Find(&trades).Error
	return trades, err
}

// ======================================================================================
// Candle Cache Operations
// ======================================================================================

// LoadCandles returns the cached series, or nil if nothing is cached for the key
func (s *Storage) LoadCandles(ctx context.Context, symbol string, interval domain.Interval) (*domain.CandleSeries, error) {
	var meta candleSeriesMeta
	err := s.db.WithContext(ctx).First(&meta, "symbol = ? AND interval = ?", symbol, interval).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not cached is not an error
	}
	if err != nil {
		return nil, err
	}

	var candles []domain.Candle
	err = s.db.WithContext(ctx).
		Where("symbol = ? AND interval = ?", symbol, interval).
		Order("time").
		Find(&candles).Error
	if err != nil {
		return nil, err
	}

	return &domain.CandleSeries{
		Symbol:   symbol,
		Interval: interval,
		Candles:  candles,
		CachedAt: meta.CachedAt,
	}, nil
}

// ReplaceCandles supersedes every cached row of the series key in one transaction
func (s *Storage) ReplaceCandles(ctx context.Context, series *domain.CandleSeries) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("symbol = ? AND interval = ?", series.Symbol, series.Interval).Delete(&domain.Candle{}).Error
		if err != nil {
			return fmt.Errorf("delete candles: %w", err)
		}

		if len(series.Candles) > 0 {
			rows := make([]domain.Candle, len(series.Candles))
			for i, c := range series.Candles {
				c.ID = 0
				c.Symbol = series.Symbol
				c.Interval = series.Interval
				rows[i] = c
			}
			if err := tx.CreateInBatches(rows, 200).Error; err != nil {
				return fmt.Errorf("insert candles: %w", err)
			}
		}

		meta := candleSeriesMeta{Symbol: series.Symbol, Interval: series.Interval, CachedAt: series.CachedAt}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&meta).Error
	})
}
