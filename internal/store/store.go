// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every mutation that can race is a conditional write: share supply is
// adjusted with a bounds check at write time, holdings carry a version,
// orders and alerts move between states with compare-and-swap and prices
// are replaced only if they still hold the expected value. A failed
// expectation returns model.ErrConflict.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/creatorbot/market-engine/internal/model"
)

// ConfigStore persists per-guild market settings.
type ConfigStore interface {
	// GetMarketConfig returns model.ErrNotFound for unconfigured guilds.
	GetMarketConfig(ctx context.Context, guildID string) (*model.MarketConfig, error)
	UpsertMarketConfig(ctx context.Context, cfg *model.MarketConfig) error
	// ListGuilds returns every guild with a market config.
	ListGuilds(ctx context.Context) ([]string, error)
}

// StockStore persists the stock catalog.
type StockStore interface {
	// CreateStock returns model.ErrDuplicate if the symbol is taken in the guild.
	CreateStock(ctx context.Context, s *model.Stock) error
	// GetStock returns the stock including its price history.
	GetStock(ctx context.Context, guildID, stockID string) (*model.Stock, error)
	GetStockBySymbol(ctx context.Context, guildID, symbol string) (*model.Stock, error)
	// ListStocks returns the guild's stocks without price history, ordered
	// by symbol. An empty status list returns every status.
	ListStocks(ctx context.Context, guildID string, statuses ...model.StockStatus) ([]model.Stock, error)

	// UpdateStockDetails writes name, bounds, volatility, dividend rate and
	// status. Price and share fields are left untouched.
	UpdateStockDetails(ctx context.Context, s *model.Stock) error

	// UpdateStockPrice replaces the current price if it still equals
	// expected, and appends (price, at) to the bounded history.
	UpdateStockPrice(ctx context.Context, guildID, stockID string, expected, price decimal.Decimal, at time.Time) error

	// AdjustAvailableShares adds delta to the available supply. It returns
	// model.ErrInsufficientStock if the result would leave [0, totalShares].
	AdjustAvailableShares(ctx context.Context, guildID, stockID string, delta int64) error

	// ResizeSupply sets totalShares and moves availableShares by the same
	// delta; fails with model.ErrInsufficientStock if held shares exceed total.
	ResizeSupply(ctx context.Context, guildID, stockID string, total int64) error

	// ClaimDividend sets lastDividendAt to at if it still equals expected
	// (nil meaning never paid); otherwise it fails with model.ErrConflict.
	ClaimDividend(ctx context.Context, guildID, stockID string, expected *time.Time, at time.Time) error
}

// HoldingStore persists user positions with optimistic concurrency.
type HoldingStore interface {
	GetHolding(ctx context.Context, guildID, userID, stockID string) (*model.Holding, error)

	// SaveHolding inserts h when expectedVersion is 0, otherwise updates the
	// row whose version equals expectedVersion. On success h.Version is set
	// to the new version.
	SaveHolding(ctx context.Context, h *model.Holding, expectedVersion int64) error

	// DeleteHolding removes the row if its version equals expectedVersion.
	DeleteHolding(ctx context.Context, guildID, userID, stockID string, expectedVersion int64) error

	ListUserHoldings(ctx context.Context, guildID, userID string) ([]model.Holding, error)
	ListStockHoldings(ctx context.Context, guildID, stockID string) ([]model.Holding, error)
	ListGuildHoldings(ctx context.Context, guildID string) ([]model.Holding, error)
}

// TransactionStore is the append-only transaction log.
type TransactionStore interface {
	InsertTransaction(ctx context.Context, tx *model.Transaction) error
	// ListTransactions returns the newest entries first. limit <= 0 means all.
	ListTransactions(ctx context.Context, guildID, userID string, limit int) ([]model.Transaction, error)
	// SumRealizedPL sums realized P/L per user over the guild's log.
	SumRealizedPL(ctx context.Context, guildID string) (map[string]decimal.Decimal, error)
}

// OrderStore persists conditional orders.
type OrderStore interface {
	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, guildID, orderID string) (*model.Order, error)
	// ListPendingOrders returns pending orders for a stock in FIFO creation order.
	ListPendingOrders(ctx context.Context, guildID, stockID string) ([]model.Order, error)
	ListUserOrders(ctx context.Context, guildID, userID string) ([]model.Order, error)
	// ListOrdersByStatus returns a guild's orders in status, oldest first.
	ListOrdersByStatus(ctx context.Context, guildID string, status model.OrderStatus) ([]model.Order, error)

	// TransitionOrder moves an order from one status to another. It returns
	// model.ErrConflict if the stored status is not from. fillPrice and
	// reason are recorded when set.
	TransitionOrder(ctx context.Context, guildID, orderID string, from, to model.OrderStatus, fillPrice *decimal.Decimal, reason string, at time.Time) error
}

// EventStore persists market events.
type EventStore interface {
	CreateEvent(ctx context.Context, e *model.MarketEvent) error
	ListActiveEvents(ctx context.Context, guildID string, now time.Time) ([]model.MarketEvent, error)
	// DeactivateExpiredEvents clears isActive on events whose endsAt passed.
	DeactivateExpiredEvents(ctx context.Context, now time.Time) (int, error)
}

// AlertStore persists price alerts.
type AlertStore interface {
	CreateAlert(ctx context.Context, a *model.PriceAlert) error
	// ListActiveAlerts returns the stock's alerts that have not fired.
	ListActiveAlerts(ctx context.Context, guildID, stockID string) ([]model.PriceAlert, error)
	ListUserAlerts(ctx context.Context, guildID, userID string) ([]model.PriceAlert, error)
	// MarkAlertNotified flips notified false→true; model.ErrConflict if it
	// already fired.
	MarkAlertNotified(ctx context.Context, guildID, alertID string, at time.Time) error
}

// Store is the full persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	ConfigStore
	StockStore
	HoldingStore
	TransactionStore
	OrderStore
	EventStore
	AlertStore
}

// MarketConfig returns the guild's config, falling back to the defaults for
// guilds that never saved one.
func MarketConfig(ctx context.Context, st ConfigStore, guildID string) (*model.MarketConfig, error) {
	cfg, err := st.GetMarketConfig(ctx, guildID)
	if err == nil {
		return cfg, nil
	}
	if isNotFound(err) {
		return model.DefaultMarketConfig(guildID), nil
	}
	return nil, err
}
