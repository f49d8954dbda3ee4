// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceHistoryLimit is the number of ticks retained per stock.
const PriceHistoryLimit = 100

// StockStatus is the lifecycle state of a stock.
type StockStatus string

const (
	StockActive    StockStatus = "active"
	StockSuspended StockStatus = "suspended"
	StockDelisted  StockStatus = "delisted"
)

// Valid reports whether s is a known stock status.
func (s StockStatus) Valid() bool {
	switch s {
	case StockActive, StockSuspended, StockDelisted:
		return true
	}
	return false
}

// PricePoint is one entry of a stock's price history.
type PricePoint struct {
	Price decimal.Decimal `json:"price" yaml:"price"`
	At    time.Time       `json:"at" yaml:"at"`
}

// Stock is a guild-defined listing traded against the house.
// Invariant: AvailableShares + Σ holdings.SharesOwned == TotalShares.
type Stock struct {
	ID              string          `json:"id" db:"id"`
	GuildID         string          `json:"guild_id" db:"guild_id"`
	Symbol          string          `json:"symbol" db:"symbol"`
	Name            string          `json:"name" db:"name"`
	CurrentPrice    decimal.Decimal `json:"current_price" db:"current_price"`
	MinPrice        decimal.Decimal `json:"min_price" db:"min_price"`
	MaxPrice        decimal.Decimal `json:"max_price" db:"max_price"`
	VolatilityPct   decimal.Decimal `json:"volatility_pct" db:"volatility_pct"`
	DividendRatePct decimal.Decimal `json:"dividend_rate_pct" db:"dividend_rate_pct"`
	TotalShares     int64           `json:"total_shares" db:"total_shares"`
	AvailableShares int64           `json:"available_shares" db:"available_shares"`
	Status          StockStatus     `json:"status" db:"status"`
	PriceHistory    []PricePoint    `json:"price_history,omitempty"` // newest last
	LastDividendAt  *time.Time      `json:"last_dividend_at,omitempty" db:"last_dividend_at"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// AppendHistory appends p and drops the oldest points beyond PriceHistoryLimit.
func AppendHistory(history []PricePoint, p PricePoint) []PricePoint {
	history = append(history, p)
	if over := len(history) - PriceHistoryLimit; over > 0 {
		trimmed := make([]PricePoint, PriceHistoryLimit)
		copy(trimmed, history[over:])
		history = trimmed
	}
	return history
}

// Holding is a user's open position in one stock. Version is the optimistic
// concurrency token; every successful write increments it.
type Holding struct {
	GuildID         string          `json:"guild_id" db:"guild_id"`
	UserID          string          `json:"user_id" db:"user_id"`
	StockID         string          `json:"stock_id" db:"stock_id"`
	SharesOwned     int64           `json:"shares_owned" db:"shares_owned"`
	AverageBuyPrice decimal.Decimal `json:"average_buy_price" db:"average_buy_price"`
	TotalInvested   decimal.Decimal `json:"total_invested" db:"total_invested"`
	TotalRealizedPL decimal.Decimal `json:"total_realized_pl" db:"total_realized_pl"`
	Version         int64           `json:"version" db:"version"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// OrderType is the kind of resting conditional order.
type OrderType string

const (
	OrderLimitBuy   OrderType = "limitBuy"
	OrderLimitSell  OrderType = "limitSell"
	OrderStopLoss   OrderType = "stopLoss"
	OrderStopProfit OrderType = "stopProfit"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	switch t {
	case OrderLimitBuy, OrderLimitSell, OrderStopLoss, OrderStopProfit:
		return true
	}
	return false
}

// IsBuy reports whether a fill of this order type buys shares.
func (t OrderType) IsBuy() bool { return t == OrderLimitBuy }

// OrderStatus is the state of an order. Filling is a transient claim held
// while the trade executes; every other non-pending state is terminal.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderFilling   OrderStatus = "filling"
	OrderExecuted  OrderStatus = "executed"
	OrderCancelled OrderStatus = "cancelled"
	OrderExpired   OrderStatus = "expired"
	OrderFailed    OrderStatus = "failed"
)

// Terminal reports whether s can never change again.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderExecuted, OrderCancelled, OrderExpired, OrderFailed:
		return true
	}
	return false
}

// Order is a resting conditional order filled against the house price feed.
type Order struct {
	ID            string           `json:"id" db:"id"`
	GuildID       string           `json:"guild_id" db:"guild_id"`
	UserID        string           `json:"user_id" db:"user_id"`
	StockID       string           `json:"stock_id" db:"stock_id"`
	Type          OrderType        `json:"type" db:"type"`
	Shares        int64            `json:"shares" db:"shares"`
	TargetPrice   decimal.Decimal  `json:"target_price" db:"target_price"`
	Status        OrderStatus      `json:"status" db:"status"`
	FailureReason string           `json:"failure_reason,omitempty" db:"failure_reason"`
	FillPrice     *decimal.Decimal `json:"fill_price,omitempty" db:"fill_price"`
	ExpiresAt     *time.Time       `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`
	ResolvedAt    *time.Time       `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Triggered reports whether price satisfies the order's trigger condition.
func (o *Order) Triggered(price decimal.Decimal) bool {
	switch o.Type {
	case OrderLimitBuy, OrderStopLoss:
		return price.LessThanOrEqual(o.TargetPrice)
	case OrderLimitSell, OrderStopProfit:
		return price.GreaterThanOrEqual(o.TargetPrice)
	}
	return false
}

// Expired reports whether the order's expiry has passed at now.
func (o *Order) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !now.Before(*o.ExpiresAt)
}

// TransactionKind classifies a ledger row.
type TransactionKind string

const (
	TxBuy      TransactionKind = "buy"
	TxSell     TransactionKind = "sell"
	TxDividend TransactionKind = "dividend"
	TxRollback TransactionKind = "rollback"
)

// Transaction is an immutable record of a trade, payout or compensation.
// Once created, these are never modified or deleted.
type Transaction struct {
	ID            string           `json:"id" db:"id"`
	GuildID       string           `json:"guild_id" db:"guild_id"`
	UserID        string           `json:"user_id" db:"user_id"`
	StockID       string           `json:"stock_id" db:"stock_id"`
	Kind          TransactionKind  `json:"kind" db:"kind"`
	Shares        int64            `json:"shares" db:"shares"`
	PricePerShare decimal.Decimal  `json:"price_per_share" db:"price_per_share"`
	TotalCost     decimal.Decimal  `json:"total_cost" db:"total_cost"`
	Fee           decimal.Decimal  `json:"fee" db:"fee"`
	RealizedPL    *decimal.Decimal `json:"realized_pl,omitempty" db:"realized_pl"`
	Note          string           `json:"note,omitempty" db:"note"`
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`
}

// EventType is the kind of market event.
type EventType string

const (
	EventIPO      EventType = "ipo"
	EventSplit    EventType = "split"
	EventCrash    EventType = "crash"
	EventBoom     EventType = "boom"
	EventDividend EventType = "dividend"
	EventNews     EventType = "news"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventIPO, EventSplit, EventCrash, EventBoom, EventDividend, EventNews:
		return true
	}
	return false
}

// MarketEvent records an instantaneous price shock. StockID nil means the
// shock was applied to every active stock of the guild.
type MarketEvent struct {
	ID              string          `json:"id" db:"id"`
	GuildID         string          `json:"guild_id" db:"guild_id"`
	StockID         *string         `json:"stock_id,omitempty" db:"stock_id"`
	Type            EventType       `json:"type" db:"type"`
	Description     string          `json:"description,omitempty" db:"description"`
	PriceMultiplier decimal.Decimal `json:"price_multiplier" db:"price_multiplier"`
	PriceChangePct  decimal.Decimal `json:"price_change_pct" db:"price_change_pct"`
	AffectedStocks  []string        `json:"affected_stocks"`
	IsActive        bool            `json:"is_active" db:"is_active"`
	EndsAt          *time.Time      `json:"ends_at,omitempty" db:"ends_at"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// AlertType is the condition a price alert watches for.
type AlertType string

const (
	AlertAbove         AlertType = "above"
	AlertBelow         AlertType = "below"
	AlertChangePercent AlertType = "changePercent"
)

// Valid reports whether t is a known alert type.
func (t AlertType) Valid() bool {
	switch t {
	case AlertAbove, AlertBelow, AlertChangePercent:
		return true
	}
	return false
}

// PriceAlert is a one-shot user alert. BaselinePrice is the stock price when
// the alert was created.
type PriceAlert struct {
	ID            string           `json:"id" db:"id"`
	GuildID       string           `json:"guild_id" db:"guild_id"`
	UserID        string           `json:"user_id" db:"user_id"`
	StockID       string           `json:"stock_id" db:"stock_id"`
	Type          AlertType        `json:"type" db:"type"`
	TargetPrice   *decimal.Decimal `json:"target_price,omitempty" db:"target_price"`
	ChangePct     *decimal.Decimal `json:"change_pct,omitempty" db:"change_pct"`
	BaselinePrice decimal.Decimal  `json:"baseline_price" db:"baseline_price"`
	Notified      bool             `json:"notified" db:"notified"`
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`
	NotifiedAt    *time.Time       `json:"notified_at,omitempty" db:"notified_at"`
}

// MarketConfig holds the per-guild market settings.
type MarketConfig struct {
	GuildID                string          `json:"guild_id" db:"guild_id"`
	Enabled                bool            `json:"enabled" db:"enabled"`
	TradingFeePct          decimal.Decimal `json:"trading_fee_pct" db:"trading_fee_pct"`
	TickIntervalMinutes    int             `json:"tick_interval_minutes" db:"tick_interval_minutes"`
	MinOrderAmount         decimal.Decimal `json:"min_order_amount" db:"min_order_amount"`
	MaxOrderAmount         decimal.Decimal `json:"max_order_amount" db:"max_order_amount"`
	FluctuationRangePct    decimal.Decimal `json:"fluctuation_range_pct" db:"fluctuation_range_pct"`
	AutoFluctuationEnabled bool            `json:"auto_fluctuation_enabled" db:"auto_fluctuation_enabled"`
	DividendUnitsPerYear   int             `json:"dividend_units_per_year" db:"dividend_units_per_year"`
	NotificationChannelID  string          `json:"notification_channel_id,omitempty" db:"notification_channel_id"`
}

// DefaultMarketConfig returns the settings used for guilds that have not
// configured their market yet.
func DefaultMarketConfig(guildID string) *MarketConfig {
	return &MarketConfig{
		GuildID:                guildID,
		Enabled:                true,
		TradingFeePct:          decimal.NewFromInt(1),
		TickIntervalMinutes:    5,
		MinOrderAmount:         decimal.NewFromInt(1),
		MaxOrderAmount:         decimal.NewFromInt(1_000_000),
		FluctuationRangePct:    decimal.NewFromInt(100),
		AutoFluctuationEnabled: true,
		DividendUnitsPerYear:   12,
	}
}

// TickInterval returns the configured tick period.
func (c *MarketConfig) TickInterval() time.Duration {
	if c.TickIntervalMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.TickIntervalMinutes) * time.Minute
}

// PositionView is a holding marked to the current stock price.
type PositionView struct {
	StockID         string          `json:"stock_id"`
	Symbol          string          `json:"symbol"`
	Name            string          `json:"name"`
	SharesOwned     int64           `json:"shares_owned"`
	AverageBuyPrice decimal.Decimal `json:"average_buy_price"`
	CurrentPrice    decimal.Decimal `json:"current_price"`
	TotalInvested   decimal.Decimal `json:"total_invested"`
	MarketValue     decimal.Decimal `json:"market_value"`
	UnrealizedPL    decimal.Decimal `json:"unrealized_pl"`
	RealizedPL      decimal.Decimal `json:"realized_pl"`
}

// Portfolio aggregates all positions for a user with P&L.
type Portfolio struct {
	GuildID       string          `json:"guild_id"`
	UserID        string          `json:"user_id"`
	Positions     []PositionView  `json:"positions"`
	MarketValue   decimal.Decimal `json:"market_value"`
	TotalInvested decimal.Decimal `json:"total_invested"`
	UnrealizedPL  decimal.Decimal `json:"unrealized_pl"`
	RealizedPL    decimal.Decimal `json:"realized_pl"` // Σ over the transaction log, closed lots included
}

// LeaderboardRow ranks a user by the market value of their holdings.
type LeaderboardRow struct {
	Rank        int             `json:"rank"`
	UserID      string          `json:"user_id"`
	MarketValue decimal.Decimal `json:"market_value"`
	RealizedPL  decimal.Decimal `json:"realized_pl"`
}
