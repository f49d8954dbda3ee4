package catalog

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/creatorbot/market-engine/internal/model"
	"github.com/creatorbot/market-engine/internal/store"
)

// ConfigInput carries optional market config changes.
type ConfigInput struct {
	Enabled                *bool
	TradingFeePct          *decimal.Decimal
	TickIntervalMinutes    *int
	MinOrderAmount         *decimal.Decimal
	MaxOrderAmount         *decimal.Decimal
	FluctuationRangePct    *decimal.Decimal
	AutoFluctuationEnabled *bool
	DividendUnitsPerYear   *int
	NotificationChannelID  *string
}

// MarketConfig returns the guild's settings, or the defaults if the guild
// has never configured its market.
func (c *Catalog) MarketConfig(ctx context.Context, guildID string) (*model.MarketConfig, error) {
	return store.MarketConfig(ctx, c.store, guildID)
}

// UpdateMarketConfig validates and persists a config change.
func (c *Catalog) UpdateMarketConfig(ctx context.Context, guildID string, in ConfigInput) (*model.MarketConfig, error) {
	cfg, err := c.MarketConfig(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if in.Enabled != nil {
		cfg.Enabled = *in.Enabled
	}
	if in.TradingFeePct != nil {
		cfg.TradingFeePct = *in.TradingFeePct
	}
	if in.TickIntervalMinutes != nil {
		cfg.TickIntervalMinutes = *in.TickIntervalMinutes
	}
	if in.MinOrderAmount != nil {
		cfg.MinOrderAmount = *in.MinOrderAmount
	}
	if in.MaxOrderAmount != nil {
		cfg.MaxOrderAmount = *in.MaxOrderAmount
	}
	if in.FluctuationRangePct != nil {
		cfg.FluctuationRangePct = *in.FluctuationRangePct
	}
	if in.AutoFluctuationEnabled != nil {
		cfg.AutoFluctuationEnabled = *in.AutoFluctuationEnabled
	}
	if in.DividendUnitsPerYear != nil {
		cfg.DividendUnitsPerYear = *in.DividendUnitsPerYear
	}
	if in.NotificationChannelID != nil {
		cfg.NotificationChannelID = *in.NotificationChannelID
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	if err := c.store.UpsertMarketConfig(ctx, cfg); err != nil {
		return nil, err
	}
	c.log.Info("market config updated",
		"guild_id", guildID,
		"enabled", cfg.Enabled,
		"fee_pct", cfg.TradingFeePct.String(),
		"tick_interval_minutes", cfg.TickIntervalMinutes,
	)
	return cfg, nil
}

func validateConfig(cfg *model.MarketConfig) error {
	switch {
	case cfg.TradingFeePct.IsNegative() || cfg.TradingFeePct.GreaterThan(hundred):
		return model.Invalid("trading_fee_pct", "%s outside [0, 100]", cfg.TradingFeePct)
	case cfg.TickIntervalMinutes < 1:
		return model.Invalid("tick_interval_minutes", "must be at least 1")
	case cfg.MinOrderAmount.IsNegative():
		return model.Invalid("min_order_amount", "must not be negative")
	case cfg.MaxOrderAmount.IsPositive() && cfg.MaxOrderAmount.LessThan(cfg.MinOrderAmount):
		return model.Invalid("max_order_amount", "must be at least min_order_amount")
	case cfg.FluctuationRangePct.IsNegative():
		return model.Invalid("fluctuation_range_pct", "must not be negative")
	case cfg.DividendUnitsPerYear < 1:
		return model.Invalid("dividend_units_per_year", "must be at least 1")
	}
	return nil
}
