// Package limits enforces the per-guild order size window. Every buy,
// whether placed directly or filled from a resting order, must have a
// notional cost inside [MinOrderAmount, MaxOrderAmount] of the guild's
// market config.
package limits

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/creatorbot/market-engine/internal/model"
)

var (
	// ErrBelowMinimum is returned when a trade's cost is under the minimum.
	ErrBelowMinimum = &model.ValidationError{Field: "amount", Reason: "below minimum order amount"}

	// ErrAboveMaximum is returned when a trade's cost exceeds the maximum.
	ErrAboveMaximum = &model.ValidationError{Field: "amount", Reason: "above maximum order amount"}
)

// OrderLimiter bounds the notional cost of a single trade.
type OrderLimiter struct {
	// Min is the smallest allowed cost. Zero disables the lower bound.
	Min decimal.Decimal

	// Max is the largest allowed cost. Zero disables the upper bound.
	Max decimal.Decimal
}

// NewOrderLimiter creates a limiter with the given cost window.
func NewOrderLimiter(min, max decimal.Decimal) *OrderLimiter {
	return &OrderLimiter{Min: min, Max: max}
}

// FromConfig builds the limiter for a guild's market config.
func FromConfig(cfg *model.MarketConfig) *OrderLimiter {
	return NewOrderLimiter(cfg.MinOrderAmount, cfg.MaxOrderAmount)
}

// CheckAmount validates a trade of shares at price. Both bounds are
// inclusive.
func (l *OrderLimiter) CheckAmount(shares int64, price decimal.Decimal) error {
	cost := price.Mul(decimal.NewFromInt(shares))

	if l.Min.IsPositive() && cost.LessThan(l.Min) {
		return fmt.Errorf("%w: cost %s < %s", ErrBelowMinimum, cost, l.Min)
	}
	if l.Max.IsPositive() && cost.GreaterThan(l.Max) {
		return fmt.Errorf("%w: cost %s > %s", ErrAboveMaximum, cost, l.Max)
	}
	return nil
}
