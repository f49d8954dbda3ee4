// Package pricing holds the stateless price math of the market engine:
// random-walk fluctuation, event shocks, bound clamping, trading fees and
// dividend rates.
//
// All monetary values use shopspring/decimal, never float64 for money. The
// only float in this package is the uniform random draw, which is converted
// to decimal before it touches a price.
package pricing

import (
	"errors"
	"math/rand/v2"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidUnits is returned when a dividend schedule has no periods.
	ErrInvalidUnits = errors.New("pricing: dividend units per year must be positive")

	// PriceFloor is the lowest price ever emitted, used when the configured
	// bounds would allow zero or a negative price.
	PriceFloor = decimal.NewFromFloat(0.01)

	// PriceScale is the number of decimal places kept on prices.
	PriceScale int32 = 8

	// MoneyScale is the number of decimal places on coin amounts.
	MoneyScale int32 = 2

	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// Uniform returns a draw from [-1, 1).
func Uniform() float64 {
	return rand.Float64()*2 - 1
}

// Fluctuate applies one random-walk step:
//
//	delta    = u × volatilityPct/100 × rangePct/100
//	newPrice = clamp(price × (1 + delta), min, max)
//
// u must lie in [-1, 1].
func Fluctuate(price, volatilityPct, rangePct decimal.Decimal, u float64, min, max decimal.Decimal) decimal.Decimal {
	delta := decimal.NewFromFloat(u).
		Mul(volatilityPct).Div(hundred).
		Mul(rangePct).Div(hundred)
	return Clamp(price.Mul(one.Add(delta)), min, max)
}

// Shock applies an instantaneous event jump:
//
//	newPrice = clamp(price × multiplier × (1 + changePct/100), min, max)
func Shock(price, multiplier, changePct, min, max decimal.Decimal) decimal.Decimal {
	factor := one.Add(changePct.Div(hundred))
	return Clamp(price.Mul(multiplier).Mul(factor), min, max)
}

// Clamp bounds price to [min, max] and rounds it to PriceScale. The lower
// bound is never below PriceFloor, and an inverted range collapses onto its
// lower bound.
func Clamp(price, min, max decimal.Decimal) decimal.Decimal {
	lo := min
	if lo.LessThan(PriceFloor) {
		lo = PriceFloor
	}
	hi := max
	if hi.LessThan(lo) {
		hi = lo
	}

	p := price.Round(PriceScale)
	if p.LessThan(lo) {
		return lo
	}
	if p.GreaterThan(hi) {
		return hi
	}
	return p
}

// Fee computes cost × feePct / 100, rounded half-up to MoneyScale.
func Fee(cost, feePct decimal.Decimal) decimal.Decimal {
	if !feePct.IsPositive() {
		return decimal.Zero
	}
	return cost.Mul(feePct).Div(hundred).Round(MoneyScale)
}

// Money rounds an amount to MoneyScale.
func Money(v decimal.Decimal) decimal.Decimal {
	return v.Round(MoneyScale)
}

// ChangePct returns |price − baseline| / baseline × 100. A non-positive
// baseline yields zero.
func ChangePct(baseline, price decimal.Decimal) decimal.Decimal {
	if !baseline.IsPositive() {
		return decimal.Zero
	}
	return price.Sub(baseline).Abs().Div(baseline).Mul(hundred)
}

// DividendPerShare computes price × ratePct/100 / unitsPerYear.
func DividendPerShare(price, ratePct decimal.Decimal, unitsPerYear int) (decimal.Decimal, error) {
	if unitsPerYear <= 0 {
		return decimal.Zero, ErrInvalidUnits
	}
	return price.Mul(ratePct).Div(hundred).Div(decimal.NewFromInt(int64(unitsPerYear))), nil
}
