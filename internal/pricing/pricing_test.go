package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// --- Fluctuation ---

func TestFluctuate_ZeroDrawKeepsPrice(t *testing.T) {
	got := Fluctuate(d(100), d(10), d(100), 0, d(1), d(1000))
	if !got.Equal(d(100)) {
		t.Errorf("expected 100, got %s", got)
	}
}

func TestFluctuate_FullDraw(t *testing.T) {
	// u=1, vol=10%, range=50% → delta = 0.05.
	up := Fluctuate(d(100), d(10), d(50), 1, d(1), d(1000))
	if !up.Equal(d(105)) {
		t.Errorf("expected 105, got %s", up)
	}
	down := Fluctuate(d(100), d(10), d(50), -1, d(1), d(1000))
	if !down.Equal(d(95)) {
		t.Errorf("expected 95, got %s", down)
	}
}

func TestFluctuate_ClampsToBounds(t *testing.T) {
	got := Fluctuate(d(100), d(50), d(100), 1, d(50), d(110))
	if !got.Equal(d(110)) {
		t.Errorf("expected clamp to max 110, got %s", got)
	}
	got = Fluctuate(d(100), d(90), d(100), -1, d(50), d(110))
	if !got.Equal(d(50)) {
		t.Errorf("expected clamp to min 50, got %s", got)
	}
}

// --- Clamp ---

func TestClamp_DegenerateBoundsUseFloor(t *testing.T) {
	got := Clamp(d(-5), d(0), d(0))
	if !got.Equal(PriceFloor) {
		t.Errorf("expected floor %s, got %s", PriceFloor, got)
	}
}

func TestClamp_InvertedRange(t *testing.T) {
	got := Clamp(d(500), d(20), d(10))
	if !got.Equal(d(20)) {
		t.Errorf("expected lower bound 20, got %s", got)
	}
}

func TestClamp_NeverLeavesBoundsAfterManyTicks(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		min := d(rapid.Float64Range(0, 500).Draw(t, "min"))
		max := min.Add(d(rapid.Float64Range(0, 500).Draw(t, "span")))
		vol := d(rapid.Float64Range(0, 100).Draw(t, "vol"))
		rng := d(rapid.Float64Range(0, 100).Draw(t, "range"))
		price := Clamp(d(rapid.Float64Range(0.01, 1000).Draw(t, "price")), min, max)

		lo := min
		if lo.LessThan(PriceFloor) {
			lo = PriceFloor
		}
		hi := max
		if hi.LessThan(lo) {
			hi = lo
		}

		ticks := rapid.IntRange(1, 200).Draw(t, "ticks")
		for i := 0; i < ticks; i++ {
			u := rapid.Float64Range(-1, 1).Draw(t, "u")
			price = Fluctuate(price, vol, rng, u, min, max)
			if price.LessThan(lo) || price.GreaterThan(hi) {
				t.Fatalf("tick %d: price %s outside [%s, %s]", i, price, lo, hi)
			}
			if !price.IsPositive() {
				t.Fatalf("tick %d: non-positive price %s", i, price)
			}
		}
	})
}

func TestUniform_Range(t *testing.T) {
	for i := 0; i < 1000; i++ {
		u := Uniform()
		if u < -1 || u >= 1 {
			t.Fatalf("draw %v outside [-1, 1)", u)
		}
	}
}

// --- Shock ---

func TestShock(t *testing.T) {
	tests := []struct {
		name             string
		price, mult, pct float64
		want             float64
	}{
		{"crash half", 100, 0.5, 0, 50},
		{"boom pct", 100, 1, 20, 120},
		{"combined", 100, 2, -10, 180},
		{"clamped high", 100, 10, 0, 500},
		{"clamped low", 100, 0.01, 0, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Shock(d(tt.price), d(tt.mult), d(tt.pct), d(5), d(500))
			if !got.Equal(d(tt.want)) {
				t.Errorf("expected %v, got %s", tt.want, got)
			}
		})
	}
}

// --- Fees and money ---

func TestFee_RoundsHalfUp(t *testing.T) {
	// 0.5% of 1.01 = 0.00505 → 0.01
	got := Fee(d(1.01), d(0.5))
	if !got.Equal(d(0.01)) {
		t.Errorf("expected 0.01, got %s", got)
	}
	// 1% of 1234.5 = 12.345 → 12.35
	got = Fee(d(1234.5), d(1))
	if !got.Equal(d(12.35)) {
		t.Errorf("expected 12.35, got %s", got)
	}
}

func TestFee_ZeroPct(t *testing.T) {
	if got := Fee(d(1000), d(0)); !got.IsZero() {
		t.Errorf("expected zero fee, got %s", got)
	}
}

func TestChangePct(t *testing.T) {
	if got := ChangePct(d(100), d(90)); !got.Equal(d(10)) {
		t.Errorf("expected 10, got %s", got)
	}
	if got := ChangePct(d(0), d(90)); !got.IsZero() {
		t.Errorf("expected 0 for zero baseline, got %s", got)
	}
}

// --- Dividends ---

func TestDividendPerShare_Monthly(t *testing.T) {
	got, err := DividendPerShare(d(100), d(12), 12)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d(1)) {
		t.Errorf("expected 1, got %s", got)
	}
}

func TestDividendPerShare_Quarterly(t *testing.T) {
	got, _ := DividendPerShare(d(100), d(12), 4)
	if !got.Equal(d(3)) {
		t.Errorf("expected 3, got %s", got)
	}
}

func TestDividendPerShare_InvalidUnits(t *testing.T) {
	if _, err := DividendPerShare(d(100), d(12), 0); err != ErrInvalidUnits {
		t.Errorf("expected ErrInvalidUnits, got %v", err)
	}
}
