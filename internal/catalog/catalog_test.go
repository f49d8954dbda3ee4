package catalog_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creatorbot/market-engine/internal/catalog"
	"github.com/creatorbot/market-engine/internal/model"
	"github.com/creatorbot/market-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func baseInput(symbol string) catalog.CreateInput {
	return catalog.CreateInput{
		Symbol:          symbol,
		Name:            "Meme Corp",
		Price:           d(100),
		MinPrice:        d(10),
		MaxPrice:        d(500),
		VolatilityPct:   d(10),
		DividendRatePct: d(12),
		TotalShares:     1000,
	}
}

func TestNormalizeSymbol(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"meme", "MEME", false},
		{"  gg2 ", "GG2", false},
		{"CREATOR1", "CREATOR1", false},
		{"", "", true},
		{"TOOLONGXX", "", true},
		{"BAD-1", "", true},
		{"É", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := catalog.NormalizeSymbol(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, catalog.ErrInvalidSymbol)
				assert.ErrorIs(t, err, model.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	cat := catalog.New(store.NewMemoryStore(), nil)

	st, err := cat.Create(ctx, "g1", baseInput("meme"))
	require.NoError(t, err)

	assert.Equal(t, "MEME", st.Symbol)
	assert.Equal(t, model.StockActive, st.Status)
	assert.Equal(t, int64(1000), st.AvailableShares)
	require.Len(t, st.PriceHistory, 1)
	assert.True(t, st.PriceHistory[0].Price.Equal(d(100)))

	got, err := cat.GetBySymbol(ctx, "g1", "Meme")
	require.NoError(t, err)
	assert.Equal(t, st.ID, got.ID)
}

func TestCreate_DuplicateSymbolPerGuild(t *testing.T) {
	ctx := context.Background()
	cat := catalog.New(store.NewMemoryStore(), nil)

	_, err := cat.Create(ctx, "g1", baseInput("MEME"))
	require.NoError(t, err)

	_, err = cat.Create(ctx, "g1", baseInput("MEME"))
	assert.ErrorIs(t, err, model.ErrDuplicate)

	// Same symbol in another guild is fine.
	_, err = cat.Create(ctx, "g2", baseInput("MEME"))
	assert.NoError(t, err)
}

func TestCreate_Validation(t *testing.T) {
	ctx := context.Background()
	cat := catalog.New(store.NewMemoryStore(), nil)

	tests := []struct {
		name   string
		mutate func(*catalog.CreateInput)
	}{
		{"price above max", func(in *catalog.CreateInput) { in.Price = d(600) }},
		{"price below min", func(in *catalog.CreateInput) { in.Price = d(5) }},
		{"max below min", func(in *catalog.CreateInput) { in.MaxPrice = d(5) }},
		{"zero supply", func(in *catalog.CreateInput) { in.TotalShares = 0 }},
		{"volatility over 100", func(in *catalog.CreateInput) { in.VolatilityPct = d(101) }},
		{"negative dividend", func(in *catalog.CreateInput) { in.DividendRatePct = d(-1) }},
		{"missing name", func(in *catalog.CreateInput) { in.Name = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := baseInput("MEME")
			tt.mutate(&in)
			_, err := cat.Create(ctx, "g1", in)
			assert.ErrorIs(t, err, model.ErrValidation)
		})
	}
}

func TestUpdate_NarrowedBoundsClampPrice(t *testing.T) {
	ctx := context.Background()
	cat := catalog.New(store.NewMemoryStore(), nil)
	st, err := cat.Create(ctx, "g1", baseInput("MEME"))
	require.NoError(t, err)

	max := d(80)
	updated, err := cat.Update(ctx, "g1", st.ID, catalog.UpdateInput{MaxPrice: &max})
	require.NoError(t, err)

	assert.True(t, updated.CurrentPrice.Equal(d(80)), "price %s", updated.CurrentPrice)
	assert.Len(t, updated.PriceHistory, 2)
}

func TestDelist_IsFinal(t *testing.T) {
	ctx := context.Background()
	cat := catalog.New(store.NewMemoryStore(), nil)
	st, err := cat.Create(ctx, "g1", baseInput("MEME"))
	require.NoError(t, err)

	_, err = cat.Suspend(ctx, "g1", st.ID)
	require.NoError(t, err)
	_, err = cat.Activate(ctx, "g1", st.ID)
	require.NoError(t, err)

	delisted, err := cat.Delist(ctx, "g1", st.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StockDelisted, delisted.Status)

	_, err = cat.Activate(ctx, "g1", st.ID)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestResize_CannotDropBelowHeldShares(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	cat := catalog.New(ms, nil)
	st, err := cat.Create(ctx, "g1", baseInput("MEME"))
	require.NoError(t, err)

	// 600 shares are out with holders.
	require.NoError(t, ms.AdjustAvailableShares(ctx, "g1", st.ID, -600))

	_, err = cat.Resize(ctx, "g1", st.ID, 500)
	assert.ErrorIs(t, err, model.ErrInsufficientStock)

	grown, err := cat.Resize(ctx, "g1", st.ID, 1500)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), grown.TotalShares)
	assert.Equal(t, int64(900), grown.AvailableShares)
}

func TestBulkDelist_IsolatesFailures(t *testing.T) {
	ctx := context.Background()
	cat := catalog.New(store.NewMemoryStore(), nil)
	a, err := cat.Create(ctx, "g1", baseInput("AAA"))
	require.NoError(t, err)
	b, err := cat.Create(ctx, "g1", baseInput("BBB"))
	require.NoError(t, err)

	res := cat.BulkDelist(ctx, "g1", []string{a.ID, "missing", b.ID})

	assert.ElementsMatch(t, []string{a.ID, b.ID}, res.Succeeded)
	require.Contains(t, res.Failed, "missing")
	assert.True(t, errors.Is(res.Err, model.ErrNotFound))
}

func TestExportImport_RoundTrip(t *testing.T) {
	ctx := context.Background()
	src := catalog.New(store.NewMemoryStore(), nil)
	_, err := src.Create(ctx, "g1", baseInput("AAA"))
	require.NoError(t, err)
	b, err := src.Create(ctx, "g1", baseInput("BBB"))
	require.NoError(t, err)
	_, err = src.Suspend(ctx, "g1", b.ID)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, src.Export(ctx, "g1", &buf))
	assert.Contains(t, buf.String(), "symbol: AAA")

	dst := catalog.New(store.NewMemoryStore(), nil)
	report, err := dst.Import(ctx, "g2", &buf)
	require.NoError(t, err)
	require.NoError(t, report.Err)
	assert.ElementsMatch(t, []string{"AAA", "BBB"}, report.Created)

	imported, err := dst.GetBySymbol(ctx, "g2", "BBB")
	require.NoError(t, err)
	assert.Equal(t, model.StockSuspended, imported.Status)
	assert.True(t, imported.CurrentPrice.Equal(d(100)))
}

func TestImport_UpdatesExistingAndReportsFailures(t *testing.T) {
	ctx := context.Background()
	cat := catalog.New(store.NewMemoryStore(), nil)
	_, err := cat.Create(ctx, "g1", baseInput("AAA"))
	require.NoError(t, err)

	doc := `
guild_id: g1
stocks:
  - symbol: AAA
    name: Renamed
    price: 100
    min_price: 10
    max_price: 500
    volatility_pct: 5
    dividend_rate_pct: 0
    total_shares: 2000
  - symbol: not-valid
    name: Broken
    price: 1
    min_price: 1
    max_price: 2
    total_shares: 1
`
	report, err := cat.Import(ctx, "g1", strings.NewReader(doc))
	require.NoError(t, err)

	assert.Equal(t, []string{"AAA"}, report.Updated)
	assert.Contains(t, report.Failed, "not-valid")
	assert.ErrorIs(t, report.Err, model.ErrValidation)

	st, err := cat.GetBySymbol(ctx, "g1", "AAA")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", st.Name)
	assert.Equal(t, int64(2000), st.TotalShares)
	assert.Equal(t, int64(2000), st.AvailableShares)
}

func TestUpdateMarketConfig(t *testing.T) {
	ctx := context.Background()
	cat := catalog.New(store.NewMemoryStore(), nil)

	cfg, err := cat.MarketConfig(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.DividendUnitsPerYear)

	fee := d(2.5)
	units := 4
	cfg, err = cat.UpdateMarketConfig(ctx, "g1", catalog.ConfigInput{TradingFeePct: &fee, DividendUnitsPerYear: &units})
	require.NoError(t, err)
	assert.True(t, cfg.TradingFeePct.Equal(fee))

	again, err := cat.MarketConfig(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 4, again.DividendUnitsPerYear)

	bad := 0
	_, err = cat.UpdateMarketConfig(ctx, "g1", catalog.ConfigInput{TickIntervalMinutes: &bad})
	assert.ErrorIs(t, err, model.ErrValidation)
}
