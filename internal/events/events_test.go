package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creatorbot/market-engine/internal/events"
	"github.com/creatorbot/market-engine/internal/model"
	"github.com/creatorbot/market-engine/internal/store"
)

const guild = "g1"

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func addStock(t *testing.T, ms *store.MemoryStore, id, symbol string, price float64, status model.StockStatus) {
	t.Helper()
	require.NoError(t, ms.CreateStock(context.Background(), &model.Stock{
		ID:              id,
		GuildID:         guild,
		Symbol:          symbol,
		CurrentPrice:    d(price),
		MinPrice:        d(10),
		MaxPrice:        d(500),
		TotalShares:     100,
		AvailableShares: 100,
		Status:          status,
		CreatedAt:       time.Now(),
	}))
}

func price(t *testing.T, ms *store.MemoryStore, id string) decimal.Decimal {
	t.Helper()
	st, err := ms.GetStock(context.Background(), guild, id)
	require.NoError(t, err)
	return st.CurrentPrice
}

func TestCreate_SingleStockShock(t *testing.T) {
	ms := store.NewMemoryStore()
	addStock(t, ms, "a", "AAA", 100, model.StockActive)
	addStock(t, ms, "b", "BBB", 100, model.StockActive)
	eng := events.New(ms, nil)

	id := "a"
	res, err := eng.Create(context.Background(), events.CreateInput{
		GuildID:         guild,
		StockID:         &id,
		Type:            model.EventBoom,
		PriceMultiplier: d(1.5),
		PriceChangePct:  d(10),
	})
	require.NoError(t, err)

	// 100 × 1.5 × 1.1
	assert.True(t, price(t, ms, "a").Equal(d(165)))
	assert.True(t, price(t, ms, "b").Equal(d(100)))
	assert.Equal(t, []string{"a"}, res.Event.AffectedStocks)
	require.Len(t, res.Changes, 1)
	assert.True(t, res.Changes[0].OldPrice.Equal(d(100)))
	assert.Nil(t, res.Event.EndsAt)

	st, err := ms.GetStock(context.Background(), guild, "a")
	require.NoError(t, err)
	require.NotEmpty(t, st.PriceHistory)
	assert.True(t, st.PriceHistory[len(st.PriceHistory)-1].Price.Equal(d(165)))
}

func TestCreate_GuildWideShockSkipsInactive(t *testing.T) {
	ms := store.NewMemoryStore()
	addStock(t, ms, "a", "AAA", 100, model.StockActive)
	addStock(t, ms, "b", "BBB", 200, model.StockActive)
	addStock(t, ms, "c", "CCC", 100, model.StockSuspended)
	eng := events.New(ms, nil)

	res, err := eng.Create(context.Background(), events.CreateInput{
		GuildID:        guild,
		Type:           model.EventCrash,
		PriceChangePct: d(-95),
	})
	require.NoError(t, err)
	require.NoError(t, res.Err)

	// Both clamp to the configured minimum.
	assert.True(t, price(t, ms, "a").Equal(d(10)))
	assert.True(t, price(t, ms, "b").Equal(d(10)))
	assert.True(t, price(t, ms, "c").Equal(d(100)))
	assert.ElementsMatch(t, []string{"a", "b"}, res.Event.AffectedStocks)
	assert.Nil(t, res.Event.StockID)
}

func TestCreate_Validation(t *testing.T) {
	ms := store.NewMemoryStore()
	addStock(t, ms, "a", "AAA", 100, model.StockActive)
	addStock(t, ms, "s", "SUS", 100, model.StockSuspended)
	eng := events.New(ms, nil)
	ctx := context.Background()
	suspended := "s"

	tests := []struct {
		name string
		in   events.CreateInput
	}{
		{"unknown type", events.CreateInput{Type: "meteor"}},
		{"negative multiplier", events.CreateInput{Type: model.EventNews, PriceMultiplier: d(-1)}},
		{"total wipeout", events.CreateInput{Type: model.EventCrash, PriceChangePct: d(-100)}},
		{"negative duration", events.CreateInput{Type: model.EventNews, Duration: -time.Second}},
		{"suspended target", events.CreateInput{Type: model.EventNews, StockID: &suspended}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.in
			in.GuildID = guild
			_, err := eng.Create(ctx, in)
			assert.ErrorIs(t, err, model.ErrValidation)
		})
	}
	assert.True(t, price(t, ms, "a").Equal(d(100)))
}

func TestActiveAndExpireDue(t *testing.T) {
	ms := store.NewMemoryStore()
	addStock(t, ms, "a", "AAA", 100, model.StockActive)
	eng := events.New(ms, nil)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	eng.SetClock(func() time.Time { return now })

	_, err := eng.Create(ctx, events.CreateInput{GuildID: guild, Type: model.EventNews, Duration: time.Hour})
	require.NoError(t, err)
	_, err = eng.Create(ctx, events.CreateInput{GuildID: guild, Type: model.EventIPO})
	require.NoError(t, err)

	active, err := eng.Active(ctx, guild)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	n, err := eng.ExpireDue(ctx, now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = eng.ExpireDue(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	active, err = eng.Active(ctx, guild)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, model.EventIPO, active[0].Type)

	// Expiry never moves prices.
	assert.True(t, price(t, ms, "a").Equal(d(100)))
}
