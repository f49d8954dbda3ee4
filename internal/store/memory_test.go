package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creatorbot/market-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedStock(t *testing.T, s *MemoryStore) *model.Stock {
	t.Helper()
	st := &model.Stock{
		ID:              "s1",
		GuildID:         "g1",
		Symbol:          "ACME",
		Name:            "Acme",
		CurrentPrice:    d(10),
		MinPrice:        d(1),
		MaxPrice:        d(100),
		TotalShares:     100,
		AvailableShares: 100,
		Status:          model.StockActive,
	}
	require.NoError(t, s.CreateStock(context.Background(), st))
	return st
}

func TestMemoryStore_StockScopedToGuild(t *testing.T) {
	s := NewMemoryStore()
	seedStock(t, s)
	ctx := context.Background()

	_, err := s.GetStock(ctx, "g2", "s1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	got, err := s.GetStockBySymbol(ctx, "g1", "ACME")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
}

func TestMemoryStore_UpdateStockPriceCompares(t *testing.T) {
	s := NewMemoryStore()
	seedStock(t, s)
	ctx := context.Background()
	now := time.Now()

	err := s.UpdateStockPrice(ctx, "g1", "s1", d(9), d(12), now)
	assert.ErrorIs(t, err, model.ErrConflict)

	require.NoError(t, s.UpdateStockPrice(ctx, "g1", "s1", d(10), d(12), now))
	got, err := s.GetStock(ctx, "g1", "s1")
	require.NoError(t, err)
	assert.True(t, got.CurrentPrice.Equal(d(12)))
	require.Len(t, got.PriceHistory, 1)
	assert.True(t, got.PriceHistory[0].Price.Equal(d(12)))
}

func TestMemoryStore_AdjustAvailableSharesBounds(t *testing.T) {
	s := NewMemoryStore()
	seedStock(t, s)
	ctx := context.Background()

	require.NoError(t, s.AdjustAvailableShares(ctx, "g1", "s1", -60))
	assert.ErrorIs(t, s.AdjustAvailableShares(ctx, "g1", "s1", -41), model.ErrInsufficientStock)
	assert.ErrorIs(t, s.AdjustAvailableShares(ctx, "g1", "s1", 61), model.ErrInsufficientStock)

	got, _ := s.GetStock(ctx, "g1", "s1")
	assert.Equal(t, int64(40), got.AvailableShares)
}

func TestMemoryStore_ResizeSupplyKeepsHeldShares(t *testing.T) {
	s := NewMemoryStore()
	seedStock(t, s)
	ctx := context.Background()
	require.NoError(t, s.AdjustAvailableShares(ctx, "g1", "s1", -70))

	assert.ErrorIs(t, s.ResizeSupply(ctx, "g1", "s1", 60), model.ErrInsufficientStock)
	require.NoError(t, s.ResizeSupply(ctx, "g1", "s1", 150))

	got, _ := s.GetStock(ctx, "g1", "s1")
	assert.Equal(t, int64(150), got.TotalShares)
	assert.Equal(t, int64(80), got.AvailableShares)
}

func TestMemoryStore_HoldingVersions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	h := &model.Holding{GuildID: "g1", UserID: "u1", StockID: "s1", SharesOwned: 5}

	require.NoError(t, s.SaveHolding(ctx, h, 0))
	assert.Equal(t, int64(1), h.Version)
	assert.ErrorIs(t, s.SaveHolding(ctx, &model.Holding{GuildID: "g1", UserID: "u1", StockID: "s1"}, 0), model.ErrConflict)

	h.SharesOwned = 8
	require.NoError(t, s.SaveHolding(ctx, h, 1))
	assert.ErrorIs(t, s.SaveHolding(ctx, h, 1), model.ErrConflict)

	assert.ErrorIs(t, s.DeleteHolding(ctx, "g1", "u1", "s1", 1), model.ErrConflict)
	require.NoError(t, s.DeleteHolding(ctx, "g1", "u1", "s1", 2))
	_, err := s.GetHolding(ctx, "g1", "u1", "s1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestMemoryStore_TransitionOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	o := &model.Order{ID: "o1", GuildID: "g1", UserID: "u1", StockID: "s1",
		Type: model.OrderLimitBuy, Shares: 1, TargetPrice: d(5), Status: model.OrderPending, CreatedAt: time.Now()}
	require.NoError(t, s.CreateOrder(ctx, o))
	assert.ErrorIs(t, s.CreateOrder(ctx, o), model.ErrDuplicate)

	require.NoError(t, s.TransitionOrder(ctx, "g1", "o1", model.OrderPending, model.OrderFilling, nil, "", time.Now()))
	err := s.TransitionOrder(ctx, "g1", "o1", model.OrderPending, model.OrderCancelled, nil, "", time.Now())
	assert.ErrorIs(t, err, model.ErrConflict)

	fill := d(4.5)
	require.NoError(t, s.TransitionOrder(ctx, "g1", "o1", model.OrderFilling, model.OrderExecuted, &fill, "", time.Now()))
	got, err := s.GetOrder(ctx, "g1", "o1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderExecuted, got.Status)
	assert.True(t, got.FillPrice.Equal(fill))
	assert.NotNil(t, got.ResolvedAt)

	_, err = s.GetOrder(ctx, "g2", "o1")
	assert.ErrorIs(t, err, model.ErrOrderNotFound)
}

func TestMemoryStore_PendingOrdersFIFO(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	at := time.Now()
	for _, id := range []string{"b", "a", "c"} {
		require.NoError(t, s.CreateOrder(ctx, &model.Order{ID: id, GuildID: "g1", StockID: "s1",
			Type: model.OrderLimitSell, Shares: 1, Status: model.OrderPending, CreatedAt: at}))
	}
	got, err := s.ListPendingOrders(ctx, "g1", "s1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"b", "a", "c"}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestMemoryStore_TransactionsNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	pl := d(3)
	for i, id := range []string{"t1", "t2", "t3"} {
		tx := &model.Transaction{ID: id, GuildID: "g1", UserID: "u1", Shares: int64(i + 1)}
		if id == "t2" {
			tx.RealizedPL = &pl
		}
		require.NoError(t, s.InsertTransaction(ctx, tx))
	}

	got, err := s.ListTransactions(ctx, "g1", "u1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "t3", got[0].ID)
	assert.Equal(t, "t2", got[1].ID)

	sums, err := s.SumRealizedPL(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, sums["u1"].Equal(pl))
}

func TestRetryOnConflict(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := RetryOnConflict(ctx, func() error {
		calls++
		if calls < 2 {
			return model.ErrConflict
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	err = RetryOnConflict(ctx, func() error {
		calls++
		return model.ErrConflict
	})
	assert.ErrorIs(t, err, model.ErrTransient)
	assert.Equal(t, ConflictAttempts, calls)

	boom := errors.New("boom")
	err = RetryOnConflict(ctx, func() error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestRetryOnConflict_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := RetryOnConflict(ctx, func() error { return model.ErrConflict })
	assert.ErrorIs(t, err, context.Canceled)
}
