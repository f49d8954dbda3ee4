package alerts_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creatorbot/market-engine/internal/alerts"
	"github.com/creatorbot/market-engine/internal/model"
	"github.com/creatorbot/market-engine/internal/store"
)

const guild = "g1"

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func ptr(v decimal.Decimal) *decimal.Decimal { return &v }

func setup(t *testing.T) (*store.MemoryStore, *alerts.Engine) {
	t.Helper()
	ms := store.NewMemoryStore()
	require.NoError(t, ms.CreateStock(context.Background(), &model.Stock{
		ID:              "s1",
		GuildID:         guild,
		Symbol:          "ABC",
		CurrentPrice:    d(100),
		MinPrice:        d(1),
		MaxPrice:        d(1000),
		TotalShares:     100,
		AvailableShares: 100,
		Status:          model.StockActive,
		CreatedAt:       time.Now(),
	}))
	return ms, alerts.New(ms, nil)
}

func TestCreate_CapturesBaseline(t *testing.T) {
	_, eng := setup(t)

	a, err := eng.Create(context.Background(), alerts.CreateInput{
		GuildID: guild, UserID: "alice", StockID: "s1",
		Type: model.AlertChangePercent, ChangePct: ptr(d(10)),
	})
	require.NoError(t, err)
	assert.True(t, a.BaselinePrice.Equal(d(100)))
	assert.False(t, a.Notified)
	assert.Nil(t, a.TargetPrice)
}

func TestCreate_Validation(t *testing.T) {
	_, eng := setup(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   alerts.CreateInput
		want error
	}{
		{"above without target", alerts.CreateInput{Type: model.AlertAbove}, model.ErrValidation},
		{"below with zero target", alerts.CreateInput{Type: model.AlertBelow, TargetPrice: ptr(decimal.Zero)}, model.ErrValidation},
		{"change without pct", alerts.CreateInput{Type: model.AlertChangePercent}, model.ErrValidation},
		{"unknown type", alerts.CreateInput{Type: "sideways", TargetPrice: ptr(d(1))}, model.ErrValidation},
		{"missing stock", alerts.CreateInput{Type: model.AlertAbove, TargetPrice: ptr(d(1)), StockID: "nope"}, model.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.in
			in.GuildID, in.UserID = guild, "alice"
			if in.StockID == "" {
				in.StockID = "s1"
			}
			_, err := eng.Create(ctx, in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name  string
		alert model.PriceAlert
		price float64
		want  bool
	}{
		{"above hit", model.PriceAlert{Type: model.AlertAbove, TargetPrice: ptr(d(110))}, 110, true},
		{"above miss", model.PriceAlert{Type: model.AlertAbove, TargetPrice: ptr(d(110))}, 109.99, false},
		{"below hit", model.PriceAlert{Type: model.AlertBelow, TargetPrice: ptr(d(90))}, 85, true},
		{"below miss", model.PriceAlert{Type: model.AlertBelow, TargetPrice: ptr(d(90))}, 91, false},
		{"change up", model.PriceAlert{Type: model.AlertChangePercent, ChangePct: ptr(d(10)), BaselinePrice: d(100)}, 110, true},
		{"change down", model.PriceAlert{Type: model.AlertChangePercent, ChangePct: ptr(d(10)), BaselinePrice: d(100)}, 90, true},
		{"change small", model.PriceAlert{Type: model.AlertChangePercent, ChangePct: ptr(d(10)), BaselinePrice: d(100)}, 95, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, alerts.Matches(&tt.alert, d(tt.price)))
		})
	}
}

func TestCheck_FiresOnce(t *testing.T) {
	ms, eng := setup(t)
	ctx := context.Background()

	above, err := eng.Create(ctx, alerts.CreateInput{
		GuildID: guild, UserID: "alice", StockID: "s1",
		Type: model.AlertAbove, TargetPrice: ptr(d(120)),
	})
	require.NoError(t, err)
	_, err = eng.Create(ctx, alerts.CreateInput{
		GuildID: guild, UserID: "bob", StockID: "s1",
		Type: model.AlertBelow, TargetPrice: ptr(d(50)),
	})
	require.NoError(t, err)

	fired, err := eng.Check(ctx, guild, "s1", d(125))
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, above.ID, fired[0].ID)
	assert.True(t, fired[0].Notified)
	assert.NotNil(t, fired[0].NotifiedAt)

	fired, err = eng.Check(ctx, guild, "s1", d(130))
	require.NoError(t, err)
	assert.Empty(t, fired)

	active, err := ms.ListActiveAlerts(ctx, guild, "s1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "bob", active[0].UserID)
}

func TestCheck_ConcurrentFiresOnce(t *testing.T) {
	_, eng := setup(t)
	ctx := context.Background()

	_, err := eng.Create(ctx, alerts.CreateInput{
		GuildID: guild, UserID: "alice", StockID: "s1",
		Type: model.AlertChangePercent, ChangePct: ptr(d(5)),
	})
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fired, err := eng.Check(ctx, guild, "s1", d(80))
			assert.NoError(t, err)
			mu.Lock()
			total += len(fired)
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, total)
}
