package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creatorbot/market-engine/internal/app"
	"github.com/creatorbot/market-engine/internal/catalog"
	"github.com/creatorbot/market-engine/internal/config"
)

func memoryConfig() config.Config {
	return config.Config{
		CacheTTL:        time.Second,
		TickResolution:  time.Second,
		TickConcurrency: 2,
		LedgerTimeout:   time.Second,
		DividendCron:    "0 0 * * * *",
		EventExpiryCron: "0 * * * * *",
		NotifyQueueSize: 16,
		StartingBalance: decimal.NewFromInt(500),
	}
}

func TestNew_InMemory(t *testing.T) {
	ctx := context.Background()
	a, err := app.New(ctx, memoryConfig(), nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Pool)
	assert.Nil(t, a.Redis)

	bal, err := a.Coins.Balance(ctx, "g1", "alice")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(500)))

	st, err := a.Catalog.Create(ctx, "g1", catalog.CreateInput{
		Symbol: "APP", Name: "App", Price: decimal.NewFromInt(10),
		MinPrice: decimal.NewFromInt(1), MaxPrice: decimal.NewFromInt(100),
		VolatilityPct: decimal.NewFromInt(5), TotalShares: 10,
	})
	require.NoError(t, err)

	_, err = a.Portfolio.Buy(ctx, "g1", "alice", st.ID, 2)
	require.NoError(t, err)

	rep, err := a.Prices.Tick(ctx, "g1")
	require.NoError(t, err)
	assert.Len(t, rep.Updated, 1)
}

func TestBackground_StopsWithContext(t *testing.T) {
	a, err := app.New(context.Background(), memoryConfig(), nil)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Background(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("background tasks did not stop")
	}
}

func TestAPI_Mounts(t *testing.T) {
	a, err := app.New(context.Background(), memoryConfig(), nil)
	require.NoError(t, err)
	defer a.Close()

	r := chi.NewRouter()
	r.Mount("/api/v1", a.API(nil, time.Second).Routes())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/guilds/g1/config", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
