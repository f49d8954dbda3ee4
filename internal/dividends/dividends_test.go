package dividends_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/creatorbot/market-engine/internal/dividends"
	"github.com/creatorbot/market-engine/internal/ledger"
	"github.com/creatorbot/market-engine/internal/model"
	"github.com/creatorbot/market-engine/internal/store"
)

const guild = "g1"

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) Balance(_ context.Context, guildID, userID string) (decimal.Decimal, error) {
	args := m.Called(guildID, userID)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *mockLedger) Debit(_ context.Context, guildID, userID string, amount decimal.Decimal, reason string) error {
	return m.Called(guildID, userID, amount.String(), reason).Error(0)
}

func (m *mockLedger) Credit(_ context.Context, guildID, userID string, amount decimal.Decimal, reason string) error {
	return m.Called(guildID, userID, amount.String(), reason).Error(0)
}

var listed = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func seed(t *testing.T, ms *store.MemoryStore, id, symbol string, rate float64, holders map[string]int64) {
	t.Helper()
	ctx := context.Background()
	total := int64(1000)
	held := int64(0)
	for _, n := range holders {
		held += n
	}
	require.NoError(t, ms.CreateStock(ctx, &model.Stock{
		ID:              id,
		GuildID:         guild,
		Symbol:          symbol,
		CurrentPrice:    d(100),
		MinPrice:        d(1),
		MaxPrice:        d(1000),
		DividendRatePct: d(rate),
		TotalShares:     total,
		AvailableShares: total - held,
		Status:          model.StockActive,
		CreatedAt:       listed,
	}))
	for user, n := range holders {
		require.NoError(t, ms.SaveHolding(ctx, &model.Holding{
			GuildID:         guild,
			UserID:          user,
			StockID:         id,
			SharesOwned:     n,
			AverageBuyPrice: d(100),
			TotalInvested:   d(100).Mul(decimal.NewFromInt(n)),
		}, 0))
	}
}

func TestProcess_PaysEveryHolder(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, "s1", "DIV", 12, map[string]int64{"holder1": 10, "holder2": 5})
	coins := ledger.NewMemoryLedger(decimal.Zero)
	proc := dividends.New(ms, coins, nil)
	ctx := context.Background()

	rep, err := proc.Process(ctx, guild, "s1", 12)
	require.NoError(t, err)
	assert.False(t, rep.Partial)
	assert.True(t, rep.PerShare.Equal(d(1)), "per share %s", rep.PerShare)
	assert.True(t, rep.Total.Equal(d(15)))

	b1, _ := coins.Balance(ctx, guild, "holder1")
	b2, _ := coins.Balance(ctx, guild, "holder2")
	assert.True(t, b1.Equal(d(10)))
	assert.True(t, b2.Equal(d(5)))

	st, err := ms.GetStock(ctx, guild, "s1")
	require.NoError(t, err)
	assert.NotNil(t, st.LastDividendAt)

	txs, err := ms.ListTransactions(ctx, guild, "holder1", 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, model.TxDividend, txs[0].Kind)
	assert.True(t, txs[0].TotalCost.Equal(d(10)))
}

func TestProcess_HolderFailureIsIsolated(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, "s1", "DIV", 12, map[string]int64{"holder1": 10, "holder2": 5})
	coins := &mockLedger{}
	coins.On("Credit", guild, "holder1", "10", mock.Anything).Return(nil)
	coins.On("Credit", guild, "holder2", "5", mock.Anything).Return(errors.New("ledger unavailable"))
	proc := dividends.New(ms, coins, nil)
	ctx := context.Background()

	rep, err := proc.Process(ctx, guild, "s1", 12)
	require.NoError(t, err)
	assert.True(t, rep.Partial)
	require.Len(t, rep.Payouts, 1)
	assert.Equal(t, "holder1", rep.Payouts[0].UserID)
	assert.Contains(t, rep.Failed, "holder2")
	assert.Error(t, rep.Err)

	// The pass still completes.
	st, err := ms.GetStock(ctx, guild, "s1")
	require.NoError(t, err)
	assert.NotNil(t, st.LastDividendAt)
	coins.AssertExpectations(t)
}

func TestProcess_Validation(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, "s0", "ZERO", 0, nil)
	seed(t, ms, "s1", "DIV", 12, nil)
	proc := dividends.New(ms, ledger.NewMemoryLedger(decimal.Zero), nil)
	ctx := context.Background()

	_, err := proc.Process(ctx, guild, "s0", 12)
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = proc.Process(ctx, guild, "s1", 0)
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = proc.Process(ctx, guild, "missing", 12)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestDue(t *testing.T) {
	st := &model.Stock{DividendRatePct: d(12), Status: model.StockActive, CreatedAt: listed}
	period := dividends.Period(12)

	assert.False(t, dividends.Due(st, 12, listed.Add(period-time.Second)))
	assert.True(t, dividends.Due(st, 12, listed.Add(period)))

	paid := listed.Add(period)
	st.LastDividendAt = &paid
	assert.False(t, dividends.Due(st, 12, paid.Add(time.Hour)))

	st.Status = model.StockSuspended
	assert.False(t, dividends.Due(st, 12, paid.Add(2*period)))
}

func TestProcessDue(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, "s1", "DIV", 12, map[string]int64{"holder1": 10})
	seed(t, ms, "s2", "NODIV", 0, map[string]int64{"holder1": 10})
	coins := ledger.NewMemoryLedger(decimal.Zero)
	proc := dividends.New(ms, coins, nil)
	ctx := context.Background()

	reports, err := proc.ProcessDue(ctx, guild, listed.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, reports)

	due := listed.Add(dividends.Period(12))
	proc.SetClock(func() time.Time { return due })
	reports, err = proc.ProcessDue(ctx, guild, due)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "DIV", reports[0].Symbol)

	// Paid for this period.
	reports, err = proc.ProcessDue(ctx, guild, due.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, reports)

	bal, _ := coins.Balance(ctx, guild, "holder1")
	assert.True(t, bal.Equal(d(10)))
}

// slowLedger delays every credit so overlapping runs interleave.
type slowLedger struct {
	*ledger.MemoryLedger
	delay time.Duration
}

func (l slowLedger) Credit(ctx context.Context, guildID, userID string, amount decimal.Decimal, reason string) error {
	time.Sleep(l.delay)
	return l.MemoryLedger.Credit(ctx, guildID, userID, amount, reason)
}

func TestProcessDue_ConcurrentRunsPayOnce(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, "s1", "DIV", 12, map[string]int64{"holder1": 10})
	coins := ledger.NewMemoryLedger(decimal.Zero)
	proc := dividends.New(ms, slowLedger{MemoryLedger: coins, delay: 20 * time.Millisecond}, nil)
	due := listed.Add(dividends.Period(12))
	proc.SetClock(func() time.Time { return due })
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		reports []*dividends.Report
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reps, err := proc.ProcessDue(ctx, guild, due)
			assert.NoError(t, err)
			mu.Lock()
			reports = append(reports, reps...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, reports, 1)
	bal, _ := coins.Balance(ctx, guild, "holder1")
	assert.True(t, bal.Equal(d(10)), "holder1 paid %s for one period", bal)
}

func TestProcess_StaleClaimConflicts(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, "s1", "DIV", 12, map[string]int64{"holder1": 10})
	coins := ledger.NewMemoryLedger(decimal.Zero)
	proc := dividends.New(ms, coins, nil)
	ctx := context.Background()

	// Another run moved lastDividendAt after our snapshot was taken.
	paid := listed.Add(time.Hour)
	require.NoError(t, ms.ClaimDividend(ctx, guild, "s1", nil, paid))
	err := ms.ClaimDividend(ctx, guild, "s1", nil, paid.Add(time.Hour))
	assert.ErrorIs(t, err, model.ErrConflict)

	_, err = proc.Process(ctx, guild, "s1", 12)
	require.NoError(t, err)
	bal, _ := coins.Balance(ctx, guild, "holder1")
	assert.True(t, bal.Equal(d(10)))
}

// failingTxStore refuses to record transactions.
type failingTxStore struct {
	*store.MemoryStore
}

func (failingTxStore) InsertTransaction(context.Context, *model.Transaction) error {
	return errors.New("disk full")
}

func TestProcess_CreditedButUnrecorded(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, "s1", "DIV", 12, map[string]int64{"holder1": 10})
	coins := ledger.NewMemoryLedger(decimal.Zero)
	proc := dividends.New(failingTxStore{ms}, coins, nil)
	ctx := context.Background()

	rep, err := proc.Process(ctx, guild, "s1", 12)
	require.NoError(t, err)
	assert.Empty(t, rep.Failed)
	assert.Contains(t, rep.Unrecorded, "holder1")
	assert.False(t, rep.Partial)
	assert.Error(t, rep.Err)
	require.Len(t, rep.Payouts, 1)
	assert.True(t, rep.Total.Equal(d(10)))

	bal, _ := coins.Balance(ctx, guild, "holder1")
	assert.True(t, bal.Equal(d(10)))
}
