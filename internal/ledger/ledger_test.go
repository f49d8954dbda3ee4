package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creatorbot/market-engine/internal/ledger"
	"github.com/creatorbot/market-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestMemoryLedger_OpeningBalance(t *testing.T) {
	l := ledger.NewMemoryLedger(d(100))
	bal, err := l.Balance(context.Background(), "g1", "u1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(d(100)))
}

func TestMemoryLedger_DebitCredit(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger(d(100))

	require.NoError(t, l.Debit(ctx, "g1", "u1", d(40), "buy"))
	require.NoError(t, l.Credit(ctx, "g1", "u1", d(5.5), "dividend"))
	bal, _ := l.Balance(ctx, "g1", "u1")
	assert.True(t, bal.Equal(d(65.5)), "got %s", bal)

	err := l.Debit(ctx, "g1", "u1", d(70), "buy")
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)
	bal, _ = l.Balance(ctx, "g1", "u1")
	assert.True(t, bal.Equal(d(65.5)), "failed debit must not move the balance")

	// Wallets are per guild.
	other, _ := l.Balance(ctx, "g2", "u1")
	assert.True(t, other.Equal(d(100)))
}

func TestMemoryLedger_RejectsNegative(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger(d(100))
	assert.ErrorIs(t, l.Debit(ctx, "g1", "u1", d(-1), "x"), model.ErrValidation)
	assert.ErrorIs(t, l.Credit(ctx, "g1", "u1", d(-1), "x"), model.ErrValidation)
}

// slowLedger blocks every call until its context is done.
type slowLedger struct{}

func (slowLedger) Balance(ctx context.Context, _, _ string) (decimal.Decimal, error) {
	<-ctx.Done()
	return decimal.Zero, ctx.Err()
}

func (slowLedger) Debit(ctx context.Context, _, _ string, _ decimal.Decimal, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func (slowLedger) Credit(ctx context.Context, _, _ string, _ decimal.Decimal, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestTimeout_ReportsTransient(t *testing.T) {
	ctx := context.Background()
	l := ledger.WithTimeout(slowLedger{}, 5*time.Millisecond)

	_, err := l.Balance(ctx, "g1", "u1")
	assert.ErrorIs(t, err, model.ErrTransient)
	assert.ErrorIs(t, l.Debit(ctx, "g1", "u1", d(1), "buy"), model.ErrTransient)
	assert.ErrorIs(t, l.Credit(ctx, "g1", "u1", d(1), "sell"), model.ErrTransient)
}

func TestTimeout_PassesThrough(t *testing.T) {
	ctx := context.Background()
	l := ledger.WithTimeout(ledger.NewMemoryLedger(d(10)), time.Second)

	err := l.Debit(ctx, "g1", "u1", d(20), "buy")
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)
	assert.NotErrorIs(t, err, model.ErrTransient)
	require.NoError(t, l.Debit(ctx, "g1", "u1", d(4), "buy"))
	bal, err := l.Balance(ctx, "g1", "u1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(d(6)))
}
