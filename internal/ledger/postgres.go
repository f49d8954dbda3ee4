package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/creatorbot/market-engine/internal/model"
)

// PostgresLedger keeps balances in the wallets table. Debits are a single
// conditional UPDATE, so the balance never goes negative under concurrency.
type PostgresLedger struct {
	pool    *pgxpool.Pool
	opening decimal.Decimal
}

// NewPostgresLedger creates a wallet-table ledger. Wallets are opened lazily
// with the given balance.
func NewPostgresLedger(pool *pgxpool.Pool, opening decimal.Decimal) *PostgresLedger {
	return &PostgresLedger{pool: pool, opening: opening}
}

func (l *PostgresLedger) Balance(ctx context.Context, guildID, userID string) (decimal.Decimal, error) {
	var bal string
	err := l.pool.QueryRow(ctx,
		`SELECT balance::TEXT FROM wallets WHERE guild_id = $1 AND user_id = $2`,
		guildID, userID).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return l.opening, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(bal)
}

func (l *PostgresLedger) Debit(ctx context.Context, guildID, userID string, amount decimal.Decimal, _ string) error {
	if amount.IsNegative() {
		return model.Invalid("amount", "must not be negative")
	}
	if err := l.open(ctx, guildID, userID); err != nil {
		return err
	}
	cmd, err := l.pool.Exec(ctx,
		`UPDATE wallets SET balance = balance - $3::NUMERIC, updated_at = now()
		 WHERE guild_id = $1 AND user_id = $2 AND balance >= $3::NUMERIC`,
		guildID, userID, amount.String())
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("debit %s from %s: %w", amount, userID, model.ErrInsufficientFunds)
	}
	return nil
}

func (l *PostgresLedger) Credit(ctx context.Context, guildID, userID string, amount decimal.Decimal, _ string) error {
	if amount.IsNegative() {
		return model.Invalid("amount", "must not be negative")
	}
	_, err := l.pool.Exec(ctx,
		`INSERT INTO wallets (guild_id, user_id, balance) VALUES ($1, $2, $3::NUMERIC + $4::NUMERIC)
		 ON CONFLICT (guild_id, user_id)
		 DO UPDATE SET balance = wallets.balance + $4::NUMERIC, updated_at = now()`,
		guildID, userID, l.opening.String(), amount.String())
	return err
}

func (l *PostgresLedger) open(ctx context.Context, guildID, userID string) error {
	_, err := l.pool.Exec(ctx,
		`INSERT INTO wallets (guild_id, user_id, balance) VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (guild_id, user_id) DO NOTHING`,
		guildID, userID, l.opening.String())
	return err
}
