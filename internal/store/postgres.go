package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/creatorbot/market-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Migrate applies the embedded schema. Statements are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// scanner is satisfied by pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// --- Market config ---

const configColumns = `guild_id, enabled, trading_fee_pct::TEXT, tick_interval_minutes,
	min_order_amount::TEXT, max_order_amount::TEXT, fluctuation_range_pct::TEXT,
	auto_fluctuation_enabled, dividend_units_per_year, notification_channel_id`

func (s *PostgresStore) GetMarketConfig(ctx context.Context, guildID string) (*model.MarketConfig, error) {
	var c model.MarketConfig
	var fee, minAmt, maxAmt, rng string
	err := s.pool.QueryRow(ctx,
		`SELECT `+configColumns+` FROM market_configs WHERE guild_id = $1`, guildID).
		Scan(&c.GuildID, &c.Enabled, &fee, &c.TickIntervalMinutes,
			&minAmt, &maxAmt, &rng,
			&c.AutoFluctuationEnabled, &c.DividendUnitsPerYear, &c.NotificationChannelID)
	if err != nil {
		return nil, notFound(err, "market config for guild "+guildID)
	}
	c.TradingFeePct = dec(fee)
	c.MinOrderAmount = dec(minAmt)
	c.MaxOrderAmount = dec(maxAmt)
	c.FluctuationRangePct = dec(rng)
	return &c, nil
}

func (s *PostgresStore) UpsertMarketConfig(ctx context.Context, c *model.MarketConfig) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO market_configs (guild_id, enabled, trading_fee_pct, tick_interval_minutes,
		        min_order_amount, max_order_amount, fluctuation_range_pct,
		        auto_fluctuation_enabled, dividend_units_per_year, notification_channel_id)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10)
		 ON CONFLICT (guild_id) DO UPDATE SET
		        enabled = EXCLUDED.enabled,
		        trading_fee_pct = EXCLUDED.trading_fee_pct,
		        tick_interval_minutes = EXCLUDED.tick_interval_minutes,
		        min_order_amount = EXCLUDED.min_order_amount,
		        max_order_amount = EXCLUDED.max_order_amount,
		        fluctuation_range_pct = EXCLUDED.fluctuation_range_pct,
		        auto_fluctuation_enabled = EXCLUDED.auto_fluctuation_enabled,
		        dividend_units_per_year = EXCLUDED.dividend_units_per_year,
		        notification_channel_id = EXCLUDED.notification_channel_id`,
		c.GuildID, c.Enabled, c.TradingFeePct.String(), c.TickIntervalMinutes,
		c.MinOrderAmount.String(), c.MaxOrderAmount.String(), c.FluctuationRangePct.String(),
		c.AutoFluctuationEnabled, c.DividendUnitsPerYear, c.NotificationChannelID,
	)
	return err
}

func (s *PostgresStore) ListGuilds(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT guild_id FROM market_configs ORDER BY guild_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// --- Stocks ---

const stockColumns = `id, guild_id, symbol, name, current_price::TEXT, min_price::TEXT,
	max_price::TEXT, volatility_pct::TEXT, dividend_rate_pct::TEXT,
	total_shares, available_shares, status, last_dividend_at, created_at`

func scanStock(row scanner) (*model.Stock, error) {
	var st model.Stock
	var price, minP, maxP, vol, div, status string
	if err := row.Scan(&st.ID, &st.GuildID, &st.Symbol, &st.Name,
		&price, &minP, &maxP, &vol, &div,
		&st.TotalShares, &st.AvailableShares, &status, &st.LastDividendAt, &st.CreatedAt); err != nil {
		return nil, err
	}
	st.CurrentPrice = dec(price)
	st.MinPrice = dec(minP)
	st.MaxPrice = dec(maxP)
	st.VolatilityPct = dec(vol)
	st.DividendRatePct = dec(div)
	st.Status = model.StockStatus(status)
	return &st, nil
}

func (s *PostgresStore) CreateStock(ctx context.Context, st *model.Stock) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	cmd, err := tx.Exec(ctx,
		`INSERT INTO stocks (id, guild_id, symbol, name, current_price, min_price, max_price,
		        volatility_pct, dividend_rate_pct, total_shares, available_shares, status, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12, $13)
		 ON CONFLICT (guild_id, symbol) DO NOTHING`,
		st.ID, st.GuildID, st.Symbol, st.Name,
		st.CurrentPrice.String(), st.MinPrice.String(), st.MaxPrice.String(),
		st.VolatilityPct.String(), st.DividendRatePct.String(),
		st.TotalShares, st.AvailableShares, string(st.Status), st.CreatedAt,
	)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("stock %s: %w", st.Symbol, model.ErrDuplicate)
	}
	for _, p := range st.PriceHistory {
		if _, err := tx.Exec(ctx,
			`INSERT INTO stock_prices (stock_id, price, tick_at) VALUES ($1, $2::NUMERIC, $3)`,
			st.ID, p.Price.String(), p.At); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetStock(ctx context.Context, guildID, stockID string) (*model.Stock, error) {
	st, err := scanStock(s.pool.QueryRow(ctx,
		`SELECT `+stockColumns+` FROM stocks WHERE guild_id = $1 AND id = $2`, guildID, stockID))
	if err != nil {
		return nil, notFound(err, "stock "+stockID)
	}
	if st.PriceHistory, err = s.priceHistory(ctx, st.ID); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *PostgresStore) GetStockBySymbol(ctx context.Context, guildID, symbol string) (*model.Stock, error) {
	st, err := scanStock(s.pool.QueryRow(ctx,
		`SELECT `+stockColumns+` FROM stocks WHERE guild_id = $1 AND symbol = $2`, guildID, symbol))
	if err != nil {
		return nil, notFound(err, "stock "+symbol)
	}
	if st.PriceHistory, err = s.priceHistory(ctx, st.ID); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *PostgresStore) priceHistory(ctx context.Context, stockID string) ([]model.PricePoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT price::TEXT, tick_at FROM stock_prices
		 WHERE stock_id = $1 ORDER BY tick_at DESC, id DESC LIMIT $2`,
		stockID, model.PriceHistoryLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []model.PricePoint
	for rows.Next() {
		var priceS string
		var p model.PricePoint
		if err := rows.Scan(&priceS, &p.At); err != nil {
			return nil, err
		}
		p.Price = dec(priceS)
		history = append(history, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Oldest first.
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history, nil
}

func (s *PostgresStore) ListStocks(ctx context.Context, guildID string, statuses ...model.StockStatus) ([]model.Stock, error) {
	filter := make([]string, len(statuses))
	for i, st := range statuses {
		filter[i] = string(st)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+stockColumns+` FROM stocks
		 WHERE guild_id = $1 AND (cardinality($2::TEXT[]) = 0 OR status = ANY($2))
		 ORDER BY symbol`, guildID, filter)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stocks []model.Stock
	for rows.Next() {
		st, err := scanStock(rows)
		if err != nil {
			return nil, err
		}
		stocks = append(stocks, *st)
	}
	return stocks, rows.Err()
}

func (s *PostgresStore) UpdateStockDetails(ctx context.Context, st *model.Stock) error {
	cmd, err := s.pool.Exec(ctx,
		`UPDATE stocks
		 SET name = $3, min_price = $4::NUMERIC, max_price = $5::NUMERIC,
		     volatility_pct = $6::NUMERIC, dividend_rate_pct = $7::NUMERIC, status = $8
		 WHERE guild_id = $1 AND id = $2`,
		st.GuildID, st.ID, st.Name, st.MinPrice.String(), st.MaxPrice.String(),
		st.VolatilityPct.String(), st.DividendRatePct.String(), string(st.Status))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("stock %s: %w", st.ID, model.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) UpdateStockPrice(ctx context.Context, guildID, stockID string, expected, price decimal.Decimal, at time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	cmd, err := tx.Exec(ctx,
		`UPDATE stocks SET current_price = $4::NUMERIC
		 WHERE guild_id = $1 AND id = $2 AND current_price = $3::NUMERIC`,
		guildID, stockID, expected.String(), price.String())
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return s.missOrFail(ctx, guildID, stockID, model.ErrConflict)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO stock_prices (stock_id, price, tick_at) VALUES ($1, $2::NUMERIC, $3)`,
		stockID, price.String(), at); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM stock_prices
		 WHERE stock_id = $1 AND id NOT IN (
		     SELECT id FROM stock_prices WHERE stock_id = $1
		     ORDER BY tick_at DESC, id DESC LIMIT $2)`,
		stockID, model.PriceHistoryLimit); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) AdjustAvailableShares(ctx context.Context, guildID, stockID string, delta int64) error {
	cmd, err := s.pool.Exec(ctx,
		`UPDATE stocks SET available_shares = available_shares + $3
		 WHERE guild_id = $1 AND id = $2
		   AND available_shares + $3 >= 0
		   AND available_shares + $3 <= total_shares`,
		guildID, stockID, delta)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return s.missOrFail(ctx, guildID, stockID, model.ErrInsufficientStock)
	}
	return nil
}

func (s *PostgresStore) ResizeSupply(ctx context.Context, guildID, stockID string, total int64) error {
	cmd, err := s.pool.Exec(ctx,
		`UPDATE stocks
		 SET available_shares = available_shares + ($3 - total_shares), total_shares = $3
		 WHERE guild_id = $1 AND id = $2 AND available_shares + ($3 - total_shares) >= 0`,
		guildID, stockID, total)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return s.missOrFail(ctx, guildID, stockID, model.ErrInsufficientStock)
	}
	return nil
}

func (s *PostgresStore) ClaimDividend(ctx context.Context, guildID, stockID string, expected *time.Time, at time.Time) error {
	cmd, err := s.pool.Exec(ctx,
		`UPDATE stocks SET last_dividend_at = $4
		 WHERE guild_id = $1 AND id = $2 AND last_dividend_at IS NOT DISTINCT FROM $3::TIMESTAMPTZ`,
		guildID, stockID, expected, at)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return s.missOrFail(ctx, guildID, stockID, model.ErrConflict)
	}
	return nil
}

// missOrFail distinguishes a missing stock from a failed write condition.
func (s *PostgresStore) missOrFail(ctx context.Context, guildID, stockID string, condErr error) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM stocks WHERE guild_id = $1 AND id = $2)`,
		guildID, stockID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("stock %s: %w", stockID, model.ErrNotFound)
	}
	return fmt.Errorf("stock %s: %w", stockID, condErr)
}

// --- Holdings ---

const holdingColumns = `guild_id, user_id, stock_id, shares_owned, average_buy_price::TEXT,
	total_invested::TEXT, total_realized_pl::TEXT, version, updated_at`

func scanHolding(row scanner) (*model.Holding, error) {
	var h model.Holding
	var avg, invested, realized string
	if err := row.Scan(&h.GuildID, &h.UserID, &h.StockID, &h.SharesOwned,
		&avg, &invested, &realized, &h.Version, &h.UpdatedAt); err != nil {
		return nil, err
	}
	h.AverageBuyPrice = dec(avg)
	h.TotalInvested = dec(invested)
	h.TotalRealizedPL = dec(realized)
	return &h, nil
}

func (s *PostgresStore) GetHolding(ctx context.Context, guildID, userID, stockID string) (*model.Holding, error) {
	h, err := scanHolding(s.pool.QueryRow(ctx,
		`SELECT `+holdingColumns+` FROM holdings
		 WHERE guild_id = $1 AND user_id = $2 AND stock_id = $3`, guildID, userID, stockID))
	if err != nil {
		return nil, notFound(err, "holding "+userID+"/"+stockID)
	}
	return h, nil
}

func (s *PostgresStore) SaveHolding(ctx context.Context, h *model.Holding, expectedVersion int64) error {
	var query string
	if expectedVersion == 0 {
		query = `INSERT INTO holdings (guild_id, user_id, stock_id, shares_owned, average_buy_price,
		                total_invested, total_realized_pl, version, updated_at)
		         VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8 + 1, $9)
		         ON CONFLICT (guild_id, user_id, stock_id) DO NOTHING`
	} else {
		query = `UPDATE holdings
		         SET shares_owned = $4, average_buy_price = $5::NUMERIC, total_invested = $6::NUMERIC,
		             total_realized_pl = $7::NUMERIC, version = $8 + 1, updated_at = $9
		         WHERE guild_id = $1 AND user_id = $2 AND stock_id = $3 AND version = $8`
	}
	cmd, err := s.pool.Exec(ctx, query,
		h.GuildID, h.UserID, h.StockID, h.SharesOwned,
		h.AverageBuyPrice.String(), h.TotalInvested.String(), h.TotalRealizedPL.String(),
		expectedVersion, h.UpdatedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("holding %s/%s version %d: %w", h.UserID, h.StockID, expectedVersion, model.ErrConflict)
	}
	h.Version = expectedVersion + 1
	return nil
}

func (s *PostgresStore) DeleteHolding(ctx context.Context, guildID, userID, stockID string, expectedVersion int64) error {
	cmd, err := s.pool.Exec(ctx,
		`DELETE FROM holdings WHERE guild_id = $1 AND user_id = $2 AND stock_id = $3 AND version = $4`,
		guildID, userID, stockID, expectedVersion)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("holding %s/%s version %d: %w", userID, stockID, expectedVersion, model.ErrConflict)
	}
	return nil
}

func (s *PostgresStore) ListUserHoldings(ctx context.Context, guildID, userID string) ([]model.Holding, error) {
	return s.queryHoldings(ctx,
		`SELECT `+holdingColumns+` FROM holdings WHERE guild_id = $1 AND user_id = $2 ORDER BY stock_id`,
		guildID, userID)
}

func (s *PostgresStore) ListStockHoldings(ctx context.Context, guildID, stockID string) ([]model.Holding, error) {
	return s.queryHoldings(ctx,
		`SELECT `+holdingColumns+` FROM holdings WHERE guild_id = $1 AND stock_id = $2 ORDER BY user_id`,
		guildID, stockID)
}

func (s *PostgresStore) ListGuildHoldings(ctx context.Context, guildID string) ([]model.Holding, error) {
	return s.queryHoldings(ctx,
		`SELECT `+holdingColumns+` FROM holdings WHERE guild_id = $1 ORDER BY user_id, stock_id`,
		guildID)
}

func (s *PostgresStore) queryHoldings(ctx context.Context, query string, args ...any) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Holding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

// --- Transactions ---

func (s *PostgresStore) InsertTransaction(ctx context.Context, t *model.Transaction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transactions (id, guild_id, user_id, stock_id, kind, shares,
		        price_per_share, total_cost, fee, realized_pl, note, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12)`,
		t.ID, t.GuildID, t.UserID, t.StockID, string(t.Kind), t.Shares,
		t.PricePerShare.String(), t.TotalCost.String(), t.Fee.String(),
		decPtrString(t.RealizedPL), t.Note, t.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListTransactions(ctx context.Context, guildID, userID string, limit int) ([]model.Transaction, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, guild_id, user_id, stock_id, kind, shares, price_per_share::TEXT,
		        total_cost::TEXT, fee::TEXT, realized_pl::TEXT, note, created_at
		 FROM transactions WHERE guild_id = $1 AND user_id = $2
		 ORDER BY created_at DESC, id DESC LIMIT $3`, guildID, userID, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var kind, price, total, fee string
		var realized *string
		if err := rows.Scan(&t.ID, &t.GuildID, &t.UserID, &t.StockID, &kind, &t.Shares,
			&price, &total, &fee, &realized, &t.Note, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Kind = model.TransactionKind(kind)
		t.PricePerShare = dec(price)
		t.TotalCost = dec(total)
		t.Fee = dec(fee)
		t.RealizedPL = decPtr(realized)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SumRealizedPL(ctx context.Context, guildID string) (map[string]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, COALESCE(SUM(realized_pl), 0)::TEXT FROM transactions
		 WHERE guild_id = $1 AND realized_pl IS NOT NULL GROUP BY user_id`, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sums := make(map[string]decimal.Decimal)
	for rows.Next() {
		var userID, sum string
		if err := rows.Scan(&userID, &sum); err != nil {
			return nil, err
		}
		sums[userID] = dec(sum)
	}
	return sums, rows.Err()
}

// --- Orders ---

const orderColumns = `id, guild_id, user_id, stock_id, type, shares, target_price::TEXT, status,
	failure_reason, fill_price::TEXT, expires_at, created_at, resolved_at`

func scanOrder(row scanner) (*model.Order, error) {
	var o model.Order
	var typ, target, status string
	var fill *string
	if err := row.Scan(&o.ID, &o.GuildID, &o.UserID, &o.StockID, &typ, &o.Shares, &target, &status,
		&o.FailureReason, &fill, &o.ExpiresAt, &o.CreatedAt, &o.ResolvedAt); err != nil {
		return nil, err
	}
	o.Type = model.OrderType(typ)
	o.TargetPrice = dec(target)
	o.Status = model.OrderStatus(status)
	o.FillPrice = decPtr(fill)
	return &o, nil
}

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, guild_id, user_id, stock_id, type, shares, target_price,
		        status, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10)`,
		o.ID, o.GuildID, o.UserID, o.StockID, string(o.Type), o.Shares,
		o.TargetPrice.String(), string(o.Status), o.ExpiresAt, o.CreatedAt)
	return err
}

func (s *PostgresStore) GetOrder(ctx context.Context, guildID, orderID string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE guild_id = $1 AND id = $2`, guildID, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", orderID, model.ErrOrderNotFound)
	}
	return o, err
}

func (s *PostgresStore) ListPendingOrders(ctx context.Context, guildID, stockID string) ([]model.Order, error) {
	return s.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE guild_id = $1 AND stock_id = $2 AND status = 'pending'
		 ORDER BY created_at, seq`, guildID, stockID)
}

func (s *PostgresStore) ListUserOrders(ctx context.Context, guildID, userID string) ([]model.Order, error) {
	return s.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE guild_id = $1 AND user_id = $2 ORDER BY created_at, seq`, guildID, userID)
}

func (s *PostgresStore) ListOrdersByStatus(ctx context.Context, guildID string, status model.OrderStatus) ([]model.Order, error) {
	return s.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE guild_id = $1 AND status = $2 ORDER BY created_at, seq`, guildID, string(status))
}

func (s *PostgresStore) queryOrders(ctx context.Context, query string, args ...any) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TransitionOrder(ctx context.Context, guildID, orderID string, from, to model.OrderStatus, fillPrice *decimal.Decimal, reason string, at time.Time) error {
	var resolvedAt *time.Time
	if to.Terminal() {
		resolvedAt = &at
	}
	cmd, err := s.pool.Exec(ctx,
		`UPDATE orders
		 SET status = $4,
		     fill_price = COALESCE($5::NUMERIC, fill_price),
		     failure_reason = CASE WHEN $6 = '' THEN failure_reason ELSE $6 END,
		     resolved_at = COALESCE($7, resolved_at)
		 WHERE guild_id = $1 AND id = $2 AND status = $3`,
		guildID, orderID, string(from), string(to), decPtrString(fillPrice), reason, resolvedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		if _, err := s.GetOrder(ctx, guildID, orderID); err != nil {
			return err
		}
		return fmt.Errorf("order %s not %s: %w", orderID, from, model.ErrConflict)
	}
	return nil
}

// --- Events ---

func (s *PostgresStore) CreateEvent(ctx context.Context, e *model.MarketEvent) error {
	affected := e.AffectedStocks
	if affected == nil {
		affected = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO market_events (id, guild_id, stock_id, type, description, price_multiplier,
		        price_change_pct, affected_stocks, is_active, ends_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11)`,
		e.ID, e.GuildID, e.StockID, string(e.Type), e.Description,
		e.PriceMultiplier.String(), e.PriceChangePct.String(), affected,
		e.IsActive, e.EndsAt, e.CreatedAt)
	return err
}

func (s *PostgresStore) ListActiveEvents(ctx context.Context, guildID string, now time.Time) ([]model.MarketEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, guild_id, stock_id, type, description, price_multiplier::TEXT,
		        price_change_pct::TEXT, affected_stocks, is_active, ends_at, created_at
		 FROM market_events
		 WHERE guild_id = $1 AND is_active AND (ends_at IS NULL OR ends_at > $2)
		 ORDER BY created_at`, guildID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MarketEvent
	for rows.Next() {
		var e model.MarketEvent
		var typ, mult, change string
		if err := rows.Scan(&e.ID, &e.GuildID, &e.StockID, &typ, &e.Description, &mult,
			&change, &e.AffectedStocks, &e.IsActive, &e.EndsAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = model.EventType(typ)
		e.PriceMultiplier = dec(mult)
		e.PriceChangePct = dec(change)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeactivateExpiredEvents(ctx context.Context, now time.Time) (int, error) {
	cmd, err := s.pool.Exec(ctx,
		`UPDATE market_events SET is_active = FALSE
		 WHERE is_active AND ends_at IS NOT NULL AND ends_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}

// --- Alerts ---

const alertColumns = `id, guild_id, user_id, stock_id, type, target_price::TEXT, change_pct::TEXT,
	baseline_price::TEXT, notified, created_at, notified_at`

func (s *PostgresStore) CreateAlert(ctx context.Context, a *model.PriceAlert) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_alerts (id, guild_id, user_id, stock_id, type, target_price,
		        change_pct, baseline_price, notified, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
		a.ID, a.GuildID, a.UserID, a.StockID, string(a.Type),
		decPtrString(a.TargetPrice), decPtrString(a.ChangePct), a.BaselinePrice.String(),
		a.Notified, a.CreatedAt)
	return err
}

func (s *PostgresStore) ListActiveAlerts(ctx context.Context, guildID, stockID string) ([]model.PriceAlert, error) {
	return s.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM price_alerts
		 WHERE guild_id = $1 AND stock_id = $2 AND NOT notified ORDER BY created_at`, guildID, stockID)
}

func (s *PostgresStore) ListUserAlerts(ctx context.Context, guildID, userID string) ([]model.PriceAlert, error) {
	return s.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM price_alerts
		 WHERE guild_id = $1 AND user_id = $2 ORDER BY created_at`, guildID, userID)
}

func (s *PostgresStore) queryAlerts(ctx context.Context, query string, args ...any) ([]model.PriceAlert, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PriceAlert
	for rows.Next() {
		var a model.PriceAlert
		var typ, baseline string
		var target, change *string
		if err := rows.Scan(&a.ID, &a.GuildID, &a.UserID, &a.StockID, &typ, &target, &change,
			&baseline, &a.Notified, &a.CreatedAt, &a.NotifiedAt); err != nil {
			return nil, err
		}
		a.Type = model.AlertType(typ)
		a.TargetPrice = decPtr(target)
		a.ChangePct = decPtr(change)
		a.BaselinePrice = dec(baseline)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkAlertNotified(ctx context.Context, guildID, alertID string, at time.Time) error {
	cmd, err := s.pool.Exec(ctx,
		`UPDATE price_alerts SET notified = TRUE, notified_at = $3
		 WHERE guild_id = $1 AND id = $2 AND NOT notified`, guildID, alertID, at)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("alert %s already fired or missing: %w", alertID, model.ErrConflict)
	}
	return nil
}

// --- helpers ---

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func decPtr(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d := dec(*s)
	return &d
}

func decPtrString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, model.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}
