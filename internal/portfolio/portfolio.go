// Package portfolio implements the PortfolioLedger: user trades against the
// house, cost-basis accounting, realized P/L and the append-only
// transaction log.
//
// A trade is a sequence of conditional writes across two systems (the
// external coin ledger and the store). Each applied step pushes its inverse
// onto an undo stack; if a later step fails the stack is unwound so no
// half-applied trade survives. Money moving back to a user during an
// unwind is recorded as a rollback transaction.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/creatorbot/market-engine/internal/ledger"
	"github.com/creatorbot/market-engine/internal/limits"
	"github.com/creatorbot/market-engine/internal/metrics"
	"github.com/creatorbot/market-engine/internal/model"
	"github.com/creatorbot/market-engine/internal/pricing"
	"github.com/creatorbot/market-engine/internal/store"
)

// DefaultUndoTimeout bounds a rollback once the triggering request is gone.
const DefaultUndoTimeout = 10 * time.Second

// Ledger is the PortfolioLedger component.
type Ledger struct {
	store       store.Store
	coins       ledger.ExternalLedger
	log         *slog.Logger
	now         func() time.Time
	undoTimeout time.Duration
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithUndoTimeout overrides DefaultUndoTimeout.
func WithUndoTimeout(d time.Duration) Option {
	return func(l *Ledger) { l.undoTimeout = d }
}

// New creates a portfolio ledger. A nil logger uses slog.Default().
func New(st store.Store, coins ledger.ExternalLedger, logger *slog.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		store:       st,
		coins:       coins,
		log:         logger,
		now:         func() time.Time { return time.Now().UTC() },
		undoTimeout: DefaultUndoTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TradeResult is the outcome of an executed trade.
type TradeResult struct {
	Transaction model.Transaction `json:"transaction"`
	// Holding is nil once the position is closed.
	Holding *model.Holding `json:"holding,omitempty"`
}

type side string

const (
	sideBuy  side = "buy"
	sideSell side = "sell"
)

// Buy purchases shares at the stock's current price.
func (l *Ledger) Buy(ctx context.Context, guildID, userID, stockID string, shares int64) (*TradeResult, error) {
	return l.execute(ctx, sideBuy, guildID, userID, stockID, shares, nil)
}

// Sell disposes of shares at the stock's current price.
func (l *Ledger) Sell(ctx context.Context, guildID, userID, stockID string, shares int64) (*TradeResult, error) {
	return l.execute(ctx, sideSell, guildID, userID, stockID, shares, nil)
}

// BuyAt purchases shares at an explicit price, used when filling orders
// against a freshly ticked price.
func (l *Ledger) BuyAt(ctx context.Context, guildID, userID, stockID string, shares int64, price decimal.Decimal) (*TradeResult, error) {
	return l.execute(ctx, sideBuy, guildID, userID, stockID, shares, &price)
}

// SellAt disposes of shares at an explicit price.
func (l *Ledger) SellAt(ctx context.Context, guildID, userID, stockID string, shares int64, price decimal.Decimal) (*TradeResult, error) {
	return l.execute(ctx, sideSell, guildID, userID, stockID, shares, &price)
}

func (l *Ledger) execute(ctx context.Context, s side, guildID, userID, stockID string, shares int64, at *decimal.Decimal) (*TradeResult, error) {
	start := time.Now()
	res, err := l.trade(ctx, s, guildID, userID, stockID, shares, at)

	outcome := "executed"
	switch {
	case err == nil:
		metrics.SharesTraded.WithLabelValues(string(s)).Add(float64(shares))
	case isRejection(err):
		outcome = "rejected"
	default:
		outcome = "failed"
		l.log.Error("trade failed",
			"guild_id", guildID,
			"user_id", userID,
			"stock_id", stockID,
			"side", s,
			"shares", shares,
			"err", err,
		)
	}
	metrics.TradesTotal.WithLabelValues(string(s), outcome).Inc()
	metrics.TradeLatency.WithLabelValues(string(s)).Observe(time.Since(start).Seconds())
	return res, err
}

func (l *Ledger) trade(ctx context.Context, s side, guildID, userID, stockID string, shares int64, at *decimal.Decimal) (*TradeResult, error) {
	cfg, err := store.MarketConfig(ctx, l.store, guildID)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, model.ErrMarketDisabled
	}
	if shares <= 0 {
		return nil, model.Invalid("shares", "must be positive, got %d", shares)
	}

	st, err := l.store.GetStock(ctx, guildID, stockID)
	if err != nil {
		return nil, err
	}
	price := st.CurrentPrice
	if at != nil {
		price = *at
	}

	if s == sideBuy {
		return l.buy(ctx, cfg, userID, st, shares, price)
	}
	return l.sell(ctx, cfg, userID, st, shares, price)
}

func (l *Ledger) buy(ctx context.Context, cfg *model.MarketConfig, userID string, st *model.Stock, shares int64, price decimal.Decimal) (*TradeResult, error) {
	if st.Status != model.StockActive {
		return nil, model.Invalid("stock", "%s is %s", st.Symbol, st.Status)
	}
	if err := limits.FromConfig(cfg).CheckAmount(shares, price); err != nil {
		return nil, err
	}
	if st.AvailableShares < shares {
		return nil, fmt.Errorf("%s has %d shares available, wanted %d: %w",
			st.Symbol, st.AvailableShares, shares, model.ErrInsufficientStock)
	}

	cost := pricing.Money(price.Mul(decimal.NewFromInt(shares)))
	fee := pricing.Fee(cost, cfg.TradingFeePct)
	total := cost.Add(fee)

	balance, err := l.coins.Balance(ctx, st.GuildID, userID)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(total) {
		return nil, fmt.Errorf("balance %s, need %s: %w", balance, total, model.ErrInsufficientFunds)
	}

	var undo undoStack
	fail := func(err error) (*TradeResult, error) {
		if uerr := undo.unwind(ctx, l.undoTimeout, l.log, err); uerr != nil {
			err = errors.Join(err, uerr)
		}
		return nil, err
	}
	reason := fmt.Sprintf("buy %d %s", shares, st.Symbol)

	// 1. Debit coins.
	if err := l.coins.Debit(ctx, st.GuildID, userID, total, reason); err != nil {
		if errors.Is(err, model.ErrTransient) {
			return nil, l.reconcileDebit(ctx, st, userID, balance, total, reason, err)
		}
		return nil, err
	}
	undo.push("debit", func(ctx context.Context) error {
		return l.refund(ctx, st, userID, total, "refund: "+reason)
	})

	// 2. Reserve supply; the store re-checks availability at write time.
	if err := l.store.AdjustAvailableShares(ctx, st.GuildID, st.ID, -shares); err != nil {
		return fail(err)
	}
	undo.push("reserve_shares", func(ctx context.Context) error {
		return l.store.AdjustAvailableShares(ctx, st.GuildID, st.ID, shares)
	})

	// 3. Holding with the new weighted average.
	h, err := l.mutateHolding(ctx, st.GuildID, userID, st.ID, func(h *model.Holding) error {
		addShares(h, shares, cost)
		return nil
	})
	if err != nil {
		return fail(err)
	}
	undo.push("holding", func(ctx context.Context) error {
		_, err := l.mutateHolding(ctx, st.GuildID, userID, st.ID, func(h *model.Holding) error {
			if h.SharesOwned < shares {
				return fmt.Errorf("holding has %d shares, cannot remove %d: %w",
					h.SharesOwned, shares, model.ErrInsufficientShares)
			}
			addShares(h, -shares, cost.Neg())
			return nil
		})
		return err
	})

	// 4. Transaction log.
	tx := model.Transaction{
		ID:            uuid.New().String(),
		GuildID:       st.GuildID,
		UserID:        userID,
		StockID:       st.ID,
		Kind:          model.TxBuy,
		Shares:        shares,
		PricePerShare: price,
		TotalCost:     cost,
		Fee:           fee,
		CreatedAt:     l.now(),
	}
	if err := l.store.InsertTransaction(ctx, &tx); err != nil {
		return fail(err)
	}

	l.log.Info("trade executed",
		"tx_id", tx.ID,
		"guild_id", st.GuildID,
		"user_id", userID,
		"symbol", st.Symbol,
		"side", sideBuy,
		"shares", shares,
		"price", price.String(),
		"cost", cost.String(),
		"fee", fee.String(),
	)
	return &TradeResult{Transaction: tx, Holding: h}, nil
}

func (l *Ledger) sell(ctx context.Context, cfg *model.MarketConfig, userID string, st *model.Stock, shares int64, price decimal.Decimal) (*TradeResult, error) {
	if st.Status == model.StockSuspended {
		return nil, model.Invalid("stock", "trading in %s is suspended", st.Symbol)
	}

	cost := pricing.Money(price.Mul(decimal.NewFromInt(shares)))
	fee := pricing.Fee(cost, cfg.TradingFeePct)
	proceeds := cost.Sub(fee)

	var undo undoStack
	fail := func(err error) (*TradeResult, error) {
		if uerr := undo.unwind(ctx, l.undoTimeout, l.log, err); uerr != nil {
			err = errors.Join(err, uerr)
		}
		return nil, err
	}
	reason := fmt.Sprintf("sell %d %s", shares, st.Symbol)

	// 1. Holding. The cost basis and realized P/L are recomputed on every
	// attempt from the version that is actually written.
	var before model.Holding
	var basis, realized decimal.Decimal
	h, err := l.mutateHolding(ctx, st.GuildID, userID, st.ID, func(h *model.Holding) error {
		if h.SharesOwned < shares {
			return fmt.Errorf("own %d shares of %s, selling %d: %w",
				h.SharesOwned, st.Symbol, shares, model.ErrInsufficientShares)
		}
		before = *h
		basis = costBasis(h, shares)
		realized = proceeds.Sub(basis)

		h.SharesOwned -= shares
		h.TotalInvested = h.TotalInvested.Sub(basis)
		h.TotalRealizedPL = h.TotalRealizedPL.Add(realized)
		if h.SharesOwned == 0 {
			h.TotalInvested = decimal.Zero
			h.AverageBuyPrice = decimal.Zero
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	undo.push("holding", func(ctx context.Context) error {
		_, err := l.mutateHolding(ctx, st.GuildID, userID, st.ID, func(h *model.Holding) error {
			if h.Version == 0 {
				// The row was deleted; recreate it as it was.
				restored := before
				restored.Version = 0
				*h = restored
				return nil
			}
			h.TotalRealizedPL = h.TotalRealizedPL.Sub(realized)
			addShares(h, shares, basis)
			return nil
		})
		return err
	})

	// 2. Return supply.
	if err := l.store.AdjustAvailableShares(ctx, st.GuildID, st.ID, shares); err != nil {
		return fail(err)
	}
	undo.push("release_shares", func(ctx context.Context) error {
		return l.store.AdjustAvailableShares(ctx, st.GuildID, st.ID, -shares)
	})

	// 3. Transaction log, carrying the closed-lot P/L.
	tx := model.Transaction{
		ID:            uuid.New().String(),
		GuildID:       st.GuildID,
		UserID:        userID,
		StockID:       st.ID,
		Kind:          model.TxSell,
		Shares:        shares,
		PricePerShare: price,
		TotalCost:     cost,
		Fee:           fee,
		RealizedPL:    &realized,
		CreatedAt:     l.now(),
	}
	if err := l.store.InsertTransaction(ctx, &tx); err != nil {
		return fail(err)
	}
	undo.push("transaction", func(ctx context.Context) error {
		return l.void(ctx, &tx)
	})

	// 4. Credit proceeds.
	if err := l.coins.Credit(ctx, st.GuildID, userID, proceeds, reason); err != nil {
		return fail(err)
	}

	l.log.Info("trade executed",
		"tx_id", tx.ID,
		"guild_id", st.GuildID,
		"user_id", userID,
		"symbol", st.Symbol,
		"side", sideSell,
		"shares", shares,
		"price", price.String(),
		"proceeds", proceeds.String(),
		"fee", fee.String(),
		"realized_pl", realized.String(),
	)
	return &TradeResult{Transaction: tx, Holding: h}, nil
}

// mutateHolding applies fn to the user's holding with a version CAS,
// retrying on conflict. A missing holding is passed to fn as a zero holding
// with Version 0. If fn leaves no shares the row is deleted and nil is
// returned.
func (l *Ledger) mutateHolding(ctx context.Context, guildID, userID, stockID string, fn func(h *model.Holding) error) (*model.Holding, error) {
	var out *model.Holding
	err := store.RetryOnConflict(ctx, func() error {
		h, err := l.store.GetHolding(ctx, guildID, userID, stockID)
		switch {
		case errors.Is(err, model.ErrNotFound):
			h = &model.Holding{GuildID: guildID, UserID: userID, StockID: stockID}
		case err != nil:
			return err
		}
		version := h.Version
		if err := fn(h); err != nil {
			return err
		}
		h.UpdatedAt = l.now()

		if h.SharesOwned == 0 {
			out = nil
			if version == 0 {
				return nil
			}
			return l.store.DeleteHolding(ctx, guildID, userID, stockID, version)
		}
		if err := l.store.SaveHolding(ctx, h, version); err != nil {
			return err
		}
		out = h
		return nil
	})
	return out, err
}

// refund credits amount back and records it as a rollback transaction.
// reconcileDebit settles a debit whose outcome is unknown. If the balance
// shows exactly the debit applied, the coins are refunded. A balance that
// moved by anything else is left alone and reported.
func (l *Ledger) reconcileDebit(ctx context.Context, st *model.Stock, userID string, before, amount decimal.Decimal, reason string, debitErr error) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.undoTimeout)
	defer cancel()

	after, err := l.coins.Balance(rctx, st.GuildID, userID)
	switch {
	case err != nil:
		l.log.Error("debit outcome unknown", "guild_id", st.GuildID, "user_id", userID,
			"amount", amount.String(), "err", err)
		return errors.Join(debitErr, fmt.Errorf("reconcile debit: %w", err))
	case after.Equal(before):
		return debitErr
	case after.Equal(before.Sub(amount)):
		if err := l.refund(rctx, st, userID, amount, "refund: "+reason); err != nil {
			metrics.Compensations.WithLabelValues("debit", "failed").Inc()
			l.log.Error("timed-out debit applied, refund failed", "guild_id", st.GuildID, "user_id", userID,
				"amount", amount.String(), "err", err)
			return errors.Join(debitErr, fmt.Errorf("refund debit: %w", err))
		}
		metrics.Compensations.WithLabelValues("debit", "ok").Inc()
		l.log.Warn("timed-out debit applied, refunded", "guild_id", st.GuildID, "user_id", userID,
			"amount", amount.String())
		return debitErr
	default:
		l.log.Error("debit outcome unknown", "guild_id", st.GuildID, "user_id", userID,
			"amount", amount.String(), "before", before.String(), "after", after.String())
		return debitErr
	}
}

func (l *Ledger) refund(ctx context.Context, st *model.Stock, userID string, amount decimal.Decimal, reason string) error {
	if err := l.coins.Credit(ctx, st.GuildID, userID, amount, reason); err != nil {
		return err
	}
	return l.store.InsertTransaction(ctx, &model.Transaction{
		ID:        uuid.New().String(),
		GuildID:   st.GuildID,
		UserID:    userID,
		StockID:   st.ID,
		Kind:      model.TxRollback,
		TotalCost: amount,
		Note:      reason,
		CreatedAt: l.now(),
	})
}

// void appends a rollback transaction cancelling tx, including its
// realized P/L.
func (l *Ledger) void(ctx context.Context, tx *model.Transaction) error {
	rb := &model.Transaction{
		ID:            uuid.New().String(),
		GuildID:       tx.GuildID,
		UserID:        tx.UserID,
		StockID:       tx.StockID,
		Kind:          model.TxRollback,
		Shares:        tx.Shares,
		PricePerShare: tx.PricePerShare,
		Note:          "void " + string(tx.Kind) + " " + tx.ID,
		CreatedAt:     l.now(),
	}
	if tx.RealizedPL != nil {
		neg := tx.RealizedPL.Neg()
		rb.RealizedPL = &neg
	}
	return l.store.InsertTransaction(ctx, rb)
}

// addShares moves a holding by a share and invested delta and recomputes
// the weighted average: (invested) / (shares).
func addShares(h *model.Holding, shares int64, invested decimal.Decimal) {
	h.SharesOwned += shares
	h.TotalInvested = h.TotalInvested.Add(invested)
	if h.SharesOwned == 0 {
		h.TotalInvested = decimal.Zero
		h.AverageBuyPrice = decimal.Zero
		return
	}
	h.AverageBuyPrice = h.TotalInvested.Div(decimal.NewFromInt(h.SharesOwned)).Round(pricing.PriceScale)
}

// costBasis is the invested amount attributed to shares. Closing the whole
// position takes the exact remaining investment.
func costBasis(h *model.Holding, shares int64) decimal.Decimal {
	if shares == h.SharesOwned {
		return h.TotalInvested
	}
	return pricing.Money(h.AverageBuyPrice.Mul(decimal.NewFromInt(shares)))
}

func isRejection(err error) bool {
	return errors.Is(err, model.ErrValidation) ||
		errors.Is(err, model.ErrInsufficientFunds) ||
		errors.Is(err, model.ErrInsufficientShares) ||
		errors.Is(err, model.ErrInsufficientStock) ||
		errors.Is(err, model.ErrNotFound)
}
