package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/creatorbot/market-engine/internal/metrics"
	"github.com/creatorbot/market-engine/internal/model"
	"github.com/creatorbot/market-engine/internal/portfolio"
)

// Resolution is an order that reached a terminal status during Evaluate.
type Resolution struct {
	Order  model.Order
	Symbol string
	// Trade is set for executed orders.
	Trade *portfolio.TradeResult
}

// Evaluate walks the stock's pending orders in FIFO order against newPrice.
// Expired orders are retired, triggered orders are claimed and filled at
// newPrice. A failed fill resolves the order as failed and is not retried.
// The returned error joins store failures only; rejected trades are
// reported through the resolutions.
func (b *Book) Evaluate(ctx context.Context, stock *model.Stock, newPrice decimal.Decimal) ([]Resolution, error) {
	pending, err := b.store.ListPendingOrders(ctx, stock.GuildID, stock.ID)
	if err != nil {
		return nil, err
	}

	var (
		out  []Resolution
		errs error
	)
	for i := range pending {
		o := pending[i]
		res, err := b.evaluateOne(ctx, stock, &o, newPrice)
		if err != nil {
			b.log.Warn("order evaluation failed",
				"order_id", o.ID,
				"guild_id", o.GuildID,
				"symbol", stock.Symbol,
				"err", err,
			)
			errs = errors.Join(errs, fmt.Errorf("order %s: %w", o.ID, err))
			continue
		}
		if res != nil {
			out = append(out, *res)
		}
	}
	return out, errs
}

func (b *Book) evaluateOne(ctx context.Context, stock *model.Stock, o *model.Order, price decimal.Decimal) (*Resolution, error) {
	now := b.now()

	if o.Expired(now) {
		err := b.store.TransitionOrder(ctx, o.GuildID, o.ID, model.OrderPending, model.OrderExpired, nil, "", now)
		if errors.Is(err, model.ErrConflict) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		metrics.OrdersResolved.WithLabelValues(string(model.OrderExpired)).Inc()
		o.Status = model.OrderExpired
		o.ResolvedAt = &now
		return &Resolution{Order: *o, Symbol: stock.Symbol}, nil
	}

	if !o.Triggered(price) {
		return nil, nil
	}

	// Claim. Losing the race to a cancel is not an error.
	err := b.store.TransitionOrder(ctx, o.GuildID, o.ID, model.OrderPending, model.OrderFilling, nil, "", now)
	if errors.Is(err, model.ErrConflict) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var trade *portfolio.TradeResult
	if o.Type.IsBuy() {
		trade, err = b.trader.BuyAt(ctx, o.GuildID, o.UserID, o.StockID, o.Shares, price)
	} else {
		trade, err = b.trader.SellAt(ctx, o.GuildID, o.UserID, o.StockID, o.Shares, price)
	}

	// The claim is resolved even if the caller has gone away.
	rctx := context.WithoutCancel(ctx)
	resolvedAt := b.now()
	if err != nil {
		reason := err.Error()
		if terr := b.store.TransitionOrder(rctx, o.GuildID, o.ID, model.OrderFilling, model.OrderFailed, nil, reason, resolvedAt); terr != nil {
			return nil, fmt.Errorf("resolve failed fill: %w", terr)
		}
		metrics.OrdersResolved.WithLabelValues(string(model.OrderFailed)).Inc()
		b.log.Warn("order fill failed",
			"order_id", o.ID,
			"guild_id", o.GuildID,
			"user_id", o.UserID,
			"symbol", stock.Symbol,
			"type", o.Type,
			"err", err,
		)
		o.Status = model.OrderFailed
		o.FailureReason = reason
		o.ResolvedAt = &resolvedAt
		return &Resolution{Order: *o, Symbol: stock.Symbol}, nil
	}

	fill := price
	if terr := b.store.TransitionOrder(rctx, o.GuildID, o.ID, model.OrderFilling, model.OrderExecuted, &fill, "", resolvedAt); terr != nil {
		// The trade stands; the order is left in filling for an operator.
		b.log.Error("order executed but not resolved",
			"order_id", o.ID,
			"tx_id", trade.Transaction.ID,
			"err", terr,
		)
		return nil, fmt.Errorf("resolve executed fill: %w", terr)
	}
	metrics.OrdersResolved.WithLabelValues(string(model.OrderExecuted)).Inc()
	b.log.Info("order executed",
		"order_id", o.ID,
		"guild_id", o.GuildID,
		"user_id", o.UserID,
		"symbol", stock.Symbol,
		"type", o.Type,
		"shares", o.Shares,
		"fill_price", fill.String(),
	)
	o.Status = model.OrderExecuted
	o.FillPrice = &fill
	o.ResolvedAt = &resolvedAt
	return &Resolution{Order: *o, Symbol: stock.Symbol, Trade: trade}, nil
}
