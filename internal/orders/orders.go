// Package orders implements the OrderBook: resting conditional orders that
// are filled against the house when a new price satisfies their trigger.
//
// An order is claimed (pending → filling) before its trade runs and the claim
// is then resolved to executed or failed. Cancel only moves pending orders,
// so an order can never be both cancelled and filled.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/creatorbot/market-engine/internal/metrics"
	"github.com/creatorbot/market-engine/internal/model"
	"github.com/creatorbot/market-engine/internal/portfolio"
	"github.com/creatorbot/market-engine/internal/store"
)

// Trader executes fills at an explicit price.
type Trader interface {
	BuyAt(ctx context.Context, guildID, userID, stockID string, shares int64, price decimal.Decimal) (*portfolio.TradeResult, error)
	SellAt(ctx context.Context, guildID, userID, stockID string, shares int64, price decimal.Decimal) (*portfolio.TradeResult, error)
}

// Book is the OrderBook component.
type Book struct {
	store  store.Store
	trader Trader
	log    *slog.Logger
	now    func() time.Time
}

// New creates an order book. A nil logger uses slog.Default().
func New(st store.Store, trader Trader, logger *slog.Logger) *Book {
	if logger == nil {
		logger = slog.Default()
	}
	return &Book{
		store:  st,
		trader: trader,
		log:    logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (b *Book) SetClock(now func() time.Time) { b.now = now }

// PlaceInput describes a new order.
type PlaceInput struct {
	GuildID     string
	UserID      string
	StockID     string
	Type        model.OrderType
	Shares      int64
	TargetPrice decimal.Decimal
	ExpiresAt   *time.Time
}

// Place validates and stores a pending order. Sell-side orders require the
// user to hold at least the order's shares when it is placed.
func (b *Book) Place(ctx context.Context, in PlaceInput) (*model.Order, error) {
	if !in.Type.Valid() {
		return nil, model.Invalid("type", "unknown order type %q", in.Type)
	}
	if in.Shares <= 0 {
		return nil, model.Invalid("shares", "must be positive, got %d", in.Shares)
	}
	if !in.TargetPrice.IsPositive() {
		return nil, model.Invalid("target_price", "must be positive, got %s", in.TargetPrice)
	}
	now := b.now()
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return nil, model.Invalid("expires_at", "must be in the future")
	}

	cfg, err := store.MarketConfig(ctx, b.store, in.GuildID)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, model.ErrMarketDisabled
	}
	st, err := b.store.GetStock(ctx, in.GuildID, in.StockID)
	if err != nil {
		return nil, err
	}
	if st.Status == model.StockDelisted {
		return nil, model.Invalid("stock", "%s is delisted", st.Symbol)
	}

	if !in.Type.IsBuy() {
		h, err := b.store.GetHolding(ctx, in.GuildID, in.UserID, in.StockID)
		switch {
		case errors.Is(err, model.ErrNotFound):
			return nil, fmt.Errorf("no %s shares held: %w", st.Symbol, model.ErrInsufficientShares)
		case err != nil:
			return nil, err
		case h.SharesOwned < in.Shares:
			return nil, fmt.Errorf("own %d shares of %s, order is for %d: %w",
				h.SharesOwned, st.Symbol, in.Shares, model.ErrInsufficientShares)
		}
	}

	o := &model.Order{
		ID:          uuid.New().String(),
		GuildID:     in.GuildID,
		UserID:      in.UserID,
		StockID:     in.StockID,
		Type:        in.Type,
		Shares:      in.Shares,
		TargetPrice: in.TargetPrice,
		Status:      model.OrderPending,
		ExpiresAt:   in.ExpiresAt,
		CreatedAt:   now,
	}
	if err := b.store.CreateOrder(ctx, o); err != nil {
		return nil, err
	}

	b.log.Info("order placed",
		"order_id", o.ID,
		"guild_id", o.GuildID,
		"user_id", o.UserID,
		"symbol", st.Symbol,
		"type", o.Type,
		"shares", o.Shares,
		"target", o.TargetPrice.String(),
	)
	return o, nil
}

// Cancel cancels a pending order owned by userID. Orders that are being
// filled or already resolved return model.ErrAlreadyTerminal.
func (b *Book) Cancel(ctx context.Context, guildID, userID, orderID string) (*model.Order, error) {
	o, err := b.store.GetOrder(ctx, guildID, orderID)
	if err != nil {
		return nil, err
	}
	// Someone else's order is reported as missing.
	if o.UserID != userID {
		return nil, fmt.Errorf("order %s: %w", orderID, model.ErrOrderNotFound)
	}
	if o.Status != model.OrderPending {
		return nil, fmt.Errorf("order %s is %s: %w", orderID, o.Status, model.ErrAlreadyTerminal)
	}

	now := b.now()
	err = b.store.TransitionOrder(ctx, guildID, orderID, model.OrderPending, model.OrderCancelled, nil, "", now)
	if errors.Is(err, model.ErrConflict) {
		// Claimed by a fill between the read and the write.
		return nil, fmt.Errorf("order %s: %w", orderID, model.ErrAlreadyTerminal)
	}
	if err != nil {
		return nil, err
	}
	metrics.OrdersResolved.WithLabelValues(string(model.OrderCancelled)).Inc()

	o.Status = model.OrderCancelled
	o.ResolvedAt = &now
	b.log.Info("order cancelled", "order_id", orderID, "guild_id", guildID, "user_id", userID)
	return o, nil
}

// ListUser returns every order of the user, oldest first.
func (b *Book) ListUser(ctx context.Context, guildID, userID string) ([]model.Order, error) {
	return b.store.ListUserOrders(ctx, guildID, userID)
}

// Stuck returns the guild's orders left in filling, which happens when a
// process stops between claiming an order and resolving it.
func (b *Book) Stuck(ctx context.Context, guildID string) ([]model.Order, error) {
	return b.store.ListOrdersByStatus(ctx, guildID, model.OrderFilling)
}

// ResolveInput settles a stuck order. Executed requires the fill price of
// the trade that ran; Failed records Reason.
type ResolveInput struct {
	GuildID   string
	OrderID   string
	Status    model.OrderStatus
	FillPrice *decimal.Decimal
	Reason    string
}

// Resolve moves an order out of filling without running a trade. It is the
// operator's way to settle orders reported by Stuck.
func (b *Book) Resolve(ctx context.Context, in ResolveInput) (*model.Order, error) {
	switch in.Status {
	case model.OrderExecuted:
		if in.FillPrice == nil || !in.FillPrice.IsPositive() {
			return nil, model.Invalid("fill_price", "is required for an executed order")
		}
	case model.OrderFailed:
		if in.Reason == "" {
			in.Reason = "resolved by operator"
		}
		in.FillPrice = nil
	default:
		return nil, model.Invalid("status", "must be %s or %s", model.OrderExecuted, model.OrderFailed)
	}

	o, err := b.store.GetOrder(ctx, in.GuildID, in.OrderID)
	if err != nil {
		return nil, err
	}
	if o.Status != model.OrderFilling {
		return nil, fmt.Errorf("order %s is %s: %w", in.OrderID, o.Status, model.ErrAlreadyTerminal)
	}

	now := b.now()
	err = b.store.TransitionOrder(ctx, in.GuildID, in.OrderID, model.OrderFilling, in.Status, in.FillPrice, in.Reason, now)
	if errors.Is(err, model.ErrConflict) {
		return nil, fmt.Errorf("order %s: %w", in.OrderID, model.ErrAlreadyTerminal)
	}
	if err != nil {
		return nil, err
	}
	metrics.OrdersResolved.WithLabelValues(string(in.Status)).Inc()
	b.log.Warn("stuck order resolved",
		"order_id", in.OrderID,
		"guild_id", in.GuildID,
		"status", in.Status,
		"reason", in.Reason,
	)

	o.Status = in.Status
	o.ResolvedAt = &now
	if in.FillPrice != nil {
		o.FillPrice = in.FillPrice
	}
	if in.Reason != "" {
		o.FailureReason = in.Reason
	}
	return o, nil
}
