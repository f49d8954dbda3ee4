// Package events implements market events: instantaneous price shocks on one
// stock or on every active stock of a guild, recorded with an optional
// display window.
package events

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
	"github.com/creatorbot/market-engine/internal/pricing"
	"github.com/creatorbot/market-engine/internal/store"
)

var minusHundred = decimal.NewFromInt(-100)

// Engine is the EventEngine component.
type Engine struct {
	store store.Store
	log   *slog.Logger
	now   func() time.Time
}

// New creates an event engine. A nil logger uses slog.Default().
func New(st store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store: st,
		log:   logger,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// CreateInput describes an event. A nil StockID shocks every active stock of
// the guild. A zero PriceMultiplier means 1. A zero Duration makes the event
// permanent.
type CreateInput struct {
	GuildID         string
	StockID         *string
	Type            model.EventType
	Description     string
	PriceMultiplier decimal.Decimal
	PriceChangePct  decimal.Decimal
	Duration        time.Duration
}

// PriceChange is one stock repriced by an event.
type PriceChange struct {
	Stock    model.Stock
	OldPrice decimal.Decimal
	NewPrice decimal.Decimal
}

// Result is the recorded event and the prices it moved.
type Result struct {
	Event   model.MarketEvent
	Changes []PriceChange
	// Err joins per-stock failures of a guild-wide event.
	Err error
}

// Create applies the shock and records the event. A single-stock event
// fails as a whole; a guild-wide event skips stocks whose price could not
// be written and reports them in Result.Err.
func (e *Engine) Create(ctx context.Context, in CreateInput) (*Result, error) {
	if !in.Type.Valid() {
		return nil, model.Invalid("type", "unknown event type %q", in.Type)
	}
	if in.PriceMultiplier.IsZero() {
		in.PriceMultiplier = decimal.NewFromInt(1)
	}
	if in.PriceMultiplier.IsNegative() {
		return nil, model.Invalid("price_multiplier", "must be positive, got %s", in.PriceMultiplier)
	}
	if in.PriceChangePct.LessThanOrEqual(minusHundred) {
		return nil, model.Invalid("price_change_pct", "must be above -100, got %s", in.PriceChangePct)
	}
	if in.Duration < 0 {
		return nil, model.Invalid("duration", "must not be negative")
	}

	targets, err := e.targets(ctx, in)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	affected := make([]string, 0, len(targets))
	for i := range targets {
		st := &targets[i]
		change, err := e.shock(ctx, st, in.PriceMultiplier, in.PriceChangePct)
		if err != nil {
			if in.StockID != nil {
				return nil, err
			}
			e.log.Warn("event shock failed", "guild_id", in.GuildID, "stock_id", st.ID, "err", err)
			res.Err = errors.Join(res.Err, fmt.Errorf("stock %s: %w", st.Symbol, err))
			continue
		}
		res.Changes = append(res.Changes, *change)
		affected = append(affected, st.ID)
	}

	now := e.now()
	ev := model.MarketEvent{
		ID:              uuid.New().String(),
		GuildID:         in.GuildID,
		StockID:         in.StockID,
		Type:            in.Type,
		Description:     in.Description,
		PriceMultiplier: in.PriceMultiplier,
		PriceChangePct:  in.PriceChangePct,
		AffectedStocks:  affected,
		IsActive:        true,
		CreatedAt:       now,
	}
	if in.Duration > 0 {
		ends := now.Add(in.Duration)
		ev.EndsAt = &ends
	}
	if err := e.store.CreateEvent(ctx, &ev); err != nil {
		return nil, err
	}
	res.Event = ev

	metrics.EventsCreated.WithLabelValues(string(ev.Type)).Inc()
	e.log.Info("market event created",
		"event_id", ev.ID,
		"guild_id", ev.GuildID,
		"type", ev.Type,
		"multiplier", ev.PriceMultiplier.String(),
		"change_pct", ev.PriceChangePct.String(),
		"affected", len(affected),
	)
	return res, nil
}

func (e *Engine) targets(ctx context.Context, in CreateInput) ([]model.Stock, error) {
	if in.StockID == nil {
		return e.store.ListStocks(ctx, in.GuildID, model.StockActive)
	}
	st, err := e.store.GetStock(ctx, in.GuildID, *in.StockID)
	if err != nil {
		return nil, err
	}
	if st.Status != model.StockActive {
		return nil, model.Invalid("stock", "%s is %s", st.Symbol, st.Status)
	}
	return []model.Stock{*st}, nil
}

// shock reprices one stock with an expected-value write, rereading the
// price on conflict.
func (e *Engine) shock(ctx context.Context, st *model.Stock, multiplier, changePct decimal.Decimal) (*PriceChange, error) {
	var change *PriceChange
	err := store.RetryOnConflict(ctx, func() error {
		cur, err := e.store.GetStock(ctx, st.GuildID, st.ID)
		if err != nil {
			return err
		}
		next := pricing.Shock(cur.CurrentPrice, multiplier, changePct, cur.MinPrice, cur.MaxPrice)
		if err := e.store.UpdateStockPrice(ctx, cur.GuildID, cur.ID, cur.CurrentPrice, next, e.now()); err != nil {
			return err
		}
		old := cur.CurrentPrice
		cur.CurrentPrice = next
		change = &PriceChange{Stock: *cur, OldPrice: old, NewPrice: next}
		return nil
	})
	return change, err
}

// Active lists the guild's events whose window has not ended.
func (e *Engine) Active(ctx context.Context, guildID string) ([]model.MarketEvent, error) {
	return e.store.ListActiveEvents(ctx, guildID, e.now())
}

// ExpireDue marks events whose window ended at or before now as inactive.
// Prices are not touched.
func (e *Engine) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	n, err := e.store.DeactivateExpiredEvents(ctx, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.log.Info("market events expired", "count", n)
	}
	return n, nil
}
