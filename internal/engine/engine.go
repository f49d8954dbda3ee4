// Package engine drives the market: the PriceEngine moves every active
// stock of a guild one random-walk step per tick and settles the new price
// against resting orders and price alerts; the Scheduler runs ticks for due
// guilds and the periodic dividend and event-expiry jobs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/creatorbot/market-engine/internal/events"
	"github.com/creatorbot/market-engine/internal/metrics"
	"github.com/creatorbot/market-engine/internal/model"
	"github.com/creatorbot/market-engine/internal/notify"
	"github.com/creatorbot/market-engine/internal/orders"
	"github.com/creatorbot/market-engine/internal/pricing"
	"github.com/creatorbot/market-engine/internal/store"
)

// OrderEvaluator fills resting orders against a new price.
type OrderEvaluator interface {
	Evaluate(ctx context.Context, stock *model.Stock, newPrice decimal.Decimal) ([]orders.Resolution, error)
}

// AlertChecker fires price alerts.
type AlertChecker interface {
	Check(ctx context.Context, guildID, stockID string, newPrice decimal.Decimal) ([]model.PriceAlert, error)
}

// StockTick is one stock's price move during a tick.
type StockTick struct {
	StockID  string          `json:"stock_id"`
	Symbol   string          `json:"symbol"`
	OldPrice decimal.Decimal `json:"old_price"`
	NewPrice decimal.Decimal `json:"new_price"`
}

// TickReport summarises one guild tick. Failed maps stock IDs to the error
// that stopped their update; the remaining stocks are unaffected.
type TickReport struct {
	GuildID     string              `json:"guild_id"`
	Skipped     bool                `json:"skipped,omitempty"`
	Noop        bool                `json:"noop,omitempty"`
	Updated     []StockTick         `json:"updated"`
	Failed      map[string]string   `json:"failed,omitempty"`
	Resolutions []orders.Resolution `json:"-"`
	Alerts      []model.PriceAlert  `json:"-"`
	Err         error               `json:"-"`
}

func (r *TickReport) fail(stockID string, err error) {
	if r.Failed == nil {
		r.Failed = make(map[string]string)
	}
	r.Failed[stockID] = err.Error()
	r.Err = errors.Join(r.Err, fmt.Errorf("stock %s: %w", stockID, err))
}

// PriceEngine is the PriceEngine component.
type PriceEngine struct {
	store   store.Store
	orders  OrderEvaluator
	alerts  AlertChecker
	sink    notify.Sink
	guard   Guard
	log     *slog.Logger
	now     func() time.Time
	uniform func() float64
}

// Option configures a PriceEngine.
type Option func(*PriceEngine)

// WithGuard replaces the default in-process guard.
func WithGuard(g Guard) Option { return func(e *PriceEngine) { e.guard = g } }

// WithSink sets where tick, fill and alert notifications go. Pass a
// notify.Dispatcher so delivery never holds up a tick.
func WithSink(s notify.Sink) Option { return func(e *PriceEngine) { e.sink = s } }

// WithRandom replaces the uniform [-1, 1) source.
func WithRandom(u func() float64) Option { return func(e *PriceEngine) { e.uniform = u } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(e *PriceEngine) { e.now = now } }

// NewPriceEngine creates a price engine. A nil logger uses slog.Default().
func NewPriceEngine(st store.Store, ob OrderEvaluator, ac AlertChecker, logger *slog.Logger, opts ...Option) *PriceEngine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &PriceEngine{
		store:   st,
		orders:  ob,
		alerts:  ac,
		sink:    notify.Discard{},
		guard:   NewMemoryGuard(),
		log:     logger,
		now:     func() time.Time { return time.Now().UTC() },
		uniform: pricing.Uniform,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Tick moves every active stock of the guild one step:
//
//	delta    = u × volatilityPct/100 × fluctuationRangePct/100,  u ~ U(-1, 1)
//	newPrice = clamp(price × (1 + delta), minPrice, maxPrice)
//
// Each price is written with a compare-and-swap on the previous price and
// then settled against orders and alerts. A tick already running for the
// guild makes this call a skipped no-op. Notifications are queued after the
// whole pass.
func (e *PriceEngine) Tick(ctx context.Context, guildID string) (*TickReport, error) {
	start := time.Now()
	rep := &TickReport{GuildID: guildID}

	release, ok, err := e.guard.Acquire(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if !ok {
		rep.Skipped = true
		metrics.TicksTotal.WithLabelValues("skipped").Inc()
		e.log.Warn("tick already running, skipped", "guild_id", guildID)
		return rep, nil
	}
	defer release()

	cfg, err := store.MarketConfig(ctx, e.store, guildID)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled || !cfg.AutoFluctuationEnabled {
		rep.Noop = true
		metrics.TicksTotal.WithLabelValues("noop").Inc()
		return rep, nil
	}

	stocks, err := e.store.ListStocks(ctx, guildID, model.StockActive)
	if err != nil {
		return nil, err
	}

	for i := range stocks {
		st := &stocks[i]
		tick, err := e.step(ctx, st, cfg.FluctuationRangePct)
		if err != nil {
			e.log.Warn("price update failed", "guild_id", guildID, "stock_id", st.ID, "err", err)
			rep.fail(st.ID, err)
			continue
		}
		rep.Updated = append(rep.Updated, *tick)

		st.CurrentPrice = tick.NewPrice
		if err := e.settle(ctx, st, tick.NewPrice, rep); err != nil {
			rep.fail(st.ID, err)
		}
	}

	e.dispatch(rep)

	outcome := "ok"
	if rep.Err != nil {
		outcome = "partial"
	}
	metrics.TicksTotal.WithLabelValues(outcome).Inc()
	metrics.TickDuration.Observe(time.Since(start).Seconds())
	e.log.Info("tick complete",
		"guild_id", guildID,
		"updated", len(rep.Updated),
		"failed", len(rep.Failed),
		"orders_resolved", len(rep.Resolutions),
		"alerts_fired", len(rep.Alerts),
		"duration", time.Since(start),
	)
	return rep, nil
}

// step draws a new price and writes it, rereading on conflict.
func (e *PriceEngine) step(ctx context.Context, st *model.Stock, rangePct decimal.Decimal) (*StockTick, error) {
	var tick *StockTick
	err := store.RetryOnConflict(ctx, func() error {
		cur, err := e.store.GetStock(ctx, st.GuildID, st.ID)
		if err != nil {
			return err
		}
		next := pricing.Fluctuate(cur.CurrentPrice, cur.VolatilityPct, rangePct, e.uniform(), cur.MinPrice, cur.MaxPrice)
		if err := e.store.UpdateStockPrice(ctx, cur.GuildID, cur.ID, cur.CurrentPrice, next, e.now()); err != nil {
			return err
		}
		tick = &StockTick{StockID: cur.ID, Symbol: cur.Symbol, OldPrice: cur.CurrentPrice, NewPrice: next}
		return nil
	})
	return tick, err
}

// settle runs the order book and then the alerts against price.
func (e *PriceEngine) settle(ctx context.Context, st *model.Stock, price decimal.Decimal, rep *TickReport) error {
	var errs error
	res, err := e.orders.Evaluate(ctx, st, price)
	rep.Resolutions = append(rep.Resolutions, res...)
	if err != nil {
		errs = errors.Join(errs, fmt.Errorf("orders: %w", err))
	}
	fired, err := e.alerts.Check(ctx, st.GuildID, st.ID, price)
	rep.Alerts = append(rep.Alerts, fired...)
	if err != nil {
		errs = errors.Join(errs, fmt.Errorf("alerts: %w", err))
	}
	return errs
}

// ApplyEvent settles the prices moved by a market event against orders and
// alerts, the same way a tick does.
func (e *PriceEngine) ApplyEvent(ctx context.Context, res *events.Result) *TickReport {
	rep := &TickReport{GuildID: res.Event.GuildID}
	for i := range res.Changes {
		ch := &res.Changes[i]
		rep.Updated = append(rep.Updated, StockTick{
			StockID:  ch.Stock.ID,
			Symbol:   ch.Stock.Symbol,
			OldPrice: ch.OldPrice,
			NewPrice: ch.NewPrice,
		})
		st := ch.Stock
		if err := e.settle(ctx, &st, ch.NewPrice, rep); err != nil {
			rep.fail(st.ID, err)
		}
	}
	if err := e.sink.Notify(ctx, rep.GuildID, eventNotification(&res.Event, e.now())); err != nil {
		e.log.Warn("notification not queued", "guild_id", rep.GuildID, "kind", notify.KindEvent, "err", err)
	}
	e.dispatch(rep)
	return rep
}

func (e *PriceEngine) dispatch(rep *TickReport) {
	ctx := context.Background()
	now := e.now()
	for _, n := range tickNotifications(rep, now) {
		if err := e.sink.Notify(ctx, rep.GuildID, n); err != nil {
			e.log.Warn("notification not queued", "guild_id", rep.GuildID, "kind", n.Kind, "err", err)
		}
	}
}
