// Package alerts implements one-shot user price alerts.
package alerts

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

// Engine is the AlertEngine component.
type Engine struct {
	store store.Store
	log   *slog.Logger
	now   func() time.Time
}

// New creates an alert engine. A nil logger uses slog.Default().
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

// CreateInput describes a new alert. above and below alerts need
// TargetPrice; changePercent alerts need ChangePct.
type CreateInput struct {
	GuildID     string
	UserID      string
	StockID     string
	Type        model.AlertType
	TargetPrice *decimal.Decimal
	ChangePct   *decimal.Decimal
}

// Create stores an alert with the stock's current price as its baseline.
func (e *Engine) Create(ctx context.Context, in CreateInput) (*model.PriceAlert, error) {
	switch in.Type {
	case model.AlertAbove, model.AlertBelow:
		if in.TargetPrice == nil || !in.TargetPrice.IsPositive() {
			return nil, model.Invalid("target_price", "%s alerts need a positive target price", in.Type)
		}
		in.ChangePct = nil
	case model.AlertChangePercent:
		if in.ChangePct == nil || !in.ChangePct.IsPositive() {
			return nil, model.Invalid("change_pct", "changePercent alerts need a positive percentage")
		}
		in.TargetPrice = nil
	default:
		return nil, model.Invalid("type", "unknown alert type %q", in.Type)
	}

	st, err := e.store.GetStock(ctx, in.GuildID, in.StockID)
	if err != nil {
		return nil, err
	}
	if st.Status == model.StockDelisted {
		return nil, model.Invalid("stock", "%s is delisted", st.Symbol)
	}

	a := &model.PriceAlert{
		ID:            uuid.New().String(),
		GuildID:       in.GuildID,
		UserID:        in.UserID,
		StockID:       in.StockID,
		Type:          in.Type,
		TargetPrice:   in.TargetPrice,
		ChangePct:     in.ChangePct,
		BaselinePrice: st.CurrentPrice,
		CreatedAt:     e.now(),
	}
	if err := e.store.CreateAlert(ctx, a); err != nil {
		return nil, err
	}
	e.log.Info("alert created",
		"alert_id", a.ID,
		"guild_id", a.GuildID,
		"user_id", a.UserID,
		"symbol", st.Symbol,
		"type", a.Type,
	)
	return a, nil
}

// ListUser returns the user's alerts, fired ones included.
func (e *Engine) ListUser(ctx context.Context, guildID, userID string) ([]model.PriceAlert, error) {
	return e.store.ListUserAlerts(ctx, guildID, userID)
}

// Matches reports whether price satisfies the alert's condition.
func Matches(a *model.PriceAlert, price decimal.Decimal) bool {
	switch a.Type {
	case model.AlertAbove:
		return a.TargetPrice != nil && price.GreaterThanOrEqual(*a.TargetPrice)
	case model.AlertBelow:
		return a.TargetPrice != nil && price.LessThanOrEqual(*a.TargetPrice)
	case model.AlertChangePercent:
		return a.ChangePct != nil && pricing.ChangePct(a.BaselinePrice, price).GreaterThanOrEqual(*a.ChangePct)
	}
	return false
}

// Check fires every unfired alert on the stock that newPrice satisfies.
// Each alert is marked notified with a compare-and-swap, so concurrent
// checks fire it once. The fired alerts are returned for dispatch.
func (e *Engine) Check(ctx context.Context, guildID, stockID string, newPrice decimal.Decimal) ([]model.PriceAlert, error) {
	active, err := e.store.ListActiveAlerts(ctx, guildID, stockID)
	if err != nil {
		return nil, err
	}

	var (
		fired []model.PriceAlert
		errs  error
	)
	for i := range active {
		a := active[i]
		if !Matches(&a, newPrice) {
			continue
		}
		now := e.now()
		err := e.store.MarkAlertNotified(ctx, guildID, a.ID, now)
		if errors.Is(err, model.ErrConflict) {
			continue
		}
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("alert %s: %w", a.ID, err))
			continue
		}
		a.Notified = true
		a.NotifiedAt = &now
		fired = append(fired, a)
		metrics.AlertsFired.Inc()
	}
	if len(fired) > 0 {
		e.log.Info("alerts fired", "guild_id", guildID, "stock_id", stockID, "count", len(fired))
	}
	return fired, errs
}
