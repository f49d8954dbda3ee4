package engine

import (
	"fmt"
	"time"

	"github.com/creatorbot/market-engine/internal/dividends"
	"github.com/creatorbot/market-engine/internal/model"
	"github.com/creatorbot/market-engine/internal/notify"
)

func tickNotifications(rep *TickReport, now time.Time) []notify.Notification {
	out := make([]notify.Notification, 0, len(rep.Updated)+len(rep.Resolutions)+len(rep.Alerts))
	symbols := make(map[string]string, len(rep.Updated))

	for _, t := range rep.Updated {
		symbols[t.StockID] = t.Symbol
		out = append(out, notify.Notification{
			Kind:    notify.KindPrice,
			GuildID: rep.GuildID,
			StockID: t.StockID,
			Symbol:  t.Symbol,
			Price:   t.NewPrice.String(),
			Title:   t.Symbol,
			Message: fmt.Sprintf("%s → %s", t.OldPrice.StringFixed(2), t.NewPrice.StringFixed(2)),
			At:      now,
		})
	}

	for _, r := range rep.Resolutions {
		o := r.Order
		n := notify.Notification{
			GuildID: rep.GuildID,
			UserID:  o.UserID,
			StockID: o.StockID,
			Symbol:  r.Symbol,
			At:      now,
		}
		switch o.Status {
		case model.OrderExecuted:
			n.Kind = notify.KindOrderFilled
			n.Title = "Order filled"
			if o.FillPrice != nil {
				n.Price = o.FillPrice.String()
				n.Message = fmt.Sprintf("%s %d %s at %s", o.Type, o.Shares, r.Symbol, o.FillPrice.StringFixed(2))
			}
		case model.OrderFailed:
			n.Kind = notify.KindOrderFailed
			n.Title = "Order failed"
			n.Message = fmt.Sprintf("%s %d %s: %s", o.Type, o.Shares, r.Symbol, o.FailureReason)
		case model.OrderExpired:
			n.Kind = notify.KindOrderExpired
			n.Title = "Order expired"
			n.Message = fmt.Sprintf("%s %d %s expired", o.Type, o.Shares, r.Symbol)
		default:
			continue
		}
		out = append(out, n)
	}

	for _, a := range rep.Alerts {
		symbol := symbols[a.StockID]
		out = append(out, notify.Notification{
			Kind:    notify.KindAlert,
			GuildID: rep.GuildID,
			UserID:  a.UserID,
			StockID: a.StockID,
			Symbol:  symbol,
			Title:   "Price alert",
			Message: alertMessage(&a, symbol),
			At:      now,
		})
	}
	return out
}

func alertMessage(a *model.PriceAlert, symbol string) string {
	switch a.Type {
	case model.AlertAbove:
		return fmt.Sprintf("%s rose to %s or above", symbol, a.TargetPrice.StringFixed(2))
	case model.AlertBelow:
		return fmt.Sprintf("%s fell to %s or below", symbol, a.TargetPrice.StringFixed(2))
	default:
		return fmt.Sprintf("%s moved %s%% from %s", symbol, a.ChangePct.String(), a.BaselinePrice.StringFixed(2))
	}
}

func eventNotification(ev *model.MarketEvent, now time.Time) notify.Notification {
	msg := ev.Description
	if msg == "" {
		msg = fmt.Sprintf("%s: ×%s, %s%%", ev.Type, ev.PriceMultiplier.String(), ev.PriceChangePct.String())
	}
	n := notify.Notification{
		Kind:    notify.KindEvent,
		GuildID: ev.GuildID,
		Title:   "Market event: " + string(ev.Type),
		Message: msg,
		At:      now,
	}
	if ev.StockID != nil {
		n.StockID = *ev.StockID
	}
	return n
}

func dividendNotifications(guildID string, rep *dividends.Report, now time.Time) []notify.Notification {
	out := make([]notify.Notification, 0, len(rep.Payouts))
	for _, p := range rep.Payouts {
		out = append(out, notify.Notification{
			Kind:    notify.KindDividend,
			GuildID: guildID,
			UserID:  p.UserID,
			StockID: rep.StockID,
			Symbol:  rep.Symbol,
			Title:   "Dividend paid",
			Message: fmt.Sprintf("%s paid %s for %d shares", rep.Symbol, p.Amount.StringFixed(2), p.Shares),
			At:      now,
		})
	}
	return out
}
