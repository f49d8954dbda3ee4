// Package notify delivers market notifications (price ticks, order fills,
// fired alerts, events and dividends) to sinks such as websocket clients and
// Discord channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a notification.
type Kind string

const (
	KindPrice        Kind = "price"
	KindOrderFilled  Kind = "order_filled"
	KindOrderFailed  Kind = "order_failed"
	KindOrderExpired Kind = "order_expired"
	KindAlert        Kind = "alert"
	KindEvent        Kind = "event"
	KindDividend     Kind = "dividend"
)

// Notification is a message for one guild. UserID is empty for guild-wide
// messages.
type Notification struct {
	Kind    Kind      `json:"kind"`
	GuildID string    `json:"guild_id"`
	UserID  string    `json:"user_id,omitempty"`
	StockID string    `json:"stock_id,omitempty"`
	Symbol  string    `json:"symbol,omitempty"`
	Price   string    `json:"price,omitempty"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Sink receives notifications.
type Sink interface {
	Notify(ctx context.Context, guildID string, n Notification) error
}

// Named sinks report a label for metrics.
type Named interface {
	Name() string
}

func sinkName(s Sink) string {
	if n, ok := s.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}

// MultiSink fans a notification out to every sink. All sinks are attempted;
// failures are joined.
type MultiSink []Sink

func (m MultiSink) Notify(ctx context.Context, guildID string, n Notification) error {
	var errs error
	for _, s := range m {
		if err := s.Notify(ctx, guildID, n); err != nil {
			errs = errors.Join(errs, fmt.Errorf("%s: %w", sinkName(s), err))
		}
	}
	return errs
}

func (m MultiSink) Name() string { return "multi" }

// Discard drops every notification.
type Discard struct{}

func (Discard) Notify(context.Context, string, Notification) error { return nil }

func (Discard) Name() string { return "discard" }
