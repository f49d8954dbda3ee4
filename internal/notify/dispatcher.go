package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/creatorbot/market-engine/internal/metrics"
)

// DefaultSendTimeout bounds a single sink call.
const DefaultSendTimeout = 5 * time.Second

type envelope struct {
	guildID string
	n       Notification
}

// Dispatcher queues notifications and hands them to a sink from a single
// worker goroutine. Enqueue never blocks: when the buffer is full the
// notification is dropped and counted. Failed sends are logged and not
// retried.
type Dispatcher struct {
	sink    Sink
	name    string
	queue   chan envelope
	timeout time.Duration
	log     *slog.Logger
}

// NewDispatcher creates a dispatcher with a buffer of size entries. A nil
// logger uses slog.Default().
func NewDispatcher(sink Sink, size int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = 1
	}
	return &Dispatcher{
		sink:    sink,
		name:    sinkName(sink),
		queue:   make(chan envelope, size),
		timeout: DefaultSendTimeout,
		log:     logger,
	}
}

// Enqueue queues n for delivery and reports whether it was accepted.
func (d *Dispatcher) Enqueue(guildID string, n Notification) bool {
	select {
	case d.queue <- envelope{guildID: guildID, n: n}:
		return true
	default:
		metrics.Notifications.WithLabelValues(d.name, "dropped").Inc()
		d.log.Warn("notification dropped", "guild_id", guildID, "kind", n.Kind)
		return false
	}
}

// Notify queues n. It lets a Dispatcher stand in wherever a Sink is
// expected without blocking the caller.
func (d *Dispatcher) Notify(_ context.Context, guildID string, n Notification) error {
	d.Enqueue(guildID, n)
	return nil
}

// Len is the number of queued notifications.
func (d *Dispatcher) Len() int { return len(d.queue) }

// Run delivers queued notifications until ctx is done. Whatever is still
// queued at that point is delivered under a fresh bounded context.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.drain(context.WithoutCancel(ctx))
			return nil
		case env := <-d.queue:
			d.send(ctx, env)
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		select {
		case env := <-d.queue:
			d.send(ctx, env)
		default:
			return
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, env envelope) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.sink.Notify(ctx, env.guildID, env.n); err != nil {
		metrics.Notifications.WithLabelValues(d.name, "failed").Inc()
		d.log.Warn("notification failed",
			"guild_id", env.guildID,
			"kind", env.n.Kind,
			"sink", d.name,
			"err", err,
		)
		return
	}
	metrics.Notifications.WithLabelValues(d.name, "sent").Inc()
}
