package portfolio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/creatorbot/market-engine/internal/metrics"
)

// undoStack records how to reverse each applied trade step. Steps are
// undone last-in first-out.
type undoStack struct {
	steps []undoStep
}

type undoStep struct {
	name string
	fn   func(ctx context.Context) error
}

func (u *undoStack) push(name string, fn func(ctx context.Context) error) {
	u.steps = append(u.steps, undoStep{name: name, fn: fn})
}

// unwind reverses every recorded step under a fresh context bounded by
// timeout, so a cancelled request still rolls back. Every step is attempted
// even if an earlier undo fails; the failures are joined.
func (u *undoStack) unwind(ctx context.Context, timeout time.Duration, log *slog.Logger, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	var errs error
	for i := len(u.steps) - 1; i >= 0; i-- {
		step := u.steps[i]
		if err := step.fn(ctx); err != nil {
			metrics.Compensations.WithLabelValues(step.name, "failed").Inc()
			log.Error("compensation failed", "step", step.name, "cause", cause, "err", err)
			errs = errors.Join(errs, fmt.Errorf("undo %s: %w", step.name, err))
			continue
		}
		metrics.Compensations.WithLabelValues(step.name, "ok").Inc()
		log.Warn("trade step undone", "step", step.name, "cause", cause)
	}
	u.steps = nil
	return errs
}
