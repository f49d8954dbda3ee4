package store

import (
	"context"
	"errors"
	"time"

	"github.com/creatorbot/market-engine/internal/model"
)

const (
	// ConflictAttempts is how many times a conditional write is attempted.
	ConflictAttempts = 3
	conflictBackoff  = 10 * time.Millisecond
)

// RetryOnConflict runs fn until it returns something other than
// model.ErrConflict, backing off exponentially between attempts. After the
// last attempt the conflict is reported as model.ErrTransient.
func RetryOnConflict(ctx context.Context, fn func() error) error {
	delay := conflictBackoff
	for attempt := 0; attempt < ConflictAttempts; attempt++ {
		err := fn()
		if !errors.Is(err, model.ErrConflict) {
			return err
		}
		if attempt == ConflictAttempts-1 {
			break
		}
		if err := sleepWithContext(ctx, delay); err != nil {
			return err
		}
		delay *= 2
	}
	return errors.Join(model.ErrTransient, model.ErrConflict)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, model.ErrNotFound)
}
