// Package waitfor provides the cooperative polling primitive used by every
// bounded wait in the controller: presence windows, gate passage and enrollment
// reads. Cancellation is observed once per tick; a condition that is already
// running is never interrupted.
package waitfor

import (
	"context"
	"errors"
	"time"
)

var ErrTimeout = errors.New("wait window elapsed")

// Condition is evaluated once per tick with the time elapsed since the wait
// began. Returning true ends the wait successfully; an error ends it with that
// error.
type Condition func(elapsed time.Duration) (bool, error)

// Until evaluates cond immediately and then every interval until it reports
// true, returns an error, the window elapses (ErrTimeout) or ctx is done
// (context.Cause(ctx)).
func Until(ctx context.Context, window, interval time.Duration, cond Condition) error {
	start := time.Now()
	deadline := start.Add(window)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := context.Cause(ctx); err != nil {
			return err
		}

		done, err := cond(time.Since(start))
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if !time.Now().Before(deadline) {
			return ErrTimeout
		}

		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-ticker.C:
		}
	}
}

// Sleep pauses for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return context.Cause(ctx)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}
