package workflow

import (
	"context"
	"time"
)

const (
	MaxPollWait  = 60 * time.Second
	pollInterval = 500 * time.Millisecond
)

// pollUntil re-reads with load until done holds or wait elapses. The wait is
// the caller's deadline; nothing here times out on its own. pending reports
// that the deadline passed before done held, which is not a failure.
func pollUntil[T any](ctx context.Context, wait time.Duration, load func(context.Context) (T, error), done func(T) bool) (T, bool, error) {
	if wait > MaxPollWait {
		wait = MaxPollWait
	}
	deadline := time.Now().Add(wait)
	for {
		v, err := load(ctx)
		if err != nil {
			return v, false, err
		}
		if done(v) {
			return v, false, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return v, true, nil
		}
		sleep := pollInterval
		if remaining < sleep {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return v, true, nil
		case <-time.After(sleep):
		}
	}
}
