package faults

import (
	"context"
	"errors"
	"time"
)

// RecoveryAction tries to repair the condition behind e. It must return
// promptly; the handler bounds it with a timeout.
type RecoveryAction func(ctx context.Context, e *Error) error

// errNotApplicable marks a recovery that had nothing to do for this error.
var errNotApplicable = errors.New("recovery not applicable")

type recoveryEntry struct {
	name   string
	action RecoveryAction
}

// WaitAndRetry waits for the error's RetryAfter, capped at maxWait, and
// re-runs the operation attached with WithRetry. Errors without an
// attached operation are left alone.
func WaitAndRetry(maxWait time.Duration) RecoveryAction {
	return func(ctx context.Context, e *Error) error {
		if e.retry == nil {
			return errNotApplicable
		}
		wait := e.RetryAfter
		if wait > maxWait {
			wait = maxWait
		}
		if wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return e.retry(ctx)
	}
}

// ReconnectAndRetry pings the dependency like Reconnect and, once it
// answers, re-runs the attached operation like WaitAndRetry.
func ReconnectAndRetry(b *Breaker, ping func(context.Context) error, maxWait time.Duration) RecoveryAction {
	reconnect := Reconnect(b, ping)
	retry := WaitAndRetry(maxWait)
	return func(ctx context.Context, e *Error) error {
		if err := reconnect(ctx, e); err != nil {
			return err
		}
		if err := retry(ctx, e); err != nil && !errors.Is(err, errNotApplicable) {
			return err
		}
		return nil
	}
}

// Reconnect pings a dependency through its breaker. A successful ping
// during half-open closes the breaker.
func Reconnect(b *Breaker, ping func(context.Context) error) RecoveryAction {
	return func(ctx context.Context, _ *Error) error {
		return b.Do(ctx, ping)
	}
}
