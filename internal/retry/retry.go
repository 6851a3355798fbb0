// Package retry provides the shared bounded-backoff policy applied by the
// auth manager, the HTTP drivers, and the streaming transport. Centralizing
// it keeps attempt budgets and delay shapes consistent across call sites.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
)

// Policy describes a bounded exponential backoff schedule.
// The zero value is not usable; start from DefaultPolicy.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	Min         time.Duration
	Max         time.Duration
	Factor      float64
	Jitter      bool

	// SleepFunc waits between attempts. Nil means a real timer.
	// Tests set this to return immediately.
	SleepFunc func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns the schedule used when a component does not
// configure its own: 3 attempts, 500ms..10s with jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Min:         500 * time.Millisecond,
		Max:         10 * time.Second,
		Factor:      2,
		Jitter:      true,
	}
}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so Do stops immediately and returns it unchanged
// to the caller (unwrapped from the marker).
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &permanentError{err: err}
}

// Do runs fn up to p.MaxAttempts times, sleeping per the backoff schedule
// between failures. A nil return stops immediately. An error wrapped with
// Permanent stops immediately and is returned as-is. Context cancellation
// aborts the wait and returns ctx.Err().
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry: MaxAttempts must be >= 1, got %d", p.MaxAttempts)
	}

	b := &backoff.Backoff{
		Min:    p.Min,
		Max:    p.Max,
		Factor: p.Factor,
		Jitter: p.Jitter,
	}

	var lastErr error

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}

		lastErr = err

		if attempt == p.MaxAttempts-1 {
			break
		}

		if sleepErr := p.sleep(ctx, b.Duration()); sleepErr != nil {
			return sleepErr
		}
	}

	return fmt.Errorf("retry: %d attempts exhausted: %w", p.MaxAttempts, lastErr)
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.SleepFunc != nil {
		return p.SleepFunc(ctx, d)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
