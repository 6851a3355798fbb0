package stream

import (
	"context"
	"log/slog"
	"time"
)

// MinPollInterval is the floor for HTTP-backed event subscriptions.
// Backends without push delivery are polled, never busier than this.
const MinPollInterval = time.Second

// PollConfig parameterizes a poll-backed subscription.
type PollConfig struct {
	// Interval between fetches. Values below MinPollInterval are raised
	// to it.
	Interval time.Duration
	Buffer   int
	// Fetch returns the latest frame, or nil when nothing new is
	// available. Errors are logged and the poll continues; the fetch
	// implementation owns its retry policy.
	Fetch  func(ctx context.Context) (*Frame, error)
	Logger *slog.Logger
}

// Poll emulates a push subscription over a pull transport by fetching at
// a bounded interval. Cancelling the subscription stops the poll loop
// deterministically.
func Poll(ctx context.Context, cfg PollConfig) *Subscription {
	if cfg.Interval < MinPollInterval {
		cfg.Interval = MinPollInterval
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	pollCtx, cancel := context.WithCancel(ctx)

	sub := newSubscription(0, Filter{}, cfg.Buffer, func(s *Subscription) {
		cancel()
		s.closeWith(nil)
	})

	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-pollCtx.Done():
				sub.closeWith(nil)
				return
			case <-ticker.C:
			}

			frame, err := cfg.Fetch(pollCtx)
			if err != nil {
				if pollCtx.Err() != nil {
					sub.closeWith(nil)
					return
				}

				cfg.Logger.Warn("poll fetch failed", slog.String("error", err.Error()))

				continue
			}

			if frame == nil || len(frame.Values) == 0 {
				continue
			}

			sub.deliver(Event{Type: EventFrame, Frame: frame})
		}
	}()

	return sub
}
