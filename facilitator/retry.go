package facilitator

import (
	"context"
	"time"
)

// RetryConfig bounds how often a request is re-sent after a transport
// failure. Delays double after every attempt up to MaxDelay.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

var DefaultRetry = RetryConfig{
	MaxRetries:   2,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     2 * time.Second,
}

func (c RetryConfig) delay(attempt int) time.Duration {
	d := c.InitialDelay
	if d <= 0 {
		d = DefaultRetry.InitialDelay
	}
	for i := 0; i < attempt; i++ {
		d *= 2
		if c.MaxDelay > 0 && d >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	return d
}

// withRetry runs fn until it succeeds, reports a non-retryable error, the
// attempts run out or ctx ends. The last error is returned.
func withRetry[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, bool, error)) (T, error) {
	var (
		result T
		err    error
		retry  bool
	)
	for attempt := 0; ; attempt++ {
		result, retry, err = fn(ctx)
		if err == nil || !retry || attempt >= cfg.MaxRetries {
			return result, err
		}

		timer := time.NewTimer(cfg.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, err
		case <-timer.C:
		}
	}
}
