package reconnect

import (
	"context"
	"time"
)

// Schedule defines the backoff durations for successive reconnect attempts.
var Schedule = []time.Duration{
	time.Second, time.Second, time.Second,
	5 * time.Second, 5 * time.Second, 5 * time.Second,
	15 * time.Second, 15 * time.Second, 15 * time.Second,
}

// Ceiling is the delay used once Schedule is exhausted.
const Ceiling = 30 * time.Second

// Delay returns the backoff duration for the given attempt.
func Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt < len(Schedule) {
		return Schedule[attempt]
	}
	return Ceiling
}

// Retry calls fn until it succeeds or ctx is done, sleeping Delay(attempt)
// between failures. onFail, when set, observes each failure and the delay
// before the next try.
func Retry(ctx context.Context, fn func(context.Context) error, onFail func(attempt int, err error, wait time.Duration)) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := Delay(attempt)
		if onFail != nil {
			onFail(attempt, err, wait)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
