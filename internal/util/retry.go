package util

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
)

func NewBackoff(min, max time.Duration) *backoff.Backoff {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	return &backoff.Backoff{Min: min, Max: max, Factor: 2, Jitter: true}
}

// Retry calls fn up to max+1 times, sleeping b.Duration() between attempts.
// It stops early when retryable reports false for the returned error.
func Retry(ctx context.Context, max int, b *backoff.Backoff, retryable func(error) bool, fn func() error) error {
	if b == nil {
		b = NewBackoff(0, 0)
	}
	var err error
	for attempt := 0; attempt <= max; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = fn()
		if err == nil {
			return nil
		}
		if attempt == max || (retryable != nil && !retryable(err)) {
			break
		}
		if err := Sleep(ctx, b.Duration()); err != nil {
			return err
		}
	}
	return err
}

func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
