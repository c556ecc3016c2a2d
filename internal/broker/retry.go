package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/a-essam23/roomgate/pkg/errs"
)

// RetryPolicy bounds the attempts made for retryable failures
// (unreachable backend, dropped stream). Backoff doubles per attempt.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := time.Duration(1<<(attempt-1)) * p.InitialBackoff
	if p.MaxBackoff > 0 && (d > p.MaxBackoff || d <= 0) {
		d = p.MaxBackoff
	}
	return d
}

// retry runs fn until it succeeds, fails with a non-retryable error or the
// attempts run out. Cancelling ctx stops pending retries immediately.
func (b *Broker) retry(ctx context.Context, op string, fn func(attempt int) error) error {
	attempts := b.opts.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := b.opts.Retry.backoff(attempt - 1)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errs.New("broker", op, errs.ErrCancelled, ctx.Err())
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return errs.New("broker", op, errs.ErrCancelled, err)
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errs.Retryable(err) {
			return err
		}
		b.logger.Warn("transient failure, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Int("maxAttempts", attempts),
			slog.Any("error", err),
		)
	}
	return lastErr
}
