package provider

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const maxBackoff = 30 * time.Second

// Do runs op with the shared retry discipline: each attempt is bounded by
// cfg.Timeout, rate-limit and timeout failures are retried with exponential
// delays of 1, 2, 4, ... seconds capped at 30s, up to cfg.MaxRetries extra
// attempts. All other kinds propagate immediately.
func Do(ctx context.Context, cfg *Config, logger *zap.SugaredLogger, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			if logger != nil {
				logger.Debugw("retrying provider call",
					"provider", cfg.Name,
					"attempt", attempt,
					"delay", delay,
					"error_kind", KindOf(lastErr).String(),
				)
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		err := op(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			// Caller cancellation, not a provider failure.
			return ctx.Err()
		}
		if !IsRetryable(err) {
			return err
		}
	}

	return lastErr
}

// backoffDelay returns the delay before the given retry attempt (1-based).
func backoffDelay(attempt int) time.Duration {
	d := time.Second << (attempt - 1)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}
