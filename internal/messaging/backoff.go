package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryConfig controls exponential backoff for the initial connect.
type RetryConfig struct {
	MaxRetries    int           // 0 = single attempt
	RetryDelay    time.Duration // first delay (default 1s)
	MaxRetryDelay time.Duration // cap (default 30s)
}

// connectWithRetry runs connectFn until it succeeds, retries are exhausted or ctx is done.
//
// Delay schedule: RetryDelay * 2^(attempt-1), capped at MaxRetryDelay.
func connectWithRetry(ctx context.Context, connectFn func(context.Context) error, cfg RetryConfig, logger *slog.Logger) error {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 30 * time.Second
	}

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := connectFn(ctx)
		if err == nil {
			return nil
		}

		attempt++
		if attempt > cfg.MaxRetries {
			if cfg.MaxRetries == 0 {
				return err
			}
			return fmt.Errorf("max retries exceeded (%d attempts): %w", cfg.MaxRetries, err)
		}

		delay := calculateBackoff(attempt, cfg)
		logger.Warn("mqtt connect failed, retrying",
			"error", err,
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
		)

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

func calculateBackoff(attempt int, cfg RetryConfig) time.Duration {
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
