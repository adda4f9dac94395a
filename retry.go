package ftpcluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"time"
)

// RetryConfig configures how a cluster redials a replacement connection.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int

	// InitialDelay is the initial delay between retries.
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier (e.g., 2.0 = double delay each retry).
	Multiplier float64

	// JitterFactor adds randomness to delay (0.0 = no jitter, 0.5 = ±50% jitter).
	JitterFactor float64
}

// DefaultRetryConfig returns sensible default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     15 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.25,
	}
}

// retry runs fn until it succeeds, fails with a permanent error, runs out
// of attempts or ctx is done.
func retry(ctx context.Context, config RetryConfig, logger *slog.Logger, operation string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s cancelled: %w", operation, err)
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) || attempt == config.MaxRetries {
			break
		}

		delay := backoff(config, attempt)
		logger.Warn("retrying", "op", operation, "attempt", attempt+1, "max", config.MaxRetries+1, "err", err, "delay", delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%s cancelled during retry wait: %w", operation, ctx.Err())
		case <-t.C:
		}
	}

	return fmt.Errorf("%s failed: %w", operation, lastErr)
}

func backoff(config RetryConfig, attempt int) time.Duration {
	delay := float64(config.InitialDelay)
	for range attempt {
		delay *= config.Multiplier
	}

	if config.JitterFactor > 0 {
		jitter := delay * config.JitterFactor
		delay = delay - jitter + rand.Float64()*2*jitter
	}

	if config.MaxDelay > 0 && delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	return time.Duration(delay)
}

// isRetryable reports whether redialing might succeed: network failures and
// 4xx replies (e.g. 421 too many users) are transient, credential
// rejections and 5xx replies are not.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	// Dial timeouts also match context.DeadlineExceeded, so only outright
	// cancellation is final here; the caller's ctx is checked by retry.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var re *ReplyError
	if errors.As(err, &re) {
		return re.IsTemporary()
	}

	var ae *AuthError
	if errors.As(err, &ae) {
		return false
	}

	var ce *ConnectError
	var netErr net.Error
	return errors.As(err, &ce) || errors.As(err, &netErr) || errors.Is(err, ErrConnectionClosed)
}
