package storage

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const maxRetries = 4

// Backoff bounds; vars so tests can shorten them.
var (
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second
)

// attemptFunc performs one try. It reports whether a failure is worth
// retrying.
type attemptFunc func(ctx context.Context) (retryable bool, err error)

// withRetry runs fn up to maxRetries+1 times with exponential backoff.
func withRetry(ctx context.Context, log zerolog.Logger, what string, fn attemptFunc) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			log.Warn().Err(lastErr).Int("attempt", attempt).Dur("wait", delay).Msgf("%s retrying", what)

			select {
			case <-ctx.Done():
				return fmt.Errorf("%s cancelled: %w", what, ctx.Err())
			case <-time.After(delay):
			}
		}

		retryable, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				log.Info().Int("attempt", attempt+1).Msgf("%s succeeded after retry", what)
			}
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", what, maxRetries+1, lastErr)
}

// retryDelay is base * 2^(attempt-1), capped, plus up to 25% jitter.
func retryDelay(attempt int) time.Duration {
	delay := float64(baseRetryDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

// isRetryableError checks if a network-level error is worth retrying.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
