package rpcutil

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/SolVend/engine/internal/errors"
	"github.com/SolVend/engine/internal/logger"
)

// RetryConfig defines retry behavior for RPC and storage operations.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetryConfig returns the standard policy for transient failures:
// 100 ms base, doubling per attempt, three retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
	}
}

// WithRetry wraps an operation with retry logic using exponential backoff.
// It retries on transient errors like network issues, rate limits, and
// storage contention.
func WithRetry[T any](ctx context.Context, operation func() (T, error)) (T, error) {
	return WithRetryCustom(ctx, DefaultRetryConfig(), operation)
}

// WithRetryCustom allows custom retry configuration.
func WithRetryCustom[T any](ctx context.Context, cfg RetryConfig, operation func() (T, error)) (T, error) {
	var result T
	var err error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result, err = operation()
		if err == nil {
			return result, nil
		}

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			return result, err
		}

		if !IsRetryableError(err) {
			return result, err
		}

		// Last attempt - don't sleep
		if attempt == cfg.MaxRetries {
			break
		}

		// Exponential backoff: 100ms, 200ms, 400ms with defaults
		delay := cfg.BaseDelay * time.Duration(1<<uint(attempt))
		log := logger.FromContext(ctx)
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", cfg.MaxRetries+1).
			Dur("retry_delay", delay).
			Msg("rpc.operation_retry")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
			// Continue to next attempt
		}
	}

	return result, err
}

// IsRetryableError determines if an error is worth retrying. Errors that
// carry an ErrorCode answer from their taxonomy; everything else falls back
// to substring classification of the upstream message.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var coded *errors.Error
	if stderrors.As(err, &coded) {
		return coded.Code.IsRetryable()
	}

	msg := strings.ToLower(err.Error())

	// Network errors
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "temporary failure") ||
		strings.Contains(msg, "network") {
		return true
	}

	// Rate limiting
	if strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "throttle") {
		return true
	}

	// Storage contention (sqlite and postgres)
	if strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "busy") ||
		strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "serialization failure") ||
		strings.Contains(msg, "lock timeout") {
		return true
	}

	// Server errors (5xx)
	if strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") ||
		strings.Contains(msg, "internal server error") ||
		strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "gateway timeout") {
		return true
	}

	return false
}
