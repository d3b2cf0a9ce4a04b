package rpcutil

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/SolVend/engine/internal/errors"
)

func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond}
	calls := 0

	got, err := WithRetryCustom(context.Background(), cfg, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, stderrors.New("429 too many requests")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("WithRetryCustom() error = %v", err)
	}
	if got != 42 {
		t.Errorf("WithRetryCustom() = %v, want 42", got)
	}
	if calls != 3 {
		t.Errorf("calls = %v, want 3", calls)
	}
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond}
	calls := 0

	_, err := WithRetryCustom(context.Background(), cfg, func() (int, error) {
		calls++
		return 0, errors.New(errors.ErrCodeStockVanished, "gone")
	})
	if err == nil {
		t.Fatal("WithRetryCustom() expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %v, want 1 (no retry on permanent error)", calls)
	}
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond}
	calls := 0

	_, err := WithRetryCustom(context.Background(), cfg, func() (int, error) {
		calls++
		return 0, stderrors.New("database is locked")
	})
	if err == nil {
		t.Fatal("WithRetryCustom() expected error after exhaustion")
	}
	if calls != 3 {
		t.Errorf("calls = %v, want 3 (initial + 2 retries)", calls)
	}
}

func TestWithRetryHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxRetries: 5, BaseDelay: 50 * time.Millisecond}
	calls := 0

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := WithRetryCustom(ctx, cfg, func() (int, error) {
			calls++
			return 0, stderrors.New("connection refused")
		})
		if err == nil {
			t.Error("WithRetryCustom() expected error after cancel")
		}
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WithRetryCustom() did not return after context cancel")
	}
	if calls > 2 {
		t.Errorf("calls = %v, want at most 2 after early cancel", calls)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit text", stderrors.New("rate limit exceeded"), true},
		{"http 429", stderrors.New("status 429"), true},
		{"sqlite busy", stderrors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"pg deadlock", stderrors.New("pq: deadlock detected"), true},
		{"timeout", stderrors.New("i/o timeout"), true},
		{"bad gateway", stderrors.New("502 bad gateway"), true},
		{"coded retryable", errors.New(errors.ErrCodeRPCRateLimited, "slow down"), true},
		{"coded permanent", errors.New(errors.ErrCodeCorruptKey, "mismatch"), false},
		{"plain validation", stderrors.New("invalid amount"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryableError(tt.err); got != tt.want {
				t.Errorf("IsRetryableError() = %v, want %v", got, tt.want)
			}
		})
	}
}
