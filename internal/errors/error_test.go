package errors

import (
	"fmt"
	"testing"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		code ErrorCode
		want bool
	}{
		{"rpc rate limited", ErrCodeRPCRateLimited, true},
		{"rpc unavailable", ErrCodeRPCUnavailable, true},
		{"network", ErrCodeNetworkError, true},
		{"price api", ErrCodePriceAPIError, true},
		{"database busy", ErrCodeDatabaseBusy, true},
		{"finalize failed", ErrCodeFinalizeFailed, true},
		{"stock vanished", ErrCodeStockVanished, false},
		{"discount exhausted", ErrCodeDiscountExhausted, false},
		{"compensation failed", ErrCodeCompensationFailed, false},
		{"corrupt key", ErrCodeCorruptKey, false},
		{"user banned", ErrCodeUserBanned, false},
		{"internal", ErrCodeInternalError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.code.IsRetryable(); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		code ErrorCode
		want int
	}{
		{"invalid amount", ErrCodeInvalidAmount, 400},
		{"quote unavailable", ErrCodeQuoteUnavailable, 402},
		{"banned", ErrCodeUserBanned, 403},
		{"product not found", ErrCodeProductNotFound, 404},
		{"discount exhausted", ErrCodeDiscountExhausted, 409},
		{"rate limited", ErrCodeRPCRateLimited, 429},
		{"rpc down", ErrCodeRPCUnavailable, 502},
		{"internal", ErrCodeInternalError, 500},
		{"unknown code", ErrorCode("nonsense"), 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.want {
				t.Errorf("HTTPStatus() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCodeOf(t *testing.T) {
	base := New(ErrCodeStockVanished, "product 12 gone")
	wrapped := fmt.Errorf("finalize order: %w", base)
	deep := Wrap(wrapped, ErrCodeFinalizeFailed, "attempt 2")

	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"direct", base, ErrCodeStockVanished},
		{"through fmt wrap", wrapped, ErrCodeStockVanished},
		{"outermost wins", deep, ErrCodeFinalizeFailed},
		{"uncoded", fmt.Errorf("plain"), ErrCodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHasCode(t *testing.T) {
	inner := New(ErrCodeDiscountExhausted, "code OUT10 spent")
	outer := Wrap(fmt.Errorf("apply discount: %w", inner), ErrCodeFinalizeFailed, "retrying")

	if !HasCode(outer, ErrCodeFinalizeFailed) {
		t.Error("HasCode() missed outer code")
	}
	if !HasCode(outer, ErrCodeDiscountExhausted) {
		t.Error("HasCode() missed inner code")
	}
	if HasCode(outer, ErrCodeCorruptKey) {
		t.Error("HasCode() reported absent code")
	}
}

func TestWrapNil(t *testing.T) {
	if got := Wrap(nil, ErrCodeInternalError, "ignored"); got != nil {
		t.Errorf("Wrap(nil) = %v, want nil", got)
	}
}
