package errors

// ErrorCode represents a machine-readable error identifier attached to
// failures as they cross package boundaries.
type ErrorCode string

// Order / finalization errors
const (
	// No sellable unit left at reservation time.
	ErrCodeOutOfStock ErrorCode = "out_of_stock"

	// Product disappeared between reservation and finalization.
	ErrCodeStockVanished ErrorCode = "stock_vanished"

	// Discount state changed between basket display and invoice creation.
	ErrCodeDiscountInvalid   ErrorCode = "discount_invalid"
	ErrCodeDiscountExhausted ErrorCode = "discount_exhausted"
	ErrCodeDiscountMismatch  ErrorCode = "discount_mismatch"

	// Post-payment finalization failed; subject to the retry loop.
	ErrCodeFinalizeFailed ErrorCode = "finalize_failed"

	// Refund-after-failure failed. Highest severity; funds are parked
	// in a recoverable artifact and an operator is paged.
	ErrCodeCompensationFailed ErrorCode = "compensation_failed"

	// Media could not be delivered after a completed sale.
	ErrCodeDeliveryFailed ErrorCode = "delivery_failed"
)

// Pricing / oracle errors
const (
	ErrCodeQuoteUnavailable ErrorCode = "quote_unavailable"
	ErrCodeQuoteStale       ErrorCode = "quote_stale"
)

// Chain / wallet errors
const (
	ErrCodeRPCRateLimited ErrorCode = "rpc_rate_limited"
	ErrCodeRPCUnavailable ErrorCode = "rpc_unavailable"

	// Stored keypair no longer derives its public key.
	ErrCodeCorruptKey ErrorCode = "corrupt_key"

	ErrCodeSweepFailed       ErrorCode = "sweep_failed"
	ErrCodeInsufficientFunds ErrorCode = "insufficient_funds"
)

// Validation errors (request/command input)
const (
	ErrCodeMissingField   ErrorCode = "missing_field"
	ErrCodeInvalidField   ErrorCode = "invalid_field"
	ErrCodeInvalidAmount  ErrorCode = "invalid_amount"
	ErrCodeInvalidWallet  ErrorCode = "invalid_wallet"
	ErrCodeBasketEmpty    ErrorCode = "basket_empty"
	ErrCodeBelowMinRefill ErrorCode = "below_min_refill"
	ErrCodeUserBanned     ErrorCode = "user_banned"
	ErrCodeUnauthorized   ErrorCode = "unauthorized"

	// Internal EUR balance too low for the attempted debit. Distinct
	// from ErrCodeInsufficientFunds, which is on-chain lamports.
	ErrCodeInsufficientBalance ErrorCode = "insufficient_balance"
)

// Resource/state errors
const (
	ErrCodeUserNotFound     ErrorCode = "user_not_found"
	ErrCodeProductNotFound  ErrorCode = "product_not_found"
	ErrCodeOrderNotFound    ErrorCode = "order_not_found"
	ErrCodeWalletNotFound   ErrorCode = "wallet_not_found"
	ErrCodeDepositNotFound  ErrorCode = "deposit_not_found"
	ErrCodeDiscountNotFound ErrorCode = "discount_not_found"

	ErrCodeOrderAlreadyFinal ErrorCode = "order_already_final"
	ErrCodeWalletSwept       ErrorCode = "wallet_already_swept"
)

// External service errors
const (
	ErrCodePriceAPIError  ErrorCode = "price_api_error"
	ErrCodeFXAPIError     ErrorCode = "fx_api_error"
	ErrCodeMessengerError ErrorCode = "messenger_error"
	ErrCodeNetworkError   ErrorCode = "network_error"
)

// Internal/system errors
const (
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeDatabaseError ErrorCode = "database_error"
	ErrCodeDatabaseBusy  ErrorCode = "database_busy"
	ErrCodeConfigError   ErrorCode = "config_error"
)

// IsRetryable reports whether an error code represents a transient failure
// worth retrying. Stateful failures (stock, discounts, validation) are not
// retryable; they must surface to the caller.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeRPCRateLimited,
		ErrCodeRPCUnavailable,
		ErrCodeNetworkError,
		ErrCodePriceAPIError,
		ErrCodeFXAPIError,
		ErrCodeMessengerError,
		ErrCodeDatabaseBusy,
		ErrCodeFinalizeFailed:
		return true

	default:
		return false
	}
}

// HTTPStatus returns the HTTP status code used when this error escapes
// through the webhook surface.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	// 400 Bad Request - input validation
	case ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidAmount,
		ErrCodeInvalidWallet,
		ErrCodeBasketEmpty,
		ErrCodeBelowMinRefill:
		return 400

	// 402 Payment Required - payment-state failures
	case ErrCodeQuoteUnavailable,
		ErrCodeQuoteStale,
		ErrCodeInsufficientFunds,
		ErrCodeInsufficientBalance:
		return 402

	// 403 Forbidden
	case ErrCodeUserBanned,
		ErrCodeUnauthorized:
		return 403

	// 404 Not Found
	case ErrCodeUserNotFound,
		ErrCodeProductNotFound,
		ErrCodeOrderNotFound,
		ErrCodeWalletNotFound,
		ErrCodeDepositNotFound,
		ErrCodeDiscountNotFound:
		return 404

	// 409 Conflict - business-rule conflicts
	case ErrCodeStockVanished,
		ErrCodeDiscountInvalid,
		ErrCodeDiscountExhausted,
		ErrCodeDiscountMismatch,
		ErrCodeOrderAlreadyFinal,
		ErrCodeWalletSwept:
		return 409

	// 429 Too Many Requests
	case ErrCodeRPCRateLimited:
		return 429

	// 502 Bad Gateway - upstream failures
	case ErrCodeRPCUnavailable,
		ErrCodePriceAPIError,
		ErrCodeFXAPIError,
		ErrCodeMessengerError,
		ErrCodeNetworkError:
		return 502

	// 500 Internal Server Error
	default:
		return 500
	}
}
