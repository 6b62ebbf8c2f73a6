package errors

// ErrorCode represents a machine-readable error identifier for frontend error handling.
type ErrorCode string

// Validation Errors (Request input validation)
const (
	ErrCodeMissingField  ErrorCode = "missing_field"
	ErrCodeInvalidField  ErrorCode = "invalid_field"
	ErrCodeInvalidPhone  ErrorCode = "invalid_phone"
	ErrCodeInvalidAmount ErrorCode = "invalid_amount"
)

// Identity/Ownership Errors
const (
	ErrCodeUnauthenticated ErrorCode = "unauthenticated"
	ErrCodeNotOwner        ErrorCode = "not_owner"
	ErrCodeUnauthorized    ErrorCode = "unauthorized"
)

// Resource/State Errors (Resource not found or in wrong state)
const (
	ErrCodeResourceNotFound     ErrorCode = "resource_not_found"
	ErrCodeProductNotFound      ErrorCode = "product_not_found"
	ErrCodeCategoryNotFound     ErrorCode = "category_not_found"
	ErrCodeNotificationNotFound ErrorCode = "notification_not_found"
	ErrCodeProductUnavailable   ErrorCode = "product_unavailable"
	ErrCodePaymentConflict      ErrorCode = "payment_conflict"
)

// Payment gate
const (
	ErrCodeUnlockRequired ErrorCode = "unlock_required"
)

// External Service Errors (M-Pesa gateway)
const (
	ErrCodePaymentInitiationFailed ErrorCode = "payment_initiation_failed"
	ErrCodeGatewayUnavailable      ErrorCode = "gateway_unavailable"
)

// Internal/System Errors
const (
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeDatabaseError ErrorCode = "database_error"
	ErrCodeRateLimited   ErrorCode = "rate_limited"
)

// IsRetryable returns whether an error code represents a retryable error.
// Retryable errors are typically transient network/service issues, not validation failures.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodePaymentInitiationFailed,
		ErrCodeGatewayUnavailable,
		ErrCodePaymentConflict,
		ErrCodeDatabaseError,
		ErrCodeRateLimited:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	// 400 Bad Request - Client validation errors
	case ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidPhone,
		ErrCodeInvalidAmount:
		return 400

	// 401 Unauthorized - no caller identity
	case ErrCodeUnauthenticated,
		ErrCodeUnauthorized:
		return 401

	// 402 Payment Required - contact details still locked
	case ErrCodeUnlockRequired:
		return 402

	// 403 Forbidden - caller does not own the resource
	case ErrCodeNotOwner:
		return 403

	// 404 Not Found
	case ErrCodeResourceNotFound,
		ErrCodeProductNotFound,
		ErrCodeCategoryNotFound,
		ErrCodeNotificationNotFound:
		return 404

	// 409 Conflict - state prevents the operation
	case ErrCodeProductUnavailable,
		ErrCodePaymentConflict:
		return 409

	// 429 Too Many Requests
	case ErrCodeRateLimited:
		return 429

	// 502 Bad Gateway - provider rejected or failed the push
	case ErrCodePaymentInitiationFailed:
		return 502

	// 503 Service Unavailable - provider circuit open
	case ErrCodeGatewayUnavailable:
		return 503

	default:
		return 500
	}
}
