package handlers

// Error codes of the ops API. Generic codes mirror the HTTP status; the
// others name an engine condition.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeRateLimited      = "rate_limited"
	ErrCodeInternal         = "internal_error"

	ErrCodeOffline    = "offline"
	ErrCodeConflict   = "conflict"
	ErrCodeStatus     = "status_failed"
	ErrCodeListFailed = "list_failed"
	ErrCodeRetry      = "retry_failed"
	ErrCodeDiscard    = "discard_failed"
)
