package ledger

import "errors"

var (
	// ErrStorageUnavailable wraps transient infrastructure failures
	ErrStorageUnavailable = errors.New("storage unavailable")

	ErrPurchaseNotFound  = errors.New("purchase not found")
	ErrPrincipalNotFound = errors.New("principal not found")
	ErrUsageNotFound     = errors.New("usage entry not found")

	// ErrCreditConflict is returned when the purchase behind a decision no
	// longer grants it at commit time
	ErrCreditConflict = errors.New("credit conflict")

	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrInvalidCredits          = errors.New("invalid credits")
	ErrInvalidEvent            = errors.New("invalid purchase event")
)

// IsRetryable reports whether the operation may succeed when retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrCreditConflict)
}
