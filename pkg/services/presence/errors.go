package presence

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrentUpdateConflict is returned when resolution kept losing the
	// compare-and-swap race. Callers should resend the signal.
	ErrConcurrentUpdateConflict = errors.New("concurrent update conflict")

	// ErrStoreUnavailable is returned when the shard owning a user cannot serve the operation
	ErrStoreUnavailable = errors.New("presence store unavailable")

	// ErrVersionMismatch is returned by the store when the expected version is stale
	ErrVersionMismatch = errors.New("record version mismatch")

	// ErrDeliveryTimeout is returned when a subscriber did not accept an update in time
	ErrDeliveryTimeout = errors.New("delivery timeout")
)

// ValidationError reports a malformed inbound signal. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
