package provisioner

import (
	"errors"
	"fmt"
)

// ErrQueueFull is returned when the operation queue is saturated.
// Callers should back off and retry.
var ErrQueueFull = errors.New("provisioner queue full")

// RetryableError wraps transport-level failures (dial, auth, broken
// session) where the operation is known not to have applied.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return fmt.Sprintf("retryable: %v", e.Err) }
func (e *RetryableError) Unwrap() error { return e.Err }

// FatalError wraps explicit remote rejections (non-zero exit from a
// management command, malformed service unit). Retrying will not help.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// AmbiguousError wraps timeouts where the remote outcome is unknown.
// The operation may or may not have applied; only an idempotent retry
// can resolve it.
type AmbiguousError struct {
	Err error
}

func (e *AmbiguousError) Error() string { return fmt.Sprintf("ambiguous outcome: %v", e.Err) }
func (e *AmbiguousError) Unwrap() error { return e.Err }

func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re) || errors.Is(err, ErrQueueFull)
}

func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

func IsAmbiguous(err error) bool {
	var ae *AmbiguousError
	return errors.As(err, &ae)
}
