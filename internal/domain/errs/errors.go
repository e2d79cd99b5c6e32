package errs

import (
	"errors"
	"fmt"
)

// ErrNoAttempts is wrapped by RetryExhaustedError when a policy was configured
// with zero attempts and fn never ran.
var ErrNoAttempts = errors.New("retry policy performed no attempts")

// IdempotencyConflictError means another execution for the same key is in flight.
// Callers must not wait on it; the owner of the pending lock will resolve the key.
type IdempotencyConflictError struct {
	Key string
}

func (e *IdempotencyConflictError) Error() string {
	return fmt.Sprintf("idempotency conflict: operation for key %q is already in progress", e.Key)
}

// RetryExhaustedError is returned by the retry policy once its attempt budget is spent.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	if e.Attempts == 0 || e.Last == nil {
		return ErrNoAttempts.Error()
	}
	return fmt.Sprintf("retry exhausted after %d attempts: %s", e.Attempts, e.Last.Error())
}

func (e *RetryExhaustedError) Unwrap() error {
	if e.Last == nil {
		return ErrNoAttempts
	}
	return e.Last
}

// EnvelopeParseError is raised when a raw transport message cannot be turned into an envelope.
type EnvelopeParseError struct {
	Topic  string
	Offset int64
	Err    error
}

func (e *EnvelopeParseError) Error() string {
	return fmt.Sprintf("parse envelope (topic %s, offset %d): %v", e.Topic, e.Offset, e.Err)
}

func (e *EnvelopeParseError) Unwrap() error {
	return e.Err
}

func IsConflict(err error) bool {
	var target *IdempotencyConflictError
	return errors.As(err, &target)
}

func IsRetryExhausted(err error) bool {
	var target *RetryExhaustedError
	return errors.As(err, &target)
}

func IsParse(err error) bool {
	var target *EnvelopeParseError
	return errors.As(err, &target)
}
