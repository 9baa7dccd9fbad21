package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Circuit breaker errors
	ErrCircuitOpen  = errors.New("circuit breaker: circuit is open")
	ErrUnknownState = errors.New("circuit breaker: unknown state")

	// Retry errors
	ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")
	ErrNonRetryable       = errors.New("retry: error is not retryable")
)

// CircuitBreakerError represents a fast rejection by an open circuit. It
// never wraps an operation timeout; the protected operation was not invoked.
type CircuitBreakerError struct {
	Name             string
	State            State
	Op               string
	Failures         int
	FailureThreshold int
	LastFailure      time.Time
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	retryIn := time.Until(e.NextRetry).Round(time.Millisecond)
	return fmt.Sprintf("circuit breaker %q open: %s blocked (failures=%d/%d, retry in %v)",
		e.Name, e.Op, e.Failures, e.FailureThreshold, retryIn)
}

func (e *CircuitBreakerError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// OperationTimeoutError reports that a protected operation exceeded the
// breaker's per-call timeout. It counts as a qualifying failure.
type OperationTimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *OperationTimeoutError) Error() string {
	return fmt.Sprintf("circuit breaker %q: operation timed out after %v", e.Name, e.Timeout)
}

// RetryError reports that every allowed attempt failed. It matches
// ErrMaxRetriesExceeded via errors.Is and unwraps to the last attempt's error.
type RetryError struct {
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry: %d attempts exhausted over %v: %v",
		e.Attempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}

func (e *RetryError) Is(target error) bool {
	return target == ErrMaxRetriesExceeded
}

// IsCircuitOpen reports whether err is a fast rejection from an open circuit.
func IsCircuitOpen(err error) bool {
	var cbErr *CircuitBreakerError
	return errors.As(err, &cbErr)
}
