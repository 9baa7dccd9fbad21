// Package reliability provides failure-isolation primitives for the Redis
// pub/sub layer.
//
// This package implements:
//   - Circuit Breaker: fail-fast guard with exponential backoff and jittered
//     recovery scheduling, half-open probing, and per-transition metrics
//   - Retry Policies: exponential backoff and fixed delay strategies used by
//     the fallback queue replay path
//
// Key features:
//   - Thread-safe implementations suitable for concurrent use
//   - Configurable thresholds, recovery timeout, and per-call timeout
//   - Custom error classification (retryable vs exempt)
//   - Metrics snapshots queryable without mutating state
//
// Example usage:
//
//	cb := NewCircuitBreaker(
//	    WithFailureThreshold(5),
//	    WithSuccessThreshold(3),
//	    WithRecoveryTimeout(30 * time.Second),
//	)
//
//	err := cb.Execute(ctx, func(ctx context.Context) error {
//	    return riskyOperation(ctx)
//	})
package reliability
