package reliability

import (
	"context"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// maxBackoffMultiplier caps the exponential backoff applied to the recovery
// timeout when the circuit keeps reopening.
const maxBackoffMultiplier = 8

// neverAttempt marks a circuit that is permanently open (failureThreshold == 0).
var neverAttempt = time.Unix(1<<62-1, 0)

// FailureClassifier decides whether an error counts against circuit health.
// Errors it rejects are propagated unchanged without touching breaker state.
type FailureClassifier func(error) bool

// CircuitBreaker implements the circuit breaker pattern with exponential
// backoff and jittered recovery scheduling.
type CircuitBreaker struct {
	mu              sync.RWMutex
	state           State
	failures        int
	successes       int
	lastFailureTime time.Time
	nextAttemptTime time.Time
	totalRequests   int64
	totalFailures   int64
	totalSuccesses  int64
	transitions     TransitionCounts

	// Configuration
	failureThreshold int
	successThreshold int
	recoveryTimeout  time.Duration
	operationTimeout time.Duration
	classifier       FailureClassifier
	name             string
}

// TransitionCounts tracks how often each state transition occurred.
type TransitionCounts struct {
	ClosedToOpen     int64
	OpenToHalfOpen   int64
	HalfOpenToClosed int64
	HalfOpenToOpen   int64
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the number of consecutive failures that opens the
// circuit. A threshold of zero yields a permanently open circuit that rejects
// every call without performing I/O.
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets the consecutive successes required to close the
// circuit from half-open.
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithRecoveryTimeout sets the base wait before an open circuit admits a
// trial request.
func WithRecoveryTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.recoveryTimeout = timeout
	}
}

// WithOperationTimeout bounds each protected invocation. A timeout counts as
// a circuit failure.
func WithOperationTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.operationTimeout = timeout
	}
}

// WithFailureClassifier sets the classifier deciding which errors count as
// circuit failures. Unclassified errors pass through without affecting state.
func WithFailureClassifier(classifier FailureClassifier) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.classifier = classifier
	}
}

// WithName sets the circuit breaker name for identification
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: 5,
		successThreshold: 3,
		recoveryTimeout:  30 * time.Second,
		operationTimeout: 30 * time.Second,
		classifier:       func(error) bool { return true },
		name:             "default",
	}

	for _, opt := range options {
		opt(cb)
	}

	// Zero threshold means "always fail fast": the circuit starts open and
	// never schedules a recovery attempt.
	if cb.failureThreshold == 0 {
		cb.state = StateOpen
		cb.nextAttemptTime = neverAttempt
	}

	return cb
}

// Execute runs a function with circuit breaker protection. The wrapped
// operation runs outside the breaker lock so concurrent calls only serialize
// on state bookkeeping, never on downstream I/O.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}

	err := cb.invoke(ctx, fn)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case err == nil:
		cb.recordSuccess()
	case cb.classifier(err):
		cb.recordFailure()
	default:
		// Exempt error: counted in totalRequests only, state untouched.
	}
	return err
}

// beforeCall decides eligibility and performs the lazy open-to-half-open
// transition. Rejections return without invoking the operation.
func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return nil

	case StateOpen:
		if time.Now().Before(cb.nextAttemptTime) {
			return &CircuitBreakerError{
				Name:             cb.name,
				State:            cb.state,
				Op:               "execute",
				Failures:         cb.failures,
				FailureThreshold: cb.failureThreshold,
				LastFailure:      cb.lastFailureTime,
				NextRetry:        cb.nextAttemptTime,
			}
		}
		cb.state = StateHalfOpen
		cb.successes = 0
		cb.transitions.OpenToHalfOpen++
		return nil

	default:
		return ErrUnknownState
	}
}

// invoke runs the operation under the configured operation timeout.
func (cb *CircuitBreaker) invoke(ctx context.Context, fn func(ctx context.Context) error) error {
	if cb.operationTimeout <= 0 {
		return fn(ctx)
	}

	opCtx, cancel := context.WithTimeout(ctx, cb.operationTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(opCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-opCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &OperationTimeoutError{Name: cb.name, Timeout: cb.operationTimeout}
	}
}

// recordSuccess updates counters and state for a successful call. Caller
// must hold cb.mu.
func (cb *CircuitBreaker) recordSuccess() {
	cb.totalSuccesses++

	switch cb.state {
	case StateClosed:
		// Failures must be consecutive to reach the threshold.
		cb.failures = 0

	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
			cb.lastFailureTime = time.Time{}
			cb.nextAttemptTime = time.Time{}
			cb.transitions.HalfOpenToClosed++
		}
	}
}

// recordFailure updates counters and state for a qualifying failure. Caller
// must hold cb.mu.
func (cb *CircuitBreaker) recordFailure() {
	cb.totalFailures++
	cb.failures++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.failureThreshold {
			cb.state = StateOpen
			cb.nextAttemptTime = cb.scheduleNextAttempt()
			cb.transitions.ClosedToOpen++
		}

	case StateHalfOpen:
		// A single failure during the trial reopens the circuit.
		cb.state = StateOpen
		cb.successes = 0
		cb.nextAttemptTime = cb.scheduleNextAttempt()
		cb.transitions.HalfOpenToOpen++
	}
}

// scheduleNextAttempt computes the recovery deadline with exponential
// backoff capped at 8x and a sub-second jitter derived from the current
// time's fractional second, so peer breakers do not retry in lockstep.
func (cb *CircuitBreaker) scheduleNextAttempt() time.Time {
	now := time.Now()

	multiplier := 1
	if extra := cb.failures - cb.failureThreshold; extra > 0 {
		if extra >= 3 {
			multiplier = maxBackoffMultiplier
		} else {
			multiplier = 1 << uint(extra)
		}
	}

	frac := float64(now.Nanosecond()) / float64(time.Second)
	jitter := time.Duration(frac * 0.1 * float64(time.Second))

	return now.Add(cb.recoveryTimeout*time.Duration(multiplier) + jitter)
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Reset returns the breaker to its initial state. A zero-threshold breaker
// stays permanently open.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.successes = 0
	cb.lastFailureTime = time.Time{}

	if cb.failureThreshold == 0 {
		cb.state = StateOpen
		cb.nextAttemptTime = neverAttempt
		return
	}
	cb.state = StateClosed
	cb.nextAttemptTime = time.Time{}
}

// GetMetrics returns a point-in-time snapshot without mutating state.
func (cb *CircuitBreaker) GetMetrics() CircuitBreakerMetrics {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	total := cb.totalRequests
	if total < 1 {
		total = 1
	}

	return CircuitBreakerMetrics{
		Name:             cb.name,
		State:            cb.state,
		TotalRequests:    cb.totalRequests,
		TotalFailures:    cb.totalFailures,
		TotalSuccesses:   cb.totalSuccesses,
		FailureRate:      float64(cb.totalFailures) / float64(total),
		CurrentFailures:  cb.failures,
		CurrentSuccesses: cb.successes,
		Transitions:      cb.transitions,
		LastFailureTime:  cb.lastFailureTime,
		NextAttemptTime:  cb.nextAttemptTime,
		Timestamp:        time.Now(),
	}
}

// CircuitBreakerMetrics represents circuit breaker metrics
type CircuitBreakerMetrics struct {
	Name             string
	State            State
	TotalRequests    int64
	TotalFailures    int64
	TotalSuccesses   int64
	FailureRate      float64
	CurrentFailures  int
	CurrentSuccesses int
	Transitions      TransitionCounts
	LastFailureTime  time.Time
	NextAttemptTime  time.Time
	Timestamp        time.Time
}
