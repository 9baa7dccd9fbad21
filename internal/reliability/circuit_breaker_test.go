package reliability

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker(t *testing.T) {
	t.Run("starts in closed state", func(t *testing.T) {
		cb := NewCircuitBreaker()
		assert.Equal(t, StateClosed, cb.GetState())
	})

	t.Run("executes function in closed state", func(t *testing.T) {
		cb := NewCircuitBreaker()
		executed := false

		err := cb.Execute(context.Background(), func(ctx context.Context) error {
			executed = true
			return nil
		})

		assert.NoError(t, err)
		assert.True(t, executed)
	})

	t.Run("stays closed below failure threshold", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(3))

		for i := 0; i < 2; i++ {
			cb.Execute(context.Background(), func(ctx context.Context) error {
				return errors.New("test error")
			})
		}

		assert.Equal(t, StateClosed, cb.GetState())
	})

	t.Run("opens exactly on the Nth failure", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(3))

		for i := 0; i < 3; i++ {
			err := cb.Execute(context.Background(), func(ctx context.Context) error {
				return errors.New("test error")
			})
			assert.Error(t, err)
		}

		assert.Equal(t, StateOpen, cb.GetState())

		// Rejected without invoking the operation
		invoked := false
		err := cb.Execute(context.Background(), func(ctx context.Context) error {
			invoked = true
			return nil
		})
		assert.Error(t, err)
		assert.False(t, invoked)
		var cbErr *CircuitBreakerError
		assert.ErrorAs(t, err, &cbErr)
		assert.Equal(t, StateOpen, cbErr.State)
		assert.ErrorIs(t, err, ErrCircuitOpen)
	})

	t.Run("success in closed state resets consecutive failures", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(2))

		fail := func(ctx context.Context) error { return errors.New("boom") }
		ok := func(ctx context.Context) error { return nil }

		cb.Execute(context.Background(), fail)
		cb.Execute(context.Background(), ok)
		cb.Execute(context.Background(), fail)

		// Sporadic failures never accumulate to the threshold
		assert.Equal(t, StateClosed, cb.GetState())
	})

	t.Run("zero threshold is permanently open", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(0))
		assert.Equal(t, StateOpen, cb.GetState())

		invoked := false
		err := cb.Execute(context.Background(), func(ctx context.Context) error {
			invoked = true
			return nil
		})
		assert.ErrorIs(t, err, ErrCircuitOpen)
		assert.False(t, invoked)

		cb.Reset()
		assert.Equal(t, StateOpen, cb.GetState())
	})

	t.Run("transitions to half-open after recovery timeout", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithRecoveryTimeout(100*time.Millisecond),
		)

		cb.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("test error")
		})
		assert.Equal(t, StateOpen, cb.GetState())

		// Before the deadline the call is rejected
		err := cb.Execute(context.Background(), func(ctx context.Context) error {
			return nil
		})
		assert.ErrorIs(t, err, ErrCircuitOpen)

		time.Sleep(250 * time.Millisecond)

		executed := false
		err = cb.Execute(context.Background(), func(ctx context.Context) error {
			executed = true
			return nil
		})
		assert.NoError(t, err)
		assert.True(t, executed)
		assert.Equal(t, StateHalfOpen, cb.GetState())
	})

	t.Run("half-open to closed on success threshold", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithSuccessThreshold(2),
			WithRecoveryTimeout(100*time.Millisecond),
		)

		cb.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("test error")
		})

		time.Sleep(250 * time.Millisecond)

		for i := 0; i < 2; i++ {
			err := cb.Execute(context.Background(), func(ctx context.Context) error {
				return nil
			})
			assert.NoError(t, err)
		}

		assert.Equal(t, StateClosed, cb.GetState())

		m := cb.GetMetrics()
		assert.True(t, m.LastFailureTime.IsZero())
		assert.True(t, m.NextAttemptTime.IsZero())
	})

	t.Run("half-open to open on single failure", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithSuccessThreshold(3),
			WithRecoveryTimeout(100*time.Millisecond),
		)

		cb.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("test error")
		})

		time.Sleep(250 * time.Millisecond)

		// Accumulate successes, then fail once
		cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
		cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
		assert.Equal(t, StateHalfOpen, cb.GetState())

		cb.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("another error")
		})
		assert.Equal(t, StateOpen, cb.GetState())
	})

	t.Run("exempt errors never affect state", func(t *testing.T) {
		exempt := errors.New("caller bug")
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithFailureClassifier(func(err error) bool {
				return !errors.Is(err, exempt)
			}),
		)

		for i := 0; i < 5; i++ {
			err := cb.Execute(context.Background(), func(ctx context.Context) error {
				return exempt
			})
			assert.ErrorIs(t, err, exempt)
		}

		assert.Equal(t, StateClosed, cb.GetState())
		m := cb.GetMetrics()
		assert.Equal(t, int64(5), m.TotalRequests)
		assert.Equal(t, int64(0), m.TotalFailures)
		assert.Equal(t, 0, m.CurrentFailures)
	})

	t.Run("operation timeout counts as failure", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithOperationTimeout(50*time.Millisecond),
		)

		err := cb.Execute(context.Background(), func(ctx context.Context) error {
			select {
			case <-time.After(time.Second):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})

		var toErr *OperationTimeoutError
		assert.ErrorAs(t, err, &toErr)
		assert.Equal(t, StateOpen, cb.GetState())
	})

	t.Run("opens and recovers end to end", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(3),
			WithRecoveryTimeout(time.Second),
			WithSuccessThreshold(2),
		)

		for i := 0; i < 3; i++ {
			cb.Execute(context.Background(), func(ctx context.Context) error {
				return errors.New("down")
			})
		}
		assert.Equal(t, StateOpen, cb.GetState())

		// Half a second in, still rejected
		time.Sleep(500 * time.Millisecond)
		err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
		assert.ErrorIs(t, err, ErrCircuitOpen)

		// Past the recovery deadline (plus jitter headroom), admitted as trial
		time.Sleep(700 * time.Millisecond)
		err = cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
		assert.NoError(t, err)
		assert.Equal(t, StateHalfOpen, cb.GetState())

		err = cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
		assert.NoError(t, err)
		assert.Equal(t, StateClosed, cb.GetState())
	})

	t.Run("backoff multiplier is capped", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithRecoveryTimeout(time.Hour),
		)
		cb.failures = 10
		next := cb.scheduleNextAttempt()

		assert.LessOrEqual(t, time.Until(next), 8*time.Hour+time.Second)
		assert.Greater(t, time.Until(next), 7*time.Hour)
	})

	t.Run("metrics snapshot does not mutate state", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(5), WithName("pubsub"))

		cb.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("error 1")
		})
		cb.Execute(context.Background(), func(ctx context.Context) error { return nil })

		m := cb.GetMetrics()
		assert.Equal(t, "pubsub", m.Name)
		assert.Equal(t, int64(2), m.TotalRequests)
		assert.Equal(t, int64(1), m.TotalFailures)
		assert.Equal(t, int64(1), m.TotalSuccesses)
		assert.InDelta(t, 0.5, m.FailureRate, 0.001)

		again := cb.GetMetrics()
		assert.Equal(t, m.TotalRequests, again.TotalRequests)
	})

	t.Run("transition counters track each kind", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithSuccessThreshold(1),
			WithRecoveryTimeout(50*time.Millisecond),
		)

		cb.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("boom")
		})
		time.Sleep(200 * time.Millisecond)
		cb.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("boom")
		})
		time.Sleep(250 * time.Millisecond)
		cb.Execute(context.Background(), func(ctx context.Context) error { return nil })

		m := cb.GetMetrics()
		assert.Equal(t, int64(1), m.Transitions.ClosedToOpen)
		assert.Equal(t, int64(2), m.Transitions.OpenToHalfOpen)
		assert.Equal(t, int64(1), m.Transitions.HalfOpenToOpen)
		assert.Equal(t, int64(1), m.Transitions.HalfOpenToClosed)
	})

	t.Run("concurrent execution", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(1000),
			WithSuccessThreshold(5),
		)

		var wg sync.WaitGroup
		errorCount := int32(0)
		successCount := int32(0)

		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := cb.Execute(context.Background(), func(ctx context.Context) error {
					if i%3 == 0 {
						return errors.New("concurrent error")
					}
					return nil
				})
				if err != nil {
					atomic.AddInt32(&errorCount, 1)
				} else {
					atomic.AddInt32(&successCount, 1)
				}
			}(i)
		}

		wg.Wait()

		m := cb.GetMetrics()
		assert.Equal(t, int64(100), m.TotalRequests)
		assert.Equal(t, int64(atomic.LoadInt32(&errorCount)), m.TotalFailures)
		assert.Equal(t, int64(atomic.LoadInt32(&successCount)), m.TotalSuccesses)
	})
}

func TestCircuitBreakerOptions(t *testing.T) {
	t.Run("applies all options", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(10),
			WithSuccessThreshold(5),
			WithRecoveryTimeout(time.Minute),
			WithOperationTimeout(10*time.Second),
			WithName("redis"),
		)

		assert.Equal(t, 10, cb.failureThreshold)
		assert.Equal(t, 5, cb.successThreshold)
		assert.Equal(t, time.Minute, cb.recoveryTimeout)
		assert.Equal(t, 10*time.Second, cb.operationTimeout)
		assert.Equal(t, "redis", cb.Name())
	})

	t.Run("uses defaults when no options", func(t *testing.T) {
		cb := NewCircuitBreaker()

		assert.Equal(t, 5, cb.failureThreshold)
		assert.Equal(t, 3, cb.successThreshold)
		assert.Equal(t, 30*time.Second, cb.recoveryTimeout)
	})
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

func BenchmarkCircuitBreaker(b *testing.B) {
	ctx := context.Background()

	b.Run("successful execution", func(b *testing.B) {
		cb := NewCircuitBreaker(WithOperationTimeout(0))
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			cb.Execute(ctx, func(ctx context.Context) error {
				return nil
			})
		}
	})

	b.Run("open rejection", func(b *testing.B) {
		cb := NewCircuitBreaker(WithFailureThreshold(0))
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			cb.Execute(ctx, func(ctx context.Context) error {
				return nil
			})
		}
	})
}
