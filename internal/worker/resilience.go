package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/forgeline/foreman/internal/phase"
)

// RetryConfig configures exponential backoff for worker invocations.
// Retries apply only to process-level errors (spawn failures, protocol
// violations); a worker-reported failure is a valid result, not an error,
// and is handled by the phase machine's own budget.
type RetryConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// Resilient wraps a phase worker with a circuit breaker and retry policy.
// When the worker binary is broken, the breaker opens and running tasks fail
// fast instead of each burning its full retry budget against a dead command.
type Resilient struct {
	inner phase.Worker
	cb    *gobreaker.CircuitBreaker
	retry RetryConfig
}

// NewResilient wraps a worker. name labels the circuit breaker in logs.
func NewResilient(name string, inner phase.Worker, retry RetryConfig) *Resilient {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("worker circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Cancellation and phase timeouts are not worker health signals.
			return errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded) ||
				errors.Is(err, phase.ErrPhaseTimeout)
		},
	})
	return &Resilient{inner: inner, cb: cb, retry: retry}
}

// Invoke runs the inner worker through the breaker, retrying transient
// errors with exponential backoff. Implements phase.Worker.
func (r *Resilient) Invoke(ctx context.Context, inv phase.Invocation) (phase.Result, error) {
	var result phase.Result

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		out, err := r.cb.Execute(func() (interface{}, error) {
			return r.inner.Invoke(ctx, inv)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		result = out.(phase.Result)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.retry.InitialInterval
	policy.MaxInterval = r.retry.MaxInterval
	policy.MaxElapsedTime = r.retry.MaxElapsedTime
	policy.Multiplier = r.retry.Multiplier
	policy.RandomizationFactor = r.retry.RandomizationFactor

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	return result, err
}
