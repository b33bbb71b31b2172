// Package resilience holds the failure-isolation primitives used around the
// payment gateway and the database: retry with backoff, circuit breakers, a
// failed-operation queue and a saga coordinator.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"escrow-service/internal/apperrors"
	"escrow-service/internal/util"

	"go.uber.org/zap"
)

// ErrUnacceptableResult is returned when a call succeeds but its result
// fails the caller's validation on every attempt
var ErrUnacceptableResult = errors.New("call returned an unacceptable result")

// RetryPolicy configures a RetryExecutor
type RetryPolicy struct {
	MaxRetries   int           // attempts beyond the first
	InitialDelay time.Duration // delay before the first retry
	Multiplier   float64
	MaxDelay     time.Duration
	JitterFactor float64 // uniform ±fraction applied to each delay

	// IsRetryable classifies errors. Defaults to apperrors.IsRetryable.
	IsRetryable func(error) bool
}

// DefaultRetryPolicy returns the gateway retry defaults
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
		IsRetryable:  apperrors.IsRetryable,
	}
}

// RetryExecutor runs an operation with bounded exponential backoff
type RetryExecutor struct {
	name   string
	policy RetryPolicy
	logger *zap.Logger

	mu   sync.Mutex
	rng  *rand.Rand
	wait func(ctx context.Context, d time.Duration) error
}

// NewRetryExecutor creates a retry executor; zero policy fields take defaults
func NewRetryExecutor(name string, policy RetryPolicy) *RetryExecutor {
	def := DefaultRetryPolicy()
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = def.InitialDelay
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = def.Multiplier
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}
	if policy.JitterFactor < 0 || policy.JitterFactor >= 1 {
		policy.JitterFactor = def.JitterFactor
	}
	if policy.IsRetryable == nil {
		policy.IsRetryable = def.IsRetryable
	}

	return &RetryExecutor{
		name:   name,
		policy: policy,
		logger: util.GetLogger(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		wait:   sleepContext,
	}
}

// Policy returns the effective policy
func (r *RetryExecutor) Policy() RetryPolicy {
	return r.policy
}

// Delay returns the pre-jitter delay before retry attempt k (k >= 1):
// min(initialDelay * multiplier^(k-1), maxDelay)
func (r *RetryExecutor) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))
	if d > float64(r.policy.MaxDelay) || math.IsInf(d, 0) {
		return r.policy.MaxDelay
	}
	return time.Duration(d)
}

// JitteredDelay applies uniform ±JitterFactor to Delay(attempt)
func (r *RetryExecutor) JitteredDelay(attempt int) time.Duration {
	base := r.Delay(attempt)
	if r.policy.JitterFactor == 0 {
		return base
	}
	r.mu.Lock()
	f := r.rng.Float64()*2 - 1
	r.mu.Unlock()
	return time.Duration(float64(base) * (1 + f*r.policy.JitterFactor))
}

// Do runs fn until it succeeds, returns a non-retryable error, the retries
// are exhausted, or ctx is done
func (r *RetryExecutor) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Retry(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Retry is the value-returning form of RetryExecutor.Do
func Retry[T any](ctx context.Context, r *RetryExecutor, fn func(ctx context.Context) (T, error)) (T, error) {
	return RetryValidated(ctx, r, fn, nil)
}

// RetryValidated retries like Retry and additionally treats a successful
// call whose result fails accept as a retryable failure
func RetryValidated[T any](ctx context.Context, r *RetryExecutor, fn func(ctx context.Context) (T, error), accept func(T) bool) (T, error) {
	var (
		zero    T
		lastErr error
	)

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.JitteredDelay(attempt)
			util.RetryAttemptsTotal.WithLabelValues(r.name).Inc()
			r.logger.Debug("Retrying operation",
				zap.String("operation", r.name),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))

			if err := r.wait(ctx, delay); err != nil {
				return zero, fmt.Errorf("%s: retry aborted: %w", r.name, err)
			}
		}

		result, err := fn(ctx)
		if err == nil {
			if accept == nil || accept(result) {
				return result, nil
			}
			lastErr = fmt.Errorf("%s: %w", r.name, ErrUnacceptableResult)
			continue
		}

		lastErr = err
		if !r.policy.IsRetryable(err) {
			return zero, err
		}
	}

	r.logger.Warn("Retries exhausted",
		zap.String("operation", r.name),
		zap.Int("max_retries", r.policy.MaxRetries),
		zap.Error(lastErr))
	return zero, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
