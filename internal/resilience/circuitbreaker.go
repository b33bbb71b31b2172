package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"escrow-service/internal/apperrors"
	"escrow-service/internal/util"

	"go.uber.org/zap"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: calls flow through
	StateOpen                  // Tripped: calls are rejected
	StateHalfOpen              // Probing: one call at a time tests recovery
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerOptions configures a CircuitBreaker
type BreakerOptions struct {
	FailureThreshold         int           // raw failures in the window needed to trip
	SuccessThreshold         int           // consecutive half-open successes needed to close
	Timeout                  time.Duration // how long the breaker stays open
	MonitoringPeriod         time.Duration // rolling window length
	VolumeThreshold          int           // minimum samples before the rate rule applies
	ErrorThresholdPercentage float64

	// IsFailure decides which errors count against the dependency.
	// Defaults to every error except context cancellation.
	IsFailure func(error) bool
}

// DefaultBreakerOptions returns the payment-gateway defaults
func DefaultBreakerOptions() BreakerOptions {
	return BreakerOptions{
		FailureThreshold:         5,
		SuccessThreshold:         2,
		Timeout:                  60 * time.Second,
		MonitoringPeriod:         120 * time.Second,
		VolumeThreshold:          10,
		ErrorThresholdPercentage: 50,
	}
}

func (o BreakerOptions) withDefaults() BreakerOptions {
	def := DefaultBreakerOptions()
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = def.FailureThreshold
	}
	if o.SuccessThreshold <= 0 {
		o.SuccessThreshold = def.SuccessThreshold
	}
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	if o.MonitoringPeriod <= 0 {
		o.MonitoringPeriod = def.MonitoringPeriod
	}
	if o.VolumeThreshold <= 0 {
		o.VolumeThreshold = def.VolumeThreshold
	}
	if o.ErrorThresholdPercentage <= 0 {
		o.ErrorThresholdPercentage = def.ErrorThresholdPercentage
	}
	if o.IsFailure == nil {
		o.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	return o
}

type sample struct {
	at      time.Time
	success bool
}

// BreakerStats is a point-in-time view of a breaker
type BreakerStats struct {
	Name            string     `json:"name"`
	State           string     `json:"state"`
	FailureCount    int        `json:"failure_count"`
	SuccessCount    int        `json:"success_count"`
	SampleSize      int        `json:"sample_size"`
	FailureRate     float64    `json:"failure_rate"`
	NextAttemptTime *time.Time `json:"next_attempt_time,omitempty"`
	TotalRejected   int64      `json:"total_rejected"`
}

// CircuitBreaker isolates one named external dependency. Calls are rejected
// with apperrors.CircuitOpenError while open.
type CircuitBreaker struct {
	name   string
	opts   BreakerOptions
	logger *zap.Logger
	now    func() time.Time

	mu               sync.Mutex
	state            State
	window           []sample
	halfOpenSuccess  int
	halfOpenInFlight bool
	nextAttempt      time.Time
	rejected         int64
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(name string, opts BreakerOptions) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:   name,
		opts:   opts.withDefaults(),
		logger: util.GetLogger(),
		now:    time.Now,
		state:  StateClosed,
	}
	util.CircuitBreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return cb
}

// Name returns the dependency name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn if the breaker admits the call and records its outcome
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call is the value-returning form of CircuitBreaker.Execute
func Call[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	probe, err := cb.admit()
	if err != nil {
		return zero, err
	}

	result, err := fn(ctx)
	switch {
	case err == nil:
		cb.record(true, probe)
	case cb.opts.IsFailure(err):
		cb.record(false, probe)
		return zero, err
	default:
		cb.abandon(probe)
	}
	return result, err
}

// admit decides whether a call may proceed; probe is true for the single
// call admitted while half-open
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	switch cb.state {
	case StateOpen:
		if now.Before(cb.nextAttempt) {
			cb.rejected++
			return false, &apperrors.CircuitOpenError{Name: cb.name, RetryAt: cb.nextAttempt}
		}
		cb.transition(StateHalfOpen)
		cb.halfOpenInFlight = true
		return true, nil
	case StateHalfOpen:
		if cb.halfOpenInFlight {
			cb.rejected++
			return false, &apperrors.CircuitOpenError{Name: cb.name, RetryAt: now}
		}
		cb.halfOpenInFlight = true
		return true, nil
	default:
		return false, nil
	}
}

// abandon releases the probe slot for a call whose outcome says nothing about
// the dependency. No sample is recorded.
func (cb *CircuitBreaker) abandon(probe bool) {
	if !probe {
		return
	}
	cb.mu.Lock()
	cb.halfOpenInFlight = false
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) record(success, probe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	if probe {
		cb.halfOpenInFlight = false
	}

	if cb.state == StateHalfOpen {
		if !probe {
			return
		}
		if !success {
			cb.trip(now)
			return
		}
		cb.halfOpenSuccess++
		if cb.halfOpenSuccess >= cb.opts.SuccessThreshold {
			cb.window = nil
			cb.halfOpenSuccess = 0
			cb.transition(StateClosed)
		}
		return
	}

	if cb.state == StateOpen {
		// Outcome of a call admitted before the breaker tripped.
		return
	}

	cb.window = append(cb.window, sample{at: now, success: success})
	cb.prune(now)
	if !success && cb.shouldTrip() {
		cb.trip(now)
	}
}

func (cb *CircuitBreaker) shouldTrip() bool {
	failures, total := cb.counts()
	if total < cb.opts.VolumeThreshold {
		return failures >= cb.opts.FailureThreshold
	}
	rate := float64(failures) / float64(total) * 100
	return rate >= cb.opts.ErrorThresholdPercentage && failures >= cb.opts.FailureThreshold
}

func (cb *CircuitBreaker) trip(now time.Time) {
	cb.nextAttempt = now.Add(cb.opts.Timeout)
	cb.halfOpenSuccess = 0
	cb.transition(StateOpen)
}

// prune drops samples older than the monitoring period. Caller holds cb.mu.
func (cb *CircuitBreaker) prune(now time.Time) {
	cutoff := now.Add(-cb.opts.MonitoringPeriod)
	i := 0
	for i < len(cb.window) && cb.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		cb.window = append(cb.window[:0], cb.window[i:]...)
	}
}

func (cb *CircuitBreaker) counts() (failures, total int) {
	for _, s := range cb.window {
		if !s.success {
			failures++
		}
	}
	return failures, len(cb.window)
}

// transition changes state, logs and updates metrics. Caller holds cb.mu.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	util.CircuitBreakerTransitions.WithLabelValues(cb.name, from.String(), to.String()).Inc()
	util.CircuitBreakerState.WithLabelValues(cb.name).Set(float64(to))

	fields := []zap.Field{
		zap.String("breaker", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	}
	if to == StateOpen {
		cb.logger.Warn("Circuit breaker opened", append(fields, zap.Time("next_attempt", cb.nextAttempt))...)
		return
	}
	cb.logger.Info("Circuit breaker state changed", fields...)
}

// State returns the current state without advancing it
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.prune(cb.now())
	failures, total := cb.counts()
	stats := BreakerStats{
		Name:          cb.name,
		State:         cb.state.String(),
		FailureCount:  failures,
		SuccessCount:  total - failures,
		SampleSize:    total,
		TotalRejected: cb.rejected,
	}
	if cb.state == StateHalfOpen {
		stats.SuccessCount = cb.halfOpenSuccess
	}
	if total > 0 {
		stats.FailureRate = float64(failures) / float64(total) * 100
	}
	if cb.state == StateOpen {
		next := cb.nextAttempt
		stats.NextAttemptTime = &next
	}
	return stats
}

// Reset forces the breaker closed and clears its counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.window = nil
	cb.halfOpenSuccess = 0
	cb.halfOpenInFlight = false
	cb.nextAttempt = time.Time{}
	cb.transition(StateClosed)
}
