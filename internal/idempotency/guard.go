// Package idempotency runs units of work at most once per key. Work runs in
// one store transaction, transient failures are retried, and the key is
// marked complete only after a successful commit.
package idempotency

import (
	"context"
	"sync"
	"time"

	"escrow-service/internal/resilience"
	"escrow-service/internal/store"
	"escrow-service/internal/util"

	"go.uber.org/zap"
)

// MarkerStore records completed keys for a TTL
type MarkerStore interface {
	IsComplete(ctx context.Context, key string) (bool, error)
	MarkComplete(ctx context.Context, key string, ttl time.Duration) error
	Size(ctx context.Context) (int, error)
	Clear(ctx context.Context) (int, error)
}

// Config configures a Guard
type Config struct {
	TTL     time.Duration // how long a completed key suppresses re-execution
	MaxWait time.Duration // upper bound for one Execute including retries
	Retry   resilience.RetryPolicy
}

// Outcome describes how Execute finished
type Outcome struct {
	// Replayed is true when the key was already complete and fn did not run
	Replayed bool
	Attempts int
}

// Stats are the guard's running counters
type Stats struct {
	Total             int64   `json:"total"`
	Succeeded         int64   `json:"succeeded"`
	Failed            int64   `json:"failed"`
	Retries           int64   `json:"retries"`
	Replays           int64   `json:"replays"`
	AverageDurationMs float64 `json:"average_duration_ms"`
	CacheSize         int     `json:"cache_size"`
}

// DefaultTxRetryPolicy is the backoff used for transient database conflicts
func DefaultTxRetryPolicy(maxRetries int) resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxRetries:   maxRetries,
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     2 * time.Second,
		JitterFactor: 0.25,
	}
}

// Guard is the idempotent transaction executor
type Guard struct {
	store   store.Store
	markers MarkerStore
	retry   *resilience.RetryExecutor
	ttl     time.Duration
	maxWait time.Duration
	logger  *zap.Logger

	mu            sync.Mutex
	stats         Stats
	totalDuration time.Duration
}

// NewGuard creates a guard over s with completion markers kept in markers
func NewGuard(s store.Store, markers MarkerStore, cfg Config) *Guard {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 10 * time.Second
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialDelay == 0 {
		cfg.Retry = DefaultTxRetryPolicy(3)
	}
	return &Guard{
		store:   s,
		markers: markers,
		retry:   resilience.NewRetryExecutor("transaction", cfg.Retry),
		ttl:     cfg.TTL,
		maxWait: cfg.MaxWait,
		logger:  util.GetLogger(),
	}
}

// Execute runs fn in a transaction unless key already completed. An empty
// key always runs fn and records nothing.
func (g *Guard) Execute(ctx context.Context, key string, fn func(ctx context.Context, tx store.Tx) error) (Outcome, error) {
	ctx, span := util.StartSpan(ctx, "Idempotency.Execute")
	defer span.End()

	if key != "" {
		done, err := g.markers.IsComplete(ctx, key)
		if err != nil {
			// The state checks inside fn still reject a duplicate.
			g.logger.Warn("Idempotency marker lookup failed", zap.String("key", key), zap.Error(err))
		}
		if done {
			g.mu.Lock()
			g.stats.Replays++
			g.mu.Unlock()
			util.TransactionsTotal.WithLabelValues("replayed").Inc()
			g.logger.Debug("Idempotency key already complete", zap.String("key", key))
			return Outcome{Replayed: true}, nil
		}
	}

	txCtx, cancel := context.WithTimeout(ctx, g.maxWait)
	defer cancel()

	start := time.Now()
	attempts := 0
	err := g.retry.Do(txCtx, func(ctx context.Context) error {
		attempts++
		return g.store.WithTx(ctx, fn)
	})
	elapsed := time.Since(start)
	util.TransactionDuration.Observe(elapsed.Seconds())

	g.mu.Lock()
	g.stats.Total++
	g.stats.Retries += int64(attempts - 1)
	g.totalDuration += elapsed
	if err != nil {
		g.stats.Failed++
	} else {
		g.stats.Succeeded++
	}
	g.mu.Unlock()

	if err != nil {
		util.TransactionsTotal.WithLabelValues("failed").Inc()
		return Outcome{Attempts: attempts}, util.SpanError(span, err)
	}
	util.TransactionsTotal.WithLabelValues("succeeded").Inc()

	if key != "" {
		if err := g.markers.MarkComplete(ctx, key, g.ttl); err != nil {
			g.logger.Warn("Failed to mark idempotency key complete", zap.String("key", key), zap.Error(err))
		}
	}
	return Outcome{Attempts: attempts}, nil
}

// Stats returns a snapshot of the counters
func (g *Guard) Stats(ctx context.Context) Stats {
	g.mu.Lock()
	stats := g.stats
	if stats.Total > 0 {
		stats.AverageDurationMs = float64(g.totalDuration.Microseconds()) / float64(stats.Total) / 1000
	}
	g.mu.Unlock()

	size, err := g.markers.Size(ctx)
	if err != nil {
		g.logger.Warn("Failed to count idempotency keys", zap.Error(err))
	}
	stats.CacheSize = size
	return stats
}

// ClearCache forgets every completed key
func (g *Guard) ClearCache(ctx context.Context) (int, error) {
	n, err := g.markers.Clear(ctx)
	if err != nil {
		return n, err
	}
	g.logger.Info("Idempotency cache cleared", zap.Int("keys", n))
	return n, nil
}
