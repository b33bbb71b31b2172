package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"escrow-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Queue names
const (
	QueueNotifications = "notifications"
	QueueWebhooks      = "webhooks"
)

// Operation is a deferred side effect
type Operation struct {
	Name string
	Run  func(ctx context.Context) error
}

// QueueEntry is one deferred operation awaiting another attempt
type QueueEntry struct {
	ID         string            `json:"id"`
	Operation  string            `json:"operation"`
	RetryCount int               `json:"retry_count"`
	MaxRetries int               `json:"max_retries"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	LastError  string            `json:"last_error,omitempty"`

	run func(ctx context.Context) error
}

// ProcessResult summarizes one pass over a queue
type ProcessResult struct {
	Queue     string `json:"queue"`
	Processed int    `json:"processed"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Dropped   int    `json:"dropped"`
	Remaining int    `json:"remaining"`
}

// QueueStats describes one named queue
type QueueStats struct {
	Name         string     `json:"name"`
	Size         int        `json:"size"`
	OldestEntry  *time.Time `json:"oldest_entry,omitempty"`
	TotalDropped int64      `json:"total_dropped"`
}

// FailedOperationQueue holds non-critical operations that failed after
// their own retries. Entries live in process memory only.
type FailedOperationQueue struct {
	maxRetries int
	logger     *zap.Logger
	now        func() time.Time

	mu         sync.Mutex
	queues     map[string][]*QueueEntry
	dropped    map[string]int64
	processing map[string]bool
}

// NewFailedOperationQueue creates an empty queue set; entries are dropped
// after maxRetries failed re-attempts
func NewFailedOperationQueue(maxRetries int) *FailedOperationQueue {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &FailedOperationQueue{
		maxRetries: maxRetries,
		logger:     util.GetLogger(),
		now:        time.Now,
		queues:     make(map[string][]*QueueEntry),
		dropped:    make(map[string]int64),
		processing: make(map[string]bool),
	}
}

// Enqueue adds op to the named queue and returns the entry ID
func (q *FailedOperationQueue) Enqueue(name string, op Operation, metadata map[string]string) string {
	entry := &QueueEntry{
		ID:         uuid.New().String(),
		Operation:  op.Name,
		MaxRetries: q.maxRetries,
		Metadata:   metadata,
		EnqueuedAt: q.now(),
		run:        op.Run,
	}

	q.mu.Lock()
	q.queues[name] = append(q.queues[name], entry)
	depth := len(q.queues[name])
	q.mu.Unlock()

	util.FailedQueueDepth.WithLabelValues(name).Set(float64(depth))
	q.logger.Warn("Operation queued for retry",
		zap.String("queue", name),
		zap.String("operation", op.Name),
		zap.String("entry_id", entry.ID))
	return entry.ID
}

// Process re-attempts every entry currently in the named queue once.
// Entries enqueued while the pass runs wait for the next pass. A pass that
// overlaps another pass on the same queue returns an empty result.
func (q *FailedOperationQueue) Process(ctx context.Context, name string) ProcessResult {
	result := ProcessResult{Queue: name}

	q.mu.Lock()
	if q.processing[name] {
		result.Remaining = len(q.queues[name])
		q.mu.Unlock()
		return result
	}
	q.processing[name] = true
	batch := q.queues[name]
	q.queues[name] = nil
	q.mu.Unlock()

	var keep []*QueueEntry
	for i, entry := range batch {
		if ctx.Err() != nil {
			keep = append(keep, batch[i:]...)
			break
		}
		result.Processed++

		err := entry.run(ctx)
		if err == nil {
			result.Succeeded++
			util.FailedQueueOutcomes.WithLabelValues(name, "succeeded").Inc()
			continue
		}

		result.Failed++
		entry.RetryCount++
		entry.LastError = err.Error()
		if entry.RetryCount >= entry.MaxRetries {
			result.Dropped++
			util.FailedQueueOutcomes.WithLabelValues(name, "dropped").Inc()
			q.logger.Error("Operation permanently failed, dropping",
				zap.String("queue", name),
				zap.String("operation", entry.Operation),
				zap.String("entry_id", entry.ID),
				zap.Int("retry_count", entry.RetryCount),
				zap.Any("metadata", entry.Metadata),
				zap.Error(err))
			continue
		}
		util.FailedQueueOutcomes.WithLabelValues(name, "failed").Inc()
		keep = append(keep, entry)
	}

	q.mu.Lock()
	q.queues[name] = append(keep, q.queues[name]...)
	q.dropped[name] += int64(result.Dropped)
	q.processing[name] = false
	result.Remaining = len(q.queues[name])
	q.mu.Unlock()

	util.FailedQueueDepth.WithLabelValues(name).Set(float64(result.Remaining))
	if result.Processed > 0 {
		q.logger.Info("Processed failed-operation queue",
			zap.String("queue", name),
			zap.Int("succeeded", result.Succeeded),
			zap.Int("failed", result.Failed),
			zap.Int("dropped", result.Dropped))
	}
	return result
}

// ProcessAll runs Process over every known queue
func (q *FailedOperationQueue) ProcessAll(ctx context.Context) []ProcessResult {
	var results []ProcessResult
	for _, name := range q.names() {
		results = append(results, q.Process(ctx, name))
	}
	return results
}

// Stats describes every known queue, sorted by name
func (q *FailedOperationQueue) Stats() []QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := make([]QueueStats, 0, len(q.queues))
	for name, entries := range q.queues {
		s := QueueStats{Name: name, Size: len(entries), TotalDropped: q.dropped[name]}
		if len(entries) > 0 {
			oldest := entries[0].EnqueuedAt
			s.OldestEntry = &oldest
		}
		stats = append(stats, s)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Entries returns a copy of the entries waiting in the named queue
func (q *FailedOperationQueue) Entries(name string) []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]QueueEntry, 0, len(q.queues[name]))
	for _, e := range q.queues[name] {
		out = append(out, *e)
	}
	return out
}

// Clear empties the named queue and returns how many entries were removed
func (q *FailedOperationQueue) Clear(name string) int {
	q.mu.Lock()
	n := len(q.queues[name])
	q.queues[name] = nil
	q.mu.Unlock()

	util.FailedQueueDepth.WithLabelValues(name).Set(0)
	if n > 0 {
		q.logger.Warn("Cleared failed-operation queue", zap.String("queue", name), zap.Int("entries", n))
	}
	return n
}

func (q *FailedOperationQueue) names() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	names := make([]string, 0, len(q.queues))
	for name := range q.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
