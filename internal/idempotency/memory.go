package idempotency

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"escrow-service/internal/util"

	"go.uber.org/zap"
)

type expiry struct {
	key string
	at  time.Time
}

// expiryHeap orders keys by expiry time
type expiryHeap []expiry

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x interface{}) { *h = append(*h, x.(expiry)) }
func (h *expiryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MemoryMarkers keeps completed keys in process memory. Expired keys are
// removed by one periodic sweep over a min-heap of expiry times.
type MemoryMarkers struct {
	mu      sync.Mutex
	keys    map[string]time.Time
	expires expiryHeap
	now     func() time.Time
	logger  *zap.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewMemoryMarkers creates an empty marker set
func NewMemoryMarkers() *MemoryMarkers {
	return &MemoryMarkers{
		keys:   make(map[string]time.Time),
		now:    time.Now,
		logger: util.GetLogger(),
	}
}

// IsComplete reports whether key is marked and not yet expired
func (m *MemoryMarkers) IsComplete(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.keys[key]
	return ok && m.now().Before(at), nil
}

// MarkComplete records key until now+ttl
func (m *MemoryMarkers) MarkComplete(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	at := m.now().Add(ttl)
	m.keys[key] = at
	heap.Push(&m.expires, expiry{key: key, at: at})
	return nil
}

// Size returns the number of tracked keys
func (m *MemoryMarkers) Size(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys), nil
}

// Clear forgets every key
func (m *MemoryMarkers) Clear(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.keys)
	m.keys = make(map[string]time.Time)
	m.expires = nil
	return n, nil
}

// Sweep removes keys whose expiry has passed and returns how many it removed
func (m *MemoryMarkers) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for m.expires.Len() > 0 && !m.expires[0].at.After(now) {
		e := heap.Pop(&m.expires).(expiry)
		// A re-marked key has a later entry further down the heap.
		if at, ok := m.keys[e.key]; ok && at.Equal(e.at) {
			delete(m.keys, e.key)
			removed++
		}
	}
	return removed
}

// Start runs Sweep every interval until Stop
func (m *MemoryMarkers) Start(interval time.Duration) {
	m.stop = make(chan struct{})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				if n := m.Sweep(); n > 0 {
					m.logger.Debug("Expired idempotency keys removed", zap.Int("count", n))
				}
			}
		}
	}()
}

// Stop ends the sweep goroutine started by Start
func (m *MemoryMarkers) Stop() {
	if m.stop == nil {
		return
	}
	close(m.stop)
	m.wg.Wait()
	m.stop = nil
}
