package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessRemovesSucceededEntries(t *testing.T) {
	q := NewFailedOperationQueue(3)
	ctx := context.Background()

	runs := 0
	q.Enqueue(QueueNotifications, Operation{
		Name: "notify:escrow_held",
		Run: func(ctx context.Context) error {
			runs++
			return nil
		},
	}, map[string]string{"request_id": "R1"})

	stats := q.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Size)
	assert.NotNil(t, stats[0].OldestEntry)

	res := q.Process(ctx, QueueNotifications)
	assert.Equal(t, 1, runs)
	assert.Equal(t, ProcessResult{Queue: QueueNotifications, Processed: 1, Succeeded: 1}, res)
	assert.Empty(t, q.Entries(QueueNotifications))
}

func TestProcessDropsAfterMaxRetries(t *testing.T) {
	q := NewFailedOperationQueue(3)
	ctx := context.Background()

	q.Enqueue("flaky", Operation{
		Name: "always-fails",
		Run:  func(ctx context.Context) error { return errors.New("still down") },
	}, nil)

	for i := 1; i <= 2; i++ {
		res := q.Process(ctx, "flaky")
		assert.Equal(t, 1, res.Failed)
		assert.Zero(t, res.Dropped)
		entries := q.Entries("flaky")
		require.Len(t, entries, 1)
		assert.Equal(t, i, entries[0].RetryCount)
		assert.Equal(t, "still down", entries[0].LastError)
	}

	res := q.Process(ctx, "flaky")
	assert.Equal(t, 1, res.Dropped)
	assert.Zero(t, res.Remaining)
	assert.Empty(t, q.Entries("flaky"))

	stats := q.Stats()
	require.Len(t, stats, 1)
	assert.EqualValues(t, 1, stats[0].TotalDropped)
}

func TestProcessAllAndClear(t *testing.T) {
	q := NewFailedOperationQueue(5)
	ctx := context.Background()

	failing := Operation{Name: "fails", Run: func(ctx context.Context) error { return errors.New("x") }}
	q.Enqueue("a", failing, nil)
	q.Enqueue("b", failing, nil)
	q.Enqueue("b", failing, nil)

	results := q.ProcessAll(ctx)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Queue)
	assert.Equal(t, 2, results[1].Remaining)

	assert.Equal(t, 2, q.Clear("b"))
	assert.Empty(t, q.Entries("b"))
	assert.Len(t, q.Entries("a"), 1)
}

func TestProcessKeepsEntriesWhenContextDone(t *testing.T) {
	q := NewFailedOperationQueue(5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	q.Enqueue("n", Operation{Name: "op", Run: func(ctx context.Context) error { return nil }}, nil)
	res := q.Process(ctx, "n")
	assert.Zero(t, res.Processed)
	assert.Equal(t, 1, res.Remaining)
}
