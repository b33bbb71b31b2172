package idempotency

import (
	"context"
	"time"

	"escrow-service/internal/redisclient"
)

// RedisMarkers keeps completed keys in Redis so every instance sees them
type RedisMarkers struct {
	client *redisclient.Client
}

// NewRedisMarkers creates a marker store on top of client
func NewRedisMarkers(client *redisclient.Client) *RedisMarkers {
	return &RedisMarkers{client: client}
}

func (r *RedisMarkers) IsComplete(ctx context.Context, key string) (bool, error) {
	return r.client.CheckIdempotencyKey(ctx, key)
}

// MarkComplete records key; an already-recorded key keeps its original TTL
func (r *RedisMarkers) MarkComplete(ctx context.Context, key string, ttl time.Duration) error {
	_, err := r.client.SetIdempotencyKey(ctx, key, ttl)
	return err
}

func (r *RedisMarkers) Size(ctx context.Context) (int, error) {
	return r.client.CountIdempotencyKeys(ctx)
}

func (r *RedisMarkers) Clear(ctx context.Context) (int, error) {
	return r.client.ClearIdempotencyKeys(ctx)
}
