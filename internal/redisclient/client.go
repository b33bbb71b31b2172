package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	idempotencyPrefix = "idempotency:"
	lockPrefix        = "lock:"
)

// releaseLockScript deletes the lock only when it is still held by token
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client and verifies the connection
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// SetIdempotencyKey records a completed key with TTL. It returns false when
// the key was already recorded.
func (c *Client) SetIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, idempotencyPrefix+key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
}

// CheckIdempotencyKey checks if an idempotency key exists
func (c *Client) CheckIdempotencyKey(ctx context.Context, key string) (bool, error) {
	result, err := c.rdb.Exists(ctx, idempotencyPrefix+key).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// CountIdempotencyKeys counts recorded keys
func (c *Client) CountIdempotencyKeys(ctx context.Context) (int, error) {
	n := 0
	iter := c.rdb.Scan(ctx, 0, idempotencyPrefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		n++
	}
	return n, iter.Err()
}

// ClearIdempotencyKeys deletes every recorded key and returns how many were removed
func (c *Client) ClearIdempotencyKeys(ctx context.Context) (int, error) {
	var (
		removed int
		batch   []string
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := c.rdb.Del(ctx, batch...).Result()
		removed += int(n)
		batch = batch[:0]
		return err
	}

	iter := c.rdb.Scan(ctx, 0, idempotencyPrefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 500 {
			if err := flush(); err != nil {
				return removed, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, err
	}
	return removed, flush()
}

// AcquireLock acquires a distributed lock held under token
func (c *Client) AcquireLock(ctx context.Context, lockKey, token string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, lockPrefix+lockKey, token, ttl).Result()
}

// ReleaseLock releases a distributed lock if token still holds it
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) error {
	return releaseLockScript.Run(ctx, c.rdb, []string{lockPrefix + lockKey}, token).Err()
}
