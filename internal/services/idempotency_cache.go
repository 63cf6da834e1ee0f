package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const idempotencyPending = "pending"

// ErrRequestInFlight is returned by Begin while another request holds the key
var ErrRequestInFlight = errors.New("a request with this idempotency key is already in progress")

// IdempotencyCache remembers completed create results per (user, idempotency key)
// in Redis so replays are answered without touching the processor or the store
type IdempotencyCache struct {
	client     *redis.Client
	ttl        time.Duration
	pendingTTL time.Duration
}

// NewIdempotencyCache creates a cache. pendingTTL bounds how long an in-flight
// marker survives a crashed request.
func NewIdempotencyCache(client *redis.Client, ttl, pendingTTL time.Duration) *IdempotencyCache {
	return &IdempotencyCache{client: client, ttl: ttl, pendingTTL: pendingTTL}
}

func idempotencyKey(userID, key string) string {
	return fmt.Sprintf("subscription_idempotency:%s:%s", userID, key)
}

// Begin claims the key. It returns the stored result when the key already
// completed, ErrRequestInFlight when another request holds it, and nil, nil
// when the caller now owns the key.
func (c *IdempotencyCache) Begin(ctx context.Context, userID, key string) (*CreateResult, error) {
	k := idempotencyKey(userID, key)

	claimed, err := c.client.SetNX(ctx, k, idempotencyPending, c.pendingTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	if claimed {
		return nil, nil
	}

	val, err := c.client.Get(ctx, k).Result()
	if err != nil {
		if err == redis.Nil {
			// Expired between SETNX and GET; try once more.
			return c.Begin(ctx, userID, key)
		}
		return nil, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	if val == idempotencyPending {
		return nil, ErrRequestInFlight
	}

	var result CreateResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		return nil, fmt.Errorf("corrupt idempotency entry: %w", err)
	}
	return &result, nil
}

// Complete stores the result for replays
func (c *IdempotencyCache) Complete(ctx context.Context, userID, key string, result *CreateResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, idempotencyKey(userID, key), data, c.ttl).Err()
}

// Release drops the in-flight marker after a failed request
func (c *IdempotencyCache) Release(ctx context.Context, userID, key string) error {
	return c.client.Del(ctx, idempotencyKey(userID, key)).Err()
}
