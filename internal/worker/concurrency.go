package worker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// staleMemberAge bounds how long a concurrency slot can be held before it is
// treated as abandoned by a crashed worker and cleaned up lazily.
const staleMemberAge = time.Hour

// ConcurrencyLimiter caps the number of executions a single user may run at
// once, independent of the monthly quota tracked in internal/quota. It uses
// a Redis sorted set per user, scored by acquisition time, so a crashed
// holder's slot ages out instead of leaking forever.
type ConcurrencyLimiter struct {
	redis        *redis.Client
	maxPerUser   int
	keyPrefix    string
	now          func() time.Time
}

// NewConcurrencyLimiter constructs a ConcurrencyLimiter.
func NewConcurrencyLimiter(client *redis.Client, maxPerUser int) *ConcurrencyLimiter {
	return &ConcurrencyLimiter{
		redis:      client,
		maxPerUser: maxPerUser,
		keyPrefix:  "worker:concurrency:",
		now:        time.Now,
	}
}

// Acquire attempts to reserve a concurrency slot for userID, returning false
// if the user is already at MaxPerUser.
func (c *ConcurrencyLimiter) Acquire(ctx context.Context, userID, executionID string) (bool, error) {
	key := c.keyPrefix + userID
	now := float64(c.now().Unix())
	cutoff := now - staleMemberAge.Seconds()

	if err := c.redis.ZRemRangeByScore(ctx, key, "0", strconv.FormatFloat(cutoff, 'f', -1, 64)).Err(); err != nil {
		return false, fmt.Errorf("worker: prune stale concurrency slots: %w", err)
	}

	count, err := c.redis.ZCard(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("worker: count concurrency slots: %w", err)
	}
	if c.maxPerUser > 0 && int(count) >= c.maxPerUser {
		return false, nil
	}

	if err := c.redis.ZAdd(ctx, key, redis.Z{Score: now, Member: executionID}).Err(); err != nil {
		return false, fmt.Errorf("worker: acquire concurrency slot: %w", err)
	}
	c.redis.Expire(ctx, key, 24*time.Hour)
	return true, nil
}

// Release frees a previously acquired slot.
func (c *ConcurrencyLimiter) Release(ctx context.Context, userID, executionID string) error {
	key := c.keyPrefix + userID
	if err := c.redis.ZRem(ctx, key, executionID).Err(); err != nil {
		return fmt.Errorf("worker: release concurrency slot: %w", err)
	}
	return nil
}

// Count returns the current number of active slots held by userID.
func (c *ConcurrencyLimiter) Count(ctx context.Context, userID string) (int, error) {
	key := c.keyPrefix + userID
	now := float64(c.now().Unix())
	cutoff := now - staleMemberAge.Seconds()
	c.redis.ZRemRangeByScore(ctx, key, "0", strconv.FormatFloat(cutoff, 'f', -1, 64))

	count, err := c.redis.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("worker: count concurrency slots: %w", err)
	}
	return int(count), nil
}

// MaxPerUser returns the configured per-user ceiling.
func (c *ConcurrencyLimiter) MaxPerUser() int {
	return c.maxPerUser
}
