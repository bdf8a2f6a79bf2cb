// Package quota implements the Redis-backed live execution counter behind
// the QueueConsumer's quota check (§4.6 steps 7-8), reconciled periodically
// into the Postgres profiles row (§6).
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrInvalidUserID is returned when userID is empty.
var ErrInvalidUserID = errors.New("quota: user id cannot be empty")

// Tracker counts monthly executions per user in Redis, mirroring the
// engine's quota tracker idiom of an INCR+EXPIRE pipeline over a
// period-scoped key.
type Tracker struct {
	client *redis.Client
}

// NewTracker constructs a Tracker.
func NewTracker(client *redis.Client) *Tracker {
	return &Tracker{client: client}
}

// monthlyTTL covers a full billing month plus slack for timezone and
// reconciliation drift, matching the engine's ~2-month monthly TTL.
const monthlyTTL = 62 * 24 * time.Hour

func (t *Tracker) key(userID string) string {
	return fmt.Sprintf("quota:%s:monthly:%s:executions", userID, time.Now().Format("2006-01"))
}

// Increment atomically increments the monthly counter, refreshing its TTL,
// per §4.6 step 8.
func (t *Tracker) Increment(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrInvalidUserID
	}

	key := t.key(userID)
	pipe := t.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, monthlyTTL)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("quota: failed to increment: %w", err)
	}
	return nil
}

// Decrement walks a counter back by one, used to undo an increment ahead of
// a claim conflict or pre-execution rejection. It never goes below zero.
func (t *Tracker) Decrement(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrInvalidUserID
	}

	key := t.key(userID)
	count, err := t.client.Get(ctx, key).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("quota: failed to read count: %w", err)
	}
	if count > 0 {
		if err := t.client.Decr(ctx, key).Err(); err != nil {
			return fmt.Errorf("quota: failed to decrement: %w", err)
		}
	}
	return nil
}

// Count returns the current monthly execution count for a user.
func (t *Tracker) Count(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, ErrInvalidUserID
	}

	count, err := t.client.Get(ctx, t.key(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quota: failed to get count: %w", err)
	}
	return count, nil
}

// CheckExceeded reports whether count >= quota (§4.6 step 7). A quota of -1
// means unlimited.
func (t *Tracker) CheckExceeded(ctx context.Context, userID string, monthlyQuota int64) (bool, int64, error) {
	if monthlyQuota == -1 {
		return false, -1, nil
	}

	current, err := t.Count(ctx, userID)
	if err != nil {
		return false, 0, err
	}

	remaining := monthlyQuota - current
	if remaining < 0 {
		remaining = 0
	}
	return current >= monthlyQuota, remaining, nil
}

// Reset clears a user's monthly counter, used by the periodic reconciler
// after it has folded the Redis count into the Postgres profiles row.
func (t *Tracker) Reset(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrInvalidUserID
	}
	return t.client.Del(ctx, t.key(userID)).Err()
}
