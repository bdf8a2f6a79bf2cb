package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, mr
}

func TestConcurrencyLimiterAcquireUpToMax(t *testing.T) {
	client, _ := setupTestRedis(t)
	limiter := NewConcurrencyLimiter(client, 2)
	ctx := context.Background()

	ok, err := limiter.Acquire(ctx, "user-1", "exec-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = limiter.Acquire(ctx, "user-1", "exec-2")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = limiter.Acquire(ctx, "user-1", "exec-3")
	require.NoError(t, err)
	assert.False(t, ok)

	count, err := limiter.Count(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestConcurrencyLimiterReleaseFreesSlot(t *testing.T) {
	client, _ := setupTestRedis(t)
	limiter := NewConcurrencyLimiter(client, 1)
	ctx := context.Background()

	ok, err := limiter.Acquire(ctx, "user-1", "exec-1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, limiter.Release(ctx, "user-1", "exec-1"))

	ok, err = limiter.Acquire(ctx, "user-1", "exec-2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConcurrencyLimiterUnlimitedWhenZero(t *testing.T) {
	client, _ := setupTestRedis(t)
	limiter := NewConcurrencyLimiter(client, 0)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ok, err := limiter.Acquire(ctx, "user-1", "exec")
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestConcurrencyLimiterPrunesStaleSlots(t *testing.T) {
	client, mr := setupTestRedis(t)
	limiter := NewConcurrencyLimiter(client, 1)
	fixedNow := time.Now()
	limiter.now = func() time.Time { return fixedNow }
	ctx := context.Background()

	ok, err := limiter.Acquire(ctx, "user-1", "exec-1")
	require.NoError(t, err)
	require.True(t, ok)

	limiter.now = func() time.Time { return fixedNow.Add(2 * staleMemberAge) }
	mr.FastForward(2 * staleMemberAge)

	ok, err = limiter.Acquire(ctx, "user-1", "exec-2")
	require.NoError(t, err)
	assert.True(t, ok)

	count, err := limiter.Count(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestConcurrencyLimiterMaxPerUser(t *testing.T) {
	client, _ := setupTestRedis(t)
	limiter := NewConcurrencyLimiter(client, 7)
	assert.Equal(t, 7, limiter.MaxPerUser())
}
