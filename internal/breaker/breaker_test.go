package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionOpensOnThreshold(t *testing.T) {
	cfg := Config{FailureThreshold: 1, ResetTimeout: 30 * time.Second, HalfOpenSuccessThreshold: 2, MonitorWindow: 120 * time.Second}
	now := time.Now()

	prev := CircuitState{State: Closed}
	next := Transition(prev, cfg, now, false)

	assert.Equal(t, Open, next.State)
	assert.Equal(t, 1, next.FailureCount)
}

func TestRecordSuccessThenFailureOnClosedThresholdOne(t *testing.T) {
	// L2: recordSuccess then recordFailure on a CLOSED breaker with
	// threshold 1 leaves state OPEN with failureCount=1, successCount=0.
	cfg := Config{FailureThreshold: 1, ResetTimeout: 30 * time.Second, HalfOpenSuccessThreshold: 2, MonitorWindow: 120 * time.Second}
	now := time.Now()

	s := Transition(CircuitState{State: Closed}, cfg, now, true)
	assert.Equal(t, Closed, s.State)
	assert.Equal(t, 1, s.SuccessCount)

	s = Transition(s, cfg, now, false)
	assert.Equal(t, Open, s.State)
	assert.Equal(t, 1, s.FailureCount)
	assert.Equal(t, 0, s.SuccessCount)
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	cfg := DefaultConfig()
	now := time.Now()

	s := CircuitState{State: HalfOpen}
	s = Transition(s, cfg, now, true)
	assert.Equal(t, HalfOpen, s.State)
	s = Transition(s, cfg, now, true)
	assert.Equal(t, Closed, s.State)
	assert.Equal(t, 0, s.FailureCount)
}

func TestHalfOpenOpensImmediatelyOnFailure(t *testing.T) {
	cfg := DefaultConfig()
	now := time.Now()

	s := Transition(CircuitState{State: HalfOpen, SuccessCount: 1}, cfg, now, false)
	assert.Equal(t, Open, s.State)
	assert.Equal(t, 0, s.SuccessCount)
}

func TestMaybeAdvanceToHalfOpen(t *testing.T) {
	cfg := DefaultConfig()
	failAt := time.Now().Add(-40 * time.Second)

	s := CircuitState{State: Open, LastFailureTime: &failAt}
	advanced := MaybeAdvanceToHalfOpen(s, cfg, time.Now())
	assert.Equal(t, HalfOpen, advanced.State)

	tooSoon := time.Now().Add(-5 * time.Second)
	s2 := CircuitState{State: Open, LastFailureTime: &tooSoon}
	notAdvanced := MaybeAdvanceToHalfOpen(s2, cfg, time.Now())
	assert.Equal(t, Open, notAdvanced.State)
}

func TestMonitorWindowResetsFailureCount(t *testing.T) {
	cfg := Config{FailureThreshold: 5, ResetTimeout: 30 * time.Second, HalfOpenSuccessThreshold: 2, MonitorWindow: 1 * time.Second}
	stale := time.Now().Add(-2 * time.Second)

	prev := CircuitState{State: Closed, FailureCount: 3, LastFailureTime: &stale}
	next := Transition(prev, cfg, time.Now(), false)

	assert.Equal(t, 1, next.FailureCount)
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	cfg := Config{FailureThreshold: 1, ResetTimeout: time.Second, HalfOpenSuccessThreshold: 1, MonitorWindow: time.Minute}

	s, err := store.RecordFailure(ctx, "node-type:email", cfg, time.Now())
	require.NoError(t, err)
	assert.Equal(t, Open, s.State)

	got, err := store.Get(ctx, "node-type:email")
	require.NoError(t, err)
	assert.Equal(t, Open, got.State)
}

type countingStore struct {
	*MemoryStore
	successes int
	failures  int
}

func (c *countingStore) RecordSuccess(ctx context.Context, circuitID string, cfg Config, now time.Time) (CircuitState, error) {
	c.successes++
	return c.MemoryStore.RecordSuccess(ctx, circuitID, cfg, now)
}

func (c *countingStore) RecordFailure(ctx context.Context, circuitID string, cfg Config, now time.Time) (CircuitState, error) {
	c.failures++
	return c.MemoryStore.RecordFailure(ctx, circuitID, cfg, now)
}

func TestMultiLevelBreakerRecordsAllFourLevels(t *testing.T) {
	store := &countingStore{MemoryStore: NewMemoryStore()}
	mlb := New(store, DefaultConfig())
	ctx := context.Background()

	scope := Scope{NodeType: "email", UserID: "u1", WorkflowID: "w1"}
	require.NoError(t, mlb.RecordFailure(ctx, scope))

	assert.Equal(t, 4, store.failures)
}

func TestMultiLevelBreakerBlocksOnAnyOpenLevel(t *testing.T) {
	store := NewMemoryStore()
	cfg := Config{FailureThreshold: 1, ResetTimeout: time.Minute, HalfOpenSuccessThreshold: 1, MonitorWindow: time.Minute}
	mlb := New(store, cfg)
	ctx := context.Background()

	scope := Scope{NodeType: "email", UserID: "u1", WorkflowID: "w1"}
	require.NoError(t, mlb.RecordFailure(ctx, scope))

	admission, err := mlb.ShouldAllow(ctx, scope)
	require.NoError(t, err)
	assert.False(t, admission.Allowed)
	assert.Equal(t, CircuitID(LevelNodeType, "email", ""), admission.BlockedBy)
}

func TestCircuitOpensAfterFiveFailures(t *testing.T) {
	// E2E scenario 4: 5 consecutive failures within the monitor window open
	// the breaker; the 6th execution is rejected without invoking the handler.
	store := NewMemoryStore()
	cfg := DefaultConfig()
	mlb := New(store, cfg)
	ctx := context.Background()
	scope := Scope{NodeType: "T"}

	for i := 0; i < 5; i++ {
		require.NoError(t, mlb.RecordFailure(ctx, scope))
	}

	admission, err := mlb.ShouldAllow(ctx, scope)
	require.NoError(t, err)
	assert.False(t, admission.Allowed)
}

func TestCircuitIDFormat(t *testing.T) {
	assert.Equal(t, "node-type:email", CircuitID(LevelNodeType, "email", ""))
	assert.Equal(t, "user:U123", CircuitID(LevelUser, "U123", ""))
}
