package classify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		wantKind  Kind
		wantRetry bool
		wantDelay int
	}{
		{"network fetch failed", errors.New("fetch failed: connect ECONNREFUSED"), KindNetwork, true, 2000},
		{"rate limit", errors.New("429 too many requests"), KindRateLimit, true, 5000},
		{"unauthorized", errors.New("401 Unauthorized"), KindAuthN, false, 0},
		{"configuration", errors.New("missing required field 'to'"), KindConfiguration, false, 0},
		{"quota", errors.New("quota exceeded for user"), KindQuota, false, 0},
		{"circuit", errors.New("Circuit breaker is OPEN for node-type:email"), KindCircuit, true, 30000},
		{"5xx", errors.New("HTTP 503 Internal Server Error"), KindExternal5xx, true, 3000},
		{"unknown", errors.New("something broke"), KindUnknown, true, 1000},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.err)
			assert.Equal(t, tc.wantKind, got.Kind)
			assert.Equal(t, tc.wantRetry, got.Retryable)
			assert.Equal(t, tc.wantDelay, got.BaseDelay)
		})
	}
}

func TestClassifyNilError(t *testing.T) {
	got := Classify(nil)
	assert.Equal(t, KindUnknown, got.Kind)
	assert.False(t, got.Retryable)
}

func TestIsTransportTransient(t *testing.T) {
	assert.True(t, IsTransportTransient(context.DeadlineExceeded))
	assert.False(t, IsTransportTransient(context.Canceled))
	assert.False(t, IsTransportTransient(nil))
}

func TestWrapPreservesExecutionError(t *testing.T) {
	base := errors.New("fetch failed")
	wrapped := Wrap(base, "node-1", "action:http", 0)

	var execErr *ExecutionError
	require := assert.New(t)
	require.ErrorAs(wrapped, &execErr)
	require.Equal(KindNetwork, execErr.Classification.Kind)
	require.True(execErr.IsRetryable())

	rewrapped := Wrap(wrapped, "node-1", "action:http", 1)
	var execErr2 *ExecutionError
	require.ErrorAs(rewrapped, &execErr2)
	require.Equal(1, execErr2.RetryCount)
	require.Same(execErr, execErr2)
}

func TestRetryDelayMS(t *testing.T) {
	assert.Equal(t, 1100, RetryDelayMS(1000, 0, 100))
	assert.Equal(t, 2100, RetryDelayMS(1000, 1, 100))
	assert.Equal(t, 4100, RetryDelayMS(1000, 2, 100))
	assert.Equal(t, 30000, RetryDelayMS(5000, 10, 999))
}
