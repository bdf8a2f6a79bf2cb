package node

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/engine/internal/breaker"
	"github.com/flowmesh/engine/internal/graph"
	"github.com/flowmesh/engine/internal/handler"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type scriptedHandler struct {
	calls    int
	outputs  []interface{}
	errs     []error
}

func (h *scriptedHandler) ValidateConfig(map[string]interface{}, string) []string { return nil }

func (h *scriptedHandler) Execute(ctx context.Context, n graph.Node, ec handler.ExecutionContext) (interface{}, error) {
	i := h.calls
	h.calls++
	var out interface{}
	var err error
	if i < len(h.outputs) {
		out = h.outputs[i]
	}
	if i < len(h.errs) {
		err = h.errs[i]
	}
	return out, err
}

func newTestExecutor(t *testing.T, h handler.Handler, cfg Config) (*Executor, *breaker.MemoryStore) {
	t.Helper()
	reg := handler.NewRegistry()
	reg.Register("action:test", func() handler.Handler { return h })

	store := breaker.NewMemoryStore()
	mlb := breaker.New(store, breaker.DefaultConfig())

	exec := New(reg, mlb, nil, cfg, testLogger())
	exec.sleep = func(time.Duration) {} // tests run with no real sleeping
	return exec, store
}

func TestExecuteSuccessFirstAttempt(t *testing.T) {
	h := &scriptedHandler{outputs: []interface{}{map[string]interface{}{"ok": true}}}
	exec, _ := newTestExecutor(t, h, Config{MaxRetries: 3, RetryBackoffMS: 10, RetryJitterMS: 5, ExecutionTimeout: time.Second})

	out, err := exec.Execute(context.Background(), Invocation{
		Node: graph.Node{ID: "B", Type: "action:test"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"ok": true}, out)
	assert.Equal(t, 1, h.calls)
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	// E2E scenario 3: transient failure then success.
	h := &scriptedHandler{
		errs:    []error{errors.New("fetch failed")},
		outputs: []interface{}{nil, map[string]interface{}{"ok": true}},
	}
	exec, store := newTestExecutor(t, h, Config{MaxRetries: 3, RetryBackoffMS: 10, RetryJitterMS: 0, ExecutionTimeout: time.Second})

	out, err := exec.Execute(context.Background(), Invocation{
		Node: graph.Node{ID: "B", Type: "action:test"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"ok": true}, out)
	assert.Equal(t, 2, h.calls)

	state, _ := store.Get(context.Background(), "node-type:action:test")
	assert.Equal(t, breaker.Closed, state.State)
}

func TestExecuteExhaustsRetries(t *testing.T) {
	h := &scriptedHandler{errs: []error{
		errors.New("boom"), errors.New("boom"), errors.New("boom"), errors.New("boom"),
	}}
	exec, _ := newTestExecutor(t, h, Config{MaxRetries: 3, RetryBackoffMS: 1, RetryJitterMS: 0, ExecutionTimeout: time.Second})

	_, err := exec.Execute(context.Background(), Invocation{Node: graph.Node{ID: "B", Type: "action:test"}})
	require.Error(t, err)
	assert.Equal(t, 4, h.calls)
}

func TestExecuteZeroRetriesIsOneAttempt(t *testing.T) {
	// B1: MAX_RETRIES = 0 => one attempt, no backoff.
	h := &scriptedHandler{errs: []error{errors.New("boom")}}
	exec, _ := newTestExecutor(t, h, Config{MaxRetries: 0, RetryBackoffMS: 1000, RetryJitterMS: 0, ExecutionTimeout: time.Second})

	_, err := exec.Execute(context.Background(), Invocation{Node: graph.Node{ID: "B", Type: "action:test"}})
	require.Error(t, err)
	assert.Equal(t, 1, h.calls)
}

func TestExecuteCircuitOpenBypassesRetries(t *testing.T) {
	h := &scriptedHandler{}
	reg := handler.NewRegistry()
	reg.Register("action:test", func() handler.Handler { return h })

	store := breaker.NewMemoryStore()
	cfg := breaker.Config{FailureThreshold: 1, ResetTimeout: time.Hour, HalfOpenSuccessThreshold: 1, MonitorWindow: time.Hour}
	mlb := breaker.New(store, cfg)
	_, err := store.RecordFailure(context.Background(), "node-type:action:test", cfg, time.Now())
	require.NoError(t, err)

	exec := New(reg, mlb, nil, Config{MaxRetries: 3, RetryBackoffMS: 1, ExecutionTimeout: time.Second}, testLogger())

	_, execErr := exec.Execute(context.Background(), Invocation{Node: graph.Node{ID: "B", Type: "action:test"}})
	require.Error(t, execErr)
	var circuitErr CircuitOpenError
	require.ErrorAs(t, execErr, &circuitErr)
	assert.Equal(t, 0, h.calls)
}

func TestExecuteTimeout(t *testing.T) {
	slowHandler := handlerFunc(func(ctx context.Context, n graph.Node, ec handler.ExecutionContext) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	exec, _ := newTestExecutor(t, slowHandler, Config{MaxRetries: 0, ExecutionTimeout: 10 * time.Millisecond})

	_, err := exec.Execute(context.Background(), Invocation{Node: graph.Node{ID: "B", Type: "action:test"}})
	require.Error(t, err)
	var timeoutErr NodeExecutionTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
}

func TestCalculateBackoffLinearFormula(t *testing.T) {
	exec, _ := newTestExecutor(t, &scriptedHandler{}, Config{RetryBackoffMS: 1000, RetryJitterMS: 500})
	exec.randFloat = func() float64 { return 0.5 }

	assert.Equal(t, 1250*time.Millisecond, exec.calculateBackoff(1))
	assert.Equal(t, 2250*time.Millisecond, exec.calculateBackoff(2))
}

func TestCategorizeError(t *testing.T) {
	assert.Equal(t, "QuotaExceeded", CategorizeError(errors.New("monthly quota exceeded")))
	assert.Equal(t, "Unauthorized", CategorizeError(errors.New("missing permission")))
	assert.Equal(t, "NotFound", CategorizeError(errors.New("workflow not found")))
	assert.Equal(t, "ValidationError", CategorizeError(errors.New("validation failed")))
	assert.Equal(t, "UnknownError", CategorizeError(errors.New("boom")))
}

// handlerFunc adapts a plain function to handler.Handler for tests.
type handlerFunc func(ctx context.Context, n graph.Node, ec handler.ExecutionContext) (interface{}, error)

func (f handlerFunc) ValidateConfig(map[string]interface{}, string) []string { return nil }
func (f handlerFunc) Execute(ctx context.Context, n graph.Node, ec handler.ExecutionContext) (interface{}, error) {
	return f(ctx, n, ec)
}
