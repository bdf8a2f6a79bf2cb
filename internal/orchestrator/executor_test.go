package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/engine/internal/breaker"
	"github.com/flowmesh/engine/internal/execlog"
	"github.com/flowmesh/engine/internal/graph"
	"github.com/flowmesh/engine/internal/handler"
	nodepkg "github.com/flowmesh/engine/internal/node"
	"github.com/flowmesh/engine/internal/workflow"
)

type blockRow struct {
	status workflow.BlockExecutionStatus
	output json.RawMessage
	err    *string
}

type fakeRepo struct {
	mu        sync.Mutex
	blocks    map[string]*blockRow
	execution *workflow.Execution
	released  *workflow.ExecutionStatus
	releaseErr *string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{blocks: make(map[string]*blockRow)}
}

func (f *fakeRepo) GetExecution(ctx context.Context, id string) (*workflow.Execution, error) {
	if f.execution == nil {
		return nil, workflow.ErrNotFound
	}
	return f.execution, nil
}

func (f *fakeRepo) ReleaseExecution(ctx context.Context, id string, status workflow.ExecutionStatus, output json.RawMessage, execErr *string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = &status
	f.releaseErr = execErr
	return nil
}

func (f *fakeRepo) CreateBlockExecutions(ctx context.Context, executionID string, nodeIDs []string, blockTypes map[string]string, completedIDs map[string]bool, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range nodeIDs {
		status := workflow.BlockPending
		if completedIDs[id] {
			status = workflow.BlockCompleted
		}
		f.blocks[id] = &blockRow{status: status}
	}
	return nil
}

func (f *fakeRepo) TransitionBlockExecution(ctx context.Context, executionID, nodeID string, status workflow.BlockExecutionStatus, input, output json.RawMessage, blockErr *string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.blocks[nodeID]
	if !ok {
		row = &blockRow{}
		f.blocks[nodeID] = row
	}
	row.status = status
	if output != nil {
		row.output = output
	}
	row.err = blockErr
	return nil
}

func (f *fakeRepo) FailRunningBlockExecutions(ctx context.Context, executionID string, errMsg string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.blocks {
		if row.status == workflow.BlockRunning {
			row.status = workflow.BlockFailed
			msg := errMsg
			row.err = &msg
		}
	}
	return nil
}

type fakeMonitor struct {
	mu        sync.Mutex
	completed bool
	failed    bool
	events    []string
}

func (m *fakeMonitor) ExecutionStarted(executionID string, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, "started")
}

func (m *fakeMonitor) NodeUpdate(executionID, nodeID string, status workflow.BlockExecutionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, nodeID+":"+string(status))
}

func (m *fakeMonitor) ExecutionCompleted(executionID string, outputs map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = true
}

func (m *fakeMonitor) ExecutionFailed(executionID, errMsg string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = true
}

type echoHandler struct{ fail bool }

func (h *echoHandler) ValidateConfig(map[string]interface{}, string) []string { return nil }

func (h *echoHandler) Execute(ctx context.Context, n graph.Node, ec handler.ExecutionContext) (interface{}, error) {
	if h.fail {
		return nil, assertErr{n.ID}
	}
	return map[string]interface{}{"node": n.ID}, nil
}

type assertErr struct{ nodeID string }

func (e assertErr) Error() string { return "handler failed for " + e.nodeID }

func testLogger() *execlog.Logger {
	store := noopStore{}
	return execlog.New(store, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type noopStore struct{}

func (noopStore) AppendLog(ctx context.Context, entry workflow.LogEntry) error { return nil }

func newTestExecutor(reg *handler.Registry, repo *fakeRepo, mon *fakeMonitor) *Executor {
	store := breaker.NewMemoryStore()
	mlb := breaker.New(store, breaker.DefaultConfig())
	nodeExec := nodepkg.New(reg, mlb, nil, nodepkg.Config{MaxRetries: 0, RetryBackoffMS: 1, ExecutionTimeout: time.Second}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return New(repo, reg, mlb, nodeExec, testLogger(), mon, []string{"ACTION", "TRIGGER"})
}

func linearGraph() ([]graph.Node, []graph.Edge) {
	nodes := []graph.Node{
		{ID: "A", Type: "action:echo", Category: "ACTION"},
		{ID: "B", Type: "action:echo", Category: "ACTION"},
		{ID: "C", Type: "action:echo", Category: "ACTION"},
	}
	edges := []graph.Edge{
		{ID: "e1", Source: "A", Target: "B"},
		{ID: "e2", Source: "B", Target: "C"},
	}
	return nodes, edges
}

func TestExecuteWorkflowLinearSuccess(t *testing.T) {
	// E2E scenario 1: A -> B -> C all succeed.
	reg := handler.NewRegistry()
	reg.Register("action:echo", func() handler.Handler { return &echoHandler{} })
	repo := newFakeRepo()
	mon := &fakeMonitor{}
	exec := newTestExecutor(reg, repo, mon)

	nodes, edges := linearGraph()
	result, err := exec.ExecuteWorkflow(context.Background(), nodes, edges, "exec-1", "user-1", "wf-1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionCompleted, result.Status)
	assert.Len(t, result.Outputs, 3)
	assert.True(t, mon.completed)
	assert.Equal(t, workflow.ExecutionCompleted, *repo.released)
}

func TestExecuteWorkflowCycleRejected(t *testing.T) {
	// E2E scenario 2: a cyclic graph is rejected before any node runs.
	reg := handler.NewRegistry()
	reg.Register("action:echo", func() handler.Handler { return &echoHandler{} })
	repo := newFakeRepo()
	mon := &fakeMonitor{}
	exec := newTestExecutor(reg, repo, mon)

	nodes := []graph.Node{
		{ID: "A", Type: "action:echo", Category: "ACTION"},
		{ID: "B", Type: "action:echo", Category: "ACTION"},
	}
	edges := []graph.Edge{
		{ID: "e1", Source: "A", Target: "B"},
		{ID: "e2", Source: "B", Target: "A"},
	}

	result, err := exec.ExecuteWorkflow(context.Background(), nodes, edges, "exec-2", "user-1", "wf-1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionFailed, result.Status)
	assert.True(t, mon.failed)
	assert.Empty(t, repo.blocks)
}

func TestExecuteWorkflowNodeFailureFailsWholeExecution(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register("action:echo", func() handler.Handler { return &echoHandler{} })
	reg.Register("action:broken", func() handler.Handler { return &echoHandler{fail: true} })
	repo := newFakeRepo()
	mon := &fakeMonitor{}
	exec := newTestExecutor(reg, repo, mon)

	nodes := []graph.Node{
		{ID: "A", Type: "action:echo", Category: "ACTION"},
		{ID: "B", Type: "action:broken", Category: "ACTION"},
	}
	edges := []graph.Edge{{ID: "e1", Source: "A", Target: "B"}}

	result, err := exec.ExecuteWorkflow(context.Background(), nodes, edges, "exec-3", "user-1", "wf-1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionFailed, result.Status)
	assert.Equal(t, workflow.BlockCompleted, repo.blocks["A"].status)
	assert.Equal(t, workflow.BlockFailed, repo.blocks["B"].status)
}

func TestExecuteWorkflowResumesFromNode(t *testing.T) {
	// E2E scenario 6: resume skips upstream nodes and seeds their outputs.
	reg := handler.NewRegistry()
	reg.Register("action:echo", func() handler.Handler { return &echoHandler{} })
	repo := newFakeRepo()
	mon := &fakeMonitor{}
	exec := newTestExecutor(reg, repo, mon)

	nodes, edges := linearGraph()
	resumeData := map[string]interface{}{"A": map[string]interface{}{"node": "A"}}

	result, err := exec.ExecuteWorkflow(context.Background(), nodes, edges, "exec-4", "user-1", "wf-1", "B", resumeData)
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionCompleted, result.Status)
	assert.Contains(t, result.Outputs, "A")
	assert.Contains(t, result.Outputs, "B")
	assert.Contains(t, result.Outputs, "C")
}

func TestExecuteWorkflowResumePointMissingFails(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register("action:echo", func() handler.Handler { return &echoHandler{} })
	repo := newFakeRepo()
	mon := &fakeMonitor{}
	exec := newTestExecutor(reg, repo, mon)

	nodes, edges := linearGraph()
	result, err := exec.ExecuteWorkflow(context.Background(), nodes, edges, "exec-5", "user-1", "wf-1", "Z", nil)
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionFailed, result.Status)
	require.NotNil(t, repo.releaseErr)
	assert.Contains(t, *repo.releaseErr, "Z")
}
