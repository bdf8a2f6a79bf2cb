// Package orchestrator implements the WorkflowExecutor (C6): driving one
// execution's nodes through validation, scheduling, breaker admission, and
// the NodeExecutor, per §4.5.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flowmesh/engine/internal/breaker"
	"github.com/flowmesh/engine/internal/classify"
	"github.com/flowmesh/engine/internal/execlog"
	"github.com/flowmesh/engine/internal/graph"
	"github.com/flowmesh/engine/internal/node"
	"github.com/flowmesh/engine/internal/tracing"
	"github.com/flowmesh/engine/internal/workflow"
)

// ResumePointMissingError is raised when a resume marker names a node
// absent from the topological order (§4.5 resume semantics).
type ResumePointMissingError struct {
	NodeID string
}

func (e ResumePointMissingError) Error() string {
	return fmt.Sprintf("resume point %s not found in execution order", e.NodeID)
}

// BreakerBlockedError is raised when the workflow/user/global admission
// check denies execution before any node runs (§4.5 step 3).
type BreakerBlockedError struct {
	BlockedBy string
}

func (e BreakerBlockedError) Error() string {
	return fmt.Sprintf("circuit breaker %s is OPEN", e.BlockedBy)
}

// Repository is the subset of workflow.Repository the orchestrator drives.
type Repository interface {
	GetExecution(ctx context.Context, id string) (*workflow.Execution, error)
	ReleaseExecution(ctx context.Context, id string, status workflow.ExecutionStatus, output json.RawMessage, execErr *string, now time.Time) error
	CreateBlockExecutions(ctx context.Context, executionID string, nodeIDs []string, blockTypes map[string]string, completedIDs map[string]bool, now time.Time) error
	TransitionBlockExecution(ctx context.Context, executionID, nodeID string, status workflow.BlockExecutionStatus, input, output json.RawMessage, blockErr *string, now time.Time) error
	FailRunningBlockExecutions(ctx context.Context, executionID string, errMsg string, now time.Time) error
}

// Monitor is the subset of monitor.Hub the orchestrator notifies.
type Monitor interface {
	ExecutionStarted(executionID string, total int)
	NodeUpdate(executionID, nodeID string, status workflow.BlockExecutionStatus)
	ExecutionCompleted(executionID string, outputs map[string]interface{})
	ExecutionFailed(executionID, errMsg string, duration time.Duration)
}

// HandlerRegistry is the graph.HandlerRegistry the GraphValidator consults.
type HandlerRegistry = graph.HandlerRegistry

// Executor is the WorkflowExecutor (C6).
type Executor struct {
	repo                      Repository
	registry                  HandlerRegistry
	breaker                   *breaker.MultiLevelBreaker
	node                      *node.Executor
	logger                    *execlog.Logger
	monitor                   Monitor
	allowedTerminalCategories []string
	now                       func() time.Time
}

// New constructs an Executor.
func New(repo Repository, registry HandlerRegistry, mlb *breaker.MultiLevelBreaker, nodeExec *node.Executor, logger *execlog.Logger, mon Monitor, allowedTerminalCategories []string) *Executor {
	return &Executor{
		repo:                      repo,
		registry:                  registry,
		breaker:                   mlb,
		node:                      nodeExec,
		logger:                    logger,
		monitor:                   mon,
		allowedTerminalCategories: allowedTerminalCategories,
		now:                       time.Now,
	}
}

// Result is the outcome of ExecuteWorkflow.
type Result struct {
	Status  workflow.ExecutionStatus
	Outputs map[string]interface{}
	Error   string
}

// ExecuteWorkflow runs nodes/edges to completion for one execution, per the
// §4.5 algorithm. resumeFromNodeID/resumeData may be empty/nil for a fresh
// run. The run is wrapped in a tracing span covering every node the
// orchestrator drives.
func (e *Executor) ExecuteWorkflow(ctx context.Context, nodes []graph.Node, edges []graph.Edge, executionID, userID, workflowID string, resumeFromNodeID string, resumeData map[string]interface{}) (Result, error) {
	var result Result
	err := tracing.TraceWorkflowExecution(ctx, workflowID, executionID, userID, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = e.executeWorkflow(ctx, nodes, edges, executionID, userID, workflowID, resumeFromNodeID, resumeData)
		return innerErr
	})
	return result, err
}

func (e *Executor) executeWorkflow(ctx context.Context, nodes []graph.Node, edges []graph.Edge, executionID, userID, workflowID string, resumeFromNodeID string, resumeData map[string]interface{}) (Result, error) {
	e.logger.Info(ctx, executionID, "workflow started", map[string]interface{}{"workflow_id": workflowID})

	validation := graph.Validate(nodes, edges, e.registry, userID, e.allowedTerminalCategories)
	if !validation.OK() {
		return e.fail(ctx, executionID, joinErrors(validation.Errors))
	}
	for _, w := range validation.Warnings {
		e.logger.Warn(ctx, executionID, "type compatibility warning", map[string]interface{}{"edge_id": w.EdgeID, "message": w.Message})
	}

	order, parents, err := graph.TopologicalSort(nodes, edges)
	if err != nil {
		return e.fail(ctx, executionID, err.Error())
	}

	admission, err := e.breaker.ShouldAllow(ctx, breaker.Scope{UserID: userID, WorkflowID: workflowID})
	if err != nil {
		return Result{}, err
	}
	if !admission.Allowed {
		return e.fail(ctx, executionID, BreakerBlockedError{BlockedBy: admission.BlockedBy}.Error())
	}

	byID := make(map[string]graph.Node, len(nodes))
	blockTypes := make(map[string]string, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
		blockTypes[n.ID] = n.ResolveType()
	}

	shouldExecute := resumeFromNodeID == ""
	completedIDs := make(map[string]bool)
	if !shouldExecute {
		found := false
		for _, id := range order {
			if id == resumeFromNodeID {
				found = true
				break
			}
			completedIDs[id] = true
		}
		if !found {
			return e.fail(ctx, executionID, ResumePointMissingError{NodeID: resumeFromNodeID}.Error())
		}
	}

	now := e.now()
	if err := e.repo.CreateBlockExecutions(ctx, executionID, order, blockTypes, completedIDs, now); err != nil {
		return Result{}, err
	}

	e.monitor.ExecutionStarted(executionID, len(order))

	outputs := make(map[string]interface{}, len(resumeData)+len(order))
	for k, v := range resumeData {
		outputs[k] = v
	}

	for _, nodeID := range order {
		if !shouldExecute {
			if nodeID == resumeFromNodeID {
				shouldExecute = true
			} else {
				continue
			}
		}

		n := byID[nodeID]
		relevant := make(map[string]interface{}, len(parents[nodeID]))
		for _, parentID := range parents[nodeID] {
			if out, ok := outputs[parentID]; ok {
				relevant[parentID] = out
			}
		}

		if err := e.repo.TransitionBlockExecution(ctx, executionID, nodeID, workflow.BlockRunning, nil, nil, nil, e.now()); err != nil {
			return Result{}, err
		}
		e.monitor.NodeUpdate(executionID, nodeID, workflow.BlockRunning)

		output, err := e.node.Execute(ctx, node.Invocation{
			Node:            n,
			ExecutionID:     executionID,
			WorkflowID:      workflowID,
			UserID:          userID,
			RelevantOutputs: relevant,
			PreviousOutputs: outputs,
		})
		if err != nil {
			return e.failNode(ctx, executionID, nodeID, err)
		}

		outputs[nodeID] = output
		outputJSON, _ := json.Marshal(output)
		if err := e.repo.TransitionBlockExecution(ctx, executionID, nodeID, workflow.BlockCompleted, nil, outputJSON, nil, e.now()); err != nil {
			return Result{}, err
		}
		e.monitor.NodeUpdate(executionID, nodeID, workflow.BlockCompleted)
	}

	if err := e.breaker.RecordSuccess(ctx, breaker.Scope{UserID: userID, WorkflowID: workflowID}); err != nil {
		return Result{}, err
	}

	outputsJSON, _ := json.Marshal(outputs)
	completedAt := e.now()
	if err := e.repo.ReleaseExecution(ctx, executionID, workflow.ExecutionCompleted, outputsJSON, nil, completedAt); err != nil {
		return Result{}, err
	}
	e.monitor.ExecutionCompleted(executionID, outputs)
	e.logger.Info(ctx, executionID, "workflow completed", nil)

	return Result{Status: workflow.ExecutionCompleted, Outputs: outputs}, nil
}

// failNode handles a node-level failure: record breaker failure at all
// levels, mark every still-running block execution failed, release the
// execution, and notify (§4.5 step 8).
func (e *Executor) failNode(ctx context.Context, executionID, nodeID string, nodeErr error) (Result, error) {
	var execErr *classify.ExecutionError
	if !errors.As(nodeErr, &execErr) {
		execErr = classify.New(nodeErr, nodeID, "", 0)
	}

	now := e.now()
	msg := execErr.Error()
	if err := e.repo.TransitionBlockExecution(ctx, executionID, nodeID, workflow.BlockFailed, nil, nil, &msg, now); err != nil {
		return Result{}, err
	}
	e.monitor.NodeUpdate(executionID, nodeID, workflow.BlockFailed)

	return e.fail(ctx, executionID, msg)
}

// fail finalizes an execution as failed: breaker failure, cleanup of
// running block executions, release, and notification.
func (e *Executor) fail(ctx context.Context, executionID, errMsg string) (Result, error) {
	exec, err := e.repo.GetExecution(ctx, executionID)
	if err != nil && !errors.Is(err, workflow.ErrNotFound) {
		return Result{}, err
	}

	scope := breaker.Scope{}
	if exec != nil {
		scope.UserID = exec.UserID
		scope.WorkflowID = exec.WorkflowID
	}
	if err := e.breaker.RecordFailure(ctx, scope); err != nil {
		return Result{}, err
	}

	now := e.now()
	if err := e.repo.FailRunningBlockExecutions(ctx, executionID, errMsg, now); err != nil {
		return Result{}, err
	}

	if err := e.repo.ReleaseExecution(ctx, executionID, workflow.ExecutionFailed, nil, &errMsg, now); err != nil {
		return Result{}, err
	}

	var start time.Time
	if exec != nil && exec.StartedAt != nil {
		start = *exec.StartedAt
	} else {
		start = now
	}
	e.monitor.ExecutionFailed(executionID, errMsg, now.Sub(start))
	e.logger.Error(ctx, executionID, "workflow failed", map[string]interface{}{"error": errMsg})

	return Result{Status: workflow.ExecutionFailed, Error: errMsg}, nil
}

func joinErrors(errs []error) string {
	if len(errs) == 0 {
		return ""
	}
	if len(errs) == 1 {
		return errs[0].Error()
	}
	msg := errs[0].Error()
	for _, e := range errs[1:] {
		msg += "; " + e.Error()
	}
	return msg
}
