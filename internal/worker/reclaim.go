package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowmesh/engine/internal/graph"
	"github.com/flowmesh/engine/internal/orchestrator"
	"github.com/flowmesh/engine/internal/workflow"
)

// ReclaimRepository is the subset of workflow.Repository the Reclaimer
// drives: finding stale-locked executions, taking them over, and replaying
// their completed nodes.
type ReclaimRepository interface {
	ListStaleLockedExecutions(ctx context.Context, leaseTTL time.Duration, now time.Time) ([]workflow.Execution, error)
	ClaimExecution(ctx context.Context, id, workerID string, leaseTTL time.Duration, now time.Time) (*workflow.Execution, error)
	GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error)
	ListBlockExecutions(ctx context.Context, executionID string) ([]workflow.BlockExecution, error)
}

// ReclaimOrchestrator is the subset of orchestrator.Executor the Reclaimer
// drives to replay a crashed execution from its last completed node.
type ReclaimOrchestrator interface {
	ExecuteWorkflow(ctx context.Context, nodes []graph.Node, edges []graph.Edge, executionID, userID, workflowID string, resumeFromNodeID string, resumeData map[string]interface{}) (orchestrator.Result, error)
}

// Reclaimer implements the lease-expiry crash-recovery path of §5: it scans
// for executions whose lock has gone stale, takes ownership, reconstructs
// the resume point from the already-completed BlockExecution rows, and hands
// the rest off to the orchestrator exactly as a fresh claim would.
type Reclaimer struct {
	repo         ReclaimRepository
	orchestrator ReclaimOrchestrator
	logger       *slog.Logger
	workerID     string
	leaseTTL     time.Duration
	scanInterval time.Duration
	now          func() time.Time
}

// NewReclaimer constructs a Reclaimer.
func NewReclaimer(repo ReclaimRepository, orch ReclaimOrchestrator, logger *slog.Logger, workerID string, leaseTTL, scanInterval time.Duration) *Reclaimer {
	return &Reclaimer{
		repo:         repo,
		orchestrator: orch,
		logger:       logger,
		workerID:     workerID,
		leaseTTL:     leaseTTL,
		scanInterval: scanInterval,
		now:          time.Now,
	}
}

// Run drives the periodic scan until ctx is canceled.
func (r *Reclaimer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scan(ctx)
		}
	}
}

func (r *Reclaimer) scan(ctx context.Context) {
	stale, err := r.repo.ListStaleLockedExecutions(ctx, r.leaseTTL, r.now())
	if err != nil {
		r.logger.Error("reclaim scan failed", "error", err)
		return
	}
	for _, exec := range stale {
		r.reclaim(ctx, exec)
	}
}

func (r *Reclaimer) reclaim(ctx context.Context, exec workflow.Execution) {
	claimed, err := r.repo.ClaimExecution(ctx, exec.ID, r.workerID, r.leaseTTL, r.now())
	if err != nil {
		if errors.Is(err, workflow.ErrClaimConflict) {
			return
		}
		r.logger.Error("reclaim: failed to claim execution", "error", err, "execution_id", exec.ID)
		return
	}

	r.logger.Info("reclaiming stale-locked execution", "execution_id", exec.ID, "workflow_id", exec.WorkflowID)

	wf, err := r.repo.GetWorkflow(ctx, claimed.WorkflowID)
	if err != nil {
		r.logger.Error("reclaim: failed to load workflow", "error", err, "execution_id", exec.ID)
		return
	}

	nodes, edges, err := decodeGraph(wf)
	if err != nil {
		r.logger.Error("reclaim: failed to decode workflow graph", "error", err, "execution_id", exec.ID)
		return
	}

	order, _, err := graph.TopologicalSort(nodes, edges)
	if err != nil {
		r.logger.Error("reclaim: failed to sort workflow graph", "error", err, "execution_id", exec.ID)
		return
	}

	blockExecs, err := r.repo.ListBlockExecutions(ctx, exec.ID)
	if err != nil {
		r.logger.Error("reclaim: failed to list block executions", "error", err, "execution_id", exec.ID)
		return
	}
	completed := make(map[string]workflow.BlockExecution, len(blockExecs))
	for _, be := range blockExecs {
		completed[be.NodeID] = be
	}

	resumeFromNodeID, resumeData, err := resumePoint(order, completed)
	if err != nil {
		r.logger.Error("reclaim: could not determine resume point", "error", err, "execution_id", exec.ID)
		return
	}
	if resumeFromNodeID == "" {
		r.logger.Info("reclaim: execution already fully completed, nothing to resume", "execution_id", exec.ID)
		return
	}

	if _, err := r.orchestrator.ExecuteWorkflow(ctx, nodes, edges, exec.ID, claimed.UserID, claimed.WorkflowID, resumeFromNodeID, resumeData); err != nil {
		r.logger.Error("reclaim: resumed execution failed", "error", err, "execution_id", exec.ID)
	}
}

// resumePoint walks the topological order and returns the id of the first
// node that is not yet completed, plus the accumulated outputs of every node
// completed so far. An empty resumeFromNodeID means every node is already
// completed.
func resumePoint(order []string, completed map[string]workflow.BlockExecution) (string, map[string]interface{}, error) {
	resumeData := make(map[string]interface{})
	for _, nodeID := range order {
		be, ok := completed[nodeID]
		if !ok || be.Status != workflow.BlockCompleted {
			return nodeID, resumeData, nil
		}
		if len(be.Output) > 0 {
			var output interface{}
			if err := json.Unmarshal(be.Output, &output); err != nil {
				return "", nil, fmt.Errorf("reclaim: failed to decode output for node %s: %w", nodeID, err)
			}
			resumeData[nodeID] = output
		}
	}
	return "", resumeData, nil
}

// decodeGraph mirrors queue.decodeGraph, which is unexported, so the helper
// is duplicated here.
func decodeGraph(wf *workflow.Workflow) ([]graph.Node, []graph.Edge, error) {
	var nodes []graph.Node
	var edges []graph.Edge
	if err := json.Unmarshal(wf.Nodes, &nodes); err != nil {
		return nil, nil, fmt.Errorf("worker: failed to decode workflow nodes: %w", err)
	}
	if err := json.Unmarshal(wf.Edges, &edges); err != nil {
		return nil, nil, fmt.Errorf("worker: failed to decode workflow edges: %w", err)
	}
	return nodes, edges, nil
}
