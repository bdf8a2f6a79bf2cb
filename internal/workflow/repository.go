package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("workflow: not found")

// ErrClaimConflict is returned when the exclusive claim CAS fails because
// another worker already owns the execution (§9 Claim protocol).
var ErrClaimConflict = errors.New("workflow: claim conflict")

// Repository is the sqlx-backed persistence layer for the tables named in §6.
type Repository struct {
	db *sqlx.DB
}

// NewRepository constructs a Repository.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// GetExecution loads an Execution by id.
func (r *Repository) GetExecution(ctx context.Context, id string) (*Execution, error) {
	var e Execution
	err := r.db.GetContext(ctx, &e, `SELECT * FROM executions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ClaimExecution implements the compare-and-swap of §9: it atomically sets
// lockedBy and status=running only if the row is currently unlocked or the
// existing lock's updatedAt is older than leaseTTL (crash recovery takeover).
// It mirrors the engine's `UPDATE ... WHERE id = (SELECT ... FOR UPDATE SKIP
// LOCKED)` idiom, adapted to a named execution id and an explicit lease
// check instead of a queue-pop.
func (r *Repository) ClaimExecution(ctx context.Context, id, workerID string, leaseTTL time.Duration, now time.Time) (*Execution, error) {
	var e Execution
	err := r.db.GetContext(ctx, &e, `
		UPDATE executions
		SET locked_by = $1, status = 'running', started_at = COALESCE(started_at, $2), updated_at = $2
		WHERE id = $3
		  AND status IN ('pending', 'paused', 'running')
		  AND (locked_by IS NULL OR updated_at < $4)
		RETURNING *`,
		workerID, now, id, now.Add(-leaseTTL))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrClaimConflict
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ReleaseExecution clears lockedBy on a terminal transition and records the
// final status/output/error.
func (r *Repository) ReleaseExecution(ctx context.Context, id string, status ExecutionStatus, output json.RawMessage, execErr *string, now time.Time) error {
	var completedAt *time.Time
	if status.IsTerminal() {
		completedAt = &now
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE executions
		SET status = $1, output = COALESCE($2, output), error = $3,
		    locked_by = NULL, completed_at = COALESCE($4, completed_at), updated_at = $5
		WHERE id = $6`,
		status, output, execErr, completedAt, now, id)
	return err
}

// PauseExecution persists a paused execution with its resume marker.
func (r *Repository) PauseExecution(ctx context.Context, id, resumeFromNodeID string, resumeData json.RawMessage, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE executions
		SET status = 'paused', resume_from_node_id = $1, resume_data = $2, locked_by = NULL, updated_at = $3
		WHERE id = $4`,
		resumeFromNodeID, resumeData, now, id)
	return err
}

// GetWorkflow loads a Workflow by id (read-only per §3).
func (r *Repository) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var w Workflow
	err := r.db.GetContext(ctx, &w, `SELECT * FROM workflows WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// GetProfile loads a user's Profile row.
func (r *Repository) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	err := r.db.GetContext(ctx, &p, `SELECT * FROM profiles WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ReconcileProfileCount atomically increments the persisted monthly count,
// the periodic Postgres-side counterpart of the Redis live counter (§6).
func (r *Repository) ReconcileProfileCount(ctx context.Context, userID string, delta int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE profiles SET monthly_execution_count = monthly_execution_count + $1 WHERE user_id = $2`,
		delta, userID)
	return err
}

// CreateBlockExecutions inserts one pending row per node, up front, per §4.5
// step 4. Nodes at or before a resume point are created completed instead.
func (r *Repository) CreateBlockExecutions(ctx context.Context, executionID string, nodeIDs []string, blockTypes map[string]string, completedIDs map[string]bool, now time.Time) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, nodeID := range nodeIDs {
		status := BlockPending
		var start, end *time.Time
		if completedIDs[nodeID] {
			status = BlockCompleted
			start, end = &now, &now
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO block_executions (id, execution_id, node_id, block_type, status, start_time, end_time)
			VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6)
			ON CONFLICT (execution_id, node_id) DO NOTHING`,
			executionID, nodeID, blockTypes[nodeID], status, start, end)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// TransitionBlockExecution moves one node's BlockExecution to running,
// completed, or failed, writing input/output/error and timestamps.
func (r *Repository) TransitionBlockExecution(ctx context.Context, executionID, nodeID string, status BlockExecutionStatus, input, output json.RawMessage, blockErr *string, now time.Time) error {
	var start, end *time.Time
	switch status {
	case BlockRunning:
		start = &now
	case BlockCompleted, BlockFailed:
		end = &now
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE block_executions
		SET status = $1,
		    input = COALESCE($2, input),
		    output = COALESCE($3, output),
		    error = $4,
		    start_time = COALESCE($5, start_time),
		    end_time = COALESCE($6, end_time)
		WHERE execution_id = $7 AND node_id = $8`,
		status, input, output, blockErr, start, end, executionID, nodeID)
	return err
}

// FailRunningBlockExecutions marks every still-running BlockExecution of an
// execution as failed with the propagated error (§4.5 step 8, P4).
func (r *Repository) FailRunningBlockExecutions(ctx context.Context, executionID string, errMsg string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE block_executions
		SET status = 'failed', error = $1, end_time = $2
		WHERE execution_id = $3 AND status = 'running'`,
		errMsg, now, executionID)
	return err
}

// ListBlockExecutions returns every BlockExecution row for an execution,
// used to determine which nodes are already completed on reclaim (§5).
func (r *Repository) ListBlockExecutions(ctx context.Context, executionID string) ([]BlockExecution, error) {
	var rows []BlockExecution
	err := r.db.SelectContext(ctx, &rows, `SELECT * FROM block_executions WHERE execution_id = $1`, executionID)
	return rows, err
}

// ListStaleLockedExecutions returns every running execution whose lock has
// gone stale (locked_by set, updated_at older than leaseTTL), the candidate
// set for lease-expiry reclaim (§5).
func (r *Repository) ListStaleLockedExecutions(ctx context.Context, leaseTTL time.Duration, now time.Time) ([]Execution, error) {
	var rows []Execution
	err := r.db.SelectContext(ctx, &rows, `
		SELECT * FROM executions
		WHERE status = 'running' AND locked_by IS NOT NULL AND updated_at < $1`,
		now.Add(-leaseTTL))
	return rows, err
}

// AppendLog inserts one append-only log entry (§6).
func (r *Repository) AppendLog(ctx context.Context, entry LogEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO execution_logs (id, execution_id, node_id, level, message, metadata, timestamp)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6)`,
		entry.ExecutionID, entry.NodeID, entry.Level, entry.Message, entry.Metadata, entry.Timestamp)
	return err
}
