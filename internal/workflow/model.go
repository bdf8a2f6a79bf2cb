// Package workflow holds the core data model (§3) and the Postgres
// repository backing it (§6 persistence contract).
package workflow

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is one of the states an Execution moves through (§3).
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionPaused    ExecutionStatus = "paused"
)

// IsTerminal reports whether status is completed or failed.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// Execution is one run of one workflow instance end to end (§3).
type Execution struct {
	ID                string          `db:"id" json:"id"`
	WorkflowID        string          `db:"workflow_id" json:"workflowId"`
	WorkflowVersion   int             `db:"workflow_version" json:"workflowVersion"`
	UserID            string          `db:"user_id" json:"userId"`
	Status            ExecutionStatus `db:"status" json:"status"`
	TriggerType       *string         `db:"trigger_type" json:"triggerType,omitempty"`
	Input             json.RawMessage `db:"input" json:"input,omitempty"`
	Output            json.RawMessage `db:"output" json:"output,omitempty"`
	Error             *string         `db:"error" json:"error,omitempty"`
	LockedBy          *string         `db:"locked_by" json:"lockedBy,omitempty"`
	ResumeFromNodeID  *string         `db:"resume_from_node_id" json:"resumeFromNodeId,omitempty"`
	ResumeData        json.RawMessage `db:"resume_data" json:"resumeData,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updatedAt"`
	StartedAt         *time.Time      `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt       *time.Time      `db:"completed_at" json:"completedAt,omitempty"`
}

// BlockExecutionStatus is one of the states a BlockExecution moves through.
type BlockExecutionStatus string

const (
	BlockPending   BlockExecutionStatus = "pending"
	BlockRunning   BlockExecutionStatus = "running"
	BlockCompleted BlockExecutionStatus = "completed"
	BlockFailed    BlockExecutionStatus = "failed"
)

// BlockExecution is the per-node record within an Execution (§3).
type BlockExecution struct {
	ID          string               `db:"id" json:"id"`
	ExecutionID string               `db:"execution_id" json:"executionId"`
	NodeID      string               `db:"node_id" json:"nodeId"`
	BlockType   string               `db:"block_type" json:"blockType"`
	Status      BlockExecutionStatus `db:"status" json:"status"`
	Input       json.RawMessage      `db:"input" json:"input,omitempty"`
	Output      json.RawMessage      `db:"output" json:"output,omitempty"`
	Error       *string              `db:"error" json:"error,omitempty"`
	StartTime   *time.Time           `db:"start_time" json:"startTime,omitempty"`
	EndTime     *time.Time           `db:"end_time" json:"endTime,omitempty"`
}

// Workflow is read-only from the core's perspective (§3).
type Workflow struct {
	ID       string          `db:"id" json:"id"`
	UserID   string          `db:"user_id" json:"userId"`
	Nodes    json.RawMessage `db:"nodes" json:"nodes"`
	Edges    json.RawMessage `db:"edges" json:"edges"`
	IsPublic bool            `db:"is_public" json:"isPublic"`
	Version  int             `db:"version" json:"version"`
}

// Profile backs the quota check of §4.6 steps 7-8. The live counter lives in
// Redis (internal/quota); this row is the periodically reconciled system of
// record described in §6.
type Profile struct {
	UserID                string    `db:"user_id" json:"userId"`
	MonthlyExecutionCount int64     `db:"monthly_execution_count" json:"monthlyExecutionCount"`
	MonthlyExecutionQuota int64     `db:"monthly_execution_quota" json:"monthlyExecutionQuota"`
	PeriodResetAt         time.Time `db:"period_reset_at" json:"periodResetAt"`
}

// LogLevel is one of the severities an ExecutionLog/NodeLog entry carries.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
	LogDebug LogLevel = "debug"
)

// LogEntry is one row of the append-only execution_logs/node_logs stream (§3).
type LogEntry struct {
	ID          string          `db:"id" json:"id"`
	ExecutionID string          `db:"execution_id" json:"executionId"`
	NodeID      *string         `db:"node_id" json:"nodeId,omitempty"`
	Level       LogLevel        `db:"level" json:"level"`
	Message     string          `db:"message" json:"message"`
	Metadata    json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	Timestamp   time.Time       `db:"timestamp" json:"timestamp"`
}
