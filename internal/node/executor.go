// Package node implements the NodeExecutor (C5): running one block with
// breaker admission, timeout, and linear backoff+jitter retries (§4.4).
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/flowmesh/engine/internal/breaker"
	"github.com/flowmesh/engine/internal/classify"
	"github.com/flowmesh/engine/internal/graph"
	"github.com/flowmesh/engine/internal/handler"
)

// Config holds the retry/timeout/validation tunables of §6.
type Config struct {
	MaxRetries             int
	RetryBackoffMS         int
	RetryJitterMS          int
	ExecutionTimeout       time.Duration
	StrictSchemaValidation bool
}

// DefaultConfig returns the §6 defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       3,
		RetryBackoffMS:   1000,
		RetryJitterMS:    500,
		ExecutionTimeout: 300 * time.Second,
	}
}

// CircuitOpenError is raised when the node-type breaker denies admission
// (§4.4 step 3); it bypasses retries entirely.
type CircuitOpenError struct {
	BlockType string
}

func (e CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker is OPEN for node-type:%s", e.BlockType)
}

// NodeExecutionTimeoutError is raised when a handler attempt exceeds
// ExecutionTimeout (§5).
type NodeExecutionTimeoutError struct {
	NodeID string
}

func (e NodeExecutionTimeoutError) Error() string {
	return fmt.Sprintf("node %s exceeded execution timeout", e.NodeID)
}

// SchemaValidator validates a handler's input/output against a node's
// declared schema. Violations are logged as warnings unless
// Config.StrictSchemaValidation is set, per §4.4 step 2 and §9.
type SchemaValidator interface {
	Validate(blockType string, data map[string]interface{}) []string
}

// Executor is the NodeExecutor (C5).
type Executor struct {
	registry  *handler.Registry
	breaker   *breaker.MultiLevelBreaker
	validator SchemaValidator
	cfg       Config
	logger    *slog.Logger
	sleep     func(d time.Duration)
	randFloat func() float64
}

// New constructs an Executor.
func New(registry *handler.Registry, mlb *breaker.MultiLevelBreaker, validator SchemaValidator, cfg Config, logger *slog.Logger) *Executor {
	return &Executor{
		registry:  registry,
		breaker:   mlb,
		validator: validator,
		cfg:       cfg,
		logger:    logger,
		sleep:     time.Sleep,
		randFloat: rand.Float64,
	}
}

// Invocation is one call to Execute: the node plus the execution/user
// context and the direct-parent outputs it depends on (§4.2).
type Invocation struct {
	Node            graph.Node
	ExecutionID     string
	WorkflowID      string
	UserID          string
	RelevantOutputs map[string]interface{}
	PreviousOutputs map[string]interface{}
	WorkflowData    map[string]interface{}
}

// Execute runs one block, up to Config.MaxRetries+1 attempts, per §4.4.
func (e *Executor) Execute(ctx context.Context, inv Invocation) (interface{}, error) {
	blockType := inv.Node.ResolveType()
	normalized := graph.NormalizeType(blockType)

	h, err := e.registry.Create(normalized)
	if err != nil {
		return nil, err
	}

	if e.validator != nil {
		if violations := e.validator.Validate(normalized, inv.RelevantOutputs); len(violations) > 0 {
			if e.cfg.StrictSchemaValidation {
				return nil, fmt.Errorf("input schema validation failed for node %s: %v", inv.Node.ID, violations)
			}
			e.logger.Warn("input schema validation failed, continuing leniently",
				"node_id", inv.Node.ID, "violations", violations)
		}
	}

	scope := breaker.Scope{NodeType: normalized}
	admission, err := e.breaker.ShouldAllow(ctx, scope)
	if err != nil {
		return nil, err
	}
	if !admission.Allowed {
		return nil, CircuitOpenError{BlockType: normalized}
	}

	execCtx := handler.ExecutionContext{
		NodeID:          inv.Node.ID,
		ExecutionID:     inv.ExecutionID,
		WorkflowID:      inv.WorkflowID,
		UserID:          inv.UserID,
		Inputs:          inv.RelevantOutputs,
		Config:          inv.Node.Config,
		PreviousOutputs: inv.PreviousOutputs,
		Logger:          e.logger,
		WorkflowData:    inv.WorkflowData,
	}

	maxAttempts := e.cfg.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		output, err := e.invokeWithTimeout(ctx, h, inv.Node, execCtx)
		if err == nil {
			if recErr := e.breaker.RecordSuccess(ctx, scope); recErr != nil {
				return nil, recErr
			}
			if e.validator != nil {
				if out, ok := output.(map[string]interface{}); ok {
					if violations := e.validator.Validate(normalized, out); len(violations) > 0 {
						if e.cfg.StrictSchemaValidation {
							return nil, fmt.Errorf("output schema validation failed for node %s: %v", inv.Node.ID, violations)
						}
						e.logger.Warn("output schema validation failed, continuing leniently",
							"node_id", inv.Node.ID, "violations", violations)
					}
				}
			}
			return output, nil
		}

		lastErr = err
		if recErr := e.breaker.RecordFailure(ctx, scope); recErr != nil {
			return nil, recErr
		}

		if attempt < e.cfg.MaxRetries {
			backoff := e.calculateBackoff(attempt + 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
				e.sleep(backoff)
			}
		}
	}

	return nil, classify.Wrap(lastErr, inv.Node.ID, blockType, e.cfg.MaxRetries)
}

// calculateBackoff implements §4.4 step 6: RETRY_BACKOFF_MS * attempt +
// random(0, RETRY_JITTER_MS). attempt is 1-indexed (the attempt number that
// just failed), matching the spec's formula.
func (e *Executor) calculateBackoff(attempt int) time.Duration {
	base := time.Duration(e.cfg.RetryBackoffMS*attempt) * time.Millisecond
	jitter := time.Duration(e.randFloat()*float64(e.cfg.RetryJitterMS)) * time.Millisecond
	return base + jitter
}

func (e *Executor) invokeWithTimeout(ctx context.Context, h handler.Handler, n graph.Node, execCtx handler.ExecutionContext) (interface{}, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.ExecutionTimeout)
	defer cancel()

	type result struct {
		output interface{}
		err    error
	}
	done := make(chan result, 1)
	go func() {
		output, err := h.Execute(attemptCtx, n, execCtx)
		done <- result{output: output, err: err}
	}()

	select {
	case r := <-done:
		return r.output, r.err
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, NodeExecutionTimeoutError{NodeID: n.ID}
		}
		return nil, attemptCtx.Err()
	}
}

// CategorizeError implements the deterministic error categorization of
// §4.4, used by the logger only (never control flow).
func CategorizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "quota"):
		return "QuotaExceeded"
	case strings.Contains(msg, "permission"):
		return "Unauthorized"
	case strings.Contains(msg, "not found"):
		return "NotFound"
	case strings.Contains(msg, "validation"):
		return "ValidationError"
	default:
		return "UnknownError"
	}
}
