package blocks

import (
	"context"
	"fmt"

	"github.com/flowmesh/engine/internal/graph"
	"github.com/flowmesh/engine/internal/handler"
)

// ConditionConfig is the shape of a "control_if" block's Node.Config.
type ConditionConfig struct {
	Expression string `json:"expression"`
}

// ConditionResult is what a "control_if" block produces; downstream nodes
// read Matched out of PreviousOutputs to decide whether their own branch
// applies.
type ConditionResult struct {
	Matched bool `json:"matched"`
}

// ConditionHandler evaluates a boolean expr-lang expression against
// previous outputs.
type ConditionHandler struct {
	eval *Evaluator
}

// NewConditionHandler constructs a ConditionHandler.
func NewConditionHandler(eval *Evaluator) *ConditionHandler {
	return &ConditionHandler{eval: eval}
}

// ValidateConfig implements handler.Handler.
func (h *ConditionHandler) ValidateConfig(config map[string]interface{}, userID string) []string {
	expr, _ := config["expression"].(string)
	if expr == "" {
		return []string{"expression is required"}
	}
	return nil
}

// Execute implements handler.Handler.
func (h *ConditionHandler) Execute(ctx context.Context, n graph.Node, execCtx handler.ExecutionContext) (interface{}, error) {
	expression, _ := n.Config["expression"].(string)
	if expression == "" {
		return nil, fmt.Errorf("blocks: condition node %s has no expression", n.ID)
	}
	matched, err := h.eval.EvaluateBool(expression, execCtx.PreviousOutputs)
	if err != nil {
		return nil, err
	}
	return ConditionResult{Matched: matched}, nil
}
