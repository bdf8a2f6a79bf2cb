package blocks

import (
	"context"
	"fmt"

	"github.com/flowmesh/engine/internal/graph"
	"github.com/flowmesh/engine/internal/handler"
)

// TransformConfig is the shape of a "transform" block's Node.Config: one
// expr-lang expression per output field, evaluated against previous
// outputs.
type TransformConfig struct {
	Fields map[string]string `json:"fields"`
}

// TransformHandler computes a map of output fields by evaluating one
// expr-lang expression per field.
type TransformHandler struct {
	eval *Evaluator
}

// NewTransformHandler constructs a TransformHandler.
func NewTransformHandler(eval *Evaluator) *TransformHandler {
	return &TransformHandler{eval: eval}
}

// ValidateConfig implements handler.Handler.
func (h *TransformHandler) ValidateConfig(config map[string]interface{}, userID string) []string {
	if _, ok := config["fields"]; !ok {
		return []string{"fields is required"}
	}
	return nil
}

// Execute implements handler.Handler.
func (h *TransformHandler) Execute(ctx context.Context, n graph.Node, execCtx handler.ExecutionContext) (interface{}, error) {
	fieldsRaw, _ := n.Config["fields"].(map[string]interface{})
	output := make(map[string]interface{}, len(fieldsRaw))
	for field, exprVal := range fieldsRaw {
		expression, ok := exprVal.(string)
		if !ok {
			return nil, fmt.Errorf("blocks: transform field %q is not a string expression", field)
		}
		result, err := h.eval.Evaluate(expression, execCtx.PreviousOutputs)
		if err != nil {
			return nil, fmt.Errorf("blocks: transform field %q: %w", field, err)
		}
		output[field] = result
	}
	return output, nil
}
