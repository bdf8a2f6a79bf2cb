package blocks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/engine/internal/graph"
	"github.com/flowmesh/engine/internal/handler"
)

func TestConditionHandlerMatchTrue(t *testing.T) {
	h := NewConditionHandler(NewEvaluator())
	n := graph.Node{ID: "cond-1", Config: map[string]interface{}{"expression": "amount > 100"}}
	execCtx := handler.ExecutionContext{PreviousOutputs: map[string]interface{}{"amount": 150}}

	out, err := h.Execute(context.Background(), n, execCtx)

	require.NoError(t, err)
	assert.Equal(t, ConditionResult{Matched: true}, out)
}

func TestConditionHandlerMatchFalse(t *testing.T) {
	h := NewConditionHandler(NewEvaluator())
	n := graph.Node{ID: "cond-1", Config: map[string]interface{}{"expression": "amount > 100"}}
	execCtx := handler.ExecutionContext{PreviousOutputs: map[string]interface{}{"amount": 50}}

	out, err := h.Execute(context.Background(), n, execCtx)

	require.NoError(t, err)
	assert.Equal(t, ConditionResult{Matched: false}, out)
}

func TestConditionHandlerMissingExpressionFails(t *testing.T) {
	h := NewConditionHandler(NewEvaluator())
	n := graph.Node{ID: "cond-1"}

	_, err := h.Execute(context.Background(), n, handler.ExecutionContext{})

	assert.Error(t, err)
}

func TestConditionHandlerValidateConfigRequiresExpression(t *testing.T) {
	h := NewConditionHandler(NewEvaluator())

	errs := h.ValidateConfig(map[string]interface{}{}, "user-1")

	assert.NotEmpty(t, errs)
}

func TestTransformHandlerComputesFields(t *testing.T) {
	h := NewTransformHandler(NewEvaluator())
	n := graph.Node{ID: "t-1", Config: map[string]interface{}{
		"fields": map[string]interface{}{
			"total": "price * quantity",
		},
	}}
	execCtx := handler.ExecutionContext{PreviousOutputs: map[string]interface{}{"price": 10, "quantity": 3}}

	out, err := h.Execute(context.Background(), n, execCtx)

	require.NoError(t, err)
	result, ok := out.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 30, result["total"])
}
