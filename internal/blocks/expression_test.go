package blocks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateArithmetic(t *testing.T) {
	e := NewEvaluator()

	result, err := e.Evaluate("1 + 2", nil)

	require.NoError(t, err)
	assert.Equal(t, 3, result)
}

func TestEvaluateAgainstVars(t *testing.T) {
	e := NewEvaluator()

	result, err := e.Evaluate(`a.status == "ok"`, map[string]interface{}{
		"a": map[string]interface{}{"status": "ok"},
	})

	require.NoError(t, err)
	assert.Equal(t, true, result)
}

func TestEvaluateReusesCompiledProgram(t *testing.T) {
	e := NewEvaluator()

	_, err := e.Evaluate("1 + 1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, e.programs.Len())

	_, err = e.Evaluate("1 + 1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, e.programs.Len(), "the second call should hit the cache, not grow it")
}

func TestEvaluateBoolRejectsNonBooleanResult(t *testing.T) {
	e := NewEvaluator()

	_, err := e.EvaluateBool(`"not a bool"`, nil)

	assert.Error(t, err)
}

func TestEvaluateInvalidExpressionFails(t *testing.T) {
	e := NewEvaluator()

	_, err := e.Evaluate("a b c (((", nil)

	assert.Error(t, err)
}
