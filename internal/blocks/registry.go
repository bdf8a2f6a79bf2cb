package blocks

import (
	"github.com/flowmesh/engine/internal/handler"
)

// NewRegistry builds a handler.Registry with every built-in block type
// registered under its normalized type string.
func NewRegistry() *handler.Registry {
	eval := NewEvaluator()
	registry := handler.NewRegistry()
	registry.Register("http", func() handler.Handler { return NewHTTPHandler(eval) })
	registry.Register("transform", func() handler.Handler { return NewTransformHandler(eval) })
	registry.Register("control_if", func() handler.Handler { return NewConditionHandler(eval) })
	registry.Register("delay", func() handler.Handler { return NewDelayHandler() })
	return registry
}
