package blocks

import (
	"context"
	"time"

	"github.com/flowmesh/engine/internal/graph"
	"github.com/flowmesh/engine/internal/handler"
)

// DelayConfig is the shape of a "delay" block's Node.Config.
type DelayConfig struct {
	Milliseconds int `json:"milliseconds"`
}

// DelayHandler sleeps for a configured duration, capped to the caller's
// context deadline, then returns an empty output map; its input is not
// passed through. Useful for throttling downstream calls or waiting out an
// eventual-consistency window.
type DelayHandler struct{}

// NewDelayHandler constructs a DelayHandler.
func NewDelayHandler() *DelayHandler {
	return &DelayHandler{}
}

// ValidateConfig implements handler.Handler.
func (h *DelayHandler) ValidateConfig(config map[string]interface{}, userID string) []string {
	return nil
}

// Execute implements handler.Handler.
func (h *DelayHandler) Execute(ctx context.Context, n graph.Node, execCtx handler.ExecutionContext) (interface{}, error) {
	ms, _ := n.Config["milliseconds"].(float64)
	if ms <= 0 {
		return map[string]interface{}{}, nil
	}
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return map[string]interface{}{}, nil
}
