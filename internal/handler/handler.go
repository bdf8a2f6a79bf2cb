// Package handler defines the uniform block-handler contract (§6) and a
// registry of handlers by normalized type string.
package handler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flowmesh/engine/internal/graph"
)

// ExecutionContext is what a handler's Execute receives. Handlers must not
// mutate it or the node they were given (§6).
type ExecutionContext struct {
	NodeID           string
	ExecutionID      string
	WorkflowID       string
	UserID           string
	Inputs           map[string]interface{}
	Config           map[string]interface{}
	PreviousOutputs  map[string]interface{}
	Logger           *slog.Logger
	WorkflowData     map[string]interface{}
}

// Handler is the uniform contract every block type implements (§6).
type Handler interface {
	// ValidateConfig optionally checks a node's config ahead of execution,
	// returning human-readable error messages. A nil/empty slice means ok.
	ValidateConfig(config map[string]interface{}, userID string) []string
	// Execute runs the block and returns its output.
	Execute(ctx context.Context, node graph.Node, execCtx ExecutionContext) (interface{}, error)
}

// Factory constructs a Handler instance; registries hold factories rather
// than instances so handlers can carry per-invocation state safely.
type Factory func() Handler

// Registry resolves normalized block-type strings to handler factories,
// mirroring the engine's actions.Registry shape generalized beyond the
// four built-in action types to the full block-type surface this spec needs.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under a normalized type string.
func (r *Registry) Register(normalizedType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[normalizedType] = factory
}

// IsRegistered satisfies graph.HandlerRegistry.
func (r *Registry) IsRegistered(normalizedType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[normalizedType]
	return ok
}

// ValidateConfig satisfies graph.HandlerRegistry, delegating to the
// handler's optional ValidateConfig.
func (r *Registry) ValidateConfig(normalizedType string, config map[string]interface{}, userID string) []string {
	r.mu.RLock()
	factory, ok := r.factories[normalizedType]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return factory().ValidateConfig(config, userID)
}

// Create instantiates a new Handler for normalizedType.
func (r *Registry) Create(normalizedType string) (Handler, error) {
	r.mu.RLock()
	factory, ok := r.factories[normalizedType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("handler: no handler registered for type %q", normalizedType)
	}
	return factory(), nil
}

// RegisteredTypes returns every registered normalized type string.
func (r *Registry) RegisteredTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	return types
}
