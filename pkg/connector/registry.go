package connector

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Registry creates connectors by type id and runs them on its executor.
type Registry struct {
	executor  *Executor
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry(executor *Executor) *Registry {
	return &Registry{
		executor:  executor,
		factories: make(map[string]Factory),
	}
}

func (r *Registry) Register(connectorType string, factory Factory) error {
	if connectorType == "" || factory == nil {
		return fmt.Errorf("connector type and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[connectorType]; ok {
		return fmt.Errorf("%w: %s", ErrConnectorExists, connectorType)
	}
	r.factories[connectorType] = factory
	return nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// ExecuteByType creates a fresh connector of the type and executes it.
func (r *Registry) ExecuteByType(ctx context.Context, connectorType string, inputs map[string]any) (map[string]any, error) {
	r.mu.RLock()
	factory, ok := r.factories[connectorType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectorNotFound, connectorType)
	}
	return r.executor.execute(ctx, connectorType, factory(), inputs)
}
