package node

import (
	"fmt"
	"sync"

	"github.com/c360/voicestreams/errors"
)

// Factory creates a node instance from its schema-defaulted configuration.
// Factories must not do I/O; connections are opened in the node's Start.
type Factory func(id string, config map[string]any, deps Dependencies) (Node, error)

// Registration holds the factory and metadata for a node type
type Registration struct {
	Type        string       `json:"type"`
	Description string       `json:"description"`
	Schema      ConfigSchema `json:"schema"`
	Factory     Factory      `json:"-"`
}

// Registry maps node type tags to factories. The set of types is closed at
// startup: flows referencing an unregistered type fail to start.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]*Registration
}

// NewRegistry creates an empty node registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]*Registration)}
}

// Register adds a node type to the registry. Registering the same type twice
// is an error.
func (r *Registry) Register(reg *Registration) error {
	if reg == nil || reg.Type == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "registration validation")
	}
	if reg.Factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "factory validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[reg.Type]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("node type %q is already registered", reg.Type),
			"Registry", "Register", "duplicate type check")
	}

	r.factories[reg.Type] = reg
	return nil
}

// Create builds a node of the given type. Caller-supplied config is merged
// over the type's schema defaults before the factory runs. An unknown type
// is fatal: the flow referencing it must not start.
func (r *Registry) Create(id, nodeType string, config map[string]any, deps Dependencies) (Node, error) {
	if id == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Create", "node id validation")
	}

	r.mu.RLock()
	reg, exists := r.factories[nodeType]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: %q", errors.ErrUnknownNodeType, nodeType),
			"Registry", "Create", "factory lookup")
	}

	merged := ApplyDefaults(config, reg.Schema)

	n, err := reg.Factory(id, merged, deps)
	if err != nil {
		return nil, errors.Wrap(err, "Registry", "Create", fmt.Sprintf("factory %q execution", nodeType))
	}
	return n, nil
}

// Schema returns the config schema for a node type
func (r *Registry) Schema(nodeType string) (ConfigSchema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, exists := r.factories[nodeType]
	if !exists {
		return ConfigSchema{}, errors.WrapInvalid(
			fmt.Errorf("node type %q not found", nodeType),
			"Registry", "Schema", "type lookup")
	}
	return reg.Schema, nil
}

// Types returns all registered node type tags
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	return types
}
