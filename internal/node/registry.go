package node

import (
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownNodeType is wrapped by registry lookups for unregistered types.
var ErrUnknownNodeType = fmt.Errorf("unknown node type")

// Constructor builds a node instance from its serialized data. The data's
// config has schema defaults applied before the constructor runs.
type Constructor func(data Data) (Node, error)

// Definition couples a node type's constructor with its property schema.
type Definition struct {
	Type        string
	Constructor Constructor
	Properties  PropertySchema
}

// Registry maps node type keys to definitions. Node types register
// explicitly at startup; there is no import-side-effect registration, so
// an unknown type fails loudly at workflow load.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a definition. Re-registering a type replaces it.
func (r *Registry) Register(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Type] = def
}

// Lookup returns the definition for a type key.
func (r *Registry) Lookup(nodeType string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[nodeType]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownNodeType, nodeType)
	}
	return def, nil
}

// Build validates config against the type's schema, applies defaults, and
// constructs the node.
func (r *Registry) Build(data Data) (Node, error) {
	def, err := r.Lookup(data.Type)
	if err != nil {
		return nil, err
	}
	// Work on a copy so applying defaults never mutates the workflow
	// definition the data came from.
	cfg := make(map[string]any, len(data.Config))
	for k, v := range data.Config {
		cfg[k] = v
	}
	if err := def.Properties.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("node %s (%s): %w", data.NodeID, data.Type, err)
	}
	def.Properties.ApplyDefaults(cfg)
	data.Config = cfg
	return def.Constructor(data)
}

// Schema returns the property schema of a type key.
func (r *Registry) Schema(nodeType string) (PropertySchema, error) {
	def, err := r.Lookup(nodeType)
	if err != nil {
		return nil, err
	}
	return def.Properties, nil
}

// Types returns the sorted list of registered type keys.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
