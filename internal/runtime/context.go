// Package runtime holds the per-run execution context shared by all nodes
// of one workflow run: variables, the execution path, recorded errors, and
// scoped external resources.
package runtime

import (
	"log/slog"
	"sync"

	"github.com/casarerpa/core/internal/model"
)

// NodeError records one node failure without aborting the run bookkeeping.
type NodeError struct {
	NodeID  model.NodeID `json:"node_id"`
	Message string       `json:"message"`
}

// ReleaseFunc tears down one acquired resource.
type ReleaseFunc func() error

type resourceEntry struct {
	name    string
	handle  any
	release ReleaseFunc
}

// ExecutionContext is created per run and destroyed on terminal state.
// Variables are the primary inter-node data channel; resources are
// externally-owned handles (browser session, DB connection) that the
// context releases in reverse-acquisition order on teardown.
type ExecutionContext struct {
	WorkflowName string

	mu        sync.RWMutex
	variables map[string]any
	path      []model.NodeID
	errors    []NodeError
	resources []resourceEntry
	closed    bool
}

// NewExecutionContext creates a context seeded with initial variables.
// The initial map is copied; nil is accepted.
func NewExecutionContext(workflowName string, initial map[string]any) *ExecutionContext {
	vars := make(map[string]any, len(initial))
	for k, v := range initial {
		vars[k] = v
	}
	return &ExecutionContext{
		WorkflowName: workflowName,
		variables:    vars,
	}
}

// Get returns the named variable, or def when unset. Never fails.
func (c *ExecutionContext) Get(name string, def any) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.variables[name]; ok {
		return v
	}
	return def
}

// Has reports whether a variable is set.
func (c *ExecutionContext) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.variables[name]
	return ok
}

// Set stores a variable.
func (c *ExecutionContext) Set(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[name] = value
}

// Delete removes a variable. Unset names are a no-op.
func (c *ExecutionContext) Delete(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.variables, name)
}

// Variables returns a copy of the variable map.
func (c *ExecutionContext) Variables() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.variables))
	for k, v := range c.variables {
		out[k] = v
	}
	return out
}

// AppendPath records a node as executed.
func (c *ExecutionContext) AppendPath(id model.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = append(c.path, id)
}

// Path returns a copy of the execution path so far.
func (c *ExecutionContext) Path() []model.NodeID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.NodeID, len(c.path))
	copy(out, c.path)
	return out
}

// AddError appends a node error. It never throws; errors accumulate for
// the final run summary.
func (c *ExecutionContext) AddError(id model.NodeID, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, NodeError{NodeID: id, Message: msg})
}

// Errors returns a copy of the recorded node errors.
func (c *ExecutionContext) Errors() []NodeError {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]NodeError, len(c.errors))
	copy(out, c.errors)
	return out
}

// RegisterResource takes ownership of an external handle. The release
// callback runs on Close, in reverse-acquisition order.
func (c *ExecutionContext) RegisterResource(name string, handle any, release ReleaseFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resources = append(c.resources, resourceEntry{name: name, handle: handle, release: release})
}

// Resource returns a registered handle by name, or nil.
func (c *ExecutionContext) Resource(name string) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.resources) - 1; i >= 0; i-- {
		if c.resources[i].name == name {
			return c.resources[i].handle
		}
	}
	return nil
}

// Close releases every resource in reverse-acquisition order. Release
// failures are logged and do not stop the teardown. Idempotent.
func (c *ExecutionContext) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	for i := len(c.resources) - 1; i >= 0; i-- {
		r := c.resources[i]
		if r.release == nil {
			continue
		}
		if err := r.release(); err != nil {
			slog.Warn("[ExecutionContext] resource release failed",
				"workflow", c.WorkflowName, "resource", r.name, "error", err)
		}
	}
	c.resources = nil
}
