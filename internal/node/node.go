// Package node defines the uniform node contract of the workflow engine:
// the Node interface, port and property declarations, the type registry,
// and the built-in control-flow and variable node set.
package node

import (
	"context"
	"time"

	"github.com/casarerpa/core/internal/model"
	"github.com/casarerpa/core/internal/runtime"
)

// Position is the editor placement hint carried through serialization.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Data is the serialized form of a node inside a workflow file. Transient
// state (status, input/output values) is never part of it.
type Data struct {
	NodeID   model.NodeID   `json:"node_id"`
	Type     string         `json:"type"`
	Name     string         `json:"name"`
	Position Position       `json:"position"`
	Config   map[string]any `json:"config"`
	// TimeoutMS overrides the runner's default execution budget when > 0.
	TimeoutMS int `json:"timeout_ms,omitempty"`
}

// Node is the uniform execution contract. Implementations declare ports,
// accept inputs, execute against the run context, and record outputs.
type Node interface {
	ID() model.NodeID
	Type() string
	Name() string
	Config() map[string]any

	InputPorts() []model.PortDecl
	OutputPorts() []model.PortDecl

	// SetInput records a data value on an input port before execution.
	SetInput(port string, v any)
	// Output returns a data value recorded on an output port by Execute.
	Output(port string) (any, bool)

	// IsStart marks the node as a graph entry point (no exec_in).
	IsStart() bool

	// Timeout returns the per-node execution budget; zero means the
	// runner default applies.
	Timeout() time.Duration

	Execute(ctx context.Context, ec *runtime.ExecutionContext) *model.ExecutionResult
}

// ScopeState is the per-run mutable state of a scope node (try, retry,
// while, for_each). It lives on the runner, not the node, so graphs stay
// serializable and re-entry is explicit.
type ScopeState map[string]any

// ScopeAware nodes receive their scope state on every (re-)entry.
type ScopeAware interface {
	Node
	ExecuteInScope(ctx context.Context, ec *runtime.ExecutionContext, scope ScopeState) *model.ExecutionResult
}

// SubflowRunner executes a nested workflow within the caller's context
// namespace. The runner injects itself into SubflowHost nodes.
type SubflowRunner interface {
	RunSubflow(ctx context.Context, path string, ec *runtime.ExecutionContext) error
}

// SubflowHost is implemented by nodes that invoke nested workflows.
type SubflowHost interface {
	SetSubflowRunner(r SubflowRunner)
}

// Base carries the common node fields. Concrete nodes embed it and
// implement Execute.
type Base struct {
	data    Data
	inputs  []model.PortDecl
	outputs []model.PortDecl
	start   bool
	timeout time.Duration

	inputValues  map[string]any
	outputValues map[string]any
}

// NewBase builds the embedded core from serialized data and declarations.
func NewBase(data Data, inputs, outputs []model.PortDecl) Base {
	if data.Config == nil {
		data.Config = map[string]any{}
	}
	return Base{
		data:         data,
		inputs:       inputs,
		outputs:      outputs,
		timeout:      time.Duration(data.TimeoutMS) * time.Millisecond,
		inputValues:  map[string]any{},
		outputValues: map[string]any{},
	}
}

func (b *Base) ID() model.NodeID              { return b.data.NodeID }
func (b *Base) Type() string                  { return b.data.Type }
func (b *Base) Name() string                  { return b.data.Name }
func (b *Base) Config() map[string]any        { return b.data.Config }
func (b *Base) InputPorts() []model.PortDecl  { return b.inputs }
func (b *Base) OutputPorts() []model.PortDecl { return b.outputs }
func (b *Base) IsStart() bool                 { return b.start }
func (b *Base) Timeout() time.Duration        { return b.timeout }

func (b *Base) SetInput(port string, v any) { b.inputValues[port] = v }

// Input returns a data value previously recorded on an input port.
func (b *Base) Input(port string) (any, bool) {
	v, ok := b.inputValues[port]
	return v, ok
}

func (b *Base) Output(port string) (any, bool) {
	v, ok := b.outputValues[port]
	return v, ok
}

// SetOutput records an output value for downstream data edges.
func (b *Base) SetOutput(port string, v any) { b.outputValues[port] = v }

// MarkStart flags the node as a graph entry point.
func (b *Base) MarkStart() { b.start = true }

// SetTimeout overrides the runner's default execution budget.
func (b *Base) SetTimeout(d time.Duration) { b.timeout = d }

// Config accessors with defaults. Workflow JSON carries numbers as
// float64, so integer reads accept both.

func (b *Base) ConfigString(key, def string) string {
	if v, ok := b.data.Config[key].(string); ok {
		return v
	}
	return def
}

func (b *Base) ConfigInt(key string, def int) int {
	switch v := b.data.Config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func (b *Base) ConfigFloat(key string, def float64) float64 {
	switch v := b.data.Config[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

func (b *Base) ConfigBool(key string, def bool) bool {
	if v, ok := b.data.Config[key].(bool); ok {
		return v
	}
	return def
}

func (b *Base) ConfigAny(key string) (any, bool) {
	v, ok := b.data.Config[key]
	return v, ok
}

// ExecPorts builds the conventional exec_in/exec_out declarations plus any
// extra named exec outputs (branch ports like "true"/"false").
func ExecPorts(extraOutputs ...string) (in, out []model.PortDecl) {
	in = []model.PortDecl{{Name: model.ExecIn, Exec: true}}
	if len(extraOutputs) == 0 {
		out = []model.PortDecl{{Name: model.ExecOut, Exec: true}}
		return in, out
	}
	for _, name := range extraOutputs {
		out = append(out, model.PortDecl{Name: name, Exec: true})
	}
	return in, out
}
