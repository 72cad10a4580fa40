package node

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/casarerpa/core/internal/model"
	"github.com/casarerpa/core/internal/resilience"
	"github.com/casarerpa/core/internal/runtime"
)

// Variable and utility node type keys.
const (
	TypeSetVariable       = "set_variable"
	TypeReadVariable      = "read_variable"
	TypeWriteVariable     = "write_variable"
	TypeIncrementVariable = "increment_variable"
	TypeLog               = "log"
	TypeDelay             = "delay"
)

// SetVariableNode stores a literal or expression result into a variable.
type SetVariableNode struct{ Base }

func newSetVariableNode(data Data) (Node, error) {
	in, out := ExecPorts()
	return &SetVariableNode{Base: NewBase(data, in, out)}, nil
}

func (n *SetVariableNode) Execute(_ context.Context, ec *runtime.ExecutionContext) *model.ExecutionResult {
	name := n.ConfigString("name", "")
	if name == "" {
		return model.Fail(string(resilience.KindValidation), "variable name not configured")
	}

	if e := n.ConfigString("expression", ""); e != "" {
		v, err := EvalValue(e, ec)
		if err != nil {
			return model.Fail(string(resilience.KindValidation), err.Error())
		}
		ec.Set(name, v)
		return model.Succeed()
	}

	v, _ := n.ConfigAny("value")
	ec.Set(name, v)
	return model.Succeed()
}

// ReadVariableNode exposes a variable on its "value" output port.
type ReadVariableNode struct{ Base }

func newReadVariableNode(data Data) (Node, error) {
	in := []model.PortDecl{{Name: model.ExecIn, Exec: true}}
	out := []model.PortDecl{
		{Name: model.ExecOut, Exec: true},
		{Name: "value", Type: model.PortAny},
	}
	return &ReadVariableNode{Base: NewBase(data, in, out)}, nil
}

func (n *ReadVariableNode) Execute(_ context.Context, ec *runtime.ExecutionContext) *model.ExecutionResult {
	name := n.ConfigString("name", "")
	if name == "" {
		return model.Fail(string(resilience.KindValidation), "variable name not configured")
	}
	def, _ := n.ConfigAny("default")
	v := ec.Get(name, def)
	n.SetOutput("value", v)
	return &model.ExecutionResult{
		Success:   true,
		Data:      map[string]any{"value": v},
		NextNodes: []string{model.ExecOut},
	}
}

// WriteVariableNode stores its "value" input port into a variable.
type WriteVariableNode struct{ Base }

func newWriteVariableNode(data Data) (Node, error) {
	in := []model.PortDecl{
		{Name: model.ExecIn, Exec: true},
		{Name: "value", Type: model.PortAny},
	}
	out := []model.PortDecl{{Name: model.ExecOut, Exec: true}}
	return &WriteVariableNode{Base: NewBase(data, in, out)}, nil
}

func (n *WriteVariableNode) Execute(_ context.Context, ec *runtime.ExecutionContext) *model.ExecutionResult {
	name := n.ConfigString("name", "")
	if name == "" {
		return model.Fail(string(resilience.KindValidation), "variable name not configured")
	}
	v, ok := n.Input("value")
	if !ok {
		return model.Fail(string(resilience.KindValidation), "value input not connected")
	}
	ec.Set(name, v)
	return model.Succeed()
}

// IncrementVariableNode adds a numeric delta to a variable, creating it
// from zero when unset.
type IncrementVariableNode struct{ Base }

func newIncrementVariableNode(data Data) (Node, error) {
	in, out := ExecPorts()
	return &IncrementVariableNode{Base: NewBase(data, in, out)}, nil
}

func (n *IncrementVariableNode) Execute(_ context.Context, ec *runtime.ExecutionContext) *model.ExecutionResult {
	name := n.ConfigString("name", "")
	if name == "" {
		return model.Fail(string(resilience.KindValidation), "variable name not configured")
	}
	by := n.ConfigFloat("by", 1)

	current := ec.Get(name, 0)
	switch v := current.(type) {
	case int:
		ec.Set(name, v+int(by))
	case int64:
		ec.Set(name, v+int64(by))
	case float64:
		ec.Set(name, v+by)
	default:
		return model.Fail(string(resilience.KindValidation),
			fmt.Sprintf("variable %q has non-numeric type %T", name, current))
	}
	return model.Succeed()
}

// LogNode writes a message through the process logger. The message may
// reference variables via an expression.
type LogNode struct{ Base }

func newLogNode(data Data) (Node, error) {
	in, out := ExecPorts()
	return &LogNode{Base: NewBase(data, in, out)}, nil
}

func (n *LogNode) Execute(_ context.Context, ec *runtime.ExecutionContext) *model.ExecutionResult {
	msg := n.ConfigString("message", "")
	switch n.ConfigString("level", "info") {
	case "debug":
		slog.Debug(msg, "workflow", ec.WorkflowName, "node", n.ID())
	case "warn":
		slog.Warn(msg, "workflow", ec.WorkflowName, "node", n.ID())
	case "error":
		slog.Error(msg, "workflow", ec.WorkflowName, "node", n.ID())
	default:
		slog.Info(msg, "workflow", ec.WorkflowName, "node", n.ID())
	}
	return model.Succeed()
}

// DelayNode sleeps for a configured duration. Cancellable.
type DelayNode struct{ Base }

func newDelayNode(data Data) (Node, error) {
	in, out := ExecPorts()
	return &DelayNode{Base: NewBase(data, in, out)}, nil
}

func (n *DelayNode) Execute(ctx context.Context, _ *runtime.ExecutionContext) *model.ExecutionResult {
	d := time.Duration(n.ConfigInt("duration_ms", 0)) * time.Millisecond
	select {
	case <-time.After(d):
		return model.Succeed()
	case <-ctx.Done():
		return model.Fail(string(resilience.KindTimeout), "delay cancelled")
	}
}
