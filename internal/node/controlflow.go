package node

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/casarerpa/core/internal/model"
	"github.com/casarerpa/core/internal/resilience"
	"github.com/casarerpa/core/internal/runtime"
)

// Built-in node type keys.
const (
	TypeStart         = "start"
	TypeEnd           = "end"
	TypeIf            = "if"
	TypeWhile         = "while"
	TypeForEach       = "for_each"
	TypeLoopEnd       = "loop_end"
	TypeBreak         = "break"
	TypeContinue      = "continue"
	TypeTry           = "try"
	TypeOnError       = "on_error"
	TypeRetry         = "retry"
	TypeRetrySuccess  = "retry_success"
	TypeRetryFail     = "retry_fail"
	TypeThrow         = "throw"
	TypeAssert        = "assert"
	TypeSubflowInvoke = "subflow_invoke"
)

// Exec output port names of branching nodes.
const (
	PortTrue    = "true"
	PortFalse   = "false"
	PortBody    = "body"
	PortTryBody = "try_body"
	PortCatch   = "catch"
	PortSuccess = "success"
	PortFailed  = "failed"
)

// Scope-state keys shared between scope nodes and the runner. The runner
// writes ScopeBreak, ScopeError, ScopeErrorType and ScopeSucceeded when it
// resolves control-flow verbs and failures.
const (
	scopeIteration = "iteration"
	scopeItems     = "items"
	scopeIndex     = "index"
	scopeOpen      = "open"
	scopeAttempt   = "attempt"

	ScopeBreak     = "break"
	ScopeError     = "error"
	ScopeErrorType = "error_type"
	ScopeSucceeded = "succeeded"
)

// ---------------------------------------------------------------------------
// Start / End

// StartNode is the graph entry point. It has no exec_in.
type StartNode struct{ Base }

func newStartNode(data Data) (Node, error) {
	n := &StartNode{Base: NewBase(data, nil, []model.PortDecl{{Name: model.ExecOut, Exec: true}})}
	n.MarkStart()
	return n, nil
}

func (n *StartNode) Execute(_ context.Context, _ *runtime.ExecutionContext) *model.ExecutionResult {
	return model.Succeed()
}

// EndNode terminates a branch. Reaching it marks the run complete.
type EndNode struct{ Base }

func newEndNode(data Data) (Node, error) {
	return &EndNode{Base: NewBase(data, []model.PortDecl{{Name: model.ExecIn, Exec: true}}, nil)}, nil
}

func (n *EndNode) Execute(_ context.Context, _ *runtime.ExecutionContext) *model.ExecutionResult {
	return &model.ExecutionResult{Success: true}
}

// ---------------------------------------------------------------------------
// If

// IfNode evaluates its condition against context variables and fires the
// "true" or "false" exec output.
type IfNode struct{ Base }

func newIfNode(data Data) (Node, error) {
	in, out := ExecPorts(PortTrue, PortFalse)
	return &IfNode{Base: NewBase(data, in, out)}, nil
}

func (n *IfNode) Execute(_ context.Context, ec *runtime.ExecutionContext) *model.ExecutionResult {
	ok, err := EvalCondition(n.ConfigString("condition", ""), ec)
	if err != nil {
		return model.Fail(string(resilience.KindValidation), err.Error())
	}
	if ok {
		return model.SucceedVia(PortTrue)
	}
	return model.SucceedVia(PortFalse)
}

// ---------------------------------------------------------------------------
// While

// WhileNode re-evaluates its condition on every entry. True routes to
// "body"; false exits via exec_out. The loop body returns control by wiring
// its tail (a LoopEndNode or plain edge) back to this node's exec_in.
type WhileNode struct{ Base }

func newWhileNode(data Data) (Node, error) {
	in, out := ExecPorts(PortBody, model.ExecOut)
	return &WhileNode{Base: NewBase(data, in, out)}, nil
}

func (n *WhileNode) Execute(ctx context.Context, ec *runtime.ExecutionContext) *model.ExecutionResult {
	return n.ExecuteInScope(ctx, ec, ScopeState{})
}

func (n *WhileNode) ExecuteInScope(_ context.Context, ec *runtime.ExecutionContext, scope ScopeState) *model.ExecutionResult {
	if b, _ := scope[ScopeBreak].(bool); b {
		delete(scope, ScopeBreak)
		return model.SucceedVia(model.ExecOut)
	}

	ok, err := EvalCondition(n.ConfigString("condition", ""), ec)
	if err != nil {
		return model.Fail(string(resilience.KindValidation), err.Error())
	}
	if !ok {
		return model.SucceedVia(model.ExecOut)
	}

	iter, _ := scope[scopeIteration].(int)
	if max := n.ConfigInt("max_iterations", 0); max > 0 && iter >= max {
		return model.Fail(string(resilience.KindFatal),
			fmt.Sprintf("while loop exceeded max_iterations=%d", max))
	}
	scope[scopeIteration] = iter + 1
	return model.SucceedVia(PortBody)
}

// ---------------------------------------------------------------------------
// ForEach

// ForEachNode iterates a collection, binding each element to the item
// variable before routing to "body". The collection is snapshotted on the
// first entry.
type ForEachNode struct{ Base }

func newForEachNode(data Data) (Node, error) {
	in, out := ExecPorts(PortBody, model.ExecOut)
	return &ForEachNode{Base: NewBase(data, in, out)}, nil
}

func (n *ForEachNode) Execute(ctx context.Context, ec *runtime.ExecutionContext) *model.ExecutionResult {
	return n.ExecuteInScope(ctx, ec, ScopeState{})
}

func (n *ForEachNode) ExecuteInScope(_ context.Context, ec *runtime.ExecutionContext, scope ScopeState) *model.ExecutionResult {
	if b, _ := scope[ScopeBreak].(bool); b {
		delete(scope, ScopeBreak)
		return model.SucceedVia(model.ExecOut)
	}

	items, ok := scope[scopeItems].([]any)
	if !ok {
		raw, err := EvalValue(n.ConfigString("collection", ""), ec)
		if err != nil {
			return model.Fail(string(resilience.KindValidation), err.Error())
		}
		items, err = toList(raw)
		if err != nil {
			return model.Fail(string(resilience.KindValidation), err.Error())
		}
		scope[scopeItems] = items
		scope[scopeIndex] = 0
	}

	idx, _ := scope[scopeIndex].(int)
	if idx >= len(items) {
		return model.SucceedVia(model.ExecOut)
	}

	ec.Set(n.ConfigString("item_variable", "item"), items[idx])
	if iv := n.ConfigString("index_variable", ""); iv != "" {
		ec.Set(iv, idx)
	}
	scope[scopeIndex] = idx + 1
	return model.SucceedVia(PortBody)
}

// toList coerces a collection value to a slice. Maps iterate in sorted key
// order so runs stay deterministic.
func toList(v any) ([]any, error) {
	switch c := v.(type) {
	case []any:
		return c, nil
	case []string:
		out := make([]any, len(c))
		for i, s := range c {
			out[i] = s
		}
		return out, nil
	case map[string]any:
		keys := make([]string, 0, len(c))
		for k := range c {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = c[k]
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("collection is nil")
	default:
		return nil, fmt.Errorf("collection has non-iterable type %T", v)
	}
}

// ---------------------------------------------------------------------------
// Loop control

// LoopEndNode closes a loop body; its exec_out is wired back to the loop
// head, making the re-entry edge explicit in the graph.
type LoopEndNode struct{ Base }

func newLoopEndNode(data Data) (Node, error) {
	in, out := ExecPorts()
	return &LoopEndNode{Base: NewBase(data, in, out)}, nil
}

func (n *LoopEndNode) Execute(_ context.Context, _ *runtime.ExecutionContext) *model.ExecutionResult {
	return &model.ExecutionResult{Success: true, NextNodes: []string{model.ExecOut}, ControlFlow: model.FlowLoopContinue}
}

// BreakNode exits the innermost open loop scope.
type BreakNode struct{ Base }

func newBreakNode(data Data) (Node, error) {
	return &BreakNode{Base: NewBase(data, []model.PortDecl{{Name: model.ExecIn, Exec: true}}, nil)}, nil
}

func (n *BreakNode) Execute(_ context.Context, _ *runtime.ExecutionContext) *model.ExecutionResult {
	return &model.ExecutionResult{Success: true, ControlFlow: model.FlowLoopBreak}
}

// ContinueNode jumps back to the innermost open loop head.
type ContinueNode struct{ Base }

func newContinueNode(data Data) (Node, error) {
	return &ContinueNode{Base: NewBase(data, []model.PortDecl{{Name: model.ExecIn, Exec: true}}, nil)}, nil
}

func (n *ContinueNode) Execute(_ context.Context, _ *runtime.ExecutionContext) *model.ExecutionResult {
	return &model.ExecutionResult{Success: true, ControlFlow: model.FlowLoopContinue}
}

// ---------------------------------------------------------------------------
// Try / catch

// TryNode is a two-phase scope. First entry opens the scope and routes to
// "try_body". A downstream failure owned by this scope re-enters it with
// the error recorded, routing to "catch"; an error-free re-entry routes to
// "success".
type TryNode struct{ Base }

func newTryNode(data Data) (Node, error) {
	in, out := ExecPorts(PortTryBody, PortCatch, PortSuccess)
	return &TryNode{Base: NewBase(data, in, out)}, nil
}

func (n *TryNode) Execute(ctx context.Context, ec *runtime.ExecutionContext) *model.ExecutionResult {
	return n.ExecuteInScope(ctx, ec, ScopeState{})
}

func (n *TryNode) ExecuteInScope(_ context.Context, ec *runtime.ExecutionContext, scope ScopeState) *model.ExecutionResult {
	open, _ := scope[scopeOpen].(bool)
	if !open {
		scope[scopeOpen] = true
		return model.SucceedVia(PortTryBody)
	}

	scope[scopeOpen] = false
	if msg, ok := scope[ScopeError].(string); ok {
		ec.Set(n.ConfigString("error_variable", "error"), msg)
		if et, ok := scope[ScopeErrorType].(string); ok {
			ec.Set(n.ConfigString("error_type_variable", "error_type"), et)
		}
		delete(scope, ScopeError)
		delete(scope, ScopeErrorType)
		return model.SucceedVia(PortCatch)
	}
	return model.SucceedVia(PortSuccess)
}

// OnErrorNode runs on a catch path and republishes the recorded error into
// a chosen variable, optionally re-raising it after cleanup.
type OnErrorNode struct{ Base }

func newOnErrorNode(data Data) (Node, error) {
	in, out := ExecPorts()
	return &OnErrorNode{Base: NewBase(data, in, out)}, nil
}

func (n *OnErrorNode) Execute(_ context.Context, ec *runtime.ExecutionContext) *model.ExecutionResult {
	msg, _ := ec.Get(n.ConfigString("error_variable", "error"), "").(string)
	if target := n.ConfigString("store_in", ""); target != "" {
		ec.Set(target, msg)
	}
	if n.ConfigBool("reraise", false) && msg != "" {
		et, _ := ec.Get("error_type", string(resilience.KindFatal)).(string)
		return model.Fail(et, msg)
	}
	return model.Succeed()
}

// ---------------------------------------------------------------------------
// Retry

// RetryNode re-runs its body up to max_attempts times with exponential
// backoff between attempts. RetrySuccess/RetryFail nodes in the body report
// the outcome back through control-flow verbs.
type RetryNode struct{ Base }

func newRetryNode(data Data) (Node, error) {
	in, out := ExecPorts(PortBody, model.ExecOut, PortFailed)
	return &RetryNode{Base: NewBase(data, in, out)}, nil
}

func (n *RetryNode) Execute(ctx context.Context, ec *runtime.ExecutionContext) *model.ExecutionResult {
	return n.ExecuteInScope(ctx, ec, ScopeState{})
}

func (n *RetryNode) ExecuteInScope(ctx context.Context, _ *runtime.ExecutionContext, scope ScopeState) *model.ExecutionResult {
	if done, _ := scope[ScopeSucceeded].(bool); done {
		return model.SucceedVia(model.ExecOut)
	}

	attempt, _ := scope[scopeAttempt].(int)
	max := n.ConfigInt("max_attempts", 3)
	if attempt >= max {
		return model.SucceedVia(PortFailed)
	}

	if attempt > 0 {
		// Backoff before the 2nd+ attempt; cancellable suspension point.
		initial := time.Duration(n.ConfigInt("initial_delay_ms", 1000)) * time.Millisecond
		mult := n.ConfigFloat("backoff_multiplier", 2.0)
		delay := initial
		for i := 1; i < attempt; i++ {
			delay = time.Duration(float64(delay) * mult)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return model.Fail(string(resilience.KindTimeout), "retry backoff cancelled")
		}
	}

	scope[scopeAttempt] = attempt + 1
	return model.SucceedVia(PortBody)
}

// RetrySuccessNode marks the enclosing retry scope as succeeded.
type RetrySuccessNode struct{ Base }

func newRetrySuccessNode(data Data) (Node, error) {
	return &RetrySuccessNode{Base: NewBase(data, []model.PortDecl{{Name: model.ExecIn, Exec: true}}, nil)}, nil
}

func (n *RetrySuccessNode) Execute(_ context.Context, _ *runtime.ExecutionContext) *model.ExecutionResult {
	return &model.ExecutionResult{Success: true, ControlFlow: model.FlowRetrySuccess}
}

// RetryFailNode records a failed attempt and hands control back to the
// enclosing retry scope.
type RetryFailNode struct{ Base }

func newRetryFailNode(data Data) (Node, error) {
	return &RetryFailNode{Base: NewBase(data, []model.PortDecl{{Name: model.ExecIn, Exec: true}}, nil)}, nil
}

func (n *RetryFailNode) Execute(_ context.Context, _ *runtime.ExecutionContext) *model.ExecutionResult {
	return &model.ExecutionResult{Success: true, ControlFlow: model.FlowRetryFail}
}

// ---------------------------------------------------------------------------
// Throw / Assert

// ThrowErrorNode produces a failure handled like any other node failure.
type ThrowErrorNode struct{ Base }

func newThrowNode(data Data) (Node, error) {
	return &ThrowErrorNode{Base: NewBase(data, []model.PortDecl{{Name: model.ExecIn, Exec: true}}, nil)}, nil
}

func (n *ThrowErrorNode) Execute(_ context.Context, _ *runtime.ExecutionContext) *model.ExecutionResult {
	return model.Fail(
		n.ConfigString("error_type", string(resilience.KindFatal)),
		n.ConfigString("message", "error raised"))
}

// AssertNode fails the run when its condition does not hold.
type AssertNode struct{ Base }

func newAssertNode(data Data) (Node, error) {
	in, out := ExecPorts()
	return &AssertNode{Base: NewBase(data, in, out)}, nil
}

func (n *AssertNode) Execute(_ context.Context, ec *runtime.ExecutionContext) *model.ExecutionResult {
	cond := n.ConfigString("condition", "")
	ok, err := EvalCondition(cond, ec)
	if err != nil {
		return model.Fail(string(resilience.KindValidation), err.Error())
	}
	if !ok {
		msg := n.ConfigString("message", "")
		if msg == "" {
			msg = fmt.Sprintf("assertion failed: %s", cond)
		}
		return model.Fail(string(resilience.KindValidation), msg)
	}
	return model.Succeed()
}

// ---------------------------------------------------------------------------
// Subflow

// SubflowInvokeNode loads and executes a nested workflow in the caller's
// context namespace. The runner injects itself as the SubflowRunner.
type SubflowInvokeNode struct {
	Base
	runner SubflowRunner
}

func newSubflowInvokeNode(data Data) (Node, error) {
	in, out := ExecPorts()
	return &SubflowInvokeNode{Base: NewBase(data, in, out)}, nil
}

// SetSubflowRunner implements SubflowHost.
func (n *SubflowInvokeNode) SetSubflowRunner(r SubflowRunner) { n.runner = r }

func (n *SubflowInvokeNode) Execute(ctx context.Context, ec *runtime.ExecutionContext) *model.ExecutionResult {
	path := n.ConfigString("path", "")
	if path == "" {
		return model.Fail(string(resilience.KindValidation), "subflow path not configured")
	}
	if n.runner == nil {
		return model.Fail(string(resilience.KindFatal), "no subflow runner attached")
	}
	if err := n.runner.RunSubflow(ctx, path, ec); err != nil {
		return model.Fail(string(resilience.KindOf(err)), err.Error())
	}
	return model.Succeed()
}
