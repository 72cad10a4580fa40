// Package runner executes one workflow run: breadth-first traversal over
// the exec graph, data propagation along data edges, scope-state control
// flow for loops, try/catch and retry, pause/resume/stop gating, and
// checkpoint hooks. A Runner is a single-run object; a second run of the
// same schema needs a new instance.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/casarerpa/core/internal/events"
	"github.com/casarerpa/core/internal/model"
	"github.com/casarerpa/core/internal/node"
	"github.com/casarerpa/core/internal/resilience"
	"github.com/casarerpa/core/internal/runtime"
	"github.com/casarerpa/core/internal/workflow"
)

// Checkpointer is the slice of the checkpoint manager the runner needs.
type Checkpointer interface {
	SaveCheckpoint(nodeID model.NodeID, ec *runtime.ExecutionContext) (model.CheckpointID, bool)
	RecordError(nodeID model.NodeID, message string)
}

// CheckpointPolicy controls automatic checkpointing during traversal.
type CheckpointPolicy struct {
	AutoSave bool
	// Interval saves every N executed nodes; zero disables interval saves.
	Interval int
	// Barriers lists node types that always checkpoint before executing.
	Barriers []string
}

// Config tunes one run.
type Config struct {
	DefaultNodeTimeout time.Duration
	Checkpoint         CheckpointPolicy
	// SubflowDir resolves relative subflow paths.
	SubflowDir string
	// MaxSubflowDepth bounds nested subflow invocation.
	MaxSubflowDepth int
}

// DefaultConfig matches standalone execution without checkpointing.
func DefaultConfig() Config {
	return Config{
		DefaultNodeTimeout: 30 * time.Second,
		MaxSubflowDepth:    16,
	}
}

type scopeKind int

const (
	scopeLoop scopeKind = iota
	scopeTry
	scopeRetry
)

// scopeFrame is the runner-owned mutable state of one open scope node.
type scopeFrame struct {
	nodeID model.NodeID
	kind   scopeKind
	state  node.ScopeState
}

// Runner drives one execution of one workflow.
type Runner struct {
	wf    *workflow.Workflow
	reg   *node.Registry
	bus   *events.Bus
	cp    Checkpointer
	cfg   Config
	jobID model.JobID

	nodes   map[model.NodeID]node.Node
	startID model.NodeID
	// execOut indexes outgoing exec edges by source node and source port.
	execOut map[model.NodeID]map[string][]model.NodeID
	// dataIn indexes incoming data edges by target node.
	dataIn map[model.NodeID][]workflow.Connection

	ec *runtime.ExecutionContext

	mu         sync.Mutex
	state      model.ExecutionState
	resumeGate chan struct{}
	executed   map[model.NodeID]bool
	failure    *model.FailureSummary

	// Scope stack and staged states are touched only by the traversal
	// goroutine; no lock needed.
	scopes []*scopeFrame
	staged map[model.NodeID]node.ScopeState

	restoreFrom     model.NodeID
	sinceCheckpoint int
	depth           int
}

// Option adjusts a Runner at construction.
type Option func(*Runner)

// WithCheckpointer attaches a checkpoint manager.
func WithCheckpointer(cp Checkpointer) Option { return func(r *Runner) { r.cp = cp } }

// WithJobID tags the run for failure summaries and checkpoints.
func WithJobID(id model.JobID) Option { return func(r *Runner) { r.jobID = id } }

// WithConfig replaces the default run configuration.
func WithConfig(cfg Config) Option { return func(r *Runner) { r.cfg = cfg } }

// New validates the workflow, hydrates its nodes, and prepares a run with
// the given initial variables.
func New(wf *workflow.Workflow, reg *node.Registry, bus *events.Bus, vars map[string]any, opts ...Option) (*Runner, error) {
	r := &Runner{
		wf:       wf,
		reg:      reg,
		bus:      bus,
		cfg:      DefaultConfig(),
		state:    model.StateIdle,
		executed: make(map[model.NodeID]bool),
		execOut:  make(map[model.NodeID]map[string][]model.NodeID),
		dataIn:   make(map[model.NodeID][]workflow.Connection),
		ec:       runtime.NewExecutionContext(wf.Metadata.Name, vars),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cfg.DefaultNodeTimeout <= 0 {
		r.cfg.DefaultNodeTimeout = 30 * time.Second
	}
	if r.cfg.MaxSubflowDepth <= 0 {
		r.cfg.MaxSubflowDepth = 16
	}

	if err := r.wire(); err != nil {
		return nil, err
	}
	return r, nil
}

// Context exposes the run's execution context.
func (r *Runner) Context() *runtime.ExecutionContext { return r.ec }

// State returns the current lifecycle state.
func (r *Runner) State() model.ExecutionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Failure returns the failure summary of a failed run, or nil.
func (r *Runner) Failure() *model.FailureSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failure
}

// Progress reports |executed| / |nodes| in percent. Zero for an empty
// workflow.
func (r *Runner) Progress() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.wf.Nodes) == 0 {
		return 0
	}
	return float64(len(r.executed)) / float64(len(r.wf.Nodes)) * 100
}

// ExecutedNodes returns a copy of the executed-node set.
func (r *Runner) ExecutedNodes() []model.NodeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.NodeID, 0, len(r.executed))
	for id := range r.executed {
		out = append(out, id)
	}
	return out
}

// Pause gates the run at the next suspension point.
func (r *Runner) Pause() {
	r.mu.Lock()
	if r.state != model.StateRunning {
		r.mu.Unlock()
		return
	}
	r.state = model.StatePaused
	r.resumeGate = make(chan struct{})
	r.mu.Unlock()
	r.bus.Emit(events.WorkflowPaused, "", map[string]any{"workflow": r.wf.Metadata.Name})
}

// Resume releases a paused run.
func (r *Runner) Resume() {
	r.mu.Lock()
	if r.state != model.StatePaused {
		r.mu.Unlock()
		return
	}
	r.state = model.StateRunning
	close(r.resumeGate)
	r.resumeGate = nil
	r.mu.Unlock()
	r.bus.Emit(events.WorkflowResumed, "", map[string]any{"workflow": r.wf.Metadata.Name})
}

// Stop requests termination at the next suspension point. An in-flight
// node is not aborted; its result is discarded once stopped.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case model.StateRunning:
		r.state = model.StateStopping
	case model.StatePaused:
		r.state = model.StateStopping
		close(r.resumeGate)
		r.resumeGate = nil
	}
}

// CancelAfter schedules a Stop.
func (r *Runner) CancelAfter(d time.Duration) *time.Timer {
	return time.AfterFunc(d, r.Stop)
}

// Restore seeds run state from a checkpoint: the executed set, execution
// path, and variables are assumed already applied to the context; the
// traversal continues from the successors of current.
func (r *Runner) Restore(executed []model.NodeID, current model.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range executed {
		r.executed[id] = true
	}
	r.restoreFrom = current
}

// Run drives the traversal to completion. It returns nil when the run
// completes or is stopped, and the run's failure when it fails.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.state != model.StateIdle {
		r.mu.Unlock()
		return fmt.Errorf("runner already used (state %s)", r.state)
	}
	r.state = model.StateRunning
	seed := r.seedLocked()
	r.mu.Unlock()

	r.bus.Emit(events.WorkflowStarted, "", map[string]any{"workflow": r.wf.Metadata.Name})
	slog.Info("[Runner] workflow started", "workflow", r.wf.Metadata.Name, "job_id", r.jobID)

	queue := seed
	for len(queue) > 0 {
		if !r.gate(ctx) {
			r.bus.Emit(events.WorkflowStopped, "", map[string]any{"workflow": r.wf.Metadata.Name})
			slog.Info("[Runner] workflow stopped", "workflow", r.wf.Metadata.Name)
			return nil
		}

		id := queue[0]
		queue = queue[1:]
		n, ok := r.nodes[id]
		if !ok {
			return r.failRun(id, string(resilience.KindFatal), fmt.Sprintf("unknown node %s in work list", id))
		}

		r.maybeCheckpoint(id, n)
		r.propagateInputs(id, n)

		r.bus.Emit(events.NodeStarted, id, map[string]any{"type": n.Type()})
		res := r.executeNode(ctx, n)
		r.recordExecuted(id)

		if !res.Success {
			next, handled := r.routeFailure(id, res)
			if !handled {
				return r.failRun(id, res.ErrorType, res.Error)
			}
			queue = next
			continue
		}

		r.bus.Emit(events.NodeCompleted, id, res.Data)

		if res.ControlFlow != "" {
			next, err := r.resolveVerb(id, res)
			if err != nil {
				return r.failRun(id, string(resilience.KindFatal), err.Error())
			}
			queue = next
			continue
		}

		queue = append(queue, r.successors(id, n, res)...)
	}

	r.mu.Lock()
	r.state = model.StateCompleted
	r.mu.Unlock()
	r.bus.Emit(events.WorkflowCompleted, "", map[string]any{
		"workflow": r.wf.Metadata.Name,
		"path":     r.ec.Path(),
	})
	slog.Info("[Runner] workflow completed", "workflow", r.wf.Metadata.Name, "nodes", len(r.executed))
	return nil
}

// gate blocks while paused and reports false when the run must stop.
// Suspension points sit between node executions only.
func (r *Runner) gate(ctx context.Context) bool {
	for {
		r.mu.Lock()
		switch r.state {
		case model.StateRunning:
			r.mu.Unlock()
			if ctx.Err() != nil {
				r.setState(model.StateStopped)
				return false
			}
			return true
		case model.StateStopping:
			r.state = model.StateStopped
			r.mu.Unlock()
			return false
		case model.StatePaused:
			gate := r.resumeGate
			r.mu.Unlock()
			select {
			case <-gate:
			case <-ctx.Done():
				r.setState(model.StateStopped)
				return false
			}
		default:
			r.mu.Unlock()
			return false
		}
	}
}

func (r *Runner) setState(s model.ExecutionState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// propagateInputs copies recorded output values along incoming data edges.
// Duplicate sources on one input are disallowed at validation; if present
// anyway, last writer wins with a warning.
func (r *Runner) propagateInputs(id model.NodeID, n node.Node) {
	edges := r.dataIn[id]
	seen := make(map[string]bool, len(edges))
	for _, conn := range edges {
		src, ok := r.nodes[conn.SourceNode]
		if !ok {
			continue
		}
		v, ok := src.Output(conn.SourcePort)
		if !ok {
			continue
		}
		if seen[conn.TargetPort] {
			slog.Warn("[Runner] multiple data sources on input, last writer wins",
				"node", id, "port", conn.TargetPort)
		}
		seen[conn.TargetPort] = true
		n.SetInput(conn.TargetPort, v)
	}
}

// executeNode runs one node under its timeout budget. A timed-out node is
// not aborted beyond context cancellation; its late result is discarded.
func (r *Runner) executeNode(ctx context.Context, n node.Node) *model.ExecutionResult {
	timeout := n.Timeout()
	if timeout <= 0 {
		timeout = r.cfg.DefaultNodeTimeout
	}
	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var scope node.ScopeState
	sa, isScope := n.(node.ScopeAware)
	if isScope {
		scope = r.scopeStateFor(n)
	}

	done := make(chan *model.ExecutionResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- model.Fail(string(resilience.KindFatal), fmt.Sprintf("node panic: %v", p))
			}
		}()
		if isScope {
			done <- sa.ExecuteInScope(nodeCtx, r.ec, scope)
			return
		}
		done <- n.Execute(nodeCtx, r.ec)
	}()

	select {
	case res := <-done:
		if res == nil {
			return model.Fail(string(resilience.KindFatal), "node returned no result")
		}
		return res
	case <-nodeCtx.Done():
		return model.Fail(string(resilience.KindTimeout), fmt.Sprintf("node %s timed out after %s", n.ID(), timeout))
	}
}

func (r *Runner) recordExecuted(id model.NodeID) {
	r.mu.Lock()
	r.executed[id] = true
	r.mu.Unlock()
	r.ec.AppendPath(id)
}

// successors intersects the fired exec ports with the node's outgoing exec
// edges and maintains the scope stack for scope nodes.
func (r *Runner) successors(id model.NodeID, n node.Node, res *model.ExecutionResult) []model.NodeID {
	ports := res.NextNodes
	if ports == nil {
		ports = []string{model.ExecOut}
	}

	if _, ok := n.(node.ScopeAware); ok {
		r.adjustScopes(id, n, ports)
	}

	var out []model.NodeID
	for _, port := range ports {
		out = append(out, r.execOut[id][port]...)
	}
	return out
}

// adjustScopes pushes a frame when a scope node enters its body and pops
// it when the scope exits.
func (r *Runner) adjustScopes(id model.NodeID, n node.Node, firedPorts []string) {
	entered, exited := false, false
	for _, p := range firedPorts {
		switch p {
		case node.PortBody, node.PortTryBody:
			entered = true
		case model.ExecOut, node.PortFailed, node.PortCatch, node.PortSuccess:
			exited = true
		}
	}

	idx := r.frameIndex(id)
	if entered && idx < 0 {
		r.scopes = append(r.scopes, &scopeFrame{
			nodeID: id,
			kind:   kindOf(n),
			state:  r.pendingState(id),
		})
		return
	}
	if exited && idx >= 0 {
		r.scopes = r.scopes[:idx]
	}
}

// scopeStateFor returns the live state of an open scope, or a fresh one
// staged until the scope actually enters its body.
func (r *Runner) scopeStateFor(n node.Node) node.ScopeState {
	if idx := r.frameIndex(n.ID()); idx >= 0 {
		return r.scopes[idx].state
	}
	st := node.ScopeState{}
	if r.staged == nil {
		r.staged = make(map[model.NodeID]node.ScopeState)
	}
	r.staged[n.ID()] = st
	return st
}

func (r *Runner) pendingState(id model.NodeID) node.ScopeState {
	if st, ok := r.staged[id]; ok {
		delete(r.staged, id)
		return st
	}
	return node.ScopeState{}
}

func (r *Runner) frameIndex(id model.NodeID) int {
	for i := len(r.scopes) - 1; i >= 0; i-- {
		if r.scopes[i].nodeID == id {
			return i
		}
	}
	return -1
}

func kindOf(n node.Node) scopeKind {
	switch n.Type() {
	case node.TypeTry:
		return scopeTry
	case node.TypeRetry:
		return scopeRetry
	default:
		return scopeLoop
	}
}

// resolveVerb maps a control-flow verb to its owning scope frame and the
// next work-list contents.
func (r *Runner) resolveVerb(id model.NodeID, res *model.ExecutionResult) ([]model.NodeID, error) {
	switch res.ControlFlow {
	case model.FlowLoopBreak:
		frame := r.innermost(scopeLoop)
		if frame == nil {
			return nil, fmt.Errorf("break at node %s outside any loop", id)
		}
		frame.state[node.ScopeBreak] = true
		r.unwindAbove(frame)
		return []model.NodeID{frame.nodeID}, nil

	case model.FlowLoopContinue:
		frame := r.innermost(scopeLoop)
		if frame == nil {
			return nil, fmt.Errorf("continue at node %s outside any loop", id)
		}
		r.unwindAbove(frame)
		return []model.NodeID{frame.nodeID}, nil

	case model.FlowRetrySuccess:
		frame := r.innermost(scopeRetry)
		if frame == nil {
			return nil, fmt.Errorf("retry_success at node %s outside any retry", id)
		}
		frame.state[node.ScopeSucceeded] = true
		r.unwindAbove(frame)
		return []model.NodeID{frame.nodeID}, nil

	case model.FlowRetryFail:
		frame := r.innermost(scopeRetry)
		if frame == nil {
			return nil, fmt.Errorf("retry_fail at node %s outside any retry", id)
		}
		r.unwindAbove(frame)
		return []model.NodeID{frame.nodeID}, nil
	}
	return nil, fmt.Errorf("unknown control flow verb %q from node %s", res.ControlFlow, id)
}

func (r *Runner) innermost(kind scopeKind) *scopeFrame {
	for i := len(r.scopes) - 1; i >= 0; i-- {
		if r.scopes[i].kind == kind {
			return r.scopes[i]
		}
	}
	return nil
}

// unwindAbove pops every frame nested inside the given one, keeping it.
func (r *Runner) unwindAbove(frame *scopeFrame) {
	for i, f := range r.scopes {
		if f == frame {
			r.scopes = r.scopes[:i+1]
			return
		}
	}
}

// routeFailure sends a node failure to the innermost open try scope. The
// second return is false when no try scope owns the failure and the run
// must fail.
func (r *Runner) routeFailure(id model.NodeID, res *model.ExecutionResult) ([]model.NodeID, bool) {
	r.bus.Emit(events.NodeError, id, map[string]any{
		"error":      res.Error,
		"error_type": res.ErrorType,
	})
	r.ec.AddError(id, res.Error)
	if r.cp != nil {
		r.cp.RecordError(id, res.Error)
	}

	frame := r.innermost(scopeTry)
	if frame == nil {
		return nil, false
	}
	frame.state[node.ScopeError] = res.Error
	if res.ErrorType != "" {
		frame.state[node.ScopeErrorType] = res.ErrorType
	}
	r.unwindAbove(frame)
	slog.Warn("[Runner] node failed, routing to try scope",
		"node", id, "scope", frame.nodeID, "error", res.Error)
	return []model.NodeID{frame.nodeID}, true
}

func (r *Runner) failRun(id model.NodeID, errorType, msg string) error {
	r.mu.Lock()
	r.state = model.StateFailed
	r.failure = &model.FailureSummary{
		JobID:         r.jobID,
		FailedNode:    id,
		ErrorType:     errorType,
		Message:       msg,
		ExecutionPath: r.ec.Path(),
	}
	r.mu.Unlock()

	r.bus.Emit(events.WorkflowFailed, id, map[string]any{
		"error":      msg,
		"error_type": errorType,
	})
	slog.Error("[Runner] workflow failed", "workflow", r.wf.Metadata.Name, "node", id, "error", msg)
	return fmt.Errorf("workflow %q failed at node %s: %s", r.wf.Metadata.Name, id, msg)
}

// maybeCheckpoint saves before a node when auto-save is on and the node
// hits the interval or is a barrier type.
func (r *Runner) maybeCheckpoint(id model.NodeID, n node.Node) {
	if r.cp == nil || !r.cfg.Checkpoint.AutoSave {
		return
	}
	r.sinceCheckpoint++
	atInterval := r.cfg.Checkpoint.Interval > 0 && r.sinceCheckpoint >= r.cfg.Checkpoint.Interval
	barrier := false
	for _, t := range r.cfg.Checkpoint.Barriers {
		if n.Type() == t {
			barrier = true
			break
		}
	}
	if !atInterval && !barrier {
		return
	}
	if _, ok := r.cp.SaveCheckpoint(id, r.ec); ok {
		r.sinceCheckpoint = 0
	}
}

func (r *Runner) seedLocked() []model.NodeID {
	if r.restoreFrom != "" {
		// Checkpoints are taken before a node runs, so the restored
		// node has not executed yet. Re-running it routes exactly one
		// outgoing branch instead of fanning out every exec port.
		return []model.NodeID{r.restoreFrom}
	}
	return []model.NodeID{r.startID}
}

func portIsExec(ports []model.PortDecl, name string) bool {
	for _, p := range ports {
		if p.Name == name {
			return p.Exec
		}
	}
	return false
}
