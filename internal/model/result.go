package model

// NodeStatus is the transient per-run status of a node.
type NodeStatus string

const (
	NodePending NodeStatus = "pending"
	NodeRunning NodeStatus = "running"
	NodeSuccess NodeStatus = "success"
	NodeError   NodeStatus = "error"
	NodeSkipped NodeStatus = "skipped"
	NodePaused  NodeStatus = "paused"
)

// JobStatus tracks a job through the orchestrator.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobAssigned  JobStatus = "assigned"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// RobotStatus is derived from a robot's slot usage, never stored.
type RobotStatus string

const (
	RobotIdle    RobotStatus = "idle"
	RobotWorking RobotStatus = "working"
	RobotBusy    RobotStatus = "busy"
)

// ExecutionState is the lifecycle state of one runner instance.
type ExecutionState string

const (
	StateIdle      ExecutionState = "idle"
	StateRunning   ExecutionState = "running"
	StatePaused    ExecutionState = "paused"
	StateStopping  ExecutionState = "stopping"
	StateStopped   ExecutionState = "stopped"
	StateCompleted ExecutionState = "completed"
	StateFailed    ExecutionState = "failed"
)

// ControlFlow verbs a node may return to influence its enclosing scope.
const (
	FlowRetrySuccess = "retry_success"
	FlowRetryFail    = "retry_fail"
	FlowLoopContinue = "loop_continue"
	FlowLoopBreak    = "loop_break"
)

// ExecutionResult is the uniform outcome of one node execution.
type ExecutionResult struct {
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorType string         `json:"error_type,omitempty"`

	// NextNodes names the exec output ports to fire. Empty means the node
	// is a leaf; plain nodes default to ["exec_out"].
	NextNodes []string `json:"next_nodes,omitempty"`

	// ControlFlow carries a scope verb (retry_success, loop_break, ...).
	ControlFlow string `json:"control_flow,omitempty"`
}

// Succeed builds a successful result firing the default exec output.
func Succeed() *ExecutionResult {
	return &ExecutionResult{Success: true, NextNodes: []string{ExecOut}}
}

// SucceedVia builds a successful result firing the named exec outputs.
func SucceedVia(ports ...string) *ExecutionResult {
	return &ExecutionResult{Success: true, NextNodes: ports}
}

// Fail builds a failure result with an error kind and message.
func Fail(errorType, msg string) *ExecutionResult {
	return &ExecutionResult{Success: false, Error: msg, ErrorType: errorType}
}

// FailureSummary is the compact, user-visible shape of a failed run.
type FailureSummary struct {
	JobID         JobID    `json:"job_id"`
	FailedNode    NodeID   `json:"failed_node"`
	ErrorType     string   `json:"error_type"`
	Message       string   `json:"message"`
	ExecutionPath []NodeID `json:"execution_path"`
}
