// Package checkpoint captures and restores mid-run workflow state so a
// crashed or migrated job can continue from its last saved node instead
// of starting over.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/casarerpa/core/internal/model"
	"github.com/casarerpa/core/internal/runtime"
)

// nonSerializableSentinel replaces variable values that cannot be encoded.
// Restores recognize the prefix and drop the variable silently.
const nonSerializablePrefix = "<non-serializable: "

// BrowserInfo is implemented by browser session resources that expose
// their page state for checkpointing.
type BrowserInfo interface {
	ActivePageName() string
	PageCount() int
}

// BrowserState snapshots the browser resource at checkpoint time.
type BrowserState struct {
	Present        bool   `json:"present"`
	ActivePageName string `json:"active_page_name,omitempty"`
	PageCount      int    `json:"page_count"`
}

// State is one serialized checkpoint.
type State struct {
	CheckpointID  model.CheckpointID  `json:"checkpoint_id"`
	JobID         model.JobID         `json:"job_id"`
	WorkflowName  string              `json:"workflow_name"`
	CreatedAt     time.Time           `json:"created_at"`
	CurrentNodeID model.NodeID        `json:"current_node_id"`
	ExecutedNodes []model.NodeID      `json:"executed_nodes"`
	ExecutionPath []model.NodeID      `json:"execution_path"`
	Variables     map[string]any      `json:"variables"`
	Errors        []runtime.NodeError `json:"errors,omitempty"`
	BrowserState  BrowserState        `json:"browser_state"`
}

// NewState builds a checkpoint with a fresh id and UTC timestamp.
func NewState(jobID model.JobID, workflowName string, nodeID model.NodeID, executed []model.NodeID, variables map[string]any) *State {
	return &State{
		CheckpointID:  model.NewCheckpointID(),
		JobID:         jobID,
		WorkflowName:  workflowName,
		CreatedAt:     time.Now().UTC(),
		CurrentNodeID: nodeID,
		ExecutedNodes: executed,
		Variables:     variables,
	}
}

// Store is the durability slice the manager persists through.
type Store interface {
	SaveCheckpoint(jobID model.JobID, checkpointID model.CheckpointID, nodeID model.NodeID, state []byte) error
	GetLatestCheckpoint(jobID model.JobID) ([]byte, error)
	ClearCheckpoints(jobID model.JobID) error
}

// Manager tracks one job at a time and persists checkpoints through a
// Store. All methods are safe for concurrent use.
type Manager struct {
	store Store

	mu           sync.Mutex
	jobID        model.JobID
	workflowName string
	executed     []model.NodeID
	executedSet  map[model.NodeID]bool
	errors       []runtime.NodeError
}

// NewManager creates a manager persisting through store.
func NewManager(store Store) *Manager {
	return &Manager{store: store, executedSet: make(map[model.NodeID]bool)}
}

// StartJob begins tracking a job, clearing any prior tracking.
func (m *Manager) StartJob(jobID model.JobID, workflowName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobID = jobID
	m.workflowName = workflowName
	m.executed = nil
	m.executedSet = make(map[model.NodeID]bool)
	m.errors = nil
}

// EndJob clears the current tracking.
func (m *Manager) EndJob() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobID = ""
	m.workflowName = ""
	m.executed = nil
	m.executedSet = make(map[model.NodeID]bool)
	m.errors = nil
}

// SaveCheckpoint serializes the run state at nodeID and persists it. The
// second return is false when no job is active or persistence failed; a
// failed save never aborts the run.
func (m *Manager) SaveCheckpoint(nodeID model.NodeID, ec *runtime.ExecutionContext) (model.CheckpointID, bool) {
	m.mu.Lock()
	if m.jobID == "" {
		m.mu.Unlock()
		return "", false
	}
	if !m.executedSet[nodeID] {
		m.executedSet[nodeID] = true
		m.executed = append(m.executed, nodeID)
	}
	state := &State{
		CheckpointID:  model.NewCheckpointID(),
		JobID:         m.jobID,
		WorkflowName:  m.workflowName,
		CreatedAt:     time.Now().UTC(),
		CurrentNodeID: nodeID,
		ExecutedNodes: append([]model.NodeID(nil), m.executed...),
		ExecutionPath: ec.Path(),
		Variables:     sanitizeVariables(ec.Variables()),
		Errors:        append([]runtime.NodeError(nil), m.errors...),
		BrowserState:  captureBrowser(ec),
	}
	jobID := m.jobID
	m.mu.Unlock()

	blob, err := json.Marshal(state)
	if err != nil {
		slog.Warn("[Checkpoint] serialize failed", "job_id", jobID, "node", nodeID, "error", err)
		return "", false
	}
	if err := m.store.SaveCheckpoint(jobID, state.CheckpointID, nodeID, blob); err != nil {
		slog.Warn("[Checkpoint] persist failed", "job_id", jobID, "checkpoint_id", state.CheckpointID, "error", err)
		return "", false
	}

	slog.Debug("[Checkpoint] saved",
		"job_id", jobID, "checkpoint_id", state.CheckpointID, "node", nodeID)
	return state.CheckpointID, true
}

// GetCheckpoint loads the latest checkpoint for a job. Malformed payloads
// yield nil, never an error.
func (m *Manager) GetCheckpoint(jobID model.JobID) *State {
	blob, err := m.store.GetLatestCheckpoint(jobID)
	if err != nil || blob == nil {
		return nil
	}
	var state State
	if err := json.Unmarshal(blob, &state); err != nil {
		slog.Warn("[Checkpoint] malformed payload ignored", "job_id", jobID, "error", err)
		return nil
	}
	return &state
}

// RestoreFromCheckpoint copies checkpointed variables into the context,
// skipping non-serializable sentinels, and adopts the tracking state.
func (m *Manager) RestoreFromCheckpoint(state *State, ec *runtime.ExecutionContext) bool {
	if state == nil {
		return false
	}

	for name, value := range state.Variables {
		if s, ok := value.(string); ok && len(s) >= len(nonSerializablePrefix) && s[:len(nonSerializablePrefix)] == nonSerializablePrefix {
			continue
		}
		ec.Set(name, value)
	}
	for _, id := range state.ExecutionPath {
		ec.AppendPath(id)
	}

	m.mu.Lock()
	m.jobID = state.JobID
	m.workflowName = state.WorkflowName
	m.executed = append([]model.NodeID(nil), state.ExecutedNodes...)
	m.executedSet = make(map[model.NodeID]bool, len(state.ExecutedNodes))
	for _, id := range state.ExecutedNodes {
		m.executedSet[id] = true
	}
	m.errors = append([]runtime.NodeError(nil), state.Errors...)
	m.mu.Unlock()

	slog.Info("[Checkpoint] restored",
		"job_id", state.JobID, "checkpoint_id", state.CheckpointID,
		"node", state.CurrentNodeID, "executed", len(state.ExecutedNodes))
	return true
}

// RecordError appends to the current job's error list.
func (m *Manager) RecordError(nodeID model.NodeID, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jobID == "" {
		return
	}
	m.errors = append(m.errors, runtime.NodeError{NodeID: nodeID, Message: message})
}

// ClearCheckpoints removes all checkpoints of a job.
func (m *Manager) ClearCheckpoints(jobID model.JobID) error {
	return m.store.ClearCheckpoints(jobID)
}

// sanitizeVariables replaces values json cannot encode with a sentinel
// naming the original type.
func sanitizeVariables(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for name, value := range vars {
		if _, err := json.Marshal(value); err != nil {
			out[name] = fmt.Sprintf("%s%T>", nonSerializablePrefix, value)
			continue
		}
		out[name] = value
	}
	return out
}

func captureBrowser(ec *runtime.ExecutionContext) BrowserState {
	res := ec.Resource("browser")
	if res == nil {
		return BrowserState{}
	}
	state := BrowserState{Present: true}
	if info, ok := res.(BrowserInfo); ok {
		state.ActivePageName = info.ActivePageName()
		state.PageCount = info.PageCount()
	}
	return state
}
