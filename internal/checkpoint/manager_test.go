package checkpoint

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casarerpa/core/internal/model"
	"github.com/casarerpa/core/internal/runtime"
)

// memStore keeps checkpoints in memory and can be told to fail.
type memStore struct {
	blobs map[model.JobID][]byte
	fail  bool
}

func newMemStore() *memStore {
	return &memStore{blobs: make(map[model.JobID][]byte)}
}

func (s *memStore) SaveCheckpoint(jobID model.JobID, _ model.CheckpointID, _ model.NodeID, state []byte) error {
	if s.fail {
		return errors.New("disk full")
	}
	s.blobs[jobID] = state
	return nil
}

func (s *memStore) GetLatestCheckpoint(jobID model.JobID) ([]byte, error) {
	return s.blobs[jobID], nil
}

func (s *memStore) ClearCheckpoints(jobID model.JobID) error {
	delete(s.blobs, jobID)
	return nil
}

func TestSaveRequiresActiveJob(t *testing.T) {
	m := NewManager(newMemStore())
	ec := runtime.NewExecutionContext("wf", nil)

	_, ok := m.SaveCheckpoint("n1", ec)
	assert.False(t, ok)
}

func TestSaveAndRestoreRoundTrip(t *testing.T) {
	store := newMemStore()
	m := NewManager(store)
	m.StartJob("job-1", "invoice-flow")

	ec := runtime.NewExecutionContext("invoice-flow", map[string]any{
		"counter": 3,
		"name":    "acme",
	})
	ec.AppendPath("start")
	ec.AppendPath("n1")

	id, ok := m.SaveCheckpoint("n1", ec)
	require.True(t, ok)
	assert.Len(t, string(id), 8)

	state := m.GetCheckpoint("job-1")
	require.NotNil(t, state)
	assert.Equal(t, model.JobID("job-1"), state.JobID)
	assert.Equal(t, "invoice-flow", state.WorkflowName)
	assert.Equal(t, model.NodeID("n1"), state.CurrentNodeID)
	assert.Equal(t, []model.NodeID{"start", "n1"}, state.ExecutionPath)
	assert.False(t, state.CreatedAt.IsZero())

	restored := runtime.NewExecutionContext("invoice-flow", nil)
	fresh := NewManager(store)
	require.True(t, fresh.RestoreFromCheckpoint(state, restored))
	// JSON round trip turns ints into float64.
	assert.Equal(t, float64(3), restored.Get("counter", nil))
	assert.Equal(t, "acme", restored.Get("name", ""))
	assert.Equal(t, []model.NodeID{"start", "n1"}, restored.Path())
}

func TestNonSerializableVariablesBecomeSentinels(t *testing.T) {
	store := newMemStore()
	m := NewManager(store)
	m.StartJob("job-1", "wf")

	ec := runtime.NewExecutionContext("wf", nil)
	ec.Set("ok", "value")
	ec.Set("bad", func() {})

	_, ok := m.SaveCheckpoint("n1", ec)
	require.True(t, ok)

	state := m.GetCheckpoint("job-1")
	require.NotNil(t, state)
	assert.Equal(t, "value", state.Variables["ok"])
	assert.Contains(t, state.Variables["bad"], "<non-serializable: ")

	// Sentinels are dropped on restore, not resurrected as strings.
	restored := runtime.NewExecutionContext("wf", nil)
	require.True(t, m.RestoreFromCheckpoint(state, restored))
	assert.Equal(t, "value", restored.Get("ok", ""))
	assert.False(t, restored.Has("bad"))
}

func TestPersistFailureReturnsFalse(t *testing.T) {
	store := newMemStore()
	store.fail = true
	m := NewManager(store)
	m.StartJob("job-1", "wf")

	_, ok := m.SaveCheckpoint("n1", runtime.NewExecutionContext("wf", nil))
	assert.False(t, ok)
}

func TestMalformedPayloadYieldsNil(t *testing.T) {
	store := newMemStore()
	store.blobs["job-1"] = []byte("{not json")
	m := NewManager(store)

	assert.Nil(t, m.GetCheckpoint("job-1"))
	assert.Nil(t, m.GetCheckpoint("unknown"))
}

func TestExecutedNodesAccumulateAcrossSaves(t *testing.T) {
	store := newMemStore()
	m := NewManager(store)
	m.StartJob("job-1", "wf")
	ec := runtime.NewExecutionContext("wf", nil)

	_, ok := m.SaveCheckpoint("n1", ec)
	require.True(t, ok)
	_, ok = m.SaveCheckpoint("n2", ec)
	require.True(t, ok)
	_, ok = m.SaveCheckpoint("n2", ec)
	require.True(t, ok)

	state := m.GetCheckpoint("job-1")
	require.NotNil(t, state)
	assert.Equal(t, []model.NodeID{"n1", "n2"}, state.ExecutedNodes)
}

func TestRecordErrorTravelsWithCheckpoint(t *testing.T) {
	store := newMemStore()
	m := NewManager(store)
	m.StartJob("job-1", "wf")

	m.RecordError("n3", "selector not found")
	_, ok := m.SaveCheckpoint("n3", runtime.NewExecutionContext("wf", nil))
	require.True(t, ok)

	state := m.GetCheckpoint("job-1")
	require.NotNil(t, state)
	require.Len(t, state.Errors, 1)
	assert.Equal(t, model.NodeID("n3"), state.Errors[0].NodeID)
}

func TestEndJobStopsTracking(t *testing.T) {
	m := NewManager(newMemStore())
	m.StartJob("job-1", "wf")
	m.EndJob()

	_, ok := m.SaveCheckpoint("n1", runtime.NewExecutionContext("wf", nil))
	assert.False(t, ok)
}

type fakeBrowser struct{}

func (fakeBrowser) ActivePageName() string { return "invoices" }
func (fakeBrowser) PageCount() int         { return 2 }

func TestBrowserStateCaptured(t *testing.T) {
	store := newMemStore()
	m := NewManager(store)
	m.StartJob("job-1", "wf")

	ec := runtime.NewExecutionContext("wf", nil)
	ec.RegisterResource("browser", fakeBrowser{}, nil)

	_, ok := m.SaveCheckpoint("n1", ec)
	require.True(t, ok)

	state := m.GetCheckpoint("job-1")
	require.NotNil(t, state)
	assert.True(t, state.BrowserState.Present)
	assert.Equal(t, "invoices", state.BrowserState.ActivePageName)
	assert.Equal(t, 2, state.BrowserState.PageCount)
}
