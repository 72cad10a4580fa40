package robot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casarerpa/core/internal/events"
	"github.com/casarerpa/core/internal/model"
	"github.com/casarerpa/core/internal/node"
	"github.com/casarerpa/core/internal/offline"
	"github.com/casarerpa/core/internal/protocol"
	"github.com/casarerpa/core/internal/robotmgr"
	"github.com/casarerpa/core/internal/workflow"
)

func startOrchestrator(t *testing.T) (*robotmgr.Manager, *events.Bus, string) {
	t.Helper()
	bus := events.NewBus()
	mgr := robotmgr.NewManager(bus, robotmgr.Options{})
	gw := robotmgr.NewGateway(mgr, "test")

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/robot", gw.HandleRobot)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return mgr, bus, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/robot"
}

func startAgent(t *testing.T, id model.RobotID, url string, caps protocol.Capabilities) *Agent {
	t.Helper()
	store, err := offline.OpenSQLite(filepath.Join(t.TempDir(), "offline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := node.NewRegistry()
	node.RegisterBuiltins(reg)

	agent := New(Config{
		RobotID:           id,
		RobotName:         string(id),
		OrchestratorURL:   url,
		Capabilities:      caps,
		HeartbeatInterval: 50 * time.Millisecond,
	}, store, reg, events.NewBus(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go agent.Run(ctx)
	return agent
}

// workflowBytes builds a linear start -> body -> end workflow.
func workflowBytes(t *testing.T, body node.Data) json.RawMessage {
	t.Helper()
	reg := node.NewRegistry()
	node.RegisterBuiltins(reg)

	wf := workflow.New("itest")
	require.NoError(t, wf.AddNode(node.Data{NodeID: "start", Type: node.TypeStart, Config: map[string]any{}}))
	require.NoError(t, wf.AddNode(body))
	require.NoError(t, wf.AddNode(node.Data{NodeID: "end", Type: node.TypeEnd, Config: map[string]any{}}))
	require.NoError(t, wf.Connect(reg, workflow.Connection{
		SourceNode: "start", SourcePort: "exec_out", TargetNode: body.NodeID, TargetPort: "exec_in",
	}))
	require.NoError(t, wf.Connect(reg, workflow.Connection{
		SourceNode: body.NodeID, SourcePort: "exec_out", TargetNode: "end", TargetPort: "exec_in",
	}))

	data, err := wf.Canonical()
	require.NoError(t, err)
	return data
}

func awaitRobot(t *testing.T, mgr *robotmgr.Manager, id model.RobotID) {
	t.Helper()
	require.Eventually(t, func() bool {
		return mgr.Robot(id) != nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAgentExecutesAssignedJob(t *testing.T) {
	mgr, bus, url := startOrchestrator(t)

	results := make(chan map[string]any, 1)
	bus.Subscribe(events.JobCompleted, func(e *events.Event) {
		if r, ok := e.Data["result"].(map[string]any); ok {
			results <- r
		}
	})

	startAgent(t, "exec-bot", url, protocol.Capabilities{MaxConcurrentJobs: 1})
	awaitRobot(t, mgr, "exec-bot")

	data := workflowBytes(t, node.Data{
		NodeID: "greet", Type: node.TypeSetVariable,
		Config: map[string]any{"name": "greeting", "value": "hello"},
	})
	job := mgr.SubmitJob(robotmgr.JobSpec{WorkflowID: "wf-exec", WorkflowData: data})

	require.Eventually(t, func() bool {
		j := mgr.Job(job.ID)
		return j != nil && j.Status == model.JobCompleted
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case result := <-results:
		assert.Equal(t, "hello", result["greeting"])
	case <-time.After(time.Second):
		t.Fatal("no completion result observed")
	}
}

func TestAgentReportsWorkflowFailure(t *testing.T) {
	mgr, _, url := startOrchestrator(t)
	startAgent(t, "fail-bot", url, protocol.Capabilities{MaxConcurrentJobs: 1})
	awaitRobot(t, mgr, "fail-bot")

	data := workflowBytes(t, node.Data{
		NodeID: "boom", Type: node.TypeThrow,
		Config: map[string]any{"message": "no such selector", "error_type": "ValidationError"},
	})
	job := mgr.SubmitJob(robotmgr.JobSpec{WorkflowID: "wf-fail", WorkflowData: data})

	require.Eventually(t, func() bool {
		j := mgr.Job(job.ID)
		return j != nil && j.Status == model.JobFailed
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAgentRejectsBeyondCapacity(t *testing.T) {
	mgr, _, url := startOrchestrator(t)
	startAgent(t, "busy-bot", url, protocol.Capabilities{MaxConcurrentJobs: 1})
	awaitRobot(t, mgr, "busy-bot")

	slow := workflowBytes(t, node.Data{
		NodeID: "nap", Type: node.TypeDelay,
		Config: map[string]any{"duration_ms": 2000},
	})
	first := mgr.SubmitJob(robotmgr.JobSpec{WorkflowID: "wf-slow", WorkflowData: slow})
	require.Equal(t, model.JobAssigned, first.Status)

	quick := workflowBytes(t, node.Data{
		NodeID: "greet", Type: node.TypeSetVariable,
		Config: map[string]any{"name": "x", "value": 1},
	})
	second := mgr.SubmitJob(robotmgr.JobSpec{WorkflowID: "wf-quick", WorkflowData: quick})

	// The robot's only slot is taken, so the second assignment bounces
	// back and the robot lands in rejected_by.
	require.Eventually(t, func() bool {
		j := mgr.Job(second.ID)
		return j != nil && j.Status == model.JobPending && j.HasRejected("busy-bot")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAgentHeartbeatsReachManager(t *testing.T) {
	mgr, bus, url := startOrchestrator(t)

	beats := make(chan struct{}, 16)
	bus.Subscribe(events.RobotHeartbeat, func(*events.Event) {
		select {
		case beats <- struct{}{}:
		default:
		}
	})

	startAgent(t, "pulse-bot", url, protocol.Capabilities{MaxConcurrentJobs: 1})
	awaitRobot(t, mgr, "pulse-bot")

	select {
	case <-beats:
	case <-time.After(5 * time.Second):
		t.Fatal("no heartbeat observed")
	}
}

func TestAgentReplaysQueuedCompletions(t *testing.T) {
	mgr, _, url := startOrchestrator(t)

	// The job needs a capability no robot has, so it stays pending and
	// only the replayed completion can finish it.
	job := mgr.SubmitJob(robotmgr.JobSpec{
		WorkflowID:           "wf-replay",
		RequiredCapabilities: []string{"mainframe"},
	})
	require.Equal(t, model.JobPending, job.Status)

	store, err := offline.OpenSQLite(filepath.Join(t.TempDir(), "offline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.EnqueueCompletion(&model.JobCompletion{
		JobID:       job.ID,
		Success:     true,
		Result:      map[string]any{"rows": float64(9)},
		CompletedAt: time.Now().UTC(),
	}))

	reg := node.NewRegistry()
	node.RegisterBuiltins(reg)
	agent := New(Config{
		RobotID:           "replay-bot",
		RobotName:         "replay-bot",
		OrchestratorURL:   url,
		Capabilities:      protocol.Capabilities{MaxConcurrentJobs: 1},
		HeartbeatInterval: 50 * time.Millisecond,
	}, store, reg, events.NewBus(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go agent.Run(ctx)

	require.Eventually(t, func() bool {
		j := mgr.Job(job.ID)
		return j != nil && j.Status == model.JobCompleted
	}, 5*time.Second, 10*time.Millisecond)

	// The queue is empty after a successful replay.
	left, err := store.DrainCompletions()
	require.NoError(t, err)
	assert.Empty(t, left)
}
