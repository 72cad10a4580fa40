package robotmgr

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casarerpa/core/internal/events"
	"github.com/casarerpa/core/internal/model"
	"github.com/casarerpa/core/internal/protocol"
)

// fakeSession records sent messages and can be told to fail.
type fakeSession struct {
	mu     sync.Mutex
	id     string
	sent   []any
	fail   bool
	closed bool
}

func (f *fakeSession) ID() string         { return f.id }
func (f *fakeSession) RemoteAddr() string { return "test" }

func (f *fakeSession) Send(msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("connection reset")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSession) SendTimeout(msg any, _ time.Duration) error { return f.Send(msg) }

func (f *fakeSession) Close(string) {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeSession) assigns() []*protocol.JobAssign {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.JobAssign
	for _, msg := range f.sent {
		if a, ok := msg.(*protocol.JobAssign); ok {
			out = append(out, a)
		}
	}
	return out
}

func registration(id model.RobotID, tenant model.TenantID, slots int, caps ...string) *protocol.Register {
	return &protocol.Register{
		Header:    protocol.NewHeader(protocol.TypeRegister),
		RobotID:   id,
		RobotName: string(id),
		TenantID:  tenant,
		Capabilities: protocol.Capabilities{
			Types:             caps,
			MaxConcurrentJobs: slots,
		},
	}
}

func newTestManager() *Manager {
	return NewManager(events.NewBus(), Options{})
}

func TestSubmitAssignsToConnectedRobot(t *testing.T) {
	m := newTestManager()
	sess := &fakeSession{id: "s1"}
	m.RegisterRobot(sess, registration("r1", "", 2, "browser"))

	job := m.SubmitJob(JobSpec{WorkflowID: "wf-1", Variables: map[string]any{"x": 1}})
	require.NotNil(t, job)
	assert.Equal(t, model.JobAssigned, job.Status)
	assert.Equal(t, model.RobotID("r1"), job.AssignedRobotID)

	assigns := sess.assigns()
	require.Len(t, assigns, 1)
	assert.Equal(t, job.ID, assigns[0].JobID)
	assert.Equal(t, model.WorkflowID("wf-1"), assigns[0].WorkflowID)

	robot := m.Robot("r1")
	require.NotNil(t, robot)
	assert.Equal(t, model.RobotWorking, robot.Status())
	assert.Equal(t, 1, robot.AvailableSlots())
}

func TestJobStaysPendingWithoutRobots(t *testing.T) {
	m := newTestManager()

	job := m.SubmitJob(JobSpec{WorkflowID: "wf-1"})
	assert.Equal(t, model.JobPending, job.Status)
	assert.Len(t, m.PendingJobs(), 1)
}

func TestTenantIsolation(t *testing.T) {
	m := newTestManager()
	m.RegisterRobot(&fakeSession{id: "s1"}, registration("other-tenant", "globex", 1))
	m.RegisterRobot(&fakeSession{id: "s2"}, registration("no-tenant", "", 1))

	// A tenant job must not land on a different tenant or a null-tenant robot.
	job := m.SubmitJob(JobSpec{WorkflowID: "wf", TenantID: "acme"})
	assert.Equal(t, model.JobPending, job.Status)

	m.RegisterRobot(&fakeSession{id: "s3"}, registration("acme-bot", "acme", 1))
	require.True(t, m.TryAssignJob(job.ID))
	assert.Equal(t, model.RobotID("acme-bot"), m.Job(job.ID).AssignedRobotID)
}

func TestNullTenantJobRunsAnywhere(t *testing.T) {
	m := newTestManager()
	m.RegisterRobot(&fakeSession{id: "s1"}, registration("tenant-bot", "acme", 1))

	job := m.SubmitJob(JobSpec{WorkflowID: "wf"})
	assert.Equal(t, model.JobAssigned, job.Status)
	assert.Equal(t, model.RobotID("tenant-bot"), job.AssignedRobotID)
}

func TestCapabilityFilter(t *testing.T) {
	m := newTestManager()
	m.RegisterRobot(&fakeSession{id: "s1"}, registration("desktop-bot", "", 1, "desktop"))

	job := m.SubmitJob(JobSpec{WorkflowID: "wf", RequiredCapabilities: []string{"browser"}})
	assert.Equal(t, model.JobPending, job.Status)

	m.RegisterRobot(&fakeSession{id: "s2"}, registration("browser-bot", "", 1, "browser", "desktop"))
	require.True(t, m.TryAssignJob(job.ID))
	assert.Equal(t, model.RobotID("browser-bot"), m.Job(job.ID).AssignedRobotID)
}

func TestTargetRobotPinning(t *testing.T) {
	m := newTestManager()
	m.RegisterRobot(&fakeSession{id: "s1"}, registration("idle-bot", "", 1))
	busy := &fakeSession{id: "s2"}
	m.RegisterRobot(busy, registration("target-bot", "", 1))

	// Fill the target's only slot.
	first := m.SubmitJob(JobSpec{WorkflowID: "wf", TargetRobotID: "target-bot"})
	assert.Equal(t, model.JobAssigned, first.Status)

	// A pinned job never falls back to another robot.
	second := m.SubmitJob(JobSpec{WorkflowID: "wf", TargetRobotID: "target-bot"})
	assert.Equal(t, model.JobPending, second.Status)
}

func TestLeastLoadedRobotWins(t *testing.T) {
	m := newTestManager()
	m.RegisterRobot(&fakeSession{id: "s1"}, registration("bot-a", "", 3))
	m.RegisterRobot(&fakeSession{id: "s2"}, registration("bot-b", "", 3))

	// bot-a takes the first job on the id tie-break, so bot-b is less
	// loaded for the second.
	first := m.SubmitJob(JobSpec{WorkflowID: "wf"})
	second := m.SubmitJob(JobSpec{WorkflowID: "wf"})
	assert.Equal(t, model.RobotID("bot-a"), first.AssignedRobotID)
	assert.Equal(t, model.RobotID("bot-b"), second.AssignedRobotID)
}

func TestRequeueExcludesRejectingRobot(t *testing.T) {
	m := newTestManager()
	m.RegisterRobot(&fakeSession{id: "s1"}, registration("bot-a", "", 1))

	job := m.SubmitJob(JobSpec{WorkflowID: "wf"})
	require.Equal(t, model.RobotID("bot-a"), job.AssignedRobotID)

	m.RequeueJob("bot-a", job.ID, "busy")

	// Only the rejecter is available, so the job stays pending.
	got := m.Job(job.ID)
	assert.Equal(t, model.JobPending, got.Status)
	assert.Contains(t, got.RejectedBy, model.RobotID("bot-a"))
	assert.Equal(t, model.RobotIdle, m.Robot("bot-a").Status())

	// A second robot picks it up on the next attempt.
	m.RegisterRobot(&fakeSession{id: "s2"}, registration("bot-b", "", 1))
	require.True(t, m.TryAssignJob(job.ID))
	assert.Equal(t, model.RobotID("bot-b"), m.Job(job.ID).AssignedRobotID)
}

func TestSendFailureRollsBackAssignment(t *testing.T) {
	m := newTestManager()
	sess := &fakeSession{id: "s1", fail: true}
	m.RegisterRobot(sess, registration("flaky-bot", "", 1))

	job := m.SubmitJob(JobSpec{WorkflowID: "wf"})
	assert.Equal(t, model.JobPending, job.Status)
	assert.Empty(t, job.AssignedRobotID)
	assert.Equal(t, model.RobotIdle, m.Robot("flaky-bot").Status())
}

func TestUnregisterRequeuesOrphans(t *testing.T) {
	bus := events.NewBus()
	m := NewManager(bus, Options{})

	var disconnects []map[string]any
	bus.Subscribe(events.RobotDisconnected, func(e *events.Event) {
		disconnects = append(disconnects, e.Data)
	})

	m.RegisterRobot(&fakeSession{id: "s1"}, registration("doomed-bot", "", 2))

	job := m.SubmitJob(JobSpec{WorkflowID: "wf"})
	require.Equal(t, model.JobAssigned, job.Status)

	backup := &fakeSession{id: "s2"}
	m.RegisterRobot(backup, registration("backup-bot", "", 1))

	m.UnregisterRobot("doomed-bot", "connection lost")

	require.Len(t, disconnects, 1)
	assert.Equal(t, "doomed-bot", disconnects[0]["robot_id"])
	assert.Equal(t, []string{string(job.ID)}, disconnects[0]["orphaned_job_ids"])

	got := m.Job(job.ID)
	assert.Equal(t, model.JobAssigned, got.Status)
	assert.Equal(t, model.RobotID("backup-bot"), got.AssignedRobotID)
	assert.Len(t, backup.assigns(), 1)
	assert.Nil(t, m.Robot("doomed-bot"))
}

func TestHeartbeatSweepUnregistersStaleRobots(t *testing.T) {
	bus := events.NewBus()
	var lost []string
	bus.Subscribe(events.RobotDisconnected, func(e *events.Event) {
		lost = append(lost, e.Data["reason"].(string))
	})

	m := NewManager(bus, Options{HeartbeatTimeout: 50 * time.Millisecond})
	m.RegisterRobot(&fakeSession{id: "s1"}, registration("quiet-bot", "", 1))

	m.mu.Lock()
	m.robots["quiet-bot"].LastHeartbeat = time.Now().Add(-time.Minute)
	m.mu.Unlock()

	m.sweepStale()

	assert.Nil(t, m.Robot("quiet-bot"))
	require.Len(t, lost, 1)
	assert.Equal(t, "heartbeat_lost", lost[0])
}

func TestHeartbeatRefreshSurvivesSweep(t *testing.T) {
	m := NewManager(events.NewBus(), Options{HeartbeatTimeout: time.Hour})
	m.RegisterRobot(&fakeSession{id: "s1"}, registration("live-bot", "", 1))

	m.UpdateHeartbeat("live-bot", protocol.Metrics{CurrentJobCount: 1})
	m.sweepStale()

	robot := m.Robot("live-bot")
	require.NotNil(t, robot)
	assert.Equal(t, 1, robot.Metrics.CurrentJobCount)
}

func TestJobCompletedFreesSlot(t *testing.T) {
	bus := events.NewBus()
	var completions int
	bus.Subscribe(events.JobCompleted, func(*events.Event) { completions++ })

	m := NewManager(bus, Options{})
	m.RegisterRobot(&fakeSession{id: "s1"}, registration("bot", "", 1))

	job := m.SubmitJob(JobSpec{WorkflowID: "wf"})
	m.JobCompleted("bot", job.ID, true, map[string]any{"rows": 5})

	assert.Equal(t, model.JobCompleted, m.Job(job.ID).Status)
	assert.Equal(t, model.RobotIdle, m.Robot("bot").Status())
	assert.Equal(t, 1, completions)

	// The freed slot accepts new work.
	next := m.SubmitJob(JobSpec{WorkflowID: "wf"})
	assert.Equal(t, model.JobAssigned, next.Status)
}

func TestFailedJobRecordsFailedStatus(t *testing.T) {
	m := newTestManager()
	m.RegisterRobot(&fakeSession{id: "s1"}, registration("bot", "", 1))

	job := m.SubmitJob(JobSpec{WorkflowID: "wf"})
	m.JobCompleted("bot", job.ID, false, nil)
	assert.Equal(t, model.JobFailed, m.Job(job.ID).Status)
}

func TestAdminBroadcastAndEviction(t *testing.T) {
	m := newTestManager()
	healthy := &fakeSession{id: "admin-1"}
	broken := &fakeSession{id: "admin-2", fail: true}
	m.AddAdmin(healthy)
	m.AddAdmin(broken)

	m.RegisterRobot(&fakeSession{id: "s1"}, registration("bot", "", 1))

	healthy.mu.Lock()
	got := len(healthy.sent)
	healthy.mu.Unlock()
	assert.Equal(t, 1, got)

	// The failing admin is evicted and closed.
	broken.mu.Lock()
	closed := broken.closed
	broken.mu.Unlock()
	assert.True(t, closed)

	m.mu.Lock()
	_, stillThere := m.admins["admin-2"]
	m.mu.Unlock()
	assert.False(t, stillThere)
}

func TestRegisterAssignsBacklogByPriority(t *testing.T) {
	m := newTestManager()
	low := m.SubmitJob(JobSpec{WorkflowID: "wf", Priority: 2})
	high := m.SubmitJob(JobSpec{WorkflowID: "wf", Priority: 9})
	require.Equal(t, model.JobPending, low.Status)
	require.Equal(t, model.JobPending, high.Status)

	m.RegisterRobot(&fakeSession{id: "s1"}, registration("late-bot", "", 1))

	assert.Equal(t, model.JobAssigned, m.Job(high.ID).Status)
	assert.Equal(t, model.JobPending, m.Job(low.ID).Status)
}

func TestCompletionUnblocksQueuedJob(t *testing.T) {
	m := newTestManager()
	m.RegisterRobot(&fakeSession{id: "s1"}, registration("bot", "", 1))

	first := m.SubmitJob(JobSpec{WorkflowID: "wf"})
	second := m.SubmitJob(JobSpec{WorkflowID: "wf"})
	require.Equal(t, model.JobAssigned, first.Status)
	require.Equal(t, model.JobPending, second.Status)

	m.JobCompleted("bot", first.ID, true, nil)
	assert.Equal(t, model.JobAssigned, m.Job(second.ID).Status)
}

func TestInvalidPriorityDefaultsToFive(t *testing.T) {
	m := newTestManager()
	job := m.SubmitJob(JobSpec{WorkflowID: "wf", Priority: 42})
	assert.Equal(t, 5, job.Priority)
}
