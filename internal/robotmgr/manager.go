// Package robotmgr is the orchestrator's fleet brain: it tracks
// connected robots, admits and queues jobs, assigns them with tenant
// isolation, and recovers from rejections and disconnects.
package robotmgr

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/casarerpa/core/internal/events"
	"github.com/casarerpa/core/internal/model"
	"github.com/casarerpa/core/internal/protocol"
	"github.com/casarerpa/core/internal/repository"
	"github.com/casarerpa/core/internal/resilience"
	"github.com/casarerpa/core/internal/session"
	"github.com/casarerpa/core/internal/telemetry"
)

const persistTimeout = 5 * time.Second

// ConnectedRobot is the live view of a robot session. It exists only in
// memory; repository.RobotRecord is its durable shadow.
type ConnectedRobot struct {
	ID           model.RobotID
	Name         string
	Hostname     string
	Environment  string
	TenantID     model.TenantID
	Capabilities protocol.Capabilities

	Session       session.Handle
	CurrentJobIDs map[model.JobID]struct{}
	LastHeartbeat time.Time
	Metrics       protocol.Metrics
	ConnectedAt   time.Time
}

// AvailableSlots is how many more jobs this robot can take.
func (r *ConnectedRobot) AvailableSlots() int {
	return r.Capabilities.MaxConcurrentJobs - len(r.CurrentJobIDs)
}

// Status derives from slot usage and is never stored.
func (r *ConnectedRobot) Status() model.RobotStatus {
	switch {
	case len(r.CurrentJobIDs) == 0:
		return model.RobotIdle
	case r.AvailableSlots() > 0:
		return model.RobotWorking
	default:
		return model.RobotBusy
	}
}

// hasCapabilities reports whether the robot advertises every required
// capability.
func (r *ConnectedRobot) hasCapabilities(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range r.Capabilities.Types {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// JobSpec is a job submission before admission.
type JobSpec struct {
	WorkflowID           model.WorkflowID
	WorkflowData         json.RawMessage
	Variables            map[string]any
	Priority             int
	TargetRobotID        model.RobotID
	RequiredCapabilities []string
	TimeoutMS            int
	TenantID             model.TenantID
}

// Options configures optional manager collaborators.
type Options struct {
	RobotRepo        repository.RobotRepository
	JobRepo          repository.JobRepository
	Breakers         *resilience.Registry
	Metrics          *telemetry.Metrics
	HeartbeatTimeout time.Duration
}

// Manager owns the fleet state. One mutex guards the four maps; every
// event emission and session send happens after the lock is released.
type Manager struct {
	mu          sync.Mutex
	connections map[model.RobotID]session.Handle
	robots      map[model.RobotID]*ConnectedRobot
	jobs        map[model.JobID]*model.Job
	admins      map[string]session.Handle

	bus              *events.Bus
	robotRepo        repository.RobotRepository
	jobRepo          repository.JobRepository
	breakers         *resilience.Registry
	metrics          *telemetry.Metrics
	heartbeatTimeout time.Duration
}

// NewManager builds a manager around an event bus.
func NewManager(bus *events.Bus, opts Options) *Manager {
	if opts.Breakers == nil {
		opts.Breakers = resilience.NewRegistry(resilience.DefaultBreakerConfig())
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewTestMetrics()
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 90 * time.Second
	}
	return &Manager{
		connections:      make(map[model.RobotID]session.Handle),
		robots:           make(map[model.RobotID]*ConnectedRobot),
		jobs:             make(map[model.JobID]*model.Job),
		admins:           make(map[string]session.Handle),
		bus:              bus,
		robotRepo:        opts.RobotRepo,
		jobRepo:          opts.JobRepo,
		breakers:         opts.Breakers,
		metrics:          opts.Metrics,
		heartbeatTimeout: opts.HeartbeatTimeout,
	}
}

// RegisterRobot admits a robot session into the fleet. Re-registration
// under the same id replaces the previous session.
func (m *Manager) RegisterRobot(sess session.Handle, reg *protocol.Register) *ConnectedRobot {
	robot := &ConnectedRobot{
		ID:            reg.RobotID,
		Name:          reg.RobotName,
		Hostname:      reg.Hostname,
		Environment:   reg.Environment,
		TenantID:      reg.TenantID,
		Capabilities:  reg.Capabilities,
		Session:       sess,
		CurrentJobIDs: make(map[model.JobID]struct{}),
		LastHeartbeat: time.Now(),
		ConnectedAt:   time.Now(),
	}
	if robot.Capabilities.MaxConcurrentJobs <= 0 {
		robot.Capabilities.MaxConcurrentJobs = 1
	}

	m.mu.Lock()
	m.robots[robot.ID] = robot
	m.connections[robot.ID] = sess
	m.mu.Unlock()

	m.persistRobot(robot, "online")
	m.metrics.RobotsConnected.Inc()
	slog.Info("[RobotManager] robot registered",
		"robot_id", robot.ID, "name", robot.Name, "tenant_id", robot.TenantID,
		"max_concurrent_jobs", robot.Capabilities.MaxConcurrentJobs)

	m.bus.Emit(events.RobotRegistered, "", map[string]any{
		"robot_id": string(robot.ID), "tenant_id": string(robot.TenantID),
	})
	m.broadcastAdmin(map[string]any{
		"type": "robot_connected", "ts": time.Now().UTC(),
		"robot_id": string(robot.ID), "robot_name": robot.Name,
	})

	m.AssignPending()
	return robot
}

// AssignPending attempts to place every pending job, highest priority
// first and oldest first within a priority.
func (m *Manager) AssignPending() {
	pending := m.PendingJobs()
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Priority > pending[j].Priority
	})
	for _, job := range pending {
		m.TryAssignJob(job.ID)
	}
}

// UnregisterRobot removes a robot and requeues its orphaned jobs.
func (m *Manager) UnregisterRobot(id model.RobotID, reason string) {
	m.mu.Lock()
	robot, ok := m.robots[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.robots, id)
	delete(m.connections, id)

	var orphans []model.JobID
	for jobID := range robot.CurrentJobIDs {
		if job, ok := m.jobs[jobID]; ok && !job.Terminal() {
			job.Status = model.JobPending
			job.AssignedRobotID = ""
			orphans = append(orphans, jobID)
		}
	}
	m.mu.Unlock()

	m.persistRobotStatus(id, "offline")
	m.metrics.RobotsConnected.Dec()
	slog.Info("[RobotManager] robot unregistered",
		"robot_id", id, "reason", reason, "orphaned_jobs", len(orphans))

	orphanIDs := make([]string, len(orphans))
	for i, jobID := range orphans {
		orphanIDs[i] = string(jobID)
	}
	m.bus.Emit(events.RobotDisconnected, "", map[string]any{
		"robot_id": string(id), "reason": reason, "orphaned_job_ids": orphanIDs,
	})
	m.broadcastAdmin(map[string]any{
		"type": "robot_disconnected", "ts": time.Now().UTC(),
		"robot_id": string(id), "reason": reason, "orphaned_job_ids": orphanIDs,
	})

	for _, jobID := range orphans {
		m.persistJobStatus(jobID, model.JobPending, "")
		m.TryAssignJob(jobID)
	}
}

// UpdateHeartbeat refreshes liveness and load for a robot.
func (m *Manager) UpdateHeartbeat(id model.RobotID, metrics protocol.Metrics) {
	m.mu.Lock()
	robot, ok := m.robots[id]
	if ok {
		robot.LastHeartbeat = time.Now()
		robot.Metrics = metrics
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if m.robotRepo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := m.robotRepo.UpdateHeartbeat(ctx, id, time.Now()); err != nil {
			slog.Warn("[RobotManager] heartbeat persist failed", "robot_id", id, "error", err)
		}
		cancel()
	}
	m.metrics.Heartbeats.Inc()
	m.bus.Emit(events.RobotHeartbeat, "", map[string]any{
		"robot_id": string(id), "current_job_count": metrics.CurrentJobCount,
	})
}

// StartHeartbeatSweeper unregisters robots whose last heartbeat is older
// than the configured timeout. Runs until ctx is done.
func (m *Manager) StartHeartbeatSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweepStale()
			}
		}
	}()
}

func (m *Manager) sweepStale() {
	cutoff := time.Now().Add(-m.heartbeatTimeout)

	m.mu.Lock()
	var stale []model.RobotID
	for id, robot := range m.robots {
		if robot.LastHeartbeat.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		slog.Warn("[RobotManager] heartbeat lost", "robot_id", id)
		m.UnregisterRobot(id, "heartbeat_lost")
	}
}

// SubmitJob admits a job and immediately attempts assignment.
func (m *Manager) SubmitJob(spec JobSpec) *model.Job {
	if spec.Priority < 1 || spec.Priority > 10 {
		spec.Priority = 5
	}
	job := &model.Job{
		ID:                   model.NewJobID(),
		WorkflowID:           spec.WorkflowID,
		WorkflowData:         spec.WorkflowData,
		Variables:            spec.Variables,
		Priority:             spec.Priority,
		TargetRobotID:        spec.TargetRobotID,
		RequiredCapabilities: spec.RequiredCapabilities,
		TimeoutMS:            spec.TimeoutMS,
		TenantID:             spec.TenantID,
		Status:               model.JobPending,
		CreatedAt:            time.Now().UTC(),
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	if m.jobRepo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := m.jobRepo.SaveJob(ctx, job); err != nil {
			slog.Warn("[RobotManager] job persist failed", "job_id", job.ID, "error", err)
		}
		cancel()
	}
	m.metrics.JobsSubmitted.Inc()
	m.bus.Emit(events.JobSubmitted, "", map[string]any{
		"job_id": string(job.ID), "workflow_id": string(job.WorkflowID),
	})

	m.TryAssignJob(job.ID)
	return m.snapshotJob(job.ID)
}

// TryAssignJob attempts to place a pending job on a suitable robot.
// Returns false when the job stays pending.
func (m *Manager) TryAssignJob(jobID model.JobID) bool {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status != model.JobPending {
		m.mu.Unlock()
		return false
	}

	robot := m.pickRobotLocked(job)
	if robot == nil {
		m.mu.Unlock()
		return false
	}

	// Optimistic claim; rolled back if the session send fails.
	job.Status = model.JobAssigned
	job.AssignedRobotID = robot.ID
	robot.CurrentJobIDs[job.ID] = struct{}{}
	sess := robot.Session
	robotID := robot.ID
	assign := &protocol.JobAssign{
		Header:       protocol.NewHeader(protocol.TypeJobAssign),
		JobID:        job.ID,
		WorkflowID:   job.WorkflowID,
		WorkflowData: job.WorkflowData,
		Variables:    job.Variables,
		Timeout:      job.TimeoutMS,
	}
	m.mu.Unlock()

	m.persistJobStatus(jobID, model.JobAssigned, robotID)

	breaker := m.breakers.Get("session:" + string(robotID))
	err := breaker.Do(func() error { return sess.Send(assign) })
	if err != nil {
		slog.Warn("[RobotManager] assignment send failed",
			"job_id", jobID, "robot_id", robotID, "error", err)
		m.mu.Lock()
		job.Status = model.JobPending
		job.AssignedRobotID = ""
		if r, ok := m.robots[robotID]; ok {
			delete(r.CurrentJobIDs, jobID)
		}
		m.mu.Unlock()
		m.persistJobStatus(jobID, model.JobPending, "")
		return false
	}

	m.metrics.JobsAssigned.WithLabelValues(string(robotID)).Inc()
	slog.Info("[RobotManager] job assigned", "job_id", jobID, "robot_id", robotID)
	m.bus.Emit(events.JobAssigned, "", map[string]any{
		"job_id": string(jobID), "robot_id": string(robotID),
	})
	return true
}

// pickRobotLocked selects the assignment target. Caller holds the lock.
func (m *Manager) pickRobotLocked(job *model.Job) *ConnectedRobot {
	if job.TargetRobotID != "" {
		robot, ok := m.robots[job.TargetRobotID]
		if !ok || !tenantMatch(job, robot) || robot.AvailableSlots() <= 0 {
			return nil
		}
		return robot
	}

	var candidates []*ConnectedRobot
	for _, robot := range m.robots {
		if robot.AvailableSlots() <= 0 ||
			!tenantMatch(job, robot) ||
			!robot.hasCapabilities(job.RequiredCapabilities) ||
			job.HasRejected(robot.ID) {
			continue
		}
		candidates = append(candidates, robot)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		li, lj := len(candidates[i].CurrentJobIDs), len(candidates[j].CurrentJobIDs)
		if li != lj {
			return li < lj
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0]
}

// tenantMatch is the isolation invariant: a null-tenant job may run
// anywhere, a null-tenant robot runs only null-tenant jobs.
func tenantMatch(job *model.Job, robot *ConnectedRobot) bool {
	return job.TenantID == "" || job.TenantID == robot.TenantID
}

// RequeueJob handles a robot rejecting (or failing to start) a job.
func (m *Manager) RequeueJob(robotID model.RobotID, jobID model.JobID, reason string) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if robot, ok := m.robots[robotID]; ok {
		delete(robot.CurrentJobIDs, jobID)
	}
	job.MarkRejected(robotID)
	job.Status = model.JobPending
	job.AssignedRobotID = ""
	m.mu.Unlock()

	m.persistJobStatus(jobID, model.JobPending, "")
	m.metrics.JobsRequeued.WithLabelValues(reason).Inc()
	slog.Info("[RobotManager] job requeued",
		"job_id", jobID, "robot_id", robotID, "reason", reason)
	m.bus.Emit(events.JobRequeued, "", map[string]any{
		"job_id": string(jobID), "robot_id": string(robotID), "reason": reason,
	})
	m.broadcastAdmin(map[string]any{
		"type": "job_requeued", "ts": time.Now().UTC(),
		"job_id": string(jobID), "reason": reason,
	})

	m.TryAssignJob(jobID)
}

// JobCompleted records a completion reported by a robot.
func (m *Manager) JobCompleted(robotID model.RobotID, jobID model.JobID, success bool, result map[string]any) {
	status := model.JobCompleted
	if !success {
		status = model.JobFailed
	}

	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if robot, ok := m.robots[robotID]; ok {
		delete(robot.CurrentJobIDs, jobID)
	}
	job.Status = status
	m.mu.Unlock()

	m.persistJobStatus(jobID, status, robotID)
	m.metrics.JobsCompleted.WithLabelValues(string(status)).Inc()
	slog.Info("[RobotManager] job completed",
		"job_id", jobID, "robot_id", robotID, "success", success)
	m.bus.Emit(events.JobCompleted, "", map[string]any{
		"job_id": string(jobID), "robot_id": string(robotID),
		"success": success, "result": result,
	})
	m.broadcastAdmin(map[string]any{
		"type": "job_completed", "ts": time.Now().UTC(),
		"job_id": string(jobID), "success": success,
	})

	// The freed slot may unblock a queued job.
	m.AssignPending()
}

// Robot returns the live robot, or nil.
func (m *Manager) Robot(id model.RobotID) *ConnectedRobot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.robots[id]
}

// Robots snapshots the connected fleet sorted by id.
func (m *Manager) Robots() []*ConnectedRobot {
	m.mu.Lock()
	out := make([]*ConnectedRobot, 0, len(m.robots))
	for _, r := range m.robots {
		out = append(out, r)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Job returns a copy of a job's current state, or nil.
func (m *Manager) Job(id model.JobID) *model.Job { return m.snapshotJob(id) }

// PendingJobs lists jobs awaiting assignment, oldest first.
func (m *Manager) PendingJobs() []*model.Job {
	m.mu.Lock()
	var out []*model.Job
	for _, job := range m.jobs {
		if job.Status == model.JobPending {
			c := *job
			out = append(out, &c)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Manager) snapshotJob(id model.JobID) *model.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil
	}
	c := *job
	return &c
}

func (m *Manager) persistRobot(robot *ConnectedRobot, status string) {
	if m.robotRepo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	err := m.robotRepo.SaveRobot(ctx, &repository.RobotRecord{
		ID:                robot.ID,
		Name:              robot.Name,
		Hostname:          robot.Hostname,
		Environment:       robot.Environment,
		TenantID:          robot.TenantID,
		Capabilities:      robot.Capabilities.Types,
		MaxConcurrentJobs: robot.Capabilities.MaxConcurrentJobs,
		Status:            status,
		LastHeartbeat:     robot.LastHeartbeat,
	})
	if err != nil {
		slog.Warn("[RobotManager] robot persist failed", "robot_id", robot.ID, "error", err)
	}
}

func (m *Manager) persistRobotStatus(id model.RobotID, status string) {
	if m.robotRepo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.robotRepo.UpdateRobotStatus(ctx, id, status); err != nil {
		slog.Warn("[RobotManager] robot status persist failed", "robot_id", id, "error", err)
	}
}

func (m *Manager) persistJobStatus(id model.JobID, status model.JobStatus, assignedTo model.RobotID) {
	if m.jobRepo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.jobRepo.UpdateJobStatus(ctx, id, status, assignedTo); err != nil {
		slog.Warn("[RobotManager] job status persist failed", "job_id", id, "error", err)
	}
}
