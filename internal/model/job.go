package model

import (
	"encoding/json"
	"time"
)

// Job is one unit of work the orchestrator dispatches to a robot. The
// workflow schema travels with the job so robots need no shared storage.
type Job struct {
	ID           JobID           `json:"job_id"`
	WorkflowID   WorkflowID      `json:"workflow_id"`
	WorkflowData json.RawMessage `json:"workflow_data,omitempty"`
	Variables    map[string]any  `json:"variables,omitempty"`

	// Priority ranges 1 (lowest) to 10.
	Priority             int      `json:"priority"`
	TargetRobotID        RobotID  `json:"target_robot_id,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	TimeoutMS            int      `json:"timeout_ms,omitempty"`
	TenantID             TenantID `json:"tenant_id,omitempty"`

	Status          JobStatus `json:"status"`
	AssignedRobotID RobotID   `json:"assigned_robot_id,omitempty"`
	// RejectedBy lists robots that rejected or orphaned this job; they are
	// excluded from reassignment.
	RejectedBy []RobotID `json:"rejected_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// HasRejected reports whether a robot already rejected this job.
func (j *Job) HasRejected(id RobotID) bool {
	for _, r := range j.RejectedBy {
		if r == id {
			return true
		}
	}
	return false
}

// MarkRejected adds a robot to the rejection set exactly once.
func (j *Job) MarkRejected(id RobotID) {
	if !j.HasRejected(id) {
		j.RejectedBy = append(j.RejectedBy, id)
	}
}

// Terminal reports whether the job reached a final status.
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// JobCompletion is a robot-side record of a finished job, queued durably
// until the orchestrator acknowledges it.
type JobCompletion struct {
	JobID       JobID          `json:"job_id"`
	Success     bool           `json:"success"`
	Result      map[string]any `json:"result,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
}
