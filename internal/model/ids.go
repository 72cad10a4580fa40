// Package model defines the shared value types of the CasareRPA backbone:
// identifiers, port types, statuses, and the node execution result shape.
package model

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// NodeID identifies a node within one workflow graph.
type NodeID string

// JobID identifies a scheduled job fleet-wide. Always a UUID v4.
type JobID string

// RobotID identifies a robot agent.
type RobotID string

// TenantID identifies an isolation boundary for robots and jobs.
type TenantID string

// WorkflowID identifies a stored workflow definition.
type WorkflowID string

// CheckpointID identifies one checkpoint snapshot. 8 hex chars.
type CheckpointID string

// NewJobID allocates a fresh job identifier.
func NewJobID() JobID {
	return JobID(uuid.NewString())
}

// NewCheckpointID allocates a fresh 8-character checkpoint identifier.
func NewCheckpointID() CheckpointID {
	b := make([]byte, 4)
	rand.Read(b)
	return CheckpointID(hex.EncodeToString(b))
}

// NewEventID allocates an identifier for audit and bus events.
func NewEventID() string {
	return uuid.NewString()
}
