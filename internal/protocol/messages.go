// Package protocol defines the orchestrator/robot wire protocol: typed
// JSON messages framed with a length prefix over a full-duplex transport.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/casarerpa/core/internal/model"
)

// MsgType discriminates messages on the wire.
type MsgType string

// Robot to orchestrator.
const (
	TypeRegister    MsgType = "register"
	TypeHeartbeat   MsgType = "heartbeat"
	TypeJobAccept   MsgType = "job_accept"
	TypeJobReject   MsgType = "job_reject"
	TypeJobComplete MsgType = "job_complete"
	TypeLog         MsgType = "log"
)

// Orchestrator to robot.
const (
	TypeWelcome   MsgType = "welcome"
	TypeJobAssign MsgType = "job_assign"
	TypeJobCancel MsgType = "job_cancel"
	TypeShutdown  MsgType = "shutdown"
)

// Header is embedded in every message.
type Header struct {
	Type MsgType   `json:"type"`
	TS   time.Time `json:"ts"`
}

// NewHeader stamps a header with the current UTC time.
func NewHeader(t MsgType) Header {
	return Header{Type: t, TS: time.Now().UTC()}
}

// Capabilities describes what a robot can run.
type Capabilities struct {
	Types             []string `json:"types"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
}

// Metrics is the robot load snapshot carried by heartbeats.
type Metrics struct {
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryMB        float64 `json:"memory_mb"`
	CurrentJobCount int     `json:"current_job_count"`
}

// Register announces a robot to the orchestrator.
type Register struct {
	Header
	RobotID      model.RobotID  `json:"robot_id"`
	RobotName    string         `json:"robot_name"`
	Hostname     string         `json:"hostname"`
	Environment  string         `json:"environment"`
	TenantID     model.TenantID `json:"tenant_id,omitempty"`
	Capabilities Capabilities   `json:"capabilities"`
}

// Heartbeat reports liveness and load.
type Heartbeat struct {
	Header
	Metrics Metrics `json:"metrics"`
}

// JobAccept acknowledges an assignment.
type JobAccept struct {
	Header
	JobID model.JobID `json:"job_id"`
}

// JobReject declines an assignment.
type JobReject struct {
	Header
	JobID  model.JobID `json:"job_id"`
	Reason string      `json:"reason"`
}

// JobComplete reports a finished job.
type JobComplete struct {
	Header
	JobID   model.JobID    `json:"job_id"`
	Success bool           `json:"success"`
	Result  map[string]any `json:"result,omitempty"`
}

// Log forwards a robot-side log line to the orchestrator.
type Log struct {
	Header
	JobID   model.JobID `json:"job_id,omitempty"`
	Level   string      `json:"level"`
	Message string      `json:"message"`
}

// Welcome confirms a session after registration.
type Welcome struct {
	Header
	ServerVersion string `json:"server_version"`
	SessionID     string `json:"session_id"`
}

// JobAssign dispatches a job with its full workflow payload.
type JobAssign struct {
	Header
	JobID        model.JobID      `json:"job_id"`
	WorkflowID   model.WorkflowID `json:"workflow_id"`
	WorkflowData json.RawMessage  `json:"workflow_data"`
	Variables    map[string]any   `json:"variables,omitempty"`
	Timeout      int              `json:"timeout"`
}

// JobCancel aborts an assigned job.
type JobCancel struct {
	Header
	JobID model.JobID `json:"job_id"`
}

// Shutdown tells a robot to disconnect.
type Shutdown struct {
	Header
	Reason string `json:"reason"`
}

// Encode marshals a message for the wire. The message must carry a typed
// Header; untyped messages are rejected to keep the wire self-describing.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	var probe Header
	if err := json.Unmarshal(data, &probe); err != nil || probe.Type == "" {
		return nil, fmt.Errorf("message has no type field")
	}
	return data, nil
}

// Peek extracts the message type without decoding the full payload.
// Unknown types are the caller's business: the protocol contract is to
// log and ignore them, never to fail the session.
func Peek(data []byte) (MsgType, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return "", fmt.Errorf("decode message header: %w", err)
	}
	if h.Type == "" {
		return "", fmt.Errorf("message has no type field")
	}
	return h.Type, nil
}

// Decode unmarshals a full message into the concrete struct for its type.
func Decode[T any](data []byte) (*T, error) {
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &msg, nil
}
