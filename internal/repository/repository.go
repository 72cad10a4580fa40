// Package repository persists fleet state that must outlive an
// orchestrator process: robot records, job records, tenants and their
// API keys. The robot manager treats all persistence as best-effort;
// the in-memory maps remain the source of truth for live state.
package repository

import (
	"context"
	"time"

	"github.com/casarerpa/core/internal/model"
)

// RobotRecord is the durable view of a robot. Live session state
// (connections, current jobs) never persists.
type RobotRecord struct {
	ID                model.RobotID
	Name              string
	Hostname          string
	Environment       string
	TenantID          model.TenantID
	Capabilities      []string
	MaxConcurrentJobs int
	Status            string
	LastHeartbeat     time.Time
}

// RobotRepository stores robot records.
type RobotRepository interface {
	SaveRobot(ctx context.Context, rec *RobotRecord) error
	UpdateRobotStatus(ctx context.Context, id model.RobotID, status string) error
	UpdateHeartbeat(ctx context.Context, id model.RobotID, at time.Time) error
	ListRobots(ctx context.Context) ([]*RobotRecord, error)
}

// JobRepository stores job lifecycle transitions.
type JobRepository interface {
	SaveJob(ctx context.Context, job *model.Job) error
	UpdateJobStatus(ctx context.Context, id model.JobID, status model.JobStatus, assignedTo model.RobotID) error
	GetJob(ctx context.Context, id model.JobID) (*model.Job, error)
}

// Tenant is an isolation boundary for robots and jobs.
type Tenant struct {
	ID        model.TenantID
	Name      string
	Status    string
	CreatedAt time.Time
}

// APIKey is a stored tenant credential. Only the secret's bcrypt hash
// is persisted; the full key is shown once at creation.
type APIKey struct {
	KeyID     string
	TenantID  model.TenantID
	Name      string
	KeyHash   string
	IsActive  bool
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// TenantRepository stores tenants and their API keys.
type TenantRepository interface {
	GetTenant(ctx context.Context, id model.TenantID) (*Tenant, error)
	CreateTenant(ctx context.Context, t *Tenant) error
	CreateAPIKey(ctx context.Context, k *APIKey) error
	GetAPIKey(ctx context.Context, keyID string) (*APIKey, error)
}
