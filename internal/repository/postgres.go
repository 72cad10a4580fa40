package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/casarerpa/core/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS robots (
	robot_id            TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	hostname            TEXT NOT NULL DEFAULT '',
	environment         TEXT NOT NULL DEFAULT '',
	tenant_id           TEXT,
	capabilities        TEXT[] NOT NULL DEFAULT '{}',
	max_concurrent_jobs INTEGER NOT NULL DEFAULT 1,
	status              TEXT NOT NULL DEFAULT 'offline',
	last_heartbeat      TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS jobs (
	job_id            TEXT PRIMARY KEY,
	workflow_id       TEXT NOT NULL,
	variables         JSONB,
	priority          INTEGER NOT NULL DEFAULT 5,
	tenant_id         TEXT,
	status            TEXT NOT NULL,
	assigned_robot_id TEXT,
	created_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);

CREATE TABLE IF NOT EXISTS tenants (
	tenant_id  TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'ACTIVE',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS tenant_api_keys (
	key_id     TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL REFERENCES tenants (tenant_id),
	name       TEXT NOT NULL DEFAULT '',
	key_hash   TEXT NOT NULL,
	is_active  BOOLEAN NOT NULL DEFAULT TRUE,
	expires_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL
);
`

// Postgres bundles the three repository contracts over one database.
type Postgres struct {
	db *sql.DB
}

var (
	_ RobotRepository  = (*Postgres)(nil)
	_ JobRepository    = (*Postgres)(nil)
	_ TenantRepository = (*Postgres)(nil)
)

// OpenPostgres connects with the lib/pq driver and ensures the schema.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) SaveRobot(ctx context.Context, rec *RobotRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO robots (robot_id, name, hostname, environment, tenant_id, capabilities, max_concurrent_jobs, status, last_heartbeat)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9)
		ON CONFLICT (robot_id) DO UPDATE SET
			name = EXCLUDED.name,
			hostname = EXCLUDED.hostname,
			environment = EXCLUDED.environment,
			tenant_id = EXCLUDED.tenant_id,
			capabilities = EXCLUDED.capabilities,
			max_concurrent_jobs = EXCLUDED.max_concurrent_jobs,
			status = EXCLUDED.status,
			last_heartbeat = EXCLUDED.last_heartbeat`,
		string(rec.ID), rec.Name, rec.Hostname, rec.Environment, string(rec.TenantID),
		pq.Array(rec.Capabilities), rec.MaxConcurrentJobs, rec.Status, rec.LastHeartbeat)
	if err != nil {
		return fmt.Errorf("save robot %s: %w", rec.ID, err)
	}
	return nil
}

func (p *Postgres) UpdateRobotStatus(ctx context.Context, id model.RobotID, status string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE robots SET status = $2 WHERE robot_id = $1`, string(id), status)
	if err != nil {
		return fmt.Errorf("update robot %s status: %w", id, err)
	}
	return nil
}

func (p *Postgres) UpdateHeartbeat(ctx context.Context, id model.RobotID, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `UPDATE robots SET last_heartbeat = $2 WHERE robot_id = $1`, string(id), at)
	if err != nil {
		return fmt.Errorf("update robot %s heartbeat: %w", id, err)
	}
	return nil
}

func (p *Postgres) ListRobots(ctx context.Context) ([]*RobotRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT robot_id, name, hostname, environment, COALESCE(tenant_id, ''), capabilities, max_concurrent_jobs, status, COALESCE(last_heartbeat, 'epoch'::timestamptz)
		FROM robots ORDER BY robot_id`)
	if err != nil {
		return nil, fmt.Errorf("list robots: %w", err)
	}
	defer rows.Close()

	var out []*RobotRecord
	for rows.Next() {
		rec := &RobotRecord{}
		var caps pq.StringArray
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Hostname, &rec.Environment, &rec.TenantID,
			&caps, &rec.MaxConcurrentJobs, &rec.Status, &rec.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("scan robot row: %w", err)
		}
		rec.Capabilities = caps
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveJob(ctx context.Context, job *model.Job) error {
	vars, err := json.Marshal(job.Variables)
	if err != nil {
		return fmt.Errorf("marshal job variables: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, workflow_id, variables, priority, tenant_id, status, assigned_robot_id, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NULLIF($7, ''), $8)
		ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status,
			assigned_robot_id = EXCLUDED.assigned_robot_id`,
		string(job.ID), string(job.WorkflowID), vars, job.Priority,
		string(job.TenantID), string(job.Status), string(job.AssignedRobotID), job.CreatedAt)
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

func (p *Postgres) UpdateJobStatus(ctx context.Context, id model.JobID, status model.JobStatus, assignedTo model.RobotID) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET status = $2, assigned_robot_id = NULLIF($3, '') WHERE job_id = $1`,
		string(id), string(status), string(assignedTo))
	if err != nil {
		return fmt.Errorf("update job %s status: %w", id, err)
	}
	return nil
}

func (p *Postgres) GetJob(ctx context.Context, id model.JobID) (*model.Job, error) {
	job := &model.Job{}
	var vars []byte
	var tenant, assigned sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT job_id, workflow_id, COALESCE(variables, 'null'), priority, tenant_id, status, assigned_robot_id, created_at
		FROM jobs WHERE job_id = $1`, string(id)).
		Scan(&job.ID, &job.WorkflowID, &vars, &job.Priority, &tenant, &job.Status, &assigned, &job.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if err := json.Unmarshal(vars, &job.Variables); err != nil {
		return nil, fmt.Errorf("decode job %s variables: %w", id, err)
	}
	job.TenantID = model.TenantID(tenant.String)
	job.AssignedRobotID = model.RobotID(assigned.String)
	return job, nil
}

func (p *Postgres) GetTenant(ctx context.Context, id model.TenantID) (*Tenant, error) {
	t := &Tenant{}
	err := p.db.QueryRowContext(ctx, `
		SELECT tenant_id, name, status, created_at FROM tenants WHERE tenant_id = $1`, string(id)).
		Scan(&t.ID, &t.Name, &t.Status, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant %s: %w", id, err)
	}
	return t, nil
}

func (p *Postgres) CreateTenant(ctx context.Context, t *Tenant) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tenants (tenant_id, name, status, created_at) VALUES ($1, $2, $3, $4)`,
		string(t.ID), t.Name, t.Status, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create tenant %s: %w", t.ID, err)
	}
	return nil
}

func (p *Postgres) CreateAPIKey(ctx context.Context, k *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tenant_api_keys (key_id, tenant_id, name, key_hash, is_active, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		k.KeyID, string(k.TenantID), k.Name, k.KeyHash, k.IsActive, k.ExpiresAt, k.CreatedAt)
	if err != nil {
		return fmt.Errorf("create api key %s: %w", k.KeyID, err)
	}
	return nil
}

func (p *Postgres) GetAPIKey(ctx context.Context, keyID string) (*APIKey, error) {
	k := &APIKey{}
	err := p.db.QueryRowContext(ctx, `
		SELECT key_id, tenant_id, name, key_hash, is_active, expires_at, created_at
		FROM tenant_api_keys WHERE key_id = $1`, keyID).
		Scan(&k.KeyID, &k.TenantID, &k.Name, &k.KeyHash, &k.IsActive, &k.ExpiresAt, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get api key %s: %w", keyID, err)
	}
	return k, nil
}
