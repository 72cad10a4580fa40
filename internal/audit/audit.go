// Package audit is the append-only, hash-chained event log. Every row
// carries a SHA-256 chain over the previous row's hash, so any
// after-the-fact edit breaks verification from that point on.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/casarerpa/core/internal/model"
)

// genesisHash seeds the chain before any event exists.
const genesisHash = "genesis"

// tsFormat is the canonical timestamp encoding. Timestamps are stored
// as text so the chain input is byte-identical across drivers.
const tsFormat = time.RFC3339Nano

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id            TEXT PRIMARY KEY,
	seq           INTEGER NOT NULL,
	event_type    TEXT NOT NULL,
	timestamp     TEXT NOT NULL,
	resource      TEXT NOT NULL DEFAULT '',
	workflow_id   TEXT NOT NULL DEFAULT '',
	robot_id      TEXT NOT NULL DEFAULT '',
	user_id       TEXT NOT NULL DEFAULT '',
	success       INTEGER NOT NULL DEFAULT 1,
	error_message TEXT NOT NULL DEFAULT '',
	client_ip     TEXT NOT NULL DEFAULT '',
	metadata      TEXT,
	hash_chain    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_seq ON audit_events (seq);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events (timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_events (event_type);
CREATE INDEX IF NOT EXISTS idx_audit_resource ON audit_events (resource);
CREATE INDEX IF NOT EXISTS idx_audit_workflow ON audit_events (workflow_id);
CREATE INDEX IF NOT EXISTS idx_audit_robot ON audit_events (robot_id);
CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_events (user_id);
CREATE INDEX IF NOT EXISTS idx_audit_success ON audit_events (success);

CREATE TABLE IF NOT EXISTS audit_cleanup_history (
	id             TEXT PRIMARY KEY,
	executed_at    TEXT NOT NULL,
	retention_days INTEGER NOT NULL,
	deleted_count  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_integrity_checks (
	id               TEXT PRIMARY KEY,
	executed_at      TEXT NOT NULL,
	events_checked   INTEGER NOT NULL,
	valid            INTEGER NOT NULL,
	first_invalid_id TEXT NOT NULL DEFAULT ''
);
`

// Event is one audit record.
type Event struct {
	ID           string           `json:"id"`
	EventType    string           `json:"event_type"`
	Timestamp    time.Time        `json:"timestamp"`
	Resource     string           `json:"resource,omitempty"`
	WorkflowID   model.WorkflowID `json:"workflow_id,omitempty"`
	RobotID      model.RobotID    `json:"robot_id,omitempty"`
	UserID       string           `json:"user_id,omitempty"`
	Success      bool             `json:"success"`
	ErrorMessage string           `json:"error_message,omitempty"`
	ClientIP     string           `json:"client_ip,omitempty"`
	Metadata     map[string]any   `json:"metadata,omitempty"`
	HashChain    string           `json:"hash_chain"`
}

// Filter narrows queries and exports. Zero values mean "any".
type Filter struct {
	EventType  string
	Resource   string
	WorkflowID model.WorkflowID
	RobotID    model.RobotID
	UserID     string
	Success    *bool
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

// IntegrityReport is the result of a chain walk.
type IntegrityReport struct {
	Valid          bool   `json:"valid"`
	EventsChecked  int    `json:"events_checked"`
	FirstInvalidID string `json:"first_invalid_id,omitempty"`
}

// Repository writes and reads the audit chain. The cached last hash and
// sequence are guarded by mu; all writes serialize through it so the
// chain never forks.
type Repository struct {
	db       *sql.DB
	postgres bool

	mu       sync.Mutex
	lastHash string
	lastSeq  int64
}

// Open connects to the audit database ("sqlite3" or "postgres"),
// ensures the schema, and loads the chain tail.
func Open(driver, dsn string) (*Repository, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	r := &Repository{db: db, postgres: driver == "postgres"}
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure audit schema: %w", err)
	}
	if err := r.loadTail(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// Close releases the database handle.
func (r *Repository) Close() error { return r.db.Close() }

func (r *Repository) loadTail() error {
	row := r.db.QueryRow(r.rebind(`SELECT seq, hash_chain FROM audit_events ORDER BY seq DESC LIMIT 1`))
	err := row.Scan(&r.lastSeq, &r.lastHash)
	if err == sql.ErrNoRows {
		r.lastHash = genesisHash
		return nil
	}
	if err != nil {
		return fmt.Errorf("load audit chain tail: %w", err)
	}
	return nil
}

// rebind converts ? placeholders to $n for the postgres driver.
func (r *Repository) rebind(query string) string {
	if !r.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

// chainHash computes the hash for one event given its predecessor.
func chainHash(prev, id string, ts time.Time, eventType string) string {
	sum := sha256.Sum256([]byte(prev + ":" + id + ":" + ts.UTC().Format(tsFormat) + ":" + eventType))
	return hex.EncodeToString(sum[:])
}

// Record appends one event to the chain.
func (r *Repository) Record(ctx context.Context, e *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit write: %w", err)
	}
	defer tx.Rollback()

	if err := r.insertLocked(ctx, tx, e); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit write: %w", err)
	}
	r.lastHash = e.HashChain
	r.lastSeq++
	return nil
}

// RecordBatch appends events atomically, chaining each to the previous
// record in the batch.
func (r *Repository) RecordBatch(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit batch: %w", err)
	}
	defer tx.Rollback()

	savedHash, savedSeq := r.lastHash, r.lastSeq
	for _, e := range events {
		if err := r.insertLocked(ctx, tx, e); err != nil {
			r.lastHash, r.lastSeq = savedHash, savedSeq
			return err
		}
		r.lastHash = e.HashChain
		r.lastSeq++
	}
	if err := tx.Commit(); err != nil {
		r.lastHash, r.lastSeq = savedHash, savedSeq
		return fmt.Errorf("commit audit batch: %w", err)
	}
	return nil
}

// insertLocked fills defaults, chains, and inserts. Caller holds mu and
// is responsible for advancing the cached tail on success.
func (r *Repository) insertLocked(ctx context.Context, tx *sql.Tx, e *Event) error {
	if e.ID == "" {
		e.ID = model.NewEventID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
	e.HashChain = chainHash(r.lastHash, e.ID, e.Timestamp, e.EventType)

	var metadata any
	if e.Metadata != nil {
		blob, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
		metadata = string(blob)
	}

	success := 0
	if e.Success {
		success = 1
	}
	_, err := tx.ExecContext(ctx, r.rebind(`
		INSERT INTO audit_events (id, seq, event_type, timestamp, resource, workflow_id, robot_id, user_id, success, error_message, client_ip, metadata, hash_chain)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, r.lastSeq+1, e.EventType, e.Timestamp.Format(tsFormat),
		e.Resource, string(e.WorkflowID), string(e.RobotID), e.UserID,
		success, e.ErrorMessage, e.ClientIP, metadata, e.HashChain)
	if err != nil {
		return fmt.Errorf("insert audit event %s: %w", e.ID, err)
	}
	return nil
}

// Query returns events matching the filter in insertion order.
func (r *Repository) Query(ctx context.Context, f Filter) ([]*Event, error) {
	where, args := buildWhere(f)
	query := `SELECT id, event_type, timestamp, resource, workflow_id, robot_id, user_id, success, error_message, client_ip, metadata, hash_chain
		FROM audit_events` + where + ` ORDER BY seq`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func buildWhere(f Filter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		conds = append(conds, cond)
		args = append(args, arg)
	}
	if f.EventType != "" {
		add("event_type = ?", f.EventType)
	}
	if f.Resource != "" {
		add("resource = ?", f.Resource)
	}
	if f.WorkflowID != "" {
		add("workflow_id = ?", string(f.WorkflowID))
	}
	if f.RobotID != "" {
		add("robot_id = ?", string(f.RobotID))
	}
	if f.UserID != "" {
		add("user_id = ?", f.UserID)
	}
	if f.Success != nil {
		v := 0
		if *f.Success {
			v = 1
		}
		add("success = ?", v)
	}
	if !f.From.IsZero() {
		add("timestamp >= ?", f.From.UTC().Format(tsFormat))
	}
	if !f.To.IsZero() {
		add("timestamp <= ?", f.To.UTC().Format(tsFormat))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanEvent(rows *sql.Rows) (*Event, error) {
	e := &Event{}
	var ts string
	var success int
	var metadata sql.NullString
	err := rows.Scan(&e.ID, &e.EventType, &ts, &e.Resource, &e.WorkflowID, &e.RobotID,
		&e.UserID, &success, &e.ErrorMessage, &e.ClientIP, &metadata, &e.HashChain)
	if err != nil {
		return nil, fmt.Errorf("scan audit event: %w", err)
	}
	e.Timestamp, err = time.Parse(tsFormat, ts)
	if err != nil {
		return nil, fmt.Errorf("parse audit timestamp %q: %w", ts, err)
	}
	e.Success = success != 0
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode audit metadata for %s: %w", e.ID, err)
		}
	}
	return e, nil
}

// VerifyIntegrity walks the chain in insertion order, recomputing each
// hash. Every row is examined; the report carries the id of the first
// mismatch. A check row is recorded either way. limit <= 0 checks
// everything.
func (r *Repository) VerifyIntegrity(ctx context.Context, limit int) (*IntegrityReport, error) {
	query := `SELECT id, event_type, timestamp, hash_chain FROM audit_events ORDER BY seq`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("walk audit chain: %w", err)
	}
	defer rows.Close()

	report := &IntegrityReport{Valid: true}
	prev := genesisHash
	for rows.Next() {
		var id, eventType, ts, stored string
		if err := rows.Scan(&id, &eventType, &ts, &stored); err != nil {
			return nil, fmt.Errorf("scan audit chain row: %w", err)
		}
		parsed, err := time.Parse(tsFormat, ts)
		if err != nil {
			return nil, fmt.Errorf("parse audit timestamp %q: %w", ts, err)
		}
		if chainHash(prev, id, parsed, eventType) != stored && report.Valid {
			report.Valid = false
			report.FirstInvalidID = id
		}
		report.EventsChecked++
		// Later rows chain off the stored hash, so the walk continues
		// past a mismatch and still validates the tail.
		prev = stored
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Release the cursor before writing the check row: the sqlite pool
	// holds a single connection.
	rows.Close()

	valid := 0
	if report.Valid {
		valid = 1
	}
	_, err = r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO audit_integrity_checks (id, executed_at, events_checked, valid, first_invalid_id)
		VALUES (?, ?, ?, ?, ?)`),
		model.NewEventID(), time.Now().UTC().Format(tsFormat),
		report.EventsChecked, valid, report.FirstInvalidID)
	if err != nil {
		return nil, fmt.Errorf("record integrity check: %w", err)
	}
	return report, nil
}

// CleanupOldEvents deletes events older than the retention window and
// writes a history row. Returns the number of rows deleted.
func (r *Repository) CleanupOldEvents(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(tsFormat)

	res, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM audit_events WHERE timestamp < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup audit events: %w", err)
	}
	deleted, _ := res.RowsAffected()

	_, err = r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO audit_cleanup_history (id, executed_at, retention_days, deleted_count)
		VALUES (?, ?, ?, ?)`),
		model.NewEventID(), time.Now().UTC().Format(tsFormat), retentionDays, deleted)
	if err != nil {
		return deleted, fmt.Errorf("record cleanup history: %w", err)
	}
	return deleted, nil
}
