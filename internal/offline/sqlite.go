package offline

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/casarerpa/core/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	job_id        TEXT NOT NULL,
	checkpoint_id TEXT NOT NULL,
	node_id       TEXT NOT NULL,
	state_blob    BLOB NOT NULL,
	created_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_job ON checkpoints(job_id, created_at DESC);

CREATE TABLE IF NOT EXISTS pending_jobs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id     TEXT NOT NULL,
	payload    BLOB NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_completions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id     TEXT NOT NULL,
	payload    BLOB NOT NULL,
	created_at TIMESTAMP NOT NULL
);
`

// SQLiteStore is the file-backed Store. WAL journaling gives per-record
// atomicity under hard kills.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the store at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create offline store dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open offline store %s: %w", path, err)
	}
	// One writer at a time; sqlite serializes anyway and this avoids
	// SQLITE_BUSY churn from pool connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply offline store schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) SaveCheckpoint(jobID model.JobID, checkpointID model.CheckpointID, nodeID model.NodeID, state []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO checkpoints (job_id, checkpoint_id, node_id, state_blob, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(jobID), string(checkpointID), string(nodeID), state, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save checkpoint %s/%s: %w", jobID, checkpointID, err)
	}
	return nil
}

func (s *SQLiteStore) GetLatestCheckpoint(jobID model.JobID) ([]byte, error) {
	row := s.db.QueryRow(
		`SELECT state_blob FROM checkpoints WHERE job_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		string(jobID))
	var blob []byte
	switch err := row.Scan(&blob); err {
	case nil:
		return blob, nil
	case sql.ErrNoRows:
		return nil, nil
	default:
		return nil, fmt.Errorf("load checkpoint for %s: %w", jobID, err)
	}
}

func (s *SQLiteStore) ClearCheckpoints(jobID model.JobID) error {
	_, err := s.db.Exec(`DELETE FROM checkpoints WHERE job_id = ?`, string(jobID))
	if err != nil {
		return fmt.Errorf("clear checkpoints for %s: %w", jobID, err)
	}
	return nil
}

func (s *SQLiteStore) EnqueueJob(job *model.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO pending_jobs (job_id, payload, created_at) VALUES (?, ?, ?)`,
		string(job.ID), payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

func (s *SQLiteStore) DrainJobs() ([]*model.Job, error) {
	var out []*model.Job
	err := s.drain("pending_jobs", func(payload []byte) error {
		var j model.Job
		if err := json.Unmarshal(payload, &j); err != nil {
			return err
		}
		out = append(out, &j)
		return nil
	})
	return out, err
}

func (s *SQLiteStore) EnqueueCompletion(c *model.JobCompletion) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode completion %s: %w", c.JobID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO pending_completions (job_id, payload, created_at) VALUES (?, ?, ?)`,
		string(c.JobID), payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("enqueue completion %s: %w", c.JobID, err)
	}
	return nil
}

func (s *SQLiteStore) DrainCompletions() ([]*model.JobCompletion, error) {
	var out []*model.JobCompletion
	err := s.drain("pending_completions", func(payload []byte) error {
		var c model.JobCompletion
		if err := json.Unmarshal(payload, &c); err != nil {
			return err
		}
		out = append(out, &c)
		return nil
	})
	return out, err
}

// drain reads all rows of a queue table in insertion order and deletes
// them in the same transaction. A decode failure drops that row only.
func (s *SQLiteStore) drain(table string, decode func([]byte) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("drain %s: %w", table, err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id, payload FROM ` + table + ` ORDER BY id`)
	if err != nil {
		return fmt.Errorf("drain %s: %w", table, err)
	}

	var ids []int64
	for rows.Next() {
		var id int64
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			rows.Close()
			return fmt.Errorf("drain %s: %w", table, err)
		}
		ids = append(ids, id)
		if err := decode(payload); err != nil {
			// Poison rows are removed with the batch, not retried forever.
			continue
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("drain %s: %w", table, err)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE id = ?`, id); err != nil {
			return fmt.Errorf("drain %s: %w", table, err)
		}
	}
	return tx.Commit()
}
