// Package offline provides the durable local store robots fall back to
// when the orchestrator is unreachable: queued jobs, checkpoints, and
// completions awaiting acknowledgement.
package offline

import "github.com/casarerpa/core/internal/model"

// Store is the durability contract. Each record write is atomic on its
// own; batches are not. Implementations must survive a hard kill between
// writes without corrupting previously written records.
type Store interface {
	// SaveCheckpoint persists one checkpoint blob. Latest wins per job.
	SaveCheckpoint(jobID model.JobID, checkpointID model.CheckpointID, nodeID model.NodeID, state []byte) error
	// GetLatestCheckpoint returns the newest blob for a job, or nil when
	// none exists.
	GetLatestCheckpoint(jobID model.JobID) ([]byte, error)
	ClearCheckpoints(jobID model.JobID) error

	EnqueueJob(job *model.Job) error
	// DrainJobs removes and returns all queued jobs in enqueue order.
	DrainJobs() ([]*model.Job, error)

	EnqueueCompletion(c *model.JobCompletion) error
	// DrainCompletions removes and returns all queued completions in
	// enqueue order.
	DrainCompletions() ([]*model.JobCompletion, error)

	Close() error
}
