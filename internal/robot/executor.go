package robot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/casarerpa/core/internal/model"
	"github.com/casarerpa/core/internal/protocol"
	"github.com/casarerpa/core/internal/runner"
	"github.com/casarerpa/core/internal/session"
	"github.com/casarerpa/core/internal/workflow"
)

// handleAssign admits or rejects an assignment. Execution runs on its
// own goroutine so the session reader is never blocked by a workflow.
func (a *Agent) handleAssign(sess *session.Session, msg *protocol.JobAssign) {
	a.mu.Lock()
	if len(a.jobs) >= a.cfg.Capabilities.MaxConcurrentJobs {
		a.mu.Unlock()
		slog.Warn("[Robot] rejecting job at capacity", "job_id", msg.JobID)
		if err := sess.Send(&protocol.JobReject{
			Header: protocol.NewHeader(protocol.TypeJobReject),
			JobID:  msg.JobID,
			Reason: "at capacity",
		}); err != nil {
			slog.Warn("[Robot] reject send failed", "job_id", msg.JobID, "error", err)
		}
		return
	}
	if _, running := a.jobs[msg.JobID]; running {
		a.mu.Unlock()
		slog.Warn("[Robot] duplicate assignment ignored", "job_id", msg.JobID)
		return
	}
	// Reserve the slot before replying so a racing second assignment
	// sees the capacity change.
	a.jobs[msg.JobID] = nil
	a.mu.Unlock()

	if err := sess.Send(&protocol.JobAccept{
		Header: protocol.NewHeader(protocol.TypeJobAccept),
		JobID:  msg.JobID,
	}); err != nil {
		slog.Warn("[Robot] accept send failed", "job_id", msg.JobID, "error", err)
	}

	go a.executeJob(msg)
}

// executeJob runs one workflow end to end and reports the outcome. A
// completion that cannot be delivered is queued durably and replayed on
// the next reconnect.
func (a *Agent) executeJob(msg *protocol.JobAssign) {
	started := time.Now()
	defer func() {
		a.mu.Lock()
		delete(a.jobs, msg.JobID)
		a.mu.Unlock()
		a.metrics.RunDuration.Observe(time.Since(started).Seconds())
	}()

	run, err := a.prepareRun(msg)
	if err != nil {
		slog.Error("[Robot] job setup failed", "job_id", msg.JobID, "error", err)
		a.reportCompletion(msg.JobID, false, map[string]any{"error": err.Error()})
		return
	}

	a.mu.Lock()
	a.jobs[msg.JobID] = run
	a.mu.Unlock()

	a.cp.StartJob(msg.JobID, workflowName(msg))
	defer a.cp.EndJob()

	if msg.Timeout > 0 {
		timer := run.CancelAfter(time.Duration(msg.Timeout) * time.Millisecond)
		defer timer.Stop()
	}

	runErr := run.Run(context.Background())

	switch run.State() {
	case model.StateCompleted:
		if err := a.cp.ClearCheckpoints(msg.JobID); err != nil {
			slog.Warn("[Robot] checkpoint cleanup failed", "job_id", msg.JobID, "error", err)
		}
		a.reportCompletion(msg.JobID, true, serializableVars(run.Context().Variables()))

	case model.StateStopped:
		slog.Info("[Robot] job stopped", "job_id", msg.JobID)
		a.reportCompletion(msg.JobID, false, map[string]any{"status": "cancelled"})

	default:
		result := map[string]any{}
		if f := run.Failure(); f != nil {
			result["error"] = f.Message
			result["error_type"] = f.ErrorType
			result["failed_node"] = string(f.FailedNode)
		} else if runErr != nil {
			result["error"] = runErr.Error()
		}
		a.reportCompletion(msg.JobID, false, result)
	}
}

// prepareRun hydrates the workflow and resumes from the latest local
// checkpoint when one exists.
func (a *Agent) prepareRun(msg *protocol.JobAssign) (*runner.Runner, error) {
	wf, err := workflow.Parse(msg.WorkflowData, a.reg)
	if err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}

	run, err := runner.New(wf, a.reg, a.bus, msg.Variables,
		runner.WithCheckpointer(a.cp),
		runner.WithJobID(msg.JobID),
		runner.WithConfig(a.cfg.RunnerConfig))
	if err != nil {
		return nil, fmt.Errorf("build runner: %w", err)
	}

	if state := a.cp.GetCheckpoint(msg.JobID); state != nil {
		if a.cp.RestoreFromCheckpoint(state, run.Context()) {
			run.Restore(state.ExecutedNodes, state.CurrentNodeID)
			slog.Info("[Robot] resuming from checkpoint",
				"job_id", msg.JobID, "checkpoint_id", state.CheckpointID,
				"node_id", state.CurrentNodeID)
		}
	}
	return run, nil
}

func workflowName(msg *protocol.JobAssign) string {
	if msg.WorkflowID != "" {
		return string(msg.WorkflowID)
	}
	return string(msg.JobID)
}

// reportCompletion sends the result now if connected, otherwise queues
// it for replay.
func (a *Agent) reportCompletion(jobID model.JobID, success bool, result map[string]any) {
	completion := &protocol.JobComplete{
		Header:  protocol.NewHeader(protocol.TypeJobComplete),
		JobID:   jobID,
		Success: success,
		Result:  result,
	}

	if sess := a.session(); sess != nil {
		if err := sess.Send(completion); err == nil {
			return
		}
	}

	slog.Warn("[Robot] completion queued for replay", "job_id", jobID)
	err := a.store.EnqueueCompletion(&model.JobCompletion{
		JobID:       jobID,
		Success:     success,
		Result:      result,
		CompletedAt: time.Now().UTC(),
	})
	if err != nil {
		slog.Error("[Robot] completion enqueue failed", "job_id", jobID, "error", err)
	}
}

// replayCompletions drains completions recorded while disconnected.
// Delivery failures re-queue the remainder.
func (a *Agent) replayCompletions(sess *session.Session) {
	completions, err := a.store.DrainCompletions()
	if err != nil {
		slog.Error("[Robot] completion drain failed", "error", err)
		return
	}
	for i, c := range completions {
		msg := &protocol.JobComplete{
			Header:  protocol.NewHeader(protocol.TypeJobComplete),
			JobID:   c.JobID,
			Success: c.Success,
			Result:  c.Result,
		}
		if err := sess.Send(msg); err != nil {
			slog.Warn("[Robot] completion replay interrupted", "error", err)
			for _, rest := range completions[i:] {
				if err := a.store.EnqueueCompletion(rest); err != nil {
					slog.Error("[Robot] completion re-enqueue failed",
						"job_id", rest.JobID, "error", err)
				}
			}
			return
		}
		slog.Info("[Robot] queued completion replayed", "job_id", c.JobID)
	}
}

// serializableVars drops values that cannot travel as JSON.
func serializableVars(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		if _, err := json.Marshal(v); err != nil {
			continue
		}
		out[k] = v
	}
	return out
}
