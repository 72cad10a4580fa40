// Package robot is the agent process that runs on a worker machine:
// it keeps a session to the orchestrator alive, executes assigned
// workflows, and survives disconnects through the offline queue.
package robot

import (
	"context"
	"log/slog"
	"os"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/casarerpa/core/internal/checkpoint"
	"github.com/casarerpa/core/internal/events"
	"github.com/casarerpa/core/internal/model"
	"github.com/casarerpa/core/internal/node"
	"github.com/casarerpa/core/internal/offline"
	"github.com/casarerpa/core/internal/protocol"
	"github.com/casarerpa/core/internal/runner"
	"github.com/casarerpa/core/internal/session"
	"github.com/casarerpa/core/internal/telemetry"
)

// Config configures one robot agent.
type Config struct {
	RobotID         model.RobotID
	RobotName       string
	Environment     string
	TenantID        model.TenantID
	OrchestratorURL string
	Capabilities    protocol.Capabilities

	HeartbeatInterval time.Duration
	RunnerConfig      runner.Config
}

// Agent is the robot-side counterpart of the orchestrator's manager.
type Agent struct {
	cfg     Config
	store   offline.Store
	reg     *node.Registry
	bus     *events.Bus
	cp      *checkpoint.Manager
	metrics *telemetry.Metrics

	mu   sync.Mutex
	sess *session.Session
	jobs map[model.JobID]*runner.Runner
}

// New builds an agent. The offline store doubles as the checkpoint
// store so job state survives process restarts.
func New(cfg Config, store offline.Store, reg *node.Registry, bus *events.Bus, metrics *telemetry.Metrics) *Agent {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.Capabilities.MaxConcurrentJobs <= 0 {
		cfg.Capabilities.MaxConcurrentJobs = 1
	}
	if cfg.RunnerConfig.DefaultNodeTimeout <= 0 {
		cfg.RunnerConfig = runner.DefaultConfig()
	}
	if metrics == nil {
		metrics = telemetry.NewTestMetrics()
	}
	return &Agent{
		cfg:     cfg,
		store:   store,
		reg:     reg,
		bus:     bus,
		cp:      checkpoint.NewManager(store),
		metrics: metrics,
		jobs:    make(map[model.JobID]*runner.Runner),
	}
}

// Run connects and reconnects until ctx is cancelled. Each successful
// connection registers, replays queued completions, and then heartbeats
// until the session drops.
func (a *Agent) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.RandomizationFactor = 0.25
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.OrchestratorURL, nil)
		if err != nil {
			wait := bo.NextBackOff()
			slog.Warn("[Robot] connect failed",
				"url", a.cfg.OrchestratorURL, "retry_in", wait, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()

		disconnected := make(chan struct{})
		sess := session.New(conn, session.Hooks{
			OnMessage:    a.onMessage,
			OnDisconnect: func(*session.Session) { close(disconnected) },
		})
		a.setSession(sess)
		slog.Info("[Robot] connected", "robot_id", a.cfg.RobotID, "session_id", sess.ID())

		if err := a.register(sess); err != nil {
			slog.Warn("[Robot] register send failed", "error", err)
		}
		a.replayCompletions(sess)
		a.heartbeatUntilClosed(ctx, sess, disconnected)

		a.setSession(nil)
		sess.Close("reconnecting")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("[Robot] session lost, reconnecting", "robot_id", a.cfg.RobotID)
	}
}

func (a *Agent) setSession(sess *session.Session) {
	a.mu.Lock()
	a.sess = sess
	a.mu.Unlock()
}

func (a *Agent) session() *session.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sess
}

func (a *Agent) register(sess *session.Session) error {
	hostname, _ := os.Hostname()
	return sess.Send(&protocol.Register{
		Header:       protocol.NewHeader(protocol.TypeRegister),
		RobotID:      a.cfg.RobotID,
		RobotName:    a.cfg.RobotName,
		Hostname:     hostname,
		Environment:  a.cfg.Environment,
		TenantID:     a.cfg.TenantID,
		Capabilities: a.cfg.Capabilities,
	})
}

func (a *Agent) heartbeatUntilClosed(ctx context.Context, sess *session.Session, disconnected <-chan struct{}) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-disconnected:
			return
		case <-ticker.C:
			if err := sess.Send(a.heartbeat()); err != nil {
				slog.Warn("[Robot] heartbeat send failed", "error", err)
			}
		}
	}
}

func (a *Agent) heartbeat() *protocol.Heartbeat {
	var mem goruntime.MemStats
	goruntime.ReadMemStats(&mem)

	a.mu.Lock()
	jobCount := len(a.jobs)
	a.mu.Unlock()

	return &protocol.Heartbeat{
		Header: protocol.NewHeader(protocol.TypeHeartbeat),
		Metrics: protocol.Metrics{
			MemoryMB:        float64(mem.Alloc) / (1 << 20),
			CurrentJobCount: jobCount,
		},
	}
}

func (a *Agent) onMessage(sess *session.Session, msgType protocol.MsgType, payload []byte) {
	switch msgType {
	case protocol.TypeWelcome:
		msg, err := protocol.Decode[protocol.Welcome](payload)
		if err != nil {
			return
		}
		slog.Info("[Robot] welcome received",
			"server_version", msg.ServerVersion, "session_id", msg.SessionID)

	case protocol.TypeJobAssign:
		msg, err := protocol.Decode[protocol.JobAssign](payload)
		if err != nil {
			slog.Warn("[Robot] bad job assignment", "error", err)
			return
		}
		a.handleAssign(sess, msg)

	case protocol.TypeJobCancel:
		msg, err := protocol.Decode[protocol.JobCancel](payload)
		if err != nil {
			return
		}
		a.cancelJob(msg.JobID)

	case protocol.TypeShutdown:
		msg, err := protocol.Decode[protocol.Shutdown](payload)
		if err != nil {
			return
		}
		slog.Info("[Robot] shutdown requested", "reason", msg.Reason)
		sess.Close("shutdown requested")

	default:
		slog.Debug("[Robot] unknown message ignored", "type", msgType)
	}
}

func (a *Agent) cancelJob(jobID model.JobID) {
	a.mu.Lock()
	run, ok := a.jobs[jobID]
	a.mu.Unlock()
	if !ok || run == nil {
		slog.Warn("[Robot] cancel for unknown job", "job_id", jobID)
		return
	}
	slog.Info("[Robot] cancelling job", "job_id", jobID)
	run.Stop()
}
