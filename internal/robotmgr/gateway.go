package robotmgr

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/casarerpa/core/internal/model"
	"github.com/casarerpa/core/internal/protocol"
	"github.com/casarerpa/core/internal/session"
)

// Gateway binds WebSocket sessions to manager operations. A robot
// session must send a register message before anything else; traffic
// arriving earlier is dropped.
type Gateway struct {
	mgr     *Manager
	version string

	mu     sync.Mutex
	robots map[string]model.RobotID // session id -> robot id, set after register
}

// NewGateway wraps a manager. version travels in welcome messages.
func NewGateway(mgr *Manager, version string) *Gateway {
	return &Gateway{
		mgr:     mgr,
		version: version,
		robots:  make(map[string]model.RobotID),
	}
}

// HandleRobot upgrades a robot connection.
func (g *Gateway) HandleRobot(w http.ResponseWriter, r *http.Request) {
	_, err := session.Accept(w, r, session.Hooks{
		OnMessage:    g.onRobotMessage,
		OnDisconnect: g.onRobotDisconnect,
	})
	if err != nil {
		slog.Warn("[Gateway] robot upgrade failed", "remote", r.RemoteAddr, "error", err)
	}
}

// HandleAdmin upgrades an admin fleet-stream connection.
func (g *Gateway) HandleAdmin(w http.ResponseWriter, r *http.Request) {
	sess, err := session.Accept(w, r, session.Hooks{
		OnDisconnect: func(s *session.Session) { g.mgr.RemoveAdmin(s.ID()) },
	})
	if err != nil {
		slog.Warn("[Gateway] admin upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	g.mgr.AddAdmin(sess)
}

func (g *Gateway) onRobotMessage(sess *session.Session, msgType protocol.MsgType, payload []byte) {
	if msgType == protocol.TypeRegister {
		g.handleRegister(sess, payload)
		return
	}

	g.mu.Lock()
	robotID, registered := g.robots[sess.ID()]
	g.mu.Unlock()
	if !registered {
		slog.Warn("[Gateway] message before register dropped",
			"session_id", sess.ID(), "type", msgType)
		return
	}

	switch msgType {
	case protocol.TypeHeartbeat:
		msg, err := protocol.Decode[protocol.Heartbeat](payload)
		if err != nil {
			slog.Warn("[Gateway] bad heartbeat", "robot_id", robotID, "error", err)
			return
		}
		g.mgr.UpdateHeartbeat(robotID, msg.Metrics)

	case protocol.TypeJobAccept:
		msg, err := protocol.Decode[protocol.JobAccept](payload)
		if err != nil {
			return
		}
		slog.Info("[Gateway] job accepted", "robot_id", robotID, "job_id", msg.JobID)

	case protocol.TypeJobReject:
		msg, err := protocol.Decode[protocol.JobReject](payload)
		if err != nil {
			return
		}
		g.mgr.RequeueJob(robotID, msg.JobID, msg.Reason)

	case protocol.TypeJobComplete:
		msg, err := protocol.Decode[protocol.JobComplete](payload)
		if err != nil {
			return
		}
		g.mgr.JobCompleted(robotID, msg.JobID, msg.Success, msg.Result)

	case protocol.TypeLog:
		msg, err := protocol.Decode[protocol.Log](payload)
		if err != nil {
			return
		}
		slog.Info("[Gateway] robot log",
			"robot_id", robotID, "job_id", msg.JobID, "level", msg.Level, "message", msg.Message)

	default:
		// Unknown types are tolerated so old orchestrators survive newer
		// robots.
		slog.Debug("[Gateway] unknown message ignored",
			"robot_id", robotID, "type", msgType)
	}
}

func (g *Gateway) handleRegister(sess *session.Session, payload []byte) {
	msg, err := protocol.Decode[protocol.Register](payload)
	if err != nil || msg.RobotID == "" {
		slog.Warn("[Gateway] bad register message", "session_id", sess.ID(), "error", err)
		sess.Close("invalid registration")
		return
	}

	g.mu.Lock()
	g.robots[sess.ID()] = msg.RobotID
	g.mu.Unlock()

	g.mgr.RegisterRobot(sess, msg)

	if err := sess.Send(&protocol.Welcome{
		Header:        protocol.NewHeader(protocol.TypeWelcome),
		ServerVersion: g.version,
		SessionID:     sess.ID(),
	}); err != nil {
		slog.Warn("[Gateway] welcome send failed", "robot_id", msg.RobotID, "error", err)
	}
}

func (g *Gateway) onRobotDisconnect(sess *session.Session) {
	g.mu.Lock()
	robotID, ok := g.robots[sess.ID()]
	delete(g.robots, sess.ID())
	g.mu.Unlock()
	if !ok {
		return
	}

	// Ignore the stale disconnect if the robot already re-registered on a
	// newer session.
	if robot := g.mgr.Robot(robotID); robot != nil && robot.Session.ID() != sess.ID() {
		return
	}
	g.mgr.UnregisterRobot(robotID, "connection lost")
}
