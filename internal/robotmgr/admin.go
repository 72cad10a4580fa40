package robotmgr

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/casarerpa/core/internal/session"
)

// adminSendDeadline bounds one broadcast send per receiver. A receiver
// slower than this is dropped from the set.
const adminSendDeadline = time.Second

// AddAdmin subscribes an admin session to fleet broadcasts.
func (m *Manager) AddAdmin(sess session.Handle) {
	m.mu.Lock()
	m.admins[sess.ID()] = sess
	n := len(m.admins)
	m.mu.Unlock()
	slog.Info("[RobotManager] admin subscribed", "session_id", sess.ID(), "admins", n)
}

// RemoveAdmin unsubscribes an admin session.
func (m *Manager) RemoveAdmin(sessionID string) {
	m.mu.Lock()
	delete(m.admins, sessionID)
	m.mu.Unlock()
}

// broadcastAdmin fans a fleet event out to every admin session.
// Best-effort: failures are logged, slow receivers are evicted, and the
// broadcast never blocks manager state transitions.
func (m *Manager) broadcastAdmin(msg any) {
	m.mu.Lock()
	targets := make([]session.Handle, 0, len(m.admins))
	for _, sess := range m.admins {
		targets = append(targets, sess)
	}
	m.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	var failedMu sync.Mutex
	var failed []session.Handle

	var g errgroup.Group
	for _, sess := range targets {
		sess := sess
		g.Go(func() error {
			if err := sess.SendTimeout(msg, adminSendDeadline); err != nil {
				slog.Warn("[RobotManager] admin broadcast dropped",
					"session_id", sess.ID(), "error", err)
				failedMu.Lock()
				failed = append(failed, sess)
				failedMu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	for _, sess := range failed {
		m.RemoveAdmin(sess.ID())
		sess.Close("slow admin receiver")
	}
}
