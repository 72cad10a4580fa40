// Package events provides the in-process pub/sub bus for workflow and
// orchestrator lifecycle events. Delivery is synchronous: Publish returns
// after every subscriber has run, in registration order.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/casarerpa/core/internal/model"
)

// Type classifies event categories.
type Type string

// Workflow lifecycle events emitted by the runner.
const (
	WorkflowStarted   Type = "workflow.started"
	WorkflowPaused    Type = "workflow.paused"
	WorkflowResumed   Type = "workflow.resumed"
	WorkflowStopped   Type = "workflow.stopped"
	WorkflowCompleted Type = "workflow.completed"
	WorkflowFailed    Type = "workflow.failed"

	NodeStarted   Type = "node.started"
	NodeCompleted Type = "node.completed"
	NodeError     Type = "node.error"
)

// Orchestrator fleet events emitted by the robot manager.
const (
	RobotRegistered   Type = "robot.registered"
	RobotDisconnected Type = "robot.disconnected"
	RobotHeartbeat    Type = "robot.heartbeat"

	JobSubmitted Type = "job.submitted"
	JobAssigned  Type = "job.assigned"
	JobRequeued  Type = "job.requeued"
	JobCompleted Type = "job.completed"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	Type      Type           `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	NodeID    model.NodeID   `json:"node_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler processes one event. Handlers run on the publisher's goroutine
// and must not assume isolation from other subscribers.
type Handler func(*Event)

// Subscription identifies one registered handler for later removal.
type Subscription struct {
	eventType Type
	id        int
}

// Bus is the in-process event bus. A handler panic is logged and does not
// abort its siblings.
type Bus struct {
	mu     sync.Mutex
	subs   map[Type][]busEntry
	nextID int
}

type busEntry struct {
	id      int
	handler Handler
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Type][]busEntry)}
}

// Subscribe registers a handler for an event type and returns a handle
// usable with Unsubscribe.
func (b *Bus) Subscribe(t Type, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.subs[t] = append(b.subs[t], busEntry{id: b.nextID, handler: h})
	return Subscription{eventType: t, id: b.nextID}
}

// Unsubscribe removes a previously registered handler. Unknown handles
// are a no-op.
func (b *Bus) Unsubscribe(s Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.subs[s.eventType]
	for i, e := range entries {
		if e.id == s.id {
			b.subs[s.eventType] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// Publish delivers the event to all subscribers of its type in
// registration order. The timestamp is stamped here if unset. Delivery
// happens outside the bus lock so handlers may publish or subscribe.
func (b *Bus) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	entries := append([]busEntry(nil), b.subs[event.Type]...)
	b.mu.Unlock()

	for _, e := range entries {
		b.deliver(e.handler, event)
	}
}

// Emit is a convenience that builds and publishes an event.
func (b *Bus) Emit(t Type, nodeID model.NodeID, data map[string]any) {
	b.Publish(&Event{Type: t, NodeID: nodeID, Data: data})
}

// HandlerCount returns the number of handlers registered for a type.
func (b *Bus) HandlerCount(t Type) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[t])
}

func (b *Bus) deliver(h Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[EventBus] handler panic", "type", event.Type, "panic", r)
		}
	}()
	h(event)
}
