// Redis mirror for fleet events.
//
// The in-process Bus only reaches subscribers inside one orchestrator
// process. RedisMirror republishes fleet events onto Redis Pub/Sub channels
// so external consumers (dashboards, a second monitoring process) can follow
// the fleet without a session.
package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisMirror forwards selected bus events to Redis Pub/Sub. Publishing is
// best-effort: a Redis failure is logged and never blocks the publisher.
type RedisMirror struct {
	client *redis.Client
	prefix string
	subs   []Subscription
	bus    *Bus
}

// MirroredTypes is the default set of fleet events worth republishing.
var MirroredTypes = []Type{
	RobotRegistered, RobotDisconnected, RobotHeartbeat,
	JobSubmitted, JobAssigned, JobRequeued, JobCompleted,
}

// NewRedisMirror attaches a mirror to the bus for the given event types.
// Pass nil types to mirror MirroredTypes.
func NewRedisMirror(bus *Bus, client *redis.Client, channelPrefix string, types []Type) *RedisMirror {
	if channelPrefix == "" {
		channelPrefix = "casare:events:"
	}
	if types == nil {
		types = MirroredTypes
	}

	m := &RedisMirror{client: client, prefix: channelPrefix, bus: bus}
	for _, t := range types {
		channel := m.prefix + string(t)
		sub := bus.Subscribe(t, func(event *Event) {
			payload, err := json.Marshal(event)
			if err != nil {
				slog.Warn("[RedisMirror] marshal failed", "type", event.Type, "error", err)
				return
			}
			if err := m.client.Publish(context.Background(), channel, payload).Err(); err != nil {
				slog.Warn("[RedisMirror] publish failed", "channel", channel, "error", err)
			}
		})
		m.subs = append(m.subs, sub)
	}
	return m
}

// Close detaches the mirror from the bus. The Redis client is owned by the
// caller and is not closed here.
func (m *RedisMirror) Close() {
	for _, s := range m.subs {
		m.bus.Unsubscribe(s)
	}
	m.subs = nil
}
