// Package pubsub fans document updates and presence events out across
// server instances. A Bus abstracts the broker; Redis is the primary
// backend and NATS the alternative for deployments already running it.
// With no broker configured the server runs single-instance and the hub
// simply never publishes.
package pubsub

import (
	"context"
	"encoding/json"
	"time"
)

// Handler receives every payload published on a subscribed channel,
// including this instance's own publishes. Callers filter their own
// echoes by origin server id.
type Handler func(channel string, payload []byte)

// Stats is a point-in-time view of a bus for the health endpoint.
type Stats struct {
	Connected bool `json:"connected"`
	Channels  int  `json:"channels"`
	Handlers  int  `json:"handlers"`
}

// Bus is the broker contract. Implementations must be safe for
// concurrent use; Publish on a disconnected bus returns an error rather
// than blocking.
type Bus interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler Handler) error
	Unsubscribe(ctx context.Context, channel string) error
	Stats() Stats
}

// Channels derives the bus channel names from a configurable prefix so
// several deployments can share one broker.
type Channels struct {
	Prefix string
}

// Doc returns the per-document update channel.
func (c Channels) Doc(docID string) string { return c.Prefix + "doc:" + docID }

// Broadcast returns the all-instances channel.
func (c Channels) Broadcast() string { return c.Prefix + "broadcast" }

// Presence returns the server presence channel.
func (c Channels) Presence() string { return c.Prefix + "presence" }

// PresenceEvent announces an instance joining or leaving the cluster.
type PresenceEvent struct {
	Event     string         `json:"event"` // server_online, server_offline
	ServerID  string         `json:"serverId"`
	Timestamp int64          `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

const (
	ServerOnline  = "server_online"
	ServerOffline = "server_offline"
)

// SubscribePresence listens on the presence channel and invokes fn with
// the event kind, the peer server id and its metadata. Payloads that are
// not presence events are dropped.
func SubscribePresence(ctx context.Context, bus Bus, ch Channels, fn func(event, serverID string, metadata map[string]any)) error {
	return bus.Subscribe(ctx, ch.Presence(), func(channel string, payload []byte) {
		var ev PresenceEvent
		if err := json.Unmarshal(payload, &ev); err != nil || ev.ServerID == "" {
			return
		}
		fn(ev.Event, ev.ServerID, ev.Metadata)
	})
}

const (
	initialBackoff  = 50 * time.Millisecond
	maxBackoff      = 2 * time.Second
	maxConnectTries = 6
)

// retryBackoff returns the delay before retry attempt (0-based),
// doubling from 50 ms and capped at 2 s.
func retryBackoff(attempt int) time.Duration {
	d := initialBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
