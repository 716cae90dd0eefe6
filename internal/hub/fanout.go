package hub

import (
	"context"
	"encoding/json"

	"github.com/Dancode-188/synckit/internal/logging"
	"github.com/Dancode-188/synckit/internal/metrics"
	"github.com/Dancode-188/synckit/internal/protocol"
	"github.com/Dancode-188/synckit/internal/pubsub"
)

// busEnvelope wraps a delta for cross-instance fan-out. Origin lets the
// receiving side drop its own publishes and act as the sender id for
// local delivery, which keeps peers from re-publishing into a cycle.
type busEnvelope struct {
	Origin  string         `json:"origin"`
	DocID   string         `json:"docId"`
	Payload map[string]any `json:"payload"`
}

// addBusSubscription joins the document's bus channel when the first
// local subscriber arrives.
func (h *Hub) addBusSubscription(docID string) {
	if h.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := h.bus.Subscribe(ctx, h.channels.Doc(docID), h.onBusMessage); err != nil {
		h.log.Warn().Err(err).Str("docId", docID).Msg("bus subscribe failed")
	}
}

// dropBusSubscription leaves the channel once the room is empty.
func (h *Hub) dropBusSubscription(docID string) {
	if h.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := h.bus.Unsubscribe(ctx, h.channels.Doc(docID)); err != nil {
		h.log.Warn().Err(err).Str("docId", docID).Msg("bus unsubscribe failed")
	}
}

// publishDelta sends an applied delta to peer instances.
func (h *Hub) publishDelta(docID string, payload map[string]any) {
	if h.bus == nil {
		return
	}
	data, err := json.Marshal(busEnvelope{
		Origin:  h.serverID,
		DocID:   docID,
		Payload: payload,
	})
	if err != nil {
		h.log.Warn().Err(err).Str("docId", docID).Msg("envelope encode failed")
		return
	}

	go func() {
		defer logging.RecoverPanic(h.log, "bus-publish", map[string]any{"docId": docID})
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := h.bus.Publish(ctx, h.channels.Doc(docID), data); err != nil {
			h.log.Warn().Err(err).Str("docId", docID).Msg("bus publish failed")
			return
		}
		metrics.PubsubPublished()
	}()
}

// onBusMessage applies a peer's delta as if it came from a local
// connection whose id is the originating server, so it reaches local
// subscribers without being re-published.
func (h *Hub) onBusMessage(channel string, payload []byte) {
	var env busEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		h.log.Warn().Err(err).Str("channel", channel).Msg("bad bus envelope")
		return
	}
	if env.Origin == h.serverID {
		return
	}
	metrics.PubsubReceived()

	changes, _ := env.Payload["changes"].(map[string]any)
	if changes != nil {
		h.docsMu.Lock()
		doc := h.documents[env.DocID]
		if doc == nil {
			doc = make(map[string]any)
			h.documents[env.DocID] = doc
		}
		for field, value := range changes {
			doc[field] = value
		}
		h.docsMu.Unlock()
	}

	h.broadcast(env.DocID, env.Origin, protocol.TypeDelta, env.Payload)
}

// AnnouncePresence tells peer instances this server is online.
func (h *Hub) AnnouncePresence(ctx context.Context) {
	h.announce(ctx, pubsub.ServerOnline)
}

// AnnounceShutdown tells peer instances this server is going away. Part
// of the shutdown sequence, before the bus itself closes.
func (h *Hub) AnnounceShutdown(ctx context.Context) {
	h.announce(ctx, pubsub.ServerOffline)
}

// WatchPresence subscribes to the presence channel so peers joining and
// leaving the cluster show up in the logs.
func (h *Hub) WatchPresence(ctx context.Context) {
	if h.bus == nil {
		return
	}
	err := pubsub.SubscribePresence(ctx, h.bus, h.channels, func(event, serverID string, _ map[string]any) {
		if serverID == h.serverID {
			return
		}
		h.log.Info().Str("event", event).Str("peerId", serverID).Msg("peer instance")
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("presence subscribe failed")
	}
}

func (h *Hub) announce(ctx context.Context, event string) {
	if h.bus == nil {
		return
	}
	data, err := json.Marshal(pubsub.PresenceEvent{
		Event:     event,
		ServerID:  h.serverID,
		Timestamp: h.now().UnixMilli(),
	})
	if err != nil {
		return
	}
	if err := h.bus.Publish(ctx, h.channels.Presence(), data); err != nil {
		h.log.Warn().Err(err).Str("event", event).Msg("presence publish failed")
	}
}
