// Package hub owns the live WebSocket connections: registration,
// document rooms, awareness presence, message dispatch, and fan-out
// both locally and across instances through the pub/sub bus.
package hub

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Dancode-188/synckit/internal/logging"
	"github.com/Dancode-188/synckit/internal/metrics"
	"github.com/Dancode-188/synckit/internal/protocol"
	"github.com/Dancode-188/synckit/internal/pubsub"
	"github.com/Dancode-188/synckit/internal/security"
	"github.com/Dancode-188/synckit/internal/storage"
)

const (
	// AwarenessTimeout evicts presence entries silent for this long.
	AwarenessTimeout = 30 * time.Second

	// AwarenessCleanupInterval is the GC sweep period.
	AwarenessCleanupInterval = 30 * time.Second
)

// Options wires the hub's collaborators. Store and Bus are optional:
// without a store documents live in memory only, without a bus the
// server runs single-instance.
type Options struct {
	Logger       zerolog.Logger
	ServerID     string
	JWTSecret    string
	AuthRequired bool
	Store        storage.Adapter
	Bus          pubsub.Bus
	Channels     pubsub.Channels
	Limits       *security.Manager
	Namespace    security.Namespace
}

type handlerFunc func(h *Hub, c *Connection, msg *protocol.Message)

// Hub maintains connections, document rooms and awareness state.
type Hub struct {
	log          zerolog.Logger
	serverID     string
	jwtSecret    string
	authRequired bool
	store        storage.Adapter
	bus          pubsub.Bus
	channels     pubsub.Channels
	limits       *security.Manager
	namespace    security.Namespace

	mu          sync.RWMutex
	connections map[string]*Connection
	subscribers map[string]map[string]bool // docId -> connectionId

	docsMu    sync.RWMutex
	documents map[string]map[string]any

	awareMu   sync.RWMutex
	awareness map[string]map[string]map[string]any // docId -> clientId -> state

	handlers map[string]handlerFunc

	stopCh   chan struct{}
	stopOnce sync.Once

	now func() time.Time // stubbed in tests
}

// New builds a hub from opts. Call Start to launch background tasks.
func New(opts Options) *Hub {
	h := &Hub{
		log:          opts.Logger.With().Str("component", "hub").Logger(),
		serverID:     opts.ServerID,
		jwtSecret:    opts.JWTSecret,
		authRequired: opts.AuthRequired,
		store:        opts.Store,
		bus:          opts.Bus,
		channels:     opts.Channels,
		limits:       opts.Limits,
		namespace:    opts.Namespace,
		connections:  make(map[string]*Connection),
		subscribers:  make(map[string]map[string]bool),
		documents:    make(map[string]map[string]any),
		awareness:    make(map[string]map[string]map[string]any),
		stopCh:       make(chan struct{}),
		now:          time.Now,
	}
	h.handlers = map[string]handlerFunc{
		protocol.TypePing:               (*Hub).handlePing,
		protocol.TypeAuth:               (*Hub).handleAuth,
		protocol.TypeSubscribe:          (*Hub).handleSubscribe,
		protocol.TypeUnsubscribe:        (*Hub).handleUnsubscribe,
		protocol.TypeSyncRequest:        (*Hub).handleSyncRequest,
		protocol.TypeDelta:              (*Hub).handleDelta,
		protocol.TypeDeltaBatch:         (*Hub).handleDeltaBatch,
		protocol.TypeAwarenessUpdate:    (*Hub).handleAwarenessUpdate,
		protocol.TypeAwarenessSubscribe: (*Hub).handleAwarenessSubscribe,
	}
	return h
}

// Start launches the awareness GC.
func (h *Hub) Start() {
	go h.awarenessGC()
}

// Stop cancels background tasks. Connections are closed by the server's
// shutdown sequence, not here.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// Register adds an accepted connection.
func (h *Hub) Register(c *Connection) {
	h.mu.Lock()
	h.connections[c.ID] = c
	h.mu.Unlock()
	metrics.ConnectionOpened()
}

// Unregister removes a connection from every registry, releases its
// rate-limit entries, and broadcasts removal of any presence it held.
func (h *Hub) Unregister(c *Connection) {
	h.mu.Lock()
	if _, ok := h.connections[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.connections, c.ID)

	var emptied []string
	for docID := range c.Subscriptions {
		if subs, ok := h.subscribers[docID]; ok {
			delete(subs, c.ID)
			if len(subs) == 0 {
				delete(h.subscribers, docID)
				emptied = append(emptied, docID)
			}
		}
	}
	active := len(h.subscribers)
	h.mu.Unlock()

	metrics.ConnectionClosed()
	metrics.SetActiveDocuments(active)

	if h.limits != nil {
		h.limits.MessagesByConn.Remove(c.ID)
		h.limits.Connections.RemoveConnection(c.ClientIP)
	}

	// Presence held by this client is broadcast as removed.
	h.awareMu.Lock()
	var removals [][2]string
	for docID := range c.AwarenessSubscriptions {
		if states, ok := h.awareness[docID]; ok {
			if _, held := states[c.ClientID]; held {
				delete(states, c.ClientID)
				removals = append(removals, [2]string{docID, c.ClientID})
			}
			if len(states) == 0 {
				delete(h.awareness, docID)
			}
		}
	}
	h.awareMu.Unlock()

	for _, r := range removals {
		h.broadcastAwarenessRemoval(r[0], r[1])
	}

	for _, docID := range emptied {
		h.dropBusSubscription(docID)
	}

	c.Close()
}

// Dispatch runs the inbound pipeline for one raw frame: size cap, rate
// limiters, decode, type whitelist, then the handler table. Per-message
// failures answer with an error frame and keep the connection alive.
func (h *Hub) Dispatch(c *Connection, raw []byte) {
	if len(raw) > security.MaxFrameBytes {
		c.SendError("Message exceeds maximum frame size", "INVALID_MESSAGE")
		return
	}

	if h.limits != nil {
		if !h.limits.MessagesByConn.Allow(c.ID) || !h.limits.MessagesByIP.Allow(c.ClientIP) {
			metrics.RateLimited()
			c.SendError("Too many messages. Please slow down.", "RATE_LIMIT_EXCEEDED")
			return
		}
	}

	msg, err := protocol.Decode(raw)
	if err != nil {
		c.SendError("Invalid message: "+err.Error(), "INVALID_MESSAGE")
		return
	}
	if !security.ValidMessageType(msg.Type) {
		c.SendError("Invalid message type", "INVALID_MESSAGE")
		return
	}
	metrics.MessageReceived(msg.Type, len(raw))

	handler, ok := h.handlers[msg.Type]
	if !ok {
		c.SendError("Unsupported message type: "+msg.Type, "UNKNOWN_MESSAGE_TYPE")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			h.log.Error().
				Str("connId", c.ID).
				Str("type", msg.Type).
				Any("panic", r).
				Msg("handler panicked")
			c.SendError("Internal server error", "INTERNAL_ERROR")
		}
	}()
	handler(h, c, msg)
}

// Stats is a point-in-time view for the root endpoint.
type Stats struct {
	Connections int `json:"connections"`
	Documents   int `json:"documents"`
	Awareness   int `json:"awareness"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	conns := len(h.connections)
	docs := len(h.subscribers)
	h.mu.RUnlock()

	h.awareMu.RLock()
	aware := len(h.awareness)
	h.awareMu.RUnlock()

	return Stats{Connections: conns, Documents: docs, Awareness: aware}
}

// connectionsFor snapshots the subscriber connections of docID,
// excluding senderID.
func (h *Hub) connectionsFor(docID, senderID string) []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	subs := h.subscribers[docID]
	if subs == nil {
		return nil
	}
	out := make([]*Connection, 0, len(subs))
	for connID := range subs {
		if connID == senderID {
			continue
		}
		if conn := h.connections[connID]; conn != nil {
			out = append(out, conn)
		}
	}
	return out
}

// broadcast delivers payload as messageType to every subscriber of
// docID except senderID. Slow clients just miss the frame.
func (h *Hub) broadcast(docID, senderID, messageType string, payload map[string]any) {
	conns := h.connectionsFor(docID, senderID)
	metrics.BroadcastFanout(len(conns))
	for _, conn := range conns {
		if err := conn.SendMessage(messageType, payload); err != nil {
			h.log.Debug().
				Str("connId", conn.ID).
				Str("docId", docID).
				Err(err).
				Msg("dropped broadcast frame")
		}
	}
}

func (h *Hub) awarenessGC() {
	defer logging.RecoverPanic(h.log, "awareness-gc", nil)
	ticker := time.NewTicker(AwarenessCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.sweepAwareness()
		}
	}
}

// sweepAwareness evicts entries silent past AwarenessTimeout and tells
// each room's subscribers about the removal.
func (h *Hub) sweepAwareness() {
	now := h.now().UnixMilli()
	timeoutMs := AwarenessTimeout.Milliseconds()

	var removals [][2]string
	h.awareMu.Lock()
	for docID, clients := range h.awareness {
		for clientID, state := range clients {
			lastSeen, ok := stateLastSeen(state)
			if !ok || now-lastSeen > timeoutMs {
				delete(clients, clientID)
				removals = append(removals, [2]string{docID, clientID})
			}
		}
		if len(clients) == 0 {
			delete(h.awareness, docID)
		}
	}
	h.awareMu.Unlock()

	for _, r := range removals {
		h.broadcastAwarenessRemoval(r[0], r[1])
	}
}

// broadcastAwarenessRemoval signals an evicted presence with a null
// state so clients drop the peer.
func (h *Hub) broadcastAwarenessRemoval(docID, clientID string) {
	h.broadcast(docID, "", protocol.TypeAwarenessUpdate, map[string]any{
		"id":       GenerateID(),
		"docId":    docID,
		"clientId": clientID,
		"state":    nil,
	})
}

func stateLastSeen(state map[string]any) (int64, bool) {
	switch v := state["_lastSeen"].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}
