package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dancode-188/synckit/internal/auth"
	"github.com/Dancode-188/synckit/internal/protocol"
	"github.com/Dancode-188/synckit/internal/pubsub"
	"github.com/Dancode-188/synckit/internal/security"
)

const testSecret = "unit-test-secret-0123456789abcdefghij"

func newTestHub(t *testing.T, authRequired bool) *Hub {
	t.Helper()
	h := New(Options{
		Logger:       zerolog.Nop(),
		ServerID:     "server-1",
		JWTSecret:    testSecret,
		AuthRequired: authRequired,
		Limits:       security.NewManager(),
		Namespace:    security.DefaultNamespace,
		Channels:     pubsub.Channels{Prefix: "synckit:"},
	})
	t.Cleanup(func() {
		h.Stop()
		h.limits.Dispose()
	})
	return h
}

func newTestConn(h *Hub, id, ip string) *Connection {
	c := NewConnection(id, ip, nil, zerolog.Nop())
	h.Register(c)
	return c
}

func dispatch(t *testing.T, h *Hub, c *Connection, messageType string, payload map[string]any) {
	t.Helper()
	frame, err := protocol.Encode(messageType, payload, time.Now().UnixMilli())
	require.NoError(t, err)
	h.Dispatch(c, frame)
}

func recvFrame(t *testing.T, c *Connection) *protocol.Message {
	t.Helper()
	select {
	case data := <-c.send:
		msg, err := protocol.Decode(data)
		require.NoError(t, err)
		return msg
	default:
		t.Fatal("expected a queued frame")
		return nil
	}
}

func assertNoFrame(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case data := <-c.send:
		msg, _ := protocol.Decode(data)
		t.Fatalf("unexpected frame %q: %v", msg.Type, msg.Payload)
	default:
	}
}

func authenticate(t *testing.T, h *Hub, c *Connection, payload map[string]any) *protocol.Message {
	t.Helper()
	dispatch(t, h, c, protocol.TypeAuth, payload)
	return recvFrame(t, c)
}

func TestPingPong(t *testing.T) {
	h := newTestHub(t, false)
	c := newTestConn(h, "conn-a", "1.1.1.1")

	dispatch(t, h, c, protocol.TypePing, map[string]any{"id": "p1"})

	reply := recvFrame(t, c)
	assert.Equal(t, protocol.TypePong, reply.Type)
	assert.Equal(t, "p1", reply.ID)
}

func TestSubscribeRequiresAuth(t *testing.T) {
	h := newTestHub(t, false)
	c := newTestConn(h, "conn-a", "1.1.1.1")

	dispatch(t, h, c, protocol.TypeSubscribe, map[string]any{"id": "s1", "docId": "playground"})

	reply := recvFrame(t, c)
	assert.Equal(t, protocol.TypeError, reply.Type)
	assert.Equal(t, "NOT_AUTHENTICATED", reply.String("code"))
}

func TestAnonymousAuthAndPlaygroundSubscribe(t *testing.T) {
	h := newTestHub(t, false)
	c := newTestConn(h, "conn-a", "1.1.1.1")

	reply := authenticate(t, h, c, map[string]any{"id": "a1"})
	require.Equal(t, protocol.TypeAuthSuccess, reply.Type)
	assert.Equal(t, "anonymous", reply.String("userId"))
	perms := reply.Object("permissions")
	require.NotNil(t, perms)
	assert.Equal(t, false, perms["isAdmin"])

	dispatch(t, h, c, protocol.TypeSubscribe, map[string]any{"id": "s1", "docId": "playground"})
	sync := recvFrame(t, c)
	assert.Equal(t, protocol.TypeSyncResponse, sync.Type)
	assert.Equal(t, "playground", sync.String("docId"))
	assert.NotNil(t, sync.Object("state"))
}

func TestAnonymousAuthRejectedWhenRequired(t *testing.T) {
	h := newTestHub(t, true)
	c := newTestConn(h, "conn-a", "1.1.1.1")

	reply := authenticate(t, h, c, map[string]any{"id": "a1"})
	assert.Equal(t, protocol.TypeAuthError, reply.Type)
	assert.Equal(t, "AUTH_REQUIRED", reply.String("code"))
	assert.False(t, c.Authenticated)
}

func TestTokenAuth(t *testing.T) {
	h := newTestHub(t, true)
	c := newTestConn(h, "conn-a", "1.1.1.1")

	token, err := auth.GenerateAccessToken("user-1", "u@example.com",
		auth.UserPermissions([]string{"room:alpha"}, []string{"room:alpha"}),
		testSecret, time.Hour)
	require.NoError(t, err)

	reply := authenticate(t, h, c, map[string]any{"id": "a1", "token": token, "clientId": "client-a"})
	require.Equal(t, protocol.TypeAuthSuccess, reply.Type)
	assert.Equal(t, "user-1", reply.String("userId"))
	assert.Equal(t, "client-a", c.ClientID)
	assert.True(t, c.Authenticated)
}

func TestTokenAuthFailureIsOpaque(t *testing.T) {
	h := newTestHub(t, true)
	c := newTestConn(h, "conn-a", "1.1.1.1")

	// Expired and garbage tokens produce the same code.
	expired, err := auth.GenerateAccessToken("user-1", "", auth.AnonymousPermissions(),
		testSecret, -time.Minute)
	require.NoError(t, err)

	for _, token := range []string{expired, "not-a-jwt"} {
		reply := authenticate(t, h, c, map[string]any{"id": "a1", "token": token})
		assert.Equal(t, protocol.TypeAuthError, reply.Type)
		assert.Equal(t, "INVALID_TOKEN", reply.String("code"))
	}
}

func TestSubscribeInvalidDocumentID(t *testing.T) {
	h := newTestHub(t, false)
	c := newTestConn(h, "conn-a", "1.1.1.1")
	authenticate(t, h, c, map[string]any{"id": "a1"})

	dispatch(t, h, c, protocol.TypeSubscribe, map[string]any{"id": "s1", "docId": "bad doc!"})
	reply := recvFrame(t, c)
	assert.Equal(t, "INVALID_DOCUMENT_ID", reply.String("code"))

	dispatch(t, h, c, protocol.TypeSubscribe, map[string]any{"id": "s2", "docId": strings.Repeat("a", 257)})
	reply = recvFrame(t, c)
	assert.Equal(t, "INVALID_DOCUMENT_ID", reply.String("code"))
}

func TestSubscribeOutsidePublicNamespace(t *testing.T) {
	h := newTestHub(t, false)
	c := newTestConn(h, "conn-a", "1.1.1.1")
	authenticate(t, h, c, map[string]any{"id": "a1"})

	dispatch(t, h, c, protocol.TypeSubscribe, map[string]any{"id": "s1", "docId": "private-doc"})
	reply := recvFrame(t, c)
	assert.Equal(t, "ACCESS_DENIED", reply.String("code"))
}

func TestDeltaFanoutExcludesSender(t *testing.T) {
	h := newTestHub(t, false)

	conns := make([]*Connection, 3)
	for i, id := range []string{"conn-a", "conn-b", "conn-c"} {
		c := newTestConn(h, id, fmt.Sprintf("1.1.1.%d", i+1))
		authenticate(t, h, c, map[string]any{"id": "a1", "clientId": id})
		dispatch(t, h, c, protocol.TypeSubscribe, map[string]any{"id": "s1", "docId": "room:alpha"})
		recvFrame(t, c) // sync_response
		conns[i] = c
	}
	a, b, cc := conns[0], conns[1], conns[2]

	dispatch(t, h, a, protocol.TypeDelta, map[string]any{
		"id":      "d1",
		"docId":   "room:alpha",
		"changes": map[string]any{"x": 1},
	})

	ack := recvFrame(t, a)
	assert.Equal(t, protocol.TypeAck, ack.Type)
	assert.Equal(t, "room:alpha", ack.String("docId"))
	assertNoFrame(t, a)

	for _, peer := range []*Connection{b, cc} {
		frame := recvFrame(t, peer)
		assert.Equal(t, protocol.TypeDelta, frame.Type)
		changes := frame.Object("changes")
		require.NotNil(t, changes)
		assert.Equal(t, float64(1), changes["x"])
		assertNoFrame(t, peer)
	}
}

func TestDeltaBatch(t *testing.T) {
	h := newTestHub(t, false)
	a := newTestConn(h, "conn-a", "1.1.1.1")
	b := newTestConn(h, "conn-b", "1.1.1.2")
	for _, c := range []*Connection{a, b} {
		authenticate(t, h, c, map[string]any{"id": "a1"})
		dispatch(t, h, c, protocol.TypeSubscribe, map[string]any{"id": "s1", "docId": "room:alpha"})
		recvFrame(t, c)
	}

	dispatch(t, h, a, protocol.TypeDeltaBatch, map[string]any{
		"id":    "d1",
		"docId": "room:alpha",
		"deltas": []any{
			map[string]any{"changes": map[string]any{"x": 1}},
			map[string]any{"changes": map[string]any{"y": 2}},
		},
	})

	ack := recvFrame(t, a)
	assert.Equal(t, protocol.TypeAck, ack.Type)
	assert.Equal(t, float64(2), ack.Payload["count"])

	first := recvFrame(t, b)
	second := recvFrame(t, b)
	assert.Equal(t, protocol.TypeDelta, first.Type)
	assert.Equal(t, protocol.TypeDelta, second.Type)

	h.docsMu.RLock()
	doc := h.documents["room:alpha"]
	h.docsMu.RUnlock()
	assert.Equal(t, float64(1), doc["x"])
	assert.Equal(t, float64(2), doc["y"])
}

func TestDeltaPermissionDenied(t *testing.T) {
	h := newTestHub(t, true)
	c := newTestConn(h, "conn-a", "1.1.1.1")

	token, err := auth.GenerateAccessToken("user-1", "",
		auth.UserPermissions([]string{"room:alpha"}, nil), testSecret, time.Hour)
	require.NoError(t, err)
	authenticate(t, h, c, map[string]any{"id": "a1", "token": token})

	dispatch(t, h, c, protocol.TypeDelta, map[string]any{
		"id":      "d1",
		"docId":   "room:alpha",
		"changes": map[string]any{"x": 1},
	})
	reply := recvFrame(t, c)
	assert.Equal(t, "PERMISSION_DENIED", reply.String("code"))
}

func TestRateLimitTrip(t *testing.T) {
	h := newTestHub(t, false)
	c := newTestConn(h, "conn-a", "1.1.1.1")

	for i := 0; i < security.MaxMessagesPerMinute; i++ {
		dispatch(t, h, c, protocol.TypePing, map[string]any{"id": "p"})
		reply := recvFrame(t, c)
		require.Equal(t, protocol.TypePong, reply.Type, "message %d", i)
	}

	dispatch(t, h, c, protocol.TypePing, map[string]any{"id": "p"})
	reply := recvFrame(t, c)
	assert.Equal(t, protocol.TypeError, reply.Type)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", reply.String("code"))
	assertNoFrame(t, c)
}

func TestOversizedFrameRejected(t *testing.T) {
	h := newTestHub(t, false)
	c := newTestConn(h, "conn-a", "1.1.1.1")

	h.Dispatch(c, make([]byte, security.MaxFrameBytes+1))
	reply := recvFrame(t, c)
	assert.Equal(t, "INVALID_MESSAGE", reply.String("code"))
}

func TestUnhandledValidTypeRejected(t *testing.T) {
	h := newTestHub(t, false)
	c := newTestConn(h, "conn-a", "1.1.1.1")

	dispatch(t, h, c, protocol.TypeSyncStep1, map[string]any{"id": "x"})
	reply := recvFrame(t, c)
	assert.Equal(t, "UNKNOWN_MESSAGE_TYPE", reply.String("code"))
}

func TestFieldValueSizeLimit(t *testing.T) {
	h := newTestHub(t, false)
	c := newTestConn(h, "conn-a", "1.1.1.1")
	authenticate(t, h, c, map[string]any{"id": "a1"})

	dispatch(t, h, c, protocol.TypeDelta, map[string]any{
		"id":      "d1",
		"docId":   "room:alpha",
		"changes": map[string]any{"blob": strings.Repeat("a", security.MaxFieldValueBytes+1)},
	})
	reply := recvFrame(t, c)
	assert.Equal(t, "INVALID_REQUEST", reply.String("code"))
}

func TestDocumentCreationQuota(t *testing.T) {
	h := newTestHub(t, false)
	c := newTestConn(h, "conn-a", "1.1.1.1")
	authenticate(t, h, c, map[string]any{"id": "a1"})

	for i := 0; i < security.MaxDocumentsPerHour; i++ {
		dispatch(t, h, c, protocol.TypeDelta, map[string]any{
			"id":      "d1",
			"docId":   fmt.Sprintf("room:doc-%d", i),
			"changes": map[string]any{"x": 1},
		})
		reply := recvFrame(t, c)
		require.Equal(t, protocol.TypeAck, reply.Type, "document %d", i)
	}

	dispatch(t, h, c, protocol.TypeDelta, map[string]any{
		"id":      "d1",
		"docId":   "room:one-too-many",
		"changes": map[string]any{"x": 1},
	})
	reply := recvFrame(t, c)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", reply.String("code"))

	// Writing to an existing document is not a creation.
	dispatch(t, h, c, protocol.TypeDelta, map[string]any{
		"id":      "d2",
		"docId":   "room:doc-0",
		"changes": map[string]any{"x": 2},
	})
	reply = recvFrame(t, c)
	assert.Equal(t, protocol.TypeAck, reply.Type)
}

func TestAwarenessUpdateAndEviction(t *testing.T) {
	h := newTestHub(t, false)
	current := time.Now()
	h.now = func() time.Time { return current }

	a := newTestConn(h, "conn-a", "1.1.1.1")
	b := newTestConn(h, "conn-b", "1.1.1.2")
	for _, c := range []*Connection{a, b} {
		authenticate(t, h, c, map[string]any{"id": "a1", "clientId": "client-" + c.ID})
		dispatch(t, h, c, protocol.TypeSubscribe, map[string]any{"id": "s1", "docId": "room:alpha"})
		recvFrame(t, c)
	}

	dispatch(t, h, a, protocol.TypeAwarenessUpdate, map[string]any{
		"docId": "room:alpha",
		"state": map[string]any{"cursor": 5},
	})

	frame := recvFrame(t, b)
	require.Equal(t, protocol.TypeAwarenessState, frame.Type)
	assert.Equal(t, "client-conn-a", frame.String("clientId"))
	state := frame.Object("state")
	require.NotNil(t, state)
	assert.Equal(t, float64(5), state["cursor"])
	assert.Contains(t, state, "_lastSeen")
	assertNoFrame(t, a)

	// Silence past the timeout evicts the entry and broadcasts a null
	// state to the whole room.
	current = current.Add(AwarenessTimeout + time.Second)
	h.sweepAwareness()

	removal := recvFrame(t, b)
	assert.Equal(t, protocol.TypeAwarenessUpdate, removal.Type)
	assert.Equal(t, "client-conn-a", removal.String("clientId"))
	assert.Nil(t, removal.Payload["state"])

	h.awareMu.RLock()
	assert.Empty(t, h.awareness)
	h.awareMu.RUnlock()
}

func TestAwarenessSubscribeReturnsCurrentStates(t *testing.T) {
	h := newTestHub(t, false)
	a := newTestConn(h, "conn-a", "1.1.1.1")
	b := newTestConn(h, "conn-b", "1.1.1.2")
	for _, c := range []*Connection{a, b} {
		authenticate(t, h, c, map[string]any{"id": "a1", "clientId": "client-" + c.ID})
		dispatch(t, h, c, protocol.TypeSubscribe, map[string]any{"id": "s1", "docId": "room:alpha"})
		recvFrame(t, c)
	}

	dispatch(t, h, a, protocol.TypeAwarenessUpdate, map[string]any{
		"docId": "room:alpha",
		"state": map[string]any{"cursor": 9},
	})
	recvFrame(t, b) // awareness_state broadcast

	dispatch(t, h, b, protocol.TypeAwarenessSubscribe, map[string]any{"id": "w1", "docId": "room:alpha"})
	reply := recvFrame(t, b)
	require.Equal(t, protocol.TypeAwarenessState, reply.Type)
	states := reply.Object("states")
	require.NotNil(t, states)
	assert.Contains(t, states, "client-conn-a")
}

func TestUnregisterBroadcastsPresenceRemoval(t *testing.T) {
	h := newTestHub(t, false)
	a := newTestConn(h, "conn-a", "1.1.1.1")
	b := newTestConn(h, "conn-b", "1.1.1.2")
	for _, c := range []*Connection{a, b} {
		authenticate(t, h, c, map[string]any{"id": "a1", "clientId": "client-" + c.ID})
		dispatch(t, h, c, protocol.TypeSubscribe, map[string]any{"id": "s1", "docId": "room:alpha"})
		recvFrame(t, c)
	}
	dispatch(t, h, a, protocol.TypeAwarenessUpdate, map[string]any{
		"docId": "room:alpha",
		"state": map[string]any{"cursor": 1},
	})
	recvFrame(t, b)

	h.Unregister(a)

	removal := recvFrame(t, b)
	assert.Equal(t, protocol.TypeAwarenessUpdate, removal.Type)
	assert.Nil(t, removal.Payload["state"])

	h.mu.RLock()
	_, stillThere := h.connections["conn-a"]
	subs := h.subscribers["room:alpha"]
	h.mu.RUnlock()
	assert.False(t, stillThere)
	assert.NotContains(t, subs, "conn-a")
}

// fakeBus captures publishes and lets tests inject peer messages.
type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	handlers  map[string]pubsub.Handler
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		published: make(map[string][][]byte),
		handlers:  make(map[string]pubsub.Handler),
	}
}

func (f *fakeBus) Connect(ctx context.Context) error    { return nil }
func (f *fakeBus) Disconnect(ctx context.Context) error { return nil }
func (f *fakeBus) IsConnected() bool                    { return true }

func (f *fakeBus) Publish(ctx context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[channel] = append(f.published[channel], payload)
	return nil
}

func (f *fakeBus) Subscribe(ctx context.Context, channel string, handler pubsub.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[channel] = handler
	return nil
}

func (f *fakeBus) Unsubscribe(ctx context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, channel)
	return nil
}

func (f *fakeBus) Stats() pubsub.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return pubsub.Stats{Connected: true, Channels: len(f.handlers), Handlers: len(f.handlers)}
}

func (f *fakeBus) publishCount(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published[channel])
}

func TestCrossInstanceFanout(t *testing.T) {
	bus := newFakeBus()
	h := New(Options{
		Logger:    zerolog.Nop(),
		ServerID:  "server-1",
		JWTSecret: testSecret,
		Limits:    security.NewManager(),
		Namespace: security.DefaultNamespace,
		Bus:       bus,
		Channels:  pubsub.Channels{Prefix: "synckit:"},
	})
	t.Cleanup(func() {
		h.Stop()
		h.limits.Dispose()
	})

	a := newTestConn(h, "conn-a", "1.1.1.1")
	authenticate(t, h, a, map[string]any{"id": "a1"})
	dispatch(t, h, a, protocol.TypeSubscribe, map[string]any{"id": "s1", "docId": "room:alpha"})
	recvFrame(t, a)

	bus.mu.Lock()
	_, subscribed := bus.handlers["synckit:doc:room:alpha"]
	bus.mu.Unlock()
	assert.True(t, subscribed, "first local subscriber joins the bus channel")

	// A local delta is published for peers.
	dispatch(t, h, a, protocol.TypeDelta, map[string]any{
		"id":      "d1",
		"docId":   "room:alpha",
		"changes": map[string]any{"x": 1},
	})
	recvFrame(t, a) // ack
	require.Eventually(t, func() bool {
		return bus.publishCount("synckit:doc:room:alpha") == 1
	}, time.Second, 5*time.Millisecond)

	// A peer's delta reaches local subscribers and is not re-published.
	envelope, err := json.Marshal(busEnvelope{
		Origin: "server-2",
		DocID:  "room:alpha",
		Payload: map[string]any{
			"docId":   "room:alpha",
			"changes": map[string]any{"y": 2},
		},
	})
	require.NoError(t, err)
	h.onBusMessage("synckit:doc:room:alpha", envelope)

	frame := recvFrame(t, a)
	assert.Equal(t, protocol.TypeDelta, frame.Type)
	assert.Equal(t, float64(2), frame.Object("changes")["y"])
	assert.Equal(t, 1, bus.publishCount("synckit:doc:room:alpha"), "peer deltas are not re-published")

	// Our own envelope coming back is ignored.
	own, err := json.Marshal(busEnvelope{
		Origin:  "server-1",
		DocID:   "room:alpha",
		Payload: map[string]any{"changes": map[string]any{"z": 3}},
	})
	require.NoError(t, err)
	h.onBusMessage("synckit:doc:room:alpha", own)
	assertNoFrame(t, a)

	// Last local unsubscribe leaves the channel.
	dispatch(t, h, a, protocol.TypeUnsubscribe, map[string]any{"id": "u1", "docId": "room:alpha"})
	bus.mu.Lock()
	_, subscribed = bus.handlers["synckit:doc:room:alpha"]
	bus.mu.Unlock()
	assert.False(t, subscribed)
}
