package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestRetryBackoffSchedule(t *testing.T) {
	expected := []time.Duration{
		50 * time.Millisecond,
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		2 * time.Second,
		2 * time.Second,
	}
	for attempt, want := range expected {
		assert.Equal(t, want, retryBackoff(attempt), "attempt %d", attempt)
	}
}

func TestChannelNaming(t *testing.T) {
	c := Channels{Prefix: "synckit:"}
	assert.Equal(t, "synckit:doc:room:alpha", c.Doc("room:alpha"))
	assert.Equal(t, "synckit:broadcast", c.Broadcast())
	assert.Equal(t, "synckit:presence", c.Presence())

	bare := Channels{}
	assert.Equal(t, "doc:x", bare.Doc("x"))
}

func TestRedisBusDisconnectedOps(t *testing.T) {
	b := NewRedisBus("redis://localhost:6379/0", zerolog.Nop())

	assert.False(t, b.IsConnected())
	assert.Error(t, b.Publish(context.Background(), "c", []byte("x")))
	assert.Error(t, b.Subscribe(context.Background(), "c", func(string, []byte) {}))
	assert.NoError(t, b.Unsubscribe(context.Background(), "c"), "unsubscribe of unknown channel is a no-op")

	stats := b.Stats()
	assert.False(t, stats.Connected)
	assert.Zero(t, stats.Channels)
	assert.Zero(t, stats.Handlers)
}

func TestNATSBusDisconnectedOps(t *testing.T) {
	b := NewNATSBus("nats://localhost:4222", zerolog.Nop())

	assert.False(t, b.IsConnected())
	assert.Error(t, b.Publish(context.Background(), "c", []byte("x")))
	assert.Error(t, b.Subscribe(context.Background(), "c", func(string, []byte) {}))

	stats := b.Stats()
	assert.False(t, stats.Connected)
}

func TestRedisBusDispatchIsolatesPanics(t *testing.T) {
	b := NewRedisBus("redis://localhost:6379/0", zerolog.Nop())

	var got []byte
	b.channels["c"] = &redisChannel{handlers: []Handler{
		func(string, []byte) { panic("boom") },
		func(_ string, payload []byte) { got = payload },
	}}

	b.dispatch("c", []byte("payload"))
	assert.Equal(t, []byte("payload"), got, "a panicking handler does not starve the rest")
}

type stubBus struct {
	Bus
	handlers map[string]Handler
}

func (s *stubBus) Subscribe(_ context.Context, channel string, handler Handler) error {
	s.handlers[channel] = handler
	return nil
}

func TestSubscribePresence(t *testing.T) {
	bus := &stubBus{handlers: map[string]Handler{}}
	ch := Channels{Prefix: "synckit:"}

	var events []string
	err := SubscribePresence(context.Background(), bus, ch, func(event, serverID string, _ map[string]any) {
		events = append(events, event+"/"+serverID)
	})
	assert.NoError(t, err)

	deliver := bus.handlers["synckit:presence"]
	deliver("synckit:presence", []byte(`{"event":"server_online","serverId":"peer-1","timestamp":1}`))
	deliver("synckit:presence", []byte(`{"event":"server_offline","serverId":"peer-1","timestamp":2}`))
	deliver("synckit:presence", []byte(`not json`))
	deliver("synckit:presence", []byte(`{"event":"server_online"}`))

	assert.Equal(t, []string{"server_online/peer-1", "server_offline/peer-1"}, events)
}

func TestSleepCtxCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, sleepCtx(ctx, time.Minute))
}
