package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBus implements Bus on two go-redis clients: one for publishing
// and one dedicated to subscriptions, since a Redis connection in
// subscriber mode cannot issue other commands.
type RedisBus struct {
	url string
	log zerolog.Logger

	mu        sync.Mutex
	pub       *redis.Client
	sub       *redis.Client
	channels  map[string]*redisChannel
	connected bool
}

type redisChannel struct {
	pubsub   *redis.PubSub
	handlers []Handler
	cancel   context.CancelFunc
}

// NewRedisBus builds a bus for url (redis://host:port/db); Connect must
// be called before use.
func NewRedisBus(url string, log zerolog.Logger) *RedisBus {
	return &RedisBus{
		url:      url,
		log:      log.With().Str("component", "pubsub").Str("backend", "redis").Logger(),
		channels: make(map[string]*redisChannel),
	}
}

// Connect opens both clients and pings each, retrying with exponential
// backoff before giving up.
func (b *RedisBus) Connect(ctx context.Context) error {
	opts, err := redis.ParseURL(b.url)
	if err != nil {
		return fmt.Errorf("pubsub: parse redis url: %w", err)
	}

	pub := redis.NewClient(opts)
	sub := redis.NewClient(opts)

	var lastErr error
	for attempt := 0; attempt < maxConnectTries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, retryBackoff(attempt-1)); err != nil {
				return err
			}
		}
		if lastErr = pub.Ping(ctx).Err(); lastErr != nil {
			continue
		}
		if lastErr = sub.Ping(ctx).Err(); lastErr != nil {
			continue
		}

		b.mu.Lock()
		b.pub = pub
		b.sub = sub
		b.connected = true
		b.mu.Unlock()
		b.log.Info().Msg("connected to redis")
		return nil
	}

	pub.Close()
	sub.Close()
	return fmt.Errorf("pubsub: redis unreachable after %d attempts: %w", maxConnectTries, lastErr)
}

// Disconnect tears down all subscriptions and closes both clients.
func (b *RedisBus) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for name, ch := range b.channels {
		ch.cancel()
		ch.pubsub.Close()
		delete(b.channels, name)
	}
	if b.pub != nil {
		b.pub.Close()
		b.pub = nil
	}
	if b.sub != nil {
		b.sub.Close()
		b.sub = nil
	}
	b.connected = false
	return nil
}

func (b *RedisBus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Publish sends payload to channel, retrying transient failures with the
// same backoff schedule as Connect.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	pub := b.pub
	b.mu.Unlock()
	if pub == nil {
		return fmt.Errorf("pubsub: publish on disconnected bus")
	}

	var lastErr error
	for attempt := 0; attempt < maxConnectTries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, retryBackoff(attempt-1)); err != nil {
				return err
			}
		}
		if lastErr = pub.Publish(ctx, channel, payload).Err(); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("pubsub: publish to %s failed: %w", channel, lastErr)
}

// Subscribe registers handler for channel, opening the underlying Redis
// subscription on first use.
func (b *RedisBus) Subscribe(ctx context.Context, channel string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sub == nil {
		return fmt.Errorf("pubsub: subscribe on disconnected bus")
	}

	if ch, ok := b.channels[channel]; ok {
		ch.handlers = append(ch.handlers, handler)
		return nil
	}

	pubsub := b.sub.Subscribe(context.WithoutCancel(ctx), channel)
	listenCtx, cancel := context.WithCancel(context.Background())
	ch := &redisChannel{
		pubsub:   pubsub,
		handlers: []Handler{handler},
		cancel:   cancel,
	}
	b.channels[channel] = ch
	go b.listen(listenCtx, channel, pubsub)
	return nil
}

func (b *RedisBus) listen(ctx context.Context, channel string, pubsub *redis.PubSub) {
	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			b.dispatch(channel, []byte(msg.Payload))
		}
	}
}

func (b *RedisBus) dispatch(channel string, payload []byte) {
	b.mu.Lock()
	ch := b.channels[channel]
	var handlers []Handler
	if ch != nil {
		handlers = append(handlers, ch.handlers...)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error().Str("channel", channel).Any("panic", r).Msg("handler panicked")
				}
			}()
			h(channel, payload)
		}()
	}
}

// Unsubscribe drops all handlers for channel and closes the underlying
// subscription.
func (b *RedisBus) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.channels[channel]
	if !ok {
		return nil
	}
	delete(b.channels, channel)
	ch.cancel()
	return ch.pubsub.Close()
}

func (b *RedisBus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers := 0
	for _, ch := range b.channels {
		handlers += len(ch.handlers)
	}
	return Stats{
		Connected: b.connected,
		Channels:  len(b.channels),
		Handlers:  handlers,
	}
}
