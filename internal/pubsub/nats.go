package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSBus implements Bus on a NATS connection for deployments that
// already run NATS instead of Redis. Channel names map directly onto
// NATS subjects; the ':' separator is subject-safe.
type NATSBus struct {
	url string
	log zerolog.Logger

	mu       sync.Mutex
	conn     *nats.Conn
	channels map[string]*natsChannel
}

type natsChannel struct {
	sub      *nats.Subscription
	handlers []Handler
}

// NewNATSBus builds a bus for url (nats://host:port); Connect must be
// called before use.
func NewNATSBus(url string, log zerolog.Logger) *NATSBus {
	return &NATSBus{
		url:      url,
		log:      log.With().Str("component", "pubsub").Str("backend", "nats").Logger(),
		channels: make(map[string]*natsChannel),
	}
}

// Connect dials the server. NATS reconnects on its own after the initial
// dial succeeds, so only the first connection uses the retry schedule.
func (b *NATSBus) Connect(ctx context.Context) error {
	var conn *nats.Conn
	var lastErr error
	for attempt := 0; attempt < maxConnectTries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, retryBackoff(attempt-1)); err != nil {
				return err
			}
		}
		conn, lastErr = nats.Connect(b.url,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(maxBackoff),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				b.log.Warn().Err(err).Msg("nats disconnected")
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				b.log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
			}),
		)
		if lastErr == nil {
			b.mu.Lock()
			b.conn = conn
			b.mu.Unlock()
			b.log.Info().Msg("connected to nats")
			return nil
		}
	}
	return fmt.Errorf("pubsub: nats unreachable after %d attempts: %w", maxConnectTries, lastErr)
}

// Disconnect flushes pending publishes and closes the connection.
func (b *NATSBus) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for name, ch := range b.channels {
		ch.sub.Unsubscribe()
		delete(b.channels, name)
	}
	if b.conn != nil {
		b.conn.Flush()
		b.conn.Close()
		b.conn = nil
	}
	return nil
}

func (b *NATSBus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil && b.conn.IsConnected()
}

func (b *NATSBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("pubsub: publish on disconnected bus")
	}
	if err := conn.Publish(channel, payload); err != nil {
		return fmt.Errorf("pubsub: publish to %s failed: %w", channel, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(ctx context.Context, channel string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return fmt.Errorf("pubsub: subscribe on disconnected bus")
	}

	if ch, ok := b.channels[channel]; ok {
		ch.handlers = append(ch.handlers, handler)
		return nil
	}

	sub, err := b.conn.Subscribe(channel, func(msg *nats.Msg) {
		b.dispatch(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("pubsub: subscribe to %s failed: %w", channel, err)
	}
	b.channels[channel] = &natsChannel{sub: sub, handlers: []Handler{handler}}
	return nil
}

func (b *NATSBus) dispatch(channel string, payload []byte) {
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

func (b *NATSBus) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.channels[channel]
	if !ok {
		return nil
	}
	delete(b.channels, channel)
	return ch.sub.Unsubscribe()
}

func (b *NATSBus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers := 0
	for _, ch := range b.channels {
		handlers += len(ch.handlers)
	}
	return Stats{
		Connected: b.conn != nil && b.conn.IsConnected(),
		Channels:  len(b.channels),
		Handlers:  handlers,
	}
}
