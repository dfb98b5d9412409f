package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hlekkr/hlekkr/pkg/fault"
)

// channelPrefix namespaces bus channels in a shared Redis.
const channelPrefix = "hlekkr:events:"

// RedisBus fans notifications out across processes over Redis pub/sub.
// Delivery is at-most-once: a topic with no subscribers at publish time
// drops the envelope, which matches the in-process bus.
type RedisBus struct {
	client redis.UniversalClient
	logger *slog.Logger
	clock  func() time.Time
	newID  func() string
}

// NewRedisBus wraps an existing client. A nil logger falls back to the
// default.
func NewRedisBus(client redis.UniversalClient, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{
		client: client,
		logger: logger.With("component", "events"),
		clock:  time.Now,
		newID:  defaultID,
	}
}

// WithClock overrides the clock for deterministic tests.
func (b *RedisBus) WithClock(clock func() time.Time) *RedisBus {
	b.clock = clock
	return b
}

// Publish stamps the envelope and sends it to the topic's channel.
func (b *RedisBus) Publish(ctx context.Context, topic Topic, env Envelope) error {
	if topic == "" {
		return fault.New(fault.CodeInputInvalid, "publish needs a topic")
	}
	stamp(&env, b.clock, b.newID)
	body, err := json.Marshal(env)
	if err != nil {
		return fault.Wrap(fault.CodeInputInvalid, err, "encoding notification")
	}
	if err := b.client.Publish(ctx, channelPrefix+string(topic), body).Err(); err != nil {
		return fault.Wrap(fault.CodeStoreError, err, "publishing notification")
	}
	return nil
}

// Subscribe delivers the topic's envelopes to handler from a background
// goroutine until the returned stop function is called or the connection
// drops. Unreadable payloads are logged and skipped.
func (b *RedisBus) Subscribe(ctx context.Context, topic Topic, handler func(Envelope)) (func(), error) {
	if topic == "" {
		return nil, fault.New(fault.CodeInputInvalid, "subscribe needs a topic")
	}
	sub := b.client.Subscribe(ctx, channelPrefix+string(topic))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fault.Wrap(fault.CodeStoreError, err, "subscribing to topic")
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("unreadable notification",
					"topic", string(topic), "error", err)
				continue
			}
			handler(env)
		}
	}()
	return func() { _ = sub.Close() }, nil
}
