package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hlekkr/hlekkr/pkg/fault"
)

// defaultBuffer is each subscription's channel depth. A subscriber that
// falls this far behind starts losing notifications.
const defaultBuffer = 64

// Subscription receives one topic's envelopes on C until closed.
type Subscription struct {
	C <-chan Envelope

	bus   *Bus
	topic Topic
	ch    chan Envelope
	once  sync.Once
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.unsubscribe(s) })
}

// Bus is the in-process publisher: buffered fan-out per topic. Publish
// never blocks; an envelope a full subscriber cannot take is dropped and
// counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Topic][]*Subscription
	dropped atomic.Uint64
	buffer  int
	logger  *slog.Logger
	clock   func() time.Time
	newID   func() string
}

// NewBus returns an empty bus. A nil logger falls back to the default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   map[Topic][]*Subscription{},
		buffer: defaultBuffer,
		logger: logger.With("component", "events"),
		clock:  time.Now,
		newID:  defaultID,
	}
}

// WithBuffer overrides the per-subscription channel depth.
func (b *Bus) WithBuffer(n int) *Bus {
	if n > 0 {
		b.buffer = n
	}
	return b
}

// WithClock overrides the clock for deterministic tests.
func (b *Bus) WithClock(clock func() time.Time) *Bus {
	b.clock = clock
	return b
}

// Subscribe attaches a new subscription to the topic.
func (b *Bus) Subscribe(topic Topic) *Subscription {
	ch := make(chan Envelope, b.buffer)
	sub := &Subscription{C: ch, bus: b, topic: topic, ch: ch}
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	current := b.subs[sub.topic]
	kept := current[:0]
	for _, s := range current {
		if s != sub {
			kept = append(kept, s)
		}
	}
	b.subs[sub.topic] = kept
	close(sub.ch)
}

// Publish stamps the envelope and offers it to every subscriber of the
// topic. It never blocks on a slow consumer.
func (b *Bus) Publish(_ context.Context, topic Topic, env Envelope) error {
	if topic == "" {
		return fault.New(fault.CodeInputInvalid, "publish needs a topic")
	}
	stamp(&env, b.clock, b.newID)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- env:
		default:
			b.dropped.Add(1)
			b.logger.Warn("notification dropped",
				"topic", string(topic), "type", env.Type, "id", env.ID)
		}
	}
	return nil
}

// Dropped reports how many envelopes full subscribers have lost.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }
