// Package bus is the in-process publish/subscribe fabric that carries
// domain events to live subscribers (riders and the ops dashboard).
//
// Delivery is best-effort and at-most-once: Publish never blocks on a
// subscriber, a full subscriber buffer drops the event (logged and counted),
// and no history is kept for late subscribers.
package bus

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/25f3003058-afk/spllit-landing-sub001/internal/models"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/observability"
)

const AdminTopic = "admin"

func UserTopic(userID string) string { return "user:" + userID }

type Event struct {
	Type        string    `json:"type"`
	Topic       string    `json:"topic"`
	Payload     any       `json:"payload"`
	PublishedAt time.Time `json:"publishedAt"`
	Origin      string    `json:"origin,omitempty"`
}

// Sink receives every locally published event after subscribers.
// Deliver must not block.
type Sink interface {
	Deliver(ev Event)
}

type Bus struct {
	mu     sync.Mutex
	topics map[string]map[uint64]*Subscription
	nextID uint64
	sinks  []Sink

	buffer int
	origin string
	logger *slog.Logger
	now    func() time.Time
}

// New creates a bus whose subscriptions buffer up to buffer events.
func New(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		topics: make(map[string]map[uint64]*Subscription),
		buffer: buffer,
		origin: models.NewID(),
		logger: logger,
		now:    time.Now,
	}
}

// Origin identifies this process in relayed events.
func (b *Bus) Origin() string { return b.origin }

func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// RemoveSink stops delivery to s. Events already handed to it are its own.
func (b *Bus) RemoveSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := make([]Sink, 0, len(b.sinks))
	for _, have := range b.sinks {
		if have != s {
			kept = append(kept, have)
		}
	}
	b.sinks = kept
}

// Publish delivers payload to current subscribers of topic and to every sink.
func (b *Bus) Publish(topic, eventType string, payload any) {
	ev := Event{Type: eventType, Topic: topic, Payload: payload, PublishedAt: b.now().UTC(), Origin: b.origin}
	sinks := b.deliver(ev)
	observability.BusPublished.WithLabelValues(topicKind(topic)).Inc()
	for _, s := range sinks {
		s.Deliver(ev)
	}
}

// Inject delivers an event that was published by another process. Sinks are
// skipped so relayed events are not relayed again.
func (b *Bus) Inject(ev Event) {
	b.deliver(ev)
}

func (b *Bus) deliver(ev Event) []Sink {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.topics[ev.Topic] {
		select {
		case sub.ch <- ev:
		default:
			observability.BusDropped.WithLabelValues(topicKind(ev.Topic)).Inc()
			b.logger.Warn("bus_drop", "topic", ev.Topic, "type", ev.Type, "subscription", sub.id)
		}
	}
	return b.sinks
}

func (b *Bus) Subscribe(topic string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, topic: topic, ch: make(chan Event, b.buffer), bus: b}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[uint64]*Subscription)
		b.topics[topic] = subs
	}
	subs[sub.id] = sub
	observability.BusSubscribers.Inc()
	return sub
}

// Subscribers returns the number of live subscriptions on topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[sub.topic]
	if _, ok := subs[sub.id]; !ok {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(b.topics, sub.topic)
	}
	// sends happen under b.mu, so closing here cannot race a send
	close(sub.ch)
	observability.BusSubscribers.Dec()
}

type Subscription struct {
	id    uint64
	topic string
	ch    chan Event
	bus   *Bus
	once  sync.Once
}

func (s *Subscription) Topic() string { return s.topic }

// C yields events in publish order. It is closed by Cancel.
func (s *Subscription) C() <-chan Event { return s.ch }

// Cancel stops delivery immediately and discards anything still buffered.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
		for range s.ch {
		}
	})
}

func topicKind(topic string) string {
	if topic == AdminTopic {
		return "admin"
	}
	if strings.HasPrefix(topic, "user:") {
		return "user"
	}
	return "other"
}
