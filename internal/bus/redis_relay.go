package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/25f3003058-afk/spllit-landing-sub001/internal/observability"
)

// RedisRelay fans bus events out to other server instances through Redis
// pub/sub, so a rider connected to instance A still sees an event that was
// published on instance B. Each instance tags events with its bus origin and
// ignores its own echoes.
type RedisRelay struct {
	client *redis.Client
	prefix string
	bus    *Bus
	queue  chan Event
	logger *slog.Logger
}

func NewRedisRelay(client *redis.Client, prefix string, b *Bus, logger *slog.Logger) *RedisRelay {
	return &RedisRelay{client: client, prefix: prefix, bus: b, queue: make(chan Event, 1024), logger: logger}
}

func (r *RedisRelay) Deliver(ev Event) {
	select {
	case r.queue <- ev:
	default:
		observability.BusDropped.WithLabelValues("relay").Inc()
		r.logger.Warn("relay_queue_full", "topic", ev.Topic, "type", ev.Type)
	}
}

// Run publishes queued events and injects remote ones until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	go r.publishLoop(ctx)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(msg)
		}
	}
}

func (r *RedisRelay) handle(msg *redis.Message) {
	var ev Event
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		r.logger.Warn("relay_invalid_message", "channel", msg.Channel, "error", err)
		return
	}
	if ev.Origin == r.bus.Origin() {
		return
	}
	if ev.Topic == "" {
		ev.Topic = strings.TrimPrefix(msg.Channel, r.prefix)
	}
	r.bus.Inject(ev)
}

func (r *RedisRelay) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.queue:
			b, err := json.Marshal(ev)
			if err != nil {
				r.logger.Error("relay_marshal_failed", "type", ev.Type, "error", err)
				continue
			}
			if err := r.client.Publish(ctx, r.prefix+ev.Topic, b).Err(); err != nil {
				r.logger.Warn("relay_publish_failed", "topic", ev.Topic, "error", err)
			}
		}
	}
}
