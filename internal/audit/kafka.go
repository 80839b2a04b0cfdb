// Package audit writes admin-topic events to Kafka. The stream is the
// durable record of every SOS and match the ops dashboard was shown.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/25f3003058-afk/spllit-landing-sub001/internal/bus"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/models"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/observability"
)

// MessageWriter is the subset of *kafka.Writer the sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaSink struct {
	writer       MessageWriter
	queue        chan bus.Event
	logger       *slog.Logger
	writeTimeout time.Duration
	// DrainTimeout bounds how long Run keeps flushing after ctx is done.
	DrainTimeout time.Duration
}

func NewKafkaSink(brokers []string, topic string, logger *slog.Logger) *KafkaSink {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return newKafkaSink(w, logger)
}

func newKafkaSink(w MessageWriter, logger *slog.Logger) *KafkaSink {
	return &KafkaSink{
		writer:       w,
		queue:        make(chan bus.Event, 1024),
		logger:       logger,
		writeTimeout: 2 * time.Second,
		DrainTimeout: 5 * time.Second,
	}
}

// Deliver queues admin events; everything else is ignored.
func (k *KafkaSink) Deliver(ev bus.Event) {
	if ev.Topic != bus.AdminTopic {
		return
	}
	select {
	case k.queue <- ev:
	default:
		observability.BusDropped.WithLabelValues("audit").Inc()
		k.logger.Error("audit_queue_full", "type", ev.Type)
	}
}

// Run writes queued events until ctx is done, then flushes what is still
// queued for at most DrainTimeout.
func (k *KafkaSink) Run(ctx context.Context) {
	// Writes in flight finish under writeTimeout even once shutdown starts.
	wctx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			k.drain()
			return
		case ev := <-k.queue:
			if err := k.write(wctx, ev); err != nil {
				k.logger.Error("audit_write_failed", "type", ev.Type, "error", err)
			}
		}
	}
}

func (k *KafkaSink) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), k.DrainTimeout)
	defer cancel()
	for ctx.Err() == nil {
		select {
		case ev := <-k.queue:
			if err := k.write(ctx, ev); err != nil {
				k.logger.Error("audit_write_failed", "type", ev.Type, "error", err)
			}
		default:
			return
		}
	}
	if n := len(k.queue); n > 0 {
		k.logger.Error("audit_drain_incomplete", "remaining", n)
	}
}

func (k *KafkaSink) write(ctx context.Context, ev bus.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.writeTimeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(keyFor(ev)), Value: b, Time: ev.PublishedAt})
}

// keyFor keys messages by entity so one emergency's updates stay on one
// partition, in order.
func keyFor(ev bus.Event) string {
	switch p := ev.Payload.(type) {
	case models.SOSAlert:
		return p.ID
	case models.EmergencyStatusChange:
		return p.ID
	case models.MatchSummary:
		return p.MatchID
	}
	return ev.Type
}

func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
