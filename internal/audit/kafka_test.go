package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/25f3003058-afk/spllit-landing-sub001/internal/bus"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/logging"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/models"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	fail   int
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errors.New("broker unavailable")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWriter) written() []kafka.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kafka.Message(nil), f.msgs...)
}

func TestKafkaSinkWritesAdminEventsOnly(t *testing.T) {
	w := &fakeWriter{}
	sink := newKafkaSink(w, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sink.Run(ctx)

	sink.Deliver(bus.Event{Type: models.EventMessage, Topic: bus.UserTopic("U1")})
	sink.Deliver(bus.Event{Type: models.EventEmergencySOS, Topic: bus.AdminTopic, Payload: models.SOSAlert{ID: "E1"}})
	sink.Deliver(bus.Event{Type: models.EventNewMatchCreated, Topic: bus.AdminTopic, Payload: models.MatchSummary{MatchID: "M1"}})

	deadline := time.Now().Add(2 * time.Second)
	for len(w.written()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d messages written", len(w.written()))
		}
		time.Sleep(5 * time.Millisecond)
	}
	msgs := w.written()
	if len(msgs) != 2 || string(msgs[0].Key) != "E1" || string(msgs[1].Key) != "M1" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	var ev struct {
		Type  string `json:"type"`
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal(msgs[0].Value, &ev); err != nil || ev.Type != models.EventEmergencySOS || ev.Topic != bus.AdminTopic {
		t.Fatalf("value: %s %v", msgs[0].Value, err)
	}
}

func TestKafkaSinkWriteError(t *testing.T) {
	w := &fakeWriter{fail: 1}
	sink := newKafkaSink(w, logging.Discard())
	ev := bus.Event{Type: models.EventEmergencyStatusUpdated, Topic: bus.AdminTopic, Payload: models.EmergencyStatusChange{ID: "E1"}}
	if err := sink.write(context.Background(), ev); err == nil {
		t.Fatal("expected write error")
	}
	if err := sink.write(context.Background(), ev); err != nil {
		t.Fatalf("second write: %v", err)
	}
	if err := sink.Close(); err != nil || !w.closed {
		t.Fatalf("close: %v", err)
	}
}

func TestDeliverNeverBlocks(t *testing.T) {
	sink := newKafkaSink(&fakeWriter{}, logging.Discard())
	done := make(chan struct{})
	go func() {
		for i := 0; i < cap(sink.queue)+10; i++ {
			sink.Deliver(bus.Event{Type: models.EventEmergencySOS, Topic: bus.AdminTopic})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Deliver blocked on a full queue")
	}
}

func TestRunFlushesQueueOnShutdown(t *testing.T) {
	w := &fakeWriter{}
	sink := newKafkaSink(w, logging.Discard())
	sink.Deliver(bus.Event{Type: models.EventEmergencySOS, Topic: bus.AdminTopic, Payload: models.SOSAlert{ID: "E1"}})
	sink.Deliver(bus.Event{Type: models.EventEmergencyStatusUpdated, Topic: bus.AdminTopic, Payload: models.EmergencyStatusChange{ID: "E1"}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		sink.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}
	if n := len(w.written()); n != 2 {
		t.Fatalf("expected queued events flushed, got %d", n)
	}
}
