package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/25f3003058-afk/spllit-landing-sub001/internal/bus"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/logging"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/models"
)

// fakeUpdater implements RedisUpdater for tests
type fakeUpdater struct {
	failH  int // number of times to fail HSet before succeeding
	hCalls int
	hashes map[string]map[string]interface{}
	open   map[string]bool
	ttls   map[string]time.Duration
}

func newFakeUpdater() *fakeUpdater {
	return &fakeUpdater{
		hashes: make(map[string]map[string]interface{}),
		open:   make(map[string]bool),
		ttls:   make(map[string]time.Duration),
	}
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]interface{})
		f.hashes[key] = h
	}
	for k, v := range values {
		h[k] = v
	}
	return nil
}

func (f *fakeUpdater) Expire(ctx context.Context, key string, ttl time.Duration) error {
	f.ttls[key] = ttl
	return nil
}

func (f *fakeUpdater) SAdd(ctx context.Context, key, member string) error {
	f.open[member] = true
	return nil
}

func (f *fakeUpdater) SRem(ctx context.Context, key, member string) error {
	delete(f.open, member)
	return nil
}

func encode(t *testing.T, eventType string, payload any) []byte {
	t.Helper()
	b, err := json.Marshal(bus.Event{Type: eventType, Topic: bus.AdminTopic, Payload: payload, PublishedAt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := newFakeUpdater()
	f.failH = 1
	p := projection{key: "emergency:E1", fields: map[string]interface{}{"status": "active"}, member: "E1", open: true}
	start := time.Now()
	if err := updateRedisWithRetry(context.Background(), f, p, time.Hour, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.hCalls < 2 {
		t.Fatalf("expected retries, got h=%d", f.hCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
	if !f.open["E1"] || f.ttls["emergency:E1"] != time.Hour {
		t.Fatalf("projection incomplete: open=%v ttls=%v", f.open, f.ttls)
	}
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := newFakeUpdater()
	f.failH = 5
	p := projection{key: "match:M1", fields: map[string]interface{}{"origin": "A"}}
	if err := updateRedisWithRetry(context.Background(), f, p, 0, 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.hCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.hCalls)
	}
}

func TestProjectEmergencyLifecycle(t *testing.T) {
	f := newFakeUpdater()
	ctx := context.Background()
	apply := func(value []byte) {
		t.Helper()
		p, err := projectEvent(value)
		if err != nil {
			t.Fatal(err)
		}
		if err := updateRedisWithRetry(ctx, f, p, 0, 1, 0); err != nil {
			t.Fatal(err)
		}
	}

	apply(encode(t, models.EventEmergencySOS, models.SOSAlert{
		ID: "E1", UserName: "Asha", Location: models.Coord{Lat: 12.9, Lng: 77.6},
		EmergencyType: models.EmergencyMedical, Status: models.EmergencyActive,
	}))
	if !f.open["E1"] || f.hashes["emergency:E1"]["userName"] != "Asha" || f.hashes["emergency:E1"]["emergencyType"] != "medical" {
		t.Fatalf("sos not projected: %v %v", f.open, f.hashes)
	}

	apply(encode(t, models.EventEmergencyStatusUpdated, models.EmergencyStatusChange{ID: "E1", Status: models.EmergencyAcknowledged}))
	if !f.open["E1"] {
		t.Fatal("acknowledged emergency left the open set")
	}

	now := time.Now()
	apply(encode(t, models.EventEmergencyStatusUpdated, models.EmergencyStatusChange{ID: "E1", Status: models.EmergencyResolved, ResolvedAt: &now}))
	if f.open["E1"] {
		t.Fatal("resolved emergency still open")
	}
	h := f.hashes["emergency:E1"]
	if h["status"] != "resolved" || h["resolvedAt"] == nil || h["userName"] != "Asha" {
		t.Fatalf("hash after resolve: %v", h)
	}
}

func TestProjectEventSkipsAndRejects(t *testing.T) {
	p, err := projectEvent(encode(t, models.EventMessage, map[string]string{"body": "hi"}))
	if err != nil || p.key != "" {
		t.Fatalf("untracked type: %+v %v", p, err)
	}
	if _, err := projectEvent([]byte("{not json")); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := projectEvent(encode(t, models.EventEmergencySOS, models.SOSAlert{})); err == nil {
		t.Fatal("expected error for alert without id")
	}
	m, err := projectEvent(encode(t, models.EventNewMatchCreated, models.MatchSummary{MatchID: "M1", TotalFare: 200, SplitAmount: 100}))
	if err != nil || m.key != "match:M1" || m.member != "" || m.fields["splitAmount"] != 100.0 {
		t.Fatalf("match projection: %+v %v", m, err)
	}
}

// fakeReader serves msgs, then cancels the consumer as a shutdown would.
type fakeReader struct {
	msgs   []kafka.Message
	errs   int
	cancel context.CancelFunc
}

func (r *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if r.errs > 0 {
		r.errs--
		return kafka.Message{}, errors.New("broker down")
	}
	if len(r.msgs) == 0 {
		r.cancel()
		return kafka.Message{}, io.EOF
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func TestConsumeProjectsUntilCancelled(t *testing.T) {
	f := newFakeUpdater()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &fakeReader{cancel: cancel, msgs: []kafka.Message{
		{Value: []byte("garbage")},
		{Value: encode(t, models.EventEmergencySOS, models.SOSAlert{ID: "E7", Status: models.EmergencyActive})},
		{Value: encode(t, models.EventNewMatchCreated, models.MatchSummary{MatchID: "M7"})},
	}}

	done := make(chan struct{})
	go func() {
		consume(ctx, r, f, time.Minute, logging.Discard())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not stop on cancel")
	}

	if !f.open["E7"] || f.hashes["match:M7"] == nil {
		t.Fatalf("events not projected: open=%v hashes=%v", f.open, f.hashes)
	}
	if f.ttls["emergency:E7"] != time.Minute {
		t.Fatalf("ttl not applied: %v", f.ttls)
	}
}
