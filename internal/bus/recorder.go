package bus

import "sync"

// Recorder is a Sink that keeps every event it sees. Tests attach it to a
// Bus to assert on published events without racing a subscriber.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Deliver(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// On returns the recorded events published to topic.
func (r *Recorder) On(topic string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}
