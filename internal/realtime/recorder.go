// ABOUTME: Publisher that records events in memory
// ABOUTME: Used by tests of components that publish realtime events

package realtime

import "sync"

// Published is one recorded Publish call.
type Published struct {
	SessionID string
	Event     Event
}

// Recorder is a Publisher that keeps every event it receives.
type Recorder struct {
	mu     sync.Mutex
	events []Published
}

// Publish implements Publisher.
func (r *Recorder) Publish(sessionID string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Published{SessionID: sessionID, Event: ev})
}

// Events returns every recorded event in publish order.
func (r *Recorder) Events() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Published, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns the recorded events with the given event name.
func (r *Recorder) Named(name string) []Published {
	var out []Published
	for _, p := range r.Events() {
		if p.Event.EventName() == name {
			out = append(out, p)
		}
	}
	return out
}

// Names returns the event names in publish order.
func (r *Recorder) Names() []string {
	events := r.Events()
	out := make([]string, 0, len(events))
	for _, p := range events {
		out = append(out, p.Event.EventName())
	}
	return out
}

var _ Publisher = (*Recorder)(nil)
