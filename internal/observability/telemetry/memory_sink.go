package telemetry

import (
	"context"
	"sync"
)

// MemorySink keeps the most recent events in memory. A capacity of zero
// keeps everything.
type MemorySink struct {
	mu       sync.Mutex
	capacity int
	events   []Event
}

func NewMemorySink(capacity int) *MemorySink {
	if capacity < 0 {
		capacity = 0
	}
	return &MemorySink{capacity: capacity}
}

func (s *MemorySink) Export(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capacity > 0 && len(s.events) == s.capacity {
		copy(s.events, s.events[1:])
		s.events = s.events[:len(s.events)-1]
	}
	s.events = append(s.events, ev)
	return nil
}

// Events returns retained events oldest first.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Metrics returns retained samples of the named metric.
func (s *MemorySink) Metrics(name string) []Event {
	return s.filter(func(ev Event) bool { return ev.Metric != nil && ev.Metric.Name == name })
}

// Interactions returns retained interaction records.
func (s *MemorySink) Interactions() []Event {
	return s.filter(func(ev Event) bool { return ev.Kind == EventKindInteraction && ev.Interaction != nil })
}

func (s *MemorySink) filter(keep func(Event) bool) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if keep(ev) {
			out = append(out, ev)
		}
	}
	return out
}
