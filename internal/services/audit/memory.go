package audit

import (
	"context"
	"sync"
)

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.RWMutex
	events []Event
	closed bool
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Append implements Sink.
func (m *MemorySink) Append(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

// Close implements Sink.
func (m *MemorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Events returns recorded events, optionally restricted to categories.
func (m *MemorySink) Events(categories ...Category) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(categories) == 0 {
		return append([]Event(nil), m.events...)
	}
	want := make(map[Category]struct{}, len(categories))
	for _, c := range categories {
		want[c] = struct{}{}
	}
	var out []Event
	for _, e := range m.events {
		if _, ok := want[e.Category]; ok {
			out = append(out, e)
		}
	}
	return out
}
