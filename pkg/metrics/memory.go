package metrics

import "sync"

// MemoryObserver keeps every event in memory. Used by tests.
type MemoryObserver struct {
	mu     sync.Mutex
	Events []MetricsEvent
}

func NewMemoryObserver() *MemoryObserver {
	return &MemoryObserver{}
}

func (m *MemoryObserver) RecordEvent(ev MetricsEvent) {
	m.mu.Lock()
	m.Events = append(m.Events, ev)
	m.mu.Unlock()
}

// Count returns how many events named name were recorded.
func (m *MemoryObserver) Count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.Events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

// Last returns the most recent event named name.
func (m *MemoryObserver) Last(name string) (MetricsEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.Events) - 1; i >= 0; i-- {
		if m.Events[i].Name == name {
			return m.Events[i], true
		}
	}
	return MetricsEvent{}, false
}
