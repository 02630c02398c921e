// Package events keeps recent observability events per project and fans
// them out to live subscribers.
package events

import (
	"sync"
	"time"

	"github.com/llmtrace/gateway/internal/admission"
)

const (
	defaultCapacity = 10_000
	subscriberBuf   = 64
)

// Query filters an event listing.
type Query struct {
	EventTypes []string  `json:"event_types,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	Since      time.Time `json:"since,omitempty"`
	Until      time.Time `json:"until,omitempty"`
	Limit      int       `json:"limit,omitempty"`
}

// Store is a bounded per-project ring of recent events plus a subscriber
// hub. Slow subscribers lose events rather than block the writer.
type Store struct {
	capacity int

	mu          sync.RWMutex
	byProject   map[string][]*admission.Event
	subscribers map[string]map[chan *admission.Event]struct{}
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Store{
		capacity:    capacity,
		byProject:   make(map[string][]*admission.Event),
		subscribers: make(map[string]map[chan *admission.Event]struct{}),
	}
}

// Append stores an event and notifies subscribers without blocking.
func (s *Store) Append(projectID string, ev *admission.Event) {
	s.mu.Lock()
	list := append(s.byProject[projectID], ev)
	if len(list) > s.capacity {
		list = list[len(list)-s.capacity:]
	}
	s.byProject[projectID] = list
	subs := s.subscribers[projectID]
	for ch := range subs {
		select {
		case ch <- ev:
		default: // subscriber is behind, drop for them
		}
	}
	s.mu.Unlock()
}

// Query lists matching events, newest last.
func (s *Store) Query(projectID string, q Query) []*admission.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*admission.Event
	for _, ev := range s.byProject[projectID] {
		if len(q.EventTypes) > 0 && !containsString(q.EventTypes, ev.EventType) {
			continue
		}
		if q.RequestID != "" && ev.RequestID != q.RequestID {
			continue
		}
		if !q.Since.IsZero() && ev.Timestamp.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && ev.Timestamp.After(q.Until) {
			continue
		}
		out = append(out, ev)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// CountsByType aggregates a project's stored events.
func (s *Store) CountsByType(projectID string) map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int)
	for _, ev := range s.byProject[projectID] {
		counts[ev.EventType]++
	}
	return counts
}

// Subscribe registers a live listener for a project. The returned cancel
// must be called to release it.
func (s *Store) Subscribe(projectID string) (<-chan *admission.Event, func()) {
	ch := make(chan *admission.Event, subscriberBuf)

	s.mu.Lock()
	if s.subscribers[projectID] == nil {
		s.subscribers[projectID] = make(map[chan *admission.Event]struct{})
	}
	s.subscribers[projectID][ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.subscribers[projectID], ch)
		s.mu.Unlock()
	}
	return ch, cancel
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
