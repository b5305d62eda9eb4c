package audit

import (
	"sort"
	"sync"
	"time"
)

// Store retains events in memory, evicting the oldest once max is reached.
// It is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	events map[int64]Event
	order  []int64 // insertion order, oldest first
	max    int
}

// NewStore creates a store keeping at most max events (0 means unbounded).
func NewStore(max int) *Store {
	return &Store{
		events: make(map[int64]Event),
		max:    max,
	}
}

// Put stores ev, evicting the oldest entries beyond the retention cap.
func (s *Store) Put(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[ev.ID]; !exists {
		s.order = append(s.order, ev.ID)
	}
	s.events[ev.ID] = ev

	for s.max > 0 && len(s.order) > s.max {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.events, oldest)
	}
}

// Get returns the event with the given id.
func (s *Store) Get(id int64) (Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if ok {
		ev.Detail = copyDetail(ev.Detail)
	}
	return ev, ok
}

// Filter returns every event matching keep, sorted by id.
func (s *Store) Filter(keep func(Event) bool) []Event {
	s.mu.RLock()
	out := make([]Event, 0, len(s.events))
	for _, ev := range s.events {
		if keep == nil || keep(ev) {
			ev.Detail = copyDetail(ev.Detail)
			out = append(out, ev)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByServiceID returns the events attributed to serviceID.
func (s *Store) ByServiceID(serviceID int64) []Event {
	return s.Filter(func(ev Event) bool { return ev.ServiceID == serviceID })
}

// ByTimeRange returns the events with start <= timestamp <= end.
func (s *Store) ByTimeRange(start, end time.Time) []Event {
	return s.Filter(func(ev Event) bool {
		return !ev.Timestamp.Before(start) && !ev.Timestamp.After(end)
	})
}

// Len returns the number of retained events.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Clear removes every event.
func (s *Store) Clear() {
	s.mu.Lock()
	s.events = make(map[int64]Event)
	s.order = nil
	s.mu.Unlock()
}

// Statistics aggregates the retained events.
func (s *Store) Statistics() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Statistics
	var totalDuration int64
	for _, ev := range s.events {
		st.TotalCount++
		if ev.Success {
			st.SuccessCount++
		} else {
			st.FailedCount++
		}
		totalDuration += ev.Duration
	}
	if st.TotalCount > 0 {
		st.SuccessRate = float64(st.SuccessCount) / float64(st.TotalCount)
		st.AverageDurationMs = float64(totalDuration) / float64(st.TotalCount)
	}
	return st
}
