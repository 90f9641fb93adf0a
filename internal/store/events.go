package store

import (
	"path/filepath"
	"sort"
	"sync"
	"time"

	"meetbell/internal/model"
)

// Window bounds which events are worth keeping. A zero bound is open.
type Window struct {
	From time.Time
	To   time.Time
}

// keeps reports whether ev intersects the window.
func (w Window) keeps(ev model.CalendarEvent) bool {
	if !w.From.IsZero() && !ev.EndTime.After(w.From) {
		return false
	}
	if !w.To.IsZero() && !ev.StartTime.Before(w.To) {
		return false
	}
	return true
}

// MergeResult counts what a Merge changed.
type MergeResult struct {
	Added   int
	Updated int
	Removed int
	Pruned  int
}

// EventStore is the local mirror of remote events, one entry per qualified id.
type EventStore struct {
	mu   sync.Mutex
	file *jsonFile[[]model.CalendarEvent]
}

func NewEventStore(dir string) *EventStore {
	return &EventStore{
		file: newJSONFile(filepath.Join(dir, EventsFile), func() []model.CalendarEvent {
			return []model.CalendarEvent{}
		}),
	}
}

// Load returns a copy of all cached events ordered by start time.
func (s *EventStore) Load() ([]model.CalendarEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.ensure(); err != nil {
		return nil, err
	}
	return cloneEvents(s.file.value), nil
}

// Save replaces the whole collection.
func (s *EventStore) Save(events []model.CalendarEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := cloneEvents(events)
	sortEvents(next)
	return s.file.commit(next)
}

// Merge applies one fetch result for calendarID. A full result replaces
// every cached event of that calendar; an incremental one overwrites
// existing ids, appends new ids and drops deleted ids. Events of the
// calendar outside keep are pruned afterwards.
func (s *EventStore) Merge(calendarID string, events []model.CalendarEvent, deleted []string, full bool, keep Window) (MergeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res MergeResult
	if err := s.file.ensure(); err != nil {
		return res, err
	}

	byID := make(map[string]model.CalendarEvent, len(s.file.value))
	for _, ev := range s.file.value {
		byID[ev.ID] = ev
	}

	if full {
		incoming := make(map[string]struct{}, len(events))
		for _, ev := range events {
			incoming[ev.ID] = struct{}{}
		}
		for id, ev := range byID {
			if ev.CalendarID != calendarID {
				continue
			}
			if _, ok := incoming[id]; !ok {
				delete(byID, id)
				res.Removed++
			}
		}
	}

	for _, id := range deleted {
		if ev, ok := byID[id]; ok && ev.CalendarID == calendarID {
			delete(byID, id)
			res.Removed++
		}
	}

	for _, ev := range events {
		ev.CalendarID = calendarID
		if _, ok := byID[ev.ID]; ok {
			res.Updated++
		} else {
			res.Added++
		}
		byID[ev.ID] = ev
	}

	next := make([]model.CalendarEvent, 0, len(byID))
	for _, ev := range byID {
		if ev.CalendarID == calendarID && !keep.keeps(ev) {
			res.Pruned++
			continue
		}
		next = append(next, ev)
	}
	sortEvents(next)

	if err := s.file.commit(next); err != nil {
		return MergeResult{}, err
	}
	return res, nil
}

// RetainCalendars drops every event whose calendar is not listed.
func (s *EventStore) RetainCalendars(calendarIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.ensure(); err != nil {
		return 0, err
	}

	allowed := make(map[string]struct{}, len(calendarIDs))
	for _, id := range calendarIDs {
		allowed[id] = struct{}{}
	}
	next := make([]model.CalendarEvent, 0, len(s.file.value))
	for _, ev := range s.file.value {
		if _, ok := allowed[ev.CalendarID]; ok {
			next = append(next, ev)
		}
	}
	dropped := len(s.file.value) - len(next)
	if dropped == 0 {
		return 0, nil
	}
	return dropped, s.file.commit(next)
}

// Events returns events overlapping [from, to).
func (s *EventStore) Events(from, to time.Time) ([]model.CalendarEvent, error) {
	return s.filter(func(ev model.CalendarEvent) bool {
		return ev.Overlaps(from, to)
	})
}

// EventsForCalendar returns the cached events of one calendar.
func (s *EventStore) EventsForCalendar(calendarID string) ([]model.CalendarEvent, error) {
	return s.filter(func(ev model.CalendarEvent) bool {
		return ev.CalendarID == calendarID
	})
}

// NextEvent returns the earliest event starting strictly after t.
func (s *EventStore) NextEvent(after time.Time) (model.CalendarEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.ensure(); err != nil {
		return model.CalendarEvent{}, false, err
	}
	var (
		next  model.CalendarEvent
		found bool
	)
	for _, ev := range s.file.value {
		if !ev.StartTime.After(after) {
			continue
		}
		if !found || ev.StartTime.Before(next.StartTime) {
			next, found = ev, true
		}
	}
	return next, found, nil
}

// Get returns one event by qualified id.
func (s *EventStore) Get(id string) (model.CalendarEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.ensure(); err != nil {
		return model.CalendarEvent{}, false, err
	}
	for _, ev := range s.file.value {
		if ev.ID == id {
			return ev, true, nil
		}
	}
	return model.CalendarEvent{}, false, nil
}

func (s *EventStore) filter(keep func(model.CalendarEvent) bool) ([]model.CalendarEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.ensure(); err != nil {
		return nil, err
	}
	out := make([]model.CalendarEvent, 0)
	for _, ev := range s.file.value {
		if keep(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func cloneEvents(in []model.CalendarEvent) []model.CalendarEvent {
	out := make([]model.CalendarEvent, len(in))
	copy(out, in)
	return out
}

func sortEvents(events []model.CalendarEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].StartTime.Equal(events[j].StartTime) {
			return events[i].StartTime.Before(events[j].StartTime)
		}
		return events[i].ID < events[j].ID
	})
}
