package store

import (
	"path/filepath"
	"sort"
	"sync"

	"meetbell/internal/model"
)

// AlertStore persists the scheduled alert set keyed by alert id. Only the
// alert engine writes it.
type AlertStore struct {
	mu   sync.Mutex
	file *jsonFile[[]model.ScheduledAlert]
}

func NewAlertStore(dir string) *AlertStore {
	return &AlertStore{
		file: newJSONFile(filepath.Join(dir, AlertsFile), func() []model.ScheduledAlert {
			return []model.ScheduledAlert{}
		}),
	}
}

// Load returns all alerts ordered by fire time.
func (s *AlertStore) Load() ([]model.ScheduledAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.ensure(); err != nil {
		return nil, err
	}
	return cloneAlerts(s.file.value), nil
}

// Replace persists the full alert set. Duplicate ids keep the last entry.
func (s *AlertStore) Replace(alerts []model.ScheduledAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]int, len(alerts))
	next := make([]model.ScheduledAlert, 0, len(alerts))
	for _, a := range alerts {
		a = cloneAlert(a)
		if i, ok := seen[a.ID]; ok {
			next[i] = a
			continue
		}
		seen[a.ID] = len(next)
		next = append(next, a)
	}
	sortAlerts(next)
	return s.file.commit(next)
}

func (s *AlertStore) Get(id string) (model.ScheduledAlert, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.ensure(); err != nil {
		return model.ScheduledAlert{}, false, err
	}
	for _, a := range s.file.value {
		if a.ID == id {
			return cloneAlert(a), true, nil
		}
	}
	return model.ScheduledAlert{}, false, nil
}

// Update runs a read-modify-write on one alert under the store lock. fn gets
// a copy; returning false aborts without writing. The updated alert is
// returned.
func (s *AlertStore) Update(id string, fn func(*model.ScheduledAlert) bool) (model.ScheduledAlert, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.ensure(); err != nil {
		return model.ScheduledAlert{}, false, err
	}

	next := cloneAlerts(s.file.value)
	for i := range next {
		if next[i].ID != id {
			continue
		}
		if !fn(&next[i]) {
			return cloneAlert(next[i]), true, nil
		}
		updated := cloneAlert(next[i])
		sortAlerts(next)
		if err := s.file.commit(next); err != nil {
			return model.ScheduledAlert{}, true, err
		}
		return updated, true, nil
	}
	return model.ScheduledAlert{}, false, nil
}

// RemoveEvent deletes every stage alert of eventID and returns the removed alerts.
func (s *AlertStore) RemoveEvent(eventID string) ([]model.ScheduledAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.ensure(); err != nil {
		return nil, err
	}

	var removed []model.ScheduledAlert
	next := make([]model.ScheduledAlert, 0, len(s.file.value))
	for _, a := range s.file.value {
		if a.EventID == eventID {
			removed = append(removed, cloneAlert(a))
			continue
		}
		next = append(next, cloneAlert(a))
	}
	if len(removed) == 0 {
		return nil, nil
	}
	if err := s.file.commit(next); err != nil {
		return nil, err
	}
	return removed, nil
}

func cloneAlert(a model.ScheduledAlert) model.ScheduledAlert {
	if a.OriginalFireTime != nil {
		t := *a.OriginalFireTime
		a.OriginalFireTime = &t
	}
	return a
}

func cloneAlerts(in []model.ScheduledAlert) []model.ScheduledAlert {
	out := make([]model.ScheduledAlert, len(in))
	for i, a := range in {
		out[i] = cloneAlert(a)
	}
	return out
}

func sortAlerts(alerts []model.ScheduledAlert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		if !alerts[i].ScheduledFireTime.Equal(alerts[j].ScheduledFireTime) {
			return alerts[i].ScheduledFireTime.Before(alerts[j].ScheduledFireTime)
		}
		return alerts[i].ID < alerts[j].ID
	})
}
