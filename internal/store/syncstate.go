package store

import (
	"path/filepath"
	"sync"
	"time"

	"meetbell/internal/model"
)

// SyncStateStore persists continuation tokens per calendar. Only the sync
// engine writes it.
type SyncStateStore struct {
	mu   sync.Mutex
	file *jsonFile[model.SyncState]
}

func NewSyncStateStore(dir string) *SyncStateStore {
	return &SyncStateStore{
		file: newJSONFile(filepath.Join(dir, SyncStateFile), func() model.SyncState {
			return model.SyncState{Tokens: map[string]string{}}
		}),
	}
}

func (s *SyncStateStore) Load() (model.SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.ensure(); err != nil {
		return model.SyncState{}, err
	}
	return s.file.value.Clone(), nil
}

// Token returns the stored token for calendarID; "" means none.
func (s *SyncStateStore) Token(calendarID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.ensure(); err != nil {
		return "", err
	}
	return s.file.value.Tokens[calendarID], nil
}

// SetToken stores the token last returned by the remote source. An empty
// token removes the entry.
func (s *SyncStateStore) SetToken(calendarID, token string) error {
	return s.mutate(func(st *model.SyncState) bool {
		if token == "" {
			if _, ok := st.Tokens[calendarID]; !ok {
				return false
			}
			delete(st.Tokens, calendarID)
			return true
		}
		if st.Tokens[calendarID] == token {
			return false
		}
		st.Tokens[calendarID] = token
		return true
	})
}

// ClearToken drops the token after the source invalidated it.
func (s *SyncStateStore) ClearToken(calendarID string) error {
	return s.SetToken(calendarID, "")
}

// ClearAllTokens forces the next sync of every calendar to be a full fetch.
func (s *SyncStateStore) ClearAllTokens() error {
	return s.mutate(func(st *model.SyncState) bool {
		if len(st.Tokens) == 0 {
			return false
		}
		st.Tokens = map[string]string{}
		return true
	})
}

func (s *SyncStateStore) MarkFullSync(t time.Time) error {
	return s.mutate(func(st *model.SyncState) bool {
		st.LastFullSync = t
		return true
	})
}

// SetLastError records (msg != "") or clears (msg == "") a calendar's last failure.
func (s *SyncStateStore) SetLastError(calendarID, msg string) error {
	return s.mutate(func(st *model.SyncState) bool {
		if msg == "" {
			if _, ok := st.LastError[calendarID]; !ok {
				return false
			}
			delete(st.LastError, calendarID)
			return true
		}
		if st.LastError == nil {
			st.LastError = map[string]string{}
		}
		if st.LastError[calendarID] == msg {
			return false
		}
		st.LastError[calendarID] = msg
		return true
	})
}

// mutate applies fn to a copy and commits it when fn reports a change.
func (s *SyncStateStore) mutate(fn func(*model.SyncState) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.ensure(); err != nil {
		return err
	}
	next := s.file.value.Clone()
	if next.Tokens == nil {
		next.Tokens = map[string]string{}
	}
	if !fn(&next) {
		return nil
	}
	return s.file.commit(next)
}
