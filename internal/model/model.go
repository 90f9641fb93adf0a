package model

import (
	"regexp"
	"strings"
	"time"
)

// CalendarEvent is a single timed occurrence mirrored from a remote calendar.
// Recurring events are stored one instance per occurrence.
type CalendarEvent struct {
	// ID is the qualified id (see QualifiedID), stable across syncs.
	ID         string `json:"id"`
	CalendarID string `json:"calendar_id"`

	Title    string `json:"title"`
	Location string `json:"location,omitempty"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	PrimaryMeetingURL string `json:"primary_meeting_url,omitempty"`
	HTMLLink          string `json:"html_link,omitempty"`
}

// HasVideoLink reports whether the event has a joinable meeting URL.
func (e CalendarEvent) HasVideoLink() bool {
	return e.PrimaryMeetingURL != ""
}

// Overlaps reports whether the event intersects [from, to).
func (e CalendarEvent) Overlaps(from, to time.Time) bool {
	return e.StartTime.Before(to) && e.EndTime.After(from)
}

// QualifiedID scopes a remote event id to its source calendar.
func QualifiedID(calendarID, remoteID string) string {
	return calendarID + "#" + remoteID
}

// SplitQualifiedID is the inverse of QualifiedID.
func SplitQualifiedID(id string) (calendarID, remoteID string, ok bool) {
	return strings.Cut(id, "#")
}

var meetingURLPattern = regexp.MustCompile(`https://(?:[\w-]+\.)?(?:zoom\.us/j/|meet\.google\.com/|teams\.microsoft\.com/l/meetup-join/|teams\.live\.com/meet/|[\w-]+\.webex\.com/)[^\s<>"']+`)

// DetectMeetingURL returns the first video-meeting URL found in texts.
func DetectMeetingURL(texts ...string) string {
	for _, t := range texts {
		if m := meetingURLPattern.FindString(t); m != "" {
			return strings.TrimRight(m, ").,;")
		}
	}
	return ""
}

// AlertStage is one of the two fixed reminder stages.
type AlertStage string

const (
	Stage1 AlertStage = "stage1"
	Stage2 AlertStage = "stage2"
)

// Stages lists stages in firing order.
var Stages = []AlertStage{Stage1, Stage2}

// DefaultOffset is the time before start the stage fires when not configured.
func (s AlertStage) DefaultOffset() time.Duration {
	switch s {
	case Stage1:
		return 10 * time.Minute
	case Stage2:
		return 2 * time.Minute
	}
	return 0
}

// Label is the short human text shown with the reminder.
func (s AlertStage) Label() string {
	switch s {
	case Stage1:
		return "Starting soon"
	case Stage2:
		return "Starting now"
	}
	return string(s)
}

// AlertState is the persisted part of the alert lifecycle. Acknowledged and
// superseded alerts are removed instead of stored.
type AlertState string

const (
	AlertScheduled AlertState = "scheduled"
	AlertDelivered AlertState = "delivered"
)

// ScheduledAlert is one pending or delivered reminder for (EventID, Stage).
type ScheduledAlert struct {
	ID                string     `json:"id"`
	EventID           string     `json:"event_id"`
	Stage             AlertStage `json:"stage"`
	State             AlertState `json:"state"`
	ScheduledFireTime time.Time  `json:"scheduled_fire_time"`
	SnoozeCount       int        `json:"snooze_count"`
	OriginalFireTime  *time.Time `json:"original_fire_time,omitempty"`

	EventTitle     string    `json:"event_title"`
	EventStartTime time.Time `json:"event_start_time"`
	EventEndTime   time.Time `json:"event_end_time"`
	MeetingURL     string    `json:"meeting_url,omitempty"`
}

// AlertID encodes (eventID, stage) as the alert identity.
func AlertID(eventID string, stage AlertStage) string {
	return eventID + "@" + string(stage)
}

// Snoozed reports whether the user has pushed this alert at least once.
func (a ScheduledAlert) Snoozed() bool {
	return a.SnoozeCount > 0
}

// SyncState is the per-calendar continuation state.
type SyncState struct {
	Tokens       map[string]string `json:"tokens"`
	LastFullSync time.Time         `json:"last_full_sync"`
	// LastError keeps the most recent failure message per calendar; cleared on success.
	LastError map[string]string `json:"last_error,omitempty"`
}

// Clone returns a deep copy.
func (s SyncState) Clone() SyncState {
	out := SyncState{
		Tokens:       make(map[string]string, len(s.Tokens)),
		LastFullSync: s.LastFullSync,
	}
	for k, v := range s.Tokens {
		out.Tokens[k] = v
	}
	if len(s.LastError) > 0 {
		out.LastError = make(map[string]string, len(s.LastError))
		for k, v := range s.LastError {
			out.LastError[k] = v
		}
	}
	return out
}
