// Package notify presents alert deliveries: log lines, a terminal box and
// Telegram messages.
package notify

import (
	"fmt"
	"time"

	"meetbell/internal/alert"
	appLog "meetbell/internal/log"
	"meetbell/internal/model"
)

// CommandKind is a user reaction coming back from a sink.
type CommandKind string

const (
	CommandSnooze CommandKind = "snooze"
	CommandAck    CommandKind = "ack"
)

// DefaultSnooze is the duration behind the "Snooze 5m" button.
const DefaultSnooze = 5 * time.Minute

// Command asks the daemon to act on the alert engine. Snooze uses AlertID,
// ack uses EventID.
type Command struct {
	Kind     CommandKind
	AlertID  string
	EventID  string
	Duration time.Duration
}

// Multi fans a delivery out to every sink.
type Multi []alert.Sink

func (m Multi) Deliver(d alert.Delivery) {
	for _, s := range m {
		s.Deliver(d)
	}
}

func (m Multi) DeliverDowngraded(d alert.Delivery, reason string) {
	for _, s := range m {
		s.DeliverDowngraded(d, reason)
	}
}

// LogSink writes deliveries to the application log.
type LogSink struct{}

func (LogSink) Deliver(d alert.Delivery) {
	for _, a := range d.Alerts {
		appLog.Info("meeting alert", alertKVs(d, a)...)
	}
}

func (LogSink) DeliverDowngraded(d alert.Delivery, reason string) {
	for _, a := range d.Alerts {
		appLog.Info("meeting alert (downgraded)", append(alertKVs(d, a), "reason", reason)...)
	}
}

func alertKVs(d alert.Delivery, a model.ScheduledAlert) []any {
	kv := []any{
		"delivery", d.ID,
		"alert", a.ID,
		"title", a.EventTitle,
		"start", a.EventStartTime.Format(time.RFC3339),
		"stage", string(a.Stage),
	}
	if a.MeetingURL != "" {
		kv = append(kv, "url", a.MeetingURL)
	}
	if d.Late {
		kv = append(kv, "late", true)
	}
	return kv
}

// headline is the one-line summary shared by the terminal and Telegram sinks.
func headline(d alert.Delivery) string {
	if d.Combined() {
		return fmt.Sprintf("%d overlapping meetings", len(d.Alerts))
	}
	if len(d.Alerts) == 0 {
		return ""
	}
	return d.Alerts[0].Stage.Label()
}

// startsIn renders how far off a meeting start is, relative to now.
func startsIn(start, now time.Time) string {
	d := start.Sub(now).Round(time.Minute)
	switch {
	case d <= -time.Minute:
		return fmt.Sprintf("started %s ago", shortDuration(-d))
	case d < time.Minute:
		return "starting now"
	default:
		return "in " + shortDuration(d)
	}
}

func shortDuration(d time.Duration) string {
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	switch {
	case h == 0:
		return fmt.Sprintf("%dm", m)
	case m == 0:
		return fmt.Sprintf("%dh", h)
	}
	return fmt.Sprintf("%dh%dm", h, m)
}
