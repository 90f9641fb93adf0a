// Package alert derives two-stage reminders from cached events, persists
// them and drives them to delivery.
package alert

import (
	"strings"
	"time"

	"golang.org/x/text/cases"

	"meetbell/internal/model"
)

// Settings are the user-facing scheduling inputs.
type Settings struct {
	// Stage1Minutes / Stage2Minutes are minutes before start; 0 disables.
	Stage1Minutes int
	Stage2Minutes int

	BlockedKeywords    []string
	ForceAlertKeywords []string
	// EnabledCalendars restricts alerts to these calendar ids when non-empty.
	EnabledCalendars []string
}

func DefaultSettings() Settings {
	return Settings{
		Stage1Minutes: int(model.Stage1.DefaultOffset() / time.Minute),
		Stage2Minutes: int(model.Stage2.DefaultOffset() / time.Minute),
	}
}

// Offset returns how long before start stage fires and whether it is enabled.
func (s Settings) Offset(stage model.AlertStage) (time.Duration, bool) {
	var m int
	switch stage {
	case model.Stage1:
		m = s.Stage1Minutes
	case model.Stage2:
		m = s.Stage2Minutes
	}
	if m <= 0 {
		return 0, false
	}
	return time.Duration(m) * time.Minute, true
}

// EnabledStages lists enabled stages in firing order.
func (s Settings) EnabledStages() []model.AlertStage {
	out := make([]model.AlertStage, 0, len(model.Stages))
	for _, st := range model.Stages {
		if _, ok := s.Offset(st); ok {
			out = append(out, st)
		}
	}
	return out
}

// Allows reports whether ev gets reminders at all. A force keyword wins
// over a blocked keyword.
func (s Settings) Allows(ev model.CalendarEvent) bool {
	if len(s.EnabledCalendars) > 0 && !contains(s.EnabledCalendars, ev.CalendarID) {
		return false
	}
	if !matchesAny(ev.Title, s.BlockedKeywords) {
		return true
	}
	return matchesAny(ev.Title, s.ForceAlertKeywords)
}

// matchesAny does a case-folded substring match.
func matchesAny(title string, keywords []string) bool {
	if len(keywords) == 0 || title == "" {
		return false
	}
	folded := cases.Fold().String(title)
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if strings.Contains(folded, cases.Fold().String(kw)) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
