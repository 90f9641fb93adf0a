package alert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"meetbell/internal/model"
)

func TestSettingsOffsets(t *testing.T) {
	s := DefaultSettings()
	d, ok := s.Offset(model.Stage1)
	assert.True(t, ok)
	assert.Equal(t, 10*time.Minute, d)
	d, ok = s.Offset(model.Stage2)
	assert.True(t, ok)
	assert.Equal(t, 2*time.Minute, d)

	s.Stage1Minutes = -3
	_, ok = s.Offset(model.Stage1)
	assert.False(t, ok)
	assert.Equal(t, []model.AlertStage{model.Stage2}, s.EnabledStages())

	assert.Empty(t, Settings{}.EnabledStages())
}

func TestSettingsAllows(t *testing.T) {
	s := Settings{
		BlockedKeywords:    []string{"Focus"},
		ForceAlertKeywords: []string{"interview"},
	}
	ev := func(title string) model.CalendarEvent {
		return model.CalendarEvent{CalendarID: "work", Title: title}
	}

	assert.True(t, s.Allows(ev("Standup")))
	assert.False(t, s.Allows(ev("focus time")))
	assert.True(t, s.Allows(ev("FOCUS: Interview prep")))
	assert.True(t, s.Allows(ev("")))

	s.EnabledCalendars = []string{"home"}
	assert.False(t, s.Allows(ev("Standup")))
}

func TestQuietHours(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC) }

	overnight := QuietHours{Start: 22 * time.Hour, End: 7 * time.Hour, Location: time.UTC}
	tests := []struct {
		name  string
		now   time.Time
		quiet bool
	}{
		{"late evening", at(23, 30), true},
		{"start boundary", at(22, 0), true},
		{"early morning", at(6, 59), true},
		{"end boundary", at(7, 0), false},
		{"midday", at(12, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, quiet := overnight.Degraded(tt.now)
			assert.Equal(t, tt.quiet, quiet)
			if quiet {
				assert.Equal(t, "quiet hours", reason)
			}
		})
	}

	_, quiet := QuietHours{Start: time.Hour, End: time.Hour}.Degraded(at(1, 0))
	assert.False(t, quiet, "empty range is never quiet")

	tokyo := time.FixedZone("JST", 9*3600)
	_, quiet = QuietHours{Start: 8 * time.Hour, End: 9 * time.Hour, Location: tokyo}.Degraded(at(23, 30))
	assert.True(t, quiet, "evaluated in its own zone")
}

func TestAnyCondition(t *testing.T) {
	presenting := ConditionFunc(func(time.Time) (string, bool) { return "presenting", true })
	c := AnyCondition{nil, NoConditions{}, presenting, QuietHours{Start: 0, End: 23 * time.Hour}}
	reason, ok := c.Degraded(time.Now())
	assert.True(t, ok)
	assert.Equal(t, "presenting", reason)

	_, ok = AnyCondition{NoConditions{}}.Degraded(time.Now())
	assert.False(t, ok)
}
