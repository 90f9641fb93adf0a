package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "meetbell/internal/log"
	"meetbell/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
	instanceLayout                = "20060102T150405Z"
)

// ExpandConfig controls recurrence expansion.
type ExpandConfig struct {
	// RangeStart / RangeEnd bound the occurrences returned by overlap.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps runaway rules. Zero uses the default.
	MaxOccurrencesPerEvent int
}

// Expand turns parsed VEVENTs into concrete timed events of calendarID
// inside the configured range. All-day and cancelled entries are dropped.
// A recurring instance is identified by its UID and original start, so a
// moved instance keeps its id.
func Expand(calendarID string, events []ParsedEvent, cfg ExpandConfig) ([]model.CalendarEvent, error) {
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return nil, errors.New("expand: range end is before range start")
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	baseByUID := make(map[string][]ParsedEvent)
	overridesByUID := make(map[string][]ParsedEvent)
	for _, ev := range events {
		if ev.IsOverride && ev.Recurrence != nil {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
		} else {
			baseByUID[ev.UID] = append(baseByUID[ev.UID], ev)
		}
	}

	out := make([]model.CalendarEvent, 0)
	for uid, bases := range baseByUID {
		overrides := overridesByUID[uid]
		for _, base := range bases {
			if base.Cancelled {
				continue
			}
			if base.RawRRule == "" {
				if occ, ok := occurrence(calendarID, base, base.UID, cfg); ok {
					out = append(out, occ)
				}
				continue
			}
			occs, truncated := expandRecurring(calendarID, base, overrides, cfg)
			if truncated {
				appLog.Warn("ics occurrences truncated", "calendar", calendarID, "uid", uid, "cap", cfg.MaxOccurrencesPerEvent)
			}
			out = append(out, occs...)
		}
	}
	return out, nil
}

func expandRecurring(calendarID string, base ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]model.CalendarEvent, bool) {
	opt, err := rrule.StrToROption(base.RawRRule)
	if err != nil {
		appLog.Error("ics rrule parse failed", err, "calendar", calendarID, "uid", base.UID, "rrule", base.RawRRule)
		return nil, false
	}
	opt.Dtstart = base.Start
	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		appLog.Error("ics rrule build failed", err, "calendar", calendarID, "uid", base.UID)
		return nil, false
	}

	var set rrule.Set
	set.RRule(rule)
	for _, ex := range base.ExDates {
		set.ExDate(ex.In(base.Start.Location()))
	}

	dur := base.End.Sub(base.Start)
	// Widen the lower bound by the duration so instances already running at
	// RangeStart are kept.
	from := cfg.RangeStart.Add(-dur).In(base.Start.Location())
	to := cfg.RangeEnd.In(base.Start.Location())
	starts := set.Between(from, to, true)

	truncated := false
	if len(starts) > cfg.MaxOccurrencesPerEvent {
		starts = starts[:cfg.MaxOccurrencesPerEvent]
		truncated = true
	}

	used := make(map[int]bool, len(overrides))
	out := make([]model.CalendarEvent, 0, len(starts))
	for _, start := range starts {
		key := base.UID + "/" + start.UTC().Format(instanceLayout)
		inst := base
		inst.Start = start
		inst.End = start.Add(dur)
		if i, ok := findOverride(overrides, start); ok {
			used[i] = true
			inst = overrides[i]
		}
		if inst.Cancelled {
			continue
		}
		if occ, ok := occurrence(calendarID, inst, key, cfg); ok {
			out = append(out, occ)
		}
	}

	// An override can move an instance into the range from outside it.
	for i, ov := range overrides {
		if used[i] || ov.Cancelled {
			continue
		}
		key := base.UID + "/" + ov.Recurrence.UTC().Format(instanceLayout)
		if occ, ok := occurrence(calendarID, ov, key, cfg); ok {
			out = append(out, occ)
		}
	}
	return out, truncated
}

// findOverride returns the override whose RECURRENCE-ID equals start.
func findOverride(overrides []ParsedEvent, start time.Time) (int, bool) {
	for i, ov := range overrides {
		if ov.Recurrence != nil && ov.Recurrence.Equal(start) {
			return i, true
		}
	}
	return 0, false
}

func occurrence(calendarID string, ev ParsedEvent, key string, cfg ExpandConfig) (model.CalendarEvent, bool) {
	if ev.AllDay {
		return model.CalendarEvent{}, false
	}
	out := model.CalendarEvent{
		ID:                model.QualifiedID(calendarID, key),
		CalendarID:        calendarID,
		Title:             ev.Summary,
		Location:          ev.Location,
		StartTime:         ev.Start.UTC(),
		EndTime:           ev.End.UTC(),
		PrimaryMeetingURL: model.DetectMeetingURL(ev.Location, ev.URL, ev.Description),
		HTMLLink:          ev.URL,
	}
	// Zero-length events count when their start lies in the range.
	inRange := out.StartTime.Before(cfg.RangeEnd) &&
		(out.EndTime.After(cfg.RangeStart) || !out.StartTime.Before(cfg.RangeStart))
	if !inRange {
		return model.CalendarEvent{}, false
	}
	return out, true
}
