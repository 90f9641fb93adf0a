package alert

import "time"

// Conditions reports whether reminders should currently be presented in a
// reduced form, and why.
type Conditions interface {
	Degraded(now time.Time) (reason string, degraded bool)
}

// NoConditions never degrades.
type NoConditions struct{}

func (NoConditions) Degraded(time.Time) (string, bool) { return "", false }

// ConditionFunc adapts a function to Conditions.
type ConditionFunc func(now time.Time) (string, bool)

func (f ConditionFunc) Degraded(now time.Time) (string, bool) { return f(now) }

// AnyCondition degrades when any member does; the first reason wins.
type AnyCondition []Conditions

func (a AnyCondition) Degraded(now time.Time) (string, bool) {
	for _, c := range a {
		if c == nil {
			continue
		}
		if reason, ok := c.Degraded(now); ok {
			return reason, true
		}
	}
	return "", false
}

// QuietHours degrades between two wall-clock times. Start after End wraps
// past midnight; Start equal to End is never quiet.
type QuietHours struct {
	// Start / End are offsets from local midnight.
	Start    time.Duration
	End      time.Duration
	Location *time.Location
}

const quietHoursReason = "quiet hours"

func (q QuietHours) Degraded(now time.Time) (string, bool) {
	if q.Start == q.End {
		return "", false
	}
	loc := q.Location
	if loc == nil {
		loc = time.Local
	}
	t := now.In(loc)
	clock := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second

	var quiet bool
	if q.Start < q.End {
		quiet = clock >= q.Start && clock < q.End
	} else {
		quiet = clock >= q.Start || clock < q.End
	}
	if quiet {
		return quietHoursReason, true
	}
	return "", false
}
