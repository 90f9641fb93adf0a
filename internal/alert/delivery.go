package alert

import (
	"sort"
	"time"

	"github.com/google/uuid"

	appLog "meetbell/internal/log"
	"meetbell/internal/model"
)

// Delivery is one notification. It references more than one alert when
// conflicting meetings were combined.
type Delivery struct {
	ID     string
	Alerts []model.ScheduledAlert
	// Late marks reminders overdue by more than the catch-up grace.
	Late bool
	At   time.Time
}

// Combined reports whether the delivery covers several meetings.
func (d Delivery) Combined() bool {
	return len(d.Alerts) > 1
}

// Sink presents deliveries. Calls are fire-and-continue.
type Sink interface {
	Deliver(d Delivery)
	DeliverDowngraded(d Delivery, reason string)
}

type pending struct {
	d        Delivery
	reason   string
	degraded bool
}

// collectDue marks due alerts delivered, grouping conflicting meetings, and
// returns what to hand to the sink. Caller holds e.mu.
func (e *Engine) collectDue(now time.Time) []pending {
	var due, soon []model.ScheduledAlert
	horizon := now
	if e.opts.CombineWindow > 0 {
		horizon = now.Add(e.opts.CombineWindow)
	}
	for _, a := range e.alerts {
		if a.State != model.AlertScheduled {
			continue
		}
		switch {
		case !a.ScheduledFireTime.After(now):
			due = append(due, a)
		case !a.ScheduledFireTime.After(horizon):
			soon = append(soon, a)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sortByStart(due)
	sortByStart(soon)

	groups := groupConflicts(due, soon, !e.opts.SeparateConflicts)

	next := make(map[string]model.ScheduledAlert, len(e.alerts))
	for id, a := range e.alerts {
		next[id] = a
	}

	reason, degraded := e.cond.Degraded(now)
	out := make([]pending, 0, len(groups))
	for _, g := range groups {
		presented := make([]model.ScheduledAlert, 0, len(g))
		late := false
		for _, a := range latestStagePerEvent(g) {
			if a.superseded {
				delete(next, a.ID)
				continue
			}
			if now.Sub(a.ScheduledFireTime) > e.opts.CatchUpGrace {
				late = true
			}
			a.State = model.AlertDelivered
			next[a.ID] = a.ScheduledAlert
			presented = append(presented, a.ScheduledAlert)
		}
		out = append(out, pending{
			d:        Delivery{ID: uuid.NewString(), Alerts: presented, Late: late, At: now},
			reason:   reason,
			degraded: degraded,
		})
	}

	if err := e.store.Replace(values(next)); err != nil {
		// The reminder still goes out; after a restart it may repeat.
		appLog.Error("persist delivered alerts failed", err)
	}
	e.alerts = next
	e.reconcileTimers()
	return out
}

func (e *Engine) dispatch(pendings []pending) {
	for _, p := range pendings {
		ids := make([]string, 0, len(p.d.Alerts))
		for _, a := range p.d.Alerts {
			ids = append(ids, a.ID)
		}
		if p.degraded {
			appLog.Info("delivering downgraded alert", "delivery", p.d.ID, "alerts", ids, "reason", p.reason, "late", p.d.Late)
			e.sink.DeliverDowngraded(p.d, p.reason)
			continue
		}
		appLog.Info("delivering alert", "delivery", p.d.ID, "alerts", ids, "late", p.d.Late)
		e.sink.Deliver(p.d)
	}
}

// groupConflicts clusters due alerts whose meetings overlap, then pulls in
// alerts due within the combine window that overlap a cluster. Without
// overlap only alerts of the same event are clustered.
func groupConflicts(due, soon []model.ScheduledAlert, overlap bool) [][]model.ScheduledAlert {
	var groups [][]model.ScheduledAlert
	for _, a := range due {
		var merged []model.ScheduledAlert
		rest := groups[:0]
		for _, g := range groups {
			if conflicts(g, a, overlap) {
				merged = append(merged, g...)
				continue
			}
			rest = append(rest, g)
		}
		groups = append(rest, append(merged, a))
	}

	for _, a := range soon {
		for i, g := range groups {
			if conflicts(g, a, overlap) {
				groups[i] = append(g, a)
				break
			}
		}
	}
	for _, g := range groups {
		sortByStart(g)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i][0].EventStartTime.Before(groups[j][0].EventStartTime)
	})
	return groups
}

func conflicts(group []model.ScheduledAlert, a model.ScheduledAlert, overlap bool) bool {
	for _, b := range group {
		if b.EventID == a.EventID || (overlap && meetingsOverlap(a, b)) {
			return true
		}
	}
	return false
}

func meetingsOverlap(a, b model.ScheduledAlert) bool {
	aEnd, bEnd := meetingEnd(a), meetingEnd(b)
	if a.EventStartTime.Equal(b.EventStartTime) {
		return true
	}
	return a.EventStartTime.Before(bEnd) && b.EventStartTime.Before(aEnd)
}

func meetingEnd(a model.ScheduledAlert) time.Time {
	if a.EventEndTime.After(a.EventStartTime) {
		return a.EventEndTime
	}
	return a.EventStartTime
}

type groupedAlert struct {
	model.ScheduledAlert
	superseded bool
}

// latestStagePerEvent keeps only the later stage when a group holds both
// stages of one meeting; the earlier one is superseded.
func latestStagePerEvent(group []model.ScheduledAlert) []groupedAlert {
	last := make(map[string]int, len(group))
	for i, a := range group {
		j, ok := last[a.EventID]
		if !ok || stageIndex(a.Stage) > stageIndex(group[j].Stage) {
			last[a.EventID] = i
		}
	}
	out := make([]groupedAlert, len(group))
	for i, a := range group {
		out[i] = groupedAlert{ScheduledAlert: a, superseded: last[a.EventID] != i}
	}
	return out
}

func stageIndex(s model.AlertStage) int {
	for i, st := range model.Stages {
		if st == s {
			return i
		}
	}
	return -1
}

func sortByStart(alerts []model.ScheduledAlert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		if !alerts[i].EventStartTime.Equal(alerts[j].EventStartTime) {
			return alerts[i].EventStartTime.Before(alerts[j].EventStartTime)
		}
		return alerts[i].ID < alerts[j].ID
	})
}
