package alert

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	appLog "meetbell/internal/log"
	"meetbell/internal/model"
	"meetbell/internal/store"
)

var (
	ErrAlertNotFound = errors.New("alert not found")
	ErrInvalidSnooze = errors.New("snooze duration must be positive")
)

const (
	DefaultCombineWindow = 2 * time.Minute
	DefaultCatchUpGrace  = 5 * time.Minute

	// NoCombineWindow groups only reminders that are due at the same moment.
	NoCombineWindow time.Duration = -1
)

// Timer is the part of *time.Timer the engine uses.
type Timer interface {
	Stop() bool
}

// Options tunes delivery policy and lets tests replace the clock.
type Options struct {
	// CombineWindow groups reminders of conflicting meetings due this close
	// together into one delivery. Zero means DefaultCombineWindow.
	CombineWindow time.Duration
	// SeparateConflicts delivers overlapping meetings one by one. Both stages
	// of one meeting still collapse into one delivery.
	SeparateConflicts bool
	// CatchUpGrace: reminders overdue by more than this are delivered late.
	CatchUpGrace time.Duration

	Now       func() time.Time
	AfterFunc func(d time.Duration, f func()) Timer
}

func (o *Options) normalize() {
	if o.CombineWindow < 0 {
		o.CombineWindow = NoCombineWindow
	}
	if o.CombineWindow == 0 {
		o.CombineWindow = DefaultCombineWindow
	}
	if o.CatchUpGrace <= 0 {
		o.CatchUpGrace = DefaultCatchUpGrace
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.AfterFunc == nil {
		o.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
}

type armed struct {
	timer Timer
	at    time.Time
}

// Engine owns the reminder schedule. It is the only writer of the alert
// store; every method is serialized by one mutex and sink calls happen
// after it is released.
type Engine struct {
	mu      sync.Mutex
	store   *store.AlertStore
	sink    Sink
	cond    Conditions
	opts    Options
	alerts  map[string]model.ScheduledAlert
	loaded  bool
	running bool
	timers  map[string]armed
}

func NewEngine(st *store.AlertStore, sink Sink, cond Conditions, opts Options) *Engine {
	opts.normalize()
	if cond == nil {
		cond = NoConditions{}
	}
	return &Engine{
		store:  st,
		sink:   sink,
		cond:   cond,
		opts:   opts,
		alerts: map[string]model.ScheduledAlert{},
		timers: map[string]armed{},
	}
}

func (e *Engine) ensureLoaded() error {
	if e.loaded {
		return nil
	}
	alerts, err := e.store.Load()
	if err != nil {
		return err
	}
	e.alerts = make(map[string]model.ScheduledAlert, len(alerts))
	for _, a := range alerts {
		e.alerts[a.ID] = a
	}
	e.loaded = true
	return nil
}

// Start reloads persisted alerts and arms timers at their stored fire times.
// Anything already due is delivered before Start returns; reminders overdue
// by more than the catch-up grace are flagged late, never dropped.
func (e *Engine) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	if err := e.ensureLoaded(); err != nil {
		e.mu.Unlock()
		return err
	}
	e.running = true
	e.reconcileTimers()
	deliveries := e.collectDue(e.opts.Now())
	n := len(e.alerts)
	e.mu.Unlock()

	appLog.Info("alert engine started", "alerts", n, "due_on_start", len(deliveries))
	e.dispatch(deliveries)
	return nil
}

// Stop cancels every pending timer. The persisted schedule is kept.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
	for id, t := range e.timers {
		t.timer.Stop()
		delete(e.timers, id)
	}
}

// ScheduleAlerts reconciles the schedule with the current events. Existing
// alerts keep their state; an unsnoozed alert follows a moved start, a
// snoozed one keeps its fire time. Alerts of events that vanished, ended or
// got filtered out are superseded. The result is persisted before timers
// change.
func (e *Engine) ScheduleAlerts(ctx context.Context, events []model.CalendarEvent, settings Settings) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureLoaded(); err != nil {
		return err
	}

	now := e.opts.Now()
	stages := settings.EnabledStages()
	next := make(map[string]model.ScheduledAlert, len(e.alerts))

	for _, ev := range events {
		if eventOver(ev, now) || !settings.Allows(ev) || len(stages) == 0 {
			continue
		}
		latest := stages[len(stages)-1]
		for _, stage := range stages {
			offset, _ := settings.Offset(stage)
			id := model.AlertID(ev.ID, stage)
			fire := ev.StartTime.Add(-offset)

			a, exists := e.alerts[id]
			startChanged := exists && !a.EventStartTime.Equal(ev.StartTime)
			if !exists || (startChanged && (!a.Snoozed() || a.State == model.AlertDelivered)) {
				t, ok := fireTime(fire, stage == latest, ev, now)
				if !ok {
					continue
				}
				if !exists {
					a = model.ScheduledAlert{ID: id, EventID: ev.ID, Stage: stage}
				}
				a.State = model.AlertScheduled
				a.ScheduledFireTime = t
			}
			a.EventTitle = ev.Title
			a.EventStartTime = ev.StartTime
			a.EventEndTime = ev.EndTime
			a.MeetingURL = ev.PrimaryMeetingURL
			next[id] = a
		}
	}

	if err := e.store.Replace(values(next)); err != nil {
		return err
	}

	superseded := 0
	for id := range e.alerts {
		if _, ok := next[id]; !ok {
			superseded++
		}
	}
	e.alerts = next
	e.reconcileTimers()

	appLog.Debug("alerts scheduled", "alerts", len(next), "superseded", superseded)
	return nil
}

// fireTime decides when a (re)computed stage fires. A time already passed is
// skipped, except for the last enabled stage of a meeting that has not
// started yet, which fires now.
func fireTime(fire time.Time, latest bool, ev model.CalendarEvent, now time.Time) (time.Time, bool) {
	if fire.After(now) {
		return fire, true
	}
	if latest && ev.StartTime.After(now) {
		return now, true
	}
	return time.Time{}, false
}

func eventOver(ev model.CalendarEvent, now time.Time) bool {
	end := ev.EndTime
	if end.IsZero() || end.Before(ev.StartTime) {
		end = ev.StartTime
	}
	return !end.After(now)
}

// Snooze pushes an alert to now+d. The first snooze records the original
// fire time; later ones leave it untouched.
func (e *Engine) Snooze(ctx context.Context, alertID string, d time.Duration) (model.ScheduledAlert, error) {
	if err := ctx.Err(); err != nil {
		return model.ScheduledAlert{}, err
	}
	if d <= 0 {
		return model.ScheduledAlert{}, ErrInvalidSnooze
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureLoaded(); err != nil {
		return model.ScheduledAlert{}, err
	}
	if _, ok := e.alerts[alertID]; !ok {
		return model.ScheduledAlert{}, ErrAlertNotFound
	}

	now := e.opts.Now()
	updated, found, err := e.store.Update(alertID, func(a *model.ScheduledAlert) bool {
		if a.OriginalFireTime == nil {
			orig := a.ScheduledFireTime
			a.OriginalFireTime = &orig
		}
		a.SnoozeCount++
		a.ScheduledFireTime = now.Add(d)
		a.State = model.AlertScheduled
		return true
	})
	if err != nil {
		return model.ScheduledAlert{}, err
	}
	if !found {
		return model.ScheduledAlert{}, ErrAlertNotFound
	}

	e.alerts[alertID] = updated
	e.reconcileTimers()
	appLog.Info("alert snoozed", "id", alertID, "until", updated.ScheduledFireTime.Format(time.RFC3339), "count", updated.SnoozeCount)
	return updated, nil
}

// AcknowledgeAlert removes both stage alerts of eventID.
func (e *Engine) AcknowledgeAlert(ctx context.Context, eventID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureLoaded(); err != nil {
		return err
	}

	removed, err := e.store.RemoveEvent(eventID)
	if err != nil {
		return err
	}
	if len(removed) == 0 {
		return ErrAlertNotFound
	}
	for _, a := range removed {
		delete(e.alerts, a.ID)
	}
	e.reconcileTimers()
	appLog.Info("alert acknowledged", "event", eventID, "removed", len(removed))
	return nil
}

// Alerts returns the schedule ordered by fire time.
func (e *Engine) Alerts() ([]model.ScheduledAlert, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureLoaded(); err != nil {
		return nil, err
	}
	return values(e.alerts), nil
}

// reconcileTimers arms one timer per scheduled alert and stops the rest.
// Caller holds e.mu.
func (e *Engine) reconcileTimers() {
	for id, t := range e.timers {
		a, ok := e.alerts[id]
		if !e.running || !ok || a.State != model.AlertScheduled || !a.ScheduledFireTime.Equal(t.at) {
			t.timer.Stop()
			delete(e.timers, id)
		}
	}
	if !e.running {
		return
	}
	now := e.opts.Now()
	for id, a := range e.alerts {
		if a.State != model.AlertScheduled {
			continue
		}
		if _, ok := e.timers[id]; ok {
			continue
		}
		wait := a.ScheduledFireTime.Sub(now)
		if wait < 0 {
			wait = 0
		}
		e.timers[id] = armed{timer: e.opts.AfterFunc(wait, e.onTimer), at: a.ScheduledFireTime}
	}
}

func (e *Engine) onTimer() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	deliveries := e.collectDue(e.opts.Now())
	e.mu.Unlock()
	e.dispatch(deliveries)
}

func values(m map[string]model.ScheduledAlert) []model.ScheduledAlert {
	out := make([]model.ScheduledAlert, 0, len(m))
	for _, a := range m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledFireTime.Equal(out[j].ScheduledFireTime) {
			return out[i].ScheduledFireTime.Before(out[j].ScheduledFireTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
