package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"meetbell/internal/calerr"
	appLog "meetbell/internal/log"
	"meetbell/internal/store"
)

// DefaultFullResyncSpec runs a full resync every night at 04:00.
const DefaultFullResyncSpec = "0 4 * * *"

// PollerOptions configures a Poller.
type PollerOptions struct {
	Tiers Tiers
	// FullResyncSpec is a standard 5-field cron expression. Empty disables
	// the periodic full resync.
	FullResyncSpec string
	// OnSynced runs after every pass that produced a summary, including
	// partially failed ones.
	OnSynced func(ctx context.Context, sum *Summary)
	Now      func() time.Time
	// AfterFunc arms the wait between passes; time.AfterFunc when nil.
	AfterFunc func(d time.Duration, f func()) Timer
}

// Timer is the part of *time.Timer the poller uses.
type Timer interface {
	Stop() bool
}

// ParseSchedule parses a 5-field cron expression.
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", spec, err)
	}
	return sched, nil
}

// Poller is the single polling loop driving the engine. Its wait shrinks as
// the next meeting approaches and widens after failures.
type Poller struct {
	engine    *Engine
	events    *store.EventStore
	calendars []string
	tiers     Tiers
	schedule  cron.Schedule
	onSynced  func(ctx context.Context, sum *Summary)
	now       func() time.Time
	afterFunc func(d time.Duration, f func()) Timer
	trigger   chan struct{}
}

func NewPoller(engine *Engine, events *store.EventStore, calendars []string, opts PollerOptions) (*Poller, error) {
	p := &Poller{
		engine:    engine,
		events:    events,
		calendars: append([]string(nil), calendars...),
		tiers:     opts.Tiers.Normalize(),
		onSynced:  opts.OnSynced,
		now:       opts.Now,
		afterFunc: opts.AfterFunc,
		trigger:   make(chan struct{}, 1),
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.afterFunc == nil {
		p.afterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if opts.FullResyncSpec != "" {
		sched, err := ParseSchedule(opts.FullResyncSpec)
		if err != nil {
			return nil, err
		}
		p.schedule = sched
	}
	return p, nil
}

// Trigger asks the loop to run a pass now. It never blocks; triggers that
// arrive while one is pending are coalesced.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled. Cancellation is a normal stop and
// returns nil.
func (p *Poller) Run(ctx context.Context) error {
	var nextFull time.Time
	if p.schedule != nil {
		nextFull = p.schedule.Next(p.now())
	}

	for {
		now := p.now()
		if !nextFull.IsZero() && !now.Before(nextFull) {
			if err := p.engine.ForceFullResync(); err != nil {
				appLog.Error("scheduled full resync failed", err)
			}
			nextFull = p.schedule.Next(now)
		}

		sum, err := p.engine.SyncAll(ctx, p.calendars)
		if ctx.Err() != nil {
			return nil
		}
		if sum != nil && p.onSynced != nil {
			p.onSynced(ctx, sum)
		}

		interval := p.nextInterval(sum, err)
		wait := interval.Wait
		if !nextFull.IsZero() {
			if d := nextFull.Sub(p.now()); d < wait {
				wait = max(d, 0)
			}
		}
		appLog.Debug("poll scheduled", "tier", interval.Tier, "wait", wait)

		fired := make(chan struct{}, 1)
		timer := p.afterFunc(wait, func() { fired <- struct{}{} })
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-p.trigger:
			timer.Stop()
		case <-fired:
		}
	}
}

// nextInterval derives the wait after a pass. Success follows the event
// horizon; failure falls back to at least the normal tier, longer when the
// source asked for it, and to idle when the user has to re-authenticate.
func (p *Poller) nextInterval(sum *Summary, err error) PollingInterval {
	if err == nil {
		events, lerr := p.events.Load()
		if lerr != nil {
			appLog.Error("load events for polling interval", lerr)
			return p.tiers.Interval(TierNormal)
		}
		return CalculatePollingInterval(events, p.now(), p.tiers)
	}

	errs := []error{err}
	if sum != nil && len(sum.Failures) > 0 {
		errs = errs[:0]
		for _, id := range sum.Failed() {
			errs = append(errs, sum.Failures[id])
		}
	}

	out := p.tiers.Interval(TierNormal)
	userAction := false
	for _, e := range errs {
		ce, ok := calerr.As(e)
		if !ok {
			continue
		}
		if ce.RequiresUserAction() {
			userAction = true
			continue
		}
		if ce.Kind != calerr.KindRateLimited {
			continue
		}
		if d, ok := ce.SuggestedRetryDelay(); ok && d > out.Wait {
			out.Wait = d
		}
	}
	if userAction {
		appLog.Warn("calendar access needs re-authentication; polling slowed", "error", errors.Join(errs...).Error())
		if out.Wait < p.tiers.Idle {
			out = p.tiers.Interval(TierIdle)
		}
	}
	return out
}
