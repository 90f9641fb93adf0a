package syncer

import (
	"time"

	"meetbell/internal/model"
)

// Tier names a polling cadence.
type Tier string

const (
	TierBusy   Tier = "busy"
	TierNormal Tier = "normal"
	TierIdle   Tier = "idle"
)

// PollingInterval is the chosen tier and how long to wait before the next pass.
type PollingInterval struct {
	Tier Tier
	Wait time.Duration
}

// Tiers holds the wait per tier and the horizons separating them.
type Tiers struct {
	Busy   time.Duration
	Normal time.Duration
	Idle   time.Duration

	// BusyHorizon: a meeting starting sooner than this selects Busy.
	BusyHorizon time.Duration
	// IdleHorizon: nothing starting sooner than this selects Idle.
	IdleHorizon time.Duration
}

func DefaultTiers() Tiers {
	return Tiers{
		Busy:        time.Minute,
		Normal:      5 * time.Minute,
		Idle:        15 * time.Minute,
		BusyHorizon: 15 * time.Minute,
		IdleHorizon: 24 * time.Hour,
	}
}

// Normalize fills zero fields from DefaultTiers.
func (t Tiers) Normalize() Tiers {
	def := DefaultTiers()
	if t.Busy <= 0 {
		t.Busy = def.Busy
	}
	if t.Normal <= 0 {
		t.Normal = def.Normal
	}
	if t.Idle <= 0 {
		t.Idle = def.Idle
	}
	if t.BusyHorizon <= 0 {
		t.BusyHorizon = def.BusyHorizon
	}
	if t.IdleHorizon <= 0 {
		t.IdleHorizon = def.IdleHorizon
	}
	return t
}

func (t Tiers) Interval(tier Tier) PollingInterval {
	switch tier {
	case TierBusy:
		return PollingInterval{Tier: TierBusy, Wait: t.Busy}
	case TierNormal:
		return PollingInterval{Tier: TierNormal, Wait: t.Normal}
	}
	return PollingInterval{Tier: TierIdle, Wait: t.Idle}
}

// CalculatePollingInterval picks the tier from the nearest upcoming start
// among events. Events already started are ignored.
func CalculatePollingInterval(events []model.CalendarEvent, now time.Time, t Tiers) PollingInterval {
	t = t.Normalize()

	var (
		nearest time.Duration
		found   bool
	)
	for _, ev := range events {
		d := ev.StartTime.Sub(now)
		if d <= 0 {
			continue
		}
		if !found || d < nearest {
			nearest, found = d, true
		}
	}

	switch {
	case !found || nearest >= t.IdleHorizon:
		return t.Interval(TierIdle)
	case nearest < t.BusyHorizon:
		return t.Interval(TierBusy)
	default:
		return t.Interval(TierNormal)
	}
}
