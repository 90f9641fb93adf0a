package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetbell/internal/calerr"
	"meetbell/internal/model"
)

func TestCalculatePollingInterval(t *testing.T) {
	tiers := DefaultTiers()
	tests := []struct {
		name   string
		starts []time.Duration
		want   Tier
	}{
		{"no events", nil, TierIdle},
		{"only past events", []time.Duration{-time.Hour, -time.Minute}, TierIdle},
		{"starting in 5m", []time.Duration{5 * time.Minute, 3 * time.Hour}, TierBusy},
		{"starting in 14m59s", []time.Duration{15*time.Minute - time.Second}, TierBusy},
		{"starting in 15m", []time.Duration{15 * time.Minute}, TierNormal},
		{"starting in 3h", []time.Duration{3 * time.Hour}, TierNormal},
		{"only beyond 24h", []time.Duration{25 * time.Hour}, TierIdle},
		{"nearest wins regardless of order", []time.Duration{30 * time.Hour, 2 * time.Minute}, TierBusy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var events []model.CalendarEvent
			for i, d := range tt.starts {
				events = append(events, ev("work", string(rune('a'+i)), d))
			}
			got := CalculatePollingInterval(events, now, tiers)
			assert.Equal(t, tt.want, got.Tier)
			assert.Equal(t, tiers.Interval(tt.want).Wait, got.Wait)
		})
	}
}

func TestTiersNormalize(t *testing.T) {
	got := Tiers{Busy: 30 * time.Second}.Normalize()
	assert.Equal(t, 30*time.Second, got.Busy)
	assert.Equal(t, 5*time.Minute, got.Normal)
	assert.Equal(t, 24*time.Hour, got.IdleHorizon)
}

func TestNextIntervalAfterFailure(t *testing.T) {
	f := newFixture(t)
	p, err := NewPoller(f.engine, f.events, []string{"work"}, PollerOptions{Now: func() time.Time { return now }})
	require.NoError(t, err)

	// An imminent meeting would select busy, but failures fall back to normal.
	require.NoError(t, f.events.Save([]model.CalendarEvent{ev("work", "a", 5*time.Minute)}))
	assert.Equal(t, TierBusy, p.nextInterval(&Summary{}, nil).Tier)

	got := p.nextInterval(nil, calerr.Offline(nil))
	assert.Equal(t, TierNormal, got.Tier)
	assert.Equal(t, 5*time.Minute, got.Wait)

	long := 20 * time.Minute
	got = p.nextInterval(nil, calerr.RateLimited(&long))
	assert.Equal(t, long, got.Wait)

	sum := &Summary{Failures: map[string]error{"work": calerr.TokenRefreshFailed("revoked", nil)}}
	got = p.nextInterval(sum, calerr.PartialSyncFailure(map[string]string{"work": "revoked"}))
	assert.Equal(t, TierIdle, got.Tier)
}

func TestNewPollerRejectsBadCron(t *testing.T) {
	f := newFixture(t)
	_, err := NewPoller(f.engine, f.events, nil, PollerOptions{FullResyncSpec: "every tuesday"})
	assert.Error(t, err)
}

// virtualClock jumps forward by every armed wait. With fire set the wait
// elapses at once; otherwise the timer only stops.
type virtualClock struct {
	mu    sync.Mutex
	now   time.Time
	fire  bool
	waits []time.Duration
}

type stopTimer struct{}

func (stopTimer) Stop() bool { return true }

func (c *virtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *virtualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	fire := c.fire
	if fire {
		c.now = c.now.Add(d)
	}
	c.mu.Unlock()
	if fire {
		f()
	}
	return stopTimer{}
}

func (c *virtualClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

func TestPollerRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	clock := &virtualClock{now: now, fire: true}
	var passes atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	p, err := NewPoller(f.engine, f.events, []string{"work"}, PollerOptions{
		Tiers:     Tiers{Busy: time.Minute, Normal: 5 * time.Minute, Idle: 15 * time.Minute},
		Now:       clock.Now,
		AfterFunc: clock.AfterFunc,
		OnSynced: func(context.Context, *Summary) {
			if passes.Add(1) == 3 {
				cancel()
			}
		},
	})
	require.NoError(t, err)

	require.NoError(t, p.Run(ctx), "cancellation is not an error")
	assert.Equal(t, int32(3), passes.Load())

	// No cached events, so every wait is the idle tier.
	waits := clock.recorded()
	require.GreaterOrEqual(t, len(waits), 2)
	for _, w := range waits {
		assert.Equal(t, 15*time.Minute, w)
	}
}

func TestPollerTriggerWakesLoop(t *testing.T) {
	f := newFixture(t)
	clock := &virtualClock{now: now}
	synced := make(chan struct{}, 4)
	p, err := NewPoller(f.engine, f.events, []string{"work"}, PollerOptions{
		Tiers:     Tiers{Busy: time.Hour, Normal: time.Hour, Idle: time.Hour},
		Now:       clock.Now,
		AfterFunc: clock.AfterFunc,
		OnSynced:  func(context.Context, *Summary) { synced <- struct{}{} },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	<-synced
	p.Trigger()
	p.Trigger()
	select {
	case <-synced:
	case <-time.After(5 * time.Second):
		t.Fatal("trigger did not start a pass")
	}
}

func TestPollerScheduledFullResync(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.state.SetToken("work", "t1"))

	// The clock sits one second before the cron slot, so the first wait is
	// capped to the slot and the second pass runs without a token.
	clock := &virtualClock{now: time.Date(2026, 3, 2, 3, 59, 59, 0, time.UTC), fire: true}
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p, err := NewPoller(f.engine, f.events, []string{"work"}, PollerOptions{
		Tiers:          Tiers{Busy: time.Hour, Normal: time.Hour, Idle: time.Hour},
		FullResyncSpec: DefaultFullResyncSpec,
		Now:            clock.Now,
		AfterFunc:      clock.AfterFunc,
		OnSynced: func(context.Context, *Summary) {
			if calls.Add(1) == 2 {
				cancel()
			}
		},
	})
	require.NoError(t, err)
	require.NoError(t, p.Run(ctx))

	assert.Equal(t, time.Second, clock.recorded()[0])

	f.fetcher.mu.Lock()
	defer f.fetcher.mu.Unlock()
	require.Len(t, f.fetcher.calls, 2)
	assert.Equal(t, "t1", f.fetcher.calls[0].token)
	assert.Empty(t, f.fetcher.calls[1].token)
}
