package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"meetbell/internal/calerr"
	appLog "meetbell/internal/log"
	"meetbell/internal/model"
	"meetbell/internal/store"
)

// ErrResyncRejected marks a cycle where the source invalidated the token of
// a fresh full fetch too. It is not retried within the same cycle.
var ErrResyncRejected = errors.New("full resync rejected by source")

const (
	defaultPastWindow  = 24 * time.Hour
	defaultAheadWindow = 14 * 24 * time.Hour
)

// Options configures which events are kept after a merge.
type Options struct {
	// PastWindow keeps events that ended at most this long ago.
	PastWindow time.Duration
	// AheadWindow keeps events starting at most this far in the future.
	AheadWindow time.Duration
	// Now is the clock; time.Now when nil.
	Now func() time.Time
}

func (o *Options) normalize() {
	if o.PastWindow <= 0 {
		o.PastWindow = defaultPastWindow
	}
	if o.AheadWindow <= 0 {
		o.AheadWindow = defaultAheadWindow
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Result is the outcome of one successful calendar sync.
type Result struct {
	CalendarID string
	Events     []model.CalendarEvent
	Deleted    []string
	NextToken  string
	Full       bool
	// Retried is set when the first attempt hit an invalid token.
	Retried bool
	Merge   store.MergeResult
}

// Summary aggregates a multi-calendar pass. It is only returned once every
// calendar has an outcome.
type Summary struct {
	Results  map[string]*Result
	Failures map[string]error
	Started  time.Time
	Finished time.Time
}

// Failed lists failing calendar ids in sorted order.
func (s *Summary) Failed() []string {
	ids := make([]string, 0, len(s.Failures))
	for id := range s.Failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Engine is the single-pass sync engine. It is the only writer of the event
// and sync-state stores.
type Engine struct {
	fetcher Fetcher
	events  *store.EventStore
	state   *store.SyncStateStore
	opts    Options
	running atomic.Bool
}

func NewEngine(fetcher Fetcher, events *store.EventStore, state *store.SyncStateStore, opts Options) *Engine {
	opts.normalize()
	return &Engine{fetcher: fetcher, events: events, state: state, opts: opts}
}

// Window is the span of events kept in the store at now.
func (e *Engine) Window(now time.Time) store.Window {
	return store.Window{From: now.Add(-e.opts.PastWindow), To: now.Add(e.opts.AheadWindow)}
}

// Sync runs one fetch for calendarID and commits the result. An invalid
// token triggers exactly one full retry; retryable failures are returned to
// the caller untouched.
func (e *Engine) Sync(ctx context.Context, calendarID string) (*Result, error) {
	res, err := e.syncOnce(ctx, calendarID)
	if err != nil && calerr.Is(err, calerr.KindSyncTokenInvalid) {
		appLog.Warn("sync token invalidated; retrying with full fetch", "calendar", calendarID)
		if cerr := e.state.ClearToken(calendarID); cerr != nil {
			return nil, cerr
		}
		res, err = e.syncOnce(ctx, calendarID)
		if err != nil && calerr.Is(err, calerr.KindSyncTokenInvalid) {
			err = fmt.Errorf("sync %s: %w: %w", calendarID, ErrResyncRejected, err)
		}
		if res != nil {
			res.Retried = true
		}
	}

	e.recordOutcome(calendarID, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Engine) syncOnce(ctx context.Context, calendarID string) (*Result, error) {
	token, err := e.state.Token(calendarID)
	if err != nil {
		return nil, err
	}

	fr, err := e.fetcher.Fetch(ctx, calendarID, token)
	if err != nil {
		return nil, calerr.Classify(err)
	}
	if fr == nil {
		fr = &FetchResult{}
	}

	now := e.opts.Now()
	full := fr.Full || token == ""
	merged, err := e.events.Merge(calendarID, fr.Events, fr.Deleted, full, e.Window(now))
	if err != nil {
		return nil, err
	}
	if err := e.state.SetToken(calendarID, fr.NextToken); err != nil {
		return nil, err
	}
	if full {
		if err := e.state.MarkFullSync(now); err != nil {
			return nil, err
		}
	}

	appLog.Debug("sync merged",
		"calendar", calendarID,
		"full", full,
		"added", merged.Added,
		"updated", merged.Updated,
		"removed", merged.Removed,
		"pruned", merged.Pruned,
	)

	return &Result{
		CalendarID: calendarID,
		Events:     fr.Events,
		Deleted:    fr.Deleted,
		NextToken:  fr.NextToken,
		Full:       full,
		Merge:      merged,
	}, nil
}

func (e *Engine) recordOutcome(calendarID string, err error) {
	msg := ""
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		msg = err.Error()
	}
	if serr := e.state.SetLastError(calendarID, msg); serr != nil {
		appLog.Error("record sync outcome failed", serr, "calendar", calendarID)
	}
}

// SyncAll syncs every calendar in order and aggregates the outcomes. Events
// of calendars not listed are dropped from the store. When some calendars
// fail the error is partialSyncFailure; when all fail with the same kind
// that error is returned as is. A second concurrent call gets syncInProgress.
func (e *Engine) SyncAll(ctx context.Context, calendarIDs []string) (*Summary, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, calerr.SyncInProgress()
	}
	defer e.running.Store(false)

	sum := &Summary{
		Results:  make(map[string]*Result, len(calendarIDs)),
		Failures: make(map[string]error),
		Started:  e.opts.Now(),
	}

	if len(calendarIDs) > 0 {
		if n, err := e.events.RetainCalendars(calendarIDs); err != nil {
			return nil, err
		} else if n > 0 {
			appLog.Info("dropped events of removed calendars", "count", n)
		}
	}

	for _, id := range calendarIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := e.Sync(ctx, id)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			appLog.Error("calendar sync failed", err, "calendar", id)
			sum.Failures[id] = err
			continue
		}
		sum.Results[id] = res
	}
	sum.Finished = e.opts.Now()

	return sum, aggregate(sum)
}

func aggregate(sum *Summary) error {
	if len(sum.Failures) == 0 {
		return nil
	}
	if len(sum.Results) == 0 {
		var first error
		same := true
		for _, id := range sum.Failed() {
			err := sum.Failures[id]
			if first == nil {
				first = err
				continue
			}
			if calerr.KindOf(err) != calerr.KindOf(first) || calerr.KindOf(err) == "" {
				same = false
				break
			}
		}
		if same {
			return first
		}
	}
	msgs := make(map[string]string, len(sum.Failures))
	for id, err := range sum.Failures {
		msgs[id] = err.Error()
	}
	return calerr.PartialSyncFailure(msgs)
}

// ForceFullResync drops every continuation token so the next pass fetches
// each calendar in full.
func (e *Engine) ForceFullResync() error {
	if err := e.state.ClearAllTokens(); err != nil {
		return err
	}
	appLog.Info("forced full resync")
	return nil
}

// State returns a copy of the persisted sync state.
func (e *Engine) State() (model.SyncState, error) {
	return e.state.Load()
}
