package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetbell/internal/calerr"
	"meetbell/internal/model"
	"meetbell/internal/store"
)

var now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type call struct {
	calendarID string
	token      string
}

// scriptedFetcher replays queued responses per calendar and records calls.
type scriptedFetcher struct {
	mu      sync.Mutex
	queue   map[string][]response
	calls   []call
	onFetch func()
}

type response struct {
	res *FetchResult
	err error
}

func newScripted() *scriptedFetcher {
	return &scriptedFetcher{queue: map[string][]response{}}
}

func (f *scriptedFetcher) push(cal string, res *FetchResult, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue[cal] = append(f.queue[cal], response{res: res, err: err})
}

func (f *scriptedFetcher) Fetch(ctx context.Context, calendarID, token string) (*FetchResult, error) {
	if f.onFetch != nil {
		f.onFetch()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{calendarID: calendarID, token: token})
	q := f.queue[calendarID]
	if len(q) == 0 {
		return &FetchResult{NextToken: token}, nil
	}
	f.queue[calendarID] = q[1:]
	return q[0].res, q[0].err
}

func ev(cal, id string, start time.Duration) model.CalendarEvent {
	return model.CalendarEvent{
		ID:         model.QualifiedID(cal, id),
		CalendarID: cal,
		Title:      id,
		StartTime:  now.Add(start),
		EndTime:    now.Add(start + 30*time.Minute),
	}
}

type fixture struct {
	fetcher *scriptedFetcher
	events  *store.EventStore
	state   *store.SyncStateStore
	engine  *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		fetcher: newScripted(),
		events:  store.NewEventStore(dir),
		state:   store.NewSyncStateStore(dir),
	}
	f.engine = NewEngine(f.fetcher, f.events, f.state, Options{Now: func() time.Time { return now }})
	return f
}

func TestSyncFullThenIncremental(t *testing.T) {
	f := newFixture(t)
	f.fetcher.push("work", &FetchResult{Events: []model.CalendarEvent{ev("work", "a", time.Hour), ev("work", "b", 2*time.Hour)}, NextToken: "t1", Full: true}, nil)
	f.fetcher.push("work", &FetchResult{Events: []model.CalendarEvent{ev("work", "c", 3*time.Hour)}, Deleted: []string{"work#a"}, NextToken: "t2"}, nil)

	res, err := f.engine.Sync(context.Background(), "work")
	require.NoError(t, err)
	assert.True(t, res.Full)
	assert.Len(t, res.Events, 2)

	res, err = f.engine.Sync(context.Background(), "work")
	require.NoError(t, err)
	assert.False(t, res.Full)
	assert.Equal(t, store.MergeResult{Added: 1, Removed: 1}, res.Merge)

	assert.Equal(t, []call{{"work", ""}, {"work", "t1"}}, f.fetcher.calls)

	tok, err := f.state.Token("work")
	require.NoError(t, err)
	assert.Equal(t, "t2", tok)

	events, err := f.events.Load()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "work#b", events[0].ID)
	assert.Equal(t, "work#c", events[1].ID)

	st, err := f.state.Load()
	require.NoError(t, err)
	assert.True(t, st.LastFullSync.Equal(now))
}

func TestSyncTokenInvalidRetriesOnceAsFull(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.state.SetToken("work", "stale"))
	f.fetcher.push("work", nil, calerr.SyncTokenInvalid())
	f.fetcher.push("work", &FetchResult{Events: []model.CalendarEvent{ev("work", "a", time.Hour)}, NextToken: "fresh", Full: true}, nil)

	res, err := f.engine.Sync(context.Background(), "work")
	require.NoError(t, err)
	assert.True(t, res.Retried)
	assert.Equal(t, []call{{"work", "stale"}, {"work", ""}}, f.fetcher.calls)

	tok, err := f.state.Token("work")
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok)
}

func TestSecondTokenInvalidIsFatal(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.state.SetToken("work", "stale"))
	f.fetcher.push("work", nil, calerr.SyncTokenInvalid())
	f.fetcher.push("work", nil, calerr.SyncTokenInvalid())
	f.fetcher.push("work", &FetchResult{Full: true}, nil)

	_, err := f.engine.Sync(context.Background(), "work")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResyncRejected)
	assert.True(t, calerr.Is(err, calerr.KindSyncTokenInvalid))
	assert.Len(t, f.fetcher.calls, 2, "no further retries within the cycle")

	tok, err := f.state.Token("work")
	require.NoError(t, err)
	assert.Empty(t, tok, "the invalid token is not restored")
}

func TestRetryableErrorIsSurfacedWithoutRetry(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.state.SetToken("work", "t1"))
	f.fetcher.push("work", nil, calerr.ServerError(503, "unavailable"))

	_, err := f.engine.Sync(context.Background(), "work")
	require.Error(t, err)
	ce, ok := calerr.As(err)
	require.True(t, ok)
	assert.True(t, ce.IsRetryable())
	d, ok := ce.SuggestedRetryDelay()
	require.True(t, ok)
	assert.Equal(t, 10*time.Second, d)
	assert.Len(t, f.fetcher.calls, 1)

	tok, err := f.state.Token("work")
	require.NoError(t, err)
	assert.Equal(t, "t1", tok, "token survives a transient failure")

	st, err := f.state.Load()
	require.NoError(t, err)
	assert.Contains(t, st.LastError["work"], "serverError")
}

func TestUnclassifiedFetchErrorIsClassified(t *testing.T) {
	f := newFixture(t)
	f.fetcher.push("work", nil, context.DeadlineExceeded)

	_, err := f.engine.Sync(context.Background(), "work")
	assert.Equal(t, calerr.KindTimeout, calerr.KindOf(err))
}

func TestSyncAllPartialFailureCommitsSuccesses(t *testing.T) {
	f := newFixture(t)
	f.fetcher.push("work", &FetchResult{Events: []model.CalendarEvent{ev("work", "a", time.Hour)}, NextToken: "w1", Full: true}, nil)
	f.fetcher.push("home", nil, calerr.Offline(errors.New("no route")))

	sum, err := f.engine.SyncAll(context.Background(), []string{"work", "home"})
	require.Error(t, err)
	require.NotNil(t, sum)

	ce, ok := calerr.As(err)
	require.True(t, ok)
	assert.Equal(t, calerr.KindPartialSyncFailure, ce.Kind)
	assert.Contains(t, ce.Failures, "home")
	assert.NotContains(t, ce.Failures, "work")
	assert.Equal(t, []string{"home"}, sum.Failed())

	events, err := f.events.Load()
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestSyncAllSameFailureEverywhereReturnsIt(t *testing.T) {
	f := newFixture(t)
	f.fetcher.push("work", nil, calerr.AuthenticationRequired())
	f.fetcher.push("home", nil, calerr.AuthenticationRequired())

	_, err := f.engine.SyncAll(context.Background(), []string{"work", "home"})
	assert.Equal(t, calerr.KindAuthenticationRequired, calerr.KindOf(err))
}

func TestSyncAllDropsRemovedCalendars(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.events.Save([]model.CalendarEvent{ev("old", "x", time.Hour), ev("work", "a", time.Hour)}))

	_, err := f.engine.SyncAll(context.Background(), []string{"work"})
	require.NoError(t, err)

	events, err := f.events.Load()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "work", events[0].CalendarID)
}

func TestSyncAllRejectsConcurrentPass(t *testing.T) {
	f := newFixture(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.fetcher.onFetch = func() {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.SyncAll(context.Background(), []string{"work"})
		done <- err
	}()
	<-entered

	_, err := f.engine.SyncAll(context.Background(), []string{"work"})
	assert.Equal(t, calerr.KindSyncInProgress, calerr.KindOf(err))

	close(release)
	require.NoError(t, <-done)
}

func TestForceFullResyncClearsTokens(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.state.SetToken("work", "t1"))
	require.NoError(t, f.engine.ForceFullResync())

	_, err := f.engine.Sync(context.Background(), "work")
	require.NoError(t, err)
	assert.Equal(t, []call{{"work", ""}}, f.fetcher.calls)
}

func TestRouterUnknownCalendar(t *testing.T) {
	r := Router{"work": newScripted()}
	_, err := r.Fetch(context.Background(), "nope", "")
	assert.Equal(t, calerr.KindCalendarNotFound, calerr.KindOf(err))
	assert.Equal(t, []string{"work"}, r.CalendarIDs())
}

func TestSecondEngineOnSameDirDoesNotResurrectDeletedEvents(t *testing.T) {
	dir := t.TempDir()
	clock := Options{Now: func() time.Time { return now }}

	daemonFetch := newScripted()
	daemon := NewEngine(daemonFetch, store.NewEventStore(dir), store.NewSyncStateStore(dir), clock)
	daemonFetch.push("work", &FetchResult{Events: []model.CalendarEvent{ev("work", "a", time.Hour)}, NextToken: "t1", Full: true}, nil)
	daemonFetch.push("home", &FetchResult{Events: []model.CalendarEvent{ev("home", "x", time.Hour)}, NextToken: "h1", Full: true}, nil)
	_, err := daemon.SyncAll(context.Background(), []string{"work", "home"})
	require.NoError(t, err)

	otherFetch := newScripted()
	other := NewEngine(otherFetch, store.NewEventStore(dir), store.NewSyncStateStore(dir), clock)
	otherFetch.push("work", &FetchResult{Deleted: []string{"work#a"}, NextToken: "t2"}, nil)
	_, err = other.Sync(context.Background(), "work")
	require.NoError(t, err)

	daemonFetch.push("home", &FetchResult{Events: []model.CalendarEvent{ev("home", "y", 2*time.Hour)}, NextToken: "h2"}, nil)
	_, err = daemon.Sync(context.Background(), "home")
	require.NoError(t, err)

	events, err := store.NewEventStore(dir).Load()
	require.NoError(t, err)
	var got []string
	for _, e := range events {
		got = append(got, e.ID)
	}
	assert.ElementsMatch(t, []string{"home#x", "home#y"}, got)

	tok, err := store.NewSyncStateStore(dir).Token("work")
	require.NoError(t, err)
	assert.Equal(t, "t2", tok)
}
