package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetbell/internal/alert"
	"meetbell/internal/config"
	"meetbell/internal/model"
	"meetbell/internal/notify"
	"meetbell/internal/store"
)

func feed(start time.Time) string {
	const layout = "20060102T150405Z"
	return fmt.Sprintf(`BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//meetbell//test//EN
BEGIN:VEVENT
UID:standup
DTSTAMP:%s
DTSTART:%s
DTEND:%s
SUMMARY:Standup
LOCATION:https://zoom.us/j/123456789
END:VEVENT
END:VCALENDAR
`, start.UTC().Format(layout), start.UTC().Format(layout), start.Add(30*time.Minute).UTC().Format(layout))
}

func testConfig(t *testing.T, sources ...config.SourceConfig) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Timezone = "UTC"
	cfg.Alerts.Terminal = false
	cfg.Sources = sources
	cfg.Normalize()
	require.NoError(t, cfg.Validate())
	return cfg
}

type recordingSink struct{ deliveries []alert.Delivery }

func (r *recordingSink) Deliver(d alert.Delivery) { r.deliveries = append(r.deliveries, d) }
func (r *recordingSink) DeliverDowngraded(d alert.Delivery, _ string) { r.deliveries = append(r.deliveries, d) }

func TestBuildRouter(t *testing.T) {
	cfg := testConfig(t,
		config.SourceConfig{ID: "team", Type: config.SourceICS, URL: "https://example.com/team.ics"},
		config.SourceConfig{ID: "home", Type: config.SourceCalDAV, URL: "https://dav.example.com/cal/home/"},
	)
	router, err := BuildRouter(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"home", "team"}, router.CalendarIDs())
}

func TestBuildRouterGoogleNeedsToken(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Google = config.GoogleConfig{ClientID: "id", ClientSecret: "secret"}
	cfg.Sources = []config.SourceConfig{{ID: "work", Type: config.SourceGoogle}}
	cfg.Normalize()

	_, err := BuildRouter(context.Background(), cfg)
	assert.Error(t, err, "no saved token")
}

func TestSyncOnceSchedulesAlerts(t *testing.T) {
	start := time.Now().Add(time.Hour).Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(feed(start)))
	}))
	defer srv.Close()

	cfg := testConfig(t, config.SourceConfig{ID: "team", Type: config.SourceICS, URL: srv.URL})
	ctx := context.Background()
	a, err := New(ctx, cfg, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	sink := &recordingSink{}
	eng := a.NewAlertEngine(sink)
	sum, err := a.SyncOnce(ctx, eng)
	require.NoError(t, err)
	require.Contains(t, sum.Results, "team")

	events, err := a.Events.Load()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "https://zoom.us/j/123456789", events[0].PrimaryMeetingURL)

	alerts, err := eng.Alerts()
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, model.Stage1, alerts[0].Stage)
	assert.True(t, alerts[0].ScheduledFireTime.Equal(start.Add(-10*time.Minute)))

	st, err := a.SyncState.Load()
	require.NoError(t, err)
	assert.Equal(t, `"v1"`, st.Tokens["team"])
}

func TestReadOnlyAppHasNoSync(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, false)
	require.NoError(t, err)
	_, err = a.SyncOnce(context.Background(), nil)
	assert.Error(t, err)
	assert.Error(t, a.Run(context.Background(), nil))
}

func TestConditionsFromConfig(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, false)
	require.NoError(t, err)
	assert.IsType(t, alert.NoConditions{}, a.Conditions())

	cfg.Alerts.QuietHours = &config.QuietHoursConfig{Start: "22:00", End: "07:00"}
	reason, quiet := a.Conditions().Degraded(time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC))
	assert.True(t, quiet)
	assert.Equal(t, "quiet hours", reason)
}

func TestSinks(t *testing.T) {
	cfg := testConfig(t)
	cfg.Alerts.Terminal = true
	a, err := New(context.Background(), cfg, false)
	require.NoError(t, err)

	sinks, tg := a.Sinks(&discard{}, nil)
	assert.Len(t, sinks, 2)
	assert.Nil(t, tg)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestApplyCommands(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, false)
	require.NoError(t, err)

	ctx := context.Background()
	eng := a.NewAlertEngine(&recordingSink{})
	ev := model.CalendarEvent{
		ID: "team#x", CalendarID: "team", Title: "Sync",
		StartTime: time.Now().Add(time.Hour), EndTime: time.Now().Add(2 * time.Hour),
	}
	require.NoError(t, eng.ScheduleAlerts(ctx, []model.CalendarEvent{ev}, a.AlertSettings()))

	cmds := make(chan notify.Command, 4)
	cmds <- notify.Command{Kind: notify.CommandSnooze, AlertID: "team#x@stage1", Duration: 5 * time.Minute}
	cmds <- notify.Command{Kind: notify.CommandAck, EventID: "missing"}
	cmds <- notify.Command{Kind: notify.CommandAck, EventID: "team#x"}
	close(cmds)
	ApplyCommands(ctx, eng, cmds)

	alerts, err := eng.Alerts()
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestWriterAppHoldsDataDirLock(t *testing.T) {
	cfg := testConfig(t, config.SourceConfig{ID: "team", Type: config.SourceICS, URL: "http://127.0.0.1:1/feed.ics"})
	ctx := context.Background()

	daemon, err := New(ctx, cfg, true)
	require.NoError(t, err)

	_, err = New(ctx, cfg, true)
	require.ErrorIs(t, err, store.ErrLocked)

	reader, err := New(ctx, cfg, false)
	require.NoError(t, err, "read-only commands never take the lock")
	require.NoError(t, reader.Close())

	require.NoError(t, daemon.Close())
	again, err := New(ctx, cfg, true)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}
