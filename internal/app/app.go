// Package app wires configuration into the sync engine, the alert engine,
// the sinks and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"meetbell/internal/alert"
	"meetbell/internal/caldav"
	"meetbell/internal/config"
	"meetbell/internal/gcal"
	"meetbell/internal/ics"
	appLog "meetbell/internal/log"
	"meetbell/internal/notify"
	"meetbell/internal/store"
	"meetbell/internal/syncer"
	"meetbell/internal/web"
)

// App holds the components shared by the daemon and the one-shot commands.
type App struct {
	Config   *config.Config
	Location *time.Location

	Events    *store.EventStore
	SyncState *store.SyncStateStore
	Alerts    *store.AlertStore

	Router syncer.Router
	Sync   *syncer.Engine
	Now    func() time.Time

	lock *store.DirLock
}

// New builds the stores and, when withSources is set, the source router and
// sync engine. Read-only commands pass false so they work offline.
//
// With sources the app writes the stores, so it takes the data directory
// lock first; a second writer gets store.ErrLocked. Close releases it.
func New(ctx context.Context, cfg *config.Config, withSources bool) (*App, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	a := &App{
		Config:    cfg,
		Location:  loc,
		Events:    store.NewEventStore(cfg.DataDir),
		SyncState: store.NewSyncStateStore(cfg.DataDir),
		Alerts:    store.NewAlertStore(cfg.DataDir),
		Now:       time.Now,
	}
	if !withSources {
		return a, nil
	}

	lock, err := store.LockDir(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	router, err := BuildRouter(ctx, cfg)
	if err != nil {
		_ = lock.Release()
		return nil, err
	}
	a.lock = lock
	a.Router = router
	a.Sync = syncer.NewEngine(router, a.Events, a.SyncState, syncer.Options{
		PastWindow:  cfg.Sync.PastWindow,
		AheadWindow: cfg.Sync.AheadWindow,
	})
	return a, nil
}

// Close releases the data directory lock, if held.
func (a *App) Close() error {
	err := a.lock.Release()
	a.lock = nil
	return err
}

// BuildRouter creates one fetcher per source type and routes calendar ids
// to them.
func BuildRouter(ctx context.Context, cfg *config.Config) (syncer.Router, error) {
	router := syncer.Router{}

	var icsSources []ics.Source
	var davSources []caldav.Source
	googleRemote := map[string]string{}
	for _, s := range cfg.Sources {
		switch s.Type {
		case config.SourceICS:
			icsSources = append(icsSources, ics.Source{ID: s.ID, URL: s.URL})
		case config.SourceCalDAV:
			davSources = append(davSources, caldav.Source{ID: s.ID, URL: s.URL, Username: s.Username, Password: s.Password})
		case config.SourceGoogle:
			googleRemote[s.ID] = s.CalendarID
		default:
			return nil, fmt.Errorf("source %s: unknown type %q", s.ID, s.Type)
		}
	}

	if len(icsSources) > 0 {
		f := ics.NewFetcher(icsSources, ics.Options{
			PastWindow:  cfg.Sync.PastWindow,
			AheadWindow: cfg.Sync.AheadWindow,
		})
		for _, s := range icsSources {
			router[s.ID] = f
		}
	}

	if len(davSources) > 0 {
		f, err := caldav.NewFetcher(davSources, caldav.Options{
			PastWindow:  cfg.Sync.PastWindow,
			AheadWindow: cfg.Sync.AheadWindow,
		})
		if err != nil {
			return nil, err
		}
		for _, s := range davSources {
			router[s.ID] = f
		}
	}

	if len(googleRemote) > 0 {
		svc, err := gcal.NewService(ctx, gcal.Credentials{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			TokenFile:    cfg.Google.TokenFile,
		})
		if err != nil {
			return nil, err
		}
		f := gcal.NewFetcher(svc, googleRemote, gcal.Options{PastWindow: cfg.Sync.PastWindow})
		for id := range googleRemote {
			router[id] = f
		}
	}

	return router, nil
}

// AlertSettings maps the alerts section onto the engine's settings.
func (a *App) AlertSettings() alert.Settings {
	c := a.Config.Alerts
	return alert.Settings{
		Stage1Minutes:      c.Stage1Minutes,
		Stage2Minutes:      c.Stage2Minutes,
		BlockedKeywords:    c.BlockedKeywords,
		ForceAlertKeywords: c.ForceAlertKeywords,
		EnabledCalendars:   c.EnabledCalendars,
	}
}

// Conditions builds the downgrade policy. Invalid clock strings were
// rejected by Validate, so they are ignored here.
func (a *App) Conditions() alert.Conditions {
	q := a.Config.Alerts.QuietHours
	if q == nil {
		return alert.NoConditions{}
	}
	start, err1 := config.ParseClock(q.Start)
	end, err2 := config.ParseClock(q.End)
	if err1 != nil || err2 != nil {
		return alert.NoConditions{}
	}
	return alert.AnyCondition{alert.QuietHours{Start: start, End: end, Location: a.Location}}
}

// NewAlertEngine creates the engine over the alert store.
func (a *App) NewAlertEngine(sink alert.Sink) *alert.Engine {
	opts := alert.Options{
		CombineWindow: alert.DefaultCombineWindow,
		CatchUpGrace:  a.Config.Alerts.CatchUpGrace,
		Now:           a.Now,
	}
	if w := a.Config.Alerts.CombineWindow; w != nil {
		opts.CombineWindow = *w
		if *w == 0 {
			opts.CombineWindow = alert.NoCombineWindow
		}
	}
	if c := a.Config.Alerts.CombineConflicts; c != nil {
		opts.SeparateConflicts = !*c
	}
	return alert.NewEngine(a.Alerts, sink, a.Conditions(), opts)
}

// Schedule runs one scheduling pass over the cached events.
func (a *App) Schedule(ctx context.Context, eng *alert.Engine) error {
	events, err := a.Events.Load()
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	return eng.ScheduleAlerts(ctx, events, a.AlertSettings())
}

// SyncOnce runs a single sync pass and a scheduling pass over the result.
// The scheduling pass runs even when some calendars failed.
func (a *App) SyncOnce(ctx context.Context, eng *alert.Engine) (*syncer.Summary, error) {
	if a.Sync == nil {
		return nil, errors.New("sync engine not configured")
	}
	sum, syncErr := a.Sync.SyncAll(ctx, a.Router.CalendarIDs())
	if sum != nil && eng != nil {
		if err := a.Schedule(ctx, eng); err != nil {
			return sum, errors.Join(syncErr, err)
		}
	}
	return sum, syncErr
}

// Sinks assembles the configured sinks. The Telegram sink is returned
// separately so its button presses can be listened to.
func (a *App) Sinks(out io.Writer, bot notify.Bot) (notify.Multi, *notify.TelegramSink) {
	sinks := notify.Multi{notify.LogSink{}}
	if a.Config.Alerts.Terminal && out != nil {
		sinks = append(sinks, notify.NewTerminalSink(out, a.Location))
	}
	var tg *notify.TelegramSink
	if bot != nil {
		tg = notify.NewTelegramSink(bot, a.Config.Telegram.ChatID, a.Location)
		sinks = append(sinks, tg)
	}
	return sinks, tg
}

// ApplyCommands feeds sink commands into the engine until ctx is done or
// cmds is closed.
func ApplyCommands(ctx context.Context, eng *alert.Engine, cmds <-chan notify.Command) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-cmds:
			if !ok {
				return
			}
			var err error
			switch c.Kind {
			case notify.CommandSnooze:
				_, err = eng.Snooze(ctx, c.AlertID, c.Duration)
			case notify.CommandAck:
				err = eng.AcknowledgeAlert(ctx, c.EventID)
			}
			if err != nil && !errors.Is(err, alert.ErrAlertNotFound) {
				appLog.Error("apply command failed", err, "kind", string(c.Kind))
			}
		}
	}
}

// Run is the daemon: poller, alert engine, sinks and HTTP API until ctx is
// cancelled.
func (a *App) Run(ctx context.Context, out io.Writer) error {
	if a.Sync == nil {
		return errors.New("sync engine not configured")
	}

	var bot notify.Bot
	if a.Config.Telegram.Enabled() {
		b, err := notify.NewBot(a.Config.Telegram.Token)
		if err != nil {
			return err
		}
		bot = b
	}
	sinks, tg := a.Sinks(out, bot)

	eng := a.NewAlertEngine(sinks)
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start alert engine: %w", err)
	}
	defer eng.Stop()

	// Reschedule from the cache before the first network round trip.
	if err := a.Schedule(ctx, eng); err != nil {
		appLog.Error("initial scheduling pass failed", err)
	}

	calendars := a.Router.CalendarIDs()
	poller, err := syncer.NewPoller(a.Sync, a.Events, calendars, syncer.PollerOptions{
		Tiers: syncer.Tiers{
			Busy:        a.Config.Polling.Busy,
			Normal:      a.Config.Polling.Normal,
			Idle:        a.Config.Polling.Idle,
			BusyHorizon: a.Config.Polling.BusyHorizon,
			IdleHorizon: a.Config.Polling.IdleHorizon,
		},
		FullResyncSpec: a.Config.Sync.FullResync,
		OnSynced: func(ctx context.Context, _ *syncer.Summary) {
			if err := a.Schedule(ctx, eng); err != nil {
				appLog.Error("scheduling pass failed", err)
			}
		},
	})
	if err != nil {
		return err
	}

	srv := web.NewServer(a.Config, web.Deps{
		Events:          a.Events,
		Alerts:          eng,
		Sync:            a.Sync,
		TriggerSync:     poller.Trigger,
		ForceFullResync: a.Sync.ForceFullResync,
		Calendars:       calendars,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 3)
	goRun := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	goRun("poller", poller.Run)
	goRun("http", srv.Serve)
	if tg != nil {
		cmds := make(chan notify.Command, 16)
		goRun("telegram", func(ctx context.Context) error {
			return tg.Listen(ctx, cmds)
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			ApplyCommands(ctx, eng, cmds)
		}()
	}

	appLog.Info("meetbell running", "calendars", len(calendars), "listen", a.Config.Listen, "telegram", tg != nil)
	<-ctx.Done()
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
