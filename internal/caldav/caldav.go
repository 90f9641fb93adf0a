// Package caldav adapts CalDAV calendar collections to the sync engine.
// Collections are queried by time range on every pass, so results are
// always full and no continuation token is handed out.
package caldav

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"meetbell/internal/calerr"
	"meetbell/internal/ics"
	appLog "meetbell/internal/log"
	"meetbell/internal/syncer"
)

const defaultTimeout = 30 * time.Second

// Source is one calendar collection.
type Source struct {
	// ID is the local calendar id.
	ID string
	// URL is the full collection URL, e.g. https://dav.example.com/cal/work/.
	URL      string
	Username string
	Password string
}

// Options configures a Fetcher.
type Options struct {
	PastWindow  time.Duration
	AheadWindow time.Duration
	Now         func() time.Time
	// Transport is the base round tripper; http.DefaultTransport when nil.
	Transport http.RoundTripper
}

type collection struct {
	client *caldav.Client
	path   string
}

// Fetcher queries configured collections.
type Fetcher struct {
	collections map[string]collection
	opts        Options
}

func NewFetcher(sources []Source, opts Options) (*Fetcher, error) {
	if opts.PastWindow <= 0 {
		opts.PastWindow = 24 * time.Hour
	}
	if opts.AheadWindow <= 0 {
		opts.AheadWindow = 14 * 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}

	f := &Fetcher{collections: make(map[string]collection, len(sources)), opts: opts}
	for _, src := range sources {
		u, err := url.Parse(src.URL)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("caldav source %s: invalid url %q", src.ID, src.URL)
		}
		httpClient := &http.Client{
			Timeout: defaultTimeout,
			Transport: &statusTransport{
				base:       opts.Transport,
				calendarID: src.ID,
				username:   src.Username,
				password:   src.Password,
				now:        opts.Now,
			},
		}
		client, err := caldav.NewClient(httpClient, u.Scheme+"://"+u.Host)
		if err != nil {
			return nil, fmt.Errorf("connect to CalDAV %s: %w", src.ID, err)
		}
		f.collections[src.ID] = collection{client: client, path: u.Path}
	}
	return f, nil
}

// Fetch implements syncer.Fetcher. The token is ignored.
func (f *Fetcher) Fetch(ctx context.Context, calendarID, _ string) (*syncer.FetchResult, error) {
	col, ok := f.collections[calendarID]
	if !ok {
		return nil, calerr.CalendarNotFound(calendarID)
	}

	now := f.opts.Now()
	from, to := now.Add(-f.opts.PastWindow), now.Add(f.opts.AheadWindow)
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: from,
				End:   to,
			}},
		},
	}

	objects, err := col.client.QueryCalendar(ctx, col.path, query)
	if err != nil {
		return nil, calerr.Classify(err)
	}

	var parsed []ics.ParsedEvent
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		parsed = append(parsed, ParseCalendar(obj.Data)...)
	}

	events, err := ics.Expand(calendarID, parsed, ics.ExpandConfig{RangeStart: from, RangeEnd: to})
	if err != nil {
		return nil, calerr.Parsing("expand recurrences", err)
	}

	appLog.Info("caldav fetch success", "calendar", calendarID, "objects", len(objects), "events", len(events))
	return &syncer.FetchResult{Events: events, Full: true}, nil
}

// ParseCalendar converts the VEVENTs of one calendar object into the shape
// ics.Expand consumes. Components without UID or start are skipped.
func ParseCalendar(cal *ical.Calendar) []ics.ParsedEvent {
	var out []ics.ParsedEvent
	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		ev, ok := parseEvent(comp)
		if !ok {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func parseEvent(comp *ical.Component) (ics.ParsedEvent, bool) {
	var ev ics.ParsedEvent

	ev.UID = text(comp, ical.PropUID)
	if ev.UID == "" {
		return ev, false
	}
	ev.Summary = text(comp, ical.PropSummary)
	ev.Description = text(comp, ical.PropDescription)
	ev.Location = text(comp, ical.PropLocation)
	ev.URL = text(comp, ical.PropURL)
	ev.Cancelled = strings.EqualFold(text(comp, ical.PropStatus), "CANCELLED")

	startProp := comp.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return ev, false
	}
	start, err := startProp.DateTime(time.UTC)
	if err != nil {
		return ev, false
	}
	ev.Start = start
	ev.AllDay = startProp.Params.Get(ical.ParamValue) == string(ical.ValueDate) || !strings.Contains(startProp.Value, "T")

	ev.End = start
	if p := comp.Props.Get(ical.PropDateTimeEnd); p != nil {
		if end, err := p.DateTime(time.UTC); err == nil && end.After(start) {
			ev.End = end
		}
	} else if ev.AllDay {
		ev.End = start.AddDate(0, 0, 1)
	}

	if p := comp.Props.Get(ical.PropRecurrenceRule); p != nil {
		ev.RawRRule = p.Value
	}
	for _, p := range comp.Props[ical.PropExceptionDates] {
		for _, part := range strings.Split(p.Value, ",") {
			single := p
			single.Value = strings.TrimSpace(part)
			if t, err := single.DateTime(start.Location()); err == nil {
				ev.ExDates = append(ev.ExDates, t)
			}
		}
	}
	if p := comp.Props.Get(ical.PropRecurrenceID); p != nil {
		if t, err := p.DateTime(start.Location()); err == nil {
			ev.Recurrence = &t
			ev.IsOverride = true
		}
	}
	return ev, true
}

func text(comp *ical.Component, name string) string {
	if p := comp.Props.Get(name); p != nil {
		return p.Value
	}
	return ""
}

// statusTransport adds basic auth and turns failed HTTP statuses into
// classified errors before the WebDAV layer sees them.
type statusTransport struct {
	base       http.RoundTripper
	calendarID string
	username   string
	password   string
	now        func() time.Time
}

func (t *statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.username != "" {
		req = req.Clone(req.Context())
		req.SetBasicAuth(t.username, t.password)
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 400 {
		return resp, nil
	}
	resp.Body.Close()
	retry := calerr.RetryAfterHeader(resp.Header.Get("Retry-After"), t.now())
	return nil, calerr.FromStatus(resp.StatusCode, t.calendarID, retry)
}
