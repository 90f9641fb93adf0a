// Package ics adapts subscribed iCalendar feeds to the sync engine. The feed
// ETag, or its Last-Modified date when there is none, serves verbatim as the
// continuation token: an unchanged feed answers 304 and yields an empty
// incremental result.
package ics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"meetbell/internal/calerr"
	appLog "meetbell/internal/log"
	"meetbell/internal/syncer"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 16 << 20
)

// Source is a single ICS subscription.
type Source struct {
	// ID is the calendar id events are filed under.
	ID string
	// URL is the ICS endpoint.
	URL string
}

// Options configures a Fetcher.
type Options struct {
	Client *http.Client
	// PastWindow / AheadWindow bound recurrence expansion around Now.
	PastWindow  time.Duration
	AheadWindow time.Duration
	Now         func() time.Time
}

// Fetcher fetches ICS feeds with conditional requests and expands them.
type Fetcher struct {
	client  *http.Client
	sources map[string]Source
	opts    Options
}

func NewFetcher(sources []Source, opts Options) *Fetcher {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: defaultTimeout}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PastWindow <= 0 {
		opts.PastWindow = 24 * time.Hour
	}
	if opts.AheadWindow <= 0 {
		opts.AheadWindow = 14 * 24 * time.Hour
	}
	f := &Fetcher{client: opts.Client, sources: make(map[string]Source, len(sources)), opts: opts}
	for _, src := range sources {
		f.sources[src.ID] = src
	}
	return f
}

// Fetch implements syncer.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, calendarID, token string) (*syncer.FetchResult, error) {
	src, ok := f.sources[calendarID]
	if !ok {
		return nil, calerr.CalendarNotFound(calendarID)
	}
	if src.URL == "" {
		return nil, calerr.InvalidRequest(fmt.Sprintf("calendar %s has no ICS url", calendarID))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, calerr.InvalidRequest(err.Error())
	}
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")
	if token != "" {
		req.Header.Set(conditionalHeader(token), token)
	}

	appLog.Debug("ics fetch start", "calendar", calendarID, "url", redactURL(src.URL), "conditional", token != "")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, calerr.Classify(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified && token != "":
		appLog.Debug("ics feed not modified", "calendar", calendarID)
		return &syncer.FetchResult{NextToken: token}, nil
	case resp.StatusCode == http.StatusNotModified:
		// Nothing cached to compare against; demand a full body next time.
		return nil, calerr.SyncTokenInvalid()
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		retry := calerr.RetryAfterHeader(resp.Header.Get("Retry-After"), f.opts.Now())
		return nil, calerr.FromStatus(resp.StatusCode, calendarID, retry)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, calerr.Classify(err)
	}

	parsed, err := ParseICS(calendarID, body)
	if err != nil {
		return nil, err
	}
	now := f.opts.Now()
	events, err := Expand(calendarID, parsed, ExpandConfig{
		RangeStart: now.Add(-f.opts.PastWindow),
		RangeEnd:   now.Add(f.opts.AheadWindow),
	})
	if err != nil {
		return nil, calerr.Parsing("expand recurrences", err)
	}

	next := resp.Header.Get("ETag")
	if next == "" {
		next = resp.Header.Get("Last-Modified")
	}

	appLog.Info("ics fetch success", "calendar", calendarID, "url", redactURL(src.URL), "events", len(events))
	return &syncer.FetchResult{Events: events, NextToken: next, Full: true}, nil
}

// conditionalHeader picks the validator header for a stored token. ETags
// are quoted strings and never parse as HTTP dates; a Last-Modified value
// always does.
func conditionalHeader(token string) string {
	if _, err := http.ParseTime(token); err == nil {
		return "If-Modified-Since"
	}
	return "If-None-Match"
}

// redactURL keeps scheme and host only; feed paths usually embed a secret.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
