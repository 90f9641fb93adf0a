// Package gcal adapts the Google Calendar events API to the sync engine,
// using its nextSyncToken as the continuation token.
package gcal

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"

	"meetbell/internal/calerr"
	appLog "meetbell/internal/log"
	"meetbell/internal/model"
	"meetbell/internal/syncer"
)

const maxResults = 250

// Options configures a Fetcher.
type Options struct {
	// PastWindow is how far back a full fetch starts.
	PastWindow time.Duration
	Now        func() time.Time
}

// Fetcher maps local calendar ids to Google calendar ids on one service.
type Fetcher struct {
	svc       *calendar.Service
	calendars map[string]string
	opts      Options
}

// NewFetcher serves the given calendars; remote maps a local calendar id to
// the Google calendar id ("primary" or an address).
func NewFetcher(svc *calendar.Service, remote map[string]string, opts Options) *Fetcher {
	if opts.PastWindow <= 0 {
		opts.PastWindow = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cals := make(map[string]string, len(remote))
	for k, v := range remote {
		cals[k] = v
	}
	return &Fetcher{svc: svc, calendars: cals, opts: opts}
}

// Fetch implements syncer.Fetcher. With a token it requests the delta
// including deletions; without one it lists everything from the past
// window onwards. Every page is consumed and the sync token is taken from
// the last one.
func (f *Fetcher) Fetch(ctx context.Context, calendarID, token string) (*syncer.FetchResult, error) {
	remoteID, ok := f.calendars[calendarID]
	if !ok {
		return nil, calerr.CalendarNotFound(calendarID)
	}

	full := token == ""
	res := &syncer.FetchResult{Full: full}
	pageToken := ""
	pages := 0

	for {
		call := f.svc.Events.List(remoteID).
			Context(ctx).
			MaxResults(maxResults).
			SingleEvents(true)
		if full {
			call = call.TimeMin(f.opts.Now().Add(-f.opts.PastWindow).Format(time.RFC3339))
		} else {
			call = call.SyncToken(token).ShowDeleted(true)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		page, err := call.Do()
		if err != nil {
			return nil, f.classify(err, calendarID)
		}
		pages++

		for _, item := range page.Items {
			ev, keep, gone := convert(calendarID, item)
			switch {
			case gone && !full:
				res.Deleted = append(res.Deleted, model.QualifiedID(calendarID, item.Id))
			case keep:
				res.Events = append(res.Events, ev)
			}
		}

		pageToken = page.NextPageToken
		if pageToken == "" {
			res.NextToken = page.NextSyncToken
			break
		}
	}

	appLog.Info("google fetch success",
		"calendar", calendarID,
		"full", full,
		"pages", pages,
		"events", len(res.Events),
		"deleted", len(res.Deleted),
	)
	return res, nil
}

// convert maps one API item. keep reports a usable timed event; gone
// reports an item that should disappear locally (cancelled or declined).
func convert(calendarID string, item *calendar.Event) (ev model.CalendarEvent, keep, gone bool) {
	if item == nil || item.Id == "" {
		return ev, false, false
	}
	if item.Status == "cancelled" {
		return ev, false, true
	}
	for _, a := range item.Attendees {
		if a.Self && a.ResponseStatus == "declined" {
			return ev, false, true
		}
	}
	// All-day items carry Date instead of DateTime.
	if item.Start == nil || item.Start.DateTime == "" || item.End == nil || item.End.DateTime == "" {
		return ev, false, true
	}
	start, err := time.Parse(time.RFC3339, item.Start.DateTime)
	if err != nil {
		appLog.Warn("google event skipped", "calendar", calendarID, "id", item.Id, "reason", "bad start time")
		return ev, false, false
	}
	end, err := time.Parse(time.RFC3339, item.End.DateTime)
	if err != nil || end.Before(start) {
		end = start
	}

	return model.CalendarEvent{
		ID:                model.QualifiedID(calendarID, item.Id),
		CalendarID:        calendarID,
		Title:             item.Summary,
		Location:          item.Location,
		StartTime:         start.UTC(),
		EndTime:           end.UTC(),
		PrimaryMeetingURL: meetingURL(item),
		HTMLLink:          item.HtmlLink,
	}, true, false
}

func meetingURL(item *calendar.Event) string {
	if item.HangoutLink != "" {
		return item.HangoutLink
	}
	if item.ConferenceData != nil {
		for _, ep := range item.ConferenceData.EntryPoints {
			if ep.EntryPointType == "video" && ep.Uri != "" {
				return ep.Uri
			}
		}
	}
	return model.DetectMeetingURL(item.Location, item.Description)
}

// classify maps API and OAuth failures onto the taxonomy.
func (f *Fetcher) classify(err error, calendarID string) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		reason := rerr.ErrorCode
		if reason == "" {
			reason = "token refresh rejected"
		}
		return calerr.TokenRefreshFailed(reason, err)
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		retry := calerr.RetryAfterHeader(gerr.Header.Get("Retry-After"), f.opts.Now())
		if gerr.Code == http.StatusForbidden && isRateLimit(gerr) {
			ce := calerr.RateLimited(retry)
			ce.Err = gerr
			return ce
		}
		ce := calerr.FromStatus(gerr.Code, calendarID, retry)
		if ce == nil {
			return calerr.ServerError(gerr.Code, gerr.Message)
		}
		ce.Err = gerr
		return ce
	}
	return calerr.Classify(err)
}

// isRateLimit recognises quota errors Google reports as 403.
func isRateLimit(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}
