package caldav

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetbell/internal/calerr"
)

var now = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

const standup = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//meetbell//test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:standup\r\n" +
	"DTSTAMP:20260301T000000Z\r\n" +
	"DTSTART:20260302T093000Z\r\n" +
	"DTEND:20260302T094500Z\r\n" +
	"RRULE:FREQ=DAILY;COUNT=3\r\n" +
	"SUMMARY:Standup\r\n" +
	"LOCATION:https://meet.google.com/xyz-abcd-efg\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

const multistatus = `<?xml version="1.0" encoding="utf-8"?>
<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:response>
    <d:href>/dav/cal/work/standup.ics</d:href>
    <d:propstat>
      <d:prop>
        <d:getetag>"1"</d:getetag>
        <d:getlastmodified>Sun, 01 Mar 2026 00:00:00 GMT</d:getlastmodified>
        <d:getcontentlength>0</d:getcontentlength>
        <c:calendar-data>` + standup + `</c:calendar-data>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`

func TestFetchQueriesCollection(t *testing.T) {
	var gotMethod, gotPath, gotBody string
	var gotUser, gotPass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = io.WriteString(w, multistatus)
	}))
	defer srv.Close()

	f, err := NewFetcher([]Source{{ID: "work", URL: srv.URL + "/dav/cal/work/", Username: "ann", Password: "pw"}}, Options{
		PastWindow:  24 * time.Hour,
		AheadWindow: 7 * 24 * time.Hour,
		Now:         func() time.Time { return now },
	})
	require.NoError(t, err)

	res, err := f.Fetch(context.Background(), "work", "ignored")
	require.NoError(t, err)

	assert.Equal(t, "REPORT", gotMethod)
	assert.Equal(t, "/dav/cal/work/", gotPath)
	assert.Equal(t, "ann", gotUser)
	assert.Equal(t, "pw", gotPass)
	assert.Contains(t, gotBody, "VEVENT")
	assert.Contains(t, gotBody, "time-range")

	assert.True(t, res.Full)
	assert.Empty(t, res.NextToken, "no token is made up for CalDAV")
	require.Len(t, res.Events, 3)
	for _, ev := range res.Events {
		assert.Equal(t, "work", ev.CalendarID)
		assert.Equal(t, "https://meet.google.com/xyz-abcd-efg", ev.PrimaryMeetingURL)
	}
}

func TestStatusTransportClassifies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth":
			w.WriteHeader(http.StatusUnauthorized)
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/slow":
			w.Header().Set("Retry-After", "15")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusMultiStatus)
		}
	}))
	defer srv.Close()

	tr := &statusTransport{base: http.DefaultTransport, calendarID: "work", now: func() time.Time { return now }}
	do := func(path string) (*http.Response, error) {
		req, err := http.NewRequest("PROPFIND", srv.URL+path, nil)
		require.NoError(t, err)
		return tr.RoundTrip(req)
	}

	_, err := do("/auth")
	assert.Equal(t, calerr.KindAuthenticationRequired, calerr.KindOf(err))

	_, err = do("/missing")
	assert.Equal(t, calerr.KindCalendarNotFound, calerr.KindOf(err))

	_, err = do("/slow")
	ce, ok := calerr.As(err)
	require.True(t, ok)
	assert.Equal(t, calerr.KindRateLimited, ce.Kind)
	require.NotNil(t, ce.RetryAfter)
	assert.Equal(t, 15*time.Second, *ce.RetryAfter)

	resp, err := do("/ok")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMultiStatus, resp.StatusCode)
}

func TestParseCalendar(t *testing.T) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//meetbell//test//EN")

	timed := ical.NewEvent()
	timed.Props.SetText(ical.PropUID, "review")
	timed.Props.SetText(ical.PropSummary, "Design review")
	timed.Props.SetText(ical.PropDescription, "https://acme.webex.com/meet/ann")
	timed.Props.SetDateTime(ical.PropDateTimeStart, now.Add(time.Hour))
	timed.Props.SetDateTime(ical.PropDateTimeEnd, now.Add(2*time.Hour))

	allDay := ical.NewEvent()
	allDay.Props.SetText(ical.PropUID, "holiday")
	allDay.Props.SetDate(ical.PropDateTimeStart, now)

	noUID := ical.NewEvent()
	noUID.Props.SetDateTime(ical.PropDateTimeStart, now)

	cal.Children = append(cal.Children, timed.Component, allDay.Component, noUID.Component)

	parsed := ParseCalendar(cal)
	require.Len(t, parsed, 2)

	assert.Equal(t, "review", parsed[0].UID)
	assert.False(t, parsed[0].AllDay)
	assert.True(t, parsed[0].Start.Equal(now.Add(time.Hour)))
	assert.True(t, parsed[0].End.Equal(now.Add(2*time.Hour)))

	assert.Equal(t, "holiday", parsed[1].UID)
	assert.True(t, parsed[1].AllDay)
	assert.True(t, parsed[1].End.After(parsed[1].Start))
}

func TestNewFetcherRejectsBadURL(t *testing.T) {
	_, err := NewFetcher([]Source{{ID: "work", URL: "not a url"}}, Options{})
	assert.Error(t, err)

	f, err := NewFetcher(nil, Options{})
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), "work", "")
	assert.Equal(t, calerr.KindCalendarNotFound, calerr.KindOf(err))
}
