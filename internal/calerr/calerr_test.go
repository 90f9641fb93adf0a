package calerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dur(d time.Duration) *time.Duration { return &d }

func TestPredicates(t *testing.T) {
	tests := []struct {
		name       string
		err        *Error
		userAction bool
		retryable  bool
		fullResync bool
		delay      time.Duration
	}{
		{"auth", AuthenticationRequired(), true, false, false, 0},
		{"token refresh", TokenRefreshFailed("revoked", nil), true, false, false, 0},
		{"rate limited default", RateLimited(nil), false, true, false, 60 * time.Second},
		{"rate limited header", RateLimited(dur(90 * time.Second)), false, true, false, 90 * time.Second},
		{"sync token invalid", SyncTokenInvalid(), false, false, true, 0},
		{"calendar not found", CalendarNotFound("work"), false, false, false, 0},
		{"event not found", EventNotFound("work#1"), false, false, false, 0},
		{"server 503", ServerError(503, ""), false, true, false, 10 * time.Second},
		{"network", Network("reset", nil), false, true, false, 5 * time.Second},
		{"offline", Offline(nil), false, true, false, 30 * time.Second},
		{"timeout", Timeout(nil), false, true, false, 5 * time.Second},
		{"invalid request", InvalidRequest("bad"), false, false, false, 0},
		{"parsing", Parsing("bad ics", nil), false, false, false, 0},
		{"persistence", Persistence("disk full", nil), false, false, false, 0},
		{"partial", PartialSyncFailure(map[string]string{"a": "x"}), false, false, false, 0},
		{"in progress", SyncInProgress(), false, true, false, 2 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.userAction, tt.err.RequiresUserAction())
			assert.Equal(t, tt.retryable, tt.err.IsRetryable())
			assert.Equal(t, tt.fullResync, tt.err.RequiresFullResync())
			d, ok := tt.err.SuggestedRetryDelay()
			assert.Equal(t, tt.retryable, ok)
			assert.Equal(t, tt.delay, d)
		})
	}
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status   int
		calendar string
		want     Kind
	}{
		{200, "work", ""},
		{204, "", ""},
		{304, "work", ""},
		{401, "work", KindAuthenticationRequired},
		{403, "work", KindInvalidRequest},
		{404, "work", KindCalendarNotFound},
		{404, "", KindInvalidRequest},
		{410, "work", KindSyncTokenInvalid},
		{429, "work", KindRateLimited},
		{500, "work", KindServerError},
		{503, "work", KindServerError},
		{400, "work", KindInvalidRequest},
		{418, "work", KindInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%s", tt.status, tt.calendar), func(t *testing.T) {
			got := FromStatus(tt.status, tt.calendar, nil)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Kind)
		})
	}

	nf := FromStatus(404, "work", nil)
	assert.Equal(t, "work", nf.ID)

	rl := FromStatus(429, "", dur(3*time.Second))
	d, ok := rl.SuggestedRetryDelay()
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, d)
}

func TestAsThroughWrapping(t *testing.T) {
	base := SyncTokenInvalid()
	wrapped := fmt.Errorf("sync calendar %q: %w", "work", base)

	ce, ok := As(wrapped)
	require.True(t, ok)
	assert.Same(t, base, ce)
	assert.Equal(t, KindSyncTokenInvalid, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindSyncTokenInvalid))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(nil))
	assert.ErrorIs(t, Classify(context.Canceled), context.Canceled)
	assert.Equal(t, KindTimeout, KindOf(Classify(context.DeadlineExceeded)))
	assert.Equal(t, KindOffline, KindOf(Classify(&net.DNSError{Err: "no such host", Name: "example.invalid"})))
	assert.Equal(t, KindNetworkError, KindOf(Classify(errors.New("connection reset"))))

	already := CalendarNotFound("x")
	assert.Same(t, already, Classify(already))
}

func TestPartialSyncFailureCopiesMap(t *testing.T) {
	failures := map[string]string{"work": "offline"}
	err := PartialSyncFailure(failures)
	failures["home"] = "late"

	assert.Len(t, err.Failures, 1)
	assert.Contains(t, err.Error(), "1 failed: work")
}

func TestRetryAfterHeader(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	got := RetryAfterHeader("120", now)
	require.NotNil(t, got)
	assert.Equal(t, 2*time.Minute, *got)

	got = RetryAfterHeader(now.Add(30*time.Second).Format(time.RFC1123), now)
	require.NotNil(t, got)
	assert.Equal(t, 30*time.Second, *got)

	assert.Nil(t, RetryAfterHeader("", now))
	assert.Nil(t, RetryAfterHeader("soon", now))
}
