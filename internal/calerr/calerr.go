// Package calerr classifies every failure coming out of calendar sync and
// persistence. Callers decide retry/surface/fatal from the Kind and the
// derived predicates, never from error strings.
package calerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Kind is the closed set of failure kinds.
type Kind string

const (
	KindAuthenticationRequired Kind = "authenticationRequired"
	KindTokenRefreshFailed     Kind = "tokenRefreshFailed"
	KindRateLimited            Kind = "rateLimited"
	KindSyncTokenInvalid       Kind = "syncTokenInvalid"
	KindCalendarNotFound       Kind = "calendarNotFound"
	KindEventNotFound          Kind = "eventNotFound"
	KindServerError            Kind = "serverError"
	KindNetworkError           Kind = "networkError"
	KindOffline                Kind = "offline"
	KindTimeout                Kind = "timeout"
	KindInvalidRequest         Kind = "invalidRequest"
	KindParsingError           Kind = "parsingError"
	KindPersistenceError       Kind = "persistenceError"
	KindPartialSyncFailure     Kind = "partialSyncFailure"
	KindSyncInProgress         Kind = "syncInProgress"
)

const (
	defaultRateLimitDelay = 60 * time.Second
	networkRetryDelay     = 5 * time.Second
	offlineRetryDelay     = 30 * time.Second
	serverErrorRetryDelay = 10 * time.Second
	syncInProgressDelay   = 2 * time.Second
)

// Error is a classified failure. Only the fields relevant to Kind are set.
type Error struct {
	Kind Kind

	// Detail is the free-form reason / detail / message for the kind.
	Detail string
	// ID is the calendar or event id for the *NotFound kinds.
	ID string
	// StatusCode is set for serverError.
	StatusCode int
	// RetryAfter is the server supplied delay for rateLimited, if any.
	RetryAfter *time.Duration
	// Failures maps calendar id to failure message for partialSyncFailure.
	Failures map[string]string

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	switch e.Kind {
	case KindServerError:
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	case KindRateLimited:
		if e.RetryAfter != nil {
			fmt.Fprintf(&b, " (retry after %s)", *e.RetryAfter)
		}
	case KindCalendarNotFound, KindEventNotFound:
		if e.ID != "" {
			fmt.Fprintf(&b, " %q", e.ID)
		}
	case KindPartialSyncFailure:
		ids := make([]string, 0, len(e.Failures))
		for id := range e.Failures {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		fmt.Fprintf(&b, " (%d failed: %s)", len(ids), strings.Join(ids, ", "))
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// RequiresUserAction reports whether the user has to re-authenticate.
func (e *Error) RequiresUserAction() bool {
	switch e.Kind {
	case KindAuthenticationRequired, KindTokenRefreshFailed:
		return true
	}
	return false
}

// IsRetryable reports whether re-running the same operation later may succeed.
func (e *Error) IsRetryable() bool {
	switch e.Kind {
	case KindRateLimited, KindNetworkError, KindOffline, KindTimeout, KindSyncInProgress:
		return true
	case KindServerError:
		return e.StatusCode >= 500 && e.StatusCode <= 599
	}
	return false
}

// RequiresFullResync is true only for an invalidated continuation token.
func (e *Error) RequiresFullResync() bool {
	return e.Kind == KindSyncTokenInvalid
}

// SuggestedRetryDelay returns how long the caller should wait before retrying.
// The second result is false for non-retryable kinds.
func (e *Error) SuggestedRetryDelay() (time.Duration, bool) {
	if !e.IsRetryable() {
		return 0, false
	}
	switch e.Kind {
	case KindRateLimited:
		if e.RetryAfter != nil {
			return *e.RetryAfter, true
		}
		return defaultRateLimitDelay, true
	case KindNetworkError, KindTimeout:
		return networkRetryDelay, true
	case KindOffline:
		return offlineRetryDelay, true
	case KindServerError:
		return serverErrorRetryDelay, true
	case KindSyncInProgress:
		return syncInProgressDelay, true
	}
	return 0, false
}

func AuthenticationRequired() *Error {
	return &Error{Kind: KindAuthenticationRequired}
}

func TokenRefreshFailed(reason string, err error) *Error {
	return &Error{Kind: KindTokenRefreshFailed, Detail: reason, Err: err}
}

func RateLimited(retryAfter *time.Duration) *Error {
	return &Error{Kind: KindRateLimited, RetryAfter: retryAfter}
}

func SyncTokenInvalid() *Error {
	return &Error{Kind: KindSyncTokenInvalid}
}

func CalendarNotFound(id string) *Error {
	return &Error{Kind: KindCalendarNotFound, ID: id}
}

func EventNotFound(id string) *Error {
	return &Error{Kind: KindEventNotFound, ID: id}
}

func ServerError(status int, message string) *Error {
	return &Error{Kind: KindServerError, StatusCode: status, Detail: message}
}

func Network(detail string, err error) *Error {
	return &Error{Kind: KindNetworkError, Detail: detail, Err: err}
}

func Offline(err error) *Error {
	return &Error{Kind: KindOffline, Err: err}
}

func Timeout(err error) *Error {
	return &Error{Kind: KindTimeout, Err: err}
}

func InvalidRequest(detail string) *Error {
	return &Error{Kind: KindInvalidRequest, Detail: detail}
}

func Parsing(detail string, err error) *Error {
	return &Error{Kind: KindParsingError, Detail: detail, Err: err}
}

func Persistence(detail string, err error) *Error {
	return &Error{Kind: KindPersistenceError, Detail: detail, Err: err}
}

// PartialSyncFailure copies failures so later mutation by the caller is not observed.
func PartialSyncFailure(failures map[string]string) *Error {
	cp := make(map[string]string, len(failures))
	for k, v := range failures {
		cp[k] = v
	}
	return &Error{Kind: KindPartialSyncFailure, Failures: cp}
}

func SyncInProgress() *Error {
	return &Error{Kind: KindSyncInProgress}
}

// FromStatus maps an HTTP-like status code to a classified error. 2xx (and
// 304, which sources treat as "no changes") return nil.
func FromStatus(status int, calendarID string, retryAfter *time.Duration) *Error {
	switch {
	case status >= 200 && status <= 299, status == 304:
		return nil
	case status == 401:
		return AuthenticationRequired()
	case status == 403:
		return InvalidRequest("forbidden")
	case status == 404:
		if calendarID != "" {
			return CalendarNotFound(calendarID)
		}
		return InvalidRequest("not found")
	case status == 410:
		return SyncTokenInvalid()
	case status == 429:
		return RateLimited(retryAfter)
	case status >= 500 && status <= 599:
		return ServerError(status, "")
	case status >= 400 && status <= 499:
		return InvalidRequest(fmt.Sprintf("status %d", status))
	default:
		return ServerError(status, "unexpected status")
	}
}

// As extracts the classified error from a wrapped chain.
func As(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	if ce, ok := As(err); ok {
		return ce.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Classify maps transport level Go errors onto the taxonomy. Already
// classified errors, context.Canceled and nil are returned unchanged; unknown
// errors become networkError.
func Classify(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	if _, ok := As(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) {
		return Offline(err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && !dnsErr.IsTimeout {
		return Offline(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout(err)
	}
	return Network("transport failure", err)
}

// RetryAfterHeader parses a Retry-After header in delta-seconds or HTTP-date
// form. A missing or unparsable value returns nil.
func RetryAfterHeader(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}
