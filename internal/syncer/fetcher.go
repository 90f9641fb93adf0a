// Package syncer reconciles remote calendars into the local event store one
// pass at a time and drives the adaptive polling loop around it.
package syncer

import (
	"context"

	"meetbell/internal/calerr"
	"meetbell/internal/model"
)

// FetchResult is what a remote source returns for one calendar.
type FetchResult struct {
	// Events are new or changed events, already carrying qualified ids.
	Events []model.CalendarEvent
	// Deleted lists qualified ids the source reports as removed.
	Deleted []string
	// NextToken is the continuation token to send next time. Empty means
	// the source handed out none.
	NextToken string
	// Full marks the result as the complete current state of the calendar.
	Full bool
}

// Fetcher is a remote calendar source. An empty token requests a full
// fetch. Errors should be *calerr.Error values; anything else is classified
// by the engine.
type Fetcher interface {
	Fetch(ctx context.Context, calendarID, token string) (*FetchResult, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, calendarID, token string) (*FetchResult, error)

func (f FetcherFunc) Fetch(ctx context.Context, calendarID, token string) (*FetchResult, error) {
	return f(ctx, calendarID, token)
}

// Router dispatches to the adapter configured for each calendar id.
type Router map[string]Fetcher

func (r Router) Fetch(ctx context.Context, calendarID, token string) (*FetchResult, error) {
	f, ok := r[calendarID]
	if !ok {
		return nil, calerr.CalendarNotFound(calendarID)
	}
	return f.Fetch(ctx, calendarID, token)
}

// CalendarIDs returns the routed calendar ids in no particular order.
func (r Router) CalendarIDs() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	return ids
}
