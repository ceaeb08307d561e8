// Package feed reads the incremental change feed of a source calendar using
// persisted sync cursors.
package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"blocksync/internal/calendar"
	"blocksync/internal/cursor"
	appLog "blocksync/internal/log"
	"blocksync/internal/model"
)

const (
	defaultFullSyncDays = 30
	defaultPageSize     = 100
)

// Options tunes a Reader. Zero values fall back to defaults.
type Options struct {
	// FullSyncDays is how far back a full sync reaches (local midnight).
	FullSyncDays int
	// PageSize is the MaxResults sent on every page.
	PageSize int
	// Location determines "midnight" for the full-sync window.
	Location *time.Location
	// Now is the clock; time.Now when nil.
	Now func() time.Time
}

// Result is the accumulated change feed for one calendar.
type Result struct {
	CalendarID string
	Events     []*model.Event
	Pages      int
	// FullSync is true when the listing used a time window instead of a cursor.
	FullSync bool
	// Recovered is true when a stale cursor was dropped and a full sync ran.
	Recovered bool
	// CursorStored is false when the host returned no new sync token.
	CursorStored bool
}

// Reader produces the set of events changed since the last cursor.
type Reader struct {
	api     calendar.API
	cursors *cursor.Store
	opts    Options
}

// NewReader builds a Reader.
func NewReader(api calendar.API, cursors *cursor.Store, opts Options) *Reader {
	if opts.FullSyncDays <= 0 {
		opts.FullSyncDays = defaultFullSyncDays
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reader{api: api, cursors: cursors, opts: opts}
}

// errStaleCursor marks a rejection of a token we sent; a full sync never
// produces it.
type errStaleCursor struct{ err error }

func (e *errStaleCursor) Error() string { return e.err.Error() }
func (e *errStaleCursor) Unwrap() error { return e.err }

// Read returns every event changed since the stored cursor for calendarID,
// or every event in the full-sync window when forceFull is set or no cursor
// exists. A rejected cursor is cleared and the read is retried exactly once
// as a full sync.
func (r *Reader) Read(ctx context.Context, calendarID string, forceFull bool) (*Result, error) {
	res, err := r.read(ctx, calendarID, forceFull)
	if err == nil {
		return res, nil
	}

	var stale *errStaleCursor
	if !errors.As(err, &stale) {
		return nil, err
	}

	appLog.Info("sync token rejected, performing full sync", "calendar", calendarID)
	if err := r.cursors.Clear(ctx, calendarID); err != nil {
		return nil, fmt.Errorf("clear cursor for %s: %w", calendarID, err)
	}
	res, err = r.read(ctx, calendarID, true)
	if err != nil {
		return nil, err
	}
	res.Recovered = true
	return res, nil
}

func (r *Reader) read(ctx context.Context, calendarID string, forceFull bool) (*Result, error) {
	res := &Result{CalendarID: calendarID}

	opts := calendar.ListOptions{MaxResults: r.opts.PageSize}
	if !forceFull {
		token, err := r.cursors.Get(ctx, calendarID)
		if err != nil {
			return nil, fmt.Errorf("load cursor for %s: %w", calendarID, err)
		}
		opts.SyncToken = token
	}
	if opts.SyncToken == "" {
		res.FullSync = true
		opts.TimeMin = r.fullSyncStart()
	}

	var last *calendar.Page
	for {
		page, err := r.api.List(ctx, calendarID, opts)
		if err != nil {
			if !res.FullSync && calendar.IsStaleSyncToken(err) {
				return nil, &errStaleCursor{err: err}
			}
			return nil, fmt.Errorf("list %s: %w", calendarID, err)
		}
		res.Pages++
		res.Events = append(res.Events, page.Items...)
		last = page
		if page.NextPageToken == "" {
			break
		}
		opts.PageToken = page.NextPageToken
	}

	if last.NextSyncToken == "" {
		appLog.Warn("no sync token returned; keeping previous cursor", "calendar", calendarID, "pages", res.Pages)
		return res, nil
	}
	if err := r.cursors.Set(ctx, calendarID, last.NextSyncToken); err != nil {
		return nil, fmt.Errorf("store cursor for %s: %w", calendarID, err)
	}
	res.CursorStored = true
	return res, nil
}

// fullSyncStart is local midnight FullSyncDays ago.
func (r *Reader) fullSyncStart() time.Time {
	d := r.opts.Now().In(r.opts.Location).AddDate(0, 0, -r.opts.FullSyncDays)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, r.opts.Location)
}
