// Package calendar defines the boundary to the hosted calendar API that the
// reconciler reads from and writes to.
package calendar

import (
	"context"
	"errors"
	"strings"
	"time"

	"blocksync/internal/model"
)

// StaleSyncTokenMessage is the text the host includes when it rejects a sync
// token. Detection is by message content because adapters do not always keep
// the status code.
const StaleSyncTokenMessage = "Sync token is no longer valid"

// ErrStaleSyncToken may be wrapped by adapters that can classify the failure
// structurally (e.g. HTTP 410).
var ErrStaleSyncToken = errors.New(StaleSyncTokenMessage)

// SendUpdates controls invitee notification on mutations.
type SendUpdates string

const (
	SendUpdatesAll  SendUpdates = "all"
	SendUpdatesNone SendUpdates = "none"
)

// ListOptions mirrors the host's list parameters. SyncToken and TimeMin are
// mutually exclusive.
type ListOptions struct {
	SyncToken    string
	TimeMin      time.Time
	PageToken    string
	MaxResults   int
	Q            string
	SingleEvents bool
	ShowDeleted  bool
}

// Page is one page of a list call.
type Page struct {
	Items         []*model.Event
	NextPageToken string
	// NextSyncToken is only set on the last page of a sequence.
	NextSyncToken string
}

// API is the subset of the hosted calendar API used by this module.
type API interface {
	List(ctx context.Context, calendarID string, opts ListOptions) (*Page, error)
	Insert(ctx context.Context, calendarID string, ev *model.Event, sendUpdates SendUpdates) (*model.Event, error)
	Update(ctx context.Context, calendarID, eventID string, ev *model.Event, sendUpdates SendUpdates) (*model.Event, error)
	Remove(ctx context.Context, calendarID, eventID string, sendUpdates SendUpdates) error
}

// IsStaleSyncToken reports whether err means the stored sync token was
// rejected and a full resync is required.
func IsStaleSyncToken(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStaleSyncToken) {
		return true
	}
	return strings.Contains(err.Error(), StaleSyncTokenMessage)
}

// ListAll follows NextPageToken until exhausted and returns every item plus
// the final sync token (if any).
func ListAll(ctx context.Context, api API, calendarID string, opts ListOptions) ([]*model.Event, string, error) {
	var (
		items     []*model.Event
		syncToken string
	)
	for {
		page, err := api.List(ctx, calendarID, opts)
		if err != nil {
			return nil, "", err
		}
		items = append(items, page.Items...)
		syncToken = page.NextSyncToken
		if page.NextPageToken == "" {
			return items, syncToken, nil
		}
		opts.PageToken = page.NextPageToken
	}
}
