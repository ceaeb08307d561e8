// Package gcal implements calendar.API on top of the Google Calendar v3 API.
package gcal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gcalendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"

	"blocksync/internal/calendar"
	"blocksync/internal/model"
)

// Client adapts a *gcalendar.Service to calendar.API.
type Client struct {
	svc *gcalendar.Service
}

var _ calendar.API = (*Client)(nil)

// New wraps svc.
func New(svc *gcalendar.Service) *Client {
	return &Client{svc: svc}
}

func (c *Client) List(ctx context.Context, calendarID string, opts calendar.ListOptions) (*calendar.Page, error) {
	call := c.svc.Events.List(calendarID).Context(ctx)
	if opts.SyncToken != "" {
		call = call.SyncToken(opts.SyncToken)
	}
	if !opts.TimeMin.IsZero() {
		call = call.TimeMin(opts.TimeMin.Format(time.RFC3339))
	}
	if opts.PageToken != "" {
		call = call.PageToken(opts.PageToken)
	}
	if opts.MaxResults > 0 {
		call = call.MaxResults(int64(opts.MaxResults))
	}
	if opts.Q != "" {
		call = call.Q(opts.Q)
	}
	if opts.SingleEvents {
		call = call.SingleEvents(true)
	}
	if opts.ShowDeleted {
		call = call.ShowDeleted(true)
	}

	res, err := call.Do()
	if err != nil {
		return nil, classify(err)
	}
	page := &calendar.Page{
		NextPageToken: res.NextPageToken,
		NextSyncToken: res.NextSyncToken,
		Items:         make([]*model.Event, 0, len(res.Items)),
	}
	for _, it := range res.Items {
		page.Items = append(page.Items, FromAPI(it))
	}
	return page, nil
}

func (c *Client) Insert(ctx context.Context, calendarID string, ev *model.Event, su calendar.SendUpdates) (*model.Event, error) {
	got, err := c.svc.Events.Insert(calendarID, ToAPI(ev)).SendUpdates(string(su)).Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}
	return FromAPI(got), nil
}

// Update is sent as a patch so fields the model does not carry (location,
// conferencing, reminders) survive. An empty recurrence on a non-instance
// event is sent as an explicit null to clear a previous rule.
//
// Patch merges nested objects, so the unused half of start/end is nulled
// or a switch between timed and all-day would keep both.
func (c *Client) Update(ctx context.Context, calendarID, eventID string, ev *model.Event, su calendar.SendUpdates) (*model.Event, error) {
	body := ToAPI(ev)
	body.Id = ""
	if len(ev.Recurrence) == 0 && ev.RecurringEventID == "" && !model.IsInstanceID(eventID) {
		body.NullFields = append(body.NullFields, "Recurrence")
	}
	nullUnused(body.Start)
	nullUnused(body.End)
	got, err := c.svc.Events.Patch(calendarID, eventID, body).SendUpdates(string(su)).Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}
	return FromAPI(got), nil
}

func (c *Client) Remove(ctx context.Context, calendarID, eventID string, su calendar.SendUpdates) error {
	if err := c.svc.Events.Delete(calendarID, eventID).SendUpdates(string(su)).Context(ctx).Do(); err != nil {
		return classify(err)
	}
	return nil
}

// classify tags a 410 as a stale sync token while keeping the host message.
func classify(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusGone {
		return fmt.Errorf("%w: %v", calendar.ErrStaleSyncToken, err)
	}
	return err
}

// FromAPI converts a host event. Nil start/end become zero EventTimes.
func FromAPI(e *gcalendar.Event) *model.Event {
	if e == nil {
		return nil
	}
	out := &model.Event{
		ID:               e.Id,
		Status:           e.Status,
		Summary:          e.Summary,
		Description:      e.Description,
		Start:            fromDateTime(e.Start),
		End:              fromDateTime(e.End),
		RecurringEventID: e.RecurringEventId,
	}
	if len(e.Recurrence) > 0 {
		out.Recurrence = append([]string(nil), e.Recurrence...)
	}
	for _, a := range e.Attendees {
		if a == nil {
			continue
		}
		out.Attendees = append(out.Attendees, model.Attendee{
			ID:               a.Id,
			Email:            a.Email,
			DisplayName:      a.DisplayName,
			ResponseStatus:   a.ResponseStatus,
			Comment:          a.Comment,
			Optional:         a.Optional,
			Resource:         a.Resource,
			AdditionalGuests: a.AdditionalGuests,
		})
	}
	if e.OriginalStartTime != nil {
		ost := fromDateTime(e.OriginalStartTime)
		out.OriginalStartTime = &ost
	}
	return out
}

// ToAPI converts a model event for insert/patch.
func ToAPI(ev *model.Event) *gcalendar.Event {
	out := &gcalendar.Event{
		Id:          ev.ID,
		Status:      ev.Status,
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       toDateTime(ev.Start),
		End:         toDateTime(ev.End),
	}
	if len(ev.Recurrence) > 0 {
		out.Recurrence = append([]string(nil), ev.Recurrence...)
	}
	for _, a := range ev.Attendees {
		out.Attendees = append(out.Attendees, &gcalendar.EventAttendee{
			Id:               a.ID,
			Email:            a.Email,
			DisplayName:      a.DisplayName,
			ResponseStatus:   a.ResponseStatus,
			Comment:          a.Comment,
			Optional:         a.Optional,
			Resource:         a.Resource,
			AdditionalGuests: a.AdditionalGuests,
		})
	}
	return out
}

func fromDateTime(dt *gcalendar.EventDateTime) model.EventTime {
	if dt == nil {
		return model.EventTime{}
	}
	return model.EventTime{DateTime: dt.DateTime, Date: dt.Date, TimeZone: dt.TimeZone}
}

func toDateTime(t model.EventTime) *gcalendar.EventDateTime {
	if t == (model.EventTime{}) {
		return nil
	}
	return &gcalendar.EventDateTime{DateTime: t.DateTime, Date: t.Date, TimeZone: t.TimeZone}
}

func nullUnused(dt *gcalendar.EventDateTime) {
	switch {
	case dt == nil:
	case dt.Date != "":
		dt.NullFields = append(dt.NullFields, "DateTime", "TimeZone")
	case dt.DateTime != "":
		dt.NullFields = append(dt.NullFields, "Date")
	}
}
