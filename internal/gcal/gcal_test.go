package gcal

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"blocksync/internal/calendar"
	"blocksync/internal/model"
)

type recorded struct {
	Method string
	Path   string
	Query  map[string][]string
	Body   map[string]any
}

func newTestClient(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*Client, *[]recorded) {
	t.Helper()
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{Method: r.Method, Path: r.URL.Path, Query: r.URL.Query()}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			require.NoError(t, json.Unmarshal(data, &rec.Body))
		}
		calls = append(calls, rec)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	svc, err := NewService(context.Background(), Options{HTTPClient: srv.Client(), Endpoint: srv.URL + "/"})
	require.NoError(t, err)
	return New(svc), &calls
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestListMapsOptionsAndItems(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{
			"nextSyncToken": "tok-2",
			"items": [{
				"id": "ev1",
				"status": "confirmed",
				"summary": "Standup",
				"start": {"dateTime": "2025-06-16T10:00:00-04:00", "timeZone": "America/New_York"},
				"end": {"dateTime": "2025-06-16T10:30:00-04:00"},
				"recurrence": ["RRULE:FREQ=DAILY"],
				"attendees": [{"email": "me@example.com", "responseStatus": "accepted"}]
			}]
		}`)
	})

	page, err := c.List(context.Background(), "primary", calendar.ListOptions{
		TimeMin:      time.Date(2025, 5, 16, 4, 0, 0, 0, time.UTC),
		MaxResults:   100,
		SingleEvents: true,
	})
	require.NoError(t, err)

	require.Len(t, *calls, 1)
	got := (*calls)[0]
	assert.Equal(t, http.MethodGet, got.Method)
	assert.Equal(t, "/calendars/primary/events", got.Path)
	assert.Equal(t, "2025-05-16T04:00:00Z", got.Query["timeMin"][0])
	assert.Equal(t, "100", got.Query["maxResults"][0])
	assert.Equal(t, "true", got.Query["singleEvents"][0])
	assert.NotContains(t, got.Query, "syncToken")

	assert.Equal(t, "tok-2", page.NextSyncToken)
	require.Len(t, page.Items, 1)
	ev := page.Items[0]
	assert.Equal(t, "ev1", ev.ID)
	assert.Equal(t, "America/New_York", ev.Start.TimeZone)
	assert.Equal(t, []string{"RRULE:FREQ=DAILY"}, ev.Recurrence)
	assert.True(t, ev.HasAttendee("ME@example.com"))
}

func TestListStaleSyncToken(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusGone, `{"error":{"code":410,"message":"Sync token is no longer valid, a full sync is required."}}`)
	})

	_, err := c.List(context.Background(), "primary", calendar.ListOptions{SyncToken: "old"})
	require.Error(t, err)
	assert.ErrorIs(t, err, calendar.ErrStaleSyncToken)
	assert.True(t, calendar.IsStaleSyncToken(err))
	assert.Contains(t, err.Error(), calendar.StaleSyncTokenMessage)
	assert.Equal(t, "old", (*calls)[0].Query["syncToken"][0])
}

func TestOtherErrorsAreNotStale(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, `{"error":{"code":500,"message":"backend error"}}`)
	})

	_, err := c.List(context.Background(), "primary", calendar.ListOptions{})
	require.Error(t, err)
	assert.False(t, calendar.IsStaleSyncToken(err))
}

func TestInsertSendsUpdates(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":"blk1","summary":"🟢 BLOCK","description":"ev1"}`)
	})

	got, err := c.Insert(context.Background(), "blocker", &model.Event{
		Summary:     "🟢 BLOCK",
		Description: "ev1",
		Start:       model.EventTime{DateTime: "2025-06-16T10:00:00Z"},
		End:         model.EventTime{DateTime: "2025-06-16T11:00:00Z"},
		Attendees:   []model.Attendee{{Email: "work@example.com"}},
	}, calendar.SendUpdatesAll)
	require.NoError(t, err)
	assert.Equal(t, "blk1", got.ID)

	rec := (*calls)[0]
	assert.Equal(t, http.MethodPost, rec.Method)
	assert.Equal(t, "/calendars/blocker/events", rec.Path)
	assert.Equal(t, "all", rec.Query["sendUpdates"][0])
	assert.Equal(t, "ev1", rec.Body["description"])
	assert.NotContains(t, rec.Body, "recurrence")
}

func TestUpdatePatchesAndClearsRecurrence(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":"blk1"}`)
	})

	_, err := c.Update(context.Background(), "blocker", "blk1", &model.Event{
		ID:    "blk1",
		Start: model.EventTime{Date: "2025-06-16"},
		End:   model.EventTime{Date: "2025-06-17"},
	}, calendar.SendUpdatesAll)
	require.NoError(t, err)

	rec := (*calls)[0]
	assert.Equal(t, http.MethodPatch, rec.Method)
	assert.Equal(t, "/calendars/blocker/events/blk1", rec.Path)
	assert.Contains(t, rec.Body, "recurrence")
	assert.Nil(t, rec.Body["recurrence"])
	assert.NotContains(t, rec.Body, "id")
}

func TestUpdateInstanceKeepsRecurrenceUntouched(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":"ev1_20250616T140000Z"}`)
	})

	_, err := c.Update(context.Background(), "primary", "ev1_20250616T140000Z", &model.Event{
		ID:        "ev1_20250616T140000Z",
		Attendees: []model.Attendee{{Email: "home@example.com"}},
	}, calendar.SendUpdatesAll)
	require.NoError(t, err)
	assert.NotContains(t, (*calls)[0].Body, "recurrence")
}

func TestUpdateKeepsAttendeeDetails(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, `{"items": [{
				"id": "ev1",
				"start": {"dateTime": "2025-06-16T10:00:00Z"},
				"end": {"dateTime": "2025-06-16T11:00:00Z"},
				"attendees": [{"email": "boss@example.com", "displayName": "Boss", "optional": true, "comment": "maybe", "additionalGuests": 2}]
			}]}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"id":"ev1"}`)
	})

	page, err := c.List(context.Background(), "sched", calendar.ListOptions{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	ev := page.Items[0]
	ev.Attendees = append(ev.Attendees, model.Attendee{Email: "home@example.com"})

	_, err = c.Update(context.Background(), "sched", ev.ID, ev, calendar.SendUpdatesAll)
	require.NoError(t, err)

	require.Len(t, *calls, 2)
	attendees, ok := (*calls)[1].Body["attendees"].([]any)
	require.True(t, ok)
	require.Len(t, attendees, 2)
	boss := attendees[0].(map[string]any)
	assert.Equal(t, "boss@example.com", boss["email"])
	assert.Equal(t, "Boss", boss["displayName"])
	assert.Equal(t, true, boss["optional"])
	assert.Equal(t, "maybe", boss["comment"])
	assert.EqualValues(t, 2, boss["additionalGuests"])
	assert.Equal(t, "home@example.com", attendees[1].(map[string]any)["email"])
}

func TestUpdateSwitchesBetweenTimedAndAllDay(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":"blk1"}`)
	})

	_, err := c.Update(context.Background(), "blocker", "blk1", &model.Event{
		Start: model.EventTime{Date: "2025-06-16"},
		End:   model.EventTime{Date: "2025-06-17"},
	}, calendar.SendUpdatesAll)
	require.NoError(t, err)

	for _, field := range []string{"start", "end"} {
		dt, ok := (*calls)[0].Body[field].(map[string]any)
		require.True(t, ok, field)
		assert.Contains(t, dt, "dateTime", field)
		assert.Nil(t, dt["dateTime"], field)
		assert.Contains(t, dt, "timeZone", field)
		assert.Nil(t, dt["timeZone"], field)
		assert.NotEmpty(t, dt["date"], field)
	}

	_, err = c.Update(context.Background(), "blocker", "blk1", &model.Event{
		Start: model.EventTime{DateTime: "2025-06-16T10:00:00Z"},
		End:   model.EventTime{DateTime: "2025-06-16T11:00:00Z"},
	}, calendar.SendUpdatesAll)
	require.NoError(t, err)

	start := (*calls)[1].Body["start"].(map[string]any)
	assert.Equal(t, "2025-06-16T10:00:00Z", start["dateTime"])
	assert.Contains(t, start, "date")
	assert.Nil(t, start["date"])
}

func TestRemoveSendsNone(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, c.Remove(context.Background(), "blocker", "blk1", calendar.SendUpdatesNone))
	rec := (*calls)[0]
	assert.Equal(t, http.MethodDelete, rec.Method)
	assert.Equal(t, "none", rec.Query["sendUpdates"][0])
}

func TestTokenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "token.json")

	_, err := LoadToken(path)
	assert.ErrorIs(t, err, ErrNoToken)

	tok := &oauth2.Token{AccessToken: "a", RefreshToken: "r", TokenType: "Bearer"}
	require.NoError(t, SaveToken(path, tok))

	got, err := LoadToken(path)
	require.NoError(t, err)
	assert.Equal(t, "r", got.RefreshToken)
}

func TestNewServiceMissingCredentials(t *testing.T) {
	_, err := NewService(context.Background(), Options{CredentialsFile: filepath.Join(t.TempDir(), "none.json")})
	assert.Error(t, err)
}
