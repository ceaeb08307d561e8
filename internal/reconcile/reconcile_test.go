package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blocksync/internal/calendar"
	"blocksync/internal/calendar/calendartest"
	"blocksync/internal/cursor"
	"blocksync/internal/feed"
	"blocksync/internal/model"
	"blocksync/internal/property"
)

var fixedNow = time.Date(2025, 6, 15, 14, 30, 0, 0, time.UTC)

const (
	blockerID = "blocker"
	homeEmail = "home@example.com"
	workEmail = "work@example.com"
)

type fixture struct {
	host    *calendartest.Calendar
	cursors *cursor.Store
	rec     *Reconciler
}

func newFixture(t *testing.T, mutate func(*Settings)) *fixture {
	t.Helper()
	return newFixtureWithAPI(t, calendartest.New(), nil, mutate)
}

func newFixtureWithAPI(t *testing.T, host *calendartest.Calendar, api calendar.API, mutate func(*Settings)) *fixture {
	t.Helper()
	if api == nil {
		api = host
	}
	settings := Settings{
		BlockerCalendarID: blockerID,
		HomeEmail:         homeEmail,
		WorkEmail:         workEmail,
	}
	if mutate != nil {
		mutate(&settings)
	}
	now := func() time.Time { return fixedNow }
	cursors := cursor.NewStore(property.NewMemoryStore())
	rd := feed.NewReader(api, cursors, feed.Options{Location: time.UTC, Now: now})
	return &fixture{
		host:    host,
		cursors: cursors,
		rec:     New(Deps{API: api, Feed: rd, Now: now}, settings),
	}
}

func timed(id, start, end string) *model.Event {
	return &model.Event{
		ID:      id,
		Summary: "meeting " + id,
		Start:   model.EventTime{DateTime: start},
		End:     model.EventTime{DateTime: end},
	}
}

func soon(id string) *model.Event {
	return timed(id, "2025-06-20T10:00:00Z", "2025-06-20T11:00:00Z")
}

func inDays(id string, days int) *model.Event {
	start := fixedNow.AddDate(0, 0, days)
	return timed(id, start.Format(time.RFC3339), start.Add(time.Hour).Format(time.RFC3339))
}

var home = Source{CalendarID: "home", Name: "home"}

func TestRunCreatesBlockForNewEvent(t *testing.T) {
	f := newFixture(t, nil)
	f.host.Put("home", soon("a"))

	rep, err := f.rec.Run(context.Background(), home, NewCreationGuard())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Count(ActionCreated))
	assert.True(t, rep.FullSync)

	blocks := f.host.BlocksFor(blockerID, "a")
	require.Len(t, blocks, 1)
	b := blocks[0]
	assert.Equal(t, DefaultBlockSummary, b.Summary)
	assert.Equal(t, "2025-06-20T10:00:00Z", b.Start.DateTime)
	assert.Equal(t, "2025-06-20T11:00:00Z", b.End.DateTime)
	assert.Equal(t, []model.Attendee{{Email: workEmail}}, b.Attendees)
	assert.Empty(t, b.Recurrence)

	inserts := f.host.CallsFor(calendartest.OpInsert, blockerID)
	require.Len(t, inserts, 1)
	assert.Equal(t, calendar.SendUpdatesAll, inserts[0].SendUpdates)
}

func TestRunIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.host.Put("home", soon("a"))
	f.host.Put("home", &model.Event{
		ID:         "weekly",
		Start:      model.EventTime{DateTime: "2025-06-16T09:00:00Z"},
		End:        model.EventTime{DateTime: "2025-06-16T09:30:00Z"},
		Recurrence: []string{"RRULE:FREQ=WEEKLY;BYDAY=MO"},
	})
	ctx := context.Background()

	_, err := f.rec.Run(ctx, home, NewCreationGuard())
	require.NoError(t, err)
	f.host.ResetCalls()

	// Force the second pass to see every event again.
	require.NoError(t, f.cursors.Clear(ctx, "home"))
	rep, err := f.rec.Run(ctx, home, NewCreationGuard())
	require.NoError(t, err)
	assert.Equal(t, 0, f.host.Mutations())
	assert.Equal(t, 2, rep.Count(ActionUnchanged))
	assert.Len(t, f.host.Events(blockerID), 2)
}

func TestRunRecurringInstanceCoveredByParent(t *testing.T) {
	f := newFixture(t, nil)
	f.host.Put("home", &model.Event{
		ID:         "abc123",
		Start:      model.EventTime{DateTime: "2025-06-16T09:00:00Z"},
		End:        model.EventTime{DateTime: "2025-06-16T09:30:00Z"},
		Recurrence: []string{"RRULE:FREQ=WEEKLY"},
	})
	inst := timed("abc123_20250623T090000Z", "2025-06-23T09:30:00Z", "2025-06-23T10:00:00Z")
	inst.RecurringEventID = "abc123"
	f.host.Put("home", inst)

	rep, err := f.rec.Run(context.Background(), home, NewCreationGuard())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Count(ActionCreated))
	assert.Equal(t, 1, rep.Count(ActionSkippedInstanceCovered))
	assert.Empty(t, f.host.BlocksFor(blockerID, inst.ID))
	require.Len(t, f.host.BlocksFor(blockerID, "abc123"), 1)
	assert.Equal(t, []string{"RRULE:FREQ=WEEKLY"}, f.host.BlocksFor(blockerID, "abc123")[0].Recurrence)
}

func TestRunFarFutureInstanceHorizon(t *testing.T) {
	f := newFixture(t, nil)
	far := inDays("parentA_20250914T143000Z", 91)
	near := inDays("parentB_20250912T143000Z", 89)
	f.host.Put("home", far)
	f.host.Put("home", near)

	rep, err := f.rec.Run(context.Background(), home, NewCreationGuard())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Count(ActionSkippedFarFuture))
	assert.Equal(t, 1, rep.Count(ActionCreated))
	assert.Empty(t, f.host.BlocksFor(blockerID, far.ID))
	assert.Len(t, f.host.BlocksFor(blockerID, near.ID), 1)
}

func TestRunHorizonIgnoresNonInstances(t *testing.T) {
	f := newFixture(t, nil)
	f.host.Put("home", inDays("standalone", 200))

	rep, err := f.rec.Run(context.Background(), home, NewCreationGuard())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Count(ActionCreated))
}

func TestRunCancellationDeletesBlockOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.host.Put("home", soon("a"))

	_, err := f.rec.Run(ctx, home, NewCreationGuard())
	require.NoError(t, err)
	require.Len(t, f.host.BlocksFor(blockerID, "a"), 1)

	f.host.Cancel("home", "a")
	rep, err := f.rec.Run(ctx, home, NewCreationGuard())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Count(ActionDeleted))
	assert.Empty(t, f.host.BlocksFor(blockerID, "a"))
	removes := f.host.CallsFor(calendartest.OpRemove, blockerID)
	require.Len(t, removes, 1)
	assert.Equal(t, calendar.SendUpdatesAll, removes[0].SendUpdates)

	f.host.ResetCalls()
	_, err = f.rec.Run(ctx, home, NewCreationGuard())
	require.NoError(t, err)
	assert.Equal(t, 0, f.host.Mutations())
}

func TestRunCancelledWithoutBlockIsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	ev := soon("gone")
	ev.Status = model.StatusCancelled
	f.host.Put("home", ev)
	ctx := context.Background()

	// Seed a cursor so the cancelled event is delivered by the change feed.
	require.NoError(t, f.cursors.Set(ctx, "home", "sync-0"))
	rep, err := f.rec.Run(ctx, home, NewCreationGuard())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Count(ActionIgnoredCancelled))
	assert.Equal(t, 0, f.host.Mutations())
}

func TestRunUpdatesBlockOnTimeChange(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.host.Put("home", soon("a"))
	_, err := f.rec.Run(ctx, home, NewCreationGuard())
	require.NoError(t, err)

	f.host.Put("home", timed("a", "2025-06-20T12:00:00Z", "2025-06-20T13:30:00Z"))
	rep, err := f.rec.Run(ctx, home, NewCreationGuard())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Count(ActionUpdated))

	blocks := f.host.BlocksFor(blockerID, "a")
	require.Len(t, blocks, 1)
	assert.Equal(t, "2025-06-20T12:00:00Z", blocks[0].Start.DateTime)
	assert.Equal(t, "2025-06-20T13:30:00Z", blocks[0].End.DateTime)
	assert.Equal(t, DefaultBlockSummary, blocks[0].Summary)
}

func TestRunUpdatesBlockOnRecurrenceContentChange(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	series := soon("series")
	series.Recurrence = []string{"RRULE:FREQ=WEEKLY"}
	f.host.Put("home", series)
	_, err := f.rec.Run(ctx, home, NewCreationGuard())
	require.NoError(t, err)

	series.Recurrence = []string{"RRULE:FREQ=DAILY;COUNT=5"}
	f.host.Put("home", series)
	rep, err := f.rec.Run(ctx, home, NewCreationGuard())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Count(ActionUpdated))
	assert.Equal(t, []string{"RRULE:FREQ=DAILY;COUNT=5"}, f.host.BlocksFor(blockerID, "series")[0].Recurrence)

	series.Recurrence = nil
	f.host.Put("home", series)
	rep, err = f.rec.Run(ctx, home, NewCreationGuard())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Count(ActionUpdated))
	assert.Empty(t, f.host.BlocksFor(blockerID, "series")[0].Recurrence)
}

func TestRunUnchangedWhenOffsetDiffers(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.host.Put("home", timed("a", "2025-06-20T10:00:00Z", "2025-06-20T11:00:00Z"))
	f.host.Put(blockerID, &model.Event{
		Summary:     DefaultBlockSummary,
		Description: "a",
		Start:       model.EventTime{DateTime: "2025-06-20T12:00:00+02:00"},
		End:         model.EventTime{DateTime: "2025-06-20T13:00:00+02:00"},
	})

	rep, err := f.rec.Run(ctx, home, NewCreationGuard())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Count(ActionUnchanged))
	assert.Equal(t, 0, f.host.Mutations())
}

func TestRunAddsHomeAttendee(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sched := Source{CalendarID: "sched", Name: "scheduler", AddAttendee: true}

	f.host.Put("sched", soon("needs"))
	has := soon("has")
	has.Attendees = []model.Attendee{{Email: "HOME@example.com"}}
	f.host.Put("sched", has)
	cancelled := soon("cancelled")
	cancelled.Status = model.StatusCancelled
	f.host.Put("sched", cancelled)
	require.NoError(t, f.cursors.Set(ctx, "sched", "sync-0"))

	rep, err := f.rec.Run(ctx, sched, NewCreationGuard())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Count(ActionAttendeeAdded))

	updates := f.host.CallsFor(calendartest.OpUpdate, "sched")
	require.Len(t, updates, 1)
	assert.Equal(t, "needs", updates[0].EventID)
	assert.Equal(t, calendar.SendUpdatesAll, updates[0].SendUpdates)

	got, ok := f.host.Get("sched", "needs")
	require.True(t, ok)
	assert.True(t, got.HasAttendee(homeEmail))

	// The block never carries the home address.
	for _, b := range f.host.Events(blockerID) {
		assert.False(t, b.HasAttendee(homeEmail))
	}
}

func TestRunAttendeeFailureStillCreatesBlock(t *testing.T) {
	f := newFixture(t, nil)
	f.host.Fail = func(op calendartest.Op, calendarID, _ string) error {
		if op == calendartest.OpUpdate && calendarID == "sched" {
			return errors.New("forbidden")
		}
		return nil
	}
	f.host.Put("sched", soon("a"))

	rep, err := f.rec.Run(context.Background(), Source{CalendarID: "sched", AddAttendee: true}, NewCreationGuard())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Count(ActionAttendeeFailed))
	assert.Equal(t, 1, rep.Count(ActionCreated))
	assert.Equal(t, 1, rep.Failures())
}

func TestGuardSpansCalendarsWhenCreateFails(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	fail := true
	f.host.Fail = func(op calendartest.Op, calendarID, _ string) error {
		if fail && op == calendartest.OpInsert {
			return errors.New("backend error")
		}
		return nil
	}
	f.host.Put("sched", soon("shared"))
	f.host.Put("home", soon("shared"))
	guard := NewCreationGuard()

	rep, err := f.rec.Run(ctx, Source{CalendarID: "sched"}, guard)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Count(ActionCreateFailed))
	assert.True(t, guard.Marked("shared"))

	fail = false
	rep, err = f.rec.Run(ctx, home, guard)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Count(ActionSkippedInProgress))
	assert.Empty(t, f.host.BlocksFor(blockerID, "shared"))

	// A fresh invocation retries.
	require.NoError(t, f.cursors.ClearAll(ctx))
	rep, err = f.rec.Run(ctx, home, NewCreationGuard())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Count(ActionCreated))
}

// laggingSearch hides search results, like a host whose index has not yet
// caught up with a fresh insert.
type laggingSearch struct {
	*calendartest.Calendar
}

func (l laggingSearch) List(ctx context.Context, calendarID string, opts calendar.ListOptions) (*calendar.Page, error) {
	page, err := l.Calendar.List(ctx, calendarID, opts)
	if err != nil || opts.Q == "" {
		return page, err
	}
	return &calendar.Page{}, nil
}

func TestGuardPreventsDuplicateWhenSearchLags(t *testing.T) {
	host := calendartest.New()
	f := newFixtureWithAPI(t, host, laggingSearch{host}, nil)
	ctx := context.Background()
	host.Put("sched", soon("shared"))
	host.Put("home", soon("shared"))
	guard := NewCreationGuard()

	_, err := f.rec.Run(ctx, Source{CalendarID: "sched"}, guard)
	require.NoError(t, err)
	rep, err := f.rec.Run(ctx, home, guard)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Count(ActionSkippedInProgress))
	assert.Len(t, host.CallsFor(calendartest.OpInsert, blockerID), 1)
	assert.Len(t, host.BlocksFor(blockerID, "shared"), 1)
	assert.Equal(t, 1, guard.Len())
}

func TestRunDryRunMakesNoMutations(t *testing.T) {
	f := newFixture(t, func(s *Settings) { s.DryRun = true })
	ctx := context.Background()
	f.host.Put("sched", soon("a"))
	f.host.Put("sched", soon("b"))

	rep, err := f.rec.Run(ctx, Source{CalendarID: "sched", AddAttendee: true}, NewCreationGuard())
	require.NoError(t, err)
	assert.True(t, rep.DryRun)
	assert.Equal(t, 2, rep.Events)
	assert.Empty(t, rep.Outcomes)
	assert.Equal(t, 0, f.host.Mutations())

	tok, err := f.cursors.Get(ctx, "sched")
	require.NoError(t, err)
	assert.NotEmpty(t, tok)
}

func TestRunBlockUpdateFailureIsRecorded(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.host.Put("home", soon("a"))
	_, err := f.rec.Run(ctx, home, NewCreationGuard())
	require.NoError(t, err)

	f.host.Fail = func(op calendartest.Op, calendarID, _ string) error {
		if op == calendartest.OpUpdate && calendarID == blockerID {
			return errors.New("rate limited")
		}
		return nil
	}
	f.host.Put("home", timed("a", "2025-06-21T10:00:00Z", "2025-06-21T11:00:00Z"))
	rep, err := f.rec.Run(ctx, home, NewCreationGuard())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Count(ActionUpdateFailed))
	require.Len(t, rep.Outcomes, 1)
	assert.Equal(t, "rate limited", rep.Outcomes[0].Reason())
}

func TestRunAbortsWhenBlockerSearchFails(t *testing.T) {
	f := newFixture(t, nil)
	f.host.Fail = func(op calendartest.Op, calendarID, _ string) error {
		if op == calendartest.OpList && calendarID == blockerID {
			return errors.New("backend error")
		}
		return nil
	}
	f.host.Put("home", soon("a"))
	f.host.Put("home", soon("b"))

	rep, err := f.rec.Run(context.Background(), home, NewCreationGuard())
	require.Error(t, err)
	require.NotNil(t, rep)
	assert.Error(t, rep.Err)
	assert.Equal(t, 0, f.host.Mutations())
}

func TestRunFeedErrorReturnsError(t *testing.T) {
	f := newFixture(t, nil)
	f.host.Fail = func(op calendartest.Op, calendarID, _ string) error {
		if calendarID == "home" {
			return errors.New("unauthorized")
		}
		return nil
	}

	rep, err := f.rec.Run(context.Background(), home, NewCreationGuard())
	require.Error(t, err)
	assert.Contains(t, rep.Error(), "unauthorized")
}

func TestDrainAdvancesCursorWithoutMutations(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.host.Put("home", soon("a"))
	require.NoError(t, f.cursors.Set(ctx, "home", "sync-0"))

	rep, err := f.rec.Drain(ctx, home)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Events)
	assert.Equal(t, 0, f.host.Mutations())
	lists := f.host.CallsFor(calendartest.OpList, "home")
	require.Len(t, lists, 1)
	assert.Empty(t, lists[0].Options.SyncToken)

	tok, err := f.cursors.Get(ctx, "home")
	require.NoError(t, err)
	assert.NotEqual(t, "sync-0", tok)
}
