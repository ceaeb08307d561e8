package app

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blocksync/internal/calendar/calendartest"
	"blocksync/internal/config"
	"blocksync/internal/metrics"
	"blocksync/internal/model"
	"blocksync/internal/property"
)

// Sunday afternoon.
var fixedNow = time.Date(2025, 6, 15, 14, 30, 0, 0, time.UTC)

type fixture struct {
	host    *calendartest.Calendar
	cfg     *config.Config
	metrics *metrics.Metrics
	runner  *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.SchedulerCalendar = "sched"
	cfg.HomeCalendar = "home"
	cfg.BlockerCalendar = "blocker"
	cfg.HomeEmail = "home@example.com"
	cfg.WorkEmail = "work@example.com"
	cfg.Timezone = "UTC"
	cfg.Availability.CacheDir = t.TempDir()

	host := calendartest.New()
	m := metrics.New()
	r := New(Deps{
		Config:  cfg,
		API:     host,
		Store:   property.NewMemoryStore(),
		Metrics: m,
		Now:     func() time.Time { return fixedNow },
	})
	return &fixture{host: host, cfg: cfg, metrics: m, runner: r}
}

func event(id, start, end string) *model.Event {
	return &model.Event{
		ID:      id,
		Summary: "meeting " + id,
		Start:   model.EventTime{DateTime: start},
		End:     model.EventTime{DateTime: end},
	}
}

func TestSyncRunsSchedulerThenHome(t *testing.T) {
	f := newFixture(t)
	f.host.Put("sched", event("s1", "2025-06-20T10:00:00Z", "2025-06-20T11:00:00Z"))
	f.host.Put("home", event("h1", "2025-06-21T10:00:00Z", "2025-06-21T11:00:00Z"))

	inv, err := f.runner.Sync(context.Background(), false)
	require.NoError(t, err)
	require.NoError(t, inv.Err())
	require.Len(t, inv.Calendars, 2)
	assert.Equal(t, "sched", inv.Calendars[0].CalendarID)
	assert.Equal(t, "home", inv.Calendars[1].CalendarID)
	assert.Equal(t, 2, inv.Guarded)
	assert.Zero(t, inv.Failures())

	assert.Len(t, f.host.BlocksFor("blocker", "s1"), 1)
	assert.Len(t, f.host.BlocksFor("blocker", "h1"), 1)

	src, ok := f.host.Get("sched", "s1")
	require.True(t, ok)
	assert.True(t, src.HasAttendee("home@example.com"))
	home, ok := f.host.Get("home", "h1")
	require.True(t, ok)
	assert.False(t, home.HasAttendee("home@example.com"))

	assert.Same(t, inv, f.runner.LastSync())
	n, err := testutil.GatherAndCount(f.metrics.Registry(), "blocksync_outcomes_total")
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestSyncIsIdempotentAcrossInvocations(t *testing.T) {
	f := newFixture(t)
	f.host.Put("home", event("h1", "2025-06-21T10:00:00Z", "2025-06-21T11:00:00Z"))

	_, err := f.runner.Sync(context.Background(), false)
	require.NoError(t, err)
	f.host.ResetCalls()

	inv, err := f.runner.Sync(context.Background(), false)
	require.NoError(t, err)
	require.NoError(t, inv.Err())
	assert.Zero(t, f.host.Mutations())
	assert.Len(t, f.host.BlocksFor("blocker", "h1"), 1)
}

func TestSyncFailureInOneCalendarDoesNotStopTheOther(t *testing.T) {
	f := newFixture(t)
	f.host.Put("home", event("h1", "2025-06-21T10:00:00Z", "2025-06-21T11:00:00Z"))
	f.host.Fail = func(op calendartest.Op, calendarID, _ string) error {
		if op == calendartest.OpList && calendarID == "sched" {
			return errors.New("backend unavailable")
		}
		return nil
	}

	inv, err := f.runner.Sync(context.Background(), false)
	require.NoError(t, err)
	require.Error(t, inv.Err())
	assert.Contains(t, inv.Err().Error(), "sched")
	assert.Error(t, inv.Calendars[0].Err)
	assert.NoError(t, inv.Calendars[1].Err)
	assert.Len(t, f.host.BlocksFor("blocker", "h1"), 1)
}

func TestSyncDryRunDoesNotMutate(t *testing.T) {
	f := newFixture(t)
	f.host.Put("sched", event("s1", "2025-06-20T10:00:00Z", "2025-06-20T11:00:00Z"))

	inv, err := f.runner.Sync(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, inv.DryRun)
	assert.Zero(t, f.host.Mutations())
}

func TestSyncRejectsIncompleteConfig(t *testing.T) {
	f := newFixture(t)
	f.cfg.HomeEmail = ""

	_, err := f.runner.Sync(context.Background(), false)
	assert.ErrorIs(t, err, config.ErrMissingEmail)
	assert.Nil(t, f.runner.LastSync())
}

func TestOverlappingInvocationIsRejected(t *testing.T) {
	f := newFixture(t)
	f.runner.mu.Lock()
	defer f.runner.mu.Unlock()

	_, err := f.runner.Sync(context.Background(), false)
	assert.ErrorIs(t, err, ErrBusy)
	_, err = f.runner.Sweep(context.Background(), false)
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, f.runner.Reset(context.Background(), ""), ErrBusy)
}

func TestSweepRemovesDuplicates(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 2; i++ {
		f.host.Put("blocker", &model.Event{
			Summary:     "🟢 BLOCK",
			Description: "ev1",
			Start:       model.EventTime{DateTime: "2025-06-20T10:00:00Z"},
			End:         model.EventTime{DateTime: "2025-06-20T11:00:00Z"},
		})
	}

	rep, err := f.runner.Sweep(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.DuplicatesRemoved)
	assert.Len(t, f.host.BlocksFor("blocker", "ev1"), 1)
	assert.Same(t, rep, f.runner.LastSweep())
}

func TestDrainAdvancesCursorsWithoutMutations(t *testing.T) {
	f := newFixture(t)
	f.host.Put("sched", event("s1", "2025-06-20T10:00:00Z", "2025-06-20T11:00:00Z"))
	f.host.Put("home", event("h1", "2025-06-21T10:00:00Z", "2025-06-21T11:00:00Z"))

	reports, err := f.runner.Drain(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Zero(t, f.host.Mutations())

	cursors, err := f.runner.Cursors(context.Background())
	require.NoError(t, err)
	assert.Contains(t, cursors, "sched")
	assert.Contains(t, cursors, "home")

	// Drained events are behind the cursor, so a sync has nothing to do.
	inv, err := f.runner.Sync(context.Background(), false)
	require.NoError(t, err)
	assert.Zero(t, inv.Calendars[0].Events)
	assert.Empty(t, f.host.BlocksFor("blocker", "s1"))
}

func TestDrainUnknownCalendar(t *testing.T) {
	f := newFixture(t)

	reports, err := f.runner.Drain(context.Background(), "other")
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "other", reports[0].CalendarID)
}

func TestResetClearsCursors(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner.Sync(context.Background(), false)
	require.NoError(t, err)

	require.NoError(t, f.runner.Reset(context.Background(), "sched"))
	cursors, err := f.runner.Cursors(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, cursors, "sched")
	assert.Contains(t, cursors, "home")

	require.NoError(t, f.runner.Reset(context.Background(), ""))
	cursors, err = f.runner.Cursors(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cursors)
}

const busyFeed = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:offsite@example.com
DTSTAMP:20250601T000000Z
DTSTART:20250618T090000Z
DTEND:20250618T180000Z
SUMMARY:Offsite
END:VEVENT
END:VCALENDAR
`

func TestFreeCombinesBlocksAndFeeds(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte(busyFeed))
	}))
	defer srv.Close()

	f.cfg.Availability.Days = 5
	f.cfg.Availability.ICS = []config.ICSConfig{{ID: "offsite", URL: srv.URL}}
	f.host.Put("blocker", &model.Event{
		Summary:     "🟢 BLOCK",
		Description: "daily",
		Start:       model.EventTime{DateTime: "2025-06-16T12:00:00Z"},
		End:         model.EventTime{DateTime: "2025-06-16T13:00:00Z"},
		Recurrence:  []string{"RRULE:FREQ=DAILY;COUNT=2"},
	})

	windows, err := f.runner.Free(context.Background(), false)
	require.NoError(t, err)

	byDay := map[int][]time.Time{}
	for _, w := range windows {
		byDay[w.Start.Day()] = append(byDay[w.Start.Day()], w.Start)
	}
	// The recurring block splits Monday and Tuesday around 11:30-13:30.
	assert.Equal(t, []time.Time{
		time.Date(2025, 6, 16, 10, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 16, 13, 30, 0, 0, time.UTC),
	}, byDay[16])
	assert.Len(t, byDay[17], 2)
	// The feed covers Wednesday entirely.
	assert.NotContains(t, byDay, 18)
	assert.Len(t, byDay[19], 1)
}

func TestFreeRejectsBadClock(t *testing.T) {
	f := newFixture(t)
	f.cfg.Availability.WorkStart = "noon"

	_, err := f.runner.Free(context.Background(), false)
	assert.Error(t, err)
}

func TestExportBlocks(t *testing.T) {
	f := newFixture(t)
	f.host.Put("home", event("h1", "2025-06-21T10:00:00Z", "2025-06-21T11:00:00Z"))
	_, err := f.runner.Sync(context.Background(), false)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, f.runner.ExportBlocks(context.Background(), &buf))
	assert.Contains(t, buf.String(), "BEGIN:VEVENT")
	assert.Contains(t, buf.String(), "h1")
}
