// Package reconcile mirrors source-calendar events onto the blocker
// calendar as blocks.
package reconcile

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"blocksync/internal/calendar"
	"blocksync/internal/feed"
	appLog "blocksync/internal/log"
	"blocksync/internal/matcher"
	"blocksync/internal/model"
)

const (
	DefaultBlockSummary        = "🟢 BLOCK"
	DefaultInstanceHorizonDays = 90
)

// Settings is the value-typed configuration of a Reconciler.
type Settings struct {
	BlockerCalendarID string
	// HomeEmail is injected as attendee on sources with AddAttendee.
	HomeEmail string
	// WorkEmail is the single attendee of every block.
	WorkEmail string
	// BlockSummary is the sentinel title of created blocks.
	BlockSummary string
	// InstanceHorizonDays bounds how far ahead an uncovered recurring
	// instance is still materialized as its own block.
	InstanceHorizonDays int
	// DryRun stops every pass after the feed has been read and logged.
	DryRun bool
}

func (s Settings) withDefaults() Settings {
	if s.BlockSummary == "" {
		s.BlockSummary = DefaultBlockSummary
	}
	if s.InstanceHorizonDays <= 0 {
		s.InstanceHorizonDays = DefaultInstanceHorizonDays
	}
	return s
}

// Source is one calendar fed into the blocker calendar.
type Source struct {
	CalendarID string
	Name       string
	// AddAttendee injects Settings.HomeEmail into source events lacking it.
	AddAttendee bool
}

// CreationGuard is the per-invocation set of source ids for which block
// creation has been started. It is shared across every pass of one
// invocation and never persisted.
type CreationGuard struct {
	ids map[string]struct{}
}

// NewCreationGuard returns an empty guard for a new invocation.
func NewCreationGuard() *CreationGuard {
	return &CreationGuard{ids: make(map[string]struct{})}
}

// Marked reports whether creation for sourceID was already started.
func (g *CreationGuard) Marked(sourceID string) bool {
	_, ok := g.ids[sourceID]
	return ok
}

// Mark records that creation for sourceID has started.
func (g *CreationGuard) Mark(sourceID string) {
	g.ids[sourceID] = struct{}{}
}

// Len is the number of marked ids.
func (g *CreationGuard) Len() int {
	return len(g.ids)
}

// Deps are the collaborators of a Reconciler.
type Deps struct {
	API     calendar.API
	Feed    *feed.Reader
	Matcher *matcher.Matcher
	// Now is the clock; time.Now when nil.
	Now func() time.Time
}

// Reconciler runs one pass per source calendar.
type Reconciler struct {
	api      calendar.API
	feed     *feed.Reader
	matcher  *matcher.Matcher
	now      func() time.Time
	settings Settings
}

// New builds a Reconciler.
func New(deps Deps, settings Settings) *Reconciler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Matcher == nil {
		deps.Matcher = matcher.New(deps.API)
	}
	return &Reconciler{
		api:      deps.API,
		feed:     deps.Feed,
		matcher:  deps.Matcher,
		now:      deps.Now,
		settings: settings.withDefaults(),
	}
}

// Settings returns the effective settings.
func (r *Reconciler) Settings() Settings {
	return r.settings
}

// Run reconciles src against the blocker calendar. Mutation failures are
// recorded in the report and do not stop the pass; a retrieval failure
// aborts the pass and is returned together with the partial report.
func (r *Reconciler) Run(ctx context.Context, src Source, guard *CreationGuard) (*CalendarReport, error) {
	started := r.now()
	rep := newCalendarReport(src, r.settings.DryRun, started)
	defer func() { rep.Duration = r.now().Sub(started) }()

	res, err := r.feed.Read(ctx, src.CalendarID, false)
	if err != nil {
		rep.Err = err
		return rep, fmt.Errorf("read feed for %s: %w", src.CalendarID, err)
	}
	rep.Events = len(res.Events)
	rep.Pages = res.Pages
	rep.FullSync = res.FullSync
	rep.Recovered = res.Recovered

	appLog.Info("got new events", "calendar", src.CalendarID, "name", src.Name, "events", len(res.Events), "full_sync", res.FullSync)

	if r.settings.DryRun {
		for i, ev := range res.Events {
			appLog.Info("dry run event", "n", i+1, "event_id", ev.ID, "status", ev.Status, "summary", ev.Summary)
		}
		appLog.Info("dry run: not creating/updating/deleting any events", "calendar", src.CalendarID)
		return rep, nil
	}

	pass := matcher.NewPassCache()
	defer func() { rep.CacheHits, rep.CacheMisses = pass.Stats() }()
	for i, ev := range res.Events {
		if err := r.process(ctx, src, i+1, ev, pass, guard, rep); err != nil {
			rep.Err = err
			return rep, err
		}
	}

	appLog.Info("calendar pass complete",
		"calendar", src.CalendarID,
		"created", rep.Count(ActionCreated),
		"updated", rep.Count(ActionUpdated),
		"deleted", rep.Count(ActionDeleted),
		"failures", rep.Failures(),
	)
	return rep, nil
}

// Drain reads the full feed of calendarID without acting on it, only to
// advance the stored cursor.
func (r *Reconciler) Drain(ctx context.Context, src Source) (*CalendarReport, error) {
	started := r.now()
	rep := newCalendarReport(src, true, started)
	defer func() { rep.Duration = r.now().Sub(started) }()

	res, err := r.feed.Read(ctx, src.CalendarID, true)
	if err != nil {
		rep.Err = err
		return rep, fmt.Errorf("drain %s: %w", src.CalendarID, err)
	}
	rep.Events = len(res.Events)
	rep.Pages = res.Pages
	rep.FullSync = true
	appLog.Info("drained calendar", "calendar", src.CalendarID, "events", len(res.Events), "cursor_stored", res.CursorStored)
	return rep, nil
}

func (r *Reconciler) process(ctx context.Context, src Source, n int, ev *model.Event, pass *matcher.PassCache, guard *CreationGuard, rep *CalendarReport) error {
	ev = ev.Clone()
	blockerID := r.settings.BlockerCalendarID
	appLog.Debug("event", "n", n, "event_id", ev.ID, "summary", ev.Summary)

	if model.IsInstanceID(ev.ID) {
		parentID := model.ParentID(ev.ID)
		parent, err := r.matcher.Find(ctx, blockerID, parentID, pass)
		if err != nil {
			return err
		}
		if parent != nil {
			appLog.Debug("parent event has a block, skipping instance", "n", n, "event_id", ev.ID, "parent_id", parentID)
			rep.add(Outcome{EventID: ev.ID, BlockID: parent.ID, Action: ActionSkippedInstanceCovered})
			return nil
		}
		if days, ok := r.daysUntil(ev.Start); ok && days > r.settings.InstanceHorizonDays {
			appLog.Debug("instance is too far in the future, skipping", "n", n, "event_id", ev.ID, "days", days)
			rep.add(Outcome{EventID: ev.ID, Action: ActionSkippedFarFuture})
			return nil
		}
	}

	if src.AddAttendee && !ev.Cancelled() && !ev.HasAttendee(r.settings.HomeEmail) {
		ev.Attendees = append(ev.Attendees, model.Attendee{Email: r.settings.HomeEmail})
		if _, err := r.api.Update(ctx, src.CalendarID, ev.ID, ev, calendar.SendUpdatesAll); err != nil {
			appLog.Error("update failed", err, "n", n, "event_id", ev.ID, "op", "add_attendee")
			rep.add(Outcome{EventID: ev.ID, Action: ActionAttendeeFailed, Err: err})
		} else {
			appLog.Info("added attendee", "n", n, "event_id", ev.ID)
			rep.add(Outcome{EventID: ev.ID, Action: ActionAttendeeAdded})
		}
	}

	block, err := r.matcher.Find(ctx, blockerID, ev.ID, pass)
	if err != nil {
		return err
	}

	switch {
	case block != nil && ev.Cancelled():
		rep.add(r.deleteBlock(ctx, n, ev.ID, block, pass))
	case block != nil:
		rep.add(r.updateBlock(ctx, n, ev, block, pass))
	case !ev.Cancelled():
		rep.add(r.createBlock(ctx, n, ev, pass, guard))
	default:
		rep.add(Outcome{EventID: ev.ID, Action: ActionIgnoredCancelled})
	}
	return nil
}

func (r *Reconciler) deleteBlock(ctx context.Context, n int, sourceID string, block *model.Event, pass *matcher.PassCache) Outcome {
	if err := r.api.Remove(ctx, r.settings.BlockerCalendarID, block.ID, calendar.SendUpdatesAll); err != nil {
		appLog.Error("delete failed", err, "n", n, "event_id", sourceID, "block_id", block.ID)
		return Outcome{EventID: sourceID, BlockID: block.ID, Action: ActionDeleteFailed, Err: err}
	}
	appLog.Info("deleted block", "n", n, "event_id", sourceID, "block_id", block.ID)
	pass.StoreNone(sourceID)
	return Outcome{EventID: sourceID, BlockID: block.ID, Action: ActionDeleted}
}

func (r *Reconciler) updateBlock(ctx context.Context, n int, ev, block *model.Event, pass *matcher.PassCache) Outcome {
	if model.SameTime(ev.Start, block.Start) &&
		model.SameTime(ev.End, block.End) &&
		model.SameRecurrence(ev.Recurrence, block.Recurrence) {
		return Outcome{EventID: ev.ID, BlockID: block.ID, Action: ActionUnchanged}
	}

	updated := block.Clone()
	updated.Start = ev.Start
	updated.End = ev.End
	updated.Recurrence = nil
	if len(ev.Recurrence) > 0 {
		updated.Recurrence = slices.Clone(ev.Recurrence)
	}

	got, err := r.api.Update(ctx, r.settings.BlockerCalendarID, block.ID, updated, calendar.SendUpdatesAll)
	if err != nil {
		appLog.Error("update failed", err, "n", n, "event_id", ev.ID, "block_id", block.ID)
		return Outcome{EventID: ev.ID, BlockID: block.ID, Action: ActionUpdateFailed, Err: err}
	}
	if got == nil {
		got = updated
	}
	appLog.Info("updated block", "n", n, "event_id", ev.ID, "block_id", block.ID)
	pass.Store(ev.ID, got)
	return Outcome{EventID: ev.ID, BlockID: block.ID, Action: ActionUpdated}
}

func (r *Reconciler) createBlock(ctx context.Context, n int, ev *model.Event, pass *matcher.PassCache, guard *CreationGuard) Outcome {
	if guard.Marked(ev.ID) {
		appLog.Info("block creation already in progress, skipping", "n", n, "event_id", ev.ID)
		return Outcome{EventID: ev.ID, Action: ActionSkippedInProgress}
	}
	// Marked before the round-trip and never unmarked: a failed create is
	// retried by a later invocation, not by this one.
	guard.Mark(ev.ID)

	block := &model.Event{
		Summary:     r.settings.BlockSummary,
		Description: ev.ID,
		Start:       ev.Start,
		End:         ev.End,
		Attendees:   []model.Attendee{{Email: r.settings.WorkEmail}},
	}
	if len(ev.Recurrence) > 0 {
		block.Recurrence = slices.Clone(ev.Recurrence)
	}

	created, err := r.api.Insert(ctx, r.settings.BlockerCalendarID, block, calendar.SendUpdatesAll)
	if err != nil {
		appLog.Error("create failed", err, "n", n, "event_id", ev.ID)
		return Outcome{EventID: ev.ID, Action: ActionCreateFailed, Err: err}
	}
	appLog.Info("created block", "n", n, "event_id", ev.ID, "block_id", created.ID)
	pass.Store(ev.ID, created)
	return Outcome{EventID: ev.ID, BlockID: created.ID, Action: ActionCreated}
}

// daysUntil is the whole number of days (floored) from now until start.
// All-day dates count from UTC midnight. ok is false for unparsable values.
func (r *Reconciler) daysUntil(start model.EventTime) (int, bool) {
	t, err := start.Time(time.UTC)
	if err != nil {
		return 0, false
	}
	return int(math.Floor(t.Sub(r.now()).Hours() / 24)), true
}
