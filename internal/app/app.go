// Package app wires configuration, the host calendar and the property store
// into the entry points exposed by the CLI and the scheduler.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"blocksync/internal/availability"
	"blocksync/internal/calendar"
	"blocksync/internal/config"
	"blocksync/internal/cursor"
	"blocksync/internal/feed"
	"blocksync/internal/ics"
	appLog "blocksync/internal/log"
	"blocksync/internal/metrics"
	"blocksync/internal/model"
	"blocksync/internal/property"
	"blocksync/internal/reconcile"
	"blocksync/internal/sweep"
)

// ErrBusy is returned when another invocation holds the runner.
var ErrBusy = errors.New("app: another invocation is running")

// InvocationReport aggregates one Sync invocation.
type InvocationReport struct {
	DryRun    bool                        `json:"dry_run"`
	Started   time.Time                   `json:"started"`
	Duration  time.Duration               `json:"duration"`
	Calendars []*reconcile.CalendarReport `json:"calendars"`
	// Guarded is the number of source ids the creation guard saw.
	Guarded int `json:"guarded"`
}

// Err joins the calendar-level errors, nil when every pass completed.
func (r *InvocationReport) Err() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, c := range r.Calendars {
		if c.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.CalendarID, c.Err))
		}
	}
	return errors.Join(errs...)
}

// Failures sums failed outcomes over all calendars.
func (r *InvocationReport) Failures() int {
	n := 0
	for _, c := range r.Calendars {
		n += c.Failures()
	}
	return n
}

// Deps are the collaborators of a Runner. Metrics and Fetcher are optional.
type Deps struct {
	Config  *config.Config
	API     calendar.API
	Store   property.Store
	Metrics *metrics.Metrics
	Fetcher *ics.Fetcher
	Now     func() time.Time
}

// Runner executes invocations one at a time.
type Runner struct {
	cfg     *config.Config
	api     calendar.API
	cursors *cursor.Store
	metrics *metrics.Metrics
	fetcher *ics.Fetcher
	now     func() time.Time

	mu sync.Mutex

	lastMu    sync.RWMutex
	lastSync  *InvocationReport
	lastSweep *sweep.Report
}

// New builds a Runner.
func New(deps Deps) *Runner {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Fetcher == nil {
		deps.Fetcher = ics.NewFetcher(deps.Config.Availability.CacheDir, nil)
	}
	return &Runner{
		cfg:     deps.Config,
		api:     deps.API,
		cursors: cursor.NewStore(deps.Store),
		metrics: deps.Metrics,
		fetcher: deps.Fetcher,
		now:     deps.Now,
	}
}

func (r *Runner) reconciler(dryRun bool) *reconcile.Reconciler {
	rd := feed.NewReader(r.api, r.cursors, feed.Options{
		FullSyncDays: r.cfg.FullSyncDays,
		PageSize:     r.cfg.PageSize,
		Location:     r.cfg.Location(),
		Now:          r.now,
	})
	return reconcile.New(reconcile.Deps{API: r.api, Feed: rd, Now: r.now}, r.cfg.Sync(dryRun))
}

// Sync runs one invocation: every source calendar in order, sharing one
// creation guard. A calendar that fails does not stop the next one; its
// error is kept in the report. The returned error is reserved for
// invocation-level problems (busy runner, invalid config).
func (r *Runner) Sync(ctx context.Context, dryRun bool) (*InvocationReport, error) {
	if !r.mu.TryLock() {
		return nil, ErrBusy
	}
	defer r.mu.Unlock()

	if err := r.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}

	started := r.now()
	inv := &InvocationReport{DryRun: dryRun, Started: started}
	rec := r.reconciler(dryRun)
	guard := reconcile.NewCreationGuard()

	for _, src := range r.cfg.Sources() {
		rep, err := rec.Run(ctx, src, guard)
		if err != nil {
			appLog.Error("calendar pass failed", err, "calendar", src.CalendarID, "name", src.Name)
		}
		inv.Calendars = append(inv.Calendars, rep)
		r.metrics.ObservePass(rep)
	}
	inv.Guarded = guard.Len()
	inv.Duration = r.now().Sub(started)

	appLog.Info("sync invocation complete",
		"dry_run", dryRun,
		"calendars", len(inv.Calendars),
		"failures", inv.Failures(),
		"duration", inv.Duration.String(),
	)

	r.lastMu.Lock()
	r.lastSync = inv
	r.lastMu.Unlock()
	return inv, nil
}

// Sweep runs the duplicate sweep over the blocker calendar.
func (r *Runner) Sweep(ctx context.Context, dryRun bool) (*sweep.Report, error) {
	if !r.mu.TryLock() {
		return nil, ErrBusy
	}
	defer r.mu.Unlock()

	if r.cfg.BlockerCalendar == "" {
		return nil, fmt.Errorf("sweep: %w: blocker_calendar", config.ErrMissingCalendar)
	}

	rep, err := sweep.New(r.api, r.cfg.Sweep(dryRun), r.now).Run(ctx)
	if err != nil {
		return rep, err
	}
	r.metrics.ObserveSweep(rep)

	r.lastMu.Lock()
	r.lastSweep = rep
	r.lastMu.Unlock()
	return rep, nil
}

// Drain advances the cursor of calendarID without mutating anything. An
// empty calendarID drains every configured source.
func (r *Runner) Drain(ctx context.Context, calendarID string) ([]*reconcile.CalendarReport, error) {
	if !r.mu.TryLock() {
		return nil, ErrBusy
	}
	defer r.mu.Unlock()

	rec := r.reconciler(true)
	var (
		reports []*reconcile.CalendarReport
		errs    []error
	)
	for _, src := range r.sourcesFor(calendarID) {
		rep, err := rec.Drain(ctx, src)
		reports = append(reports, rep)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return reports, errors.Join(errs...)
}

// Reset forgets the cursor of calendarID, or every cursor when empty.
func (r *Runner) Reset(ctx context.Context, calendarID string) error {
	if !r.mu.TryLock() {
		return ErrBusy
	}
	defer r.mu.Unlock()

	if calendarID == "" {
		appLog.Info("clearing all sync cursors")
		return r.cursors.ClearAll(ctx)
	}
	appLog.Info("clearing sync cursor", "calendar", calendarID)
	return r.cursors.Clear(ctx, calendarID)
}

// Cursors lists the stored cursors by calendar id.
func (r *Runner) Cursors(ctx context.Context) (map[string]string, error) {
	return r.cursors.All(ctx)
}

func (r *Runner) sourcesFor(calendarID string) []reconcile.Source {
	var out []reconcile.Source
	for _, src := range r.cfg.Sources() {
		if src.CalendarID == "" {
			continue
		}
		if calendarID == "" || src.CalendarID == calendarID {
			out = append(out, src)
		}
	}
	if calendarID != "" && len(out) == 0 {
		out = append(out, reconcile.Source{CalendarID: calendarID, Name: calendarID})
	}
	return out
}

// LastSync returns the most recent sync report, nil before the first run.
func (r *Runner) LastSync() *InvocationReport {
	r.lastMu.RLock()
	defer r.lastMu.RUnlock()
	return r.lastSync
}

// LastSweep returns the most recent sweep report.
func (r *Runner) LastSweep() *sweep.Report {
	r.lastMu.RLock()
	defer r.lastMu.RUnlock()
	return r.lastSweep
}

// Blocks lists live blocks on the blocker calendar from since onwards.
func (r *Runner) Blocks(ctx context.Context, since time.Time) ([]*model.Event, error) {
	if r.cfg.BlockerCalendar == "" {
		return nil, fmt.Errorf("%w: blocker_calendar", config.ErrMissingCalendar)
	}
	events, _, err := calendar.ListAll(ctx, r.api, r.cfg.BlockerCalendar, calendar.ListOptions{
		TimeMin:    since,
		MaxResults: r.cfg.PageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	blocks := events[:0]
	for _, ev := range events {
		if ev.Cancelled() || ev.Description == "" {
			continue
		}
		blocks = append(blocks, ev)
	}
	return blocks, nil
}

// ExportBlocks writes the blocks of the sweep lookback window as ICS.
func (r *Runner) ExportBlocks(ctx context.Context, w io.Writer) error {
	now := r.now()
	blocks, err := r.Blocks(ctx, now.AddDate(0, 0, -r.cfg.SweepLookbackDays))
	if err != nil {
		return err
	}
	return ics.ExportBlocks(w, blocks, now)
}

// FreeOptions derives availability options from config.
func (r *Runner) FreeOptions(extended bool) (availability.Options, error) {
	a := r.cfg.Availability
	opts := availability.DefaultOptions()
	opts.Start = r.now()
	opts.Location = r.cfg.Location()
	opts.Extended = extended
	opts.Holidays = a.Holidays
	if a.Days > 0 {
		opts.Days = a.Days
	}
	if a.BufferMinutes > 0 {
		opts.Buffer = time.Duration(a.BufferMinutes) * time.Minute
	}
	if a.MinDurationMinutes > 0 {
		opts.MinDuration = time.Duration(a.MinDurationMinutes) * time.Minute
	}

	clocks := []struct {
		raw string
		dst *availability.Clock
	}{
		{a.WorkStart, &opts.WorkStart},
		{a.WorkEnd, &opts.WorkEnd},
		{a.ExtStart, &opts.ExtStart},
		{a.ExtEnd, &opts.ExtEnd},
	}
	for _, c := range clocks {
		if c.raw == "" {
			continue
		}
		v, err := availability.ParseClock(c.raw)
		if err != nil {
			return opts, fmt.Errorf("availability: %w", err)
		}
		*c.dst = v
	}
	return opts, nil
}

// Free computes free windows from the blocker calendar plus configured ICS
// feeds. Feed failures are logged and skipped.
func (r *Runner) Free(ctx context.Context, extended bool) ([]availability.Window, error) {
	opts, err := r.FreeOptions(extended)
	if err != nil {
		return nil, err
	}
	win := ics.Window{
		Start:    opts.Start,
		End:      opts.Start.AddDate(0, 0, opts.Days+1),
		Location: opts.Location,
	}

	blocks, err := r.Blocks(ctx, win.Start)
	if err != nil {
		return nil, err
	}
	busy, err := ics.ExpandBlocks(r.cfg.BlockerCalendar, blocks, win)
	if err != nil {
		return nil, err
	}

	feedBusy, err := r.feedOccurrences(ctx, win)
	if err != nil {
		return nil, err
	}
	busy = append(busy, feedBusy...)

	windows := availability.FindFreeWindows(busy, opts)
	appLog.Info("free windows computed",
		"blocks", len(blocks),
		"busy", len(busy),
		"windows", len(windows),
		"extended", extended,
	)
	return windows, nil
}

func (r *Runner) feedOccurrences(ctx context.Context, win ics.Window) ([]model.Occurrence, error) {
	feeds := make([]ics.Feed, 0, len(r.cfg.Availability.ICS))
	for _, c := range r.cfg.Availability.ICS {
		if c.URL == "" {
			continue
		}
		id := c.ID
		if id == "" {
			id = c.Name
		}
		if id == "" {
			id = c.URL
		}
		feeds = append(feeds, ics.Feed{ID: id, Name: c.Name, URL: c.URL})
	}
	if len(feeds) == 0 {
		return nil, nil
	}

	results, errs := r.fetcher.FetchAll(ctx, feeds)
	if len(errs) > 0 {
		appLog.Error("one or more ICS fetches failed", errors.Join(errs...), "error_count", len(errs))
	}

	var parsed []ics.ParsedEvent
	for _, res := range results {
		events, err := ics.Parse(res.Feed.ID, res.Body)
		if err != nil {
			appLog.Error("ICS parse failed", err, "feed", res.Feed.ID)
			continue
		}
		parsed = append(parsed, events...)
	}
	return ics.Expand(parsed, win)
}
