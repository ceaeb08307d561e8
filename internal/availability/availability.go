// Package availability finds free meeting windows around busy time.
package availability

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"blocksync/internal/model"
)

// Clock is a wall-clock time of day.
type Clock struct {
	Hour, Minute int
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return Clock{}, fmt.Errorf("parse clock %q: %w", s, err)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (c Clock) on(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), c.Hour, c.Minute, 0, 0, day.Location())
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// Options configures FindFreeWindows. Zero durations and clocks take the
// defaults of DefaultOptions.
type Options struct {
	// Start is "now"; candidates begin the following day.
	Start    time.Time
	Days     int
	Location *time.Location

	WorkStart, WorkEnd Clock
	// Extended adds weekends plus early (ExtStart..WorkStart) and late
	// (WorkEnd..ExtEnd) slots.
	Extended         bool
	ExtStart, ExtEnd Clock

	Buffer      time.Duration
	MinDuration time.Duration
	// Holidays are YYYY-MM-DD dates that get no candidate windows.
	Holidays []string
}

// DefaultOptions returns 10:00-17:00 work hours, 07:00-20:00 extended hours,
// 30 minute buffer and minimum, over 30 days.
func DefaultOptions() Options {
	return Options{
		Days:        30,
		WorkStart:   Clock{Hour: 10},
		WorkEnd:     Clock{Hour: 17},
		ExtStart:    Clock{Hour: 7},
		ExtEnd:      Clock{Hour: 20},
		Buffer:      30 * time.Minute,
		MinDuration: 30 * time.Minute,
	}
}

// Window is a free interval. Extended marks weekend, early or late slots.
type Window struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Extended bool      `json:"extended"`
}

// Duration is End - Start.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

type interval struct {
	start, end time.Time
}

// FindFreeWindows subtracts buffered busy time from the candidate working
// windows and returns what is left, sorted by start. Occurrences marked Free
// do not count as busy.
func FindFreeWindows(busy []model.Occurrence, opts Options) []Window {
	opts = withDefaults(opts)
	start := opts.Start.In(opts.Location)
	end := start.AddDate(0, 0, opts.Days)

	candidates := candidateWindows(start, end, opts)
	merged := mergeBusy(busy, opts.Buffer)

	var free []Window
	for _, c := range candidates {
		cur := c.Start
		for _, b := range merged {
			if b.end.After(cur) && b.start.Before(c.End) {
				if cur.Before(b.start) {
					free = append(free, Window{Start: cur, End: b.start, Extended: c.Extended})
				}
				cur = b.end
			}
		}
		if cur.Before(c.End) {
			free = append(free, Window{Start: cur, End: c.End, Extended: c.Extended})
		}
	}

	var out []Window
	for _, w := range free {
		if w.Duration() < opts.MinDuration {
			continue
		}
		w.Start = roundUpQuarter(w.Start.In(opts.Location))
		w.End = w.End.In(opts.Location)
		if w.Start.Before(w.End) && w.Duration() >= opts.MinDuration {
			out = append(out, w)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func withDefaults(opts Options) Options {
	def := DefaultOptions()
	if opts.Start.IsZero() {
		opts.Start = time.Now()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Days <= 0 {
		opts.Days = def.Days
	}
	if opts.WorkStart == (Clock{}) && opts.WorkEnd == (Clock{}) {
		opts.WorkStart, opts.WorkEnd = def.WorkStart, def.WorkEnd
	}
	if opts.ExtStart == (Clock{}) && opts.ExtEnd == (Clock{}) {
		opts.ExtStart, opts.ExtEnd = def.ExtStart, def.ExtEnd
	}
	if opts.Buffer < 0 {
		opts.Buffer = 0
	}
	if opts.MinDuration <= 0 {
		opts.MinDuration = def.MinDuration
	}
	return opts
}

func candidateWindows(start, end time.Time, opts Options) []Window {
	holidays := make(map[string]bool, len(opts.Holidays))
	for _, h := range opts.Holidays {
		holidays[strings.TrimSpace(h)] = true
	}

	var out []Window
	for day := start.AddDate(0, 0, 1); opts.WorkStart.on(day).Before(end); day = day.AddDate(0, 0, 1) {
		if holidays[day.Format("2006-01-02")] {
			continue
		}
		weekend := day.Weekday() == time.Saturday || day.Weekday() == time.Sunday
		if !weekend {
			out = append(out, Window{Start: opts.WorkStart.on(day), End: opts.WorkEnd.on(day)})
		}
		if !opts.Extended {
			continue
		}
		if weekend {
			out = append(out, Window{Start: opts.WorkStart.on(day), End: opts.WorkEnd.on(day), Extended: true})
		}
		out = append(out,
			Window{Start: opts.ExtStart.on(day), End: opts.WorkStart.on(day), Extended: true},
			Window{Start: opts.WorkEnd.on(day), End: opts.ExtEnd.on(day), Extended: true},
		)
	}
	return out
}

func mergeBusy(busy []model.Occurrence, buffer time.Duration) []interval {
	var iv []interval
	for _, o := range busy {
		if o.Free {
			continue
		}
		iv = append(iv, interval{start: o.Start.Add(-buffer), end: o.End.Add(buffer)})
	}
	sort.Slice(iv, func(i, j int) bool {
		if iv[i].start.Equal(iv[j].start) {
			return iv[i].end.Before(iv[j].end)
		}
		return iv[i].start.Before(iv[j].start)
	})

	var merged []interval
	for _, b := range iv {
		if n := len(merged); n > 0 && !merged[n-1].end.Before(b.start) {
			if b.end.After(merged[n-1].end) {
				merged[n-1].end = b.end
			}
			continue
		}
		merged = append(merged, b)
	}
	return merged
}

// roundUpQuarter moves t forward to the next quarter hour of its wall clock.
func roundUpQuarter(t time.Time) time.Time {
	m := t.Minute()
	if m%15 == 0 {
		return t
	}
	base := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, t.Second(), t.Nanosecond(), t.Location())
	return base.Add(time.Duration((m+14)/15*15) * time.Minute)
}

// Format renders w like "Tue 17 Jun @ 10:00 AM – 11:30 AM EDT (1h30m)",
// with a wknd/morn/even tag for extended slots.
func Format(w Window, loc *time.Location) string {
	if loc == nil {
		loc = w.Start.Location()
	}
	s, e := w.Start.In(loc), w.End.In(loc)
	line := fmt.Sprintf("%s %2d %s @ %8s – %8s %s (%s)",
		s.Format("Mon"), s.Day(), s.Format("Jan"),
		s.Format("3:04 PM"), e.Format("3:04 PM"), s.Format("MST"),
		formatDuration(w.Duration()),
	)
	if !w.Extended {
		return line
	}
	var tags []string
	if s.Weekday() == time.Saturday || s.Weekday() == time.Sunday {
		tags = append(tags, "wknd")
	}
	switch {
	case s.Hour() < 10:
		tags = append(tags, "morn")
	case s.Hour() >= 17:
		tags = append(tags, "even")
	}
	if len(tags) == 0 {
		return line
	}
	return line + " " + strings.Join(tags, " ")
}

func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	switch {
	case h > 0 && m > 0:
		return fmt.Sprintf("%dh%dm", h, m)
	case h > 0:
		return fmt.Sprintf("%dh", h)
	default:
		return fmt.Sprintf("%dm", m)
	}
}
